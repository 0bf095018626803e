//go:build mediadevices

package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

func newMediaSource(logger *slog.Logger) (media.Source, media.CodecRegistrar, error) {
	src, err := media.NewDeviceSource(logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using camera and microphone")
	return src, src, nil
}
