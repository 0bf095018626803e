//go:build !mediadevices

package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

// newMediaSource returns generated tracks; build with -tags mediadevices for
// real capture devices.
func newMediaSource(logger *slog.Logger) (media.Source, media.CodecRegistrar, error) {
	logger.Info("using synthetic media source")
	return media.SyntheticSource{}, nil, nil
}
