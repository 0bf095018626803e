package peer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

// Options configures the pion API shared by every call of one agent.
type Options struct {
	// UDPPortMin/UDPPortMax restrict ICE sockets to a port range. Zero means
	// any port.
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs are advertised as host candidates in place of local addresses.
	NAT1To1IPs []string

	// ICE timeouts; zero keeps pion's defaults.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// Codecs, when set, registers the codecs of a media source instead of
	// pion's defaults.
	Codecs media.CodecRegistrar

	Logger *slog.Logger

	// ConfigureSettingEngine runs last and may override anything above. Tests
	// use it to attach a virtual network.
	ConfigureSettingEngine func(*webrtc.SettingEngine)
}

// NewAPI builds a pion API with the media engine, default interceptors and
// network settings described by opts.
func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := applyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	se.LoggerFactory = NewLoggerFactory(opts.Logger)
	if opts.ConfigureSettingEngine != nil {
		opts.ConfigureSettingEngine(&se)
	}

	me := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs.RegisterCodecs(me); err != nil {
			return nil, fmt.Errorf("register source codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func applyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if opts.UDPPortMin == 0 || opts.UDPPortMax == 0 || opts.UDPPortMin > opts.UDPPortMax {
			return fmt.Errorf("invalid udp port range %d-%d", opts.UDPPortMin, opts.UDPPortMax)
		}
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(opts.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(opts.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	if opts.ICEDisconnectedTimeout > 0 || opts.ICEFailedTimeout > 0 || opts.ICEKeepaliveInterval > 0 {
		disconnected := opts.ICEDisconnectedTimeout
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		failed := opts.ICEFailedTimeout
		if failed <= 0 {
			failed = 25 * time.Second
		}
		keepalive := opts.ICEKeepaliveInterval
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepalive)
	}
	return nil
}
