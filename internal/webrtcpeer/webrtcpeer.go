package webrtcpeer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

// Options configures the pion API shared by every call in a process.
type Options struct {
	ICEServers []webrtc.ICEServer

	// UDPPortRange restricts the UDP ports used for ICE. Nil leaves port
	// selection to the OS.
	UDPPortRange *config.UDPPortRange

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	Logger *slog.Logger

	// Net overrides the network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

// OptionsFromConfig maps client configuration onto API options.
func OptionsFromConfig(cfg config.ClientConfig, logger *slog.Logger) Options {
	return Options{
		ICEServers:             cfg.ICEServers,
		UDPPortRange:           cfg.WebRTCUDPPortRange,
		ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICEFailedTimeout,
		ICEKeepaliveInterval:   cfg.ICEKeepaliveInterval,
		Logger:                 logger,
	}
}

func NewAPI(opts Options) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortRange.Min, opts.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	disconnected := opts.ICEDisconnectedTimeout
	if disconnected <= 0 {
		disconnected = config.DefaultICEDisconnectedTimeout
	}
	failed := opts.ICEFailedTimeout
	if failed <= 0 {
		failed = config.DefaultICEFailedTimeout
	}
	keepalive := opts.ICEKeepaliveInterval
	if keepalive <= 0 {
		keepalive = config.DefaultICEKeepaliveInterval
	}
	se.SetICETimeouts(disconnected, failed, keepalive)

	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return nil
}
