// Command callctl is a headless calling client. It connects to a relay,
// sends synthetic camera and microphone tracks, and either dials a user or
// answers incoming calls.
//
//	callctl [flags] dial [-hold 30s] <user>
//	callctl [flags] answer [-once]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cmd, err := parseCommand(cfg.Args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cmd, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("callctl failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, cmd command, logger *slog.Logger) error {
	api, err := webrtcpeer.NewAPI(webrtcpeer.OptionsFromConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	header := credentialHeader(cfg)
	ch, err := signaling.Dial(ctx, signaling.DialConfig{
		URL:    cfg.RelayURL,
		Header: header,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	events := newEventQueue(logger)
	ctl, err := call.New(call.Config{
		LocalUserID:        cfg.UserID,
		LocalMeta:          signaling.PeerMeta{DisplayName: cfg.DisplayName},
		Channel:            ch,
		Directory:          presence.NewHTTP(cfg.PresenceURL, header),
		Device:             webrtcpeer.NewSyntheticDevice(cfg.UserID),
		Transports:         webrtcpeer.NewFactory(api, cfg.ICEServers, logger),
		Notifier:           events,
		Logger:             logger,
		AcceptTimeout:      cfg.AcceptTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	if err != nil {
		return err
	}

	logger.Info("callctl connected", "relay_url", cfg.RelayURL, "user_id", cfg.UserID, "command", cmd.name)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	g.Go(func() error {
		err := ctl.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancelRun()
		return cmd.run(gctx, ctl, events, logger)
	})
	return g.Wait()
}

// credentialHeader carries whichever credential is configured. Relays
// running without auth take the user id from X-User-ID. Presence lookups
// reuse the same header.
func credentialHeader(cfg config.ClientConfig) http.Header {
	h := http.Header{}
	switch {
	case cfg.Token != "":
		h.Set("Authorization", "Bearer "+cfg.Token)
	case cfg.APIKey != "":
		h.Set("X-API-Key", cfg.APIKey)
	default:
		h.Set("X-User-ID", cfg.UserID)
	}
	return h
}
