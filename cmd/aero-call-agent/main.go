package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ringing"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	self, err := selfIdentity(cfg)
	if err != nil {
		logger.Error("invalid identity", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, self, logger); err != nil {
		logger.Error("agent exited", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig, self call.Identity, logger *slog.Logger) error {
	logger.Info("starting aero-call-agent",
		"relay_url", cfg.RelayURL,
		"user_id", self.ID,
		"busy_policy", cfg.BusyPolicy,
		"answer", cfg.AnswerMode,
		"ring_timeout", cfg.RingTimeout,
		"ice_from_relay", cfg.ICEFromRelay,
	)

	src, codecs, err := newMediaSource(logger)
	if err != nil {
		return fmt.Errorf("open media source: %w", err)
	}

	opts := peer.Options{
		ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICEFailedTimeout,
		Codecs:                 codecs,
		Logger:                 logger,
	}
	if cfg.UDPPortRange != nil {
		opts.UDPPortMin = cfg.UDPPortRange.Min
		opts.UDPPortMax = cfg.UDPPortRange.Max
	}
	api, err := peer.NewAPI(opts)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	servers, err := iceServers(ctx, cfg, nil)
	if err != nil {
		return err
	}

	client, err := relayclient.Dial(ctx, relayclient.Config{
		URL:        cfg.DialURL(),
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer client.Close()

	console := ringing.NewConsole(os.Stdin, os.Stdout)
	m := metrics.New()
	router, err := call.NewRouter(call.Config{
		Self:          self,
		Channel:       client,
		Media:         src,
		NewPeer:       call.PionPeers(api, webrtc.Configuration{ICEServers: servers}, logger),
		Ringer:        ringerFor(cfg.AnswerMode, console),
		BusyPolicy:    cfg.BusyPolicy,
		RingTimeout:   cfg.RingTimeout,
		SendTimeout:   cfg.AckTimeout,
		Logger:        logger,
		Metrics:       m,
		OnUpdate:      console.Notify,
		OnRemoteTrack: drainRemoteTracks(ctx, logger),
	})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() {
		runErr <- router.Run(runCtx)
	}()

	if cfg.Call != "" {
		if err := placeCall(runCtx, router, cfg, logger); err != nil {
			return err
		}
	}

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-client.Done():
		exitErr = fmt.Errorf("relay connection lost: %w", client.Err())
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			exitErr = err
		}
	}

	// Run releases its subscription as it returns, before any teardown
	// below waits on relay acks.
	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := router.Close(shutdownCtx); err != nil {
		logger.Warn("call shutdown incomplete", "err", err)
	}
	logger.Debug("call counters", "metrics", m.Snapshot())
	return exitErr
}

func ringerFor(mode config.AnswerMode, console *ringing.Console) call.Ringer {
	switch mode {
	case config.AnswerAccept:
		return ringing.Auto{Decision: call.DecisionAccept}
	case config.AnswerReject:
		return ringing.Auto{Decision: call.DecisionReject}
	default:
		return console
	}
}

// placeCall starts the configured outgoing call and, with HangupAfter set,
// ends it after that long.
func placeCall(ctx context.Context, router *call.Router, cfg config.AgentConfig, logger *slog.Logger) error {
	s, err := router.Initiate(ctx, cfg.Call, cfg.CallKind)
	if err != nil {
		return fmt.Errorf("call %s: %w", cfg.Call, err)
	}
	logger.Info("calling", "room_id", s.ID(), "callee", cfg.Call, "kind", string(cfg.CallKind))
	if cfg.HangupAfter <= 0 {
		return nil
	}
	go func() {
		t := time.NewTimer(cfg.HangupAfter)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.Done():
			return
		case <-ctx.Done():
			return
		}
		hctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Hangup(hctx); err != nil {
			logger.Warn("hangup failed", "room_id", s.ID(), "err", err)
		}
	}()
	return nil
}

// drainRemoteTracks reads inbound media so the jitter buffers never fill, and
// logs per-track totals once the call ends.
func drainRemoteTracks(ctx context.Context, logger *slog.Logger) call.RemoteTrackHandler {
	return func(s *call.Session, pc call.PeerConnection, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		var w peer.RTCPWriter
		if a, ok := pc.(*peer.Adapter); ok {
			w = a.PeerConnection()
		}
		log := logger.With("room_id", s.ID(), "track", track.ID(), "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		log.Info("remote track started")

		go func() {
			tctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-s.Done():
					cancel()
				case <-tctx.Done():
				}
			}()
			stats, err := peer.DrainRemoteTrack(tctx, track, w, nil)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Debug("remote track read ended", "err", err)
			}
			log.Info("remote track finished",
				"packets", stats.Packets,
				"bytes", stats.Bytes,
				"pli_requests", stats.PLIRequests,
			)
		}()
	}
}
