package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/calllog"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.LoadRelay(os.Args[1:])
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

	logger.Info("starting aero-call-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"allowed_origins", cfg.AllowedOrigins,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"call_log", cfg.CallLogPath != "",
		"max_relay_message_bytes", cfg.MaxMessageBytes,
		"max_relay_messages_per_second", cfg.MaxMessagesPerSecond,
	)
	logStartupSecurityWarnings(logger, cfg)

	authn, err := auth.New(cfg.AuthMode, cfg.JWTSecret)
	if err != nil {
		logger.Error("failed to configure relay auth", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	var calls *calllog.Store
	if cfg.CallLogPath != "" {
		calls, err = calllog.Open(context.Background(), cfg.CallLogPath, logger)
		if err != nil {
			logger.Error("failed to open call log", "path", cfg.CallLogPath, "err", err)
			os.Exit(1)
		}
		defer calls.Close()
	}

	m := metrics.New()
	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Service: "aero-call-relay", Commit: commit, BuildTime: buildTime})

	relayCfg := relayserver.Config{
		Auth:                 authn,
		CheckOrigin:          srv.OriginAllowed,
		PingInterval:         cfg.WSPingInterval,
		IdleTimeout:          cfg.WSIdleTimeout,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendBuffer:           cfg.SendBuffer,
		ICEServers:           cfg.ICEServers,
		TURN:                 turn,
		Logger:               logger,
		Metrics:              m,
	}
	if calls != nil {
		// Assigned only when set so the interface stays nil otherwise.
		relayCfg.CallLog = calls
		srv.SetReadinessCheck("calllog", calls.Ping)
	}
	relay, err := relayserver.New(relayCfg)
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}
	relay.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		relay.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked relay sockets are not tracked by http.Server.Shutdown.
	relay.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
