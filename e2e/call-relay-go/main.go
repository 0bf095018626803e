// Command call-relay-go runs an in-memory call relay for browser E2E tests.
// It accepts every origin, authenticates with ?user= only and prints
// "READY <port>" once it is listening.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayserver"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	if v := os.Getenv("AUTH_MODE"); v != "" && v != string(config.AuthModeNone) {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}

	authn, err := auth.New(config.AuthModeNone, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	relay, err := relayserver.New(relayserver.Config{
		Auth:                 authn,
		CheckOrigin:          func(*http.Request) bool { return true },
		PingInterval:         config.DefaultRelayWSPingInterval,
		IdleTimeout:          config.DefaultRelayWSIdleTimeout,
		MaxMessageBytes:      config.DefaultMaxRelayMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxRelayMessagesPerSecond,
		SendBuffer:           config.DefaultRelaySendBuffer,
		Logger:               slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Pages under test are served from another origin.
			w.Header().Set("Access-Control-Allow-Origin", "*")
			mux.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		relay.Close()
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		relay.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
