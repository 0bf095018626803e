package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const readinessTimeout = 2 * time.Second

type BuildInfo struct {
	Service   string `json:"service"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// ReadinessCheck reports whether a dependency of the relay is usable.
type ReadinessCheck func(ctx context.Context) error

// Server is the relay's HTTP front: probes, CORS and origin enforcement,
// request ids and access logs. Feature routes are registered on Mux.
type Server struct {
	log   *slog.Logger
	build BuildInfo

	serving atomic.Bool
	checkMu sync.RWMutex
	checks  map[string]ReadinessCheck

	mux  *http.ServeMux
	cors *cors.Cors
	srv  *http.Server
}

func New(cfg config.RelayConfig, logger *slog.Logger, build BuildInfo) *Server {
	if build.GoVersion == "" {
		build.GoVersion = runtime.Version()
	}
	s := &Server{
		log:    logger.With("component", "httpserver"),
		build:  build,
		checks: make(map[string]ReadinessCheck),
		mux:    http.NewServeMux(),
		cors:   newCORS(cfg.AllowedOrigins),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /version", s.handleVersion)

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		accessLogMiddleware(s.log),
		s.originMiddleware(),
		s.cors.Handler,
	)
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Relay sockets are long-lived; read/write timeouts stay zero.
	}
	return s
}

// Mux is for route registration during startup, before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// SetReadinessCheck installs or, with a nil check, removes a named /readyz
// probe.
func (s *Server) SetReadinessCheck(name string, check ReadinessCheck) {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	if check == nil {
		delete(s.checks, name)
		return
	}
	s.checks[name] = check
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.srv.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.build)
}

type readiness struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.serving.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, readiness{})
		return
	}

	s.checkMu.RLock()
	checks := maps.Clone(s.checks)
	s.checkMu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	res := readiness{Ready: true}
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		if err := checks[name](ctx); err != nil {
			if res.Checks == nil {
				res.Checks = make(map[string]string)
			}
			res.Checks[name] = err.Error()
			res.Ready = false
			s.log.Warn("readiness check failed", "check", name, "err", err)
		}
	}
	if !res.Ready {
		WriteJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// WriteJSON writes v as the response body with a JSON content type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
