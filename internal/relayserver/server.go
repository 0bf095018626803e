package relayserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/turnrest"
)

const (
	defaultCallListLimit = 50
	maxCallListLimit     = 500
)

type Config struct {
	Auth *auth.Authenticator
	// CheckOrigin gates WebSocket upgrades; nil uses gorilla's same-origin check.
	CheckOrigin func(r *http.Request) bool

	PingInterval         time.Duration
	IdleTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendBuffer           int

	ICEServers []webrtc.ICEServer
	TURN       *turnrest.Generator
	CallLog    CallLog

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	hub      *Hub
	upgrader websocket.Upgrader
}

func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("relayserver: authenticator is required")
	}
	switch {
	case cfg.PingInterval <= 0:
		return nil, errors.New("relayserver: ping interval must be > 0")
	case cfg.IdleTimeout <= cfg.PingInterval:
		return nil, errors.New("relayserver: idle timeout must exceed the ping interval")
	case cfg.MaxMessageBytes <= 0 || cfg.MaxMessagesPerSecond <= 0 || cfg.SendBuffer <= 0:
		return nil, errors.New("relayserver: message limits must be > 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "relayserver")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		hub: newHub(cfg),
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
	}, nil
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every relay client. The HTTP server is shut down by the
// caller.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/relay", s.handleRelay)
	mux.HandleFunc("GET /v1/ice", s.authenticated(s.handleICE))
	mux.HandleFunc("GET /v1/presence/{userId}", s.authenticated(s.handlePresence))
	mux.HandleFunc("GET /v1/calls", s.authenticated(s.handleCalls))
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	id, err := s.cfg.Auth.Authenticate(r)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.RelayAuthFailure)
		s.log.Info("relay authentication failed", "remote_addr", r.RemoteAddr, "err", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := newConn(s.hub, id, ws)
	s.hub.register(c)
	go c.writePump()
	c.readPump()
	s.hub.unregister(c)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

func (s *Server) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.cfg.Auth.Authenticate(r)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.RelayAuthFailure)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, id)
	}
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	w.Header().Set("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := map[string]any{"iceServers": servers}
	if s.cfg.TURN != nil {
		withCreds, creds, err := s.cfg.TURN.Apply(servers)
		if err != nil {
			s.log.Error("failed to mint TURN credentials", "user_id", id.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to mint TURN credentials")
			return
		}
		resp["iceServers"] = withCreds
		resp["expiresAt"] = creds.Expires
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	userID := strings.TrimSpace(r.PathValue("userId"))
	if err := auth.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, s.hub.Presence(userID))
}

// handleCalls lists the caller's own call history.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if s.cfg.CallLog == nil {
		writeError(w, http.StatusNotFound, "call log is disabled")
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user"))
	if userID == "" {
		userID = id.UserID
	}
	if userID != id.UserID {
		writeError(w, http.StatusForbidden, "call history is only visible to its owner")
		return
	}
	limit := defaultCallListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxCallListLimit {
			writeError(w, http.StatusBadRequest, "limit must be 1-"+strconv.Itoa(maxCallListLimit))
			return
		}
		limit = n
	}

	calls, err := s.cfg.CallLog.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("failed to list calls", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	httpserver.WriteJSON(w, status, map[string]any{"error": msg})
}
