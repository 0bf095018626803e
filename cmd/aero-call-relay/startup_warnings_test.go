package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.RelayConfig{
		Logging:  config.Logging{Mode: config.ModeDev},
		AuthMode: config.AuthModeNone,
	}
	logStartupSecurityWarnings(logger, cfg)

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_ShortSecretAndWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.RelayConfig{
		Logging:        config.Logging{Mode: config.ModeProd},
		AuthMode:       config.AuthModeJWT,
		JWTSecret:      "short",
		AllowedOrigins: []string{"*"},
	}
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	for _, want := range []string{"jwt_secret_short", "allowed_origins_wildcard"} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("missing warning_code=%s, got %#v", want, records())
		}
	}
	if _, ok := codes["auth_mode_none"]; ok {
		t.Fatal("unexpected auth_mode_none warning")
	}
}

func TestStartupSecurityWarnings_StaticTURN(t *testing.T) {
	turn := []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}}

	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, config.RelayConfig{
		AuthMode:   config.AuthModeJWT,
		JWTSecret:  strings.Repeat("s", minJWTSecretBytes),
		ICEServers: turn,
	})
	if _, ok := warningCodes(records())["turn_static_credentials"]; !ok {
		t.Fatalf("expected turn_static_credentials warning, got %#v", records())
	}

	logger, records = newRecordingLogger()
	logStartupSecurityWarnings(logger, config.RelayConfig{
		AuthMode:   config.AuthModeJWT,
		JWTSecret:  strings.Repeat("s", minJWTSecretBytes),
		ICEServers: []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
		TURNREST:   config.TurnRESTConfig{SharedSecret: "x", TTLSeconds: 60, UsernamePrefix: "aero"},
	})
	if got := records(); len(got) != 0 {
		t.Fatalf("expected no warnings, got %#v", got)
	}
}
