package config

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func relayEnv(extra map[string]string) func(string) (string, bool) {
	m := map[string]string{EnvJWTSecret: "secret"}
	for k, v := range extra {
		m[k] = v
	}
	return lookupMap(m)
}

func TestRelayDefaultsDev(t *testing.T) {
	cfg, err := loadRelay(relayEnv(nil), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log=%q/%v, want text/debug", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeJWT {
		t.Fatalf("AuthMode=%q, want %q", cfg.AuthMode, AuthModeJWT)
	}
	if cfg.MaxMessageBytes != DefaultMaxRelayMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxRelayMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxRelayMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d, want %d", cfg.MaxMessagesPerSecond, DefaultMaxRelayMessagesPerSecond)
	}
	if cfg.WSPingInterval != DefaultRelayWSPingInterval || cfg.WSIdleTimeout != DefaultRelayWSIdleTimeout {
		t.Fatalf("ping/idle=%v/%v", cfg.WSPingInterval, cfg.WSIdleTimeout)
	}
	if cfg.CallLogPath != "" || cfg.TURNREST.Enabled() || len(cfg.ICEServers) != 0 {
		t.Fatalf("expected optional features off, got %+v", cfg)
	}
}

func TestRelayDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := loadRelay(relayEnv(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log=%q/%v, want json/info", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestRelayLogFormatExplicitOverride(t *testing.T) {
	cfg, err := loadRelay(relayEnv(map[string]string{EnvRelayMode: "production"}), []string{"--log-format", "text"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatText {
		t.Fatalf("mode/format=%q/%q, want prod/text", cfg.Mode, cfg.LogFormat)
	}
}

func TestRelayFlagOverridesEnv(t *testing.T) {
	cfg, err := loadRelay(relayEnv(map[string]string{
		EnvRelayListenAddr:           "0.0.0.0:9000",
		EnvMaxRelayMessagesPerSecond: "10",
	}), []string{"--listen-addr", "127.0.0.1:9001"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.MaxMessagesPerSecond != 10 {
		t.Fatalf("MaxMessagesPerSecond=%d, want 10", cfg.MaxMessagesPerSecond)
	}
}

func TestRelayAuthValidation(t *testing.T) {
	if _, err := loadRelay(lookupMap(nil), nil); err == nil || !strings.Contains(err.Error(), EnvJWTSecret) {
		t.Fatalf("err=%v, want missing %s", err, EnvJWTSecret)
	}
	cfg, err := loadRelay(lookupMap(map[string]string{EnvAuthMode: "none"}), nil)
	if err != nil {
		t.Fatalf("auth none in dev: %v", err)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode=%q, want none", cfg.AuthMode)
	}
	if _, err := loadRelay(lookupMap(map[string]string{EnvAuthMode: "none"}), []string{"--mode", "prod"}); err == nil {
		t.Fatal("expected auth none to be refused in prod")
	}
	if _, err := loadRelay(lookupMap(map[string]string{EnvAuthMode: "api_key"}), nil); err == nil {
		t.Fatal("expected unknown auth mode to fail")
	}
}

func TestRelayRejectsBadLimits(t *testing.T) {
	cases := []map[string]string{
		{EnvRelayWSPingInterval: "60s", EnvRelayWSIdleTimeout: "30s"},
		{EnvRelayWSIdleTimeout: "nope"},
		{EnvMaxRelayMessageBytes: "0"},
		{EnvMaxRelayMessagesPerSecond: "-1"},
		{EnvRelaySendBuffer: "0"},
		{EnvTURNRESTSharedSecret: "s", EnvTURNRESTTTLSeconds: "0"},
	}
	for _, env := range cases {
		if _, err := loadRelay(relayEnv(env), nil); err == nil {
			t.Fatalf("loadRelay(%v): expected error", env)
		}
	}
}

func TestRelayTURNRESTAllowsCredentiallessTURN(t *testing.T) {
	env := map[string]string{EnvTurnURLs: "turn:turn.example.com:3478"}
	if _, err := loadRelay(relayEnv(env), nil); err == nil {
		t.Fatal("expected TURN without credentials to fail")
	}

	env[EnvTURNRESTSharedSecret] = "shh"
	cfg, err := loadRelay(relayEnv(env), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if !cfg.TURNREST.Enabled() || cfg.TURNREST.TTLSeconds != DefaultTURNRESTTTLSeconds || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Credential != nil {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:8443, http://localhost:5173/, *")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	want := []string{"https://example.com:8443", "http://localhost:5173", "*"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("got=%v, want %v", got, want)
	}

	for _, raw := range []string{
		"ftp://example.com",
		"example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
	} {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestAgentDefaults(t *testing.T) {
	cfg, err := loadAgent(lookupMap(map[string]string{EnvAgentUserID: "alice"}), nil)
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.RelayURL != DefaultRelayURL {
		t.Fatalf("RelayURL=%q, want %q", cfg.RelayURL, DefaultRelayURL)
	}
	if cfg.BusyPolicy != call.BusyReply {
		t.Fatalf("BusyPolicy=%q, want %q", cfg.BusyPolicy, call.BusyReply)
	}
	if cfg.RingTimeout != 0 {
		t.Fatalf("RingTimeout=%v, want none", cfg.RingTimeout)
	}
	if cfg.AnswerMode != AnswerPrompt {
		t.Fatalf("AnswerMode=%q, want %q", cfg.AnswerMode, AnswerPrompt)
	}
	if cfg.AckTimeout != DefaultAckTimeout {
		t.Fatalf("AckTimeout=%v, want %v", cfg.AckTimeout, DefaultAckTimeout)
	}
	if cfg.UDPPortRange != nil || cfg.Call != "" {
		t.Fatalf("unexpected optional settings: %+v", cfg)
	}
}

func TestAgentRequiresIdentity(t *testing.T) {
	if _, err := loadAgent(lookupMap(nil), nil); err == nil {
		t.Fatal("expected error without user id or token")
	}
	if _, err := loadAgent(lookupMap(map[string]string{EnvAgentToken: "jwt"}), nil); err != nil {
		t.Fatalf("token only: %v", err)
	}
}

func TestAgentCallFlags(t *testing.T) {
	cfg, err := loadAgent(lookupMap(map[string]string{
		EnvAgentUserID:  "alice",
		EnvRingTimeout:  "30s",
		EnvBusyPolicy:   "queue",
		EnvAnswerMode:   "accept",
		EnvICEFromRelay: "true",
	}), []string{"--call", "bob", "--call-type", "video", "--hangup-after", "10s"})
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.Call != "bob" || cfg.CallKind != media.KindVideo || cfg.HangupAfter != 10*time.Second {
		t.Fatalf("call=%q kind=%q hangup=%v", cfg.Call, cfg.CallKind, cfg.HangupAfter)
	}
	if cfg.RingTimeout != 30*time.Second || cfg.BusyPolicy != call.BusyQueue || cfg.AnswerMode != AnswerAccept {
		t.Fatalf("ring=%v busy=%q answer=%q", cfg.RingTimeout, cfg.BusyPolicy, cfg.AnswerMode)
	}
	if !cfg.ICEFromRelay {
		t.Fatal("ICEFromRelay=false, want true")
	}
}

func TestAgentRejectsBadValues(t *testing.T) {
	cases := []struct {
		env  map[string]string
		args []string
	}{
		{env: map[string]string{EnvAgentRelayURL: "http://relay.example.com"}},
		{env: map[string]string{EnvBusyPolicy: "maybe"}},
		{env: map[string]string{EnvRingTimeout: "soon"}},
		{env: map[string]string{EnvAnswerMode: "later"}},
		{env: map[string]string{EnvWebRTCUDPPortMin: "40000"}},
		{env: map[string]string{EnvWebRTCUDPPortMin: "41000", EnvWebRTCUDPPortMax: "40000"}},
		{args: []string{"--call", "alice"}},
		{args: []string{"--call", "bob", "--call-type", "screen"}},
		{env: map[string]string{EnvTurnURLs: "turn:turn.example.com"}},
	}
	for _, tc := range cases {
		env := map[string]string{EnvAgentUserID: "alice"}
		for k, v := range tc.env {
			env[k] = v
		}
		if _, err := loadAgent(lookupMap(env), tc.args); err == nil {
			t.Fatalf("loadAgent(%v, %v): expected error", tc.env, tc.args)
		}
	}
}

func TestAgentPortRange(t *testing.T) {
	cfg, err := loadAgent(lookupMap(map[string]string{
		EnvAgentUserID:      "alice",
		EnvWebRTCUDPPortMin: "40000",
		EnvWebRTCUDPPortMax: "40100",
	}), nil)
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.UDPPortRange == nil || cfg.UDPPortRange.Min != 40000 || cfg.UDPPortRange.Max != 40100 {
		t.Fatalf("UDPPortRange=%+v", cfg.UDPPortRange)
	}
}

func TestAgentDialAndICEURL(t *testing.T) {
	cfg := AgentConfig{RelayURL: "wss://relay.example.com/v1/relay", UserID: "alice", UserName: "Alice A"}
	u, err := url.Parse(cfg.DialURL())
	if err != nil {
		t.Fatalf("parse DialURL: %v", err)
	}
	if u.Query().Get("user") != "alice" || u.Query().Get("name") != "Alice A" || u.Query().Has("token") {
		t.Fatalf("DialURL query=%v", u.Query())
	}
	if got, want := cfg.ICEURL(), "https://relay.example.com/v1/ice?user=alice"; got != want {
		t.Fatalf("ICEURL=%q, want %q", got, want)
	}

	cfg.Token = "tok"
	u, _ = url.Parse(cfg.DialURL())
	if u.Query().Get("token") != "tok" || u.Query().Has("user") {
		t.Fatalf("DialURL query with token=%v", u.Query())
	}
	if got, want := cfg.ICEURL(), "https://relay.example.com/v1/ice?token=tok"; got != want {
		t.Fatalf("ICEURL=%q, want %q", got, want)
	}
}

func TestLoadDotEnvKeepsExistingEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("AERO_CALL_TEST_A=from-file\nAERO_CALL_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("AERO_CALL_TEST_A", "from-env")
	t.Cleanup(func() { os.Unsetenv("AERO_CALL_TEST_B") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("AERO_CALL_TEST_A"); got != "from-env" {
		t.Fatalf("A=%q, want from-env", got)
	}
	if got := os.Getenv("AERO_CALL_TEST_B"); got != "from-file" {
		t.Fatalf("B=%q, want from-file", got)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(Logging{LogFormat: LogFormatJSON}); err != nil {
		t.Fatalf("NewLogger json: %v", err)
	}
	if _, err := NewLogger(Logging{LogFormat: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for raw, want := range cases {
		got, err := parseLogLevel(raw)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q)=%v err=%v, want %v", raw, got, err, want)
		}
	}
	for _, raw := range []string{"", "trace", "info+2"} {
		if _, err := parseLogLevel(raw); err == nil {
			t.Fatalf("parseLogLevel(%q): expected error", raw)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := parseMode("Production"); err != nil || m != ModeProd {
		t.Fatalf("mode=%q err=%v, want prod", m, err)
	}
	_, err := parseMode("staging")
	if err == nil || !strings.Contains(err.Error(), "dev or prod") {
		t.Fatalf("err=%v, want mention of dev or prod", err)
	}
}
