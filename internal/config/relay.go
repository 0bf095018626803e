package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	EnvRelayListenAddr      = "AERO_CALL_RELAY_LISTEN_ADDR"
	EnvRelayMode            = "AERO_CALL_RELAY_MODE"
	EnvRelayLogFormat       = "AERO_CALL_RELAY_LOG_FORMAT"
	EnvRelayLogLevel        = "AERO_CALL_RELAY_LOG_LEVEL"
	EnvRelayShutdownTimeout = "AERO_CALL_RELAY_SHUTDOWN_TIMEOUT"
	EnvAllowedOrigins       = "ALLOWED_ORIGINS"

	EnvAuthMode  = "AUTH_MODE"
	EnvJWTSecret = "JWT_SECRET"

	EnvRelayWSPingInterval       = "RELAY_WS_PING_INTERVAL"
	EnvRelayWSIdleTimeout        = "RELAY_WS_IDLE_TIMEOUT"
	EnvMaxRelayMessageBytes      = "MAX_RELAY_MESSAGE_BYTES"
	EnvMaxRelayMessagesPerSecond = "MAX_RELAY_MESSAGES_PER_SECOND"
	EnvRelaySendBuffer           = "RELAY_SEND_BUFFER"

	EnvCallLogPath = "CALL_LOG_PATH"

	// coturn TURN REST (ephemeral) credentials.
	EnvTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second

	DefaultAuthMode = AuthModeJWT

	DefaultRelayWSPingInterval       = 20 * time.Second
	DefaultRelayWSIdleTimeout        = 60 * time.Second
	DefaultMaxRelayMessageBytes      = int64(64 * 1024)
	DefaultMaxRelayMessagesPerSecond = 50
	DefaultRelaySendBuffer           = 256

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "aero"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// RelayConfig configures cmd/aero-call-relay.
type RelayConfig struct {
	Logging

	ListenAddr      string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	AuthMode  AuthMode
	JWTSecret string

	WSPingInterval       time.Duration
	WSIdleTimeout        time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendBuffer           int

	// CallLogPath enables the SQLite call history when non-empty.
	CallLogPath string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (RelayConfig, error) {
	listenAddr := envOrDefault(lookup, EnvRelayListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, EnvAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, EnvJWTSecret, "")
	callLogPath := envOrDefault(lookup, EnvCallLogPath, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvRelayShutdownTimeout, DefaultShutdown)
	if err != nil {
		return RelayConfig{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, EnvRelayWSPingInterval, DefaultRelayWSPingInterval)
	if err != nil {
		return RelayConfig{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, EnvRelayWSIdleTimeout, DefaultRelayWSIdleTimeout)
	if err != nil {
		return RelayConfig{}, err
	}

	maxMessageBytes := DefaultMaxRelayMessageBytes
	if raw, ok := lookup(EnvMaxRelayMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s %q: %w", EnvMaxRelayMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxRelayMessagesPerSecond, DefaultMaxRelayMessagesPerSecond)
	if err != nil {
		return RelayConfig{}, err
	}
	sendBuffer, err := envIntOrDefault(lookup, EnvRelaySendBuffer, DefaultRelaySendBuffer)
	if err != nil {
		return RelayConfig{}, err
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   envOrDefault(lookup, EnvTURNRESTSharedSecret, ""),
		TTLSeconds:     DefaultTURNRESTTTLSeconds,
		UsernamePrefix: envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
	}
	if raw, ok := lookup(EnvTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s %q: %w", EnvTURNRESTTTLSeconds, raw, err)
		}
		turnREST.TTLSeconds = n
	}

	fs := flag.NewFlagSet("aero-call-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags := newLoggingFlags(lookup, fs, EnvRelayMode, EnvRelayLogFormat, EnvRelayLogLevel)
	ice := newICEFlags(lookup, fs)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+EnvRelayListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+EnvAllowedOrigins+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+EnvRelayShutdownTimeout+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none or jwt (env "+EnvAuthMode+")")
	fs.DurationVar(&pingInterval, "ws-ping-interval", pingInterval, "Ping interval for relay WebSocket connections (must be < --ws-idle-timeout; env "+EnvRelayWSPingInterval+")")
	fs.DurationVar(&idleTimeout, "ws-idle-timeout", idleTimeout, "Close relay WebSocket connections idle for this long (env "+EnvRelayWSIdleTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound relay message size in bytes (env "+EnvMaxRelayMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound relay messages per second per connection (env "+EnvMaxRelayMessagesPerSecond+")")
	fs.IntVar(&sendBuffer, "send-buffer", sendBuffer, "Queued outbound frames per connection before it is dropped (env "+EnvRelaySendBuffer+")")
	fs.StringVar(&callLogPath, "call-log-path", callLogPath, "SQLite call history path; empty disables it (env "+EnvCallLogPath+")")
	fs.StringVar(&turnREST.SharedSecret, "turn-rest-shared-secret", turnREST.SharedSecret, "TURN REST shared secret (env "+EnvTURNRESTSharedSecret+")")
	fs.Int64Var(&turnREST.TTLSeconds, "turn-rest-ttl-seconds", turnREST.TTLSeconds, "TURN REST credential TTL seconds (env "+EnvTURNRESTTTLSeconds+")")
	fs.StringVar(&turnREST.UsernamePrefix, "turn-rest-username-prefix", turnREST.UsernamePrefix, "TURN REST username prefix (env "+EnvTURNRESTUsernamePrefix+")")

	setFlags, err := parseFlags(fs, args)
	if err != nil {
		return RelayConfig{}, err
	}

	logging, err := logFlags.resolve(setFlags)
	if err != nil {
		return RelayConfig{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return RelayConfig{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("%s/--allowed-origins: %w", EnvAllowedOrigins, err)
	}

	if listenAddr == "" {
		return RelayConfig{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return RelayConfig{}, fmt.Errorf("%s must be set when %s=%s", EnvJWTSecret, EnvAuthMode, AuthModeJWT)
	}
	if authMode == AuthModeNone && logging.Mode == ModeProd {
		return RelayConfig{}, fmt.Errorf("%s=%s is only allowed in dev mode", EnvAuthMode, AuthModeNone)
	}
	if idleTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", EnvRelayWSIdleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return RelayConfig{}, fmt.Errorf("%s/--ws-ping-interval must be > 0 and < %s", EnvRelayWSPingInterval, EnvRelayWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--max-message-bytes must be > 0", EnvMaxRelayMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", EnvMaxRelayMessagesPerSecond)
	}
	if sendBuffer <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--send-buffer must be > 0", EnvRelaySendBuffer)
	}
	if turnREST.Enabled() && turnREST.TTLSeconds <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", EnvTURNRESTTTLSeconds)
	}

	iceServers, err := ice.servers(turnREST.Enabled())
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		Logging:              logging,
		ListenAddr:           listenAddr,
		ShutdownTimeout:      shutdownTimeout,
		AllowedOrigins:       allowedOrigins,
		AuthMode:             authMode,
		JWTSecret:            jwtSecret,
		WSPingInterval:       pingInterval,
		WSIdleTimeout:        idleTimeout,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendBuffer:           sendBuffer,
		CallLogPath:          strings.TrimSpace(callLogPath),
		ICEServers:           iceServers,
		TURNREST:             turnREST,
	}, nil
}

// parseAllowedOrigins accepts "*" or scheme://host[:port] entries.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		scheme, host, ok := strings.Cut(entry, "://")
		scheme = strings.ToLower(scheme)
		host = strings.TrimSuffix(host, "/")
		if !ok || (scheme != "http" && scheme != "https") || host == "" || strings.ContainsAny(host, "/?#@") {
			return nil, fmt.Errorf("invalid origin %q (expected scheme://host[:port] or *)", entry)
		}
		out = append(out, scheme+"://"+strings.ToLower(host))
	}
	return out, nil
}
