package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.RelayConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client claim any user id",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() && hasStaticTURNCredentials(cfg) {
		logger.Warn("startup security warning: static TURN credentials are served to every authenticated client (prefer TURN_REST_SHARED_SECRET)",
			"warning_code", "turn_static_credentials",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_RELAY_MESSAGE_BYTES is very large (weakens relay DoS hardening)",
			"warning_code", "relay_max_message_large",
			"max_relay_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func hasStaticTURNCredentials(cfg config.RelayConfig) bool {
	for _, s := range cfg.ICEServers {
		if s.Username == "" {
			continue
		}
		for _, u := range s.URLs {
			if config.IsTURNURL(u) {
				return true
			}
		}
	}
	return false
}
