package main

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

// selfIdentity resolves the local user. With a token the relay derives the
// user from its subject, so the agent reads the same claim (unverified; the
// relay does the verification) and refuses a conflicting --user-id.
func selfIdentity(cfg config.AgentConfig) (call.Identity, error) {
	if cfg.Token == "" {
		return call.Identity{ID: cfg.UserID, Name: cfg.UserName}, nil
	}

	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(cfg.Token, &claims); err != nil {
		return call.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return call.Identity{}, errors.New("token has no subject")
	}
	if cfg.UserID != "" && cfg.UserID != claims.Subject {
		return call.Identity{}, fmt.Errorf("--user-id %q does not match token subject %q", cfg.UserID, claims.Subject)
	}
	name := claims.Name
	if cfg.UserName != "" {
		name = cfg.UserName
	}
	return call.Identity{ID: claims.Subject, Name: name}, nil
}
