package main

import (
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

func TestSelfIdentity_NoToken(t *testing.T) {
	id, err := selfIdentity(config.AgentConfig{UserID: "alice", UserName: "Alice"})
	if err != nil {
		t.Fatalf("selfIdentity: %v", err)
	}
	if id.ID != "alice" || id.Name != "Alice" {
		t.Fatalf("id=%+v, want alice/Alice", id)
	}
}

func TestSelfIdentity_FromToken(t *testing.T) {
	token, err := auth.Sign("secret", auth.Identity{UserID: "bob", Name: "Bob"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := selfIdentity(config.AgentConfig{Token: token})
	if err != nil {
		t.Fatalf("selfIdentity: %v", err)
	}
	if id.ID != "bob" || id.Name != "Bob" {
		t.Fatalf("id=%+v, want bob/Bob", id)
	}

	id, err = selfIdentity(config.AgentConfig{Token: token, UserID: "bob", UserName: "Robert"})
	if err != nil || id.Name != "Robert" {
		t.Fatalf("id=%+v err=%v, want name override", id, err)
	}

	if _, err := selfIdentity(config.AgentConfig{Token: token, UserID: "mallory"}); err == nil {
		t.Fatal("expected error for user id that conflicts with the token subject")
	}
}

func TestSelfIdentity_BadToken(t *testing.T) {
	if _, err := selfIdentity(config.AgentConfig{Token: "not-a-jwt"}); err == nil {
		t.Fatal("expected error for malformed token")
	}
	noSubject, _ := auth.Sign("secret", auth.Identity{}, time.Hour, time.Now())
	if _, err := selfIdentity(config.AgentConfig{Token: noSubject}); err == nil {
		t.Fatal("expected error for token without subject")
	}
}
