// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<nonce>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	Now   func() time.Time
	Nonce func() string
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	nonce  func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTL < time.Second:
		return nil, errors.New("turnrest: ttl must be at least 1s")
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	g := &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		nonce:  cfg.Nonce,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.nonce == nil {
		g.nonce = uuid.NewString
	}
	return g, nil
}

// Issue mints one credential pair with a fresh nonce.
func (g *Generator) Issue() (Credentials, error) {
	nonce := g.nonce()
	if nonce == "" || strings.Contains(nonce, ":") {
		return Credentials{}, fmt.Errorf("turnrest: invalid nonce %q", nonce)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, nonce)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers with one fresh credential pair set on every
// TURN entry. STUN entries are left as they are.
func (g *Generator) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, Credentials, error) {
	creds, err := g.Issue()
	if err != nil {
		return nil, Credentials{}, err
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if slices.ContainsFunc(s.URLs, isTURN) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out, creds, nil
}

func isTURN(raw string) bool {
	return config.IsTURNURL(strings.TrimSpace(raw))
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
