package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const maxUserIDLen = 128

// Identity is the authenticated user behind a relay connection.
type Identity struct {
	UserID string
	Name   string
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

// Authenticator resolves the identity of an incoming relay request.
type Authenticator struct {
	mode     config.AuthMode
	verifier Verifier
}

func New(mode config.AuthMode, jwtSecret string) (*Authenticator, error) {
	switch mode {
	case config.AuthModeNone:
		return &Authenticator{mode: mode}, nil
	case config.AuthModeJWT:
		v, err := NewJWTVerifier(jwtSecret)
		if err != nil {
			return nil, err
		}
		return &Authenticator{mode: mode, verifier: v}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func (a *Authenticator) Mode() config.AuthMode { return a.mode }

// Authenticate reads ?user=&name= in none mode, and a JWT from ?token= or an
// Authorization bearer header in jwt mode.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.mode == config.AuthModeNone {
		q := r.URL.Query()
		id := Identity{UserID: strings.TrimSpace(q.Get("user")), Name: strings.TrimSpace(q.Get("name"))}
		if id.UserID == "" {
			return Identity{}, ErrMissingCredentials
		}
		if err := ValidateUserID(id.UserID); err != nil {
			return Identity{}, err
		}
		return id, nil
	}

	cred, err := CredentialFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return a.verifier.Verify(cred)
}

// CredentialFromRequest extracts a bearer credential. Browsers cannot set
// headers on WebSocket upgrades, so the query parameter comes first.
func CredentialFromRequest(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	return "", ErrMissingCredentials
}

func ValidateUserID(id string) error {
	if id == "" || len(id) > maxUserIDLen {
		return fmt.Errorf("%w: user id must be 1-%d bytes", ErrInvalidCredentials, maxUserIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: user id contains whitespace or control characters", ErrInvalidCredentials)
		}
	}
	return nil
}
