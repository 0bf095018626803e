package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	EnvICEServersJSON = "AERO_ICE_SERVERS_JSON"
	EnvStunURLs       = "AERO_STUN_URLS"
	EnvTurnURLs       = "AERO_TURN_URLS"
	EnvTurnUsername   = "AERO_TURN_USERNAME"
	EnvTurnCredential = "AERO_TURN_CREDENTIAL"
)

// iceFlags carries the ICE inputs of both binaries through env and flags.
type iceFlags struct {
	json, stun, turn, turnUsername, turnCredential string
}

func newICEFlags(lookup func(string) (string, bool), fs *flag.FlagSet) *iceFlags {
	f := &iceFlags{
		json:           envOrDefault(lookup, EnvICEServersJSON, ""),
		stun:           envOrDefault(lookup, EnvStunURLs, ""),
		turn:           envOrDefault(lookup, EnvTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, EnvTurnUsername, ""),
		turnCredential: envOrDefault(lookup, EnvTurnCredential, ""),
	}
	fs.StringVar(&f.json, "ice-servers-json", f.json, "ICE server JSON config (env "+EnvICEServersJSON+")")
	fs.StringVar(&f.stun, "stun-urls", f.stun, "Comma-separated STUN URLs (env "+EnvStunURLs+")")
	fs.StringVar(&f.turn, "turn-urls", f.turn, "Comma-separated TURN URLs (env "+EnvTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", f.turnUsername, "TURN username (env "+EnvTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", f.turnCredential, "TURN credential (env "+EnvTurnCredential+")")
	return f
}

// servers resolves the configured list. AERO_ICE_SERVERS_JSON wins over the
// convenience variables. With turnREST, TURN entries may omit credentials
// because the relay mints them per request.
func (f *iceFlags) servers(turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(f.json); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(f.stun, f.turn, f.turnUsername, f.turnCredential, turnREST)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer-like objects.
func ParseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		var urls []string
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(server.Username)}
		if strings.TrimSpace(server.Credential) != "" {
			s.Credential = server.Credential
		}
		if err := validateICEServer(s, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		s := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(s, false); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvStunURLs, err)
		}
		servers = append(servers, s)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !turnREST && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", EnvTurnUsername, EnvTurnCredential, EnvTurnURLs)
		}
		s := webrtc.ICEServer{URLs: turn, Username: turnUsername}
		if turnCredential != "" {
			s.Credential = turnCredential
		}
		if err := validateICEServer(s, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTurnURLs, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// ValidateICEServers checks a list received from elsewhere (the relay's ICE
// endpoint) before it reaches pion.
func ValidateICEServers(servers []webrtc.ICEServer) error {
	for i, s := range servers {
		if err := validateICEServer(s, false); err != nil {
			return fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return nil
}

func validateICEServer(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	hasTURN := false
	for _, raw := range server.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(u) {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
		if IsTURNURL(u) {
			hasTURN = true
		}
	}

	if hasTURN && !turnREST {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func IsTURNURL(u string) bool {
	return strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:")
}

func isAllowedICEScheme(u string) bool {
	return strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") || IsTURNURL(u)
}
