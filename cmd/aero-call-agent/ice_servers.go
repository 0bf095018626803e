package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const (
	iceFetchTimeout = 10 * time.Second
	maxICEBodyBytes = 64 * 1024
)

// iceServers returns the servers configured locally, or fetches them from the
// relay's /v1/ice endpoint (which mints TURN REST credentials when enabled).
func iceServers(ctx context.Context, cfg config.AgentConfig, client *http.Client) ([]webrtc.ICEServer, error) {
	if !cfg.ICEFromRelay {
		return cfg.ICEServers, nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ICEURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	if err := config.ValidateICEServers(body.ICEServers); err != nil {
		return nil, fmt.Errorf("relay returned invalid ice servers: %w", err)
	}
	return body.ICEServers, nil
}
