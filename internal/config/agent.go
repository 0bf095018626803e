package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

const (
	EnvAgentRelayURL  = "AERO_CALL_AGENT_RELAY_URL"
	EnvAgentUserID    = "AERO_CALL_AGENT_USER_ID"
	EnvAgentUserName  = "AERO_CALL_AGENT_USER_NAME"
	EnvAgentToken     = "AERO_CALL_AGENT_TOKEN"
	EnvAgentMode      = "AERO_CALL_AGENT_MODE"
	EnvAgentLogFormat = "AERO_CALL_AGENT_LOG_FORMAT"
	EnvAgentLogLevel  = "AERO_CALL_AGENT_LOG_LEVEL"

	EnvBusyPolicy   = "BUSY_POLICY"
	EnvRingTimeout  = "RING_TIMEOUT"
	EnvAnswerMode   = "ANSWER_MODE"
	EnvAckTimeout   = "ACK_TIMEOUT"
	EnvICEFromRelay = "ICE_FROM_RELAY"

	EnvWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	EnvWebRTCICEDisconnectedTimeout = "WEBRTC_ICE_DISCONNECTED_TIMEOUT"
	EnvWebRTCICEFailedTimeout       = "WEBRTC_ICE_FAILED_TIMEOUT"

	DefaultRelayURL   = "ws://127.0.0.1:8080/v1/relay"
	DefaultAckTimeout = 3 * time.Second
)

// AnswerMode selects the Ringer the agent installs.
type AnswerMode string

const (
	AnswerPrompt AnswerMode = "prompt"
	AnswerAccept AnswerMode = "accept"
	AnswerReject AnswerMode = "reject"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// AgentConfig configures cmd/aero-call-agent.
type AgentConfig struct {
	Logging

	RelayURL string
	UserID   string
	UserName string
	Token    string

	BusyPolicy call.BusyPolicy
	// RingTimeout of zero rings until the caller gives up.
	RingTimeout time.Duration
	AnswerMode  AnswerMode
	AckTimeout  time.Duration

	// ICEFromRelay fetches ICE servers from the relay instead of ICEServers.
	ICEFromRelay bool
	ICEServers   []webrtc.ICEServer

	UDPPortRange           *UDPPortRange
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration

	// Call, when set, places one call to that user id at startup.
	Call     string
	CallKind media.Kind
	// HangupAfter ends the placed call after this long; zero keeps it up
	// until the remote ends it or the agent is interrupted.
	HangupAfter time.Duration
}

func LoadAgent(args []string) (AgentConfig, error) {
	return loadAgent(os.LookupEnv, args)
}

func loadAgent(lookup func(string) (string, bool), args []string) (AgentConfig, error) {
	relayURL := envOrDefault(lookup, EnvAgentRelayURL, DefaultRelayURL)
	userID := envOrDefault(lookup, EnvAgentUserID, "")
	userName := envOrDefault(lookup, EnvAgentUserName, "")
	token := envOrDefault(lookup, EnvAgentToken, "")
	busyPolicyStr := envOrDefault(lookup, EnvBusyPolicy, string(call.BusyReply))
	ringTimeoutStr := envOrDefault(lookup, EnvRingTimeout, "none")
	answerModeStr := envOrDefault(lookup, EnvAnswerMode, string(AnswerPrompt))

	ackTimeout, err := envDurationOrDefault(lookup, EnvAckTimeout, DefaultAckTimeout)
	if err != nil {
		return AgentConfig{}, err
	}
	iceFromRelay, err := envBoolOrDefault(lookup, EnvICEFromRelay, false)
	if err != nil {
		return AgentConfig{}, err
	}
	iceDisconnected, err := envDurationOrDefault(lookup, EnvWebRTCICEDisconnectedTimeout, 0)
	if err != nil {
		return AgentConfig{}, err
	}
	iceFailed, err := envDurationOrDefault(lookup, EnvWebRTCICEFailedTimeout, 0)
	if err != nil {
		return AgentConfig{}, err
	}

	var portMin, portMax uint
	if raw, ok := lookup(EnvWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(EnvWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}

	fs := flag.NewFlagSet("aero-call-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags := newLoggingFlags(lookup, fs, EnvAgentMode, EnvAgentLogFormat, EnvAgentLogLevel)
	ice := newICEFlags(lookup, fs)

	var (
		callUser    string
		callKindStr string
		hangupAfter time.Duration
	)

	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay WebSocket URL (env "+EnvAgentRelayURL+")")
	fs.StringVar(&userID, "user-id", userID, "Local user id when the relay runs without auth (env "+EnvAgentUserID+")")
	fs.StringVar(&userName, "user-name", userName, "Local display name (env "+EnvAgentUserName+")")
	fs.StringVar(&token, "token", token, "Relay JWT (env "+EnvAgentToken+")")
	fs.StringVar(&busyPolicyStr, "busy-policy", busyPolicyStr, "Incoming call while busy: busy, reject or queue (env "+EnvBusyPolicy+")")
	fs.StringVar(&ringTimeoutStr, "ring-timeout", ringTimeoutStr, "Give up ringing after this long, or none (env "+EnvRingTimeout+")")
	fs.StringVar(&answerModeStr, "answer", answerModeStr, "Answer incoming calls: prompt, accept or reject (env "+EnvAnswerMode+")")
	fs.DurationVar(&ackTimeout, "ack-timeout", ackTimeout, "Wait this long for relay acks on teardown frames (env "+EnvAckTimeout+")")
	fs.BoolVar(&iceFromRelay, "ice-from-relay", iceFromRelay, "Fetch ICE servers from the relay (env "+EnvICEFromRelay+")")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for ICE (0 = unset; env "+EnvWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for ICE (0 = unset; env "+EnvWebRTCUDPPortMax+")")
	fs.DurationVar(&iceDisconnected, "webrtc-ice-disconnected-timeout", iceDisconnected, "ICE disconnected timeout (0 = pion default; env "+EnvWebRTCICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailed, "webrtc-ice-failed-timeout", iceFailed, "ICE failed timeout (0 = pion default; env "+EnvWebRTCICEFailedTimeout+")")
	fs.StringVar(&callUser, "call", "", "Place a call to this user id at startup")
	fs.StringVar(&callKindStr, "call-type", string(media.KindAudio), "Media kind of the placed call: audio or video")
	fs.DurationVar(&hangupAfter, "hangup-after", 0, "Hang up the placed call after this long (0 = never)")

	setFlags, err := parseFlags(fs, args)
	if err != nil {
		return AgentConfig{}, err
	}

	logging, err := logFlags.resolve(setFlags)
	if err != nil {
		return AgentConfig{}, err
	}

	u, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return AgentConfig{}, fmt.Errorf("invalid %s/--relay-url %q (expected ws:// or wss://)", EnvAgentRelayURL, relayURL)
	}
	if strings.TrimSpace(token) == "" && strings.TrimSpace(userID) == "" {
		return AgentConfig{}, fmt.Errorf("one of %s or %s must be set", EnvAgentToken, EnvAgentUserID)
	}

	busyPolicy, err := call.ParseBusyPolicy(busyPolicyStr)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("%s/--busy-policy: %w", EnvBusyPolicy, err)
	}
	ringTimeout, err := parseRingTimeout(ringTimeoutStr)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("%s/--ring-timeout: %w", EnvRingTimeout, err)
	}
	answerMode, err := parseAnswerMode(answerModeStr)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("%s/--answer: %w", EnvAnswerMode, err)
	}
	if ackTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("%s/--ack-timeout must be > 0", EnvAckTimeout)
	}
	if iceDisconnected < 0 || iceFailed < 0 {
		return AgentConfig{}, fmt.Errorf("ICE timeouts must be >= 0")
	}
	if hangupAfter < 0 {
		return AgentConfig{}, fmt.Errorf("--hangup-after must be >= 0")
	}

	var portRange *UDPPortRange
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return AgentConfig{}, fmt.Errorf("%s and %s must be set together (or both unset)", EnvWebRTCUDPPortMin, EnvWebRTCUDPPortMax)
		}
		if portMin > 65535 || portMax > 65535 || portMin > portMax {
			return AgentConfig{}, fmt.Errorf("invalid UDP port range %d-%d", portMin, portMax)
		}
		portRange = &UDPPortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}

	callKind := media.KindAudio
	callUser = strings.TrimSpace(callUser)
	if callUser != "" {
		callKind, err = media.ParseKind(callKindStr)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("--call-type: %w", err)
		}
		if callUser == strings.TrimSpace(userID) {
			return AgentConfig{}, fmt.Errorf("--call must name another user")
		}
	}

	var iceServers []webrtc.ICEServer
	if !iceFromRelay {
		iceServers, err = ice.servers(false)
		if err != nil {
			return AgentConfig{}, err
		}
	}

	return AgentConfig{
		Logging:                logging,
		RelayURL:               u.String(),
		UserID:                 strings.TrimSpace(userID),
		UserName:               strings.TrimSpace(userName),
		Token:                  strings.TrimSpace(token),
		BusyPolicy:             busyPolicy,
		RingTimeout:            ringTimeout,
		AnswerMode:             answerMode,
		AckTimeout:             ackTimeout,
		ICEFromRelay:           iceFromRelay,
		ICEServers:             iceServers,
		UDPPortRange:           portRange,
		ICEDisconnectedTimeout: iceDisconnected,
		ICEFailedTimeout:       iceFailed,
		Call:                   callUser,
		CallKind:               callKind,
		HangupAfter:            hangupAfter,
	}, nil
}

// DialURL is RelayURL with the credentials the relay expects in the query.
func (c AgentConfig) DialURL() string {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return c.RelayURL
	}
	q := u.Query()
	if c.Token != "" {
		q.Set("token", c.Token)
	} else {
		q.Set("user", c.UserID)
		if c.UserName != "" {
			q.Set("name", c.UserName)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ICEURL is the relay's ICE endpoint on the same host as RelayURL.
func (c AgentConfig) ICEURL() string {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/v1/ice"
	if c.Token != "" {
		u.RawQuery = url.Values{"token": {c.Token}}.Encode()
	} else {
		u.RawQuery = url.Values{"user": {c.UserID}}.Encode()
	}
	return u.String()
}

func parseRingTimeout(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "none" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("ring timeout must be >= 0")
	}
	return d, nil
}

func parseAnswerMode(raw string) (AnswerMode, error) {
	switch AnswerMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AnswerPrompt:
		return AnswerPrompt, nil
	case AnswerAccept:
		return AnswerAccept, nil
	case AnswerReject:
		return AnswerReject, nil
	default:
		return "", fmt.Errorf("invalid answer mode %q (expected prompt, accept or reject)", raw)
	}
}
