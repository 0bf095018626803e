package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
)

const (
	DefaultWriteTimeout    = 5 * time.Second
	DefaultAckTimeout      = 3 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMaxMessageBytes = int64(64 * 1024)
)

type Config struct {
	// URL is the relay WebSocket endpoint including any auth query parameters.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	WriteTimeout    time.Duration
	AckTimeout      time.Duration
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	acks    map[string]chan protocol.Ack
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

type subscriber struct {
	ch   chan protocol.Frame
	done chan struct{}
}

// Dial connects to the relay and starts the read and keepalive loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return New(conn, cfg), nil
}

// New wraps an established connection.
func New(conn *websocket.Conn, cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "relayclient"),
		conn: conn,
		subs: make(map[int]*subscriber),
		acks: make(map[string]chan protocol.Ack),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

// Send writes a frame without requesting an acknowledgement.
func (c *Client) Send(ctx context.Context, event string, payload any) DeliveryResult {
	f, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}
	return c.SendFrame(ctx, f, false)
}

// SendConfirmed writes a frame and waits for the relay to acknowledge it.
func (c *Client) SendConfirmed(ctx context.Context, event string, payload any) DeliveryResult {
	f, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}
	return c.SendFrame(ctx, f, true)
}

// SendFrame writes f. With confirm set it assigns a frame id and waits up to
// the ack timeout; a missing ack degrades the result to best-effort.
func (c *Client) SendFrame(ctx context.Context, f protocol.Frame, confirm bool) DeliveryResult {
	var ackCh chan protocol.Ack
	if confirm {
		f.ID = uuid.NewString()
		ackCh = make(chan protocol.Ack, 1)
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return DeliveryResult{Status: DeliveryFailed, Err: err}
		}
		c.acks[f.ID] = ackCh
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.acks, f.ID)
			c.mu.Unlock()
		}()
	}

	data, err := f.Marshal()
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}
	if err := c.write(ctx, data); err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}
	if !confirm {
		return DeliveryResult{Status: DeliveryBestEffort}
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if !ack.Delivered {
			return DeliveryResult{Status: DeliveryFailed, Err: ErrNotDelivered}
		}
		return DeliveryResult{Status: DeliveryConfirmed}
	case <-timer.C:
		return DeliveryResult{Status: DeliveryBestEffort, Err: ErrAckTimeout}
	case <-ctx.Done():
		return DeliveryResult{Status: DeliveryBestEffort, Err: ctx.Err()}
	case <-c.done:
		return DeliveryResult{Status: DeliveryBestEffort, Err: ErrClosed}
	}
}

func (c *Client) write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe returns a channel of every non-ack frame received after the call.
// The channel is closed when the connection ends. The returned func removes
// the subscription.
func (c *Client) Subscribe(buffer int) (<-chan protocol.Frame, func()) {
	sub := &subscriber{
		ch:   make(chan protocol.Frame, buffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(sub.done)
		})
	}
}

func (c *Client) readLoop() {
	var loopErr error
	defer func() { c.shutdown(loopErr) }()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			loopErr = err
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text relay message", "type", msgType)
			continue
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed relay frame", "err", err)
			continue
		}

		if f.Event == protocol.EventAck {
			c.resolveAck(f)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) resolveAck(f protocol.Frame) {
	var ack protocol.Ack
	if len(f.Data) > 0 {
		if err := f.Decode(&ack); err != nil {
			c.log.Warn("dropping malformed ack", "err", err)
			return
		}
	}
	c.mu.Lock()
	ch := c.acks[f.ID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- f:
		case <-s.done:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.log.Debug("relay ping failed", "err", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.mu.Lock()
		c.err = err
		subs := c.subs
		c.subs = make(map[int]*subscriber)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		for _, s := range subs {
			close(s.ch)
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, ErrClosed) {
			c.log.Info("relay connection closed", "err", err)
		}
	})
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal closure and waits for the read loop to finish.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.cfg.WriteTimeout):
		_ = c.conn.Close()
		<-c.done
	}
	return nil
}
