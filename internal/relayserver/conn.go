package relayserver

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
)

const (
	wsWriteWait   = 10 * time.Second
	wsControlWait = 1 * time.Second
)

// conn is one authenticated relay socket. Reads happen on the handler
// goroutine; every write goes through the send queue and writePump, except
// control frames.
type conn struct {
	hub     *Hub
	id      auth.Identity
	ws      *websocket.Conn
	log     *slog.Logger
	send    chan []byte
	limiter *rate.Limiter

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newConn(h *Hub, id auth.Identity, ws *websocket.Conn) *conn {
	perSecond := h.cfg.MaxMessagesPerSecond
	return &conn{
		hub:     h,
		id:      id,
		ws:      ws,
		log:     h.log.With("user_id", id.UserID, "remote_addr", ws.RemoteAddr().String()),
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		done:    make(chan struct{}),
	}
}

// enqueue never blocks. A full queue means the peer stopped reading; the
// connection is dropped rather than silently losing signaling.
func (c *conn) enqueue(f protocol.Frame) bool {
	data, err := f.Marshal()
	if err != nil {
		c.log.Error("failed to encode frame", "event", f.Event, "err", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.metrics.Inc(metrics.RelaySendOverflow)
		c.log.Warn("relay send buffer full; closing connection", "event", f.Event)
		c.close(websocket.ClosePolicyViolation, "send buffer overflow")
		return false
	}
}

func (c *conn) sendError(code, message string) {
	f, err := protocol.NewFrame(protocol.EventError, "", protocol.Error{Code: code, Message: message})
	if err == nil {
		c.enqueue(f)
	}
}

func (c *conn) sendAck(id string, delivered bool) {
	f, err := protocol.NewFrame(protocol.EventAck, "", protocol.Ack{Delivered: delivered})
	if err != nil {
		return
	}
	f.ID = id
	c.enqueue(f)
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) readPump() {
	cfg := c.hub.cfg
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, r, err := c.ws.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.log.Info("relay connection idle; closing")
				c.close(websocket.CloseGoingAway, "idle timeout")
			} else {
				c.close(websocket.CloseNormalClosure, "")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		if !c.limiter.Allow() {
			c.hub.metrics.Inc(metrics.RelayRateLimited)
			c.log.Warn("relay rate limit exceeded")
			c.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.close(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		msg, err := readLimited(r, cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.close(websocket.CloseMessageTooBig, "message too large")
				return
			}
			c.close(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		c.hub.handle(c, msg)
		if c.closed() {
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				writeClose(c.ws, c.closeCode, c.closeReason)
			}
			return
		}
	}
}

// flush writes whatever is already queued, so notices raised just before a
// close (acks, errors) still reach the client.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsControlWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsControlWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
