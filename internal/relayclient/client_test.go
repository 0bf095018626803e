package relayclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
)

// fakeRelay echoes nothing on its own; handle decides the reply to each frame.
func fakeRelay(t *testing.T, handle func(conn *websocket.Conn, f protocol.Frame)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.ParseFrame(data)
			if err != nil {
				t.Errorf("server ParseFrame: %v", err)
				return
			}
			handle(conn, f)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(t *testing.T, conn *websocket.Conn, event, id string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		t.Errorf("NewFrame: %v", err)
		return
	}
	f.ID = id
	data, _ := f.Marshal()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write: %v", err)
	}
}

func dial(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	cfg.URL = url
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendConfirmed_Acked(t *testing.T) {
	url := fakeRelay(t, func(conn *websocket.Conn, f protocol.Frame) {
		if f.ID == "" {
			t.Errorf("confirmed frame has no id")
		}
		writeFrame(t, conn, protocol.EventAck, f.ID, protocol.Ack{Delivered: true})
	})
	c := dial(t, url, Config{})

	res := c.SendConfirmed(context.Background(), protocol.EventEndCall, protocol.EndCall{To: "bob", RoomID: "r1"})
	if res.Status != DeliveryConfirmed || res.Err != nil {
		t.Fatalf("result=%+v, want confirmed", res)
	}
}

func TestSendConfirmed_NotDelivered(t *testing.T) {
	url := fakeRelay(t, func(conn *websocket.Conn, f protocol.Frame) {
		writeFrame(t, conn, protocol.EventAck, f.ID, protocol.Ack{Delivered: false})
	})
	c := dial(t, url, Config{})

	res := c.SendConfirmed(context.Background(), protocol.EventEndCall, protocol.EndCall{To: "bob", RoomID: "r1"})
	if res.Status != DeliveryFailed || !errors.Is(res.Err, ErrNotDelivered) {
		t.Fatalf("result=%+v, want failed/ErrNotDelivered", res)
	}
	if res.Delivered() {
		t.Fatalf("Delivered()=true, want false")
	}
}

func TestSendConfirmed_AckTimeoutIsBestEffort(t *testing.T) {
	url := fakeRelay(t, func(*websocket.Conn, protocol.Frame) {})
	c := dial(t, url, Config{AckTimeout: 50 * time.Millisecond})

	res := c.SendConfirmed(context.Background(), protocol.EventEndCall, protocol.EndCall{To: "bob", RoomID: "r1"})
	if res.Status != DeliveryBestEffort || !errors.Is(res.Err, ErrAckTimeout) {
		t.Fatalf("result=%+v, want best-effort/ErrAckTimeout", res)
	}
}

func TestSend_IsBestEffortWithoutID(t *testing.T) {
	got := make(chan protocol.Frame, 1)
	url := fakeRelay(t, func(_ *websocket.Conn, f protocol.Frame) { got <- f })
	c := dial(t, url, Config{})

	res := c.Send(context.Background(), protocol.EventICECandidate, protocol.ICECandidate{
		RoomID:    "r1",
		Candidate: protocol.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	})
	if res.Status != DeliveryBestEffort {
		t.Fatalf("status=%v, want best-effort", res.Status)
	}
	select {
	case f := <-got:
		if f.ID != "" {
			t.Fatalf("id=%q, want empty", f.ID)
		}
		if f.Event != protocol.EventICECandidate {
			t.Fatalf("event=%q, want %q", f.Event, protocol.EventICECandidate)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
}

func TestSubscribe_ReceivesFramesAndClosesOnDisconnect(t *testing.T) {
	url := fakeRelay(t, func(conn *websocket.Conn, f protocol.Frame) {
		// Reply to any frame with an incoming-call, then hang up.
		writeFrame(t, conn, protocol.EventIncomingCall, "", protocol.IncomingCall{From: "alice", RoomID: "r1", CallType: "audio"})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	c := dial(t, url, Config{})

	frames, unsubscribe := c.Subscribe(4)
	defer unsubscribe()

	c.Send(context.Background(), protocol.EventAcceptCall, protocol.AcceptCall{To: "alice"})

	select {
	case f := <-frames:
		if f.Event != protocol.EventIncomingCall {
			t.Fatalf("event=%q, want %q", f.Event, protocol.EventIncomingCall)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}

	select {
	case _, ok := <-frames:
		if ok {
			t.Fatalf("expected channel close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after disconnect")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed")
	}
	if c.Err() == nil {
		t.Fatalf("Err()=nil after disconnect")
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	url := fakeRelay(t, func(*websocket.Conn, protocol.Frame) {})
	c := dial(t, url, Config{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := c.SendConfirmed(context.Background(), protocol.EventEndCall, protocol.EndCall{To: "bob", RoomID: "r1"})
	if res.Status != DeliveryFailed {
		t.Fatalf("status=%v, want failed", res.Status)
	}

	frames, unsubscribe := c.Subscribe(1)
	defer unsubscribe()
	if _, ok := <-frames; ok {
		t.Fatalf("subscription after close should be closed")
	}
}

func TestDeliveryStatus_String(t *testing.T) {
	if (DeliveryResult{}).Delivered() {
		t.Fatal("zero DeliveryResult reports delivered")
	}
	for status, want := range map[DeliveryStatus]string{
		DeliveryNone:       "none",
		DeliveryFailed:     "failed",
		DeliveryBestEffort: "best-effort",
		DeliveryConfirmed:  "confirmed",
		DeliveryStatus(9):  "unknown",
	} {
		if got := status.String(); got != want {
			t.Fatalf("String()=%q, want %q", got, want)
		}
	}
}
