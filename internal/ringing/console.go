package ringing

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
)

var (
	ringColor   = color.New(color.FgHiYellow, color.Bold)
	okColor     = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed)
	detailColor = color.New(color.Faint)
)

// Console rings on a terminal and reads y/n answers, one per line.
type Console struct {
	out    io.Writer
	onDrop func(line string)

	ringMu sync.Mutex // one prompt at a time

	mu     sync.Mutex
	answer chan string // set while a prompt is waiting
	eof    bool
}

// NewConsole starts reading lines from in. Lines typed while nothing is
// ringing are discarded.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return newConsole(in, out, nil)
}

func newConsole(in io.Reader, out io.Writer, onDrop func(string)) *Console {
	c := &Console{out: out, onDrop: onDrop}
	go c.read(in)
	return c
}

func (c *Console) read(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		c.deliver(sc.Text())
	}
	c.mu.Lock()
	c.eof = true
	if c.answer != nil {
		close(c.answer)
		c.answer = nil
	}
	c.mu.Unlock()
}

func (c *Console) deliver(line string) {
	c.mu.Lock()
	delivered := false
	if c.answer != nil {
		select {
		case c.answer <- line:
			delivered = true
		default:
		}
	}
	c.mu.Unlock()
	if !delivered && c.onDrop != nil {
		c.onDrop(line)
	}
}

// await arms the prompt. The returned channel yields the next line typed
// from now on and is closed at end of input.
func (c *Console) await() (<-chan string, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan string, 1)
	if c.eof {
		close(ch)
		return ch, func() {}
	}
	c.answer = ch
	return ch, func() {
		c.mu.Lock()
		if c.answer == ch {
			c.answer = nil
		}
		c.mu.Unlock()
	}
}

func (c *Console) Ring(ctx context.Context, ring call.Ring) (call.Decision, error) {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()

	// Armed before the prompt is shown so an immediate answer is not lost.
	answer, disarm := c.await()
	defer disarm()

	who := ring.From.ID
	if ring.From.Name != "" && ring.From.Name != ring.From.ID {
		who = fmt.Sprintf("%s (%s)", ring.From.Name, ring.From.ID)
	}
	ringColor.Fprintf(c.out, "Incoming %s call from %s\n", ring.Kind, who)
	fmt.Fprint(c.out, "Accept? [y/N] ")

	select {
	case line, ok := <-answer:
		if !ok {
			fmt.Fprintln(c.out)
			return call.DecisionReject, io.EOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return call.DecisionAccept, nil
		default:
			return call.DecisionReject, nil
		}
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		failColor.Fprintf(c.out, "Missed call from %s\n", who)
		return call.DecisionReject, ctx.Err()
	}
}

// Notify prints a call update. It is meant to be used as the router's
// OnUpdate hook.
func (c *Console) Notify(u call.Update) {
	switch {
	case u.Event == call.EventRemoteAccepted:
		okColor.Fprintf(c.out, "%s accepted the call\n", u.RemoteUser.ID)
	case u.State == call.StateActive:
		okColor.Fprintf(c.out, "Connected to %s\n", u.RemoteUser.ID)
	case u.State == call.StateFailed:
		failColor.Fprintf(c.out, "Call with %s failed: %s", u.RemoteUser.ID, u.Reason)
		if u.Err != nil {
			detailColor.Fprintf(c.out, " (%v)", u.Err)
		}
		fmt.Fprintln(c.out)
	case u.State == call.StateEnded:
		detailColor.Fprintf(c.out, "Call with %s ended: %s\n", u.RemoteUser.ID, u.Reason)
	case u.State == call.StateOfferSent:
		detailColor.Fprintf(c.out, "Calling %s...\n", u.RemoteUser.ID)
	}
}
