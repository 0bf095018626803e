package call

import "sync"

// mailbox is an unbounded FIFO of session messages. Posting never blocks, so
// pion callbacks and relay dispatch cannot stall on a busy session.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []message
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// post appends msg. It reports false once the mailbox is closed; the caller
// then owns any resources carried by msg.
func (m *mailbox) post(msg message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.msgs = append(m.msgs, msg)
	m.cond.Signal()
	return true
}

// next blocks until a message is available. It returns false once the mailbox
// is closed.
func (m *mailbox) next() (message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.msgs) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}
	msg := m.msgs[0]
	m.msgs[0] = nil
	m.msgs = m.msgs[1:]
	return msg, true
}

// close stops delivery and returns the messages that were never handled.
func (m *mailbox) close() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	left := m.msgs
	m.msgs = nil
	m.cond.Broadcast()
	return left
}
