package registry

import (
	"errors"
	"sync"

	"switchboard/internal/domain"
)

var (
	ErrMailboxFull   = errors.New("agent mailbox is full")
	ErrMailboxClosed = errors.New("agent mailbox is closed")
)

// Mailbox is a bounded in-process inbox for one agent. Delivery never blocks:
// a full mailbox rejects the message so the router can fall back to the queue.
type Mailbox struct {
	mu     sync.RWMutex
	ch     chan domain.QueuedMessage
	closed bool
}

func NewMailbox(buffer int) *Mailbox {
	if buffer <= 0 {
		buffer = 64
	}
	return &Mailbox{ch: make(chan domain.QueuedMessage, buffer)}
}

func (m *Mailbox) Deliver(msg domain.QueuedMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (m *Mailbox) C() <-chan domain.QueuedMessage {
	return m.ch
}

func (m *Mailbox) Len() int {
	return len(m.ch)
}

func (m *Mailbox) Cap() int {
	return cap(m.ch)
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
