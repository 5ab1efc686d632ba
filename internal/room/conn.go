package room

import (
	"sync"

	"github.com/suPer8Hu/artifact-chat/internal/identity"
)

// Conn is the typed per-connection state: who is connected and which room it is bound to.
// Outbound events are queued; the transport drains Events().
type Conn struct {
	id       string
	identity identity.Identity

	mu        sync.Mutex
	sessionID string
	out       chan Event
	closed    bool
	evicted   bool
	dropped   int
}

func NewConn(id string, ident identity.Identity, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{id: id, identity: ident, out: make(chan Event, buffer)}
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Identity() identity.Identity { return c.identity }

// SessionID is the chat session the connection is bound to, or "".
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) bind(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Conn) Events() <-chan Event { return c.out }

// Send queues ev without blocking. It reports false when the connection is closed.
// A full queue means the reader fell behind: the connection is evicted (closed) rather
// than left with a gap in the stream, and the client has to rejoin for a fresh snapshot.
func (c *Conn) Send(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- ev:
		return true
	default:
		c.dropped++
		c.evicted = true
		c.closed = true
		close(c.out)
		return false
	}
}

// Evicted reports whether the connection was closed because its queue overflowed.
func (c *Conn) Evicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Dropped counts events discarded because the queue was full.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops delivery and closes the event channel. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
