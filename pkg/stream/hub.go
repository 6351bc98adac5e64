package stream

import (
	"sync"

	"notesync/pkg/auth"
)

const defaultBuffer = 8

// Conn is one live client channel as seen by the Hub.
type Conn struct {
	ID       string
	Identity auth.Identity
	ch       chan Signal
	// closed is guarded by the owning Hub's mutex.
	closed bool
}

func NewConn(id string, identity auth.Identity, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Conn{ID: id, Identity: identity, ch: make(chan Signal, buffer)}
}

// Signals is closed when the connection leaves the Hub.
func (c *Conn) Signals() <-chan Signal {
	return c.ch
}

type Scope int

const (
	// ScopeAll relays every change to every other connection.
	ScopeAll Scope = iota
	// ScopeIdentity relays only to connections of the origin's identity.
	ScopeIdentity
)

// Delivery counts one publish. Dropped targets are not errors.
type Delivery struct {
	Targets   int
	Delivered int
	Dropped   int
}

type HubOption func(*Hub)

func WithScope(scope Scope) HubOption {
	return func(h *Hub) {
		h.scope = scope
	}
}

// Hub is the membership set for change fanout. Sends are non-blocking and
// happen under the read lock; Leave closes the channel under the write lock,
// so a signal is never sent to a connection that has left.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*Conn
	scope   Scope
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{members: map[string]*Conn{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join registers c. It returns false when a connection with the same id is
// already joined or c has already left.
func (h *Hub) Join(c *Conn) bool {
	if c == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false
	}
	if _, exists := h.members[c.ID]; exists {
		return false
	}
	h.members[c.ID] = c
	return true
}

// Leave deregisters c and closes its channel. Safe to call repeatedly.
func (h *Hub) Leave(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.members[c.ID]; ok && cur == c {
		delete(h.members, c.ID)
	}
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Publish relays sig to every joined connection except origin.
func (h *Hub) Publish(origin *Conn, sig Signal) Delivery {
	if origin == nil {
		return h.publish("", "", sig)
	}
	sig.Origin = origin.ID
	return h.publish(origin.ID, origin.Identity, sig)
}

// Announce relays sig on behalf of identity with no origin connection, for
// changes made outside any stream.
func (h *Hub) Announce(identity auth.Identity, sig Signal) Delivery {
	return h.publish("", identity, sig)
}

func (h *Hub) publish(originID string, originIdentity auth.Identity, sig Signal) Delivery {
	var d Delivery
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.members {
		if originID != "" && id == originID {
			continue
		}
		if h.scope == ScopeIdentity && originIdentity != "" && c.Identity != originIdentity {
			continue
		}
		d.Targets++
		select {
		case c.ch <- sig:
			d.Delivered++
		default:
			d.Dropped++
		}
	}
	return d
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
