package internal

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrTooManyConnections is returned when a user is already at the
	// per-user connection limit.
	ErrTooManyConnections = errors.New("too many connections for user")
	// ErrAlreadyConnected is returned when a handle is registered twice.
	ErrAlreadyConnected = errors.New("connection already registered")
)

// Conn is a live connection handle the hub can deliver envelopes to.
type Conn interface {
	ID() string
	UserID() string
	Send(envelope Envelope) error
}

// connectionSet holds a user's live connections in insertion order.
type connectionSet struct {
	conns []Conn
}

func (set *connectionSet) index(connID string) int {
	for i, conn := range set.conns {
		if conn.ID() == connID {
			return i
		}
	}
	return -1
}

// PresenceTracker is the connection registry: it maps a user to every live
// connection they hold. An entry exists only while it is non-empty.
type PresenceTracker struct {
	mu         sync.RWMutex
	online     map[string]*connectionSet
	maxPerUser int
}

// NewPresenceTracker builds an empty registry. maxPerUser <= 0 means unbounded.
func NewPresenceTracker(maxPerUser int) *PresenceTracker {
	return &PresenceTracker{
		online:     make(map[string]*connectionSet),
		maxPerUser: maxPerUser,
	}
}

// Connect adds conn to the user's set and reports whether this was the
// user's zero-to-one transition. Re-adding a known handle changes nothing
// and returns ErrAlreadyConnected.
func (p *PresenceTracker) Connect(userID string, conn Conn) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.online[userID]
	if !ok {
		p.online[userID] = &connectionSet{conns: []Conn{conn}}
		return true, nil
	}
	if set.index(conn.ID()) >= 0 {
		return false, ErrAlreadyConnected
	}
	if p.maxPerUser > 0 && len(set.conns) >= p.maxPerUser {
		return false, ErrTooManyConnections
	}
	set.conns = append(set.conns, conn)
	return false, nil
}

// Disconnect removes the handle. removed is false for unknown or already
// removed handles; last is true when the user's set became empty.
func (p *PresenceTracker) Disconnect(userID, connID string) (last bool, removed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.online[userID]
	if !ok {
		return false, false
	}
	idx := set.index(connID)
	if idx < 0 {
		return false, false
	}
	set.conns = append(set.conns[:idx], set.conns[idx+1:]...)
	if len(set.conns) == 0 {
		delete(p.online, userID)
		return true, true
	}
	return false, true
}

func (p *PresenceTracker) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// ConnectionsOf returns a copy of the user's connections in insertion order.
func (p *PresenceTracker) ConnectionsOf(userID string) []Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.online[userID]
	if !ok {
		return nil
	}
	out := make([]Conn, len(set.conns))
	copy(out, set.conns)
	return out
}

// All returns every live connection, grouped by user.
func (p *PresenceTracker) All() []Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Conn
	for _, set := range p.online {
		out = append(out, set.conns...)
	}
	return out
}

// ActiveCount is the number of users with at least one connection.
func (p *PresenceTracker) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}
