// internal/realtime/table.go
package realtime

import (
	"errors"
	"sync"
)

var ErrTooManyConnections = errors.New("too many connections for user")

// ConnectionTable counts live connections per user and enforces the
// per-user limit. It belongs to one Hub and is cleared when the hub stops.
type ConnectionTable struct {
	mu     sync.Mutex
	max    int
	byUser map[string]map[*Client]struct{}
}

func NewConnectionTable(maxPerUser int) *ConnectionTable {
	return &ConnectionTable{
		max:    maxPerUser,
		byUser: make(map[string]map[*Client]struct{}),
	}
}

// Acquire registers c for its user. A max of zero or less means no limit.
func (t *ConnectionTable) Acquire(c *Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := t.byUser[c.UserID]
	if t.max > 0 && len(conns) >= t.max {
		return ErrTooManyConnections
	}
	if conns == nil {
		conns = make(map[*Client]struct{})
		t.byUser[c.UserID] = conns
	}
	conns[c] = struct{}{}
	return nil
}

func (t *ConnectionTable) Release(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conns, ok := t.byUser[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(t.byUser, c.UserID)
		}
	}
}

func (t *ConnectionTable) Count(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUser[userID])
}

func (t *ConnectionTable) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, conns := range t.byUser {
		n += len(conns)
	}
	return n
}

// Clear drops every entry and returns the clients that were registered.
func (t *ConnectionTable) Clear() []*Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Client
	for _, conns := range t.byUser {
		for c := range conns {
			out = append(out, c)
		}
	}
	t.byUser = make(map[string]map[*Client]struct{})
	return out
}
