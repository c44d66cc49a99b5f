package matching

import (
	"errors"
	"sync"
	"time"

	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/session"
)

// ErrInRoom is returned by Enqueue for a client that already has a room.
var ErrInRoom = errors.New("matching: client is in a room")

// PoolEntry is one waiting client and when it joined.
type PoolEntry struct {
	Client   *session.Client
	JoinedAt time.Time
}

// Pool is the ordered set of clients waiting for a partner. At most one entry
// exists per identity. The match scan holds the same mutex, so no client can
// be matched twice.
type Pool struct {
	mu      sync.Mutex
	entries []PoolEntry
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{}
}

// Enqueue adds c to the end of the pool. If its identity is already waiting,
// the existing entry keeps its position and now points at c. A client that
// holds a room is refused with ErrInRoom; rooms are assigned under the pool
// lock, so the check cannot race a match scan.
func (p *Pool) Enqueue(c *session.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.RoomID() != "" {
		return ErrInRoom
	}
	for i := range p.entries {
		if p.entries[i].Client.Identity == c.Identity {
			p.entries[i].Client = c
			return nil
		}
	}
	p.entries = append(p.entries, PoolEntry{Client: c, JoinedAt: time.Now()})
	metrics.WaitingPoolSize.Set(float64(len(p.entries)))
	return nil
}

// Dequeue removes c's entry, but only if the entry still points at c.
func (p *Pool) Dequeue(c *session.Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].Client == c {
			p.removeLocked(i)
			return true
		}
	}
	return false
}

// Contains reports whether identity is waiting.
func (p *Pool) Contains(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.Client.Identity == identity {
			return true
		}
	}
	return false
}

// Len returns the number of waiting clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// removeLocked deletes entry i preserving order. Caller holds p.mu.
func (p *Pool) removeLocked(i int) {
	copy(p.entries[i:], p.entries[i+1:])
	p.entries[len(p.entries)-1] = PoolEntry{}
	p.entries = p.entries[:len(p.entries)-1]
	metrics.WaitingPoolSize.Set(float64(len(p.entries)))
}

// pruneLocked drops entries whose client has been closed. Caller holds p.mu.
func (p *Pool) pruneLocked() int {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !e.Client.Closed() {
			kept = append(kept, e)
		}
	}
	pruned := len(p.entries) - len(kept)
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = PoolEntry{}
	}
	p.entries = kept
	if pruned > 0 {
		metrics.WaitingPoolSize.Set(float64(len(p.entries)))
	}
	return pruned
}

// nextPairLocked removes and returns the first compatible pair in insertion
// order, scanning (i, j>i). Caller holds p.mu.
func (p *Pool) nextPairLocked() (a, b PoolEntry, ok bool) {
	for i := 0; i < len(p.entries); i++ {
		for j := i + 1; j < len(p.entries); j++ {
			if Compatible(p.entries[i].Client, p.entries[j].Client) {
				a, b = p.entries[i], p.entries[j]
				p.removeLocked(j)
				p.removeLocked(i)
				return a, b, true
			}
		}
	}
	return PoolEntry{}, PoolEntry{}, false
}
