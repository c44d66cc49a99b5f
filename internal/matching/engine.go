package matching

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/chat"
	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/session"
)

// DefaultSweepInterval is how often Run prunes closed clients and rescans
// the pool.
const DefaultSweepInterval = 5 * time.Second

// RoomOpener creates a room for a matched pair. It is called with the pool
// lock held, so it must not call back into the Pool.
type RoomOpener interface {
	Open(a, b *session.Client) *chat.Room
}

// Match is a pair the engine placed into a room.
type Match struct {
	Room *chat.Room
	A, B *session.Client
}

// Engine pairs compatible waiting clients.
type Engine struct {
	pool     *Pool
	rooms    RoomOpener
	onMatch  func(Match)
	interval time.Duration
}

// NewEngine creates an Engine over pool that opens rooms through rooms.
func NewEngine(pool *Pool, rooms RoomOpener) *Engine {
	return &Engine{pool: pool, rooms: rooms, interval: DefaultSweepInterval}
}

// SetSweepInterval changes how often Run rescans the pool.
func (e *Engine) SetSweepInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// SetOnMatch registers a callback invoked after both clients were notified.
// Must be called before use.
func (e *Engine) SetOnMatch(fn func(Match)) {
	e.onMatch = fn
}


// TryMatch scans the pool and pairs compatible clients until no compatible
// pair remains. Rooms are created under the pool lock; matched notifications
// are sent after it is released. Returns the matches made.
func (e *Engine) TryMatch() []Match {
	var matches []Match

	e.pool.mu.Lock()
	e.pool.pruneLocked()
	for {
		a, b, ok := e.pool.nextPairLocked()
		if !ok {
			break
		}
		room := e.rooms.Open(a.Client, b.Client)
		matches = append(matches, Match{Room: room, A: a.Client, B: b.Client})

		now := time.Now()
		metrics.MatchWait.Observe(now.Sub(a.JoinedAt).Seconds())
		metrics.MatchWait.Observe(now.Sub(b.JoinedAt).Seconds())
	}
	e.pool.mu.Unlock()

	for _, m := range matches {
		e.notify(m)
	}
	return matches
}

func (e *Engine) notify(m Match) {
	metrics.MatchesTotal.Inc()
	log.WithFields(log.Fields{
		"room": m.Room.ID,
		"a":    m.A.ID,
		"b":    m.B.ID,
	}).Info("matching: pair matched")

	m.A.Send(protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:  m.Room.ID,
		Partner: m.Room.Members[1].Profile,
	})
	m.B.Send(protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:  m.Room.ID,
		Partner: m.Room.Members[0].Profile,
	})

	if e.onMatch != nil {
		e.onMatch(m)
	}
}

// Run periodically drops closed clients from the pool and rescans it until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("matching: sweep loop stopped")
			return
		case <-ticker.C:
			e.TryMatch()
		}
	}
}
