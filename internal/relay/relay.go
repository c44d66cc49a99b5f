// Package relay is the connection gateway. It authenticates connecting
// clients, registers them, routes their decoded messages to the waiting pool,
// the match engine, the room manager and the abuse ledger, and runs the single
// disconnect cleanup path.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/abuse"
	"github.com/campchat/chat-relay/internal/chat"
	"github.com/campchat/chat-relay/internal/matching"
	"github.com/campchat/chat-relay/internal/messaging"
	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/ratelimit"
	"github.com/campchat/chat-relay/internal/session"
)

const presenceTimeout = 2 * time.Second

// Verifier turns a bearer credential into an identity. auth.Verifier
// implements it.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Presence mirrors client state for external tooling. session.Store
// implements it; nil disables mirroring.
type Presence interface {
	Create(ctx context.Context, c *session.Client) error
	SetStatus(ctx context.Context, identity, status, roomID string) error
	Delete(ctx context.Context, c *session.Client) error
}

// Options wires a Relay.
type Options struct {
	Verifier      Verifier
	Ledger        *abuse.Ledger
	Presence      Presence
	GracePeriod   time.Duration
	SweepInterval time.Duration
	SendBuffer    int
}

// Stats is a point-in-time view used by the health endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Waiting     int `json:"waiting"`
	Rooms       int `json:"rooms"`
}

// Relay owns every in-memory component of the broker.
type Relay struct {
	verifier   Verifier
	ledger     *abuse.Ledger
	presence   Presence
	sendBuffer int

	registry   *session.Registry
	pool       *matching.Pool
	engine     *matching.Engine
	rooms      *chat.Manager
	dispatcher *Dispatcher
}

// New builds the registry, pool, engine and room manager and wires them
// together.
func New(opts Options) *Relay {
	r := &Relay{
		verifier:   opts.Verifier,
		ledger:     opts.Ledger,
		presence:   opts.Presence,
		sendBuffer: opts.SendBuffer,
		registry:   session.NewRegistry(),
		pool:       matching.NewPool(),
		rooms:      chat.NewManager(opts.GracePeriod),
		dispatcher: NewDispatcher(),
	}
	r.engine = matching.NewEngine(r.pool, r.rooms)
	r.engine.SetSweepInterval(opts.SweepInterval)
	r.engine.SetOnMatch(r.onMatch)
	r.rooms.SetOnTeardown(r.onTeardown)
	r.ledger.SetRoomChecker(r.rooms)
	r.registerHandlers()
	return r
}

// Run drives the background loops (pool sweep, store retries) until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.ledger.Run(ctx)
		close(done)
	}()
	r.engine.Run(ctx)
	<-done
}

// Shutdown closes every client and drops all rooms.
func (r *Relay) Shutdown() {
	for _, c := range r.registry.All() {
		c.Close()
	}
	r.rooms.Shutdown()
}

// Authenticate verifies a credential and checks the ban set. The returned
// error wraps auth.ErrUnauthenticated or is abuse.ErrBanned.
func (r *Relay) Authenticate(ctx context.Context, token string) (string, error) {
	identity, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	if r.ledger.IsBanned(identity) {
		return "", fmt.Errorf("relay: %s: %w", identity, abuse.ErrBanned)
	}
	return identity, nil
}

// Connect registers a client for an authenticated identity. A previous
// connection of the same identity is told it was replaced and closed. If
// query carries handshake profile attributes the client enters the pool at
// once.
func (r *Relay) Connect(identity string, query url.Values) *session.Client {
	c := session.NewClient(identity, r.sendBuffer)
	if old := r.registry.Register(c); old != nil {
		metrics.ConnectionsRejected.WithLabelValues(protocol.RejectReplaced).Inc()
		old.Send(protocol.TypeConnectionRejected, protocol.ConnectionRejectedMsg{Reason: protocol.RejectReplaced})
		old.Close()
		log.WithFields(log.Fields{"identity": identity, "old": old.ID, "new": c.ID}).Info("relay: session replaced")
	}
	metrics.ConnectionsTotal.Set(float64(r.registry.Count()))

	c.Send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})
	if r.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := r.presence.Create(ctx, c); err != nil {
			log.WithError(err).WithField("conn", c.ID).Warn("relay: presence create failed")
		}
		cancel()
	}
	log.WithFields(log.Fields{"conn": c.ID, "online": r.registry.Count()}).Info("relay: client connected")
	r.broadcastOnline()

	if p, f, ok := handshakeProfile(query); ok {
		c.SetProfile(p, f)
		r.enterPool(c)
	}
	return c
}

// Handle processes one inbound frame from c.
func (r *Relay) Handle(c *session.Client, data []byte) {
	r.dispatcher.Dispatch(c, data)
}

// Disconnect is the cleanup path for every closed connection, graceful or
// not. It is safe to call more than once.
func (r *Relay) Disconnect(c *session.Client) {
	c.Close()
	unregistered := r.registry.Unregister(c)
	r.pool.Dequeue(c)
	r.rooms.Leave(c, false)
	if r.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := r.presence.Delete(ctx, c); err != nil {
			log.WithError(err).WithField("conn", c.ID).Warn("relay: presence delete failed")
		}
		cancel()
	}
	if unregistered {
		metrics.ConnectionsTotal.Set(float64(r.registry.Count()))
		log.WithFields(log.Fields{"conn": c.ID, "online": r.registry.Count()}).Info("relay: client disconnected")
		r.broadcastOnline()
	}
}

// ApplyBan applies a ban or unban published by another process. A banned
// identity that is connected here is told so, forfeits its room and is
// disconnected.
func (r *Relay) ApplyBan(ev messaging.BanEvent, banned bool) {
	if !r.ledger.ApplyRemote(ev, banned) || !banned {
		return
	}
	target := r.registry.Get(ev.Identity)
	if target == nil {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = abuse.BanReason
	}
	target.Send(protocol.TypeBanned, protocol.BannedMsg{Reason: reason})
	r.pool.Dequeue(target)
	r.rooms.Leave(target, true)
	target.Close()
	log.WithFields(log.Fields{"conn": target.ID, "origin": ev.Origin}).Info("relay: banned client disconnected")
}

// Stats returns current counts.
func (r *Relay) Stats() Stats {
	return Stats{
		Connections: r.registry.Count(),
		Waiting:     r.pool.Len(),
		Rooms:       r.rooms.ActiveRooms(),
	}
}

// OnlineCount returns the number of registered clients.
func (r *Relay) OnlineCount() int {
	return r.registry.Count()
}

func (r *Relay) broadcastOnline() {
	r.registry.Broadcast(protocol.MustServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{
		Count: r.registry.Count(),
	}))
}

// enterPool places c in the waiting pool and runs a match scan.
func (r *Relay) enterPool(c *session.Client) {
	if c.Closed() {
		return
	}
	if err := r.pool.Enqueue(c); err != nil {
		log.WithError(err).WithField("conn", c.ID).Debug("relay: enqueue refused")
		return
	}
	c.Send(protocol.TypeSearching, protocol.SearchingMsg{})
	r.setPresence(c.Identity, session.StatusWaiting, "")
	r.engine.TryMatch()
}

func (r *Relay) onMatch(m matching.Match) {
	r.setPresence(m.A.Identity, session.StatusChatting, m.Room.ID)
	r.setPresence(m.B.Identity, session.StatusChatting, m.Room.ID)
}

func (r *Relay) onTeardown(roomID string, remaining []*session.Client) {
	for _, c := range remaining {
		r.setPresence(c.Identity, session.StatusIdle, "")
	}
	log.WithFields(log.Fields{"room": roomID, "remaining": len(remaining)}).Debug("relay: room torn down")
}

func (r *Relay) setPresence(identity, status, roomID string) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := r.presence.SetStatus(ctx, identity, status, roomID); err != nil {
		log.WithError(err).WithField("identity", identity).Debug("relay: presence update failed")
	}
}

// allow charges action against c's rate limit and tells c when it is
// exceeded.
func (r *Relay) allow(ctx context.Context, c *session.Client, action string) bool {
	err := r.ledger.Allow(ctx, c.Identity, action)
	if err == nil {
		return true
	}
	retry := 1
	var rl *ratelimit.RateLimitedError
	if errors.As(err, &rl) {
		retry = int(math.Ceil(rl.RetryAfter.Seconds()))
	}
	metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
	log.WithFields(log.Fields{"conn": c.ID, "action": action}).Debug("relay: rate limited")
	c.Send(protocol.TypeRateLimited, protocol.RateLimitedMsg{Action: action, RetryAfter: retry})
	return false
}
