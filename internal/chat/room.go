// Package chat implements the room manager: two-member rooms that relay text,
// typing indicators and media between partners, retain a room for a grace
// period after a member departs, and let the departed member reclaim it.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/session"
)

// DefaultGracePeriod is how long a room is retained after a member departs.
const DefaultGracePeriod = 2 * time.Minute

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotAMember    = errors.New("not a member of room")
	ErrForfeited     = errors.New("room membership forfeited")
	ErrAlreadyInRoom = errors.New("client already in another room")
)

// Member is the identity and profile snapshot taken when the room was created.
type Member struct {
	Identity string
	Profile  protocol.Profile
}

// Room is a two-member chat. ID, CreatedAt and Members never change after
// creation; everything else is guarded by the Manager's mutex.
type Room struct {
	ID        string
	CreatedAt time.Time
	Members   [2]Member

	active    [2]*session.Client // nil once the member departed
	forfeited [2]bool
	recent    recentMessages
	timer     *time.Timer
	gen       uint64 // invalidates stale grace timers
}

func (r *Room) index(identity string) int {
	for i, m := range r.Members {
		if m.Identity == identity {
			return i
		}
	}
	return -1
}

func (r *Room) activeIndex(c *session.Client) int {
	for i, a := range r.active {
		if a != nil && a == c {
			return i
		}
	}
	return -1
}

func label(idx int) string {
	if idx == 0 {
		return LabelUserA
	}
	return LabelUserB
}

// Manager owns all rooms.
type Manager struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	grace      time.Duration
	onTeardown func(roomID string, remaining []*session.Client)
}

// NewManager creates a Manager that retains rooms for grace after a
// departure.
func NewManager(grace time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		rooms: make(map[string]*Room),
		grace: grace,
	}
}

// SetOnTeardown registers a callback invoked after a room is destroyed, with
// the members that were still attached. Must be called before use.
func (m *Manager) SetOnTeardown(fn func(roomID string, remaining []*session.Client)) {
	m.onTeardown = fn
}

// Open creates a room for a and b and points both clients at it. Profiles are
// snapshotted now; later profile changes do not affect the room.
func (m *Manager) Open(a, b *session.Client) *Room {
	room := &Room{
		ID:        "room_" + uuid.NewString(),
		CreatedAt: time.Now(),
		Members: [2]Member{
			{Identity: a.Identity, Profile: a.Profile()},
			{Identity: b.Identity, Profile: b.Profile()},
		},
		active: [2]*session.Client{a, b},
	}

	m.mu.Lock()
	m.rooms[room.ID] = room
	a.SetRoomID(room.ID)
	b.SetRoomID(room.ID)
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	log.WithFields(log.Fields{"room": room.ID, "a": a.ID, "b": b.ID}).Debug("chat: room opened")
	return room
}

// Route validates ev and delivers it to the sender's partner. It is never
// echoed to the sender. If the partner has departed the event is dropped.
func (m *Manager) Route(roomID string, sender *session.Client, ev Event) error {
	ev, err := ev.validate()
	if err != nil {
		return err
	}
	ts := time.Now().UnixMilli()

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	idx := room.activeIndex(sender)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotAMember
	}
	partner := room.active[1-idx]
	if ev.Kind == EventText {
		room.recent.add(RecentMessage{From: label(idx), Text: ev.Text, Ts: ts})
	}
	m.mu.Unlock()

	if partner == nil {
		return nil
	}
	partner.Enqueue(encodeEvent(ev, ts))
	metrics.EventsRouted.WithLabelValues(ev.Kind.String()).Inc()
	return nil
}

func encodeEvent(ev Event, ts int64) []byte {
	switch ev.Kind {
	case EventText:
		return protocol.MustServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
			From: protocol.FromPartner, Text: ev.Text, Ts: ts,
		})
	case EventGIF:
		return protocol.MustServerMessage(protocol.TypeGIF, protocol.ServerGIFMsg{
			From: protocol.FromPartner, URL: ev.URL, Ts: ts,
		})
	case EventImage:
		return protocol.MustServerMessage(protocol.TypeImage, protocol.ServerImageMsg{
			From: protocol.FromPartner, URL: ev.URL, TimerSeconds: ev.TimerSeconds, Blurred: ev.Blurred, Ts: ts,
		})
	case EventTypingStart:
		return protocol.MustServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{})
	default:
		return protocol.MustServerMessage(protocol.TypeStopTyping, protocol.ServerTypingMsg{})
	}
}

// Leave detaches c from its room. The partner, if attached, receives
// partner_left and the room is retained for the grace period. A forfeiting
// member (skip) can never reclaim the room. A room with no attached member
// and at least one forfeited member is destroyed at once.
func (m *Manager) Leave(c *session.Client, forfeit bool) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		c.ClearRoomID(roomID)
		return
	}
	idx := room.activeIndex(c)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	room.active[idx] = nil
	if forfeit {
		room.forfeited[idx] = true
	}
	c.ClearRoomID(roomID)
	partner := room.active[1-idx]

	var remaining []*session.Client
	torn := false
	if partner == nil && (room.forfeited[0] || room.forfeited[1]) {
		remaining = m.removeLocked(room)
		torn = true
	} else {
		m.armLocked(room)
	}
	m.mu.Unlock()

	log.WithFields(log.Fields{"room": roomID, "conn": c.ID, "forfeit": forfeit}).Debug("chat: member left")

	if partner != nil {
		partner.Send(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
	}
	if torn {
		m.tornDown(roomID, remaining)
	}
}

// armLocked (re)starts the grace timer. Caller holds m.mu.
func (m *Manager) armLocked(room *Room) {
	if room.timer != nil {
		room.timer.Stop()
	}
	room.gen++
	gen := room.gen
	id := room.ID
	room.timer = time.AfterFunc(m.grace, func() { m.expire(id, gen) })
}

// removeLocked deletes the room and clears the room reference of any attached
// member. Caller holds m.mu.
func (m *Manager) removeLocked(room *Room) []*session.Client {
	delete(m.rooms, room.ID)
	if room.timer != nil {
		room.timer.Stop()
		room.timer = nil
	}
	room.gen++
	var remaining []*session.Client
	for i, a := range room.active {
		if a != nil {
			a.ClearRoomID(room.ID)
			remaining = append(remaining, a)
			room.active[i] = nil
		}
	}
	metrics.ActiveRooms.Dec()
	return remaining
}

func (m *Manager) expire(roomID string, gen uint64) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok || room.gen != gen {
		m.mu.Unlock()
		return
	}
	remaining := m.removeLocked(room)
	m.mu.Unlock()

	log.WithField("room", roomID).Debug("chat: grace period expired")
	m.tornDown(roomID, remaining)
}

func (m *Manager) tornDown(roomID string, remaining []*session.Client) {
	if m.onTeardown != nil {
		m.onTeardown(roomID, remaining)
	}
}

// Reconnect reattaches c to a retained room. Only an original member that
// did not forfeit may reclaim, and only before the grace period ends. On
// success c receives reconnected with the partner snapshot and an attached
// partner receives partner_reconnected.
func (m *Manager) Reconnect(c *session.Client, roomID string) error {
	if cur := c.RoomID(); cur != "" && cur != roomID {
		return ErrAlreadyInRoom
	}

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		metrics.Reconnects.WithLabelValues("expired").Inc()
		return ErrRoomNotFound
	}
	idx := room.index(c.Identity)
	if idx < 0 {
		m.mu.Unlock()
		metrics.Reconnects.WithLabelValues("rejected").Inc()
		return ErrNotAMember
	}
	if room.forfeited[idx] {
		m.mu.Unlock()
		metrics.Reconnects.WithLabelValues("rejected").Inc()
		return ErrForfeited
	}
	prev := room.active[idx]
	if prev != nil && prev != c && !prev.Closed() {
		m.mu.Unlock()
		metrics.Reconnects.WithLabelValues("rejected").Inc()
		return ErrNotAMember
	}

	room.active[idx] = c
	c.SetRoomID(roomID)
	partner := room.active[1-idx]
	if partner != nil && room.timer != nil {
		room.timer.Stop()
		room.timer = nil
		room.gen++
	}
	snapshot := room.Members[1-idx].Profile
	m.mu.Unlock()

	metrics.Reconnects.WithLabelValues("ok").Inc()
	c.Send(protocol.TypeReconnected, protocol.ReconnectedMsg{
		RoomID:        roomID,
		Partner:       snapshot,
		PartnerOnline: partner != nil,
	})
	if partner != nil && prev == nil {
		partner.Send(protocol.TypePartnerReconnected, protocol.PartnerReconnectedMsg{})
	}
	return nil
}

// ReportTarget resolves a report filed by reporter against its current
// partner. It returns the room, the partner's identity and an anonymised copy
// of the room's recent messages.
func (m *Manager) ReportTarget(reporter *session.Client) (roomID, reported string, evidence []RecentMessage, err error) {
	roomID = reporter.RoomID()
	if roomID == "" {
		return "", "", nil, ErrNotAMember
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return "", "", nil, ErrRoomNotFound
	}
	idx := room.activeIndex(reporter)
	if idx < 0 {
		return "", "", nil, ErrNotAMember
	}
	return roomID, room.Members[1-idx].Identity, room.recent.snapshot(), nil
}

// CanReport reports whether reporter is attached to roomID and reported is an
// original member of it.
func (m *Manager) CanReport(roomID, reporter, reported string) bool {
	if reporter == reported {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	ri := room.index(reporter)
	if ri < 0 || room.active[ri] == nil {
		return false
	}
	return room.index(reported) >= 0
}

// Partner returns the member snapshot opposite identity in roomID and
// whether that member is currently attached.
func (m *Manager) Partner(roomID, identity string) (p Member, online, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, found := m.rooms[roomID]
	if !found {
		return Member{}, false, false
	}
	idx := room.index(identity)
	if idx < 0 {
		return Member{}, false, false
	}
	return room.Members[1-idx], room.active[1-idx] != nil, true
}

// ActiveRooms returns the number of rooms, including retained ones.
func (m *Manager) ActiveRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown stops every grace timer and drops all rooms.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range m.rooms {
		m.removeLocked(room)
	}
}
