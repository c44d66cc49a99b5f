package relay

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/abuse"
	"github.com/campchat/chat-relay/internal/chat"
	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/session"
	"github.com/campchat/chat-relay/internal/store"
)

// handlerTimeout bounds rate-limiter and store calls made while handling one
// message.
const handlerTimeout = 3 * time.Second

func (r *Relay) registerHandlers() {
	d := r.dispatcher
	d.Register(protocol.TypeSetProfile, r.handleSetProfile)
	d.Register(protocol.TypeWaiting, r.handleWaiting)
	d.Register(protocol.TypeSkip, r.handleWaiting)
	d.Register(protocol.TypeLeaveRoom, r.handleLeaveRoom)
	d.Register(protocol.TypeUpdatePreference, r.handleUpdatePreference)
	d.Register(protocol.TypeSendMessage, r.handleSendMessage)
	d.Register(protocol.TypeSendGIF, r.handleSendGIF)
	d.Register(protocol.TypeSendImage, r.handleSendImage)
	d.Register(protocol.TypeTyping, r.handleTyping)
	d.Register(protocol.TypeStopTyping, r.handleTyping)
	d.Register(protocol.TypeReportPartner, r.handleReport)
	d.Register(protocol.TypeReconnectRoom, r.handleReconnect)
	d.Register(protocol.TypeGetOnlineCount, r.handleOnlineCount)
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

func (r *Relay) handleSetProfile(c *session.Client, msg interface{}) {
	m, ok := msg.(protocol.SetProfileMsg)
	if !ok {
		return
	}
	c.SetProfile(m.Profile, m.Filters)
	if roomID := c.RoomID(); roomID != "" {
		// Room snapshots are fixed; the new profile applies to the next
		// match. A room whose partner already left is abandoned.
		if _, online, ok := r.rooms.Partner(roomID, c.Identity); ok && online {
			return
		}
		r.rooms.Leave(c, true)
	}
	r.enterPool(c)
}

// handleWaiting serves both waiting and skip. In a room either one forfeits
// it; the partner gets partner_left.
func (r *Relay) handleWaiting(c *session.Client, _ interface{}) {
	if c.RoomID() != "" {
		r.rooms.Leave(c, true)
	}
	if !c.HasProfile() {
		r.setPresence(c.Identity, session.StatusIdle, "")
		sendError(c, "no_profile", "set_profile is required before waiting")
		return
	}
	r.enterPool(c)
}

func (r *Relay) handleLeaveRoom(c *session.Client, _ interface{}) {
	r.pool.Dequeue(c)
	if c.RoomID() != "" {
		r.rooms.Leave(c, true)
	}
	r.setPresence(c.Identity, session.StatusIdle, "")
}

func (r *Relay) handleUpdatePreference(c *session.Client, msg interface{}) {
	m, ok := msg.(protocol.UpdatePreferenceMsg)
	if !ok {
		return
	}
	c.UpdateFilters(func(f *protocol.Filters) {
		if m.Institution != nil {
			f.Institution = *m.Institution
		}
		if m.Gender != nil {
			f.Gender = *m.Gender
		}
		if m.Country != nil {
			f.Country = *m.Country
		}
		if m.Major != nil {
			f.Major = *m.Major
		}
	})
	if r.pool.Contains(c.Identity) {
		r.engine.TryMatch()
	}
}

// ---------------------------------------------------------------------------
// Room events
// ---------------------------------------------------------------------------

func (r *Relay) handleSendMessage(c *session.Client, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	r.route(c, chat.Event{Kind: chat.EventText, Text: m.Message})
}

func (r *Relay) handleSendGIF(c *session.Client, msg interface{}) {
	m, ok := msg.(protocol.SendGIFMsg)
	if !ok {
		return
	}
	r.route(c, chat.Event{Kind: chat.EventGIF, URL: m.URL})
}

func (r *Relay) handleSendImage(c *session.Client, msg interface{}) {
	m, ok := msg.(protocol.SendImageMsg)
	if !ok {
		return
	}
	r.route(c, chat.Event{
		Kind:         chat.EventImage,
		URL:          m.URL,
		TimerSeconds: m.TimerSeconds,
		Blurred:      m.Blurred,
	})
}

func (r *Relay) handleTyping(c *session.Client, msg interface{}) {
	kind := chat.EventTypingStart
	if _, stop := msg.(protocol.StopTypingMsg); stop {
		kind = chat.EventTypingStop
	}
	r.route(c, chat.Event{Kind: kind})
}

// route delivers ev to c's partner. Invalid input and routing failures are
// dropped without a reply; only rate limiting is reported.
func (r *Relay) route(c *session.Client, ev chat.Event) {
	roomID := c.RoomID()
	if roomID == "" {
		metrics.EventsDropped.WithLabelValues("no_room").Inc()
		return
	}
	if ev.Metered() {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		ok := r.allow(ctx, c, abuse.ActionMessage)
		cancel()
		if !ok {
			return
		}
	}

	err := r.rooms.Route(roomID, c, ev)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrInvalidInput):
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		log.WithError(err).WithField("conn", c.ID).Debug("relay: invalid event dropped")
	default:
		metrics.EventsDropped.WithLabelValues("no_room").Inc()
		log.WithError(err).WithField("conn", c.ID).Debug("relay: event not routed")
	}
}

// ---------------------------------------------------------------------------
// Reports and reconnects
// ---------------------------------------------------------------------------

// handleReport files a report against c's partner. The reported client is
// sent banned or warning and disconnected either way.
func (r *Relay) handleReport(c *session.Client, msg interface{}) {
	m, _ := msg.(protocol.ReportPartnerMsg)

	roomID, reported, recent, err := r.rooms.ReportTarget(c)
	if err != nil {
		log.WithError(err).WithField("conn", c.ID).Debug("relay: report without partner ignored")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if !r.allow(ctx, c, abuse.ActionReport) {
		return
	}

	evidence := make([]store.Evidence, len(recent))
	for i, e := range recent {
		evidence[i] = store.Evidence{From: e.From, Text: e.Text, Ts: e.Ts}
	}
	out, err := r.ledger.Report(ctx, c.Identity, reported, roomID, m.Reason, evidence)
	if err != nil {
		log.WithError(err).WithField("conn", c.ID).Debug("relay: report rejected")
		return
	}

	target := r.registry.Get(reported)
	if target == nil {
		return
	}
	if out.Banned {
		target.Send(protocol.TypeBanned, protocol.BannedMsg{Reason: abuse.BanReason})
	} else {
		target.Send(protocol.TypeWarning, protocol.WarningMsg{Reason: abuse.WarningReason})
	}
	if target.RoomID() == roomID {
		r.rooms.Leave(target, true)
	}
	target.Close()
	log.WithFields(log.Fields{"room": roomID, "strikes": out.Strikes, "banned": out.Banned}).Info("relay: reported client disconnected")
}

func (r *Relay) handleReconnect(c *session.Client, msg interface{}) {
	m, ok := msg.(protocol.ReconnectRoomMsg)
	if !ok {
		return
	}
	r.pool.Dequeue(c)
	if err := r.rooms.Reconnect(c, m.RoomID); err != nil {
		log.WithError(err).WithFields(log.Fields{"conn": c.ID, "room": m.RoomID}).Debug("relay: reconnect failed")
		code := "reconnect_rejected"
		if errors.Is(err, chat.ErrRoomNotFound) {
			code = "room_expired"
		}
		sendError(c, code, err.Error())
		return
	}
	r.setPresence(c.Identity, session.StatusChatting, m.RoomID)
}

func (r *Relay) handleOnlineCount(c *session.Client, _ interface{}) {
	c.Send(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: r.registry.Count()})
}

// handshakeProfile reads profile attributes passed as query parameters on the
// upgrade request. ok is false when neither a name nor an institution is
// given.
func handshakeProfile(q url.Values) (protocol.Profile, protocol.Filters, bool) {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(q.Get(k)); v != "" {
				return v
			}
		}
		return ""
	}

	p := protocol.Profile{
		Name:        first("name"),
		Institution: first("uni", "institution"),
		Country:     first("country"),
		City:        first("city"),
		Gender:      first("gender"),
		Major:       first("major"),
	}
	if p.Name == "" && p.Institution == "" {
		return protocol.Profile{}, protocol.Filters{}, false
	}
	f := protocol.Filters{
		Institution: first("targetUni", "filter_institution"),
		Gender:      first("filter_gender"),
		Country:     first("filter_country"),
		Major:       first("filter_major"),
	}
	return p, f, true
}
