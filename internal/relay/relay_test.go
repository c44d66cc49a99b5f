package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campchat/chat-relay/internal/abuse"
	"github.com/campchat/chat-relay/internal/auth"
	"github.com/campchat/chat-relay/internal/messaging"
	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/ratelimit"
	"github.com/campchat/chat-relay/internal/session"
	"github.com/campchat/chat-relay/internal/store"
)

// plainVerifier accepts any non-empty token as the identity itself.
type plainVerifier struct{}

func (plainVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("test: empty token: %w", auth.ErrUnauthenticated)
	}
	return token, nil
}

func newRelay(t *testing.T, cfg abuse.Config) *Relay {
	t.Helper()
	st, err := store.NewSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ledger, err := abuse.New(context.Background(), st, ratelimit.NewMemoryLimiter(), cfg)
	require.NoError(t, err)
	r := New(Options{
		Verifier:    plainVerifier{},
		Ledger:      ledger,
		GracePeriod: time.Minute,
		SendBuffer:  64,
	})
	t.Cleanup(r.Shutdown)
	return r
}

func connect(t *testing.T, r *Relay, identity, name string) *session.Client {
	t.Helper()
	id, err := r.Authenticate(context.Background(), identity)
	require.NoError(t, err)
	return r.Connect(id, url.Values{"name": {name}, "uni": {"MIT"}})
}

func send(t *testing.T, r *Relay, c *session.Client, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	r.Handle(c, data)
}

func drain(t *testing.T, c *session.Client) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for {
		select {
		case data := <-c.Outbound():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func find(msgs []map[string]interface{}, typ string) map[string]interface{} {
	for _, m := range msgs {
		if m["type"] == typ {
			return m
		}
	}
	return nil
}

func count(msgs []map[string]interface{}, typ string) int {
	n := 0
	for _, m := range msgs {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func TestAuthenticate(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())

	_, err := r.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	r.ledger.Ban(context.Background(), "eve@mit.edu", "manual")
	_, err = r.Authenticate(context.Background(), "eve@mit.edu")
	assert.ErrorIs(t, err, abuse.ErrBanned)
	assert.NotErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestConnect_SessionCreatedAndOnlineCount(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := r.Connect("a@mit.edu", nil)

	got := drain(t, a)
	require.NotEmpty(t, got)
	assert.Equal(t, "session_created", got[0]["type"])
	assert.Equal(t, a.ID, got[0]["session_id"])
	assert.EqualValues(t, 1, find(got, "online_count")["count"])
	assert.Nil(t, find(got, "searching"), "no handshake profile, no auto-enqueue")

	b := r.Connect("b@mit.edu", nil)
	assert.EqualValues(t, 2, find(drain(t, a), "online_count")["count"])
	drain(t, b)

	send(t, r, a, map[string]string{"type": "get_online_count"})
	assert.EqualValues(t, 2, find(drain(t, a), "online_count")["count"])

	r.Disconnect(b)
	assert.EqualValues(t, 1, find(drain(t, a), "online_count")["count"])
}

func TestConnect_ReplacesStaleSession(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	old := r.Connect("a@mit.edu", nil)
	drain(t, old)

	fresh := r.Connect("a@mit.edu", nil)
	rejected := find(drain(t, old), "connection_rejected")
	require.NotNil(t, rejected)
	assert.Equal(t, "replaced", rejected["reason"])
	assert.True(t, old.Closed())

	// The stale connection's cleanup must not evict the new one.
	r.Disconnect(old)
	assert.Equal(t, 1, r.OnlineCount())
	assert.False(t, fresh.Closed())
}

func TestMatch_TwoAnyClientsAtMIT(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")

	ma := find(drain(t, a), "matched")
	mb := find(drain(t, b), "matched")
	require.NotNil(t, ma)
	require.NotNil(t, mb)
	assert.Equal(t, ma["room_id"], mb["room_id"])
	assert.Equal(t, "Bob", ma["partner"].(map[string]interface{})["name"])
	assert.Equal(t, "MIT", ma["partner"].(map[string]interface{})["institution"])
	assert.Equal(t, "Ada", mb["partner"].(map[string]interface{})["name"])
	assert.Equal(t, Stats{Connections: 2, Waiting: 0, Rooms: 1}, r.Stats())
}

func TestSetProfile_InstitutionFilter(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := r.Connect("a@mit.edu", nil)
	b := r.Connect("b@bu.edu", nil)

	send(t, r, a, protocol.SetProfileMsg{Type: "set_profile",
		Profile: protocol.Profile{Name: "Ada", Institution: "MIT"},
		Filters: protocol.Filters{Institution: "MIT"}})
	send(t, r, b, protocol.SetProfileMsg{Type: "set_profile",
		Profile: protocol.Profile{Name: "Bo", Institution: "BU"},
		Filters: protocol.Filters{Institution: "Any"}})

	assert.Nil(t, find(drain(t, a), "matched"))
	assert.Nil(t, find(drain(t, b), "matched"))
	assert.Equal(t, 2, r.Stats().Waiting)

	wildcard := "Any"
	send(t, r, a, protocol.UpdatePreferenceMsg{Type: "update_preference", Institution: &wildcard})
	assert.NotNil(t, find(drain(t, a), "matched"))
	assert.NotNil(t, find(drain(t, b), "matched"))
}

func TestWaiting_RequiresProfile(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := r.Connect("a@mit.edu", nil)
	drain(t, a)

	send(t, r, a, map[string]string{"type": "waiting"})
	errMsg := find(drain(t, a), "error")
	require.NotNil(t, errMsg)
	assert.Equal(t, "no_profile", errMsg["code"])
}

func TestMessage_DeliveredToPartnerOnly(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	drain(t, a)
	drain(t, b)

	send(t, r, a, protocol.SendMessageMsg{Type: "send_message", Message: "hello"})
	got := drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, "message", got[0]["type"])
	assert.Equal(t, "hello", got[0]["text"])
	assert.Equal(t, "partner", got[0]["from"])
	assert.Empty(t, drain(t, a), "never echoed to the sender")

	send(t, r, a, protocol.SendMessageMsg{Type: "send_message", Message: "   "})
	send(t, r, a, protocol.SendGIFMsg{Type: "send_gif", URL: "javascript:alert(1)"})
	assert.Empty(t, drain(t, b), "invalid input is dropped")
	assert.Empty(t, drain(t, a), "without a bounce-back")

	send(t, r, b, map[string]string{"type": "typing"})
	assert.Equal(t, "typing", drain(t, a)[0]["type"])
}

func TestMessage_RateLimited(t *testing.T) {
	cfg := abuse.DefaultConfig()
	cfg.MessageRule = ratelimit.Rule{Key: "rl:msg:", Limit: 2, Window: time.Minute}
	r := newRelay(t, cfg)
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	drain(t, a)
	drain(t, b)

	for i := 0; i < 3; i++ {
		send(t, r, a, protocol.SendMessageMsg{Type: "send_message", Message: "spam"})
	}
	assert.Equal(t, 2, count(drain(t, b), "message"))
	limited := find(drain(t, a), "rate_limited")
	require.NotNil(t, limited)
	assert.Equal(t, "message", limited["action"])
	assert.Greater(t, limited["retry_after"].(float64), float64(0))

	// Typing indicators are not metered.
	send(t, r, a, map[string]string{"type": "typing"})
	assert.Equal(t, 1, count(drain(t, b), "typing"))
}

func TestSkip_PartnerLeftAndRequeue(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	room := find(drain(t, a), "matched")["room_id"].(string)
	drain(t, b)

	send(t, r, a, map[string]string{"type": "skip"})
	assert.NotNil(t, find(drain(t, a), "searching"))
	assert.NotNil(t, find(drain(t, b), "partner_left"))
	assert.Equal(t, "", a.RoomID())

	// A forfeited the room and cannot reclaim it.
	send(t, r, a, protocol.ReconnectRoomMsg{Type: "reconnect_room", RoomID: room})
	errMsg := find(drain(t, a), "error")
	require.NotNil(t, errMsg)
	assert.Equal(t, "reconnect_rejected", errMsg["code"])
}

func TestEnterPool_RefusedWhileMatched(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	room := find(drain(t, a), "matched")["room_id"].(string)
	drain(t, b)

	// A repeated request that raced the match must not requeue A.
	r.enterPool(a)
	assert.Nil(t, find(drain(t, a), "searching"))
	assert.Equal(t, 0, r.Stats().Waiting)

	c := connect(t, r, "c@mit.edu", "Cy")
	assert.Nil(t, find(drain(t, c), "matched"))
	assert.Equal(t, room, a.RoomID())
	assert.Equal(t, 1, r.Stats().Rooms)

	send(t, r, b, protocol.SendMessageMsg{Type: "send_message", Message: "still here"})
	assert.Equal(t, "still here", find(drain(t, a), "message")["text"])
}

func TestSetProfile_AfterPartnerLeftRequeues(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	drain(t, a)
	drain(t, b)

	// Partner online: the profile change waits for the next match.
	send(t, r, a, protocol.SetProfileMsg{Type: "set_profile",
		Profile: protocol.Profile{Name: "Ada", Institution: "MIT"},
		Filters: protocol.Filters{Institution: "Any"}})
	assert.Nil(t, find(drain(t, a), "searching"))
	assert.NotEmpty(t, a.RoomID())

	r.Disconnect(b)
	assert.NotNil(t, find(drain(t, a), "partner_left"))

	send(t, r, a, protocol.SetProfileMsg{Type: "set_profile",
		Profile: protocol.Profile{Name: "Ada", Institution: "MIT"},
		Filters: protocol.Filters{Institution: "Any"}})
	assert.NotNil(t, find(drain(t, a), "searching"))
	assert.Equal(t, "", a.RoomID())
	assert.Equal(t, 0, r.Stats().Rooms, "abandoned room is torn down")

	c := connect(t, r, "c@mit.edu", "Cy")
	assert.NotNil(t, find(drain(t, a), "matched"))
	assert.NotNil(t, find(drain(t, c), "matched"))
}

func TestDisconnect_ReconnectWithinGrace(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	room := find(drain(t, a), "matched")["room_id"].(string)
	drain(t, b)

	r.Disconnect(a)
	assert.NotNil(t, find(drain(t, b), "partner_left"))

	a2 := r.Connect("a@mit.edu", nil)
	drain(t, a2)
	send(t, r, a2, protocol.ReconnectRoomMsg{Type: "reconnect_room", RoomID: room})
	rec := find(drain(t, a2), "reconnected")
	require.NotNil(t, rec)
	assert.Equal(t, room, rec["room_id"])
	assert.Equal(t, "Bob", rec["partner"].(map[string]interface{})["name"])
	assert.NotNil(t, find(drain(t, b), "partner_reconnected"))

	send(t, r, b, protocol.SendMessageMsg{Type: "send_message", Message: "welcome back"})
	assert.Equal(t, "welcome back", find(drain(t, a2), "message")["text"])
}

func TestReconnect_UnknownRoom(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := r.Connect("a@mit.edu", nil)
	drain(t, a)

	send(t, r, a, protocol.ReconnectRoomMsg{Type: "reconnect_room", RoomID: "room_gone"})
	errMsg := find(drain(t, a), "error")
	require.NotNil(t, errMsg)
	assert.Equal(t, "room_expired", errMsg["code"])
}

func TestReport_ThirdReportBans(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := connect(t, r, "a@mit.edu", "Ada")

	for i := 1; i <= 3; i++ {
		b := connect(t, r, "b@mit.edu", "Bob")
		require.NotNil(t, find(drain(t, b), "matched"), "round %d", i)
		drain(t, a)

		send(t, r, b, protocol.SendMessageMsg{Type: "send_message", Message: "rude"})
		send(t, r, a, protocol.ReportPartnerMsg{Type: "report_partner", Reason: "harassment"})

		got := drain(t, b)
		assert.True(t, b.Closed(), "reported client is disconnected (round %d)", i)
		if i < 3 {
			assert.NotNil(t, find(got, "warning"), "round %d", i)
		} else {
			banned := find(got, "banned")
			require.NotNil(t, banned)
			assert.Equal(t, abuse.BanReason, banned["reason"])
		}
		assert.NotNil(t, find(drain(t, a), "partner_left"))

		r.Disconnect(b)
		send(t, r, a, map[string]string{"type": "waiting"})
		drain(t, a)
	}

	_, err := r.Authenticate(context.Background(), "b@mit.edu")
	assert.ErrorIs(t, err, abuse.ErrBanned)
	assert.True(t, r.ledger.IsBanned("b@mit.edu"))
}

func TestApplyBan_DisconnectsConnectedClient(t *testing.T) {
	cfg := abuse.DefaultConfig()
	cfg.Origin = "relay-1"
	r := newRelay(t, cfg)
	a := connect(t, r, "a@mit.edu", "Ada")
	b := connect(t, r, "b@mit.edu", "Bob")
	require.NotNil(t, find(drain(t, a), "matched"))
	drain(t, b)

	r.ApplyBan(messaging.BanEvent{Identity: "b@mit.edu", Origin: "relay-1"}, true)
	assert.False(t, b.Closed(), "own events are ignored")

	r.ApplyBan(messaging.BanEvent{Identity: "b@mit.edu", Reason: "manual", Origin: "cli"}, true)
	banned := find(drain(t, b), "banned")
	require.NotNil(t, banned)
	assert.Equal(t, "manual", banned["reason"])
	assert.True(t, b.Closed())
	assert.NotNil(t, find(drain(t, a), "partner_left"))
	assert.Equal(t, "", a.RoomID())

	_, err := r.Authenticate(context.Background(), "b@mit.edu")
	assert.ErrorIs(t, err, abuse.ErrBanned)

	r.ApplyBan(messaging.BanEvent{Identity: "b@mit.edu", Origin: "cli"}, false)
	_, err = r.Authenticate(context.Background(), "b@mit.edu")
	assert.NoError(t, err)
}

func TestReport_OutsideRoomIgnored(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := r.Connect("a@mit.edu", nil)
	drain(t, a)

	send(t, r, a, protocol.ReportPartnerMsg{Type: "report_partner"})
	assert.Empty(t, drain(t, a))
}

func TestDispatch_Errors(t *testing.T) {
	r := newRelay(t, abuse.DefaultConfig())
	a := r.Connect("a@mit.edu", nil)
	drain(t, a)

	r.Handle(a, []byte("{not json"))
	assert.Equal(t, "parse_error", find(drain(t, a), "error")["code"])

	r.Handle(a, []byte(`{"type":"matched"}`))
	assert.NotNil(t, find(drain(t, a), "error"))

	r.Handle(a, []byte(`{"type":"ping"}`))
	assert.NotNil(t, find(drain(t, a), "pong"))
}

func TestHandshakeProfile(t *testing.T) {
	p, f, ok := handshakeProfile(url.Values{
		"name":           {"Ada"},
		"uni":            {"MIT"},
		"gender":         {"female"},
		"targetUni":      {"Any"},
		"filter_country": {"US"},
	})
	require.True(t, ok)
	assert.Equal(t, protocol.Profile{Name: "Ada", Institution: "MIT", Gender: "female"}, p)
	assert.Equal(t, protocol.Filters{Institution: "Any", Country: "US"}, f)

	p, _, ok = handshakeProfile(url.Values{"institution": {" Harvard "}})
	require.True(t, ok)
	assert.Equal(t, "Harvard", p.Institution)

	_, _, ok = handshakeProfile(url.Values{"token": {"x"}})
	assert.False(t, ok)
}
