package abuse

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/campchat/chat-relay/internal/messaging"
	"github.com/campchat/chat-relay/internal/ratelimit"
	"github.com/campchat/chat-relay/internal/store"
)

var allowAll = roomsFunc(func(_, _, _ string) bool { return true })

func newSQLiteLedger(t *testing.T, path string) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	l, err := New(context.Background(), st, ratelimit.NewMemoryLimiter(), DefaultConfig())
	require.NoError(t, err)
	l.SetRoomChecker(allowAll)
	return l, st
}

func TestNew_LoadFailureIsFatal(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return(nil, errors.New("db down"))

	_, err := New(context.Background(), st, nil, DefaultConfig())
	assert.Error(t, err)
}

func TestReport_ThirdStrikeBans(t *testing.T) {
	l, _ := newSQLiteLedger(t, "")
	ctx := context.Background()

	out, err := l.Report(ctx, "a@mit.edu", "bob@mit.edu", "room_1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Strikes: 1}, out)

	out, err = l.Report(ctx, "c@mit.edu", "bob@mit.edu", "room_2", "spam", nil)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Strikes: 2}, out)
	assert.False(t, l.IsBanned("bob@mit.edu"))

	out, err = l.Report(ctx, "d@mit.edu", "bob@mit.edu", "room_3", "", nil)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Strikes: 3, Banned: true}, out)
	assert.True(t, l.IsBanned("bob@mit.edu"))
	assert.False(t, l.IsBanned("a@mit.edu"))
}

func TestReport_BanSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.sqlite")
	ctx := context.Background()

	l, st := newSQLiteLedger(t, path)
	for i := 0; i < 3; i++ {
		_, err := l.Report(ctx, "a@mit.edu", "bob@mit.edu", "room_1", "", nil)
		require.NoError(t, err)
	}
	require.True(t, l.IsBanned("bob@mit.edu"))
	require.NoError(t, st.Close())

	restarted, _ := newSQLiteLedger(t, path)
	assert.True(t, restarted.IsBanned("bob@mit.edu"), "bans are reloaded at startup")
}

func TestReport_StrikesSeededFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.sqlite")
	ctx := context.Background()

	l, st := newSQLiteLedger(t, path)
	for i := 0; i < 2; i++ {
		_, err := l.Report(ctx, "a@mit.edu", "bob@mit.edu", "room_1", "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	restarted, _ := newSQLiteLedger(t, path)
	out, err := restarted.Report(ctx, "c@mit.edu", "bob@mit.edu", "room_9", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Strikes)
	assert.True(t, out.Banned)
}

func TestReport_CountRetriedAfterFailedRead(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	st.On("CountReports", mock.Anything, "bob").Return(0, errors.New("db down")).Once()
	st.On("AppendReport", mock.Anything, mock.Anything).Return(nil).Once()
	ctx := context.Background()

	l, err := New(ctx, st, nil, DefaultConfig())
	require.NoError(t, err)

	out, err := l.Report(ctx, "a", "bob", "room_1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Strikes)
	assert.False(t, out.Banned)

	// Two earlier rows plus the one just written.
	st.On("CountReports", mock.Anything, "bob").Return(3, nil).Once()
	st.On("AppendReport", mock.Anything, mock.Anything).Return(nil).Once()
	st.On("InsertBan", mock.Anything, mock.Anything).Return(nil).Once()

	out, err = l.Report(ctx, "c", "bob", "room_2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Strikes)
	assert.True(t, out.Banned)

	// Seeded now: no further reads.
	st.On("AppendReport", mock.Anything, mock.Anything).Return(nil).Once()
	out, err = l.Report(ctx, "d", "bob", "room_3", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Strikes)
	st.AssertExpectations(t)
	st.AssertNumberOfCalls(t, "CountReports", 2)
}

func TestReport_SeedCountsQueuedReports(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	st.On("CountReports", mock.Anything, "bob").Return(0, errors.New("db down")).Once()
	st.On("AppendReport", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	ctx := context.Background()

	l, err := New(ctx, st, nil, DefaultConfig())
	require.NoError(t, err)

	_, err = l.Report(ctx, "a", "bob", "room_1", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, l.Pending())

	// The store holds one older row; the first report is still queued.
	st.On("CountReports", mock.Anything, "bob").Return(1, nil).Once()
	st.On("AppendReport", mock.Anything, mock.Anything).Return(nil).Once()
	st.On("InsertBan", mock.Anything, mock.Anything).Return(nil).Once()

	out, err := l.Report(ctx, "c", "bob", "room_2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Strikes)
	assert.True(t, out.Banned)
}

func TestReport_RequiresSharedRoom(t *testing.T) {
	l, _ := newSQLiteLedger(t, "")
	l.SetRoomChecker(roomsFunc(func(roomID, reporter, reported string) bool {
		return roomID == "room_1" && reporter == "a" && reported == "b"
	}))
	ctx := context.Background()

	_, err := l.Report(ctx, "a", "b", "room_2", "", nil)
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = l.Report(ctx, "a", "a", "room_1", "", nil)
	assert.ErrorIs(t, err, ErrNotAMember)

	out, err := l.Report(ctx, "a", "b", "room_1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Strikes, "rejected reports do not count")
}

func TestReport_StoreFailureStillBansAndRetries(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	st.On("CountReports", mock.Anything, "bob").Return(2, nil).Once()
	st.On("AppendReport", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	st.On("InsertBan", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()

	l, err := New(context.Background(), st, nil, DefaultConfig())
	require.NoError(t, err)

	out, err := l.Report(context.Background(), "a", "bob", "room_1", "", []store.Evidence{{From: "user_b", Text: "x"}})
	require.NoError(t, err)
	assert.True(t, out.Banned, "in-memory state changes even when the store fails")
	assert.True(t, l.IsBanned("bob"))
	assert.Equal(t, 2, l.Pending())

	st.On("AppendReport", mock.Anything, mock.MatchedBy(func(r store.Report) bool {
		return r.Reported == "bob" && len(r.Evidence) == 1
	})).Return(nil).Once()
	st.On("InsertBan", mock.Anything, mock.MatchedBy(func(b store.Ban) bool {
		return b.Identity == "bob"
	})).Return(nil).Once()

	l.Flush(context.Background())
	assert.Equal(t, 0, l.Pending())
	st.AssertExpectations(t)
}

func TestReport_PublishesEvents(t *testing.T) {
	l, _ := newSQLiteLedger(t, "")
	n := new(MockNotifier)
	n.On("PublishReport", mock.Anything).Return(nil).Times(3)
	n.On("PublishBan", mock.Anything).Return(nil).Once()
	l.SetNotifier(n)

	for i := 0; i < 3; i++ {
		_, err := l.Report(context.Background(), "a", "bob", "room_1", "", nil)
		require.NoError(t, err)
	}
	n.AssertExpectations(t)
}

func TestBanAndUnban(t *testing.T) {
	l, st := newSQLiteLedger(t, "")
	ctx := context.Background()

	l.Ban(ctx, "eve", "manual")
	assert.True(t, l.IsBanned("eve"))
	bans, err := st.LoadBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)

	assert.True(t, l.Unban(ctx, "eve"))
	assert.False(t, l.IsBanned("eve"))
	assert.False(t, l.Unban(ctx, "eve"))
	bans, err = st.LoadBans(ctx)
	require.NoError(t, err)
	assert.Empty(t, bans)
	assert.Empty(t, l.Bans())
}

func TestApplyRemote(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	cfg := DefaultConfig()
	cfg.Origin = "relay-1"
	l, err := New(context.Background(), st, nil, cfg)
	require.NoError(t, err)

	assert.False(t, l.ApplyRemote(messaging.BanEvent{Identity: "eve", Origin: "relay-1"}, true), "own events are ignored")
	assert.False(t, l.IsBanned("eve"))

	assert.True(t, l.ApplyRemote(messaging.BanEvent{Identity: "eve", Reason: "manual", Origin: "cli"}, true))
	assert.True(t, l.IsBanned("eve"))
	assert.False(t, l.ApplyRemote(messaging.BanEvent{Identity: "eve", Origin: "cli"}, true))

	assert.True(t, l.ApplyRemote(messaging.BanEvent{Identity: "eve", Origin: "relay-2"}, false))
	assert.False(t, l.IsBanned("eve"))
	st.AssertNotCalled(t, "InsertBan", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "DeleteBan", mock.Anything, mock.Anything)
}

func TestApplyRemote_UnbanDropsQueuedBan(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	st.On("InsertBan", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	l, err := New(context.Background(), st, nil, DefaultConfig())
	require.NoError(t, err)

	l.Ban(context.Background(), "eve", "manual")
	require.Equal(t, 1, l.Pending())

	assert.True(t, l.ApplyRemote(messaging.BanEvent{Identity: "eve", Origin: "cli"}, false))
	assert.Equal(t, 0, l.Pending(), "a queued ban must not resurrect a remote unban")
}

func TestAllow_RateLimits(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	cfg := DefaultConfig()
	cfg.MessageRule = ratelimit.Rule{Key: "rl:msg:", Limit: 2, Window: time.Minute}
	cfg.ReportRule = ratelimit.Rule{Key: "rl:report:", Limit: 1, Window: time.Hour}

	l, err := New(context.Background(), st, ratelimit.NewMemoryLimiter(), cfg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "a", ActionMessage))
	require.NoError(t, l.Allow(ctx, "a", ActionMessage))
	err = l.Allow(ctx, "a", ActionMessage)
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	var rl *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ActionMessage, rl.Action)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	require.NoError(t, l.Allow(ctx, "a", ActionReport), "reports have their own budget")
	assert.ErrorIs(t, l.Allow(ctx, "a", ActionReport), ratelimit.ErrRateLimited)
	require.NoError(t, l.Allow(ctx, "b", ActionMessage), "limits are per identity")
}

func TestRun_FinalFlushOnCancel(t *testing.T) {
	st := new(MockStore)
	st.On("LoadBans", mock.Anything).Return([]store.Ban{}, nil)
	st.On("DeleteBan", mock.Anything, "eve").Return(errors.New("db down")).Once()
	l, err := New(context.Background(), st, nil, DefaultConfig())
	require.NoError(t, err)

	l.Unban(context.Background(), "eve")
	require.Equal(t, 1, l.Pending())

	st.On("DeleteBan", mock.Anything, "eve").Return(nil).Once()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.Equal(t, 0, l.Pending())
}
