// Package abuse implements the abuse ledger: the durable ban set, strike
// counting from reports, and per-identity rate limits.
//
// The ban set is a write-through cache over the store. Bans are loaded once
// at startup and consulted in memory; store failures never block a decision.
// A failed write is queued and retried by Run.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/campchat/chat-relay/internal/messaging"
	"github.com/campchat/chat-relay/internal/metrics"
	"github.com/campchat/chat-relay/internal/ratelimit"
	"github.com/campchat/chat-relay/internal/store"
)

const (
	// DefaultBanThreshold is the number of reports that bans an identity.
	DefaultBanThreshold = 3

	// DefaultReportReason is recorded when a reporter gives no reason.
	DefaultReportReason = "User Report"

	// BanReason is recorded for bans issued by the strike threshold.
	BanReason = "Banned due to multiple reports"

	// WarningReason is sent to a reported client below the threshold.
	WarningReason = "You have been reported by your partner"

	retryInterval = 10 * time.Second
	storeTimeout  = 3 * time.Second
)

// Rate-limited actions.
const (
	ActionMessage = "message"
	ActionReport  = "report"
)

var (
	ErrBanned     = errors.New("identity is banned")
	ErrNotAMember = errors.New("reporter and reported do not share a room")
)

// RoomChecker verifies that a report refers to a real room relationship.
type RoomChecker interface {
	CanReport(roomID, reporter, reported string) bool
}

// Notifier receives moderation events. messaging.NATSClient implements it.
type Notifier interface {
	PublishReport(ev messaging.ReportEvent) error
	PublishBan(ev messaging.BanEvent) error
	PublishUnban(ev messaging.BanEvent) error
}

// Config tunes the ledger.
type Config struct {
	BanThreshold int
	MessageRule  ratelimit.Rule
	ReportRule   ratelimit.Rule

	// Origin is stamped on published ban events. Remote events carrying the
	// same origin are ignored by ApplyRemote.
	Origin string
}

// DefaultConfig returns the standard thresholds and limits.
func DefaultConfig() Config {
	return Config{
		BanThreshold: DefaultBanThreshold,
		MessageRule:  ratelimit.RuleMessage,
		ReportRule:   ratelimit.RuleReport,
	}
}

// Outcome is the result of an accepted report.
type Outcome struct {
	Strikes int
	Banned  bool // true when the identity is banned after this report
}

// pendingWrite is a store write that failed and awaits retry. Exactly one
// field is set.
type pendingWrite struct {
	report *store.Report
	ban    *store.Ban
	unban  string
}

func (w pendingWrite) apply(ctx context.Context, st store.Store) error {
	switch {
	case w.report != nil:
		return st.AppendReport(ctx, *w.report)
	case w.ban != nil:
		return st.InsertBan(ctx, *w.ban)
	default:
		return st.DeleteBan(ctx, w.unban)
	}
}

// Ledger is the abuse ledger.
type Ledger struct {
	store    store.Store
	limiter  ratelimit.Limiter
	rooms    RoomChecker
	notifier Notifier
	cfg      Config

	mu      sync.Mutex
	bans    map[string]store.Ban
	strikes map[string]int
	seeded  map[string]bool
	pending []pendingWrite
}

// New loads the ban set from st. A load failure is returned and must abort
// startup.
func New(ctx context.Context, st store.Store, limiter ratelimit.Limiter, cfg Config) (*Ledger, error) {
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter()
	}

	bans, err := st.LoadBans(ctx)
	if err != nil {
		return nil, fmt.Errorf("abuse: load bans: %w", err)
	}

	l := &Ledger{
		store:   st,
		limiter: limiter,
		cfg:     cfg,
		bans:    make(map[string]store.Ban, len(bans)),
		strikes: make(map[string]int),
		seeded:  make(map[string]bool),
	}
	for _, b := range bans {
		l.bans[b.Identity] = b
	}
	log.WithField("bans", len(bans)).Info("abuse: ban set loaded")
	return l, nil
}

// SetRoomChecker wires report verification. Must be called before use.
func (l *Ledger) SetRoomChecker(rc RoomChecker) {
	l.rooms = rc
}

// SetNotifier wires the moderation event feed. Must be called before use.
func (l *Ledger) SetNotifier(n Notifier) {
	l.notifier = n
}

// IsBanned reports whether identity is banned.
func (l *Ledger) IsBanned(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.bans[identity]
	return ok
}

// Bans returns a snapshot of the ban set.
func (l *Ledger) Bans() []store.Ban {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.Ban, 0, len(l.bans))
	for _, b := range l.bans {
		out = append(out, b)
	}
	return out
}

// Allow charges one action against identity's rate limit. It returns a
// *ratelimit.RateLimitedError when the limit is exceeded.
func (l *Ledger) Allow(ctx context.Context, identity, action string) error {
	rule := l.cfg.MessageRule
	if action == ActionReport {
		rule = l.cfg.ReportRule
	}
	res, err := l.limiter.Allow(ctx, identity, rule)
	if err != nil {
		log.WithError(err).WithField("action", action).Debug("abuse: limiter error, allowing")
	}
	if res.Allowed {
		return nil
	}
	return &ratelimit.RateLimitedError{Action: action, RetryAfter: res.RetryAfter}
}

// Report records a report from reporter against reported in roomID. The
// reporter must be attached to the room and the reported identity must be an
// original member of it. Reaching the ban threshold bans reported.
func (l *Ledger) Report(ctx context.Context, reporter, reported, roomID, reason string, evidence []store.Evidence) (Outcome, error) {
	if reporter == reported || reported == "" {
		return Outcome{}, ErrNotAMember
	}
	if l.rooms != nil && !l.rooms.CanReport(roomID, reporter, reported) {
		return Outcome{}, ErrNotAMember
	}
	if reason == "" {
		reason = DefaultReportReason
	}

	stored, seeded := 0, l.isSeeded(reported)
	if !seeded {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		n, err := l.store.CountReports(sctx, reported)
		cancel()
		if err != nil {
			log.WithError(err).WithField("identity", reported).Warn("abuse: count reports failed, counting new reports only")
		} else {
			stored, seeded = n, true
		}
	}

	now := time.Now()
	rec := &store.Report{
		Reporter:  reporter,
		Reported:  reported,
		RoomID:    roomID,
		Reason:    reason,
		Evidence:  evidence,
		CreatedAt: now,
	}

	l.mu.Lock()
	if seeded && !l.seeded[reported] {
		// Reports accepted before the first successful read are either in
		// stored or still queued for retry.
		if base := stored + l.pendingReportsLocked(reported); base > l.strikes[reported] {
			l.strikes[reported] = base
		}
		l.seeded[reported] = true
	}
	l.strikes[reported]++
	strikes := l.strikes[reported]
	_, already := l.bans[reported]
	var ban *store.Ban
	if !already && strikes >= l.cfg.BanThreshold {
		ban = &store.Ban{Identity: reported, Reason: BanReason, CreatedAt: now}
		l.bans[reported] = *ban
	}
	l.mu.Unlock()

	metrics.ReportsTotal.Inc()
	l.write(ctx, pendingWrite{report: rec})
	if ban != nil {
		metrics.BansTotal.Inc()
		l.write(ctx, pendingWrite{ban: ban})
	}

	log.WithFields(log.Fields{
		"reported": reported,
		"room":     roomID,
		"strikes":  strikes,
		"banned":   ban != nil,
	}).Info("abuse: report accepted")

	if l.notifier != nil {
		if err := l.notifier.PublishReport(messaging.ReportEvent{
			Reporter: reporter, Reported: reported, RoomID: roomID, Reason: reason, Strikes: strikes, Ts: now.Unix(),
		}); err != nil {
			log.WithError(err).Warn("abuse: publish report event failed")
		}
		if ban != nil {
			if err := l.notifier.PublishBan(messaging.BanEvent{Identity: reported, Reason: ban.Reason, Origin: l.cfg.Origin, Ts: now.Unix()}); err != nil {
				log.WithError(err).Warn("abuse: publish ban event failed")
			}
		}
	}

	return Outcome{Strikes: strikes, Banned: ban != nil || already}, nil
}

// isSeeded reports whether identity's strike count includes its stored
// reports.
func (l *Ledger) isSeeded(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seeded[identity]
}

// pendingReportsLocked counts queued report writes against identity. Caller
// holds l.mu.
func (l *Ledger) pendingReportsLocked(identity string) int {
	n := 0
	for _, w := range l.pending {
		if w.report != nil && w.report.Reported == identity {
			n++
		}
	}
	return n
}

// Ban bans identity directly (administrative use).
func (l *Ledger) Ban(ctx context.Context, identity, reason string) {
	b := store.Ban{Identity: identity, Reason: reason, CreatedAt: time.Now()}
	l.mu.Lock()
	_, already := l.bans[identity]
	if !already {
		l.bans[identity] = b
	}
	l.mu.Unlock()
	if already {
		return
	}
	l.write(ctx, pendingWrite{ban: &b})
	if l.notifier != nil {
		if err := l.notifier.PublishBan(messaging.BanEvent{Identity: identity, Reason: reason, Origin: l.cfg.Origin, Ts: b.CreatedAt.Unix()}); err != nil {
			log.WithError(err).Warn("abuse: publish ban event failed")
		}
	}
}

// Unban lifts a ban. Report records are kept, so an identity whose strike
// count is still at or above the threshold is banned again by its next
// report.
func (l *Ledger) Unban(ctx context.Context, identity string) bool {
	l.mu.Lock()
	_, ok := l.bans[identity]
	delete(l.bans, identity)
	l.dropPendingBanLocked(identity)
	l.mu.Unlock()

	l.write(ctx, pendingWrite{unban: identity})
	if ok && l.notifier != nil {
		if err := l.notifier.PublishUnban(messaging.BanEvent{Identity: identity, Origin: l.cfg.Origin, Ts: time.Now().Unix()}); err != nil {
			log.WithError(err).Warn("abuse: publish unban event failed")
		}
	}
	return ok
}

// ApplyRemote applies a ban or unban published by another process. The
// publisher has already written the store, so only the in-memory ban set
// changes. It reports whether the ban set changed.
func (l *Ledger) ApplyRemote(ev messaging.BanEvent, banned bool) bool {
	if ev.Origin != "" && ev.Origin == l.cfg.Origin {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, had := l.bans[ev.Identity]
	if banned {
		if had {
			return false
		}
		l.bans[ev.Identity] = store.Ban{Identity: ev.Identity, Reason: ev.Reason, CreatedAt: time.Unix(ev.Ts, 0)}
		return true
	}
	delete(l.bans, ev.Identity)
	l.dropPendingBanLocked(ev.Identity)
	return had
}

func (l *Ledger) dropPendingBanLocked(identity string) {
	kept := l.pending[:0]
	for _, w := range l.pending {
		if w.ban != nil && w.ban.Identity == identity {
			continue
		}
		kept = append(kept, w)
	}
	l.pending = kept
	metrics.PendingWrites.Set(float64(len(l.pending)))
}

// write applies w to the store, queueing it for retry on failure.
func (l *Ledger) write(ctx context.Context, w pendingWrite) {
	wctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := w.apply(wctx, l.store); err != nil {
		log.WithError(err).Warn("abuse: store write failed, queued for retry")
		l.mu.Lock()
		l.pending = append(l.pending, w)
		metrics.PendingWrites.Set(float64(len(l.pending)))
		l.mu.Unlock()
	}
}

// Pending returns the number of writes awaiting retry.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush retries queued writes once. Writes that fail again stay queued.
func (l *Ledger) Flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	var failed []pendingWrite
	for _, w := range batch {
		wctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := w.apply(wctx, l.store)
		cancel()
		if err != nil {
			failed = append(failed, w)
		}
	}

	l.mu.Lock()
	l.pending = append(failed, l.pending...)
	metrics.PendingWrites.Set(float64(len(l.pending)))
	l.mu.Unlock()

	if len(batch) > 0 {
		log.WithFields(log.Fields{"retried": len(batch), "failed": len(failed)}).Info("abuse: retried pending writes")
	}
}

// Run retries queued writes until ctx is cancelled, then makes a final
// attempt with a short deadline.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), storeTimeout)
			l.Flush(final)
			cancel()
			return
		case <-ticker.C:
			l.Flush(ctx)
		}
	}
}
