package visits

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// Sink persists visits as their clusters close.
type Sink interface {
	InsertVisit(ctx context.Context, v *domain.Visit) error
}

// Recovery restores a user's sequence counter and previous representative
// point after a restart.
type Recovery interface {
	MaxVisitSequence(ctx context.Context, userID, date string) (int, error)
	LastVisit(ctx context.Context, userID, date string) (*domain.Visit, error)
}

// userDay is one user's open clustering state for the current day. It is only
// mutated by the shard worker that owns the user, so ordering is guaranteed;
// the mutex exists for read access from route queries.
type userDay struct {
	date    string
	seq     int
	prevLat *float64
	prevLng *float64
	open    *cluster
}

// Tracker maintains the provisional "today" cluster per user and closes
// clusters into visits as the stream moves on. Historical days are rebuilt
// with BuildDay instead.
type Tracker struct {
	cfg      Config
	sink     Sink
	recovery Recovery
	log      zerolog.Logger

	mu    sync.Mutex
	users map[string]*userDay
}

func NewTracker(cfg Config, sink Sink, recovery Recovery) *Tracker {
	return &Tracker{
		cfg:      cfg,
		sink:     sink,
		recovery: recovery,
		log:      log.With().Str("component", "visits").Logger(),
		users:    make(map[string]*userDay),
	}
}

// Observe feeds one in-order accepted ping into the user's open cluster.
// Noisy pings (accuracy beyond the cutoff) are retained in the raw log by the
// pipeline but excluded here; end-of-day finalization re-runs BuildDay, whose
// degrade policy is authoritative for days with no accurate pings at all.
func (t *Tracker) Observe(ctx context.Context, p *domain.LocationPing) {
	date := t.cfg.DateOf(p.CapturedAt)

	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.users[p.UserID]
	if u == nil {
		u = t.initUser(ctx, p.UserID, date)
		t.users[p.UserID] = u
	}

	if u.date != date {
		// Day rollover: whatever was open yesterday closes now. Forced closure
		// is idempotent; a missed rollover is also caught by finalization.
		t.closeOpenLocked(ctx, p.UserID, u)
		u.date = date
		u.seq = 0
		u.prevLat, u.prevLng = nil, nil
	}

	if t.cfg.AccuracyCutoffM > 0 && p.AccuracyM > t.cfg.AccuracyCutoffM {
		return
	}

	if u.open == nil {
		u.open = newCluster(p, false)
		return
	}
	if u.open.accepts(p, t.cfg) {
		u.open.add(p)
		return
	}
	t.closeOpenLocked(ctx, p.UserID, u)
	u.open = newCluster(p, false)
}

func (t *Tracker) initUser(ctx context.Context, userID, date string) *userDay {
	u := &userDay{date: date}
	if t.recovery == nil {
		return u
	}
	seq, err := t.recovery.MaxVisitSequence(ctx, userID, date)
	if err != nil {
		t.log.Warn().Err(err).Str("user", userID).Msg("sequence recovery failed, starting at 0")
		return u
	}
	u.seq = seq
	if seq > 0 {
		if last, err := t.recovery.LastVisit(ctx, userID, date); err == nil && last != nil {
			u.prevLat, u.prevLng = &last.Latitude, &last.Longitude
		}
	}
	return u
}

func (t *Tracker) closeOpenLocked(ctx context.Context, userID string, u *userDay) {
	c := u.open
	u.open = nil
	if c == nil {
		return
	}
	if c.duration() < t.cfg.MinDwellTime {
		metrics.VisitsDiscarded.Add(1)
		return
	}
	u.seq++
	v := c.toVisit(userID, u.date, u.seq, u.prevLat, u.prevLng)
	u.prevLat, u.prevLng = &v.Latitude, &v.Longitude
	if err := t.sink.InsertVisit(ctx, &v); err != nil {
		t.log.Error().Err(err).Str("user", userID).Int("sequence", v.Sequence).
			Msg("failed to persist visit")
		return
	}
	metrics.VisitsClosed.Add(1)
}

// CloseAll force-closes every open cluster, e.g. at the end-of-day auto-stop.
// Safe to call repeatedly.
func (t *Tracker) CloseAll(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	closed := 0
	for userID, u := range t.users {
		if u.open != nil {
			t.closeOpenLocked(ctx, userID, u)
			closed++
		}
	}
	return closed
}

// Provisional returns the open cluster as a would-be visit when it has already
// met the dwell threshold. Today's route view appends it after stored visits.
func (t *Tracker) Provisional(userID, date string) *domain.Visit {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.users[userID]
	if u == nil || u.date != date || u.open == nil {
		return nil
	}
	if u.open.duration() < t.cfg.MinDwellTime {
		return nil
	}
	v := u.open.toVisit(userID, u.date, u.seq+1, u.prevLat, u.prevLng)
	v.Provisional = true
	return &v
}
