package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// LiveState is the latest-known snapshot writer (Redis in production).
type LiveState interface {
	UpdateLiveState(ctx context.Context, p *domain.LocationPing) error
}

// GeofenceStage evaluates containment for one in-order ping.
type GeofenceStage interface {
	Process(ctx context.Context, p *domain.LocationPing) error
}

// HealthStage evaluates device vitals for one in-order ping.
type HealthStage interface {
	Evaluate(ctx context.Context, p *domain.LocationPing)
}

// VisitStage feeds the open-cluster tracker.
type VisitStage interface {
	Observe(ctx context.Context, p *domain.LocationPing)
}

// EventSink receives the ping-received event after ordering checks pass.
type EventSink interface {
	Publish(ev domain.Event)
}

// Worker runs the full per-user stage chain for the shards it owns. It keeps
// the last captured_at per user, so duplicates and out-of-order arrivals are
// dropped before they can regress containment or visit state.
type Worker struct {
	live     LiveState
	geofence GeofenceStage
	health   HealthStage
	visits   VisitStage
	bus      EventSink
	dbChan   chan<- *domain.LocationPing
	log      zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]int64 // user_id -> captured_at unix nanos
}

func NewWorker(
	live LiveState,
	geofence GeofenceStage,
	health HealthStage,
	visits VisitStage,
	bus EventSink,
	dbChan chan<- *domain.LocationPing,
) *Worker {
	return &Worker{
		live:     live,
		geofence: geofence,
		health:   health,
		visits:   visits,
		bus:      bus,
		dbChan:   dbChan,
		log:      log.With().Str("component", "pipeline").Logger(),
		lastSeen: make(map[string]int64),
	}
}

func (w *Worker) Run(ctx context.Context, ch <-chan *domain.LocationPing) {
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			w.Process(ctx, p)
		case <-ctx.Done():
			return
		}
	}
}

// Process runs one ping through ordering checks and every derived stage.
// Exported for the end-to-end pipeline tests.
func (w *Worker) Process(ctx context.Context, p *domain.LocationPing) {
	if !w.admit(p) {
		return
	}

	// Raw log is append-only; shed on backpressure rather than stall the
	// shard, the batch writer catches up from its own buffer.
	select {
	case w.dbChan <- p:
	default:
		metrics.DBChannelDrops.Add(1)
	}

	if err := w.live.UpdateLiveState(ctx, p); err != nil {
		w.log.Error().Err(err).Str("user", p.UserID).Msg("live state update failed")
	}

	w.bus.Publish(domain.Event{
		Topic:      domain.TopicPingReceived,
		UserID:     p.UserID,
		OccurredAt: p.CapturedAt,
		Ping:       p,
	})

	if err := w.geofence.Process(ctx, p); err != nil {
		w.log.Warn().Err(err).Str("user", p.UserID).Msg("geofence evaluation skipped")
	}
	w.health.Evaluate(ctx, p)
	w.visits.Observe(ctx, p)
}

// admit enforces per-user monotonic captured_at. The map is only written by
// the owning shard goroutine; the mutex covers cross-shard reads in tests.
func (w *Worker) admit(p *domain.LocationPing) bool {
	ts := p.CapturedAt.UnixNano()
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastSeen[p.UserID]
	if ok {
		if ts == last {
			metrics.PingsDuplicate.Add(1)
			return false
		}
		if ts < last {
			metrics.PingsOutOfOrder.Add(1)
			return false
		}
	}
	w.lastSeen[p.UserID] = ts
	return true
}
