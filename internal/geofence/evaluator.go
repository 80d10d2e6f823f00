package geofence

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
	"fieldtrack/internal/geo"
	"fieldtrack/internal/metrics"
)

// StateStore holds the last-known containment set per user. The production
// implementation is Redis sets; tests use an in-memory map.
type StateStore interface {
	Containment(ctx context.Context, userID string) (map[string]bool, error)
	ApplyContainmentDiff(ctx context.Context, userID string, entered, exited []string) error
}

// EventSink persists derived geofence events.
type EventSink interface {
	InsertGeofenceEvent(ctx context.Context, ev *domain.GeofenceEvent) error
}

// Evaluator diffs each ping's containment set against the user's last-known
// set. Events fire only on change; a stationary user inside a zone produces
// exactly one enter. Callers must feed pings per user in captured_at order.
type Evaluator struct {
	registry *Registry
	state    StateStore
	sink     EventSink
	bus      *events.Bus
	log      zerolog.Logger
}

func NewEvaluator(registry *Registry, state StateStore, sink EventSink, bus *events.Bus) *Evaluator {
	return &Evaluator{
		registry: registry,
		state:    state,
		sink:     sink,
		bus:      bus,
		log:      log.With().Str("component", "geofence").Logger(),
	}
}

// Process evaluates one in-order ping. If the registry or state store is
// unavailable the ping is skipped (fail closed) and evaluation resumes on the
// next ping; no transition is emitted on partial information.
func (e *Evaluator) Process(ctx context.Context, p *domain.LocationPing) error {
	fences, err := e.registry.Active(ctx)
	if err != nil {
		metrics.GeofenceSkips.Add(1)
		return fmt.Errorf("skipping geofence evaluation: %w", err)
	}

	current := make(map[string]bool)
	names := make(map[string]string, len(fences))
	for _, f := range fences {
		names[f.ID] = f.Name
		d := geo.HaversineM(p.Latitude, p.Longitude, f.Latitude, f.Longitude)
		if d <= f.RadiusM { // boundary inclusive
			current[f.ID] = true
		}
	}

	prev, err := e.state.Containment(ctx, p.UserID)
	if err != nil {
		metrics.GeofenceSkips.Add(1)
		return fmt.Errorf("skipping geofence evaluation: %w", err)
	}

	var entered, exited []string
	for id := range current {
		if !prev[id] {
			entered = append(entered, id)
		}
	}
	for id := range prev {
		if !current[id] {
			exited = append(exited, id)
		}
	}
	if len(entered) == 0 && len(exited) == 0 {
		return nil
	}
	sort.Strings(entered)
	sort.Strings(exited)

	// State first: if event persistence fails we lose one record, but we never
	// re-emit a transition that already happened.
	if err := e.state.ApplyContainmentDiff(ctx, p.UserID, entered, exited); err != nil {
		metrics.GeofenceSkips.Add(1)
		return fmt.Errorf("containment state update failed: %w", err)
	}

	for _, id := range entered {
		e.emit(ctx, p, id, names[id], domain.TransitionEnter)
	}
	for _, id := range exited {
		// A fence deleted or deactivated since entry has no name anymore;
		// keep the identifier on the exit record.
		name := names[id]
		if name == "" {
			name = id
		}
		e.emit(ctx, p, id, name, domain.TransitionExit)
	}
	return nil
}

func (e *Evaluator) emit(ctx context.Context, p *domain.LocationPing, geofenceID, name string, t domain.Transition) {
	ev := &domain.GeofenceEvent{
		UserID:     p.UserID,
		GeofenceID: geofenceID,
		Geofence:   name,
		Transition: t,
		OccurredAt: p.CapturedAt,
	}
	if err := e.sink.InsertGeofenceEvent(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("user", p.UserID).Str("geofence", geofenceID).
			Msg("failed to persist geofence event")
	} else {
		metrics.GeofenceEvents.Add(1)
	}

	topic := domain.TopicGeofenceEnter
	if t == domain.TransitionExit {
		topic = domain.TopicGeofenceExit
	}
	e.bus.Publish(domain.Event{
		Topic:      topic,
		UserID:     p.UserID,
		OccurredAt: ev.OccurredAt,
		Ping:       p,
		Geofence:   ev,
	})
}
