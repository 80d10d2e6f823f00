package pipeline

import (
	"context"
	"testing"
	"time"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
	"fieldtrack/internal/geofence"
	"fieldtrack/internal/health"
	"fieldtrack/internal/visits"
)

// In-memory stand-ins for the Redis/Postgres surfaces the stages use.

type scnState struct {
	zones map[string]map[string]bool
}

func (s *scnState) Containment(_ context.Context, userID string) (map[string]bool, error) {
	out := make(map[string]bool)
	for k, v := range s.zones[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *scnState) ApplyContainmentDiff(_ context.Context, userID string, entered, exited []string) error {
	if s.zones == nil {
		s.zones = make(map[string]map[string]bool)
	}
	if s.zones[userID] == nil {
		s.zones[userID] = make(map[string]bool)
	}
	for _, id := range entered {
		s.zones[userID][id] = true
	}
	for _, id := range exited {
		delete(s.zones[userID], id)
	}
	return nil
}

type scnFenceSource struct {
	fences []domain.Geofence
}

func (s *scnFenceSource) ListGeofences(context.Context, bool) ([]domain.Geofence, error) {
	return s.fences, nil
}

type scnEventSink struct {
	events []domain.GeofenceEvent
}

func (s *scnEventSink) InsertGeofenceEvent(_ context.Context, ev *domain.GeofenceEvent) error {
	s.events = append(s.events, *ev)
	return nil
}

type scnAlertStore struct {
	open map[domain.AlertType]bool
	log  []string
}

func (s *scnAlertStore) RaiseAlert(_ context.Context, a *domain.DeviceAlert) (bool, error) {
	if s.open == nil {
		s.open = make(map[domain.AlertType]bool)
	}
	if s.open[a.Type] {
		return false, nil
	}
	s.open[a.Type] = true
	s.log = append(s.log, "raise:"+string(a.Type))
	return true, nil
}

func (s *scnAlertStore) ResolveAlert(_ context.Context, _ string, t domain.AlertType, _ time.Time) (bool, error) {
	if !s.open[t] {
		return false, nil
	}
	delete(s.open, t)
	s.log = append(s.log, "resolve:"+string(t))
	return true, nil
}

func (s *scnAlertStore) StaleUsers(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type scnVisitSink struct {
	visits []domain.Visit
}

func (s *scnVisitSink) InsertVisit(_ context.Context, v *domain.Visit) error {
	s.visits = append(s.visits, *v)
	return nil
}

type scnLive struct{ n int }

func (l *scnLive) UpdateLiveState(context.Context, *domain.LocationPing) error {
	l.n++
	return nil
}

// TestFieldDayScenario drives a realistic morning through the full worker
// chain: arrive at the head office, dwell, battery drains, device charges.
func TestFieldDayScenario(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()

	fences := &scnFenceSource{fences: []domain.Geofence{{
		ID: "gf-ho", Name: "HeadOffice", Type: domain.GeofenceOffice,
		Latitude: 8.7139, Longitude: 77.7567, RadiusM: 100, IsActive: true,
	}}}
	state := &scnState{}
	fenceSink := &scnEventSink{}
	evaluator := geofence.NewEvaluator(geofence.NewRegistry(fences, time.Minute), state, fenceSink, bus)

	alerts := &scnAlertStore{}
	monitor := health.NewMonitor(health.Config{
		BatteryLowPct:     15,
		BatteryWarningPct: 30,
		OfflineWindow:     10 * time.Minute,
		ActiveHoursStart:  "08:00",
		ActiveHoursEnd:    "20:00",
		Location:          time.UTC,
	}, alerts, alerts, bus)

	visitSink := &scnVisitSink{}
	tracker := visits.NewTracker(visits.Config{
		ClusterRadiusM:  150,
		MaxGap:          30 * time.Minute,
		MinDwellTime:    3 * time.Minute,
		AccuracyCutoffM: 100,
		Location:        time.UTC,
	}, visitSink, nil)

	live := &scnLive{}
	dbChan := make(chan *domain.LocationPing, 100)
	w := NewWorker(live, evaluator, monitor, tracker, bus, dbChan)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sample := func(offset time.Duration, battery int) *domain.LocationPing {
		return &domain.LocationPing{
			UserID:       "EMP-1001",
			CapturedAt:   start.Add(offset),
			Latitude:     8.7139,
			Longitude:    77.7567,
			AccuracyM:    12,
			BatteryLevel: battery,
			GPSEnabled:   true,
		}
	}

	// Five minutes stationary at the office on a healthy battery.
	for i := 0; i <= 5; i++ {
		w.Process(ctx, sample(time.Duration(i)*time.Minute, 80))
	}

	if len(fenceSink.events) != 1 || fenceSink.events[0].Transition != domain.TransitionEnter {
		t.Fatalf("geofence events = %+v, want exactly one enter", fenceSink.events)
	}
	if len(alerts.log) != 0 {
		t.Fatalf("alerts on healthy battery: %v", alerts.log)
	}
	if prov := tracker.Provisional("EMP-1001", "2026-03-10"); prov == nil {
		t.Fatal("no provisional visit after a 5-minute dwell")
	} else if d := prov.DurationMinutes(); d < 4.9 || d > 5.1 {
		t.Fatalf("provisional dwell = %.1f min, want ~5", d)
	}

	// Battery collapses; one critical alert, not one per ping.
	w.Process(ctx, sample(6*time.Minute, 10))
	w.Process(ctx, sample(7*time.Minute, 9))
	if len(alerts.log) != 1 || alerts.log[0] != "raise:battery_low" {
		t.Fatalf("alert log = %v, want a single battery_low raise", alerts.log)
	}

	// Charged: alert resolves.
	w.Process(ctx, sample(8*time.Minute, 60))
	if alerts.log[len(alerts.log)-1] != "resolve:battery_low" {
		t.Fatalf("alert log = %v, want battery_low resolved", alerts.log)
	}

	// Leaves for a client site 2 km away: exit event, office visit closes.
	depart := sample(12*time.Minute, 60)
	depart.Latitude = 8.7320
	w.Process(ctx, depart)

	if len(fenceSink.events) != 2 || fenceSink.events[1].Transition != domain.TransitionExit {
		t.Fatalf("geofence events = %+v, want enter then exit", fenceSink.events)
	}
	if len(visitSink.visits) != 1 {
		t.Fatalf("visits = %d, want the office visit closed", len(visitSink.visits))
	}
	v := visitSink.visits[0]
	if v.Sequence != 1 || v.DurationMinutes() < 7.9 {
		t.Fatalf("visit = seq %d dwell %.1f min", v.Sequence, v.DurationMinutes())
	}

	// Every admitted ping reached the live map and the raw log.
	if live.n != 10 {
		t.Fatalf("live updates = %d, want 10", live.n)
	}
	if len(dbChan) != 10 {
		t.Fatalf("raw log writes = %d, want 10", len(dbChan))
	}
}
