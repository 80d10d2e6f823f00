package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
)

type memExecSink struct {
	executions []domain.WorkflowExecution
}

func (s *memExecSink) InsertExecution(_ context.Context, ex *domain.WorkflowExecution) error {
	s.executions = append(s.executions, *ex)
	return nil
}

type memGuard struct {
	fired map[string]bool
}

func (g *memGuard) MarkRuleFired(_ context.Context, ruleID, date string) (bool, error) {
	if g.fired == nil {
		g.fired = make(map[string]bool)
	}
	key := ruleID + ":" + date
	if g.fired[key] {
		return false, nil
	}
	g.fired[key] = true
	return true, nil
}

type memNotifier struct {
	enqueued []string
	seen     map[string]bool
}

func (n *memNotifier) Enqueue(_ context.Context, _, _, eventType, dedupeKey, message string) (bool, error) {
	if n.seen == nil {
		n.seen = make(map[string]bool)
	}
	key := eventType + ":" + dedupeKey
	if n.seen[key] {
		return false, nil
	}
	n.seen[key] = true
	n.enqueued = append(n.enqueued, message)
	return true, nil
}

type memBroadcast struct{ n int }

func (b *memBroadcast) Broadcast(context.Context, interface{}) error { b.n++; return nil }

type memStats struct {
	openAlerts  int
	activeUsers int
	err         error
}

func (s *memStats) CountOpenAlerts(context.Context) (int, error) { return s.openAlerts, s.err }
func (s *memStats) ActiveUserCount(context.Context, time.Time) (int, error) {
	return s.activeUsers, s.err
}

func newTestEngine(t *testing.T, rules []domain.WorkflowRule) (*Engine, *memExecSink, *memNotifier, *memStats) {
	t.Helper()
	sink := &memExecSink{}
	notifier := &memNotifier{}
	stats := &memStats{}
	e := NewEngine(NewLoader("/nonexistent/rules.json"), sink, &memGuard{}, notifier, &memBroadcast{}, stats, time.UTC)
	e.SetRules(rules)
	return e, sink, notifier, stats
}

func TestTimeRuleFiresOncePerDay(t *testing.T) {
	fired := 0
	rules := []domain.WorkflowRule{{
		ID:      "eod",
		Name:    "end of day",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerTime, At: "18:30"},
		Action:  domain.ActionSpec{Kind: domain.ActionAuto, Operation: "noop"},
		Enabled: true,
	}}
	e, sink, _, _ := newTestEngine(t, rules)
	e.RegisterAutoOp("noop", func(context.Context) (string, error) {
		fired++
		return "ok", nil
	})

	e.now = func() time.Time { return time.Date(2026, 3, 10, 18, 45, 0, 0, time.UTC) }
	e.Tick(context.Background())
	e.Tick(context.Background())
	e.Tick(context.Background())

	if fired != 1 {
		t.Fatalf("auto op fired %d times, want 1", fired)
	}
	if len(sink.executions) != 1 || !sink.executions[0].Success {
		t.Fatalf("executions = %+v, want one success", sink.executions)
	}

	// Next day it fires again.
	e.now = func() time.Time { return time.Date(2026, 3, 11, 18, 45, 0, 0, time.UTC) }
	e.Tick(context.Background())
	if fired != 2 {
		t.Fatalf("auto op fired %d times across two days, want 2", fired)
	}
}

func TestTimeRuleWaitsForScheduledTime(t *testing.T) {
	rules := []domain.WorkflowRule{{
		ID:      "eod",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerTime, At: "18:30"},
		Action:  domain.ActionSpec{Kind: domain.ActionAuto, Operation: "noop"},
		Enabled: true,
	}}
	e, sink, _, _ := newTestEngine(t, rules)
	e.RegisterAutoOp("noop", func(context.Context) (string, error) { return "ok", nil })

	e.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }
	e.Tick(context.Background())
	if len(sink.executions) != 0 {
		t.Fatalf("rule fired before its scheduled time: %+v", sink.executions)
	}
}

func TestEventRuleWithAlertTypeFilter(t *testing.T) {
	rules := []domain.WorkflowRule{{
		ID:   "low-batt",
		Name: "notify on low battery",
		Trigger: domain.TriggerSpec{
			Kind:      domain.TriggerEvent,
			Event:     domain.TopicAlertRaised,
			AlertType: domain.AlertBatteryLow,
		},
		Action: domain.ActionSpec{
			Kind:     domain.ActionNotification,
			Template: "Alert {alert} for {user}",
		},
		Enabled: true,
	}}
	e, _, notifier, _ := newTestEngine(t, rules)
	bus := events.NewBus()
	if err := e.Start(bus); err != nil {
		// Loader points at a missing file, defaults load; replace with ours.
		t.Fatalf("start: %v", err)
	}
	e.SetRules(rules)

	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	bus.Publish(domain.Event{
		Topic: domain.TopicAlertRaised, UserID: "u1", OccurredAt: at,
		Alert: &domain.DeviceAlert{UserID: "u1", Type: domain.AlertGPSDisabled},
	})
	if len(notifier.enqueued) != 0 {
		t.Fatalf("rule fired for a filtered-out alert type")
	}

	bus.Publish(domain.Event{
		Topic: domain.TopicAlertRaised, UserID: "u1", OccurredAt: at,
		Alert: &domain.DeviceAlert{UserID: "u1", Type: domain.AlertBatteryLow},
	})
	if len(notifier.enqueued) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.enqueued))
	}
	if notifier.enqueued[0] != "Alert battery_low for u1" {
		t.Fatalf("rendered message = %q", notifier.enqueued[0])
	}

	// Same occurrence again: the dedupe key suppresses the duplicate.
	bus.Publish(domain.Event{
		Topic: domain.TopicAlertRaised, UserID: "u1", OccurredAt: at,
		Alert: &domain.DeviceAlert{UserID: "u1", Type: domain.AlertBatteryLow},
	})
	if len(notifier.enqueued) != 1 {
		t.Fatalf("duplicate occurrence enqueued a second notification")
	}
}

type memOfflineResolver struct {
	open     int
	resolved int
	gotType  domain.AlertType
}

func (r *memOfflineResolver) ResolveAllAlertsOfType(_ context.Context, t domain.AlertType, _ time.Time) (int, error) {
	r.gotType = t
	n := r.open
	r.open = 0
	r.resolved += n
	return n, nil
}

func TestResolveOfflineAlertsOp(t *testing.T) {
	rules := []domain.WorkflowRule{{
		ID:      "morning-reset",
		Name:    "clear stale offline alerts",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerTime, At: "08:00"},
		Action:  domain.ActionSpec{Kind: domain.ActionAuto, Operation: "resolve_offline_alerts"},
		Enabled: true,
	}}
	e, sink, _, _ := newTestEngine(t, rules)
	resolver := &memOfflineResolver{open: 3}
	e.RegisterAutoOp("resolve_offline_alerts", ResolveOfflineAlertsOp(resolver))

	e.now = func() time.Time { return time.Date(2026, 3, 10, 8, 5, 0, 0, time.UTC) }
	e.Tick(context.Background())

	if len(sink.executions) != 1 || !sink.executions[0].Success {
		t.Fatalf("executions = %+v, want one success", sink.executions)
	}
	if sink.executions[0].Message != "resolved 3 offline alerts" {
		t.Fatalf("message = %q", sink.executions[0].Message)
	}
	if resolver.gotType != domain.AlertOffline {
		t.Fatalf("resolved alert type = %s, want offline", resolver.gotType)
	}
	if resolver.resolved != 3 {
		t.Fatalf("resolved = %d, want 3", resolver.resolved)
	}
}

func TestConditionRuleIsEdgeTriggered(t *testing.T) {
	rules := []domain.WorkflowRule{{
		ID: "backlog",
		Trigger: domain.TriggerSpec{
			Kind:      domain.TriggerCondition,
			Condition: "open_alerts_at_least",
			Threshold: 5,
		},
		Action:  domain.ActionSpec{Kind: domain.ActionNotification, Template: "backlog"},
		Enabled: true,
	}}
	e, sink, notifier, stats := newTestEngine(t, rules)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	tick := 0
	e.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	stats.openAlerts = 3
	e.Tick(context.Background())
	if len(sink.executions) != 0 {
		t.Fatal("fired below threshold")
	}

	stats.openAlerts = 7
	e.Tick(context.Background())
	e.Tick(context.Background())
	if len(sink.executions) != 1 {
		t.Fatalf("executions = %d, want 1 (edge triggered)", len(sink.executions))
	}
	if len(notifier.enqueued) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.enqueued))
	}

	// Falls below, then crosses again: a second firing. The same-day dedupe
	// key suppresses the second notification send, but the firing is recorded.
	stats.openAlerts = 2
	e.Tick(context.Background())
	stats.openAlerts = 9
	e.Tick(context.Background())
	if len(sink.executions) != 2 {
		t.Fatalf("executions = %d, want 2 after re-crossing", len(sink.executions))
	}
}

func TestFailingRuleIsIsolated(t *testing.T) {
	rules := []domain.WorkflowRule{
		{
			ID:      "bad",
			Trigger: domain.TriggerSpec{Kind: domain.TriggerEvent, Event: domain.TopicGeofenceEnter},
			Action:  domain.ActionSpec{Kind: domain.ActionAuto, Operation: "explode"},
			Enabled: true,
		},
		{
			ID:      "good",
			Trigger: domain.TriggerSpec{Kind: domain.TriggerEvent, Event: domain.TopicGeofenceEnter},
			Action:  domain.ActionSpec{Kind: domain.ActionNotification, Template: "entered"},
			Enabled: true,
		},
	}
	e, sink, notifier, _ := newTestEngine(t, rules)
	e.RegisterAutoOp("explode", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})

	ev := domain.Event{
		Topic: domain.TopicGeofenceEnter, UserID: "u1",
		OccurredAt: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Geofence:   &domain.GeofenceEvent{GeofenceID: "gf1", Geofence: "HeadOffice"},
	}
	e.handleEvent(ev)

	if len(notifier.enqueued) != 1 {
		t.Fatalf("good rule did not fire after bad rule failed")
	}
	var failures, successes int
	for _, ex := range sink.executions {
		if ex.Success {
			successes++
		} else {
			failures++
		}
	}
	if failures != 1 || successes != 1 {
		t.Fatalf("executions = %d failures %d successes, want 1 and 1", failures, successes)
	}
}

func TestPanickingRuleIsContained(t *testing.T) {
	rules := []domain.WorkflowRule{{
		ID:      "panicky",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerEvent, Event: domain.TopicGeofenceExit},
		Action:  domain.ActionSpec{Kind: domain.ActionAuto, Operation: "panic"},
		Enabled: true,
	}}
	e, sink, _, _ := newTestEngine(t, rules)
	e.RegisterAutoOp("panic", func(context.Context) (string, error) { panic("rule bug") })

	e.handleEvent(domain.Event{
		Topic: domain.TopicGeofenceExit, UserID: "u1",
		OccurredAt: time.Now(),
	})

	if len(sink.executions) != 1 || sink.executions[0].Success {
		t.Fatalf("panic not recorded as a failed execution: %+v", sink.executions)
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	rules := []domain.WorkflowRule{{
		ID:      "off",
		Trigger: domain.TriggerSpec{Kind: domain.TriggerEvent, Event: domain.TopicPingReceived},
		Action:  domain.ActionSpec{Kind: domain.ActionNotification},
		Enabled: false,
	}}
	e, sink, _, _ := newTestEngine(t, rules)

	e.handleEvent(domain.Event{Topic: domain.TopicPingReceived, UserID: "u1", OccurredAt: time.Now()})
	if len(sink.executions) != 0 {
		t.Fatal("disabled rule fired")
	}
}
