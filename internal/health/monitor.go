// Package health watches device vitals carried on each ping and raises or
// resolves device alerts. Alerting is idempotent per (user, alert type):
// repeated bad readings refresh the one open alert instead of duplicating it.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
	"fieldtrack/internal/metrics"
)

// AlertStore is the idempotent open-alert store.
type AlertStore interface {
	RaiseAlert(ctx context.Context, a *domain.DeviceAlert) (bool, error)
	ResolveAlert(ctx context.Context, userID string, t domain.AlertType, at time.Time) (bool, error)
}

// LastSeenSource feeds the offline sweep. Backed by the Redis last-seen set.
type LastSeenSource interface {
	StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Config struct {
	BatteryLowPct     int
	BatteryWarningPct int
	OfflineWindow     time.Duration
	ActiveHoursStart  string // "15:04"
	ActiveHoursEnd    string
	Location          *time.Location
}

type Monitor struct {
	cfg      Config
	store    AlertStore
	lastSeen LastSeenSource
	bus      *events.Bus
	log      zerolog.Logger
}

func NewMonitor(cfg Config, store AlertStore, lastSeen LastSeenSource, bus *events.Bus) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    store,
		lastSeen: lastSeen,
		bus:      bus,
		log:      log.With().Str("component", "health").Logger(),
	}
}

// Evaluate inspects one in-order ping. Battery low and battery warning are
// mutually exclusive per user; any ping at all resolves an open offline alert.
func (m *Monitor) Evaluate(ctx context.Context, p *domain.LocationPing) {
	at := p.CapturedAt

	m.resolve(ctx, p.UserID, domain.AlertOffline, at)

	switch {
	case p.BatteryLevel <= m.cfg.BatteryLowPct:
		m.raise(ctx, p.UserID, domain.AlertBatteryLow,
			fmt.Sprintf("Battery critically low (%d%%)", p.BatteryLevel), &p.BatteryLevel, at)
		m.resolve(ctx, p.UserID, domain.AlertBatteryWarning, at)
	case p.BatteryLevel <= m.cfg.BatteryWarningPct:
		m.raise(ctx, p.UserID, domain.AlertBatteryWarning,
			fmt.Sprintf("Battery low (%d%%)", p.BatteryLevel), &p.BatteryLevel, at)
		m.resolve(ctx, p.UserID, domain.AlertBatteryLow, at)
	default:
		m.resolve(ctx, p.UserID, domain.AlertBatteryLow, at)
		m.resolve(ctx, p.UserID, domain.AlertBatteryWarning, at)
	}

	if !p.GPSEnabled {
		m.raise(ctx, p.UserID, domain.AlertGPSDisabled, "GPS disabled on device", nil, at)
	} else {
		m.resolve(ctx, p.UserID, domain.AlertGPSDisabled, at)
	}
}

// SweepOffline raises offline alerts for users whose last ping is older than
// the offline window. Runs only within active hours; absence of pings outside
// working hours is expected, not a fault. The scheduler serializes the sweep
// across instances with a Redis lock before calling this.
func (m *Monitor) SweepOffline(ctx context.Context, now time.Time) error {
	if !m.withinActiveHours(now) {
		return nil
	}
	cutoff := now.Add(-m.cfg.OfflineWindow)
	stale, err := m.lastSeen.StaleUsers(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("offline sweep failed: %w", err)
	}
	for _, userID := range stale {
		m.raise(ctx, userID, domain.AlertOffline,
			fmt.Sprintf("No ping received for over %s", m.cfg.OfflineWindow), nil, now)
	}
	return nil
}

func (m *Monitor) raise(ctx context.Context, userID string, t domain.AlertType, msg string, battery *int, at time.Time) {
	a := &domain.DeviceAlert{
		UserID:       userID,
		Type:         t,
		Severity:     domain.SeverityOf(t),
		Message:      msg,
		BatteryLevel: battery,
		LoggedAt:     at,
	}
	created, err := m.store.RaiseAlert(ctx, a)
	if err != nil {
		m.log.Error().Err(err).Str("user", userID).Str("type", string(t)).
			Msg("failed to raise alert")
		return
	}
	if !created {
		// Existing open alert refreshed; no new event.
		return
	}
	metrics.AlertsRaised.Add(1)
	m.bus.Publish(domain.Event{
		Topic:      domain.TopicAlertRaised,
		UserID:     userID,
		OccurredAt: at,
		Alert:      a,
	})
}

func (m *Monitor) resolve(ctx context.Context, userID string, t domain.AlertType, at time.Time) {
	resolved, err := m.store.ResolveAlert(ctx, userID, t, at)
	if err != nil {
		m.log.Error().Err(err).Str("user", userID).Str("type", string(t)).
			Msg("failed to resolve alert")
		return
	}
	if !resolved {
		return
	}
	metrics.AlertsResolved.Add(1)
	resolvedAt := at
	m.bus.Publish(domain.Event{
		Topic:      domain.TopicAlertResolved,
		UserID:     userID,
		OccurredAt: at,
		Alert: &domain.DeviceAlert{
			UserID:     userID,
			Type:       t,
			Severity:   domain.SeverityOf(t),
			ResolvedAt: &resolvedAt,
		},
	})
}

func (m *Monitor) withinActiveHours(now time.Time) bool {
	loc := m.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	start, err1 := time.Parse("15:04", m.cfg.ActiveHoursStart)
	end, err2 := time.Parse("15:04", m.cfg.ActiveHoursEnd)
	if err1 != nil || err2 != nil {
		return true
	}
	minutes := local.Hour()*60 + local.Minute()
	startM := start.Hour()*60 + start.Minute()
	endM := end.Hour()*60 + end.Minute()
	return minutes >= startM && minutes < endM
}
