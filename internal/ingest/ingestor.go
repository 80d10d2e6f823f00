// Package ingest is the validation boundary. Invalid pings never enter the
// pipeline; stale pings are rejected with a distinct outcome so the transport
// can answer 409 instead of 400.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/geo"
	"fieldtrack/internal/metrics"
)

// ErrStale marks a ping older than the staleness window. Rejection is a
// validation outcome, not a downstream failure.
var ErrStale = errors.New("ping is stale")

// ValidationError describes a field-level rejection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Sink accepts validated pings for asynchronous processing. Dispatch must not
// block; it reports false when the ping was shed.
type Sink interface {
	Dispatch(p *domain.LocationPing) bool
}

type Config struct {
	StalenessWindow time.Duration
	FutureSkewLimit time.Duration
}

type Ingestor struct {
	cfg  Config
	sink Sink
	now  func() time.Time
}

func NewIngestor(cfg Config, sink Sink) *Ingestor {
	return &Ingestor{cfg: cfg, sink: sink, now: time.Now}
}

// Accept validates p and hands it to the pipeline. The returned error is nil
// (accepted), ErrStale, or a *ValidationError.
func (i *Ingestor) Accept(p *domain.LocationPing) error {
	now := i.now()
	p.ReceivedAt = now

	if p.UserID == "" {
		metrics.PingsRejected.Add(1)
		return &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if p.CapturedAt.IsZero() {
		metrics.PingsRejected.Add(1)
		return &ValidationError{Field: "captured_at", Reason: "missing"}
	}
	if !geo.ValidCoordinates(p.Latitude, p.Longitude) {
		metrics.PingsRejected.Add(1)
		return &ValidationError{Field: "coordinates", Reason: "out of range"}
	}
	if p.AccuracyM < 0 {
		metrics.PingsRejected.Add(1)
		return &ValidationError{Field: "accuracy_m", Reason: "negative"}
	}
	if p.BatteryLevel < 0 || p.BatteryLevel > 100 {
		metrics.PingsRejected.Add(1)
		return &ValidationError{Field: "battery_level", Reason: "outside 0-100"}
	}
	if p.CapturedAt.After(now.Add(i.cfg.FutureSkewLimit)) {
		metrics.PingsRejected.Add(1)
		return &ValidationError{Field: "captured_at", Reason: "in the future"}
	}
	if now.Sub(p.CapturedAt) > i.cfg.StalenessWindow {
		metrics.PingsStale.Add(1)
		return ErrStale
	}

	metrics.PingsReceived.Add(1)
	i.sink.Dispatch(p)
	return nil
}
