// Package geofence computes containment of field staff against the active
// geofence registry and emits edge-triggered enter/exit events.
package geofence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// Source is where the registry loads geofences from.
type Source interface {
	ListGeofences(ctx context.Context, activeOnly bool) ([]domain.Geofence, error)
}

// Registry is the hot-path cache of active geofences. Admin edits become
// visible within the TTL, or immediately when Invalidate is called (wired to
// the Redis invalidation channel in a multi-instance deployment).
type Registry struct {
	source Source
	ttl    time.Duration

	mu        sync.RWMutex
	fences    []domain.Geofence
	fetchedAt time.Time
}

func NewRegistry(source Source, ttl time.Duration) *Registry {
	return &Registry{source: source, ttl: ttl}
}

// Active returns the active geofences, refreshing the cache when it has
// expired. A refresh failure with an expired cache is returned to the caller
// so evaluation fails closed for that ping.
func (r *Registry) Active(ctx context.Context) ([]domain.Geofence, error) {
	r.mu.RLock()
	if time.Since(r.fetchedAt) < r.ttl {
		fences := r.fences
		r.mu.RUnlock()
		return fences, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	if time.Since(r.fetchedAt) < r.ttl {
		return r.fences, nil
	}

	fences, err := r.source.ListGeofences(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("geofence registry refresh failed: %w", err)
	}
	r.fences = fences
	r.fetchedAt = time.Now()
	metrics.RegistryRefreshes.Add(1)
	return fences, nil
}

// Invalidate forces the next Active call to reload.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
	log.Debug().Str("component", "geofence").Msg("registry cache invalidated")
}
