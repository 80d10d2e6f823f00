package workflow

import (
	"context"
	"fmt"
	"time"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// OfflineAlertResolver is the slice of the alert store the built-in
// resolve_offline_alerts operation needs.
type OfflineAlertResolver interface {
	ResolveAllAlertsOfType(ctx context.Context, t domain.AlertType, at time.Time) (int, error)
}

// ResolveOfflineAlertsOp builds the auto operation that closes every open
// offline alert, typically wired to a morning time rule.
func ResolveOfflineAlertsOp(store OfflineAlertResolver) AutoOp {
	return func(ctx context.Context) (string, error) {
		n, err := store.ResolveAllAlertsOfType(ctx, domain.AlertOffline, time.Now().UTC())
		if err != nil {
			return "", err
		}
		metrics.AlertsResolved.Add(int64(n))
		return fmt.Sprintf("resolved %d offline alerts", n), nil
	}
}
