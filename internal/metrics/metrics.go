package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	PingsReceived   atomic.Int64
	PingsRejected   atomic.Int64
	PingsStale      atomic.Int64
	PingsOutOfOrder atomic.Int64
	PingsDuplicate  atomic.Int64
	ShardDrops      atomic.Int64

	DBWriteSuccess  atomic.Int64
	DBWriteFailures atomic.Int64
	DBChannelDrops  atomic.Int64

	GeofenceEvents    atomic.Int64
	GeofenceSkips     atomic.Int64
	RegistryRefreshes atomic.Int64

	VisitsClosed      atomic.Int64
	VisitsDiscarded   atomic.Int64
	AlertsRaised      atomic.Int64
	AlertsResolved    atomic.Int64
	RuleFirings       atomic.Int64
	RuleFailures      atomic.Int64
	NotificationsSent atomic.Int64
	NotificationsFail atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "fieldtrack_pings_received_total %d\n", PingsReceived.Load())
	fmt.Fprintf(w, "fieldtrack_pings_rejected_total %d\n", PingsRejected.Load())
	fmt.Fprintf(w, "fieldtrack_pings_stale_total %d\n", PingsStale.Load())
	fmt.Fprintf(w, "fieldtrack_pings_out_of_order_total %d\n", PingsOutOfOrder.Load())
	fmt.Fprintf(w, "fieldtrack_pings_duplicate_total %d\n", PingsDuplicate.Load())
	fmt.Fprintf(w, "fieldtrack_shard_drops_total %d\n", ShardDrops.Load())
	fmt.Fprintf(w, "fieldtrack_db_write_success_total %d\n", DBWriteSuccess.Load())
	fmt.Fprintf(w, "fieldtrack_db_write_failures_total %d\n", DBWriteFailures.Load())
	fmt.Fprintf(w, "fieldtrack_db_channel_drops_total %d\n", DBChannelDrops.Load())
	fmt.Fprintf(w, "fieldtrack_geofence_events_total %d\n", GeofenceEvents.Load())
	fmt.Fprintf(w, "fieldtrack_geofence_skips_total %d\n", GeofenceSkips.Load())
	fmt.Fprintf(w, "fieldtrack_registry_refreshes_total %d\n", RegistryRefreshes.Load())
	fmt.Fprintf(w, "fieldtrack_visits_closed_total %d\n", VisitsClosed.Load())
	fmt.Fprintf(w, "fieldtrack_visits_discarded_total %d\n", VisitsDiscarded.Load())
	fmt.Fprintf(w, "fieldtrack_alerts_raised_total %d\n", AlertsRaised.Load())
	fmt.Fprintf(w, "fieldtrack_alerts_resolved_total %d\n", AlertsResolved.Load())
	fmt.Fprintf(w, "fieldtrack_rule_firings_total %d\n", RuleFirings.Load())
	fmt.Fprintf(w, "fieldtrack_rule_failures_total %d\n", RuleFailures.Load())
	fmt.Fprintf(w, "fieldtrack_notifications_sent_total %d\n", NotificationsSent.Load())
	fmt.Fprintf(w, "fieldtrack_notifications_failed_total %d\n", NotificationsFail.Load())
}
