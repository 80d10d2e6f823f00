package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldtrack/internal/config"
	"fieldtrack/internal/domain"
)

// PostgresStore owns every durable artifact: the raw ping log, geofences and
// their events, visits, device alerts, workflow executions and the outbound
// notification queue.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── Ping log ────────────────────────────────────────────────

var pingColumns = []string{
	"captured_at",
	"received_at",
	"user_id",
	"latitude",
	"longitude",
	"accuracy_m",
	"battery_level",
	"gps_enabled",
	"raw_payload",
}

func (s *PostgresStore) BatchInsertPings(ctx context.Context, pings []*domain.LocationPing) error {
	if len(pings) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(pings))
	for i, p := range pings {
		rows[i] = []interface{}{
			p.CapturedAt,
			p.ReceivedAt,
			p.UserID,
			p.Latitude,
			p.Longitude,
			p.AccuracyM,
			p.BatteryLevel,
			p.GPSEnabled,
			string(p.RawPayload),
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"location_pings"},
		pingColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(pings), err)
	}

	return nil
}

// PingsBetween returns a user's pings in [from, to), ordered by captured_at.
func (s *PostgresStore) PingsBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.LocationPing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT captured_at, received_at, user_id, latitude, longitude,
		       accuracy_m, battery_level, gps_enabled
		FROM location_pings
		WHERE user_id = $1 AND captured_at >= $2 AND captured_at < $3
		ORDER BY captured_at
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("ping query failed: %w", err)
	}
	defer rows.Close()

	var pings []domain.LocationPing
	for rows.Next() {
		var p domain.LocationPing
		if err := rows.Scan(
			&p.CapturedAt, &p.ReceivedAt, &p.UserID,
			&p.Latitude, &p.Longitude, &p.AccuracyM,
			&p.BatteryLevel, &p.GPSEnabled,
		); err != nil {
			return nil, fmt.Errorf("ping scan failed: %w", err)
		}
		pings = append(pings, p)
	}
	return pings, rows.Err()
}

// ── Geofences ───────────────────────────────────────────────

func (s *PostgresStore) ListGeofences(ctx context.Context, activeOnly bool) ([]domain.Geofence, error) {
	q := `
		SELECT id, name, type, latitude, longitude, radius_m, is_active, created_at
		FROM geofences
	`
	if activeOnly {
		q += ` WHERE is_active = true`
	}
	q += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("geofence query failed: %w", err)
	}
	defer rows.Close()

	var fences []domain.Geofence
	for rows.Next() {
		var g domain.Geofence
		if err := rows.Scan(&g.ID, &g.Name, &g.Type, &g.Latitude, &g.Longitude,
			&g.RadiusM, &g.IsActive, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("geofence scan failed: %w", err)
		}
		fences = append(fences, g)
	}
	return fences, rows.Err()
}

func (s *PostgresStore) CreateGeofence(ctx context.Context, g *domain.Geofence) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geofences (id, name, type, latitude, longitude, radius_m, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.ID, g.Name, string(g.Type), g.Latitude, g.Longitude, g.RadiusM, g.IsActive, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("geofence insert failed: %w", err)
	}
	return nil
}

var ErrNotFound = errors.New("not found")

func (s *PostgresStore) UpdateGeofence(ctx context.Context, g *domain.Geofence) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE geofences
		SET name = $2, type = $3, latitude = $4, longitude = $5, radius_m = $6, is_active = $7
		WHERE id = $1
	`, g.ID, g.Name, string(g.Type), g.Latitude, g.Longitude, g.RadiusM, g.IsActive)
	if err != nil {
		return fmt.Errorf("geofence update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteGeofence(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM geofences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("geofence delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertGeofenceEvent(ctx context.Context, ev *domain.GeofenceEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geofence_events (user_id, geofence_id, geofence_name, transition, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.UserID, ev.GeofenceID, ev.Geofence, string(ev.Transition), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("geofence event insert failed: %w", err)
	}
	return nil
}

// ── Device alerts ───────────────────────────────────────────

// RaiseAlert creates the open alert for (user, type) or refreshes it if one is
// already open. Returns true when a new alert row was created. The partial
// unique index on open alerts makes this race-safe across instances.
func (s *PostgresStore) RaiseAlert(ctx context.Context, a *domain.DeviceAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var id string
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO device_alerts (id, user_id, alert_type, severity, message, battery_level, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, alert_type) WHERE resolved_at IS NULL
		DO UPDATE SET logged_at = EXCLUDED.logged_at,
		              message = EXCLUDED.message,
		              battery_level = EXCLUDED.battery_level
		RETURNING id, (xmax = 0)
	`, a.ID, a.UserID, string(a.Type), string(a.Severity), a.Message, a.BatteryLevel, a.LoggedAt).
		Scan(&id, &inserted)
	if err != nil {
		return false, fmt.Errorf("alert upsert failed: %w", err)
	}
	a.ID = id
	return inserted, nil
}

// ResolveAlert closes the open alert for (user, type), if any.
func (s *PostgresStore) ResolveAlert(ctx context.Context, userID string, t domain.AlertType, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_alerts
		SET resolved_at = $3
		WHERE user_id = $1 AND alert_type = $2 AND resolved_at IS NULL
	`, userID, string(t), at)
	if err != nil {
		return false, fmt.Errorf("alert resolve failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveAllAlertsOfType closes every open alert of one type. Returns the
// number of alerts resolved.
func (s *PostgresStore) ResolveAllAlertsOfType(ctx context.Context, t domain.AlertType, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_alerts
		SET resolved_at = $2
		WHERE alert_type = $1 AND resolved_at IS NULL
	`, string(t), at)
	if err != nil {
		return 0, fmt.Errorf("bulk alert resolve failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AcknowledgeAlert closes an alert by id regardless of type.
func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_alerts SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("alert acknowledge failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListOpenAlerts(ctx context.Context) ([]domain.DeviceAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, alert_type, severity, message, battery_level, logged_at
		FROM device_alerts
		WHERE resolved_at IS NULL
		ORDER BY logged_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("open alerts query failed: %w", err)
	}
	defer rows.Close()

	var alerts []domain.DeviceAlert
	for rows.Next() {
		var a domain.DeviceAlert
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.Severity,
			&a.Message, &a.BatteryLevel, &a.LoggedAt); err != nil {
			return nil, fmt.Errorf("alert scan failed: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) CountOpenAlerts(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_alerts WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("open alert count failed: %w", err)
	}
	return n, nil
}

// ── Visits ──────────────────────────────────────────────────

func (s *PostgresStore) InsertVisit(ctx context.Context, v *domain.Visit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO visits
			(user_id, visit_date, sequence_no, latitude, longitude, address,
			 arrival_time, departure_time, distance_from_prev_km, client_ref, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, visit_date, sequence_no) DO NOTHING
	`, v.UserID, v.Date, v.Sequence, v.Latitude, v.Longitude, v.Address,
		v.ArrivalTime, v.DepartureTime, v.DistPrevKm, v.ClientRef, v.DegradedSource)
	if err != nil {
		return fmt.Errorf("visit insert failed: %w", err)
	}
	return nil
}

// ReplaceVisitsForDay swaps a user's stored visits for one day in a single
// transaction and records the day's reconstruction status, so a partial or
// degraded outcome is served on every later query of that day.
func (s *PostgresStore) ReplaceVisitsForDay(ctx context.Context, userID, date string, status domain.DayStatus, visits []domain.Visit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM visits WHERE user_id = $1 AND visit_date = $2`, userID, date); err != nil {
		return fmt.Errorf("visit delete failed: %w", err)
	}
	for i := range visits {
		v := &visits[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO visits
				(user_id, visit_date, sequence_no, latitude, longitude, address,
				 arrival_time, departure_time, distance_from_prev_km, client_ref, degraded)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, v.UserID, v.Date, v.Sequence, v.Latitude, v.Longitude, v.Address,
			v.ArrivalTime, v.DepartureTime, v.DistPrevKm, v.ClientRef, v.DegradedSource); err != nil {
			return fmt.Errorf("visit insert failed: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO visit_days (user_id, visit_date, status, finalized_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, visit_date)
		DO UPDATE SET status = EXCLUDED.status, finalized_at = EXCLUDED.finalized_at
	`, userID, date, string(status)); err != nil {
		return fmt.Errorf("day status upsert failed: %w", err)
	}
	return tx.Commit(ctx)
}

// VisitDayStatus returns the recorded status for a finalized day. The bool is
// false when the day has not been finalized.
func (s *PostgresStore) VisitDayStatus(ctx context.Context, userID, date string) (domain.DayStatus, bool, error) {
	var st string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM visit_days WHERE user_id = $1 AND visit_date = $2`,
		userID, date).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("day status query failed: %w", err)
	}
	return domain.DayStatus(st), true, nil
}

func (s *PostgresStore) VisitsForDay(ctx context.Context, userID, date string) ([]domain.Visit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, visit_date, sequence_no, latitude, longitude, address,
		       arrival_time, departure_time, distance_from_prev_km, client_ref, degraded
		FROM visits
		WHERE user_id = $1 AND visit_date = $2
		ORDER BY sequence_no
	`, userID, date)
	if err != nil {
		return nil, fmt.Errorf("visit query failed: %w", err)
	}
	defer rows.Close()

	var visits []domain.Visit
	for rows.Next() {
		var v domain.Visit
		if err := rows.Scan(&v.UserID, &v.Date, &v.Sequence, &v.Latitude, &v.Longitude,
			&v.Address, &v.ArrivalTime, &v.DepartureTime, &v.DistPrevKm,
			&v.ClientRef, &v.DegradedSource); err != nil {
			return nil, fmt.Errorf("visit scan failed: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// MaxVisitSequence recovers the sequence counter after a restart.
func (s *PostgresStore) MaxVisitSequence(ctx context.Context, userID, date string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_no), 0) FROM visits
		WHERE user_id = $1 AND visit_date = $2
	`, userID, date).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sequence query failed: %w", err)
	}
	return seq, nil
}

// LastVisit returns the newest visit for (user, date), or nil.
func (s *PostgresStore) LastVisit(ctx context.Context, userID, date string) (*domain.Visit, error) {
	var v domain.Visit
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, visit_date, sequence_no, latitude, longitude, address,
		       arrival_time, departure_time, distance_from_prev_km, client_ref, degraded
		FROM visits
		WHERE user_id = $1 AND visit_date = $2
		ORDER BY sequence_no DESC
		LIMIT 1
	`, userID, date).Scan(&v.UserID, &v.Date, &v.Sequence, &v.Latitude, &v.Longitude,
		&v.Address, &v.ArrivalTime, &v.DepartureTime, &v.DistPrevKm,
		&v.ClientRef, &v.DegradedSource)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last visit query failed: %w", err)
	}
	return &v, nil
}

// ── Workflow executions ─────────────────────────────────────

func (s *PostgresStore) InsertExecution(ctx context.Context, ex *domain.WorkflowExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (rule_id, rule_name, triggered_at, success, message)
		VALUES ($1, $2, $3, $4, $5)
	`, ex.RuleID, ex.RuleName, ex.TriggeredAt, ex.Success, ex.Message)
	if err != nil {
		return fmt.Errorf("execution insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, limit int) ([]domain.WorkflowExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, rule_name, triggered_at, success, message
		FROM workflow_executions
		ORDER BY triggered_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("execution query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowExecution
	for rows.Next() {
		var ex domain.WorkflowExecution
		if err := rows.Scan(&ex.RuleID, &ex.RuleName, &ex.TriggeredAt, &ex.Success, &ex.Message); err != nil {
			return nil, fmt.Errorf("execution scan failed: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ── Notification queue ──────────────────────────────────────

// EnqueueNotification inserts a queue row unless its idempotency key already
// exists. Returns false when the row was a duplicate.
func (s *PostgresStore) EnqueueNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, channel, recipient, event_type, dedupe_key, payload,
			 status, retry_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'QUEUED', 0, $7, $8)
		ON CONFLICT (event_type, recipient, dedupe_key) DO NOTHING
	`, n.ID, n.Channel, n.Recipient, n.EventType, n.DedupeKey, n.Payload,
		n.CreatedAt, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("notification enqueue failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDueNotifications locks and returns rows ready to send. SKIP LOCKED
// keeps concurrent workers from double-sending; callers must finish each row
// with MarkNotificationSent or MarkNotificationFailed.
func (s *PostgresStore) ClaimDueNotifications(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications
		SET status = 'QUEUED'
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status IN ('QUEUED', 'FAILED')
			  AND retry_count < $2
			  AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, channel, recipient, event_type, dedupe_key, payload,
		          status, retry_count, next_attempt_at, created_at
	`, now, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("notification claim failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Channel, &n.Recipient, &n.EventType, &n.DedupeKey,
			&n.Payload, &n.Status, &n.RetryCount, &n.NextAttempt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notification scan failed: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = 'SENT', sent_at = $2, error_message = ''
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("notification sent update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id, errMsg string, nextAttempt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'FAILED', error_message = $2,
		    retry_count = retry_count + 1, next_attempt_at = $3
		WHERE id = $1
	`, id, errMsg, nextAttempt)
	if err != nil {
		return fmt.Errorf("notification failed update failed: %w", err)
	}
	return nil
}
