package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "fieldtrack_user"),
		dbGetEnv("DB_PASSWORD", "fieldtrack_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "fieldtrack"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to PostgreSQL...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure PostgreSQL is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_ping_log(ctx, conn)
	step2_geofences(ctx, conn)
	step3_device_alerts(ctx, conn)
	step4_visits(ctx, conn)
	step5_workflow(ctx, conn)
	step6_notifications(ctx, conn)
	step7_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run scripts/seed_redis/seed_redis.go")
}

func step1_ping_log(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: location_pings table ────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS location_pings (
			captured_at    TIMESTAMPTZ      NOT NULL,

			-- Server receipt time; device clocks drift, received_at does not.
			received_at    TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			user_id        TEXT             NOT NULL,

			latitude       DOUBLE PRECISION NOT NULL,
			longitude      DOUBLE PRECISION NOT NULL,
			accuracy_m     DOUBLE PRECISION NOT NULL DEFAULT 0,

			battery_level  INTEGER          NOT NULL DEFAULT 0,
			gps_enabled    BOOLEAN          NOT NULL DEFAULT true,

			raw_payload    JSONB
		);
	`, "location_pings table created")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_pings_user_time
		ON location_pings (user_id, captured_at);
	`, "idx_pings_user_time (route reconstruction reads)")
}

func step2_geofences(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: geofences ───────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofences (
			id         TEXT             PRIMARY KEY,
			name       TEXT             NOT NULL,
			type       TEXT             NOT NULL,
			latitude   DOUBLE PRECISION NOT NULL,
			longitude  DOUBLE PRECISION NOT NULL,
			radius_m   DOUBLE PRECISION NOT NULL,
			is_active  BOOLEAN          NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_geofence_type CHECK (
				type IN ('office', 'client', 'warehouse', 'restricted')
			),
			CONSTRAINT chk_geofence_radius CHECK (radius_m > 0)
		);
	`, "geofences table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofence_events (
			id            BIGSERIAL   PRIMARY KEY,
			user_id       TEXT        NOT NULL,
			geofence_id   TEXT        NOT NULL,
			geofence_name TEXT        NOT NULL DEFAULT '',
			transition    TEXT        NOT NULL,
			occurred_at   TIMESTAMPTZ NOT NULL,

			CONSTRAINT chk_transition CHECK (transition IN ('enter', 'exit'))
		);
	`, "geofence_events table created")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_geofence_events_user_time
		ON geofence_events (user_id, occurred_at DESC);
	`, "idx_geofence_events_user_time")
}

func step3_device_alerts(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: device_alerts ───────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS device_alerts (
			id            TEXT        PRIMARY KEY,
			user_id       TEXT        NOT NULL,
			alert_type    TEXT        NOT NULL,
			severity      TEXT        NOT NULL,
			message       TEXT        NOT NULL DEFAULT '',
			battery_level INTEGER,
			logged_at     TIMESTAMPTZ NOT NULL,
			resolved_at   TIMESTAMPTZ,

			CONSTRAINT chk_alert_type CHECK (
				alert_type IN ('battery_low', 'battery_warning', 'gps_disabled', 'offline')
			),
			CONSTRAINT chk_severity CHECK (severity IN ('WARNING', 'CRITICAL'))
		);
	`, "device_alerts table created")

	// The alert upsert in the store targets this partial index; it is what
	// makes "at most one open alert per (user, type)" hold under concurrency.
	execOrFatal(ctx, conn, `
		CREATE UNIQUE INDEX IF NOT EXISTS uq_open_alert
		ON device_alerts (user_id, alert_type)
		WHERE resolved_at IS NULL;
	`, "uq_open_alert partial unique index")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_alerts_open
		ON device_alerts (logged_at DESC)
		WHERE resolved_at IS NULL;
	`, "idx_alerts_open (open alert listing)")
}

func step4_visits(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: visits ──────────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS visits (
			id                    BIGSERIAL        PRIMARY KEY,
			user_id               TEXT             NOT NULL,
			visit_date            TEXT             NOT NULL,
			sequence_no           INTEGER          NOT NULL,
			latitude              DOUBLE PRECISION NOT NULL,
			longitude             DOUBLE PRECISION NOT NULL,
			address               TEXT             NOT NULL DEFAULT '',
			arrival_time          TIMESTAMPTZ      NOT NULL,
			departure_time        TIMESTAMPTZ      NOT NULL,
			distance_from_prev_km DOUBLE PRECISION NOT NULL DEFAULT 0,
			client_ref            TEXT             NOT NULL DEFAULT '',
			degraded              BOOLEAN          NOT NULL DEFAULT false,

			CONSTRAINT uq_visit_sequence UNIQUE (user_id, visit_date, sequence_no)
		);
	`, "visits table created")

	// One row per finalized (user, day); written in the same transaction as
	// the day's visits so partial/degraded statuses survive later queries.
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS visit_days (
			user_id      TEXT        NOT NULL,
			visit_date   TEXT        NOT NULL,
			status       TEXT        NOT NULL,
			finalized_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CONSTRAINT pk_visit_days PRIMARY KEY (user_id, visit_date),
			CONSTRAINT chk_day_status CHECK (status IN ('complete', 'partial', 'degraded'))
		);
	`, "visit_days table created")
}

func step5_workflow(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: workflow_executions ─────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS workflow_executions (
			id           BIGSERIAL   PRIMARY KEY,
			rule_id      TEXT        NOT NULL,
			rule_name    TEXT        NOT NULL DEFAULT '',
			triggered_at TIMESTAMPTZ NOT NULL,
			success      BOOLEAN     NOT NULL,
			message      TEXT        NOT NULL DEFAULT ''
		);
	`, "workflow_executions table created")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_executions_time
		ON workflow_executions (triggered_at DESC);
	`, "idx_executions_time")
}

func step6_notifications(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: notifications ───────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT        PRIMARY KEY,
			channel         TEXT        NOT NULL,
			recipient       TEXT        NOT NULL,
			event_type      TEXT        NOT NULL,
			dedupe_key      TEXT        NOT NULL,
			payload         JSONB,
			status          TEXT        NOT NULL DEFAULT 'QUEUED',
			retry_count     INTEGER     NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			sent_at         TIMESTAMPTZ,
			error_message   TEXT        NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_status CHECK (status IN ('QUEUED', 'SENT', 'FAILED')),

			-- Idempotent enqueue: one row per triggering occurrence.
			CONSTRAINT uq_notification UNIQUE (event_type, recipient, dedupe_key)
		);
	`, "notifications table created")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_notifications_due
		ON notifications (next_attempt_at)
		WHERE status IN ('QUEUED', 'FAILED');
	`, "idx_notifications_due (delivery worker claim)")
}

func step7_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 7: Verification ────────────────────────")

	tables := []string{
		"location_pings", "geofences", "geofence_events",
		"device_alerts", "visits", "visit_days",
		"workflow_executions", "notifications",
	}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE indexname LIKE 'idx_%' OR indexname LIKE 'uq_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
