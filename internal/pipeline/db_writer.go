package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// PingLog is the durable append-only ping store.
type PingLog interface {
	BatchInsertPings(ctx context.Context, pings []*domain.LocationPing) error
}

// DBWriter drains the raw-log channel into batched CopyFrom inserts.
type DBWriter struct {
	ch        <-chan *domain.LocationPing
	db        PingLog
	batchSize int
	flushMS   int
	log       zerolog.Logger
}

func NewDBWriter(
	ch <-chan *domain.LocationPing,
	db PingLog,
	batchSize int,
	flushMS int,
) *DBWriter {
	return &DBWriter{
		ch:        ch,
		db:        db,
		batchSize: batchSize,
		flushMS:   flushMS,
		log:       log.With().Str("component", "db_writer").Logger(),
	}
}

func (w *DBWriter) Run(ctx context.Context) {
	batch := make([]*domain.LocationPing, 0, w.batchSize)
	ticker := time.NewTicker(time.Duration(w.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case p, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(ctx, batch)
				}
				return
			}
			batch = append(batch, p)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(ctx, batch)
			}
			return
		}
	}
}

func (w *DBWriter) flush(ctx context.Context, batch []*domain.LocationPing) {
	err := w.db.BatchInsertPings(ctx, batch)
	if err != nil {
		w.log.Warn().Err(err).Int("batch", len(batch)).Msg("ping log write failed, retrying")
		time.Sleep(500 * time.Millisecond)
		err = w.db.BatchInsertPings(ctx, batch)
		if err != nil {
			w.log.Error().Err(err).Int("batch", len(batch)).Msg("ping log write permanently failed")
			metrics.DBWriteFailures.Add(int64(len(batch)))
			return
		}
	}
	metrics.DBWriteSuccess.Add(int64(len(batch)))
}
