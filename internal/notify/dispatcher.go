// Package notify owns the durable outbound message queue. Enqueueing is
// deduplicated per (event_type, recipient, dedupe_key); delivery runs in a
// background worker with bounded retries, so a channel outage never surfaces
// as an error to the workflow engine.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// Queue is the durable notification store.
type Queue interface {
	EnqueueNotification(ctx context.Context, n *domain.Notification) (bool, error)
	ClaimDueNotifications(ctx context.Context, now time.Time, maxRetries, limit int) ([]domain.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id, errMsg string, nextAttempt time.Time) error
}

// retrySchedule is the backoff ladder; index = retry_count so far.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

const claimBatchSize = 100

type Dispatcher struct {
	queue      Queue
	channel    Channel
	poll       time.Duration
	maxRetries int
	now        func() time.Time
	log        zerolog.Logger
}

func NewDispatcher(queue Queue, channel Channel, poll time.Duration, maxRetries int) *Dispatcher {
	return &Dispatcher{
		queue:      queue,
		channel:    channel,
		poll:       poll,
		maxRetries: maxRetries,
		now:        time.Now,
		log:        log.With().Str("component", "notify").Logger(),
	}
}

// Enqueue queues one message. Returns false when the idempotency key already
// exists, meaning the triggering event was already handled.
func (d *Dispatcher) Enqueue(ctx context.Context, channel, recipient, eventType, dedupeKey, message string) (bool, error) {
	if channel == "" {
		channel = "broadcast"
	}
	if recipient == "" {
		recipient = "operations"
	}
	payload, err := json.Marshal(map[string]string{
		"channel":    channel,
		"recipient":  recipient,
		"event_type": eventType,
		"message":    message,
	})
	if err != nil {
		return false, err
	}
	n := &domain.Notification{
		Channel:   channel,
		Recipient: recipient,
		EventType: eventType,
		DedupeKey: dedupeKey,
		Payload:   payload,
	}
	return d.queue.EnqueueNotification(ctx, n)
}

// Run polls for due deliveries until ctx is cancelled. Claiming uses SKIP
// LOCKED row locks, so concurrent instances never double-send.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.DrainOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// DrainOnce claims and delivers one batch of due messages.
func (d *Dispatcher) DrainOnce(ctx context.Context) {
	now := d.now()
	batch, err := d.queue.ClaimDueNotifications(ctx, now, d.maxRetries, claimBatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to claim due notifications")
		return
	}

	for _, n := range batch {
		if err := d.channel.Send(ctx, n.Channel, n.Recipient, n.Payload); err != nil {
			metrics.NotificationsFail.Add(1)
			next := now.Add(retryDelay(n.RetryCount))
			d.log.Warn().Err(err).Str("id", n.ID).Int("retry", n.RetryCount).
				Time("next_attempt", next).Msg("notification delivery failed")
			if mErr := d.queue.MarkNotificationFailed(ctx, n.ID, err.Error(), next); mErr != nil {
				d.log.Error().Err(mErr).Str("id", n.ID).Msg("failed to record delivery failure")
			}
			continue
		}
		metrics.NotificationsSent.Add(1)
		if err := d.queue.MarkNotificationSent(ctx, n.ID, d.now()); err != nil {
			d.log.Error().Err(err).Str("id", n.ID).Msg("failed to record delivery")
		}
	}
}

func retryDelay(retryCount int) time.Duration {
	if retryCount >= len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[retryCount]
}
