package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldtrack/internal/domain"
)

type memQueue struct {
	rows map[string]*domain.Notification
	keys map[string]bool
}

func newMemQueue() *memQueue {
	return &memQueue{
		rows: make(map[string]*domain.Notification),
		keys: make(map[string]bool),
	}
}

func (q *memQueue) EnqueueNotification(_ context.Context, n *domain.Notification) (bool, error) {
	key := n.EventType + "|" + n.Recipient + "|" + n.DedupeKey
	if q.keys[key] {
		return false, nil
	}
	q.keys[key] = true
	if n.ID == "" {
		n.ID = key
	}
	cp := *n
	cp.Status = domain.DeliveryQueued
	q.rows[cp.ID] = &cp
	return true, nil
}

func (q *memQueue) ClaimDueNotifications(_ context.Context, now time.Time, maxRetries, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	for _, n := range q.rows {
		if n.Status == domain.DeliverySent {
			continue
		}
		if n.RetryCount >= maxRetries || n.NextAttempt.After(now) {
			continue
		}
		out = append(out, *n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *memQueue) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	n := q.rows[id]
	n.Status = domain.DeliverySent
	n.SentAt = &at
	return nil
}

func (q *memQueue) MarkNotificationFailed(_ context.Context, id, errMsg string, nextAttempt time.Time) error {
	n := q.rows[id]
	n.Status = domain.DeliveryFailed
	n.ErrorMessage = errMsg
	n.RetryCount++
	n.NextAttempt = nextAttempt
	return nil
}

type memChannel struct {
	sent []string
	err  error
}

func (c *memChannel) Send(_ context.Context, _, _ string, payload []byte) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, string(payload))
	return nil
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, &memChannel{}, time.Second, 5)

	first, err := d.Enqueue(context.Background(), "broadcast", "ops", "alert-raised", "k1", "hello")
	if err != nil || !first {
		t.Fatalf("first enqueue = %v, %v", first, err)
	}
	dup, err := d.Enqueue(context.Background(), "broadcast", "ops", "alert-raised", "k1", "hello again")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if dup {
		t.Fatal("duplicate dedupe key was enqueued")
	}
	if len(q.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(q.rows))
	}
}

func TestEnqueuePayloadCarriesMessage(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, &memChannel{}, time.Second, 5)

	if _, err := d.Enqueue(context.Background(), "", "", "alert-raised", "k1", "battery low"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for _, n := range q.rows {
		var payload map[string]string
		if err := json.Unmarshal(n.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload["message"] != "battery low" {
			t.Fatalf("message = %q", payload["message"])
		}
		if payload["channel"] != "broadcast" || payload["recipient"] != "operations" {
			t.Fatalf("defaults not applied: %v", payload)
		}
	}
}

func TestDrainDeliversAndMarksSent(t *testing.T) {
	q := newMemQueue()
	ch := &memChannel{}
	d := NewDispatcher(q, ch, time.Second, 5)

	d.Enqueue(context.Background(), "broadcast", "ops", "alert-raised", "k1", "m1")
	d.DrainOnce(context.Background())

	if len(ch.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(ch.sent))
	}
	for _, n := range q.rows {
		if n.Status != domain.DeliverySent || n.SentAt == nil {
			t.Fatalf("row not marked sent: %+v", n)
		}
	}

	// A second drain must not resend.
	d.DrainOnce(context.Background())
	if len(ch.sent) != 1 {
		t.Fatalf("sent after redrain = %d, want 1", len(ch.sent))
	}
}

func TestDrainSchedulesRetryOnFailure(t *testing.T) {
	q := newMemQueue()
	ch := &memChannel{err: errors.New("gateway down")}
	d := NewDispatcher(q, ch, time.Second, 5)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	d.Enqueue(context.Background(), "broadcast", "ops", "alert-raised", "k1", "m1")
	d.DrainOnce(context.Background())

	for _, n := range q.rows {
		if n.Status != domain.DeliveryFailed || n.RetryCount != 1 {
			t.Fatalf("row after failure: %+v", n)
		}
		if !n.NextAttempt.Equal(base.Add(time.Minute)) {
			t.Fatalf("next attempt = %v, want +1m", n.NextAttempt)
		}
		if n.ErrorMessage == "" {
			t.Fatal("error message not recorded")
		}
	}

	// Not due yet: nothing claimed.
	d.DrainOnce(context.Background())
	for _, n := range q.rows {
		if n.RetryCount != 1 {
			t.Fatalf("retried before next_attempt_at: %+v", n)
		}
	}
}

func TestRetryLadderAndCap(t *testing.T) {
	want := []time.Duration{
		1 * time.Minute, 5 * time.Minute, 15 * time.Minute,
		30 * time.Minute, 60 * time.Minute, 60 * time.Minute, 60 * time.Minute,
	}
	for i, w := range want {
		if got := retryDelay(i); got != w {
			t.Fatalf("retryDelay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestMaxRetriesStopsDelivery(t *testing.T) {
	q := newMemQueue()
	ch := &memChannel{err: errors.New("gateway down")}
	d := NewDispatcher(q, ch, time.Second, 3)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.Enqueue(context.Background(), "broadcast", "ops", "alert-raised", "k1", "m1")
	for i := 0; i < 10; i++ {
		d.DrainOnce(context.Background())
		now = now.Add(2 * time.Hour)
	}

	for _, n := range q.rows {
		if n.RetryCount != 3 {
			t.Fatalf("retry count = %d, want capped at 3", n.RetryCount)
		}
	}
}
