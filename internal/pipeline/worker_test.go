package pipeline

import (
	"context"
	"testing"
	"time"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/events"
)

type memLive struct {
	updates []string
}

func (l *memLive) UpdateLiveState(_ context.Context, p *domain.LocationPing) error {
	l.updates = append(l.updates, p.UserID)
	return nil
}

type countStage struct{ n int }

func (s *countStage) Process(context.Context, *domain.LocationPing) error { s.n++; return nil }
func (s *countStage) Evaluate(context.Context, *domain.LocationPing)      { s.n++ }
func (s *countStage) Observe(context.Context, *domain.LocationPing)       { s.n++ }

func workerPing(userID string, at time.Time) *domain.LocationPing {
	return &domain.LocationPing{
		UserID:     userID,
		CapturedAt: at,
		Latitude:   8.7139,
		Longitude:  77.7567,
	}
}

func newTestWorker(live *memLive, gf, hl, vs *countStage, dbChan chan *domain.LocationPing) *Worker {
	return NewWorker(live, gf, hl, vs, events.NewBus(), dbChan)
}

func TestWorkerRunsAllStages(t *testing.T) {
	live := &memLive{}
	gf, hl, vs := &countStage{}, &countStage{}, &countStage{}
	dbChan := make(chan *domain.LocationPing, 10)
	w := newTestWorker(live, gf, hl, vs, dbChan)

	w.Process(context.Background(), workerPing("u1", time.Now()))

	if len(live.updates) != 1 || gf.n != 1 || hl.n != 1 || vs.n != 1 {
		t.Fatalf("stage calls live=%d gf=%d hl=%d vs=%d, want 1 each",
			len(live.updates), gf.n, hl.n, vs.n)
	}
	if len(dbChan) != 1 {
		t.Fatalf("db channel len = %d, want 1", len(dbChan))
	}
}

func TestWorkerDropsDuplicates(t *testing.T) {
	live := &memLive{}
	gf, hl, vs := &countStage{}, &countStage{}, &countStage{}
	dbChan := make(chan *domain.LocationPing, 10)
	w := newTestWorker(live, gf, hl, vs, dbChan)

	at := time.Now()
	w.Process(context.Background(), workerPing("u1", at))
	w.Process(context.Background(), workerPing("u1", at))

	if gf.n != 1 {
		t.Fatalf("duplicate reached the stages: %d calls", gf.n)
	}
}

func TestWorkerDropsOutOfOrder(t *testing.T) {
	live := &memLive{}
	gf, hl, vs := &countStage{}, &countStage{}, &countStage{}
	dbChan := make(chan *domain.LocationPing, 10)
	w := newTestWorker(live, gf, hl, vs, dbChan)

	at := time.Now()
	w.Process(context.Background(), workerPing("u1", at))
	w.Process(context.Background(), workerPing("u1", at.Add(-time.Minute)))
	w.Process(context.Background(), workerPing("u1", at.Add(time.Minute)))

	if gf.n != 2 {
		t.Fatalf("stage calls = %d, want 2 (regression dropped)", gf.n)
	}
}

func TestWorkerOrderingIsPerUser(t *testing.T) {
	live := &memLive{}
	gf, hl, vs := &countStage{}, &countStage{}, &countStage{}
	dbChan := make(chan *domain.LocationPing, 10)
	w := newTestWorker(live, gf, hl, vs, dbChan)

	at := time.Now()
	w.Process(context.Background(), workerPing("u1", at))
	// Older timestamp, different user: independent clock, must pass.
	w.Process(context.Background(), workerPing("u2", at.Add(-time.Minute)))

	if gf.n != 2 {
		t.Fatalf("stage calls = %d, want 2 across users", gf.n)
	}
}

func TestDispatcherShardsAreSticky(t *testing.T) {
	for _, user := range []string{"u1", "EMP-1001", "someone-long"} {
		first := shardIndex(user, 8)
		for i := 0; i < 10; i++ {
			if got := shardIndex(user, 8); got != first {
				t.Fatalf("shard for %s changed: %d vs %d", user, got, first)
			}
		}
	}
}

func TestDispatcherShedsWhenFull(t *testing.T) {
	live := &memLive{}
	gf, hl, vs := &countStage{}, &countStage{}, &countStage{}
	dbChan := make(chan *domain.LocationPing, 1)
	w := newTestWorker(live, gf, hl, vs, dbChan)

	// One shard with capacity 1 and no running worker: second dispatch sheds.
	d := NewDispatcher(1, 1, w)
	if ok := d.Dispatch(workerPing("u1", time.Now())); !ok {
		t.Fatal("first dispatch should fit")
	}
	if ok := d.Dispatch(workerPing("u1", time.Now().Add(time.Second))); ok {
		t.Fatal("second dispatch should shed on a full shard")
	}
}
