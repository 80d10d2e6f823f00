package sched

import (
	"context"
	"testing"
	"time"
)

type memLocker struct {
	grant map[string]bool
}

func (l *memLocker) AcquireLock(_ context.Context, name string, _ time.Duration) (bool, error) {
	return l.grant[name], nil
}

func TestJobsRunOnlyWithLock(t *testing.T) {
	locker := &memLocker{grant: map[string]bool{"a": true, "b": false}}
	s := NewScheduler(locker, time.Minute, 50*time.Second)

	var ranA, ranB int
	s.Register("a", func(context.Context) { ranA++ })
	s.Register("b", func(context.Context) { ranB++ })

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())

	if ranA != 2 {
		t.Fatalf("job a ran %d times, want 2", ranA)
	}
	if ranB != 0 {
		t.Fatalf("job b ran %d times without the lock, want 0", ranB)
	}
}

func TestPanickingJobIsContained(t *testing.T) {
	locker := &memLocker{grant: map[string]bool{"bad": true, "good": true}}
	s := NewScheduler(locker, time.Minute, 50*time.Second)

	var ran bool
	s.Register("bad", func(context.Context) { panic("job bug") })
	s.Register("good", func(context.Context) { ran = true })

	s.RunOnce(context.Background())
	if !ran {
		t.Fatal("job after a panicking job did not run")
	}
}
