package pipeline

import (
	"context"
	"hash/fnv"
	"sync"

	"fieldtrack/internal/domain"
	"fieldtrack/internal/metrics"
)

// Dispatcher partitions accepted pings across shard workers by user_id, so
// one user's pings are always processed in order by a single goroutine while
// different users proceed in parallel.
type Dispatcher struct {
	shards []chan *domain.LocationPing
	worker *Worker
	wg     sync.WaitGroup
}

func NewDispatcher(shardCount, queueSize int, worker *Worker) *Dispatcher {
	shards := make([]chan *domain.LocationPing, shardCount)
	for i := range shards {
		shards[i] = make(chan *domain.LocationPing, queueSize)
	}
	return &Dispatcher{shards: shards, worker: worker}
}

// Dispatch routes p to its user's shard without blocking. A full shard sheds
// the ping with a metric; the next reporting interval carries fresher data.
func (d *Dispatcher) Dispatch(p *domain.LocationPing) bool {
	idx := shardIndex(p.UserID, len(d.shards))
	select {
	case d.shards[idx] <- p:
		return true
	default:
		metrics.ShardDrops.Add(1)
		return false
	}
}

// Run starts one goroutine per shard and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, ch := range d.shards {
		d.wg.Add(1)
		go func(ch chan *domain.LocationPing) {
			defer d.wg.Done()
			d.worker.Run(ctx, ch)
		}(ch)
	}
	d.wg.Wait()
}

func shardIndex(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}
