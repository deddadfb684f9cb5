// Package ordered processes envelopes sharing a partition key serially,
// while letting envelopes on different keys interleave freely across a
// fixed pool of worker goroutines.
//
// Grounded on the library's sync.RWMutex-guarded map style (seen in
// pkg/cache/adapters/memory/memory.go) and EricLarwa's mutex-guarded
// per-partition offset counter, applied here to a per-partition sequence
// counter instead.
package ordered

import (
	"context"
	"sync"

	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/logger"
	"github.com/lattice-events/eventcore/pkg/partition"
)

// Handler processes one envelope. A returned error is logged but never
// halts the owning partition's worker.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type work struct {
	env     *envelope.Envelope
	handler Handler
}

type partitionQueue struct {
	mu    sync.Mutex
	seq   int64
	items chan work
}

// Config configures the processor's worker pool.
type Config struct {
	TotalPartitions int `env:"ORDERED_TOTAL_PARTITIONS" env-default:"16"`
	QueueDepth      int `env:"ORDERED_QUEUE_DEPTH" env-default:"1000"`
}

// Processor assigns envelopes to partitions by key and processes each
// partition's queue strictly in submission order.
type Processor struct {
	cfg        Config
	partitions []*partitionQueue
	wg         sync.WaitGroup
}

// New starts cfg.TotalPartitions worker goroutines and returns a ready
// Processor. Call Shutdown to stop them.
func New(cfg Config) *Processor {
	if cfg.TotalPartitions <= 0 {
		cfg.TotalPartitions = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1000
	}

	p := &Processor{cfg: cfg}
	p.partitions = make([]*partitionQueue, cfg.TotalPartitions)
	for i := range p.partitions {
		pq := &partitionQueue{items: make(chan work, cfg.QueueDepth)}
		p.partitions[i] = pq
		p.wg.Add(1)
		go p.runWorker(pq)
	}
	return p
}

func (p *Processor) runWorker(pq *partitionQueue) {
	defer p.wg.Done()
	for w := range pq.items {
		if err := w.handler(context.Background(), w.env); err != nil {
			logger.L().Error("ordered handler failed", "envelope_id", w.env.ID, "error", err)
		}
	}
}

// Submit enqueues env for handler on the partition derived from
// env.PartitionKey(). Exempt event types with no key in their data
// resolve to their tenant_id there, so they share one partition per
// tenant; the envelope's own id is used as the key only when
// PartitionKey returns an error.
func (p *Processor) Submit(env *envelope.Envelope, handler Handler) error {
	key, err := env.PartitionKey()
	if err != nil {
		key = env.ID
	}

	pid := partition.Assign(key, len(p.partitions))
	pq := p.partitions[pid]

	pq.mu.Lock()
	pq.seq++
	pq.mu.Unlock()

	pq.items <- work{env: env, handler: handler}
	return nil
}

// Shutdown closes every partition's queue and waits for in-flight and
// already-enqueued handlers to finish, or ctx to be canceled.
func (p *Processor) Shutdown(ctx context.Context) error {
	for _, pq := range p.partitions {
		close(pq.items)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
