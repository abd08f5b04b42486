package mapreduce

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tymbaca/multicore-mapreduce/pkg/caller"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

const (
	DefaultBufferCapacity = 100_000
	DefaultPoolMultiplier = 3

	// hashSeed matches the seed the emit path has always used, so shard
	// assignment is stable across runs.
	hashSeed = 42
)

// ManagerOptions tunes the buffering layer of a Manager.
type ManagerOptions struct {
	// BufferCapacity is the number of records per buffer, i.e. how many
	// emits a producer batches before handing a buffer to a shard worker.
	BufferCapacity int
	// PoolSize overrides the number of pooled buffers. Zero means
	// cores x shards x PoolMultiplier.
	PoolSize       int
	PoolMultiplier int
}

func (o ManagerOptions) normalized() ManagerOptions {
	n := o
	if n.BufferCapacity <= 0 {
		n.BufferCapacity = DefaultBufferCapacity
	}
	if n.PoolMultiplier <= 0 {
		n.PoolMultiplier = DefaultPoolMultiplier
	}
	return n
}

// Manager glues the buffer pool to a Backend. Producers (one per core) emit
// into their own per-shard buffers; full buffers are queued to the shard's
// worker goroutine, which feeds them to the backend and returns them to the
// pool.
type Manager[R any] struct {
	ops     Operations[R]
	backend Backend[R]
	sink    Sink[R]
	stats   *Stats
	opts    ManagerOptions

	cores  int
	shards int

	pool *BufferPool[R]
	// buffers[core*shards+shard] is only touched by the producer of core
	buffers []*RecordBuffer[R]
	queues  []chan *RecordBuffer[R]
	flushed []atomic.Bool
	active  atomic.Int32

	ctx     context.Context
	workers *errgroup.Group
	sealed  atomic.Bool
}

// NewManager allocates the pool, checks out one buffer per (core, shard) and
// starts one worker goroutine per backend shard. The workers run until every
// producer has flushed or ctx is cancelled.
func NewManager[R any](ctx context.Context, ops Operations[R], backend Backend[R], cores int, sink Sink[R], stats *Stats, opts ManagerOptions) (*Manager[R], error) {
	opts = opts.normalized()
	if cores <= 0 {
		return nil, fmt.Errorf("%w: cores must be > 0, got %d", ErrInvalidOption, cores)
	}
	shards := backend.Shards()
	if shards <= 0 {
		return nil, fmt.Errorf("%w: backend reports %d shards", ErrInvalidOption, shards)
	}

	poolSize := opts.PoolSize
	if poolSize == 0 {
		poolSize = cores * shards * opts.PoolMultiplier
	}
	if poolSize < cores*shards {
		return nil, fmt.Errorf("%w: pool %d, cores %d, shards %d", ErrPoolTooSmall, poolSize, cores, shards)
	}
	if stats == nil {
		stats = &Stats{}
	}

	m := &Manager[R]{
		ops:     ops,
		backend: backend,
		sink:    sink,
		stats:   stats,
		opts:    opts,
		cores:   cores,
		shards:  shards,
		pool:    NewBufferPool(ops, opts.BufferCapacity, poolSize),
		buffers: make([]*RecordBuffer[R], cores*shards),
		queues:  make([]chan *RecordBuffer[R], shards),
		flushed: make([]atomic.Bool, cores),
	}
	m.active.Store(int32(cores))

	for i := range m.buffers {
		buf, err := m.pool.Get(ctx)
		if err != nil {
			m.pool.Close()
			return nil, fmt.Errorf("take initial buffer: %w", err)
		}
		m.buffers[i] = buf
	}

	m.workers, m.ctx = errgroup.WithContext(ctx)
	for shard := range shards {
		// room for every pooled buffer, so submitting never blocks
		m.queues[shard] = make(chan *RecordBuffer[R], poolSize)
		m.workers.Go(func() error {
			return m.shardWorker(m.ctx, shard)
		})
	}

	slog.Debug("manager: started", "cores", cores, "shards", shards, "pool", poolSize, "buffer_capacity", opts.BufferCapacity)

	return m, nil
}

func (m *Manager[R]) Cores() int  { return m.cores }
func (m *Manager[R]) Shards() int { return m.shards }

// Pool exposes the buffer pool, mostly for tests checking its bound.
func (m *Manager[R]) Pool() *BufferPool[R] { return m.pool }

// Emit appends one pair to the buffer of (core, hash % shards). It must only
// be called by the producer that owns core.
func (m *Manager[R]) Emit(core int, key []byte, value any, hash uint32) error {
	if core < 0 || core >= m.cores {
		return fmt.Errorf("emit from core %d: %w", core, ErrUnknownCore)
	}
	if m.flushed[core].Load() {
		return fmt.Errorf("emit from core %d: %w", core, ErrMapPhaseOver)
	}

	shard := int(hash % uint32(m.shards))
	idx := core*m.shards + shard
	buf := m.buffers[idx]
	if buf == nil {
		return fmt.Errorf("emit from core %d: %w", core, ErrPoolClosed)
	}

	full, err := buf.Append(key, value)
	if err != nil {
		return fmt.Errorf("emit from core %d: %w", core, err)
	}
	m.stats.Emitted.Add(1)

	if !full {
		return nil
	}

	m.submit(shard, buf)

	next, err := m.pool.Get(m.ctx)
	if err != nil {
		m.buffers[idx] = nil
		return fmt.Errorf("replace full buffer of core %d shard %d: %w", core, shard, err)
	}
	m.buffers[idx] = next

	return nil
}

// Emitter returns the emit handle of the producer running on core. It hashes
// keys with MurmurHash3 to pick the shard.
func (m *Manager[R]) Emitter(core int) Emitter {
	return &coreEmitter[R]{m: m, core: core}
}

type coreEmitter[R any] struct {
	m    *Manager[R]
	core int
}

func (e *coreEmitter[R]) Emit(key []byte, value any) error {
	return e.m.Emit(e.core, key, value, murmur3.Sum32WithSeed(key, hashSeed))
}

// Flush hands every partially filled buffer of core to its shard. Each
// producer flushes exactly once at the end of the map phase; the last one
// to flush closes the shard queues, which lets the shard workers finish.
func (m *Manager[R]) Flush(core int) error {
	if core < 0 || core >= m.cores {
		return fmt.Errorf("flush core %d: %w", core, ErrUnknownCore)
	}
	if m.flushed[core].Swap(true) {
		return fmt.Errorf("flush core %d: %w", core, ErrAlreadyFlushed)
	}

	for shard := range m.shards {
		idx := core*m.shards + shard
		buf := m.buffers[idx]
		m.buffers[idx] = nil
		if buf == nil {
			continue
		}

		if buf.Empty() {
			_ = m.pool.Put(buf)
			continue
		}
		m.submit(shard, buf)
	}

	if m.active.Add(-1) == 0 {
		slog.Debug("manager: all producers flushed, closing shard queues")
		for _, q := range m.queues {
			close(q)
		}
	}

	return nil
}

func (m *Manager[R]) submit(shard int, buf *RecordBuffer[R]) {
	m.stats.BuffersSubmitted.Add(1)
	m.queues[shard] <- buf
}

// shardWorker waits for buffers on the shard queue, feeds each to the
// backend and returns it to the pool. It terminates once the queue is closed
// and empty.
func (m *Manager[R]) shardWorker(ctx context.Context, shard int) error {
	consumed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf, open := <-m.queues[shard]:
			if !open {
				slog.Debug("manager: shard worker done", "shard", shard, "buffers", consumed)
				return nil
			}

			err := m.consume(ctx, shard, buf)
			_ = m.pool.Put(buf)
			if err != nil {
				slog.Error("manager: shard worker failed", "shard", shard, "error", err)
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			consumed++
		}
	}
}

func (m *Manager[R]) consume(ctx context.Context, shard int, buf *RecordBuffer[R]) error {
	ctx, span := tracer.Start(ctx, caller.Name(), trace.WithAttributes(
		attribute.Int("shard", shard),
		attribute.Int("records", buf.Len()),
	))
	defer span.End()

	if err := m.backend.Consume(ctx, shard, buf); err != nil {
		span.RecordError(err)
		return err
	}
	m.stats.RecordsConsumed.Add(uint64(buf.Len()))

	return nil
}

// FinishPhase ends a phase. For the map phase it blocks until every shard
// worker has drained its queue and exited, then seals the backend. The
// finalize phase needs no extra work.
func (m *Manager[R]) FinishPhase(ctx context.Context, phase Phase) error {
	switch phase {
	case PhaseMap:
		if err := m.workers.Wait(); err != nil {
			return fmt.Errorf("map phase: %w", err)
		}
		if m.sealed.Swap(true) {
			return nil
		}
		if err := m.backend.Seal(ctx); err != nil {
			return fmt.Errorf("seal backend: %w", err)
		}
		return nil
	case PhaseFinalize:
		return nil
	default:
		return fmt.Errorf("finish phase %d: %w", phase, ErrUnknownPhase)
	}
}

// Finalize drains the backend partition of worker into the sink in batches
// of at most one buffer's capacity.
func (m *Manager[R]) Finalize(ctx context.Context, worker, workers int) error {
	ctx, span := tracer.Start(ctx, caller.Name(), trace.WithAttributes(
		attribute.Int("worker", worker),
		attribute.Int("workers", workers),
	))
	defer span.End()

	sink := countingSink[R]{Sink: m.sink, stats: m.stats}
	if err := m.backend.Drain(ctx, worker, workers, m.opts.BufferCapacity, sink); err != nil {
		span.RecordError(err)
		return fmt.Errorf("finalize worker %d: %w", worker, err)
	}

	return nil
}

// Close releases the pool and the backend.
func (m *Manager[R]) Close() error {
	m.pool.Close()
	return m.backend.Close()
}

type countingSink[R any] struct {
	Sink[R]
	stats *Stats
}

func (s countingSink[R]) Append(batch []R) error {
	if err := s.Sink.Append(batch); err != nil {
		return err
	}
	s.stats.Results.Add(uint64(len(batch)))
	return nil
}
