package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tymbaca/multicore-mapreduce/pkg/caller"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

// Runtime coordinates one MapReduce run: it splits the input, runs the map
// tasks on a worker pool, waits for the aggregation backend to absorb every
// emitted pair and drains the merged records into the results.
//
// A Runtime runs once. Reset prepares it for another run with a new backend.
type Runtime[R any] struct {
	ops     Operations[R]
	backend Backend[R]
	cfg     *runtimeConfig
	stats   *Stats

	workers *ants.Pool

	mu      sync.Mutex
	clean   bool
	sink    Sink[R]
	manager *Manager[R]
	runID   uuid.UUID
}

// New creates a runtime with one pooled worker per core.
func New[R any](ops Operations[R], backend Backend[R], opts ...Option) (*Runtime[R], error) {
	if ops == nil || backend == nil {
		return nil, fmt.Errorf("%w: record operations and backend are required", ErrInvalidOption)
	}

	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	workers, err := ants.NewPool(cfg.cores, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Runtime[R]{
		ops:     ops,
		backend: backend,
		cfg:     cfg,
		stats:   &Stats{},
		workers: workers,
		clean:   true,
	}, nil
}

// StreamTo makes the next run hand merged records to sink instead of keeping
// them in memory. The Results returned by Run are then empty and Job.Less is
// ignored.
func (rt *Runtime[R]) StreamTo(sink Sink[R]) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.sink = sink
}

func (rt *Runtime[R]) Stats() *Stats    { return rt.stats }
func (rt *Runtime[R]) Cores() int       { return rt.cfg.cores }
func (rt *Runtime[R]) RunID() uuid.UUID { return rt.runID }

// Run executes job. It returns ErrAlreadyRun if the runtime was already used
// and not Reset.
func (rt *Runtime[R]) Run(ctx context.Context, job Job[R]) (_ *Results[R], err error) {
	rt.mu.Lock()
	if !rt.clean {
		rt.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	rt.clean = false
	rt.runID = uuid.New()
	sink := rt.sink
	rt.mu.Unlock()

	if job.Split == nil || job.Map == nil {
		return nil, fmt.Errorf("%w: job needs a split and a map function", ErrInvalidOption)
	}

	ctx, span := tracer.Start(ctx, caller.Name(), trace.WithAttributes(
		attribute.String("run_id", rt.runID.String()),
		attribute.Int("cores", rt.cfg.cores),
		attribute.Int("shards", rt.backend.Shards()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	log := slog.With("run_id", rt.runID.String())

	start := time.Now()
	splits, err := rt.split(ctx, job.Split)
	rt.stats.observe(&rt.stats.SplitTime, start)
	if err != nil {
		return nil, err
	}
	log.Info("runtime: input split", "splits", len(splits))

	results := NewResults(rt.ops)
	streaming := sink != nil
	if !streaming {
		sink = results
	}

	m, err := NewManager(ctx, rt.ops, rt.backend, rt.cfg.cores, sink, rt.stats, rt.cfg.manager)
	if err != nil {
		return nil, fmt.Errorf("create aggregation manager: %w", err)
	}
	rt.mu.Lock()
	rt.manager = m
	rt.mu.Unlock()

	start = time.Now()
	if err := rt.mapPhase(ctx, m, job.Map, splits); err != nil {
		return nil, err
	}
	rt.stats.observe(&rt.stats.MapTime, start)
	log.Info("runtime: map phase done", "emitted", rt.stats.Emitted.Load(), "buffers", rt.stats.BuffersSubmitted.Load())

	start = time.Now()
	if err := rt.finalizePhase(ctx, m); err != nil {
		return nil, err
	}
	rt.stats.observe(&rt.stats.FinalizeTime, start)
	log.Info("runtime: finalize phase done", "results", rt.stats.Results.Load())

	if job.Less != nil && !streaming {
		start = time.Now()
		if err := results.Sort(ctx, job.Less, rt.cfg.cores); err != nil {
			return nil, err
		}
		rt.stats.observe(&rt.stats.SortTime, start)
	}

	return results, nil
}

func (rt *Runtime[R]) split(ctx context.Context, next SplitFunc) ([]Split, error) {
	ctx, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	var splits []Split
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, ok, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("split input: %w", err)
		}
		if !ok {
			break
		}
		s.ID = len(splits)
		splits = append(splits, s)
		rt.stats.Splits.Add(1)
	}

	return splits, nil
}

// mapPhase runs one map task per core. Tasks claim splits from a shared
// counter until none are left, then flush their buffers. The phase ends once
// every shard worker has consumed its queue and the backend is sealed.
func (rt *Runtime[R]) mapPhase(ctx context.Context, m *Manager[R], mapFn MapFunc, splits []Split) error {
	ctx, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	var next atomic.Int64
	taskErr := rt.runTasks(ctx, PhaseMap, rt.cfg.cores, func(ctx context.Context, core int) (err error) {
		defer func() {
			if flushErr := m.Flush(core); flushErr != nil {
				err = errors.Join(err, flushErr)
			}
		}()

		if rt.cfg.pin {
			unpin, err := pinToCore(core)
			if err != nil {
				slog.Warn("runtime: pin map worker", "core", core, "error", err)
			} else {
				defer unpin()
			}
		}

		emit := m.Emitter(core)
		for {
			i := int(next.Add(1) - 1)
			if i >= len(splits) {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := mapFn(ctx, splits[i], emit); err != nil {
				return fmt.Errorf("map split %d on core %d: %w", splits[i].ID, core, err)
			}
			rt.stats.MapTasks.Add(1)
		}
	})

	// cores whose task was never scheduled still have to release their buffers,
	// otherwise the shard queues stay open and the barrier never returns
	for core := range m.Cores() {
		if err := m.Flush(core); err != nil && !errors.Is(err, ErrAlreadyFlushed) {
			taskErr = errors.Join(taskErr, err)
		}
	}

	if err := errors.Join(taskErr, m.FinishPhase(ctx, PhaseMap)); err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

func (rt *Runtime[R]) finalizePhase(ctx context.Context, m *Manager[R]) error {
	ctx, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	workers := max(rt.cfg.cores, m.Shards())
	err := rt.runTasks(ctx, PhaseFinalize, workers, func(ctx context.Context, worker int) error {
		return m.Finalize(ctx, worker, workers)
	})
	if err = errors.Join(err, m.FinishPhase(ctx, PhaseFinalize)); err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

// runTasks submits n tasks to the worker pool and waits for all of them.
// Submit blocks while every pooled worker is busy.
func (rt *Runtime[R]) runTasks(ctx context.Context, phase Phase, n int, task func(ctx context.Context, id int) error) error {
	errs := make([]error, n)

	var wg sync.WaitGroup
	for id := range n {
		wg.Add(1)
		err := rt.workers.Submit(func() {
			defer wg.Done()
			errs[id] = task(ctx, id)
		})
		if err != nil {
			wg.Done()
			errs[id] = fmt.Errorf("submit %s task %d: %w", phase, id, err)
		}
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Reset prepares the runtime for another run on backend. The buffer pool of
// the previous run is released; its backend is left to the caller.
func (rt *Runtime[R]) Reset(backend Backend[R]) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.manager != nil {
		rt.manager.Pool().Close()
		rt.manager = nil
	}
	rt.backend = backend
	rt.stats = &Stats{}
	rt.clean = true
}

// Close releases the worker pool, the buffer pool and the backend.
func (rt *Runtime[R]) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.workers.Release()
	if rt.manager != nil {
		rt.manager.Pool().Close()
		rt.manager = nil
	}

	return rt.backend.Close()
}
