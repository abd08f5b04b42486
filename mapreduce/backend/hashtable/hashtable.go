// Package hashtable aggregates records in one lock-striped hash map shared by
// every shard worker.
package hashtable

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

const (
	DefaultStripes = 256
	// grain is the number of records one insert task handles.
	grain = 100
)

type Backend[R any] struct {
	ops         mapreduce.Operations[R]
	shards      int
	parallelism int
	stripes     []stripe[R]

	// set by Seal: offsets[i] is the global position of the first entry of
	// stripe i
	offsets []int
	total   int

	mu      sync.Mutex
	drained map[int]bool
	// worker count of the first Drain
	workers int
}

type stripe[R any] struct {
	mu    sync.Mutex
	index map[string]int
	// insertion order, frozen after Seal
	recs []R
}

var _ mapreduce.Backend[int] = (*Backend[int])(nil)

// New creates a backend accepting buffers on shards queues. stripes <= 0
// uses DefaultStripes.
func New[R any](ops mapreduce.Operations[R], shards, stripes int) *Backend[R] {
	if stripes <= 0 {
		stripes = DefaultStripes
	}

	b := &Backend[R]{
		ops:         ops,
		shards:      shards,
		parallelism: runtime.GOMAXPROCS(0),
		stripes:     make([]stripe[R], stripes),
		drained:     make(map[int]bool),
	}
	for i := range b.stripes {
		b.stripes[i].index = make(map[string]int)
	}

	return b
}

func (b *Backend[R]) Shards() int { return b.shards }

// Consume inserts the buffer in ranges of grain records processed in
// parallel.
func (b *Backend[R]) Consume(ctx context.Context, shard int, buf *mapreduce.RecordBuffer[R]) error {
	recs := buf.Records()

	if len(recs) <= grain {
		return b.insert(recs)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for lo := 0; lo < len(recs); lo += grain {
		part := recs[lo:min(lo+grain, len(recs))]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return b.insert(part)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("insert buffer of shard %d: %w", shard, err)
	}

	return nil
}

// insert merges into the stored record on a hit and stores a copy on a miss.
func (b *Backend[R]) insert(recs []R) error {
	for _, r := range recs {
		key := b.ops.Key(r)
		s := &b.stripes[xxh3.Hash(key)%uint64(len(b.stripes))]

		s.mu.Lock()
		if i, ok := s.index[string(key)]; ok {
			err := b.ops.Merge(s.recs[i], r)
			s.mu.Unlock()
			if err != nil {
				return fmt.Errorf("merge %q: %w", key, err)
			}
			continue
		}

		fresh := b.ops.Create()
		b.ops.SetKey(fresh, key)
		b.ops.SetValue(fresh, b.ops.Value(r))
		s.index[string(key)] = len(s.recs)
		s.recs = append(s.recs, fresh)
		s.mu.Unlock()
	}

	return nil
}

// Seal freezes the iteration order of the table.
func (b *Backend[R]) Seal(ctx context.Context) error {
	b.offsets = make([]int, len(b.stripes))
	total := 0
	for i := range b.stripes {
		b.offsets[i] = total
		total += len(b.stripes[i].recs)
	}
	b.total = total

	slog.Debug("hashtable: sealed", "keys", total, "stripes", len(b.stripes))

	return nil
}

// Drain hands over every entry whose position in the frozen order is
// congruent to worker modulo workers.
func (b *Backend[R]) Drain(ctx context.Context, worker, workers, batch int, sink mapreduce.Sink[R]) error {
	if b.offsets == nil {
		return fmt.Errorf("drain before seal: %w", mapreduce.ErrUnknownPhase)
	}

	b.mu.Lock()
	done := b.drained[worker]
	b.drained[worker] = true
	if b.workers == 0 {
		b.workers = workers
	}
	b.mu.Unlock()
	if done {
		return nil
	}

	out := make([]R, 0, batch)
	for si := range b.stripes {
		s := &b.stripes[si]

		// first local index whose global position belongs to worker
		first := (worker - b.offsets[si]%workers + workers) % workers
		for i := first; i < len(s.recs); i += workers {
			out = append(out, s.recs[i])
			if len(out) == batch {
				if err := sink.Append(out); err != nil {
					return err
				}
				out = out[:0]
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
	}

	if len(out) > 0 {
		return sink.Append(out)
	}

	return nil
}

// Len reports the number of distinct keys.
func (b *Backend[R]) Len() int {
	n := 0
	for i := range b.stripes {
		b.stripes[i].mu.Lock()
		n += len(b.stripes[i].recs)
		b.stripes[i].mu.Unlock()
	}
	return n
}

// Close destroys the records no worker drained and drops the table. Records
// already drained belong to the sink.
func (b *Backend[R]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for si := range b.stripes {
		s := &b.stripes[si]
		for i, r := range s.recs {
			if b.workers > 0 && b.drained[(b.offsets[si]+i)%b.workers] {
				continue
			}
			b.ops.Destroy(r)
		}
		s.index = nil
		s.recs = nil
	}
	return nil
}
