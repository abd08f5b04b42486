// Package extsort aggregates records with an external sort: buffers are
// serialized into sort lines keyed by the record key, sorted by pkg/sorter
// and merged while reading the sorted output, where equal keys are
// adjacent.
package extsort

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/pkg/caller"
	"github.com/tymbaca/multicore-mapreduce/pkg/sorter"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

const (
	DefaultChunkSize = 4 << 20
	// outstanding serialized regions per core
	regionsPerCore = 10
)

type Options struct {
	// Outstanding bounds the serialized regions waiting for the sorter.
	// Zero means 10 per core.
	Outstanding int64
	// ChunkSize is the initial size of the buffer sorted records are read
	// into during finalize.
	ChunkSize int
	Sorter    sorter.Options
}

type Backend[R any] struct {
	ops    mapreduce.Operations[R]
	shards int
	opts   Options

	sorter  *sorter.Sorter
	regions *semaphore.Weighted
	queue   chan []byte
	// per shard serialization scratch
	scratch [][]byte

	released   chan struct{}
	failed     chan struct{}
	failOnce   sync.Once
	releaseErr error

	mu         sync.Mutex
	sealed     bool
	allRead    bool
	pending    R
	hasPending bool
}

var _ mapreduce.Backend[int] = (*Backend[int])(nil)

// New creates the backend and starts the goroutine that releases serialized
// regions to the sorter in submission order.
func New[R any](ops mapreduce.Operations[R], shards int, opts Options) *Backend[R] {
	if opts.Outstanding <= 0 {
		opts.Outstanding = int64(runtime.GOMAXPROCS(0) * regionsPerCore)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.Sorter.Sep = '\t'
	opts.Sorter.Delim = '\n'

	b := &Backend[R]{
		ops:      ops,
		shards:   shards,
		opts:     opts,
		sorter:   sorter.New(opts.Sorter),
		regions:  semaphore.NewWeighted(opts.Outstanding),
		queue:    make(chan []byte, opts.Outstanding),
		scratch:  make([][]byte, shards),
		released: make(chan struct{}),
		failed:   make(chan struct{}),
	}

	go b.release()

	return b
}

func (b *Backend[R]) Shards() int { return b.shards }

func (b *Backend[R]) release() {
	defer close(b.released)

	for region := range b.queue {
		if b.releaseErr == nil {
			if err := b.sorter.ReleaseRecs(region); err != nil {
				b.fail(err)
			}
		}
		b.regions.Release(1)
	}
}

func (b *Backend[R]) fail(err error) {
	b.failOnce.Do(func() {
		slog.Error("extsort: sort engine failed", "error", err)
		b.releaseErr = err
		close(b.failed)
	})
}

// Consume serializes the buffer into one region of sort lines and queues it
// for the releaser. It blocks while Options.Outstanding regions are queued.
func (b *Backend[R]) Consume(ctx context.Context, shard int, buf *mapreduce.RecordBuffer[R]) error {
	if err := b.regions.Acquire(ctx, 1); err != nil {
		return err
	}

	var region []byte
	for _, r := range buf.Records() {
		size := b.ops.SerializedSize(r)
		if cap(b.scratch[shard]) < size {
			b.scratch[shard] = make([]byte, size)
		}
		n, err := b.ops.Serialize(r, b.scratch[shard][:size])
		if err != nil {
			b.regions.Release(1)
			return fmt.Errorf("serialize for shard %d: %w", shard, err)
		}
		region = appendLine(region, b.ops.Key(r), b.scratch[shard][:n])
	}

	select {
	case <-b.failed:
		b.regions.Release(1)
		return fmt.Errorf("%w: %w", mapreduce.ErrSortEngine, b.releaseErr)
	case <-ctx.Done():
		b.regions.Release(1)
		return ctx.Err()
	case b.queue <- region:
		return nil
	}
}

// Seal waits for the releaser and ends the release phase of the sorter.
func (b *Backend[R]) Seal(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil
	}
	b.sealed = true

	close(b.queue)
	<-b.released

	if b.releaseErr != nil {
		_ = b.sorter.Close()
		return fmt.Errorf("%w: %w", mapreduce.ErrSortEngine, b.releaseErr)
	}
	if err := b.sorter.ReleaseEnd(); err != nil {
		_ = b.sorter.Close()
		return fmt.Errorf("%w: %w", mapreduce.ErrSortEngine, err)
	}

	stats := b.sorter.Stats()
	slog.Debug("extsort: sealed", "records", stats.Records, "bytes", stats.Bytes, "runs", stats.Runs)

	return nil
}

// Drain pulls sorted chunks until the sorter is exhausted. Partitions do not
// apply: whoever holds the sorter reads the next chunk. The last record of
// every chunk is held back, its key may continue in the next chunk.
func (b *Backend[R]) Drain(ctx context.Context, worker, workers, batch int, sink mapreduce.Sink[R]) error {
	ctx, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	chunk := make([]byte, b.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		recs, done, err := b.next(&chunk)
		if err != nil {
			span.RecordError(err)
			return err
		}

		for lo := 0; lo < len(recs); lo += batch {
			if err := sink.Append(recs[lo:min(lo+batch, len(recs))]); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// next reads one chunk and returns its deduplicated records.
func (b *Backend[R]) next(chunk *[]byte) (recs []R, done bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.sealed {
		return nil, true, fmt.Errorf("drain before seal: %w", mapreduce.ErrUnknownPhase)
	}
	if b.allRead {
		return nil, true, nil
	}

	n, err := b.sorter.ReturnRecs(*chunk)
	for errors.Is(err, io.ErrShortBuffer) {
		*chunk = make([]byte, 2*len(*chunk))
		n, err = b.sorter.ReturnRecs(*chunk)
	}
	if errors.Is(err, io.EOF) {
		b.allRead = true
		stats := b.sorter.Stats()
		slog.Info("extsort: all records read", "records", stats.Records, "returned", stats.Returned, "runs", stats.Runs)
		if err := b.sorter.Close(); err != nil {
			slog.Warn("extsort: remove run files", "error", err)
		}

		if b.hasPending {
			b.hasPending = false
			return []R{b.pending}, true, nil
		}
		return nil, true, nil
	}
	if err != nil {
		b.allRead = true
		_ = b.sorter.Close()
		return nil, true, fmt.Errorf("%w: %w", mapreduce.ErrSortEngine, err)
	}

	var unescaped []byte
	data := (*chunk)[:n]
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		line := data[:i+1]
		data = data[i+1:]

		field, err := splitLine(line)
		if err != nil {
			return nil, true, err
		}
		unescaped, err = appendUnescaped(unescaped[:0], field)
		if err != nil {
			return nil, true, err
		}

		r := b.ops.Create()
		if _, err := b.ops.Deserialize(r, unescaped); err != nil {
			b.ops.Destroy(r)
			return nil, true, err
		}

		if !b.hasPending {
			b.pending, b.hasPending = r, true
			continue
		}
		if b.ops.SameKey(b.pending, r) {
			err := b.ops.Merge(b.pending, r)
			b.ops.Destroy(r)
			if err != nil {
				return nil, true, err
			}
			continue
		}
		recs = append(recs, b.pending)
		b.pending = r
	}

	return recs, false, nil
}

// Close stops the releaser if Seal was never called and removes the sort
// run files.
func (b *Backend[R]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.sealed {
		b.sealed = true
		b.allRead = true
		close(b.queue)
		<-b.released
	}
	if b.hasPending {
		b.ops.Destroy(b.pending)
		b.hasPending = false
	}

	return b.sorter.Close()
}
