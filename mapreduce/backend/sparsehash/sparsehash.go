// Package sparsehash aggregates records in one private hash table per shard.
// A table is only written by its shard worker, so no locking is needed.
package sparsehash

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

type Backend[R any] struct {
	ops    mapreduce.Operations[R]
	tables []*table[R]
}

type table[R any] struct {
	index   map[string]int
	recs    []R
	drained atomic.Bool
}

var _ mapreduce.Backend[int] = (*Backend[int])(nil)

func New[R any](ops mapreduce.Operations[R], shards int) *Backend[R] {
	b := &Backend[R]{ops: ops, tables: make([]*table[R], shards)}
	for i := range b.tables {
		b.tables[i] = &table[R]{index: make(map[string]int)}
	}

	return b
}

func (b *Backend[R]) Shards() int { return len(b.tables) }

func (b *Backend[R]) Consume(ctx context.Context, shard int, buf *mapreduce.RecordBuffer[R]) error {
	t := b.tables[shard]

	for _, r := range buf.Records() {
		key := b.ops.Key(r)
		if i, ok := t.index[string(key)]; ok {
			if err := b.ops.Merge(t.recs[i], r); err != nil {
				return fmt.Errorf("merge %q in table %d: %w", key, shard, err)
			}
			continue
		}

		fresh := b.ops.Create()
		b.ops.SetKey(fresh, key)
		b.ops.SetValue(fresh, b.ops.Value(r))
		t.index[string(key)] = len(t.recs)
		t.recs = append(t.recs, fresh)
	}

	return nil
}

func (b *Backend[R]) Seal(ctx context.Context) error {
	keys := 0
	for _, t := range b.tables {
		keys += len(t.recs)
		// lookups are over, only the records are needed to drain
		t.index = nil
	}
	slog.Debug("sparsehash: sealed", "keys", keys, "tables", len(b.tables))

	return nil
}

// Drain hands over tables worker, worker+workers, ...
func (b *Backend[R]) Drain(ctx context.Context, worker, workers, batch int, sink mapreduce.Sink[R]) error {
	for id := worker; id < len(b.tables); id += workers {
		t := b.tables[id]
		if t.drained.Swap(true) {
			continue
		}

		for lo := 0; lo < len(t.recs); lo += batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := sink.Append(t.recs[lo:min(lo+batch, len(t.recs))]); err != nil {
				return fmt.Errorf("drain table %d: %w", id, err)
			}
		}
		t.recs = nil
	}

	return nil
}

func (b *Backend[R]) Close() error {
	for _, t := range b.tables {
		if !t.drained.Load() {
			for _, r := range t.recs {
				b.ops.Destroy(r)
			}
		}
		t.recs = nil
	}

	return nil
}
