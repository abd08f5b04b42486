// Package mergetree aggregates records in one ordered tree per shard. Every
// submitted buffer is bulk inserted into the tree of its shard, merging with
// the record already stored under the same key.
package mergetree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/pkg/caller"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

type Backend[R any] struct {
	ops    mapreduce.Operations[R]
	shards []*shard[R]
}

// shard is only touched by its shard worker during the map phase and by one
// finalize worker afterwards.
type shard[R any] struct {
	tree    mapreduce.Storage
	drained atomic.Bool

	entries  []mapreduce.Entry
	arena    []byte
	stored   R
	incoming R
}

var _ mapreduce.Backend[int] = (*Backend[int])(nil)

// New creates a backend with one shard per storage.
func New[R any](ops mapreduce.Operations[R], trees []mapreduce.Storage) *Backend[R] {
	b := &Backend[R]{ops: ops}
	for _, tree := range trees {
		b.shards = append(b.shards, &shard[R]{
			tree:     tree,
			stored:   ops.Create(),
			incoming: ops.Create(),
		})
	}

	return b
}

func (b *Backend[R]) Shards() int { return len(b.shards) }

// Consume serializes the buffer into one arena and bulk inserts it.
func (b *Backend[R]) Consume(ctx context.Context, shardID int, buf *mapreduce.RecordBuffer[R]) error {
	s := b.shards[shardID]

	size := 0
	for _, r := range buf.Records() {
		size += b.ops.SerializedSize(r)
	}
	if cap(s.arena) < size {
		s.arena = make([]byte, size)
	}
	arena := s.arena[:size]

	s.entries = s.entries[:0]
	off := 0
	for _, r := range buf.Records() {
		n, err := b.ops.Serialize(r, arena[off:])
		if err != nil {
			return fmt.Errorf("serialize into shard %d: %w", shardID, err)
		}
		s.entries = append(s.entries, mapreduce.Entry{
			Key:   b.ops.Key(r),
			Value: arena[off : off+n],
		})
		off += n
	}

	if err := s.tree.BulkInsert(ctx, s.entries, s.merge(b.ops)); err != nil {
		return fmt.Errorf("insert into shard %d: %w", shardID, err)
	}

	return nil
}

func (s *shard[R]) merge(ops mapreduce.Operations[R]) mapreduce.MergeFunc {
	return func(stored, incoming []byte) ([]byte, error) {
		if _, err := ops.Deserialize(s.stored, stored); err != nil {
			return nil, err
		}
		if _, err := ops.Deserialize(s.incoming, incoming); err != nil {
			return nil, err
		}
		if err := ops.Merge(s.stored, s.incoming); err != nil {
			return nil, err
		}

		out := make([]byte, ops.SerializedSize(s.stored))
		n, err := ops.Serialize(s.stored, out)
		if err != nil {
			return nil, err
		}

		return out[:n], nil
	}
}

func (b *Backend[R]) Seal(ctx context.Context) error {
	slog.Debug("mergetree: sealed", "shards", len(b.shards))
	return nil
}

// Drain reads the trees of shards worker, worker+workers, ... in key order.
// A shard already drained is skipped.
func (b *Backend[R]) Drain(ctx context.Context, worker, workers, batch int, sink mapreduce.Sink[R]) error {
	ctx, span := tracer.Start(ctx, caller.Name(), trace.WithAttributes(attribute.Int("worker", worker)))
	defer span.End()

	out := make([]R, 0, batch)
	for id := worker; id < len(b.shards); id += workers {
		s := b.shards[id]
		if s.drained.Swap(true) {
			continue
		}

		var after []byte
		for {
			last, more, err := s.tree.BulkRead(ctx, after, batch, func(_, value []byte) error {
				r := b.ops.Create()
				if _, err := b.ops.Deserialize(r, value); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("read shard %d: %w", id, err)
			}

			if len(out) > 0 {
				if err := sink.Append(out); err != nil {
					return err
				}
				out = out[:0]
			}

			if !more {
				break
			}
			after = last
		}
	}

	return nil
}

// Close closes every tree. Trees that can remove their files do so.
func (b *Backend[R]) Close() error {
	var errs []error
	for id, s := range b.shards {
		b.ops.Destroy(s.stored)
		b.ops.Destroy(s.incoming)

		var err error
		if d, ok := s.tree.(interface{ Destroy() error }); ok {
			err = d.Destroy()
		} else {
			err = s.tree.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close shard %d: %w", id, err))
		}
	}

	return errors.Join(errs...)
}
