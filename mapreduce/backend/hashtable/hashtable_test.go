package hashtable

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/mrtest"
)

func TestHashTable(t *testing.T) {
	mrtest.RunBackendSuite(t, func(t *testing.T, shards int) mapreduce.Backend[*mrtest.Record] {
		return New[*mrtest.Record](mrtest.Ops{}, shards, 16)
	})
}

func TestHashTableParallelInsert(t *testing.T) {
	ctx := context.Background()
	b := New[*mrtest.Record](mrtest.Ops{}, 1, 0)
	defer b.Close()

	// several grains, keys repeat across grains
	buf := mapreduce.NewRecordBuffer[*mrtest.Record](mrtest.Ops{}, 1000)
	for i := range 1000 {
		_, err := buf.Append([]byte(fmt.Sprintf("k%d", i%37)), 1)
		require.NoError(t, err)
	}
	require.NoError(t, b.Consume(ctx, 0, buf))
	require.Equal(t, 37, b.Len())
}

func TestHashTableRoundRobinDrain(t *testing.T) {
	ctx := context.Background()
	b := New[*mrtest.Record](mrtest.Ops{}, 1, 4)
	defer b.Close()

	buf := mapreduce.NewRecordBuffer[*mrtest.Record](mrtest.Ops{}, 50)
	for i := range 50 {
		_, err := buf.Append([]byte(fmt.Sprintf("key-%d", i)), i)
		require.NoError(t, err)
	}
	require.NoError(t, b.Consume(ctx, 0, buf))
	require.NoError(t, b.Seal(ctx))

	const workers = 3
	parts := make([]*mapreduce.Results[*mrtest.Record], workers)
	for w := range workers {
		parts[w] = mapreduce.NewResults[*mrtest.Record](mrtest.Ops{})
		require.NoError(t, b.Drain(ctx, w, workers, 7, parts[w]))
	}

	seen := map[string]bool{}
	for w, part := range parts {
		// 50 entries over 3 workers: 17, 17, 16
		require.InDelta(t, 50/workers, part.Len(), 1, "worker %d", w)
		for _, r := range part.Records() {
			require.False(t, seen[string(r.Key)])
			seen[string(r.Key)] = true
		}
	}
	require.Len(t, seen, 50)
}

type countingOps struct {
	mrtest.Ops
	destroyed *atomic.Int64
}

func (o countingOps) Destroy(r *mrtest.Record) {
	o.destroyed.Add(1)
	o.Ops.Destroy(r)
}

func TestHashTableDrainBeforeSeal(t *testing.T) {
	b := New[*mrtest.Record](mrtest.Ops{}, 1, 0)
	defer b.Close()

	err := b.Drain(context.Background(), 0, 1, 10, mapreduce.NewResults[*mrtest.Record](mrtest.Ops{}))
	require.ErrorIs(t, err, mapreduce.ErrUnknownPhase)
}

func TestHashTableCloseDestroysUndrained(t *testing.T) {
	ctx := context.Background()
	ops := countingOps{destroyed: &atomic.Int64{}}
	b := New[*mrtest.Record](ops, 1, 4)

	buf := mapreduce.NewRecordBuffer[*mrtest.Record](mrtest.Ops{}, 10)
	for i := range 10 {
		_, err := buf.Append([]byte(fmt.Sprintf("key-%d", i)), 1)
		require.NoError(t, err)
	}
	require.NoError(t, b.Consume(ctx, 0, buf))
	require.NoError(t, b.Seal(ctx))

	// only the first of two workers drains
	drained := mapreduce.NewResults[*mrtest.Record](mrtest.Ops{})
	require.NoError(t, b.Drain(ctx, 0, 2, 10, drained))
	require.Equal(t, 5, drained.Len())

	require.NoError(t, b.Close())
	require.EqualValues(t, 5, ops.destroyed.Load())
	for _, r := range drained.Records() {
		require.NotNil(t, r.Key)
	}
}
