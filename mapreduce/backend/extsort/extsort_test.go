package extsort

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/mrtest"
	"github.com/tymbaca/multicore-mapreduce/pkg/sorter"
)

func TestExtSort(t *testing.T) {
	mrtest.RunBackendSuite(t, func(t *testing.T, shards int) mapreduce.Backend[*mrtest.Record] {
		return New[*mrtest.Record](mrtest.Ops{}, shards, Options{
			Outstanding: 4,
			Sorter:      sorter.Options{TempDir: t.TempDir()},
		})
	})
}

func TestExtSortSpillsAndSmallChunks(t *testing.T) {
	// tiny memory limit and chunk size force run files and keys spanning
	// chunk boundaries
	mrtest.RunBackendSuite(t, func(t *testing.T, shards int) mapreduce.Backend[*mrtest.Record] {
		return New[*mrtest.Record](mrtest.Ops{}, shards, Options{
			Outstanding: 2,
			ChunkSize:   16,
			Sorter:      sorter.Options{TempDir: t.TempDir(), MemoryLimit: 256},
		})
	})
}

func TestExtSortKeysWithSeparators(t *testing.T) {
	ctx := context.Background()
	b := New[*mrtest.Record](mrtest.Ops{}, 1, Options{Sorter: sorter.Options{TempDir: t.TempDir()}})
	defer b.Close()

	keys := []string{"tab\tkey", "new\nline", `back\slash`, "tab\tkey", "plain"}
	buf := mapreduce.NewRecordBuffer[*mrtest.Record](mrtest.Ops{}, len(keys))
	for _, k := range keys {
		_, err := buf.Append([]byte(k), 1)
		require.NoError(t, err)
	}
	require.NoError(t, b.Consume(ctx, 0, buf))
	require.NoError(t, b.Seal(ctx))

	results := mapreduce.NewResults[*mrtest.Record](mrtest.Ops{})
	require.NoError(t, b.Drain(ctx, 0, 1, 100, results))
	require.Equal(t, 4, results.Len())

	r, ok := results.Lookup([]byte("tab\tkey"))
	require.True(t, ok)
	require.EqualValues(t, 2, r.Count)

	// everything was read, a second drain yields nothing
	again := mapreduce.NewResults[*mrtest.Record](mrtest.Ops{})
	require.NoError(t, b.Drain(ctx, 1, 2, 100, again))
	require.Zero(t, again.Len())
}

func TestDrainBeforeSeal(t *testing.T) {
	b := New[*mrtest.Record](mrtest.Ops{}, 1, Options{Sorter: sorter.Options{TempDir: t.TempDir()}})
	defer b.Close()

	err := b.Drain(context.Background(), 0, 1, 10, mapreduce.NewResults[*mrtest.Record](mrtest.Ops{}))
	require.ErrorIs(t, err, mapreduce.ErrUnknownPhase)
}
