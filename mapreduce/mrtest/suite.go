package mrtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// Pair is one emitted key/value.
type Pair struct {
	Key   string
	Value uint64
}

// NewBackendFunc creates a fresh backend with the given number of shards.
type NewBackendFunc func(t *testing.T, shards int) mapreduce.Backend[*Record]

// Aggregation is the outcome of Aggregate.
type Aggregation struct {
	Manager *mapreduce.Manager[*Record]
	Results *mapreduce.Results[*Record]
	Stats   *mapreduce.Stats
	Workers int
}

// Sums returns the results as a key -> count map and fails the test if a
// key shows up twice.
func (a *Aggregation) Sums(t *testing.T) map[string]uint64 {
	t.Helper()

	sums := make(map[string]uint64, a.Results.Len())
	for _, r := range a.Results.Records() {
		_, dup := sums[string(r.Key)]
		require.False(t, dup, "key %q drained twice", r.Key)
		sums[string(r.Key)] = r.Count
	}

	return sums
}

// Aggregate drives a Manager over backend the way the runtime does: one
// goroutine per element of perCore emits its pairs and flushes, then the map
// phase is finished and every finalize worker drains its partition.
func Aggregate(t *testing.T, backend mapreduce.Backend[*Record], capacity int, perCore [][]Pair) *Aggregation {
	t.Helper()

	ctx := context.Background()
	stats := &mapreduce.Stats{}
	results := mapreduce.NewResults[*Record](Ops{})

	m, err := mapreduce.NewManager[*Record](ctx, Ops{}, backend, len(perCore), results, stats, mapreduce.ManagerOptions{
		BufferCapacity: capacity,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	var wg sync.WaitGroup
	errs := make([]error, len(perCore))
	for core, pairs := range perCore {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if err := m.Flush(core); err != nil && errs[core] == nil {
					errs[core] = err
				}
			}()

			emit := m.Emitter(core)
			for _, p := range pairs {
				if err := emit.Emit([]byte(p.Key), p.Value); err != nil {
					errs[core] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, m.FinishPhase(ctx, mapreduce.PhaseMap))

	workers := max(len(perCore), m.Shards())
	finalize(t, m, workers)
	require.NoError(t, m.FinishPhase(ctx, mapreduce.PhaseFinalize))

	return &Aggregation{Manager: m, Results: results, Stats: stats, Workers: workers}
}

func finalize(t *testing.T, m *mapreduce.Manager[*Record], workers int) {
	t.Helper()

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[w] = m.Finalize(context.Background(), w, workers)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

// Expected folds pairs into the sums every backend must produce.
func Expected(perCore [][]Pair) map[string]uint64 {
	want := make(map[string]uint64)
	for _, pairs := range perCore {
		for _, p := range pairs {
			want[p.Key] += p.Value
		}
	}
	return want
}

// Emitted counts the pairs of perCore.
func Emitted(perCore [][]Pair) int {
	n := 0
	for _, pairs := range perCore {
		n += len(pairs)
	}
	return n
}

// RandomPairs returns n pairs over a vocabulary of distinct keys, spread over
// cores producers.
func RandomPairs(faker *gofakeit.Faker, cores, n, distinct int) [][]Pair {
	vocab := make([]string, distinct)
	for i := range vocab {
		vocab[i] = fmt.Sprintf("%s-%d", faker.Word(), i)
	}

	perCore := make([][]Pair, cores)
	for range n {
		core := faker.IntN(cores)
		perCore[core] = append(perCore[core], Pair{
			Key:   vocab[faker.IntN(distinct)],
			Value: uint64(faker.IntRange(1, 10)),
		})
	}

	return perCore
}

// RunBackendSuite checks the properties every aggregation backend shares:
// one output record per key, merge correctness regardless of emission order,
// no data loss on flush, a bounded pool and idempotent draining.
func RunBackendSuite(t *testing.T, newBackend NewBackendFunc) {
	t.Run("small single shard", func(t *testing.T) {
		backend := newBackend(t, 1)
		agg := Aggregate(t, backend, 4, [][]Pair{{
			{"a", 1}, {"b", 1}, {"a", 1}, {"c", 1}, {"a", 1}, {"b", 1},
		}})

		require.Equal(t, map[string]uint64{"a": 3, "b": 2, "c": 1}, agg.Sums(t))
		require.Equal(t, 3, agg.Results.Len())
	})

	t.Run("exact capacity fill", func(t *testing.T) {
		backend := newBackend(t, 1)
		agg := Aggregate(t, backend, 4, [][]Pair{{
			{"w", 1}, {"x", 2}, {"y", 3}, {"z", 4},
		}})

		require.Equal(t, map[string]uint64{"w": 1, "x": 2, "y": 3, "z": 4}, agg.Sums(t))
		// the full buffer is submitted on the fourth emit, the replacement
		// stays empty and goes back to the pool on flush
		require.EqualValues(t, 1, agg.Stats.BuffersSubmitted.Load())
	})

	t.Run("keys across buffers merge once", func(t *testing.T) {
		backend := newBackend(t, 2)

		var pairs []Pair
		for i := range 50 {
			pairs = append(pairs, Pair{"hot", 1}, Pair{fmt.Sprintf("cold-%d", i%7), 2})
		}
		agg := Aggregate(t, backend, 3, [][]Pair{pairs})

		sums := agg.Sums(t)
		require.EqualValues(t, 50, sums["hot"])
		require.Len(t, sums, 8)
	})

	t.Run("permutations produce the same sums", func(t *testing.T) {
		faker := gofakeit.New(7)
		perCore := RandomPairs(faker, 4, 5_000, 300)
		want := Expected(perCore)

		for round := range 3 {
			shuffled := make([][]Pair, len(perCore))
			for core, pairs := range perCore {
				shuffled[core] = append([]Pair(nil), pairs...)
				faker.ShuffleAnySlice(shuffled[core])
			}
			// rotate which producer emits which slice
			shuffled = append(shuffled[round:], shuffled[:round]...)

			backend := newBackend(t, 3)
			agg := Aggregate(t, backend, 7, shuffled)
			require.Equal(t, want, agg.Sums(t), "round %d", round)
		}
	})

	t.Run("partial buffers are not lost", func(t *testing.T) {
		backend := newBackend(t, 3)
		perCore := [][]Pair{
			{{"p", 1}},
			{{"q", 1}, {"p", 1}},
			{},
			{{"r", 5}, {"q", 2}, {"p", 3}},
		}
		agg := Aggregate(t, backend, 100, perCore)

		require.Equal(t, Expected(perCore), agg.Sums(t))
		require.EqualValues(t, Emitted(perCore), agg.Stats.Emitted.Load())
	})

	t.Run("empty key is a key", func(t *testing.T) {
		backend := newBackend(t, 2)
		perCore := [][]Pair{{{"", 1}, {"x", 1}}, {{"", 2}}}
		agg := Aggregate(t, backend, 2, perCore)

		require.Equal(t, map[string]uint64{"": 3, "x": 1}, agg.Sums(t))
	})

	t.Run("pool is bounded and fully returned", func(t *testing.T) {
		backend := newBackend(t, 2)
		faker := gofakeit.New(11)
		agg := Aggregate(t, backend, 5, RandomPairs(faker, 3, 2_000, 50))

		pool := agg.Manager.Pool()
		require.Equal(t, 3*2*mapreduce.DefaultPoolMultiplier, pool.Size())
		require.Zero(t, pool.Outstanding())
	})

	t.Run("drain is idempotent", func(t *testing.T) {
		backend := newBackend(t, 2)
		perCore := [][]Pair{{{"a", 1}, {"b", 2}}, {{"a", 3}, {"c", 4}}}
		agg := Aggregate(t, backend, 2, perCore)
		require.Equal(t, 3, agg.Results.Len())

		finalize(t, agg.Manager, agg.Workers)
		require.Equal(t, 3, agg.Results.Len())
		require.Equal(t, Expected(perCore), agg.Sums(t))
	})
}
