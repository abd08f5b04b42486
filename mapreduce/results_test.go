package mapreduce_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/mrtest"
)

func byCountDesc(_ mapreduce.Operations[*mrtest.Record], a, b *mrtest.Record) bool {
	return a.Count > b.Count
}

func formatRecord(w io.Writer, _ mapreduce.Operations[*mrtest.Record], r *mrtest.Record) error {
	_, err := fmt.Fprintf(w, "%s=%d\n", r.Key, r.Count)
	return err
}

func TestResultsSort(t *testing.T) {
	faker := gofakeit.New(1)

	for _, parallelism := range []int{1, 3, 8} {
		t.Run(fmt.Sprint(parallelism), func(t *testing.T) {
			results := mapreduce.NewResults[*mrtest.Record](mrtest.Ops{})
			for i := range 1000 {
				require.NoError(t, results.Append([]*mrtest.Record{{
					Key:   []byte(fmt.Sprintf("k%04d", i)),
					Count: uint64(faker.IntRange(0, 50)),
				}}))
			}

			require.NoError(t, results.Sort(context.Background(), byCountDesc, parallelism))

			recs := results.Records()
			require.Len(t, recs, 1000)
			for i := 1; i < len(recs); i++ {
				prev, cur := recs[i-1], recs[i]
				require.GreaterOrEqual(t, prev.Count, cur.Count)
				if prev.Count == cur.Count {
					require.Less(t, string(prev.Key), string(cur.Key))
				}
			}
		})
	}
}

func TestResultsPrintAndFree(t *testing.T) {
	results := mapreduce.NewResults[*mrtest.Record](mrtest.Ops{})
	require.NoError(t, results.Append([]*mrtest.Record{{Key: []byte("a"), Count: 2}, {Key: []byte("b"), Count: 5}}))
	require.NoError(t, results.Sort(context.Background(), byCountDesc, 1))

	var out bytes.Buffer
	require.NoError(t, results.Print(&out, formatRecord))
	require.Equal(t, "b=5\na=2\n", out.String())

	require.Len(t, results.Top(1), 1)
	require.Len(t, results.Top(10), 2)

	_, ok := results.Lookup([]byte("missing"))
	require.False(t, ok)

	results.Free()
	require.Zero(t, results.Len())
}

func TestStreamSink(t *testing.T) {
	var out bytes.Buffer
	sink := mapreduce.NewStreamSink[*mrtest.Record](mrtest.Ops{}, &out, formatRecord)

	rec := &mrtest.Record{Key: []byte("x"), Count: 1}
	require.NoError(t, sink.Append([]*mrtest.Record{rec}))
	require.NoError(t, sink.Flush())

	require.Equal(t, "x=1\n", out.String())
	require.Equal(t, 1, sink.Written())
	// written records are destroyed
	require.Nil(t, rec.Key)
}
