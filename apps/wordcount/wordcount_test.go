package wordcount

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend"
	"github.com/tymbaca/multicore-mapreduce/pkg/splitter"
)

type collectEmitter struct {
	words []string
}

func (e *collectEmitter) Emit(key []byte, value any) error {
	e.words = append(e.words, string(key))
	return nil
}

func TestMap(t *testing.T) {
	e := &collectEmitter{}
	err := Map(context.Background(), mapreduce.Split{Data: []byte("  The quick\tbrown\n\nTHE fox ")}, e)
	require.NoError(t, err)
	require.Equal(t, []string{"the", "quick", "brown", "the", "fox"}, e.words)
}

func TestKeysAreBounded(t *testing.T) {
	r := PlainOps{}.Create()
	PlainOps{}.SetKey(r, bytes.Repeat([]byte("x"), 100))
	require.Len(t, r.Key, MaxKeyLen)
}

func TestSerialization(t *testing.T) {
	for _, ops := range []mapreduce.Operations[*Record]{PlainOps{}, ProtoOps{}} {
		r := ops.Create()
		ops.SetKey(r, []byte("gopher"))
		ops.SetValue(r, 41)

		buf := make([]byte, ops.SerializedSize(r))
		n, err := ops.Serialize(r, buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)

		_, err = ops.Serialize(r, buf[:n-1])
		require.ErrorIs(t, err, mapreduce.ErrShortBuffer)

		back := ops.Create()
		m, err := ops.Deserialize(back, buf)
		require.NoError(t, err)
		require.Equal(t, n, m)
		require.Equal(t, "gopher", string(back.Key))
		require.EqualValues(t, 41, back.Count)
	}
}

func TestProtoSkipsUnknownFields(t *testing.T) {
	var buf []byte
	buf = protowire.AppendTag(buf, 7, protowire.BytesType)
	buf = protowire.AppendString(buf, "ignored")
	buf = protowire.AppendTag(buf, keyField, protowire.BytesType)
	buf = protowire.AppendString(buf, "word")
	buf = protowire.AppendTag(buf, countField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 3)

	r := ProtoOps{}.Create()
	_, err := ProtoOps{}.Deserialize(r, buf)
	require.NoError(t, err)
	require.Equal(t, "word", string(r.Key))
	require.EqualValues(t, 3, r.Count)

	_, err = ProtoOps{}.Deserialize(r, buf[:len(buf)-1])
	require.ErrorIs(t, err, mapreduce.ErrCorruptRecord)
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{PlainName, ProtoName} {
		_, err := mapreduce.Lookup[*Record](name)
		require.NoError(t, err)
	}
}

func TestWordCount(t *testing.T) {
	faker := gofakeit.New(2024)
	var text strings.Builder
	for range 200 {
		text.WriteString(faker.Sentence(faker.IntRange(10, 40)))
		text.WriteByte('\n')
	}

	want := map[string]uint32{}
	for _, w := range strings.Fields(strings.ToLower(text.String())) {
		if len(w) > MaxKeyLen {
			w = w[:MaxKeyLen]
		}
		want[w]++
	}

	for _, name := range []string{PlainName, ProtoName} {
		for _, kind := range backend.Kinds {
			t.Run(name+"/"+string(kind), func(t *testing.T) {
				ops, err := mapreduce.Lookup[*Record](name)
				require.NoError(t, err)

				b, err := backend.New(ops, backend.Config{
					Kind:    kind,
					Shards:  4,
					Storage: backend.StorageBbolt,
					Dir:     t.TempDir(),
					TempDir: t.TempDir(),
				})
				require.NoError(t, err)

				rt, err := mapreduce.New(ops, b, mapreduce.WithCores(4), mapreduce.WithBufferCapacity(64))
				require.NoError(t, err)
				defer rt.Close()

				split := splitter.New([]byte(text.String()), 4*splitter.DefaultSplitsPerCore, splitter.Space)
				results, err := rt.Run(context.Background(), Job(split.Next))
				require.NoError(t, err)

				got := map[string]uint32{}
				for _, r := range results.Records() {
					got[string(r.Key)] = r.Count
				}
				require.Equal(t, want, got)

				top := results.Top(1)[0]
				for _, r := range results.Records() {
					require.LessOrEqual(t, r.Count, top.Count)
				}

				var out bytes.Buffer
				require.NoError(t, Format(&out, ops, top))
				require.Contains(t, out.String(), " - ")
			})
		}
	}
}

func TestMoreFrequent(t *testing.T) {
	a := &Record{Key: []byte("apple"), Count: 3}
	b := &Record{Key: []byte("banana"), Count: 3}
	c := &Record{Key: []byte("cherry"), Count: 5}

	require.True(t, MoreFrequent(PlainOps{}, c, a))
	require.False(t, MoreFrequent(PlainOps{}, a, c))
	require.True(t, MoreFrequent(PlainOps{}, a, b))
	require.False(t, MoreFrequent(PlainOps{}, b, a))
}

func TestLongWordsShareOneRecord(t *testing.T) {
	prefix := strings.Repeat("a", MaxKeyLen)
	var text strings.Builder
	for i := range 16 {
		text.WriteString(prefix)
		text.WriteByte(byte('a' + i))
		text.WriteByte(' ')
	}

	e := &collectEmitter{}
	require.NoError(t, Map(context.Background(), mapreduce.Split{Data: []byte(text.String())}, e))
	for _, w := range e.words {
		require.Equal(t, prefix, w)
	}

	for _, kind := range backend.Kinds {
		t.Run(string(kind), func(t *testing.T) {
			b, err := backend.New[*Record](PlainOps{}, backend.Config{
				Kind:    kind,
				Shards:  8,
				Storage: backend.StorageInMemory,
				TempDir: t.TempDir(),
			})
			require.NoError(t, err)

			rt, err := mapreduce.New[*Record](PlainOps{}, b, mapreduce.WithCores(1), mapreduce.WithBufferCapacity(4))
			require.NoError(t, err)
			defer rt.Close()

			split := splitter.New([]byte(text.String()), 4, splitter.Space)
			results, err := rt.Run(context.Background(), Job(split.Next))
			require.NoError(t, err)

			require.Equal(t, 1, results.Len())
			require.Equal(t, prefix, string(results.Records()[0].Key))
			require.EqualValues(t, 16, results.Records()[0].Count)
		})
	}
}
