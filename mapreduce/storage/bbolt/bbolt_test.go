package bbolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

func sum(stored, incoming []byte) ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, binary.LittleEndian.Uint64(stored)+binary.LittleEndian.Uint64(incoming))
	return out, nil
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func TestBolt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	storage, err := New(path)
	require.NoError(t, err)

	err = storage.BulkInsert(ctx, []mapreduce.Entry{
		{Key: []byte("key1"), Value: u64(1)},
		{Key: []byte("key2"), Value: u64(2)},
		{Key: []byte("key1"), Value: u64(3)},
	}, sum)
	require.NoError(t, err)

	val, err := storage.Get([]byte("key1"))
	require.NoError(t, err)
	require.Equal(t, u64(4), val)

	err = storage.BulkInsert(ctx, []mapreduce.Entry{{Key: []byte("key1"), Value: u64(10)}}, sum)
	require.NoError(t, err)

	val, err = storage.Get([]byte("key1"))
	require.NoError(t, err)
	require.Equal(t, u64(14), val)

	val, err = storage.Get([]byte("key3"))
	require.NoError(t, err)
	require.Nil(t, val)

	n, err := storage.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, storage.Destroy())

	storage, err = New(path)
	require.NoError(t, err)
	defer storage.Destroy()

	n, err = storage.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBoltBulkRead(t *testing.T) {
	ctx := context.Background()

	storage, err := New(filepath.Join(t.TempDir(), "read.db"))
	require.NoError(t, err)
	defer storage.Destroy()

	var entries []mapreduce.Entry
	for i := 9; i >= 0; i-- {
		entries = append(entries, mapreduce.Entry{Key: []byte(fmt.Sprintf("k%02d", i)), Value: u64(uint64(i))})
	}
	require.NoError(t, storage.BulkInsert(ctx, entries, sum))

	var (
		keys  []string
		after []byte
	)
	for {
		last, more, err := storage.BulkRead(ctx, after, 3, func(key, value []byte) error {
			keys = append(keys, string(key))
			require.Equal(t, u64(uint64(len(keys)-1)), value)
			return nil
		})
		require.NoError(t, err)
		after = last
		if !more {
			break
		}
	}

	require.Equal(t, []string{"k00", "k01", "k02", "k03", "k04", "k05", "k06", "k07", "k08", "k09"}, keys)
}

func TestBoltEmptyKey(t *testing.T) {
	ctx := context.Background()

	storage, err := New(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer storage.Destroy()

	err = storage.BulkInsert(ctx, []mapreduce.Entry{
		{Key: []byte("b"), Value: u64(1)},
		{Key: []byte{}, Value: u64(2)},
		{Key: []byte("a"), Value: u64(3)},
		{Key: nil, Value: u64(4)},
	}, sum)
	require.NoError(t, err)

	val, err := storage.Get(nil)
	require.NoError(t, err)
	require.Equal(t, u64(6), val)

	var keys []string
	after, more, err := storage.BulkRead(ctx, nil, 1, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	require.True(t, more)
	require.NotNil(t, after)

	_, more, err = storage.BulkRead(ctx, after, 10, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, more)

	require.Equal(t, []string{"", "a", "b"}, keys)
}
