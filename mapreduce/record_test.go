package mapreduce_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/mrtest"
)

func TestRegistry(t *testing.T) {
	mapreduce.Register[*mrtest.Record]("registry-test", mrtest.Ops{})
	require.Contains(t, mapreduce.Registered(), "registry-test")

	ops, err := mapreduce.Lookup[*mrtest.Record]("registry-test")
	require.NoError(t, err)
	require.NotNil(t, ops)

	_, err = mapreduce.Lookup[*mrtest.Record]("nope")
	require.ErrorIs(t, err, mapreduce.ErrUnknownOperations)

	_, err = mapreduce.Lookup[string]("registry-test")
	require.ErrorIs(t, err, mapreduce.ErrOperationsType)
}

func TestSerializeError(t *testing.T) {
	ops := mrtest.Ops{}
	r := &mrtest.Record{Key: []byte("key"), Count: 7}

	_, err := ops.Serialize(r, make([]byte, 4))
	require.ErrorIs(t, err, mapreduce.ErrShortBuffer)

	var serr *mapreduce.SerializeError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "serialize", serr.Op)

	buf := make([]byte, ops.SerializedSize(r))
	n, err := ops.Serialize(r, buf)
	require.NoError(t, err)

	back := ops.Create()
	m, err := ops.Deserialize(back, buf[:n])
	require.NoError(t, err)
	require.Equal(t, n, m)
	require.True(t, ops.SameKey(r, back))

	_, err = ops.Deserialize(back, buf[:n-1])
	require.ErrorIs(t, err, mapreduce.ErrCorruptRecord)
}
