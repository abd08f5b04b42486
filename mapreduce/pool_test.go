package mapreduce_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/mrtest"
)

func TestBufferPoolBlocksUntilPut(t *testing.T) {
	ctx := context.Background()
	pool := mapreduce.NewBufferPool[*mrtest.Record](mrtest.Ops{}, 4, 2)
	defer pool.Close()

	first, err := pool.Get(ctx)
	require.NoError(t, err)
	second, err := pool.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Outstanding())

	_, err = first.Append([]byte("x"), 1)
	require.NoError(t, err)

	got := make(chan *mapreduce.RecordBuffer[*mrtest.Record])
	go func() {
		buf, err := pool.Get(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- buf
	}()

	select {
	case <-got:
		t.Fatal("Get returned while the pool was empty")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, pool.Put(first))

	select {
	case buf, ok := <-got:
		require.True(t, ok)
		require.Same(t, first, buf)
		require.True(t, buf.Empty(), "Put resets the fill index")
	case <-time.After(time.Second):
		t.Fatal("Get was not woken by Put")
	}

	require.NoError(t, pool.Put(second))
	require.Equal(t, 1, pool.Outstanding())
}

func TestBufferPoolDoublePut(t *testing.T) {
	pool := mapreduce.NewBufferPool[*mrtest.Record](mrtest.Ops{}, 1, 1)
	defer pool.Close()

	buf, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Put(buf))
	require.ErrorIs(t, pool.Put(buf), mapreduce.ErrBufferNotCheckedOut)
	require.Zero(t, pool.Outstanding())
}

func TestBufferPoolGetHonoursContext(t *testing.T) {
	pool := mapreduce.NewBufferPool[*mrtest.Record](mrtest.Ops{}, 1, 1)
	defer pool.Close()

	_, err := pool.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferPoolClose(t *testing.T) {
	pool := mapreduce.NewBufferPool[*mrtest.Record](mrtest.Ops{}, 1, 1)

	buf, err := pool.Get(context.Background())
	require.NoError(t, err)

	waiting := make(chan error)
	go func() {
		_, err := pool.Get(context.Background())
		waiting <- err
	}()

	pool.Close()
	require.ErrorIs(t, <-waiting, mapreduce.ErrPoolClosed)

	// late returns are accepted and destroyed
	require.NoError(t, pool.Put(buf))
	require.Zero(t, pool.Outstanding())
}
