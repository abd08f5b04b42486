package inmemory

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/pkg/caller"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

// Storage is an ordered tree kept in memory: a map plus a key index that is
// sorted lazily on the first read after a write.
type Storage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	keys   []string
	sorted bool
}

var _ mapreduce.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		data:   make(map[string][]byte, 1000),
		sorted: true,
	}
}

func (st *Storage) BulkInsert(ctx context.Context, entries []mapreduce.Entry, merge mapreduce.MergeFunc) error {
	_, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, e := range entries {
		stored, ok := st.data[string(e.Key)]
		if !ok {
			st.data[string(e.Key)] = bytes.Clone(e.Value)
			st.keys = append(st.keys, string(e.Key))
			st.sorted = false
			continue
		}

		val, err := merge(stored, e.Value)
		if err != nil {
			span.RecordError(err)
			return err
		}
		st.data[string(e.Key)] = bytes.Clone(val)
	}

	return nil
}

func (st *Storage) BulkRead(ctx context.Context, after []byte, max int, fn func(key, value []byte) error) (last []byte, more bool, err error) {
	_, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.sorted {
		slices.Sort(st.keys)
		st.sorted = true
	}

	start := 0
	if after != nil {
		i, found := slices.BinarySearch(st.keys, string(after))
		if found {
			i++
		}
		start = i
	}

	end := min(start+max, len(st.keys))
	for _, k := range st.keys[start:end] {
		if err := fn([]byte(k), st.data[k]); err != nil {
			return nil, false, err
		}
		last = []byte(k)
	}

	return last, end < len(st.keys), nil
}

// Get returns the value stored under key, or nil.
func (st *Storage) Get(key []byte) []byte {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.data[string(key)]
}

func (st *Storage) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return len(st.data)
}

func (st *Storage) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.data = nil
	st.keys = nil

	return nil
}
