package mapreduce

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Results is the in-memory results collection of a run. Finalize workers
// append to it concurrently; after the run it is a read-only view until Free.
type Results[R any] struct {
	ops Operations[R]

	mu   sync.Mutex
	recs []R
}

func NewResults[R any](ops Operations[R]) *Results[R] {
	return &Results[R]{ops: ops}
}

func (r *Results[R]) Append(batch []R) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recs = append(r.recs, batch...)
	return nil
}

// Records returns the collected records. The caller must not modify them.
func (r *Results[R]) Records() []R {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recs
}

func (r *Results[R]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.recs)
}

// Top returns up to n records from the front of the collection.
func (r *Results[R]) Top(n int) []R {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recs[:min(n, len(r.recs))]
}

// Lookup returns the record with the given key. It is a linear scan meant
// for tests and small result sets.
func (r *Results[R]) Lookup(key []byte) (R, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.recs {
		if string(r.ops.Key(rec)) == string(key) {
			return rec, true
		}
	}

	var zero R
	return zero, false
}

// Sort orders the collection by less using up to parallelism goroutines: the
// slice is cut into chunks that are sorted concurrently and then merged.
func (r *Results[R]) Sort(ctx context.Context, less LessFunc[R], parallelism int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmpFn := func(a, b R) int {
		switch {
		case less(r.ops, a, b):
			return -1
		case less(r.ops, b, a):
			return 1
		default:
			return cmp.Compare(string(r.ops.Key(a)), string(r.ops.Key(b)))
		}
	}

	n := len(r.recs)
	if parallelism <= 1 || n < 2*parallelism {
		slices.SortFunc(r.recs, cmpFn)
		return nil
	}

	chunk := (n + parallelism - 1) / parallelism
	runs := make([][]R, 0, parallelism)
	for lo := 0; lo < n; lo += chunk {
		runs = append(runs, r.recs[lo:min(lo+chunk, n)])
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			slices.SortFunc(run, cmpFn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sort results: %w", err)
	}

	for len(runs) > 1 {
		merged := make([][]R, 0, (len(runs)+1)/2)
		for i := 0; i < len(runs); i += 2 {
			if i+1 == len(runs) {
				merged = append(merged, runs[i])
				continue
			}
			merged = append(merged, mergeSorted(runs[i], runs[i+1], cmpFn))
		}
		runs = merged
	}
	r.recs = runs[0]

	return nil
}

func mergeSorted[R any](a, b []R, cmpFn func(a, b R) int) []R {
	out := make([]R, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if cmpFn(b[j], a[i]) < 0 {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Print writes every record with format.
func (r *Results[R]) Print(w io.Writer, format FormatFunc[R]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, rec := range r.recs {
		if err := format(bw, r.ops, rec); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Free destroys every collected record.
func (r *Results[R]) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.recs {
		r.ops.Destroy(rec)
	}
	r.recs = nil
}

// FormatFunc prints one record.
type FormatFunc[R any] func(w io.Writer, ops Operations[R], r R) error

// StreamSink writes merged records straight to an io.Writer instead of
// keeping them in memory. Records are destroyed once written.
type StreamSink[R any] struct {
	ops    Operations[R]
	format FormatFunc[R]

	mu      sync.Mutex
	w       *bufio.Writer
	written int
}

func NewStreamSink[R any](ops Operations[R], w io.Writer, format FormatFunc[R]) *StreamSink[R] {
	return &StreamSink[R]{
		ops:    ops,
		format: format,
		w:      bufio.NewWriter(w),
	}
}

func (s *StreamSink[R]) Append(batch []R) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range batch {
		err := s.format(s.w, s.ops, rec)
		s.ops.Destroy(rec)
		if err != nil {
			return fmt.Errorf("stream record: %w", err)
		}
		s.written++
	}

	return nil
}

// Written reports how many records went to the writer.
func (s *StreamSink[R]) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.written
}

// Flush writes any buffered output.
func (s *StreamSink[R]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Flush()
}
