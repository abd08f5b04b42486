package mapreduce

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats counts what a run did. All fields are safe for concurrent update.
type Stats struct {
	Splits           atomic.Uint64
	MapTasks         atomic.Uint64
	Emitted          atomic.Uint64
	BuffersSubmitted atomic.Uint64
	RecordsConsumed  atomic.Uint64
	Results          atomic.Uint64

	SplitTime    atomic.Int64 // nanoseconds
	MapTime      atomic.Int64
	FinalizeTime atomic.Int64
	SortTime     atomic.Int64
}

func (s *Stats) observe(d *atomic.Int64, since time.Time) {
	d.Add(int64(time.Since(since)))
}

func (s *Stats) String() string {
	return fmt.Sprintf("Splits: %d, MapTasks: %d, Emitted: %d, BuffersSubmitted: %d, RecordsConsumed: %d, Results: %d, "+
		"Split: %s, Map: %s, Finalize: %s, Sort: %s",
		s.Splits.Load(), s.MapTasks.Load(), s.Emitted.Load(), s.BuffersSubmitted.Load(), s.RecordsConsumed.Load(), s.Results.Load(),
		time.Duration(s.SplitTime.Load()), time.Duration(s.MapTime.Load()),
		time.Duration(s.FinalizeTime.Load()), time.Duration(s.SortTime.Load()))
}
