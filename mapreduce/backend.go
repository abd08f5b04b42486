package mapreduce

import "context"

// Backend owns the key deduplication state of a run. The Manager drives every
// backend through the same calls:
//
//   - during the map phase, Consume is called once per filled buffer by the
//     worker goroutine of the buffer's shard;
//   - after the map barrier, Seal is called exactly once;
//   - during the finalize phase, Drain is called by every finalize worker.
//
// Consume must not keep references to buf or its records after returning,
// the buffer goes back to the pool right away.
type Backend[R any] interface {
	// Shards reports the number of submission queues the backend accepts.
	Shards() int
	Consume(ctx context.Context, shard int, buf *RecordBuffer[R]) error
	Seal(ctx context.Context) error
	// Drain hands the merged records of the partition owned by worker (one of
	// workers) to sink in batches of at most batch records. Draining the
	// same partition twice yields nothing the second time.
	Drain(ctx context.Context, worker, workers, batch int, sink Sink[R]) error
	Close() error
}

// Sink receives merged records during the finalize phase. Implementations
// must be safe for concurrent use. The records of a batch are handed over to
// the sink; the batch slice itself is reused by the caller after Append
// returns.
type Sink[R any] interface {
	Append(batch []R) error
}
