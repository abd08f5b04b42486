package mapreduce

// RecordBuffer is a fixed-capacity batch of pre-created records plus a fill
// index. Slots [0, Len()) hold records written by the current owner, the rest
// are scratch space reused by the next Append.
//
// A buffer has exactly one owner at a time: a producer filling it, a backend
// worker draining it, or the BufferPool holding it idle.
type RecordBuffer[R any] struct {
	ops  Operations[R]
	recs []R
	n    int

	// set by the pool, guarded by the pool's mutex
	checkedOut bool
}

// NewRecordBuffer pre-creates capacity records through ops.
func NewRecordBuffer[R any](ops Operations[R], capacity int) *RecordBuffer[R] {
	if capacity <= 0 {
		capacity = 1
	}

	recs := make([]R, capacity)
	for i := range recs {
		recs[i] = ops.Create()
	}

	return &RecordBuffer[R]{ops: ops, recs: recs}
}

// Append writes key and value into the next free slot. It reports whether
// the buffer became full with this record.
func (b *RecordBuffer[R]) Append(key []byte, value any) (full bool, err error) {
	if b.n >= len(b.recs) {
		return true, ErrBufferFull
	}

	r := b.recs[b.n]
	b.ops.SetKey(r, key)
	b.ops.SetValue(r, value)
	b.n++

	return b.n == len(b.recs), nil
}

// Records returns the filled slots. The slice aliases the buffer and is only
// valid until the buffer goes back to the pool.
func (b *RecordBuffer[R]) Records() []R {
	return b.recs[:b.n]
}

func (b *RecordBuffer[R]) Len() int { return b.n }
func (b *RecordBuffer[R]) Cap() int { return len(b.recs) }

func (b *RecordBuffer[R]) Full() bool  { return b.n == len(b.recs) }
func (b *RecordBuffer[R]) Empty() bool { return b.n == 0 }

// Reset empties the buffer without destroying its records.
func (b *RecordBuffer[R]) Reset() {
	b.n = 0
}

func (b *RecordBuffer[R]) destroy() {
	for _, r := range b.recs {
		b.ops.Destroy(r)
	}
	b.recs = nil
	b.n = 0
}
