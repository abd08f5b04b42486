package mapreduce

import "context"

// Phase is one of the two execution phases of a run.
type Phase int

const (
	PhaseMap Phase = iota
	PhaseFinalize
)

func (p Phase) String() string {
	switch p {
	case PhaseMap:
		return "map"
	case PhaseFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Split is one unit of map work produced by the application's splitter.
type Split struct {
	ID   int
	Data []byte
}

// SplitFunc returns the next split, or ok=false when the input is exhausted.
type SplitFunc func(ctx context.Context) (split Split, ok bool, err error)

// MapFunc processes one split and hands intermediate pairs to emit.
type MapFunc func(ctx context.Context, split Split, emit Emitter) error

// LessFunc orders final results. It receives the record operations so it can
// look at keys and values.
type LessFunc[R any] func(ops Operations[R], a, b R) bool

// Emitter is the only way a map function talks to the aggregation subsystem.
// Every map worker gets its own Emitter; it is not safe to share one between
// goroutines.
type Emitter interface {
	Emit(key []byte, value any) error
}

// Job describes one MapReduce run.
type Job[R any] struct {
	Split SplitFunc
	Map   MapFunc
	// Less is optional; nil leaves results in drain order.
	Less LessFunc[R]
}
