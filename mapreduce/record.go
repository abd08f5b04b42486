package mapreduce

import (
	"fmt"
	"sync"
)

// Operations is the capability set of one application-defined record type.
// The runtime never looks inside a record; every access goes through these
// methods.
//
// SetKey must copy the key: map functions reuse their key slices between
// emits. Merge folds src into dst and must be associative and commutative,
// because buffers from different producers reach a backend in any order.
type Operations[R any] interface {
	// Create returns a fresh record with an empty key.
	Create() R
	// Destroy releases a record. The runtime never touches it afterwards.
	Destroy(r R)

	Key(r R) []byte
	SetKey(r R, key []byte)
	Value(r R) any
	SetValue(r R, v any)
	SameKey(a, b R) bool
	Merge(dst, src R) error

	// SerializedSize reports how many bytes Serialize needs for r.
	SerializedSize(r R) int
	// Serialize writes r into buf and returns the number of bytes written.
	// A too small buf yields a *SerializeError wrapping ErrShortBuffer.
	Serialize(r R, buf []byte) (int, error)
	// Deserialize reads r from the start of buf and returns the number of
	// bytes consumed.
	Deserialize(r R, buf []byte) (int, error)
}

var registry = struct {
	mu  sync.RWMutex
	ops map[string]any
}{ops: make(map[string]any)}

// Register makes ops discoverable under name. Applications call it from an
// init function; registering the same name twice replaces the first entry.
func Register[R any](name string, ops Operations[R]) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.ops[name] = ops
}

// Lookup returns the record operations registered under name.
func Lookup[R any](name string) (Operations[R], error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	v, ok := registry.ops[name]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrUnknownOperations)
	}

	ops, ok := v.(Operations[R])
	if !ok {
		return nil, fmt.Errorf("lookup %q (%T): %w", name, v, ErrOperationsType)
	}

	return ops, nil
}

// Registered returns the names of all registered record operations.
func Registered() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.ops))
	for name := range registry.ops {
		names = append(names, name)
	}

	return names
}
