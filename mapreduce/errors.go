package mapreduce

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrUnknownOperations = errors.New("mapreduce: no record operations registered under this name")
	ErrOperationsType    = errors.New("mapreduce: registered record operations have a different record type")
	ErrPoolTooSmall      = errors.New("mapreduce: buffer pool smaller than cores x shards")
	ErrInvalidOption     = errors.New("mapreduce: invalid option")
)

// Buffer and pool errors
var (
	ErrBufferFull          = errors.New("mapreduce: record buffer is full")
	ErrBufferNotCheckedOut = errors.New("mapreduce: buffer returned to pool but was not checked out")
	ErrPoolClosed          = errors.New("mapreduce: buffer pool is closed")
)

// Phase errors
var (
	ErrAlreadyRun     = errors.New("mapreduce: runtime already ran, call Reset first")
	ErrAlreadyFlushed = errors.New("mapreduce: producer already flushed")
	ErrUnknownPhase   = errors.New("mapreduce: unknown phase")
	ErrUnknownCore    = errors.New("mapreduce: core id out of range")
	ErrMapPhaseOver   = errors.New("mapreduce: emit after the map phase finished")
)

// Serialization errors
var (
	ErrShortBuffer   = errors.New("mapreduce: serialization buffer too small")
	ErrCorruptRecord = errors.New("mapreduce: corrupt serialized record")
	ErrKeyTooLong    = errors.New("mapreduce: key exceeds maximum length")
)

// Backend errors
var (
	ErrSortEngine = errors.New("mapreduce: external sort engine failure")
)

// SerializeError reports a failed Serialize or Deserialize call of a record
// handle. Err is one of ErrShortBuffer or ErrCorruptRecord.
type SerializeError struct {
	Op   string // "serialize" or "deserialize"
	Key  []byte
	Size int
	Err  error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("%s record %q (%d bytes): %s", e.Op, e.Key, e.Size, e.Err)
}

func (e *SerializeError) Unwrap() error {
	return e.Err
}
