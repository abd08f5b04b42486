package mapreduce

import "context"

// Storage is an ordered key/value tree the merge-tree backend keeps per
// shard. Keys and values are opaque bytes; merging is done by the caller's
// callback so the tree never needs to understand records.
type Storage interface {
	// BulkInsert upserts entries in one batch. For a key already present,
	// merge receives the stored value and the incoming value and returns the
	// value to store.
	BulkInsert(ctx context.Context, entries []Entry, merge MergeFunc) error
	// BulkRead calls fn for at most max entries with keys strictly greater
	// than after (nil means from the start), in key order. It returns the
	// last key visited and whether more entries remain.
	BulkRead(ctx context.Context, after []byte, max int, fn func(key, value []byte) error) (last []byte, more bool, err error)
	Close() error
}

// Entry is one key/value pair handed to Storage.
type Entry struct {
	Key   []byte
	Value []byte
}

// MergeFunc combines a stored value with an incoming one.
type MergeFunc func(stored, incoming []byte) ([]byte, error)
