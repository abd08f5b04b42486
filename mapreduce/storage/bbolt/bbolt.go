package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/snappy"
	"go.etcd.io/bbolt"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/pkg/caller"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

var _bucket = []byte("records")

const _keyPrefix = 0x00

func storedKey(key []byte) []byte {
	return append([]byte{_keyPrefix}, key...)
}

// BboltStorage is an ordered B+tree on disk. Values are stored snappy
// compressed. Keys get a one byte prefix so the empty key, which bbolt
// rejects, can be stored too; the prefix keeps the key order.
type BboltStorage struct {
	db *bbolt.DB
}

var _ mapreduce.Storage = (*BboltStorage)(nil)

func New(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 30 * time.Second,
		// the tree only lives for one run, a crash loses the run anyway
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create bolt storage: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(_bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BboltStorage{
		db: db,
	}, nil
}

// BulkInsert upserts all entries in one write transaction.
func (s *BboltStorage) BulkInsert(ctx context.Context, entries []mapreduce.Entry, merge mapreduce.MergeFunc) error {
	ctx, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		buck := tx.Bucket(_bucket)

		for _, e := range entries {
			val := e.Value

			key := storedKey(e.Key)
			if stored := buck.Get(key); stored != nil {
				old, err := snappy.Decode(nil, stored)
				if err != nil {
					return fmt.Errorf("decode value of %q: %w", e.Key, err)
				}

				val, err = merge(old, e.Value)
				if err != nil {
					return fmt.Errorf("merge %q: %w", e.Key, err)
				}
			}

			// bbolt keeps references to key and value until the tx commits
			if err := buck.Put(key, snappy.Encode(nil, val)); err != nil {
				return fmt.Errorf("put %q: %w", e.Key, err)
			}
		}

		return ctx.Err()
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

// BulkRead visits up to max entries after the given key in key order.
func (s *BboltStorage) BulkRead(ctx context.Context, after []byte, max int, fn func(key, value []byte) error) (last []byte, more bool, err error) {
	ctx, span := tracer.Start(ctx, caller.Name())
	defer span.End()

	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(_bucket).Cursor()

		var k, v []byte
		if after == nil {
			k, v = c.First()
		} else {
			seek := storedKey(after)
			k, v = c.Seek(seek)
			if k != nil && bytes.Equal(k, seek) {
				k, v = c.Next()
			}
		}

		n := 0
		for ; k != nil; k, v = c.Next() {
			if n == max {
				more = true
				return nil
			}

			val, err := snappy.Decode(nil, v)
			if err != nil {
				return fmt.Errorf("decode value of %q: %w", k, err)
			}
			if err := fn(k[1:], val); err != nil {
				return err
			}

			last = append([]byte{}, k[1:]...)
			n++
		}

		return ctx.Err()
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	return last, more, nil
}

// Get returns the decoded value stored under key, or nil.
func (s *BboltStorage) Get(key []byte) ([]byte, error) {
	var val []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		stored := tx.Bucket(_bucket).Get(storedKey(key))
		if stored == nil {
			return nil
		}

		var err error
		val, err = snappy.Decode(nil, stored)
		return err
	})

	return val, err
}

// Len reports the number of stored keys.
func (s *BboltStorage) Len() (int, error) {
	var n int

	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(_bucket).Stats().KeyN
		return nil
	})

	return n, err
}

// Close must be call to release database connection.
func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Destroy closes the database and removes the file.
func (s *BboltStorage) Destroy() error {
	path := s.db.Path()
	_ = s.Close()
	return os.Remove(path)
}
