// Package backend builds an aggregation backend from configuration.
package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend/extsort"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend/hashtable"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend/mergetree"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend/sparsehash"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/storage/bbolt"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/storage/inmemory"
	"github.com/tymbaca/multicore-mapreduce/pkg/sorter"
)

type Kind string

const (
	MergeTree  Kind = "mergetree"
	HashTable  Kind = "hashtable"
	SparseHash Kind = "sparsehash"
	ExtSort    Kind = "extsort"
)

// Kinds lists every known backend.
var Kinds = []Kind{MergeTree, HashTable, SparseHash, ExtSort}

const (
	StorageBbolt    = "bbolt"
	StorageInMemory = "inmemory"
)

var (
	ErrUnknownKind    = errors.New("backend: unknown kind")
	ErrUnknownStorage = errors.New("backend: unknown merge-tree storage")
)

type Config struct {
	Kind   Kind
	Shards int

	// merge tree
	Storage string
	Dir     string

	// hash table
	Stripes int

	// external sort
	TempDir     string
	MemoryLimit int64
	Outstanding int64
}

// New creates the backend described by cfg.
func New[R any](ops mapreduce.Operations[R], cfg Config) (mapreduce.Backend[R], error) {
	if cfg.Shards <= 0 {
		return nil, fmt.Errorf("%w: shards must be > 0, got %d", mapreduce.ErrInvalidOption, cfg.Shards)
	}

	switch cfg.Kind {
	case MergeTree:
		return newMergeTree(ops, cfg)
	case HashTable:
		return hashtable.New(ops, cfg.Shards, cfg.Stripes), nil
	case SparseHash:
		return sparsehash.New(ops, cfg.Shards), nil
	case ExtSort:
		return extsort.New(ops, cfg.Shards, extsort.Options{
			Outstanding: cfg.Outstanding,
			Sorter: sorter.Options{
				MemoryLimit: cfg.MemoryLimit,
				TempDir:     cfg.TempDir,
			},
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func newMergeTree[R any](ops mapreduce.Operations[R], cfg Config) (mapreduce.Backend[R], error) {
	switch cfg.Storage {
	case "", StorageInMemory:
		trees := make([]mapreduce.Storage, cfg.Shards)
		for i := range trees {
			trees[i] = inmemory.New()
		}
		return mergetree.New(ops, trees), nil

	case StorageBbolt:
		dir, err := os.MkdirTemp(cfg.Dir, "mcmr-mergetree-*")
		if err != nil {
			return nil, fmt.Errorf("create merge-tree dir: %w", err)
		}

		trees := make([]mapreduce.Storage, 0, cfg.Shards)
		for i := range cfg.Shards {
			tree, err := bbolt.New(filepath.Join(dir, fmt.Sprintf("shard-%03d.db", i)))
			if err != nil {
				for _, t := range trees {
					_ = t.Close()
				}
				_ = os.RemoveAll(dir)
				return nil, err
			}
			trees = append(trees, tree)
		}

		return &cleanup[R]{
			Backend: mergetree.New(ops, trees),
			fn:      func() error { return os.RemoveAll(dir) },
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, cfg.Storage)
	}
}

// cleanup runs fn after closing the wrapped backend.
type cleanup[R any] struct {
	mapreduce.Backend[R]
	fn func() error
}

func (c *cleanup[R]) Close() error {
	return errors.Join(c.Backend.Close(), c.fn())
}
