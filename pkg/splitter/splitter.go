// Package splitter cuts an input file into roughly equal splits that end on
// a delimiter, so no record straddles two splits. The file is memory mapped
// and splits alias the mapping.
package splitter

import (
	"context"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/tymbaca/multicore-mapreduce/mapreduce"
)

// DefaultSplitsPerCore is how many splits each core gets, so faster cores
// can pick up more work.
const DefaultSplitsPerCore = 16

// Newline ends splits on line boundaries.
func Newline(c byte) bool { return c == '\n' }

// Space ends splits on any ASCII whitespace.
func Space(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

type Splitter struct {
	file *os.File
	mm   mmap.MMap

	data    []byte
	size    int
	isDelim func(byte) bool
	off     int
}

// Open maps the file at path and prepares nsplits splits ending on bytes
// accepted by isDelim.
func Open(path string, nsplits int, isDelim func(byte) bool) (*Splitter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat input: %w", err)
	}

	// an empty file cannot be mapped
	if info.Size() == 0 {
		s := New(nil, nsplits, isDelim)
		s.file = f
		return s, nil
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap input: %w", err)
	}

	s := New(mm, nsplits, isDelim)
	s.file = f
	s.mm = mm

	return s, nil
}

// New splits data held in memory.
func New(data []byte, nsplits int, isDelim func(byte) bool) *Splitter {
	if nsplits <= 0 {
		nsplits = 1
	}
	if isDelim == nil {
		isDelim = Newline
	}

	return &Splitter{
		data:    data,
		size:    max(1, (len(data)+nsplits-1)/nsplits),
		isDelim: isDelim,
	}
}

// Next returns the next split. It has the signature of mapreduce.SplitFunc.
func (s *Splitter) Next(ctx context.Context) (mapreduce.Split, bool, error) {
	if s.off >= len(s.data) {
		return mapreduce.Split{}, false, nil
	}

	end := min(s.off+s.size, len(s.data))
	for end < len(s.data) && !s.isDelim(s.data[end-1]) {
		end++
	}

	split := mapreduce.Split{Data: s.data[s.off:end]}
	s.off = end

	return split, true, nil
}

// Close unmaps the file. Splits must not be used afterwards.
func (s *Splitter) Close() error {
	if s.mm != nil {
		if err := s.mm.Unmap(); err != nil {
			return fmt.Errorf("unmap input: %w", err)
		}
		s.mm = nil
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
