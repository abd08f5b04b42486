// Package sorter is an external sort engine for delimited records. Records
// are released in any order, buffered up to a memory limit and spilled to
// sorted run files; after ReleaseEnd they are returned in key order by a
// k-way merge of the runs.
//
// A record is a line ending with Options.Delim. Its sort key is the part of
// the line before the first Options.Sep. Records with equal keys come back
// next to each other.
//
// A Sorter is not safe for concurrent use.
package sorter

import (
	"bufio"
	"bytes"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrState        = errors.New("sorter: call out of order")
	ErrChecksum     = errors.New("sorter: run file checksum mismatch")
	ErrUnterminated = errors.New("sorter: record without delimiter")
)

const (
	DefaultMemoryLimit = 256 << 20
	trailerSize        = 16
)

type Options struct {
	// MemoryLimit is the number of released bytes kept in memory before a
	// sorted run is spilled to disk.
	MemoryLimit int64
	// TempDir holds the run files. Empty means os.TempDir().
	TempDir string
	Sep     byte
	Delim   byte
}

type state int

const (
	releasing state = iota
	returning
	closed
)

type Sorter struct {
	opts  Options
	state state

	lines   [][]byte
	memUsed int64
	runs    []*run

	merge   mergeHeap
	pending []byte

	stats Stats
}

// Stats describes the work done by a Sorter.
type Stats struct {
	Records  int64
	Bytes    int64
	Runs     int
	Returned int64
}

func New(opts Options) *Sorter {
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}
	if opts.Sep == 0 {
		opts.Sep = '\t'
	}
	if opts.Delim == 0 {
		opts.Delim = '\n'
	}

	return &Sorter{opts: opts}
}

func (s *Sorter) Stats() Stats { return s.stats }

// ReleaseRecs hands a region of complete records to the sorter. The region
// is copied.
func (s *Sorter) ReleaseRecs(data []byte) error {
	if s.state != releasing {
		return fmt.Errorf("release records: %w", ErrState)
	}
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] != s.opts.Delim {
		return fmt.Errorf("release records: %w", ErrUnterminated)
	}

	region := bytes.Clone(data)
	for len(region) > 0 {
		i := bytes.IndexByte(region, s.opts.Delim)
		s.lines = append(s.lines, region[:i+1])
		region = region[i+1:]
		s.stats.Records++
	}
	s.memUsed += int64(len(data))
	s.stats.Bytes += int64(len(data))

	if s.memUsed >= s.opts.MemoryLimit {
		return s.spill()
	}

	return nil
}

func (s *Sorter) key(line []byte) []byte {
	if i := bytes.IndexByte(line, s.opts.Sep); i >= 0 {
		return line[:i]
	}
	return line[:len(line)-1]
}

func (s *Sorter) sortLines() {
	slices.SortStableFunc(s.lines, func(a, b []byte) int {
		return bytes.Compare(s.key(a), s.key(b))
	})
}

// spill writes the buffered records as one sorted run file.
func (s *Sorter) spill() error {
	s.sortLines()

	f, err := os.CreateTemp(s.opts.TempDir, "mcmr-run-*")
	if err != nil {
		return fmt.Errorf("create run file: %w", err)
	}

	r := &run{file: f}
	if err := r.write(s.lines); err != nil {
		_ = r.remove()
		return err
	}
	s.runs = append(s.runs, r)
	s.stats.Runs++

	slog.Debug("sorter: spilled run", "file", f.Name(), "records", len(s.lines), "bytes", s.memUsed)

	s.lines = nil
	s.memUsed = 0

	return nil
}

// ReleaseEnd ends the release phase and prepares the merge.
func (s *Sorter) ReleaseEnd() error {
	if s.state != releasing {
		return fmt.Errorf("release end: %w", ErrState)
	}
	s.state = returning

	s.sortLines()
	mem := &memCursor{lines: s.lines}
	s.lines = nil

	cursors := []cursor{mem}
	for _, r := range s.runs {
		c, err := r.open(s.opts.Delim)
		if err != nil {
			return err
		}
		cursors = append(cursors, c)
	}

	for i, c := range cursors {
		line, err := c.next()
		if errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			return err
		}
		s.merge.items = append(s.merge.items, &mergeItem{line: line, cursor: c, order: i})
	}
	s.merge.key = s.key
	heap.Init(&s.merge)

	return nil
}

// ReturnRecs fills buf with the next records in key order and reports the
// number of bytes written. Only whole records are returned. It returns
// io.EOF once every record was returned, and io.ErrShortBuffer if the next
// record is larger than buf.
func (s *Sorter) ReturnRecs(buf []byte) (int, error) {
	if s.state != returning {
		return 0, fmt.Errorf("return records: %w", ErrState)
	}

	n := 0
	for {
		if s.pending == nil {
			line, err := s.pop()
			if errors.Is(err, io.EOF) {
				if n == 0 {
					return 0, io.EOF
				}
				return n, nil
			}
			if err != nil {
				return n, err
			}
			s.pending = line
		}

		if len(s.pending) > len(buf)-n {
			if n == 0 {
				return 0, io.ErrShortBuffer
			}
			return n, nil
		}

		n += copy(buf[n:], s.pending)
		s.pending = nil
		s.stats.Returned++
	}
}

func (s *Sorter) pop() ([]byte, error) {
	if s.merge.Len() == 0 {
		return nil, io.EOF
	}

	top := s.merge.items[0]
	line := top.line

	next, err := top.cursor.next()
	switch {
	case errors.Is(err, io.EOF):
		heap.Pop(&s.merge)
	case err != nil:
		return nil, err
	default:
		top.line = next
		heap.Fix(&s.merge, 0)
	}

	return line, nil
}

// Close removes every run file.
func (s *Sorter) Close() error {
	s.state = closed
	s.lines = nil
	s.merge.items = nil

	var errs []error
	for _, r := range s.runs {
		errs = append(errs, r.remove())
	}
	s.runs = nil

	return errors.Join(errs...)
}

type cursor interface {
	next() ([]byte, error)
}

type memCursor struct {
	lines [][]byte
}

func (c *memCursor) next() ([]byte, error) {
	if len(c.lines) == 0 {
		return nil, io.EOF
	}
	line := c.lines[0]
	c.lines = c.lines[1:]
	return line, nil
}

// run is a file of sorted records followed by a trailer holding the xxhash
// of the records and their length.
type run struct {
	file *os.File
}

func (r *run) write(lines [][]byte) error {
	w := bufio.NewWriterSize(r.file, 1<<20)
	h := xxhash.New()
	mw := io.MultiWriter(w, h)

	var size uint64
	for _, line := range lines {
		if _, err := mw.Write(line); err != nil {
			return fmt.Errorf("write run: %w", err)
		}
		size += uint64(len(line))
	}

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:8], h.Sum64())
	binary.LittleEndian.PutUint64(trailer[8:], size)
	if _, err := w.Write(trailer[:]); err != nil {
		return fmt.Errorf("write run trailer: %w", err)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush run: %w", err)
	}

	return nil
}

func (r *run) open(delim byte) (*runCursor, error) {
	var trailer [trailerSize]byte
	info, err := r.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat run: %w", err)
	}
	if info.Size() < trailerSize {
		return nil, fmt.Errorf("run %s: %w", r.file.Name(), ErrChecksum)
	}
	if _, err := r.file.ReadAt(trailer[:], info.Size()-trailerSize); err != nil {
		return nil, fmt.Errorf("read run trailer: %w", err)
	}

	sum := binary.LittleEndian.Uint64(trailer[:8])
	size := int64(binary.LittleEndian.Uint64(trailer[8:]))
	if size != info.Size()-trailerSize {
		return nil, fmt.Errorf("run %s: %w", r.file.Name(), ErrChecksum)
	}

	return &runCursor{
		name:  r.file.Name(),
		r:     bufio.NewReaderSize(io.NewSectionReader(r.file, 0, size), 1<<20),
		h:     xxhash.New(),
		sum:   sum,
		delim: delim,
	}, nil
}

func (r *run) remove() error {
	_ = r.file.Close()
	return os.Remove(r.file.Name())
}

type runCursor struct {
	name  string
	r     *bufio.Reader
	h     *xxhash.Digest
	sum   uint64
	delim byte
}

func (c *runCursor) next() ([]byte, error) {
	line, err := c.r.ReadBytes(c.delim)
	if errors.Is(err, io.EOF) && len(line) == 0 {
		if c.h.Sum64() != c.sum {
			return nil, fmt.Errorf("run %s: %w", c.name, ErrChecksum)
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", c.name, err)
	}

	_, _ = c.h.Write(line)

	return line, nil
}

type mergeItem struct {
	line   []byte
	cursor cursor
	// breaks key ties between cursors
	order int
}

type mergeHeap struct {
	items []*mergeItem
	key   func([]byte) []byte
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h.key(h.items[i].line), h.key(h.items[j].line)); c != 0 {
		return c < 0
	}
	return h.items[i].order < h.items[j].order
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	item := old[len(old)-1]
	h.items = old[:len(old)-1]
	return item
}
