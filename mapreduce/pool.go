package mapreduce

import (
	"context"
	"sync"
)

// BufferPool is a bounded blocking pool of record buffers. All buffers are
// created up front; Get blocks while every buffer is checked out, which caps
// memory at Size() buffers no matter how many producers there are.
type BufferPool[R any] struct {
	idle chan *RecordBuffer[R]
	size int

	mu          sync.Mutex
	outstanding int
	closed      bool
	done        chan struct{}
}

// NewBufferPool creates size buffers of bufferCapacity records each.
func NewBufferPool[R any](ops Operations[R], bufferCapacity, size int) *BufferPool[R] {
	if size <= 0 {
		size = 1
	}

	p := &BufferPool[R]{
		idle: make(chan *RecordBuffer[R], size),
		size: size,
		done: make(chan struct{}),
	}

	for range size {
		p.idle <- NewRecordBuffer(ops, bufferCapacity)
	}

	return p
}

// Get removes one buffer from the pool, blocking until one is returned if
// the pool is empty.
func (p *BufferPool[R]) Get(ctx context.Context) (*RecordBuffer[R], error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	case buf := <-p.idle:
		p.mu.Lock()
		buf.checkedOut = true
		p.outstanding++
		p.mu.Unlock()

		return buf, nil
	}
}

// Put resets buf and makes it available to exactly one waiting Get.
func (p *BufferPool[R]) Put(buf *RecordBuffer[R]) error {
	p.mu.Lock()
	if !buf.checkedOut {
		p.mu.Unlock()
		return ErrBufferNotCheckedOut
	}
	buf.checkedOut = false
	p.outstanding--
	closed := p.closed
	p.mu.Unlock()

	buf.Reset()
	if closed {
		buf.destroy()
		return nil
	}

	// never blocks: the channel holds every buffer the pool owns
	p.idle <- buf

	return nil
}

// Outstanding reports how many buffers are currently checked out.
func (p *BufferPool[R]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.outstanding
}

// Size reports the fixed number of buffers owned by the pool.
func (p *BufferPool[R]) Size() int {
	return p.size
}

// Close destroys every idle buffer and wakes blocked callers of Get with
// ErrPoolClosed. Buffers still checked out are destroyed when they are Put.
func (p *BufferPool[R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for {
		select {
		case buf := <-p.idle:
			buf.destroy()
		default:
			return
		}
	}
}
