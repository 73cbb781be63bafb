// Package ingest provides the bounded, strictly ordered queue sitting
// between patch producers and a session's single apply worker. Enqueue
// order is apply order: that is the load-bearing guarantee that makes
// index-based addressing in patch messages safe.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"patchcast/pkg/patch"
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// maxPooledBuffer controls the largest payload buffer that will be
// returned to the pool. Larger buffers are dropped so resident memory
// stays bounded.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer overrides the pooled buffer cap. Called once at
// startup, before any queue is built.
func SetMaxPooledBuffer(n int) {
	if n > 0 {
		maxPooledBuffer = n
	}
}

// Item wraps a decoded message plus its raw encoded payload, which may
// be backed by a pooled ByteBuffer. Consumers MUST call Done() exactly
// once after processing; neither the item nor the payload may be
// retained past that.
type Item struct {
	Msg *patch.Message
	// Raw is the canonical encoded form, handed to the journal and the
	// delivery fan-out. Valid until Done().
	Raw []byte

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

var itemPool = sync.Pool{New: func() any { return &Item{} }}

// Done releases the pooled payload buffer and returns the item to the
// item pool for reuse.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		it.Msg = nil
		it.Raw = nil
		itemPool.Put(it)
	})
}

// Queue is a bounded FIFO of patch items. It is safe for concurrent
// producers; the single consumer drains Out() (or uses RunWorker).
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64

	// mu guards the sequence counter and the channel send together, so
	// channel order and sequence order never diverge.
	mu     sync.Mutex
	enqSeq uint64
}

// NewQueue creates a bounded queue. Capacity must be > 0.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns the read-only consumer channel. Do not close it from
// callers; use CloseAndDrain.
func (q *Queue) Out() <-chan *Item { return q.ch }

func (q *Queue) newItem(msg *patch.Message, raw []byte) *Item {
	m := *msg

	var bb *bytebufferpool.ByteBuffer
	var rawCopy []byte
	if len(raw) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], raw...)
		rawCopy = bb.B[:len(raw)]
	}
	it := itemPool.Get().(*Item)
	*it = Item{Msg: &m, Raw: rawCopy, buf: bb}
	return it
}

func (q *Queue) release(it *Item) {
	atomic.AddUint64(&q.dropped, 1)
	it.Done()
}

// TryEnqueue copies msg and raw into pooled storage and enqueues them
// without blocking. Returns ErrQueueFull when at capacity; the caller
// decides whether to reject or retry. The sequence is stamped and the
// item enqueued under one lock, and a rejected patch consumes no
// sequence number.
func (q *Queue) TryEnqueue(msg *patch.Message, raw []byte) error {
	it := q.newItem(msg, raw)
	q.mu.Lock()
	it.Msg.Seq = q.enqSeq + 1
	select {
	case q.ch <- it:
		q.enqSeq++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Unlock()
		q.release(it)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or ctx is done. The stamp
// lock is held while waiting, so a later producer cannot slip in ahead
// of this patch's sequence.
func (q *Queue) Enqueue(ctx context.Context, msg *patch.Message, raw []byte) error {
	it := q.newItem(msg, raw)
	q.mu.Lock()
	it.Msg.Seq = q.enqSeq + 1
	select {
	case q.ch <- it:
		q.enqSeq++
		q.mu.Unlock()
		return nil
	case <-ctx.Done():
		q.mu.Unlock()
		q.release(it)
		return ctx.Err()
	}
}

// CloseAndDrain closes the queue and releases remaining items.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// RunWorker invokes handler for each dequeued item, in enqueue order,
// guaranteeing Done() even when the handler errors. It exits when stop
// is closed or the queue is closed, releasing anything still queued.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*patch.Message, []byte) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Msg, it.Raw)
			}(it)
		case <-stop:
			q.drainPending()
			return
		}
	}
}

// drainPending releases items still queued when the worker exits, so
// their pooled buffers go back to the pool instead of being stranded.
func (q *Queue) drainPending() {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			it.Done()
		default:
			return
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns how many enqueues were rejected.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
