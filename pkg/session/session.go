// Package session owns the per-session pipeline: a bounded ingest
// queue drained by one worker goroutine that applies each patch to the
// session's document mirror, journals the canonical encoding, and fans
// it out to stream subscribers. One worker per session is the ordering
// guarantee; nothing else mutates the document.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"patchcast/pkg/applier"
	"patchcast/pkg/bind"
	"patchcast/pkg/dom"
	"patchcast/pkg/ingest"
	"patchcast/pkg/journal"
	"patchcast/pkg/logger"
	"patchcast/pkg/patch"
)

// Broadcaster is the fan-out collaborator; *stream.Hub in production.
type Broadcaster interface {
	Broadcast(sessionID string, seq uint64, payload []byte)
}

// Session is one mirrored page and its patch pipeline.
type Session struct {
	ID      string
	Created time.Time

	mu       sync.Mutex
	doc      *dom.Document
	registry *bind.Registry
	applier  *applier.Applier
	queue    *ingest.Queue
	hub      Broadcaster

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	submitted uint64
	processed uint64
}

func newSession(id string, doc *dom.Document, registry *bind.Registry, queueCap int, hub Broadcaster) *Session {
	s := &Session{
		ID:       id,
		Created:  time.Now().UTC(),
		doc:      doc,
		registry: registry,
		applier:  applier.New(doc, registry),
		queue:    ingest.NewQueue(queueCap),
		hub:      hub,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	s.queue.RunWorker(s.stop, s.handle)
}

// handle processes one dequeued patch: apply, journal, broadcast. The
// raw producer bytes are only for tracing; the journal and the stream
// carry the canonical re-encoding, which includes the assigned
// sequence.
func (s *Session) handle(msg *patch.Message, raw []byte) error {
	defer atomic.AddUint64(&s.processed, 1)
	ctx := context.Background()

	s.mu.Lock()
	err := s.applier.Apply(ctx, msg)
	s.mu.Unlock()
	if err != nil {
		logger.Error("patch_apply_failed", "session", s.ID, "seq", msg.Seq, "error", err)
		return err
	}

	canonical, err := msg.Encode()
	if err != nil {
		logger.Error("patch_encode_failed", "session", s.ID, "seq", msg.Seq, "error", err)
		return err
	}
	if jerr := journal.Append(s.ID, msg.Seq, canonical); jerr != nil {
		// Keep delivering; replay will have a gap but live clients stay
		// in sync.
		logger.Error("patch_journal_failed", "session", s.ID, "seq", msg.Seq, "error", jerr)
	}
	if s.hub != nil {
		s.hub.Broadcast(s.ID, msg.Seq, canonical)
	}
	logger.Debug("patch_delivered", "session", s.ID, "seq", msg.Seq,
		"action", msg.Action, "container", msg.Container, "raw_bytes", len(raw))
	return nil
}

// Submit enqueues a patch without blocking. ingest.ErrQueueFull means
// the session is at capacity and the caller should shed load.
func (s *Session) Submit(msg *patch.Message, raw []byte) error {
	if err := s.queue.TryEnqueue(msg, raw); err != nil {
		return err
	}
	atomic.AddUint64(&s.submitted, 1)
	return nil
}

// SubmitWait enqueues a patch, blocking until space or ctx expiry.
func (s *Session) SubmitWait(ctx context.Context, msg *patch.Message, raw []byte) error {
	if err := s.queue.Enqueue(ctx, msg, raw); err != nil {
		return err
	}
	atomic.AddUint64(&s.submitted, 1)
	return nil
}

// Snapshot renders the full mirrored page.
func (s *Session) Snapshot() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Render()
}

// SnapshotContainer renders a single container subtree.
func (s *Session) SnapshotContainer(containerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RenderContainer(containerID)
}

// ItemCount returns the number of items in a container.
func (s *Session) ItemCount(containerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Count(containerID)
}

// SetControlValue pushes a value into a bound interactive element.
func (s *Session) SetControlValue(id, value string) error {
	return s.registry.SetValue(id, value)
}

// Registry exposes the binding registry for kind registration and
// change callbacks.
func (s *Session) Registry() *bind.Registry { return s.registry }

// Stats is the admin-facing view of one session.
type Stats struct {
	ID            string    `json:"id"`
	Created       time.Time `json:"created"`
	QueueLen      int       `json:"queue_len"`
	QueueCap      int       `json:"queue_cap"`
	QueueDropped  uint64    `json:"queue_dropped"`
	Applied       uint64    `json:"applied"`
	Warnings      uint64    `json:"warnings"`
	BindFailures  uint64    `json:"bind_failures"`
	BoundElements int       `json:"bound_elements"`
}

// Stats reports the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:            s.ID,
		Created:       s.Created,
		QueueLen:      s.queue.Len(),
		QueueCap:      s.queue.Cap(),
		QueueDropped:  s.queue.Dropped(),
		Applied:       s.applier.Applied(),
		Warnings:      s.applier.Warnings(),
		BindFailures:  s.applier.BindFailures(),
		BoundElements: len(s.registry.BoundIDs()),
	}
}

// Close stops the worker and waits for it to drain the in-flight item.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		logger.Warn("session_worker_close_timeout", "session", s.ID)
	}
}

// Drain waits until every submitted patch has been fully processed, for
// tests and graceful shutdown paths that need apply completion.
func (s *Session) Drain(ctx context.Context) error {
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		if atomic.LoadUint64(&s.processed) >= atomic.LoadUint64(&s.submitted) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("session %s: drain: %w", s.ID, ctx.Err())
		case <-tick.C:
		}
	}
}
