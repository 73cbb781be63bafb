// Package applier translates decoded patch messages into DOM mutations
// on a session's document mirror, followed by the mandatory rebind of
// interactive elements. Handlers are selected through an explicit
// action -> handler table built once at construction; nothing is read
// from ambient globals at apply time.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"patchcast/pkg/bind"
	"patchcast/pkg/dom"
	"patchcast/pkg/logger"
	"patchcast/pkg/patch"
)

var (
	appliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchcast_patches_applied_total",
		Help: "Successfully applied patch mutations.",
	}, []string{"action"})
	warnedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchcast_patches_warned_total",
		Help: "Patch messages resolved as warn-and-no-op.",
	}, []string{"reason"})
	bindFailureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchcast_rebind_failures_total",
		Help: "Rebind cycles that surfaced a binding error.",
	})
)

// HandlerFunc mutates the document for one action kind.
type HandlerFunc func(ctx context.Context, msg *patch.Message) error

// Applier applies patch messages to a single document. It must only be
// driven from one goroutine; the session worker guarantees that.
type Applier struct {
	doc      *dom.Document
	binder   bind.Binder
	handlers map[patch.Action]HandlerFunc

	applied      uint64
	notFound     uint64
	outOfRange   uint64
	bindFailures uint64
}

// New builds the dispatch table for the three action kinds.
func New(doc *dom.Document, binder bind.Binder) *Applier {
	a := &Applier{doc: doc, binder: binder}
	a.handlers = map[patch.Action]HandlerFunc{
		patch.ActionAdd:    a.applyAdd,
		patch.ActionRemove: a.applyRemove,
		patch.ActionUpdate: a.applyUpdate,
	}
	return a
}

// Apply executes one patch message. The three taxonomy conditions
// (missing container, out-of-range index, duplicate binding) are
// local-only: they log a warning, bump a counter and leave the document
// in its last-good state, so the ordered stream is never desynchronized
// by a late or duplicate message. Only programmer errors (an action the
// boundary failed to reject, unparsable markup) are returned.
func (a *Applier) Apply(ctx context.Context, msg *patch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, ok := a.handlers[msg.Action]
	if !ok {
		return fmt.Errorf("applier: no handler for action %q", msg.Action)
	}

	err := h(ctx, msg)
	switch {
	case errors.Is(err, dom.ErrContainerNotFound):
		atomic.AddUint64(&a.notFound, 1)
		warnedTotal.WithLabelValues("container_missing").Inc()
		logger.Warn("patch_container_missing", "container", msg.Container, "action", msg.Action)
		err = nil
	case errors.Is(err, dom.ErrIndexOutOfRange):
		atomic.AddUint64(&a.outOfRange, 1)
		warnedTotal.WithLabelValues("index_out_of_range").Inc()
		logger.Warn("patch_index_out_of_range", "container", msg.Container, "action", msg.Action, "index", derefIndex(msg.Index))
		err = nil
	case err != nil:
		return err
	default:
		atomic.AddUint64(&a.applied, 1)
		appliedTotal.WithLabelValues(string(msg.Action)).Inc()
	}

	// The rebind sequence runs after every mutation, even when this
	// message introduced no interactive elements: a removed element's id
	// may be reused by a later add, and only a full
	// unbind -> initialize -> bind cycle keeps the tracked set honest.
	a.rebind(msg)
	return nil
}

func (a *Applier) rebind(msg *patch.Message) {
	a.binder.UnbindAll()
	if err := a.binder.InitializeAll(a.doc.Root()); err != nil {
		atomic.AddUint64(&a.bindFailures, 1)
		bindFailureTotal.Inc()
		logger.Error("rebind_initialize_failed", "container", msg.Container, "error", err)
		return
	}
	if err := a.binder.BindAll(a.doc.Root()); err != nil {
		atomic.AddUint64(&a.bindFailures, 1)
		bindFailureTotal.Inc()
		logger.Error("rebind_bind_failed", "container", msg.Container, "error", err)
	}
}

func (a *Applier) applyAdd(_ context.Context, msg *patch.Message) error {
	// head side effects first, so dependencies land even when the
	// visible insertion is skipped
	a.doc.InjectDependencies(msg.Body.Content.Dependencies)
	return a.doc.InsertItem(msg.Container, *msg.Body)
}

func (a *Applier) applyRemove(_ context.Context, msg *patch.Message) error {
	return a.doc.RemoveItem(msg.Container, *msg.Index)
}

func (a *Applier) applyUpdate(_ context.Context, msg *patch.Message) error {
	a.doc.InjectDependencies(msg.Body.Content.Dependencies)
	return a.doc.ReplaceContent(msg.Container, *msg.Index, msg.Body.Content)
}

// Applied returns the number of successfully applied mutations.
func (a *Applier) Applied() uint64 { return atomic.LoadUint64(&a.applied) }

// Warnings returns the number of warn-and-no-op messages.
func (a *Applier) Warnings() uint64 {
	return atomic.LoadUint64(&a.notFound) + atomic.LoadUint64(&a.outOfRange)
}

// BindFailures returns the number of rebind cycles that surfaced a
// duplicate-binding condition.
func (a *Applier) BindFailures() uint64 { return atomic.LoadUint64(&a.bindFailures) }

func derefIndex(i *int) int {
	if i == nil {
		return -1
	}
	return *i
}
