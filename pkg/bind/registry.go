// Package bind tracks the interactive elements of a mirrored page and
// restores their bindings after DOM mutations. The applier drives the
// mandatory three-step rebind: UnbindAll, InitializeAll, BindAll.
package bind

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/net/html"

	"patchcast/pkg/dom"
	"patchcast/pkg/logger"
)

var (
	ErrDuplicateBinding = errors.New("bind: element id bound twice")
	ErrNotBound         = errors.New("bind: element not bound")
)

// Binder is the interactive-binding collaborator contract consumed by
// the applier's rebind step.
type Binder interface {
	UnbindAll()
	InitializeAll(scope *html.Node) error
	BindAll(scope *html.Node) error
}

// InitFunc prepares one interactive element of a registered kind before
// it is bound. Returning an error skips the element.
type InitFunc func(id string, node *html.Node) error

type binding struct {
	kind  string
	node  *html.Node
	value string
}

// Registry is the default Binder. It scans a scope for elements
// declaring data-interactive, initializes registered kinds, and keeps
// the id -> binding table that value propagation runs through.
type Registry struct {
	mu       sync.Mutex
	inits    map[string]InitFunc
	staged   map[string]*binding
	bound    map[string]*binding
	onChange func(id, value string)
}

func NewRegistry() *Registry {
	return &Registry{
		inits:  map[string]InitFunc{},
		staged: map[string]*binding{},
		bound:  map[string]*binding{},
	}
}

// RegisterKind installs an initializer for a data-interactive kind.
func (r *Registry) RegisterKind(kind string, fn InitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits[kind] = fn
}

// OnChange installs the callback invoked when a bound element's value
// changes via SetValue.
func (r *Registry) OnChange(fn func(id, value string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// UnbindAll drops every tracked binding. Step one of the rebind cycle.
func (r *Registry) UnbindAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = map[string]*binding{}
	r.bound = map[string]*binding{}
}

// InitializeAll re-scans the scope for interactive element declarations
// and initializes them. Two elements sharing an id in the same scan is a
// caller-contract violation and surfaces as ErrDuplicateBinding.
func (r *Registry) InitializeAll(scope *html.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = map[string]*binding{}
	for _, n := range dom.InteractiveElements(scope) {
		id := dom.ElementID(n)
		if id == "" {
			logger.Warn("bind_element_without_id", "kind", dom.InteractiveKind(n))
			continue
		}
		if _, dup := r.staged[id]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateBinding, id)
		}
		b := &binding{kind: dom.InteractiveKind(n), node: n}
		if fn, ok := r.inits[b.kind]; ok {
			if err := fn(id, n); err != nil {
				logger.Warn("bind_init_failed", "id", id, "kind", b.kind, "error", err)
				continue
			}
		}
		r.staged[id] = b
	}
	return nil
}

// BindAll promotes the staged set into the bound table. Binding an id
// that is already bound means the rebind sequence was skipped or run out
// of order.
func (r *Registry) BindAll(scope *html.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.staged {
		if _, dup := r.bound[id]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateBinding, id)
		}
		r.bound[id] = b
	}
	r.staged = map[string]*binding{}
	return nil
}

// SetValue propagates a value change into a bound element. Unbound ids
// reject the change: this is what makes a skipped rebind observable as a
// dead control.
func (r *Registry) SetValue(id, value string) error {
	r.mu.Lock()
	b, ok := r.bound[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotBound, id)
	}
	b.value = value
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(id, value)
	}
	return nil
}

// Value returns the current value of a bound element.
func (r *Registry) Value(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bound[id]
	if !ok {
		return "", false
	}
	return b.value, true
}

// BoundIDs returns the ids currently tracked, for stats.
func (r *Registry) BoundIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bound))
	for id := range r.bound {
		out = append(out, id)
	}
	return out
}
