// Package patch defines the wire protocol for container patch messages:
// a small tagged union over add/remove/update operations against a named
// container, decoded and validated strictly at the boundary before any
// dispatch happens.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the operation kind carried by a patch message.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionUpdate Action = "update"
)

// Alignment marks which side of the container an item renders on.
type Alignment string

const (
	AlignSent     Alignment = "sent"
	AlignReceived Alignment = "received"
)

var (
	ErrEmptyContainer = errors.New("patch: container id missing")
	ErrUnknownAction  = errors.New("patch: unknown action")
	ErrMissingIndex   = errors.New("patch: index required")
	ErrMissingBody    = errors.New("patch: body required")
	ErrEmptyContent   = errors.New("patch: content markup missing")
)

// Dependency describes a style/script resource that inserted markup
// requires in the document head. Injection is idempotent per document,
// keyed by Name+Version.
type Dependency struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Scripts     []string `json:"scripts,omitempty"`
	Stylesheets []string `json:"stylesheets,omitempty"`
}

// Key returns the identity under which a dependency is injected at most
// once per document.
func (d Dependency) Key() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "@" + d.Version
}

// Markup is rendered HTML plus the dependencies it requires. On the wire
// it is either a bare string (plain markup, no dependencies) or an
// object of the form {"html": ..., "dependencies": [...]}.
type Markup struct {
	HTML         string       `json:"html"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

func (m *Markup) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		m.HTML = s
		m.Dependencies = nil
		return nil
	}
	type alias Markup
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*m = Markup(a)
	return nil
}

func (m Markup) MarshalJSON() ([]byte, error) {
	if len(m.Dependencies) == 0 {
		return json.Marshal(m.HTML)
	}
	type alias Markup
	return json.Marshal(alias(m))
}

// Body is the renderable payload of an add or update operation. Content
// is the only required field; author, date and image feed the item's
// meta region and are immutable after the item is created.
type Body struct {
	Author    string    `json:"author,omitempty"`
	Date      string    `json:"date,omitempty"`
	Image     string    `json:"image,omitempty"`
	Alignment Alignment `json:"alignment,omitempty"`
	Content   Markup    `json:"content"`
}

// Message is one immutable patch instruction against a container. Index
// is 0-based and resolved against the container's current child ordering
// at apply time, so messages for one session must be applied strictly in
// send order.
type Message struct {
	ID        string  `json:"id,omitempty"`
	Container string  `json:"container"`
	Action    Action  `json:"action"`
	Index     *int    `json:"index,omitempty"`
	Body      *Body   `json:"body,omitempty"`
	TS        int64   `json:"ts,omitempty"`
	// Seq is the session-scoped apply sequence, assigned when the
	// message is accepted into the session's queue. Zero until then.
	Seq uint64 `json:"seq,omitempty"`
}

// Decode unmarshals and validates a patch message. Unknown fields are
// rejected so producer bugs surface at the boundary instead of being
// silently dropped.
func Decode(b []byte) (*Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("patch: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.normalize()
	return &m, nil
}

// Validate checks the structural rules of the tagged union: remove and
// update carry an index, add and update carry a body with content.
func (m *Message) Validate() error {
	if m.Container == "" {
		return ErrEmptyContainer
	}
	switch m.Action {
	case ActionAdd:
		if m.Body == nil {
			return fmt.Errorf("%w for add", ErrMissingBody)
		}
	case ActionRemove:
		if m.Index == nil {
			return fmt.Errorf("%w for remove", ErrMissingIndex)
		}
		if *m.Index < 0 {
			return fmt.Errorf("patch: negative index %d", *m.Index)
		}
	case ActionUpdate:
		if m.Index == nil {
			return fmt.Errorf("%w for update", ErrMissingIndex)
		}
		if *m.Index < 0 {
			return fmt.Errorf("patch: negative index %d", *m.Index)
		}
		if m.Body == nil {
			return fmt.Errorf("%w for update", ErrMissingBody)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	if m.Body != nil {
		if m.Body.Content.HTML == "" {
			return ErrEmptyContent
		}
		switch m.Body.Alignment {
		case "", AlignSent, AlignReceived:
		default:
			return fmt.Errorf("patch: invalid alignment %q", m.Body.Alignment)
		}
	}
	return nil
}

// normalize fills protocol defaults after validation.
func (m *Message) normalize() {
	if m.Body != nil && m.Body.Alignment == "" {
		m.Body.Alignment = AlignReceived
	}
}

// Encode marshals a message for the journal and the delivery channel.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
