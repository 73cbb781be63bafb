package applier

import (
	"context"
	"strings"
	"testing"
	"time"

	"patchcast/pkg/bind"
	"patchcast/pkg/dom"
	"patchcast/pkg/patch"
)

func newApplier(t *testing.T, containers ...string) (*dom.Document, *bind.Registry, *Applier) {
	t.Helper()
	if len(containers) == 0 {
		containers = []string{"chat"}
	}
	doc, err := dom.NewBlank(containers, dom.Options{Now: func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}})
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	reg := bind.NewRegistry()
	return doc, reg, New(doc, reg)
}

func add(container, author, content string) *patch.Message {
	return &patch.Message{
		Container: container,
		Action:    patch.ActionAdd,
		Body:      &patch.Body{Author: author, Alignment: patch.AlignReceived, Content: patch.Markup{HTML: content}},
	}
}

func remove(container string, index int) *patch.Message {
	return &patch.Message{Container: container, Action: patch.ActionRemove, Index: &index}
}

func update(container string, index int, content string) *patch.Message {
	return &patch.Message{
		Container: container,
		Action:    patch.ActionUpdate,
		Index:     &index,
		Body:      &patch.Body{Content: patch.Markup{HTML: content}},
	}
}

func apply(t *testing.T, a *Applier, msgs ...*patch.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := a.Apply(context.Background(), m); err != nil {
			t.Fatalf("apply %s: %v", m.Action, err)
		}
	}
}

// Scenario A: add into an empty container.
func TestAddIntoEmptyContainer(t *testing.T) {
	doc, _, a := newApplier(t)
	apply(t, a, add("chat", "Ann", "hi"))
	if n, _ := doc.Count("chat"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	out, _ := doc.RenderContainer("chat")
	if !strings.Contains(out, "pc-received") {
		t.Fatalf("alignment default not rendered: %s", out)
	}
}

// Scenario B: remove the only item.
func TestRemoveOnlyItem(t *testing.T) {
	doc, _, a := newApplier(t)
	apply(t, a, add("chat", "Ann", "hi"), remove("chat", 0))
	if n, _ := doc.Count("chat"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

// Scenario C: update touches only the addressed item's content region.
func TestUpdateTouchesOnlyContent(t *testing.T) {
	doc, _, a := newApplier(t)
	apply(t, a,
		add("chat", "Ann", "first"),
		add("chat", "Bob", "second"),
		update("chat", 1, "edited"),
	)
	out, _ := doc.RenderContainer("chat")
	if !strings.Contains(out, "first") {
		t.Fatalf("item 0 changed: %s", out)
	}
	if strings.Contains(out, "second") || !strings.Contains(out, "edited") {
		t.Fatalf("item 1 not updated: %s", out)
	}
	if !strings.Contains(out, "Bob") {
		t.Fatalf("author region changed by update: %s", out)
	}
	if !strings.Contains(out, "pc-modified") {
		t.Fatalf("modification marker missing: %s", out)
	}
}

// Counting law: final count = adds - successful removes.
func TestCountingLaw(t *testing.T) {
	doc, _, a := newApplier(t)
	for i := 0; i < 5; i++ {
		apply(t, a, add("chat", "Ann", "m"))
	}
	apply(t, a, remove("chat", 0), remove("chat", 0), remove("chat", 9))
	if n, _ := doc.Count("chat"); n != 3 {
		t.Fatalf("count = %d, want 5 adds - 2 applied removes = 3", n)
	}
	if a.Warnings() != 1 {
		t.Fatalf("warnings = %d, want 1 (the out-of-range remove)", a.Warnings())
	}
}

// Ordering-dependent addressing: after remove(i), the old index i
// targets what was previously i+1.
func TestIndexRenumberingAfterRemove(t *testing.T) {
	doc, _, a := newApplier(t)
	apply(t, a,
		add("chat", "", "a"), add("chat", "", "b"), add("chat", "", "c"),
		remove("chat", 1),
		update("chat", 1, "edited"),
	)
	out, _ := doc.RenderContainer("chat")
	if strings.Contains(out, ">c<") || !strings.Contains(out, "edited") {
		t.Fatalf("old index addressed wrong item after remove: %s", out)
	}
	if !strings.Contains(out, ">a<") {
		t.Fatalf("untouched item changed: %s", out)
	}
}

// Boundary: out-of-range remove/update warn and leave the container as-is.
func TestOutOfRangeIsWarnNoOp(t *testing.T) {
	doc, _, a := newApplier(t)
	apply(t, a, add("chat", "Ann", "hi"))
	before, _ := doc.RenderContainer("chat")
	apply(t, a, remove("chat", 5), update("chat", 3, "x"))
	after, _ := doc.RenderContainer("chat")
	if before != after {
		t.Fatalf("container changed by out-of-range ops:\n%s\n%s", before, after)
	}
	if a.Warnings() != 2 {
		t.Fatalf("warnings = %d, want 2", a.Warnings())
	}
	if a.Applied() != 1 {
		t.Fatalf("applied = %d, want 1", a.Applied())
	}
}

// Missing container: insertion skipped, dependencies still injected.
func TestMissingContainerStillInjectsDependencies(t *testing.T) {
	doc, _, a := newApplier(t)
	msg := add("ghost", "Ann", "hi")
	msg.Body.Content.Dependencies = []patch.Dependency{{Name: "widget", Scripts: []string{"widget.js"}}}
	apply(t, a, msg)
	if a.Warnings() != 1 {
		t.Fatalf("warnings = %d, want 1", a.Warnings())
	}
	page, _ := doc.Render()
	if !strings.Contains(page, "widget.js") {
		t.Fatalf("dependency not injected on missing container: %s", page)
	}
}

// Scenario D: an interactive element inserted by a patch responds to
// interaction after the automatic rebind.
func TestRebindActivatesInsertedElement(t *testing.T) {
	_, reg, a := newApplier(t)
	apply(t, a, add("chat", "Ann", `<input id="mood" data-interactive="slider">`))
	if err := reg.SetValue("mood", "9"); err != nil {
		t.Fatalf("inserted element is dead after rebind: %v", err)
	}
	if v, _ := reg.Value("mood"); v != "9" {
		t.Fatalf("value not propagated: %q", v)
	}
}

// Scenario E: reusing an interactive id across remove+add cycles is
// clean when every message rebinds; two live elements with the same id
// surface as a bind failure, not a crash.
func TestDuplicateIDHandling(t *testing.T) {
	_, reg, a := newApplier(t)
	el := `<input id="mood" data-interactive="slider">`

	apply(t, a, add("chat", "", el), remove("chat", 0), add("chat", "", el))
	if a.BindFailures() != 0 {
		t.Fatalf("bind failures = %d after clean reuse, want 0", a.BindFailures())
	}
	if _, ok := reg.Value("mood"); !ok {
		t.Fatal("reused id not bound")
	}

	// second live copy of the same id: condition is surfaced and the
	// stream keeps going
	apply(t, a, add("chat", "", el))
	if a.BindFailures() == 0 {
		t.Fatal("duplicate live id did not surface")
	}
	apply(t, a, add("chat", "", "still alive"))
}

func TestApplyHonorsContext(t *testing.T) {
	_, _, a := newApplier(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Apply(ctx, add("chat", "", "x")); err == nil {
		t.Fatal("canceled context accepted")
	}
}
