package bind

import (
	"errors"
	"testing"

	"golang.org/x/net/html"

	"patchcast/pkg/dom"
	"patchcast/pkg/patch"
)

func docWith(t *testing.T, contents ...string) *dom.Document {
	t.Helper()
	d, err := dom.NewBlank([]string{"chat"}, dom.Options{})
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	for _, c := range contents {
		if err := d.InsertItem("chat", patch.Body{Content: patch.Markup{HTML: c}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return d
}

func rebind(t *testing.T, r *Registry, d *dom.Document) {
	t.Helper()
	r.UnbindAll()
	if err := r.InitializeAll(d.Root()); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	if err := r.BindAll(d.Root()); err != nil {
		t.Fatalf("BindAll: %v", err)
	}
}

func TestRebindTracksNewElements(t *testing.T) {
	d := docWith(t, `<input id="mood" data-interactive="slider">`)
	r := NewRegistry()
	inited := 0
	r.RegisterKind("slider", func(id string, _ *html.Node) error {
		inited++
		return nil
	})
	rebind(t, r, d)
	if inited != 1 {
		t.Fatalf("initializer ran %d times, want 1", inited)
	}
	if _, ok := r.Value("mood"); !ok {
		t.Fatal("element not bound after rebind")
	}
}

func TestValuePropagatesOnlyWhenBound(t *testing.T) {
	d := docWith(t, `<input id="mood" data-interactive="slider">`)
	r := NewRegistry()
	var gotID, gotVal string
	r.OnChange(func(id, value string) { gotID, gotVal = id, value })

	// without rebind the inserted element is dead
	if err := r.SetValue("mood", "7"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("got %v, want ErrNotBound", err)
	}

	rebind(t, r, d)
	if err := r.SetValue("mood", "7"); err != nil {
		t.Fatalf("SetValue after rebind: %v", err)
	}
	if gotID != "mood" || gotVal != "7" {
		t.Fatalf("change did not propagate: %q=%q", gotID, gotVal)
	}
	if v, _ := r.Value("mood"); v != "7" {
		t.Fatalf("value not stored: %q", v)
	}
}

func TestDuplicateIDSurfacesWhenRebindSkipped(t *testing.T) {
	// two adds with the same interactive id and no intervening
	// remove+rebind leave two same-id elements in the document
	d := docWith(t,
		`<input id="mood" data-interactive="slider">`,
		`<input id="mood" data-interactive="slider">`,
	)
	r := NewRegistry()
	r.UnbindAll()
	err := r.InitializeAll(d.Root())
	if !errors.Is(err, ErrDuplicateBinding) {
		t.Fatalf("got %v, want ErrDuplicateBinding", err)
	}
}

func TestNoDuplicateWithCorrectSequencing(t *testing.T) {
	d := docWith(t, `<input id="mood" data-interactive="slider">`)
	r := NewRegistry()
	rebind(t, r, d)

	// remove the item, rebind, then add a new element reusing the id
	if err := d.RemoveItem("chat", 0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rebind(t, r, d)
	if _, ok := r.Value("mood"); ok {
		t.Fatal("stale binding survived rebind")
	}
	if err := d.InsertItem("chat", patch.Body{Content: patch.Markup{HTML: `<input id="mood" data-interactive="slider">`}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rebind(t, r, d)
	if _, ok := r.Value("mood"); !ok {
		t.Fatal("reused id not rebound")
	}
}

func TestBindAllRejectsDoubleBind(t *testing.T) {
	d := docWith(t, `<input id="mood" data-interactive="slider">`)
	r := NewRegistry()
	if err := r.InitializeAll(d.Root()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := r.BindAll(d.Root()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// skipping UnbindAll before the next cycle is the contract violation
	if err := r.InitializeAll(d.Root()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := r.BindAll(d.Root()); !errors.Is(err, ErrDuplicateBinding) {
		t.Fatalf("got %v, want ErrDuplicateBinding", err)
	}
}
