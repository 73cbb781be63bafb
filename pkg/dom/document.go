// Package dom maintains a server-held mirror of a live page as a parsed
// HTML tree. Containers are elements addressed by a stable id; each owns
// an ordered item list that patch operations mutate in place. A Document
// is not safe for concurrent use: the owning session serializes all
// mutations on a single goroutine.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	ErrContainerNotFound = errors.New("dom: container not found")
	ErrIndexOutOfRange   = errors.New("dom: item index out of range")
)

// DefaultMarkerFormat is the modification marker stamped on updated
// items when no format is configured.
const DefaultMarkerFormat = "(modified %s)"

// Options tune how a Document applies patches.
type Options struct {
	// PrependContainers lists container ids whose new items are inserted
	// at the head of the item list instead of appended.
	PrependContainers []string
	// MarkerFormat is the fmt string for the modification marker; it
	// receives one %s argument (a formatted timestamp).
	MarkerFormat string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Document is the DOM mirror of one live page.
type Document struct {
	root     *html.Node
	prepend  map[string]bool
	marker   string
	now      func() time.Time
	injected map[string]bool
}

// Parse builds a Document from a full page.
func Parse(page string, opts Options) (*Document, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("dom: parse page: %w", err)
	}
	d := &Document{
		root:     root,
		prepend:  map[string]bool{},
		marker:   opts.MarkerFormat,
		now:      opts.Now,
		injected: map[string]bool{},
	}
	for _, id := range opts.PrependContainers {
		d.prepend[id] = true
	}
	if d.marker == "" {
		d.marker = DefaultMarkerFormat
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// NewBlank builds a minimal page containing one empty container per id.
func NewBlank(containerIDs []string, opts Options) (*Document, error) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head></head><body>")
	for _, id := range containerIDs {
		b.WriteString(`<div id="` + html.EscapeString(id) + `" class="pc-container"><div data-role="items"></div></div>`)
	}
	b.WriteString("</body></html>")
	return Parse(b.String(), opts)
}

// Container returns the element whose id attribute equals id.
func (d *Document) Container(id string) (*html.Node, error) {
	n := findByID(d.root, id)
	if n == nil {
		return nil, fmt.Errorf("%w: %q", ErrContainerNotFound, id)
	}
	return n, nil
}

// Count returns the number of items currently in the container.
func (d *Document) Count(containerID string) (int, error) {
	c, err := d.Container(containerID)
	if err != nil {
		return 0, err
	}
	return len(elementChildren(itemList(c))), nil
}

// Root exposes the document root for binding scans.
func (d *Document) Root() *html.Node { return d.root }

// Render serializes the whole page.
func (d *Document) Render() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("dom: render: %w", err)
	}
	return buf.String(), nil
}

// RenderContainer serializes one container subtree.
func (d *Document) RenderContainer(id string) (string, error) {
	c, err := d.Container(id)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, c); err != nil {
		return "", fmt.Errorf("dom: render container %q: %w", id, err)
	}
	return buf.String(), nil
}

// itemList resolves the item-list sub-element of a container: the first
// descendant marked data-role="items", or the container itself when the
// page does not declare one.
func itemList(container *html.Node) *html.Node {
	var found *html.Node
	walk(container, func(n *html.Node) bool {
		if n != container && n.Type == html.ElementNode && attr(n, "data-role") == "items" {
			found = n
			return false
		}
		return true
	})
	if found != nil {
		return found
	}
	return container
}

// item returns the element at position index in the container's current
// child sequence.
func (d *Document) item(containerID string, index int) (*html.Node, error) {
	c, err := d.Container(containerID)
	if err != nil {
		return nil, err
	}
	items := elementChildren(itemList(c))
	if index < 0 || index >= len(items) {
		return nil, fmt.Errorf("%w: index %d, count %d", ErrIndexOutOfRange, index, len(items))
	}
	return items[index], nil
}

// findByID walks the tree depth-first looking for an element with the
// given id attribute.
func findByID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// walk visits nodes depth-first; fn returning false stops the walk.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func elementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// parseFragment parses markup in body context and returns its top nodes.
func parseFragment(s string) ([]*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	return nodes, nil
}

// head returns the document head element. html.Parse always synthesizes
// one, so a nil result only happens for hand-built trees.
func (d *Document) head() *html.Node {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Head {
			found = n
			return false
		}
		return true
	})
	return found
}

// InteractiveElements returns all elements in scope declaring a
// data-interactive attribute, in document order.
func InteractiveElements(scope *html.Node) []*html.Node {
	var out []*html.Node
	walk(scope, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "data-interactive") != "" {
			out = append(out, n)
		}
		return true
	})
	return out
}

// ElementID returns the id attribute of an element.
func ElementID(n *html.Node) string { return attr(n, "id") }

// InteractiveKind returns the declared data-interactive value.
func InteractiveKind(n *html.Node) string { return attr(n, "data-interactive") }
