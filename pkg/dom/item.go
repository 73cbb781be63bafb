package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"patchcast/pkg/patch"
)

// InsertItem constructs an item fragment from body and places it at the
// end (or, for prepend-configured containers, the head) of the
// container's item list. Dependency injection is the caller's concern so
// that head side effects still happen when the container is missing.
func (d *Document) InsertItem(containerID string, body patch.Body) error {
	c, err := d.Container(containerID)
	if err != nil {
		return err
	}
	item, err := buildItem(body)
	if err != nil {
		return err
	}
	list := itemList(c)
	if d.prepend[containerID] {
		list.InsertBefore(item, list.FirstChild)
		return nil
	}
	list.AppendChild(item)
	return nil
}

// RemoveItem detaches the item at position index from the container's
// current child sequence.
func (d *Document) RemoveItem(containerID string, index int) error {
	item, err := d.item(containerID, index)
	if err != nil {
		return err
	}
	item.Parent.RemoveChild(item)
	return nil
}

// ReplaceContent swaps only the content sub-region of the item at index
// for the new markup and stamps the modification marker. The item's meta
// region (author, date, avatar) is left untouched.
func (d *Document) ReplaceContent(containerID string, index int, m patch.Markup) error {
	item, err := d.item(containerID, index)
	if err != nil {
		return err
	}
	content := childByClass(item, "pc-content")
	if content == nil {
		// item was inserted by foreign markup; treat the whole item as
		// the content region rather than failing the stream
		content = item
	}
	for content.FirstChild != nil {
		content.RemoveChild(content.FirstChild)
	}
	nodes, err := parseFragment(m.HTML)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		content.AppendChild(n)
	}
	d.stampModified(item)
	return nil
}

// stampModified sets (or replaces) the item's modification marker.
func (d *Document) stampModified(item *html.Node) {
	if old := childByClass(item, "pc-modified"); old != nil {
		old.Parent.RemoveChild(old)
	}
	marker := element("span", attrList{"class": "pc-modified"})
	marker.AppendChild(text(fmt.Sprintf(d.marker, d.now().UTC().Format("2006-01-02 15:04"))))
	item.AppendChild(marker)
}

// buildItem renders one item: a meta region (avatar, author, date) and a
// content region holding the caller-rendered markup.
func buildItem(body patch.Body) (*html.Node, error) {
	item := element("div", attrList{"class": "pc-item pc-" + string(body.Alignment)})

	meta := element("div", attrList{"class": "pc-meta"})
	if body.Image != "" {
		meta.AppendChild(element("img", attrList{"class": "pc-avatar", "src": body.Image}))
	}
	if body.Author != "" {
		author := element("span", attrList{"class": "pc-author"})
		author.AppendChild(text(body.Author))
		meta.AppendChild(author)
	}
	if body.Date != "" {
		date := element("span", attrList{"class": "pc-date"})
		date.AppendChild(text(body.Date))
		meta.AppendChild(date)
	}
	if meta.FirstChild != nil {
		item.AppendChild(meta)
	}

	content := element("div", attrList{"class": "pc-content"})
	nodes, err := parseFragment(body.Content.HTML)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		content.AppendChild(n)
	}
	item.AppendChild(content)
	return item, nil
}

type attrList map[string]string

func element(tag string, attrs attrList) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for _, k := range []string{"class", "id", "src", "href", "rel"} {
		if v, ok := attrs[k]; ok {
			n.Attr = append(n.Attr, html.Attribute{Key: k, Val: v})
		}
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// childByClass returns the first descendant whose class attribute
// contains the given class token.
func childByClass(n *html.Node, class string) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if c != n && c.Type == html.ElementNode && hasClass(c, class) {
			found = c
			return false
		}
		return true
	})
	return found
}

func hasClass(n *html.Node, class string) bool {
	for _, tok := range strings.Fields(attr(n, "class")) {
		if tok == class {
			return true
		}
	}
	return false
}
