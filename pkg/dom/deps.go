package dom

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"patchcast/pkg/patch"
)

// InjectDependencies ensures every declared dependency is present exactly
// once in the document head. Already-injected dependencies (by Name@Version
// key, or by a matching src/href already present in the parsed page) are
// skipped. Injection happens even when the triggering patch targets a
// missing container, so a later add can rely on the resources being there.
func (d *Document) InjectDependencies(deps []patch.Dependency) {
	if len(deps) == 0 {
		return
	}
	head := d.head()
	if head == nil {
		return
	}
	for _, dep := range deps {
		if d.injected[dep.Key()] {
			continue
		}
		for _, href := range dep.Stylesheets {
			if !headHas(head, atom.Link, "href", href) {
				head.AppendChild(element("link", attrList{"rel": "stylesheet", "href": href}))
			}
		}
		for _, src := range dep.Scripts {
			if !headHas(head, atom.Script, "src", src) {
				head.AppendChild(element("script", attrList{"src": src}))
			}
		}
		d.injected[dep.Key()] = true
	}
}

// InjectedDependencies reports which dependency keys have been injected
// so far; used by stats and tests.
func (d *Document) InjectedDependencies() []string {
	out := make([]string, 0, len(d.injected))
	for k := range d.injected {
		out = append(out, k)
	}
	return out
}

func headHas(head *html.Node, a atom.Atom, key, val string) bool {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a && attr(c, key) == val {
			return true
		}
	}
	return false
}
