package locator

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Match is the outcome of resolving one chain against a document.
type Match struct {
	List     string
	Selector string
	Index    int
	Count    int
}

// Found reports whether any selector in the chain matched.
func (m Match) Found() bool { return m.Index >= 0 }

// Document is a parsed page snapshot used for offline checks.
type Document struct {
	root *html.Node
}

// ParseDocument parses saved page HTML.
func ParseDocument(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root}, nil
}

// Resolve walks the chain and returns the first selector with any match.
// Invalid selectors are skipped, the same way the page scripts skip them.
func (d *Document) Resolve(list string, chain Chain) Match {
	m := Match{List: list, Index: -1}
	sel, idx, ok := chain.First(func(s string) bool {
		nodes := d.query(s)
		if len(nodes) == 0 {
			return false
		}
		m.Count = len(nodes)
		return true
	})
	if ok {
		m.Selector, m.Index = sel, idx
	}
	return m
}

// LastText returns the text of the last node the selector matches, which is
// how replies are read on the live page.
func (d *Document) LastText(selector string) string {
	nodes := d.query(selector)
	if len(nodes) == 0 {
		return ""
	}
	return strings.TrimSpace(textContent(nodes[len(nodes)-1]))
}

// Check resolves every list of the set.
func (d *Document) Check(s Set) []Match {
	lists := s.Lists()
	out := make([]Match, 0, len(lists))
	for _, name := range ListNames() {
		out = append(out, d.Resolve(name, lists[name]))
	}
	return out
}

func (d *Document) query(selector string) []*html.Node {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil
	}
	return cascadia.QueryAll(d.root, sel)
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
