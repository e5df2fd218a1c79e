package analyzers

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

func parseHTML(b []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(b))
}

// walk visits n and its descendants depth-first, in document order.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func elements(root *html.Node, tags ...string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		for _, t := range tags {
			if n.Data == t {
				out = append(out, n)
				return
			}
		}
	})
	return out
}

func first(root *html.Node, tag string) *html.Node {
	if list := elements(root, tag); len(list) > 0 {
		return list[0]
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func attrOr(n *html.Node, key string) string {
	v, _ := attr(n, key)
	return v
}

// text returns the visible text under n with whitespace collapsed.
func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode && !insideInvisible(c) {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// rawText concatenates the direct text children of n, such as script source.
func rawText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func insideInvisible(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && (p.Data == "script" || p.Data == "style" || p.Data == "noscript" || p.Data == "template") {
			return true
		}
	}
	return false
}

// metaContent returns the content of <meta name=name>, case-insensitively.
func metaContent(root *html.Node, name string) string {
	for _, m := range elements(root, "meta") {
		if strings.EqualFold(attrOr(m, "name"), name) {
			return strings.TrimSpace(attrOr(m, "content"))
		}
	}
	return ""
}

// linkHref returns the href of the first <link> whose rel contains rel.
func linkHref(root *html.Node, rel string) string {
	for _, l := range elements(root, "link") {
		for _, r := range strings.Fields(strings.ToLower(attrOr(l, "rel"))) {
			if r == rel {
				return attrOr(l, "href")
			}
		}
	}
	return ""
}

// resolve makes ref absolute against base, accepting only http(s) results.
func resolve(base *url.URL, ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return nil, false
	}
	u, err := base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	return u, true
}

// describe renders the opening tag of n, for reports.
func describe(n *html.Node) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(n.Data)
	for _, a := range n.Attr {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		if a.Val != "" {
			v := a.Val
			if len(v) > 60 {
				v = v[:60] + "..."
			}
			b.WriteString(`="` + html.EscapeString(v) + `"`)
		}
	}
	b.WriteByte('>')
	return b.String()
}

// selector builds a short CSS selector for n.
func selector(n *html.Node) string {
	if id := attrOr(n, "id"); id != "" {
		return n.Data + "#" + id
	}
	if classes := strings.Fields(attrOr(n, "class")); len(classes) > 0 {
		return n.Data + "." + strings.Join(classes, ".")
	}
	return n.Data
}
