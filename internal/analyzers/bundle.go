package analyzers

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"auditbuddy/internal/domain"
)

const (
	maxBundles        = 25
	bundleConcurrency = 4
)

type bundle struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Type          string `json:"type"` // js or css
	Size          int    `json:"size"`
	GzipSize      int    `json:"gzipSize"`
	Treeshakeable bool   `json:"treeshakeable"`
	// Coverage is the share of CSS rules whose selector matches the page; -1 for scripts.
	Coverage int `json:"coverage"`
}

type bundleIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

type bundleReport struct {
	TotalSize int           `json:"totalSize"`
	Bundles   []bundle      `json:"bundles"`
	Issues    []bundleIssue `json:"issues"`
	Skipped   []string      `json:"skipped,omitempty"`
}

type bundles struct {
	base
	fetch *Fetcher
}

// NewBundle downloads linked scripts and stylesheets and deducts from 100:
// 20 (over 1MB total) or 10 (over 500KB); 15 per script over 250KB;
// 10 per stylesheet whose selector coverage is under 50%.
func NewBundle(f *Fetcher, timeout time.Duration) Analyzer {
	return &bundles{base: base{name: "bundle", timeout: timeout}, fetch: f}
}

func (a *bundles) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return outcome(0, nil, fmt.Errorf("parse html: %w", err))
	}

	var targets []bundle
	for _, s := range elements(doc, "script") {
		if u, ok := resolve(page.URL, attrOr(s, "src")); ok {
			targets = append(targets, bundle{URL: u.String(), Type: "js", Coverage: -1})
		}
	}
	for _, l := range elements(doc, "link") {
		if !strings.EqualFold(attrOr(l, "rel"), "stylesheet") {
			continue
		}
		if u, ok := resolve(page.URL, attrOr(l, "href")); ok {
			targets = append(targets, bundle{URL: u.String(), Type: "css"})
		}
	}
	if len(targets) > maxBundles {
		targets = targets[:maxBundles]
	}

	sel := collectSelectors(doc)
	var mu sync.Mutex
	var skipped []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bundleConcurrency)
	for i := range targets {
		g.Go(func() error {
			b := &targets[i]
			asset, err := a.fetch.Get(gctx, b.URL)
			if err != nil {
				mu.Lock()
				skipped = append(skipped, b.URL)
				mu.Unlock()
				b.Size = -1
				return nil
			}
			b.Name = assetName(asset.URL)
			b.Size = len(asset.Body)
			b.GzipSize = gzipSize(asset.Body)
			if b.Type == "js" {
				b.Treeshakeable = looksModular(asset.Body)
			} else {
				b.Treeshakeable = true
				b.Coverage = cssCoverage(asset.Body, sel)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return outcome(0, nil, ctx.Err())
	}

	r := &bundleReport{Bundles: []bundle{}, Issues: []bundleIssue{}, Skipped: skipped}
	for _, b := range targets {
		if b.Size >= 0 {
			r.Bundles = append(r.Bundles, b)
			r.TotalSize += b.Size
		}
	}
	return outcome(scoreBundles(r), r, nil)
}

func scoreBundles(r *bundleReport) int {
	score := 100
	switch {
	case r.TotalSize > 1000000:
		score -= 20
	case r.TotalSize > 500000:
		score -= 10
	}
	for _, b := range r.Bundles {
		if b.Type == "js" && b.Size > 250000 {
			score -= 15
			r.Issues = append(r.Issues, bundleIssue{
				Severity:    "high",
				Description: fmt.Sprintf("Large JavaScript bundle: %s (%dKB)", b.Name, b.Size/1024),
				Suggestion:  "Consider code splitting or lazy loading",
			})
		}
		if b.Type == "css" && b.Coverage < 50 {
			score -= 10
			r.Issues = append(r.Issues, bundleIssue{
				Severity:    "medium",
				Description: fmt.Sprintf("Low selector coverage in %s (%d%%)", b.Name, b.Coverage),
				Suggestion:  "Remove unused CSS rules",
			})
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func assetName(u *url.URL) string {
	if name := path.Base(u.Path); name != "/" && name != "." {
		return name
	}
	return u.String()
}

func gzipSize(b []byte) int {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(b)
	_ = zw.Close()
	return buf.Len()
}

func looksModular(b []byte) bool {
	for _, marker := range []string{"export ", "import ", "module.exports", "require("} {
		if bytes.Contains(b, []byte(marker)) {
			return true
		}
	}
	return false
}

type selectorSet struct {
	tags, classes, ids map[string]bool
}

func collectSelectors(doc *html.Node) selectorSet {
	s := selectorSet{tags: map[string]bool{}, classes: map[string]bool{}, ids: map[string]bool{}}
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		s.tags[n.Data] = true
		if id := attrOr(n, "id"); id != "" {
			s.ids[id] = true
		}
		for _, c := range strings.Fields(attrOr(n, "class")) {
			s.classes[c] = true
		}
	})
	return s
}

var (
	cssRule      = regexp.MustCompile(`([^{}]+)\{[^{}]*\}`)
	cssComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	simpleSelect = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9-]*)?(?:([.#])([a-zA-Z_-][a-zA-Z0-9_-]*))?`)
)

// cssCoverage estimates the percentage of rules with at least one selector
// whose leading simple selector matches an element on the page. At-rules and
// selectors it cannot interpret count as used.
func cssCoverage(css []byte, sel selectorSet) int {
	css = cssComment.ReplaceAll(css, nil)
	rules := cssRule.FindAllSubmatch(css, -1)
	if len(rules) == 0 {
		return 100
	}
	used := 0
	for _, m := range rules {
		for _, s := range strings.Split(string(m[1]), ",") {
			if selectorUsed(strings.TrimSpace(s), sel) {
				used++
				break
			}
		}
	}
	return used * 100 / len(rules)
}

func selectorUsed(s string, sel selectorSet) bool {
	if s == "" || strings.HasPrefix(s, "@") || strings.HasPrefix(s, "*") || strings.HasPrefix(s, ":") {
		return true
	}
	m := simpleSelect.FindStringSubmatch(s)
	if m == nil || m[0] == "" {
		return true
	}
	tag, kind, name := strings.ToLower(m[1]), m[2], m[3]
	if tag != "" && !sel.tags[tag] {
		return false
	}
	switch kind {
	case ".":
		return sel.classes[name]
	case "#":
		return sel.ids[name]
	}
	return true
}
