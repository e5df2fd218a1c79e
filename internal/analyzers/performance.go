package analyzers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"auditbuddy/internal/domain"
)

type perfMetrics struct {
	TTFBMS          int64  `json:"ttfbMs"`
	LoadMS          int64  `json:"loadMs"`
	HTMLBytes       int    `json:"htmlBytes"`
	TransferBytes   int64  `json:"transferBytes"`
	Compression     string `json:"compression,omitempty"`
	BlockingScripts int    `json:"blockingScripts"`
	Stylesheets     int    `json:"stylesheets"`
	Scripts         int    `json:"scripts"`
	Images          int    `json:"images"`
	LazyImages      int    `json:"lazyImages"`
	CacheControl    string `json:"cacheControl,omitempty"`
}

type opportunity struct {
	Title   string `json:"title"`
	Penalty int    `json:"penalty"`
}

type perfReport struct {
	Metrics       perfMetrics   `json:"metrics"`
	Opportunities []opportunity `json:"opportunities"`
}

type performance struct {
	base
	fetch *Fetcher
}

// NewPerformance measures the main document and deducts from 100:
// TTFB over 600ms (10) or 1800ms (20); load over 2.5s (15) or 4s (30);
// HTML over 100KB (10) or 500KB (20); 5 per render-blocking script up to 20;
// 10 for an uncompressed body over 1KB; 5 when no caching validators are sent.
func NewPerformance(f *Fetcher, timeout time.Duration) Analyzer {
	return &performance{base: base{name: "performance", timeout: timeout}, fetch: f}
}

func (a *performance) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return outcome(0, nil, fmt.Errorf("parse html: %w", err))
	}
	score, report := scorePerformance(page, doc)
	return outcome(score, report, nil)
}

func scorePerformance(page *Page, doc *html.Node) (int, *perfReport) {
	m := perfMetrics{
		TTFBMS:        page.TTFB.Milliseconds(),
		LoadMS:        page.Total.Milliseconds(),
		HTMLBytes:     len(page.Body),
		TransferBytes: page.WireBytes,
		Compression:   page.Encoding,
		CacheControl:  page.Header.Get("Cache-Control"),
	}
	if head := first(doc, "head"); head != nil {
		for _, s := range elements(head, "script") {
			_, async := attr(s, "async")
			_, deferred := attr(s, "defer")
			typ := strings.ToLower(attrOr(s, "type"))
			if attrOr(s, "src") != "" && !async && !deferred && typ != "module" {
				m.BlockingScripts++
			}
		}
	}
	for _, s := range elements(doc, "script") {
		if attrOr(s, "src") != "" {
			m.Scripts++
		}
	}
	for _, l := range elements(doc, "link") {
		if strings.EqualFold(attrOr(l, "rel"), "stylesheet") {
			m.Stylesheets++
		}
	}
	for _, img := range elements(doc, "img") {
		m.Images++
		if strings.EqualFold(attrOr(img, "loading"), "lazy") {
			m.LazyImages++
		}
	}

	r := &perfReport{Metrics: m, Opportunities: []opportunity{}}
	deduct := func(penalty int, title string) {
		r.Opportunities = append(r.Opportunities, opportunity{Title: title, Penalty: penalty})
	}
	switch {
	case page.TTFB > 1800*time.Millisecond:
		deduct(20, "Reduce server response time (TTFB over 1.8s)")
	case page.TTFB > 600*time.Millisecond:
		deduct(10, "Reduce server response time (TTFB over 600ms)")
	}
	switch {
	case page.Total > 4*time.Second:
		deduct(30, "Document load takes over 4s")
	case page.Total > 2500*time.Millisecond:
		deduct(15, "Document load takes over 2.5s")
	}
	switch {
	case m.HTMLBytes > 500<<10:
		deduct(20, "HTML document is over 500KB")
	case m.HTMLBytes > 100<<10:
		deduct(10, "HTML document is over 100KB")
	}
	if m.BlockingScripts > 0 {
		p := 5 * m.BlockingScripts
		if p > 20 {
			p = 20
		}
		deduct(p, fmt.Sprintf("Defer %d render-blocking scripts", m.BlockingScripts))
	}
	if page.Encoding == "" && m.HTMLBytes > 1<<10 {
		deduct(10, "Enable text compression")
	}
	if m.CacheControl == "" && page.Header.Get("ETag") == "" && page.Header.Get("Last-Modified") == "" {
		deduct(5, "Serve the document with caching headers")
	}

	score := 100
	for _, o := range r.Opportunities {
		score -= o.Penalty
	}
	if score < 0 {
		score = 0
	}
	return score, r
}
