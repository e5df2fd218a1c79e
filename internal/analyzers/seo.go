package analyzers

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"auditbuddy/internal/domain"
)

type check struct {
	Status  string `json:"status"` // good, warning or bad
	Message string `json:"message"`
}

var checkWeights = map[string]float64{"good": 1, "warning": 0.5, "bad": 0}

type seoReport struct {
	Title struct {
		Value  string `json:"value"`
		Length int    `json:"length"`
		check
	} `json:"title"`
	Description struct {
		Value  string `json:"value"`
		Length int    `json:"length"`
		check
	} `json:"description"`
	Headings struct {
		H1Count int      `json:"h1Count"`
		H1Text  []string `json:"h1Text"`
		check
	} `json:"headings"`
	Images struct {
		Total   int `json:"total"`
		Missing int `json:"missing"`
		check
	} `json:"images"`
	Links struct {
		Internal int `json:"internal"`
		External int `json:"external"`
		check
	} `json:"links"`
	Canonical string `json:"canonical,omitempty"`
}

type seo struct {
	base
	fetch *Fetcher
}

// NewSEO scores five on-page factors (title, meta description, h1, image alt
// text, links) as good=1, warning=0.5, bad=0 and reports the mean as 0-100.
func NewSEO(f *Fetcher, timeout time.Duration) Analyzer {
	return &seo{base: base{name: "seo", timeout: timeout}, fetch: f}
}

func (a *seo) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	score, report, err := scoreSEO(page)
	return outcome(score, report, err)
}

func scoreSEO(page *Page) (int, *seoReport, error) {
	doc, err := parseHTML(page.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("parse html: %w", err)
	}
	r := &seoReport{}

	title := ""
	if t := first(doc, "title"); t != nil {
		title = text(t)
	}
	r.Title.Value, r.Title.Length = title, utf8.RuneCountInString(title)
	r.Title.check = lengthCheck("title tag", r.Title.Length, 30, 60)

	desc := metaContent(doc, "description")
	r.Description.Value, r.Description.Length = desc, utf8.RuneCountInString(desc)
	r.Description.check = lengthCheck("meta description", r.Description.Length, 120, 155)

	h1s := elements(doc, "h1")
	r.Headings.H1Count = len(h1s)
	r.Headings.H1Text = []string{}
	for _, h := range h1s {
		r.Headings.H1Text = append(r.Headings.H1Text, text(h))
	}
	switch {
	case len(h1s) == 0:
		r.Headings.check = check{"bad", "Missing H1 heading"}
	case len(h1s) > 1:
		r.Headings.check = check{"warning", "Multiple H1 headings found"}
	default:
		r.Headings.check = check{"good", "H1 heading is properly used"}
	}

	imgs := elements(doc, "img")
	r.Images.Total = len(imgs)
	for _, img := range imgs {
		if alt, ok := attr(img, "alt"); !ok || strings.TrimSpace(alt) == "" {
			r.Images.Missing++
		}
	}
	switch {
	case r.Images.Total == 0:
		r.Images.check = check{"warning", "No images found on the page"}
	case r.Images.Missing > 0:
		r.Images.check = check{"warning", fmt.Sprintf("%d out of %d images are missing alt text", r.Images.Missing, r.Images.Total)}
	default:
		r.Images.check = check{"good", "All images have alt text"}
	}

	for _, link := range elements(doc, "a") {
		href, ok := attr(link, "href")
		if !ok || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			continue
		}
		u, ok := resolve(page.URL, href)
		if !ok {
			continue
		}
		if strings.EqualFold(u.Hostname(), page.URL.Hostname()) {
			r.Links.Internal++
		} else {
			r.Links.External++
		}
	}
	if total := r.Links.Internal + r.Links.External; total > 0 {
		r.Links.check = check{"good", fmt.Sprintf("Found %d links (%d internal, %d external)", total, r.Links.Internal, r.Links.External)}
	} else {
		r.Links.check = check{"warning", "No links found on the page"}
	}
	r.Canonical = linkHref(doc, "canonical")

	statuses := []string{r.Title.Status, r.Description.Status, r.Headings.Status, r.Images.Status, r.Links.Status}
	sum := 0.0
	for _, s := range statuses {
		sum += checkWeights[s]
	}
	return int(math.Round(sum / float64(len(statuses)) * 100)), r, nil
}

func lengthCheck(what string, n, min, max int) check {
	switch {
	case n == 0:
		return check{"bad", "Missing " + what}
	case n < min:
		return check{"warning", fmt.Sprintf("%s length (%d characters) is too short; optimal is %d-%d", what, n, min, max)}
	case n > max:
		return check{"warning", fmt.Sprintf("%s length (%d characters) is too long; optimal is %d-%d", what, n, min, max)}
	}
	return check{"good", what + " is well-optimized"}
}
