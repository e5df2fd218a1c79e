package analyzers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"auditbuddy/internal/domain"
)

type a11yNode struct {
	HTML   string `json:"html"`
	Target string `json:"target"`
}

type a11yViolation struct {
	ID     string     `json:"id"`
	Impact string     `json:"impact"`
	Help   string     `json:"help"`
	Nodes  []a11yNode `json:"nodes"`
}

type a11yReport struct {
	Violations []a11yViolation `json:"violations"`
	Passes     []string        `json:"passes"`
}

// a11yRule reports offending nodes; an empty result is a pass.
type a11yRule struct {
	id     string
	impact string
	help   string
	check  func(doc *html.Node) []*html.Node
}

var impactPenalty = map[string]int{"critical": 15, "serious": 10, "moderate": 5, "minor": 0}

const maxReportedNodes = 10

var a11yRules = []a11yRule{
	{"image-alt", "critical", "Images must have alternate text", missingImageAlt},
	{"label", "critical", "Form elements must have labels", unlabelledInputs},
	{"button-name", "critical", "Buttons must have discernible text", unnamedButtons},
	{"html-has-lang", "serious", "<html> element must have a lang attribute", missingLang},
	{"document-title", "serious", "Documents must have a <title> element", missingTitle},
	{"link-name", "serious", "Links must have discernible text", unnamedLinks},
	{"frame-title", "serious", "Frames must have a title attribute", untitledFrames},
	{"meta-viewport", "moderate", "Zooming and scaling must not be disabled", zoomDisabled},
	{"heading-order", "moderate", "Heading levels should only increase by one", headingJumps},
	{"duplicate-id", "minor", "id attribute values must be unique", duplicateIDs},
}

type accessibility struct {
	base
	fetch *Fetcher
}

// NewAccessibility runs static markup rules and scores
// 100 - 15*critical - 10*serious - 5*moderate violated rules, floored at 0.
func NewAccessibility(f *Fetcher, timeout time.Duration) Analyzer {
	return &accessibility{base: base{name: "accessibility", timeout: timeout}, fetch: f}
}

func (a *accessibility) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return outcome(0, nil, fmt.Errorf("parse html: %w", err))
	}
	score, report := scoreAccessibility(doc)
	return outcome(score, report, nil)
}

func scoreAccessibility(doc *html.Node) (int, *a11yReport) {
	r := &a11yReport{Violations: []a11yViolation{}, Passes: []string{}}
	score := 100
	for _, rule := range a11yRules {
		nodes := rule.check(doc)
		if len(nodes) == 0 {
			r.Passes = append(r.Passes, rule.id)
			continue
		}
		v := a11yViolation{ID: rule.id, Impact: rule.impact, Help: rule.help}
		for i, n := range nodes {
			if i == maxReportedNodes {
				break
			}
			v.Nodes = append(v.Nodes, a11yNode{HTML: describe(n), Target: selector(n)})
		}
		r.Violations = append(r.Violations, v)
		score -= impactPenalty[rule.impact]
	}
	if score < 0 {
		score = 0
	}
	return score, r
}

func missingImageAlt(doc *html.Node) []*html.Node {
	var out []*html.Node
	for _, img := range elements(doc, "img") {
		if _, ok := attr(img, "alt"); ok || attrOr(img, "role") == "presentation" {
			continue
		}
		out = append(out, img)
	}
	return out
}

func hasAccessibleName(n *html.Node) bool {
	return strings.TrimSpace(attrOr(n, "aria-label")) != "" || strings.TrimSpace(attrOr(n, "aria-labelledby")) != "" ||
		strings.TrimSpace(attrOr(n, "title")) != ""
}

func unlabelledInputs(doc *html.Node) []*html.Node {
	labelled := make(map[string]bool)
	for _, l := range elements(doc, "label") {
		if f := attrOr(l, "for"); f != "" {
			labelled[f] = true
		}
	}
	var out []*html.Node
	for _, in := range elements(doc, "input", "select", "textarea") {
		switch strings.ToLower(attrOr(in, "type")) {
		case "hidden", "submit", "button", "reset", "image":
			continue
		}
		if hasAccessibleName(in) || labelled[attrOr(in, "id")] || insideLabel(in) {
			continue
		}
		out = append(out, in)
	}
	return out
}

func insideLabel(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			return true
		}
	}
	return false
}

func unnamedButtons(doc *html.Node) []*html.Node {
	var out []*html.Node
	for _, b := range elements(doc, "button") {
		if text(b) == "" && !hasAccessibleName(b) && !hasImageAlt(b) {
			out = append(out, b)
		}
	}
	return out
}

func hasImageAlt(n *html.Node) bool {
	for _, img := range elements(n, "img") {
		if strings.TrimSpace(attrOr(img, "alt")) != "" {
			return true
		}
	}
	return false
}

func missingLang(doc *html.Node) []*html.Node {
	h := first(doc, "html")
	if h == nil || strings.TrimSpace(attrOr(h, "lang")) != "" {
		return nil
	}
	return []*html.Node{h}
}

func missingTitle(doc *html.Node) []*html.Node {
	if t := first(doc, "title"); t != nil && text(t) != "" {
		return nil
	}
	if h := first(doc, "head"); h != nil {
		return []*html.Node{h}
	}
	return []*html.Node{doc}
}

func unnamedLinks(doc *html.Node) []*html.Node {
	var out []*html.Node
	for _, a := range elements(doc, "a") {
		if _, ok := attr(a, "href"); !ok {
			continue
		}
		if text(a) == "" && !hasAccessibleName(a) && !hasImageAlt(a) {
			out = append(out, a)
		}
	}
	return out
}

func untitledFrames(doc *html.Node) []*html.Node {
	var out []*html.Node
	for _, f := range elements(doc, "iframe", "frame") {
		if strings.TrimSpace(attrOr(f, "title")) == "" {
			out = append(out, f)
		}
	}
	return out
}

func zoomDisabled(doc *html.Node) []*html.Node {
	for _, m := range elements(doc, "meta") {
		if !strings.EqualFold(attrOr(m, "name"), "viewport") {
			continue
		}
		content := strings.ReplaceAll(strings.ToLower(attrOr(m, "content")), " ", "")
		if strings.Contains(content, "user-scalable=no") || strings.Contains(content, "user-scalable=0") {
			return []*html.Node{m}
		}
		for _, part := range strings.Split(content, ",") {
			if v, ok := strings.CutPrefix(part, "maximum-scale="); ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil && f < 2 {
					return []*html.Node{m}
				}
			}
		}
	}
	return nil
}

func headingJumps(doc *html.Node) []*html.Node {
	var out []*html.Node
	prev := 0
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || len(n.Data) != 2 || n.Data[0] != 'h' || n.Data[1] < '1' || n.Data[1] > '6' {
			return
		}
		level := int(n.Data[1] - '0')
		if prev > 0 && level > prev+1 {
			out = append(out, n)
		}
		prev = level
	})
	return out
}

func duplicateIDs(doc *html.Node) []*html.Node {
	seen := make(map[string]bool)
	var out []*html.Node
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		id := attrOr(n, "id")
		if id == "" {
			return
		}
		if seen[id] {
			out = append(out, n)
		}
		seen[id] = true
	})
	return out
}
