package analyzers

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"auditbuddy/internal/domain"
)

type technology struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Version    string  `json:"version,omitempty"`
	Source     string  `json:"source"`
}

type techReport struct {
	Technologies []technology `json:"technologies"`
	// Disclosures are technologies whose version is visible to anyone.
	Disclosures []string `json:"disclosures"`
}

type signature struct {
	name, category string
	// script matches against script src URLs; body against the raw HTML.
	script, body *regexp.Regexp
}

var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+`)

var signatures = []signature{
	{name: "React", category: "JavaScript framework", script: regexp.MustCompile(`react(?:-dom)?[.-]`), body: regexp.MustCompile(`data-reactroot|__REACT_DEVTOOLS`)},
	{name: "Next.js", category: "Web framework", script: regexp.MustCompile(`/_next/`), body: regexp.MustCompile(`__NEXT_DATA__`)},
	{name: "Vue.js", category: "JavaScript framework", script: regexp.MustCompile(`vue(?:\.min)?\.js|vue@`), body: regexp.MustCompile(`data-v-[0-9a-f]{8}`)},
	{name: "Nuxt.js", category: "Web framework", script: regexp.MustCompile(`/_nuxt/`), body: regexp.MustCompile(`__NUXT__`)},
	{name: "Angular", category: "JavaScript framework", script: regexp.MustCompile(`angular(?:\.min)?\.js`), body: regexp.MustCompile(`ng-version=`)},
	{name: "jQuery", category: "JavaScript library", script: regexp.MustCompile(`jquery[.-]`)},
	{name: "Bootstrap", category: "UI framework", script: regexp.MustCompile(`bootstrap(?:\.bundle)?(?:\.min)?\.js`)},
	{name: "WordPress", category: "CMS", script: regexp.MustCompile(`/wp-(?:content|includes)/`), body: regexp.MustCompile(`/wp-content/`)},
	{name: "Shopify", category: "E-commerce", script: regexp.MustCompile(`cdn\.shopify\.com`), body: regexp.MustCompile(`Shopify\.theme`)},
	{name: "Gatsby", category: "Static site generator", body: regexp.MustCompile(`id="___gatsby"`)},
	{name: "Google Analytics", category: "Analytics", script: regexp.MustCompile(`google-analytics\.com|googletagmanager\.com/gtag`)},
	{name: "Google Tag Manager", category: "Tag manager", script: regexp.MustCompile(`googletagmanager\.com/gtm\.js`)},
}

type technologies struct {
	base
	fetch *Fetcher
}

// NewTechnologies fingerprints the stack from the generator meta tag,
// response headers, script URLs and markup. It scores 100 minus 15 for every
// version disclosed by a response header or the generator tag.
func NewTechnologies(f *Fetcher, timeout time.Duration) Analyzer {
	return &technologies{base: base{name: "technologies", timeout: timeout}, fetch: f}
}

func (a *technologies) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	score, report, err := scoreTechnologies(page)
	return outcome(score, report, err)
}

func scoreTechnologies(page *Page) (int, *techReport, error) {
	doc, err := parseHTML(page.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("parse html: %w", err)
	}
	found := make(map[string]technology)
	add := func(t technology) {
		if cur, ok := found[t.Name]; ok && (cur.Version != "" || t.Version == "") {
			return
		}
		found[t.Name] = t
	}

	if gen := metaContent(doc, "generator"); gen != "" {
		name := strings.TrimSpace(versionPattern.ReplaceAllString(gen, ""))
		add(technology{Name: name, Category: "CMS", Confidence: 1, Version: versionPattern.FindString(gen), Source: "meta generator"})
	}
	for header, category := range map[string]string{"Server": "Web server", "X-Powered-By": "Platform"} {
		v := page.Header.Get(header)
		if v == "" {
			continue
		}
		name := strings.TrimSpace(strings.SplitN(v, "/", 2)[0])
		add(technology{Name: name, Category: category, Confidence: 1, Version: versionPattern.FindString(v), Source: header + " header"})
	}
	if page.Header.Get("CF-Ray") != "" {
		add(technology{Name: "Cloudflare", Category: "CDN", Confidence: 1, Source: "CF-Ray header"})
	}

	var scripts []string
	for _, s := range elements(doc, "script") {
		if src := attrOr(s, "src"); src != "" {
			scripts = append(scripts, src)
		}
	}
	body := string(page.Body)
	for _, sig := range signatures {
		if sig.script != nil {
			for _, src := range scripts {
				if sig.script.MatchString(src) {
					add(technology{Name: sig.name, Category: sig.category, Confidence: 0.9, Version: versionPattern.FindString(src), Source: "script " + src})
					break
				}
			}
		}
		if sig.body != nil && sig.body.MatchString(body) {
			add(technology{Name: sig.name, Category: sig.category, Confidence: 0.7, Source: "markup"})
		}
	}

	r := &techReport{Technologies: []technology{}, Disclosures: []string{}}
	for _, t := range found {
		r.Technologies = append(r.Technologies, t)
		if t.Version != "" && !strings.HasPrefix(t.Source, "script") {
			r.Disclosures = append(r.Disclosures, t.Name+" "+t.Version)
		}
	}
	sort.Slice(r.Technologies, func(i, j int) bool { return r.Technologies[i].Name < r.Technologies[j].Name })
	sort.Strings(r.Disclosures)

	score := 100 - 15*len(r.Disclosures)
	if score < 0 {
		score = 0
	}
	return score, r, nil
}
