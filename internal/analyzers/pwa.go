package analyzers

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"auditbuddy/internal/domain"
)

type manifest struct {
	Name            string `json:"name"`
	ShortName       string `json:"short_name"`
	StartURL        string `json:"start_url"`
	Display         string `json:"display"`
	BackgroundColor string `json:"background_color"`
	ThemeColor      string `json:"theme_color"`
	Icons           []struct {
		Src   string `json:"src"`
		Sizes string `json:"sizes"`
	} `json:"icons"`
}

type manifestReport struct {
	Exists bool     `json:"exists"`
	URL    string   `json:"url,omitempty"`
	Issues []string `json:"issues"`
}

type serviceWorkerReport struct {
	Registered   bool     `json:"registered"`
	ScriptURL    string   `json:"scriptUrl,omitempty"`
	Reachable    bool     `json:"reachable"`
	Capabilities []string `json:"capabilities"`
	Issues       []string `json:"issues"`
}

type installReport struct {
	CanBeInstalled      bool     `json:"canBeInstalled"`
	MissingRequirements []string `json:"missingRequirements"`
}

type pwaReport struct {
	Manifest       manifestReport      `json:"manifest"`
	ServiceWorker  serviceWorkerReport `json:"serviceWorker"`
	HTTPS          bool                `json:"https"`
	Installability installReport       `json:"installability"`
}

var (
	swRegister     = regexp.MustCompile(`serviceWorker\s*\.\s*register\(\s*['"]([^'"]+)['"]`)
	swCapabilities = []struct{ marker, name string }{
		{"cache.addAll", "Static Asset Caching"},
		{"addEventListener('fetch'", "Network Interception"},
		{`addEventListener("fetch"`, "Network Interception"},
		{"addEventListener('push'", "Push Notifications"},
		{`addEventListener("push"`, "Push Notifications"},
		{"addEventListener('sync'", "Background Sync"},
		{`addEventListener("sync"`, "Background Sync"},
	}
)

type pwa struct {
	base
	fetch *Fetcher
}

// NewPWA scores 14 for a manifest plus 4 for each of name, icons,
// start_url and display; 20 for a service worker registration, 2 if its
// script is reachable and 2 per capability (max 8); 20 for HTTPS; 20 when
// installable.
func NewPWA(f *Fetcher, timeout time.Duration) Analyzer {
	return &pwa{base: base{name: "pwa", timeout: timeout}, fetch: f}
}

func (a *pwa) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return outcome(0, nil, err)
	}

	r := &pwaReport{HTTPS: page.HTTPS()}
	m := a.loadManifest(ctx, page, doc, &r.Manifest)
	r.ServiceWorker = a.inspectServiceWorker(ctx, page, doc)
	r.Installability = installability(m, r.ServiceWorker.Registered, r.HTTPS)

	score := 0
	if m != nil {
		score += 14
		for _, ok := range []bool{m.Name != "" || m.ShortName != "", len(m.Icons) > 0, m.StartURL != "", m.Display != ""} {
			if ok {
				score += 4
			}
		}
	}
	if r.ServiceWorker.Registered {
		score += 20
		if r.ServiceWorker.Reachable {
			score += 2
		}
		score += 2 * len(r.ServiceWorker.Capabilities)
	}
	if r.HTTPS {
		score += 20
	}
	if r.Installability.CanBeInstalled {
		score += 20
	}
	return outcome(score, r, nil)
}

func (a *pwa) loadManifest(ctx context.Context, page *Page, doc *html.Node, r *manifestReport) *manifest {
	r.Issues = []string{}
	u, ok := resolve(page.URL, linkHref(doc, "manifest"))
	if !ok {
		r.Issues = append(r.Issues, "No web app manifest found")
		return nil
	}
	r.URL = u.String()
	mp, err := a.fetch.Get(ctx, r.URL)
	if err != nil {
		r.Issues = append(r.Issues, "Manifest could not be fetched")
		return nil
	}
	var m manifest
	if err := json.Unmarshal(mp.Body, &m); err != nil {
		r.Issues = append(r.Issues, "Manifest is not valid JSON")
		return nil
	}
	r.Exists = true
	if m.Name == "" && m.ShortName == "" {
		r.Issues = append(r.Issues, "Missing name or short_name")
	}
	if len(m.Icons) == 0 {
		r.Issues = append(r.Issues, "Missing icons")
	} else if !hasInstallIcon(m) {
		r.Issues = append(r.Issues, "Missing 192x192 or 512x512 icon")
	}
	if m.StartURL == "" {
		r.Issues = append(r.Issues, "Missing start_url")
	}
	if m.Display == "" {
		r.Issues = append(r.Issues, "Missing display mode")
	}
	if m.BackgroundColor == "" {
		r.Issues = append(r.Issues, "Missing background_color")
	}
	if m.ThemeColor == "" {
		r.Issues = append(r.Issues, "Missing theme_color")
	}
	return &m
}

func hasInstallIcon(m manifest) bool {
	for _, icon := range m.Icons {
		for _, size := range strings.Fields(icon.Sizes) {
			if size == "192x192" || size == "512x512" {
				return true
			}
		}
	}
	return false
}

func (a *pwa) inspectServiceWorker(ctx context.Context, page *Page, doc *html.Node) serviceWorkerReport {
	r := serviceWorkerReport{Capabilities: []string{}, Issues: []string{}}
	var script string
	for _, s := range elements(doc, "script") {
		body := rawText(s)
		if m := swRegister.FindStringSubmatch(body); m != nil {
			script = m[1]
			break
		}
		if strings.Contains(body, "serviceWorker") {
			script = "/sw.js"
		}
	}
	if script == "" {
		r.Issues = append(r.Issues, "No service worker registration found")
		return r
	}
	r.Registered = true
	u, ok := resolve(page.URL, script)
	if !ok {
		r.Issues = append(r.Issues, "Service worker URL is invalid")
		return r
	}
	r.ScriptURL = u.String()
	sw, err := a.fetch.Get(ctx, r.ScriptURL)
	if err != nil {
		r.Issues = append(r.Issues, "Service worker file not accessible")
		return r
	}
	r.Reachable = true
	seen := map[string]bool{}
	for _, c := range swCapabilities {
		if !seen[c.name] && strings.Contains(string(sw.Body), c.marker) {
			seen[c.name] = true
			r.Capabilities = append(r.Capabilities, c.name)
		}
	}
	return r
}

func installability(m *manifest, sw, https bool) installReport {
	r := installReport{MissingRequirements: []string{}}
	if m == nil {
		r.MissingRequirements = append(r.MissingRequirements, "Web App Manifest")
	} else {
		if m.Name == "" && m.ShortName == "" {
			r.MissingRequirements = append(r.MissingRequirements, "Manifest name or short_name")
		}
		if !hasInstallIcon(*m) {
			r.MissingRequirements = append(r.MissingRequirements, "Suitable icons in manifest")
		}
		if m.StartURL == "" {
			r.MissingRequirements = append(r.MissingRequirements, "start_url in manifest")
		}
		if m.Display == "" {
			r.MissingRequirements = append(r.MissingRequirements, "display mode in manifest")
		}
	}
	if !sw {
		r.MissingRequirements = append(r.MissingRequirements, "Service Worker")
	}
	if !https {
		r.MissingRequirements = append(r.MissingRequirements, "HTTPS")
	}
	r.CanBeInstalled = len(r.MissingRequirements) == 0
	return r
}
