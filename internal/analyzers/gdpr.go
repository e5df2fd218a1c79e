package analyzers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"auditbuddy/internal/domain"
)

type consentReport struct {
	BannerDetected   bool     `json:"bannerDetected"`
	ConsentManager   string   `json:"consentManager,omitempty"`
	RejectOption     bool     `json:"rejectOption"`
	GranularSettings bool     `json:"granularSettings"`
	Compliant        bool     `json:"compliant"`
	Issues           []string `json:"issues"`
}

type policyReport struct {
	Exists      bool     `json:"exists"`
	URL         string   `json:"url,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Issues      []string `json:"issues"`
}

type formReport struct {
	Purpose    string   `json:"purpose"`
	Fields     []string `json:"fields"`
	HasConsent bool     `json:"hasConsent"`
	Issues     []string `json:"issues"`
}

type tracker struct {
	Name      string `json:"name"`
	Purpose   string `json:"purpose"`
	Compliant bool   `json:"compliant"`
}

type cookieReport struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Secure     bool   `json:"secure"`
	HTTPOnly   bool   `json:"httpOnly"`
	SameSite   string `json:"sameSite,omitempty"`
	Persistent bool   `json:"persistent"`
	Compliant  bool   `json:"compliant"`
}

type protectionReport struct {
	SecureTransfer bool     `json:"secureTransfer"`
	Issues         []string `json:"issues"`
}

type gdprReport struct {
	CookieConsent  consentReport    `json:"cookieConsent"`
	PrivacyPolicy  policyReport     `json:"privacyPolicy"`
	Forms          []formReport     `json:"forms"`
	Trackers       []tracker        `json:"trackers"`
	Cookies        []cookieReport   `json:"cookies"`
	DataProtection protectionReport `json:"dataProtection"`
}

var consentManagers = map[string]string{
	"cookiebot":     "Cookiebot",
	"onetrust":      "OneTrust",
	"cookielaw.org": "OneTrust",
	"cookieyes":     "CookieYes",
	"quantcast":     "Quantcast Choice",
	"didomi":        "Didomi",
	"usercentrics":  "Usercentrics",
	"osano":         "Osano",
	"termly":        "Termly",
	"iubenda":       "iubenda",
}

var trackerSignatures = []struct {
	pattern, name, purpose string
}{
	{"google-analytics.com", "Google Analytics", "Analytics"},
	{"googletagmanager.com", "Google Tag Manager", "Analytics"},
	{"connect.facebook.net", "Facebook Pixel", "Marketing"},
	{"static.hotjar.com", "Hotjar", "Analytics"},
	{"snap.licdn.com", "LinkedIn Insight", "Marketing"},
	{"doubleclick.net", "DoubleClick", "Marketing"},
}

var (
	personalFields = []string{"name", "email", "phone", "address", "birthday", "passport", "ssn"}
	policyTerms    = []string{"personal data", "data protection", "rights", "consent", "processing"}
	datePattern    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})\b`)
)

type gdpr struct {
	base
	fetch *Fetcher
}

// NewGDPR checks consent, privacy policy, forms, trackers and cookies. It
// starts at 100 and deducts 30 with no consent banner, 20 when consent is not
// compliant, 30 with no privacy policy, 20 without HTTPS, 5 per issue in
// consent, policy and data protection, 10 per form collecting personal data
// without consent, 10 per tracker loaded without a consent manager, and 5
// per cookie set without the flags its type needs.
func NewGDPR(f *Fetcher, timeout time.Duration) Analyzer {
	return &gdpr{base: base{name: "gdpr", timeout: timeout}, fetch: f}
}

func (a *gdpr) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	doc, err := parseHTML(page.Body)
	if err != nil {
		return outcome(0, nil, fmt.Errorf("parse html: %w", err))
	}
	r := &gdprReport{}
	pageText := strings.ToLower(text(doc))
	r.CookieConsent = checkConsent(doc, pageText)
	r.PrivacyPolicy = a.checkPolicy(ctx, page, doc)
	r.Forms = checkForms(doc)
	r.Trackers = detectTrackers(doc, r.CookieConsent.ConsentManager != "")
	r.Cookies = classifyCookies(page)
	r.DataProtection = checkProtection(page)
	return outcome(scoreGDPR(r), r, nil)
}

func scoreGDPR(r *gdprReport) int {
	score := 100
	if !r.CookieConsent.BannerDetected {
		score -= 30
	}
	if !r.CookieConsent.Compliant {
		score -= 20
	}
	if !r.PrivacyPolicy.Exists {
		score -= 30
	}
	if !r.DataProtection.SecureTransfer {
		score -= 20
	}
	score -= 5 * (len(r.CookieConsent.Issues) + len(r.PrivacyPolicy.Issues) + len(r.DataProtection.Issues))
	for _, f := range r.Forms {
		if len(f.Issues) > 0 {
			score -= 10
		}
	}
	for _, t := range r.Trackers {
		if !t.Compliant {
			score -= 10
		}
	}
	for _, c := range r.Cookies {
		if !c.Compliant {
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func checkConsent(doc *html.Node, pageText string) consentReport {
	r := consentReport{Issues: []string{}}
	for _, s := range elements(doc, "script") {
		src := strings.ToLower(attrOr(s, "src"))
		for marker, name := range consentManagers {
			if src != "" && strings.Contains(src, marker) {
				r.ConsentManager = name
			}
		}
	}
	for _, kw := range []string{"cookie", "gdpr", "consent"} {
		if strings.Contains(pageText, kw) {
			r.BannerDetected = true
			break
		}
	}
	if r.ConsentManager != "" {
		r.BannerDetected = true
	}
	if !r.BannerDetected {
		r.Issues = append(r.Issues, "No cookie consent banner found")
		return r
	}
	r.RejectOption = strings.Contains(pageText, "reject") || strings.Contains(pageText, "decline")
	r.GranularSettings = strings.Contains(pageText, "preferences") || strings.Contains(pageText, "settings")
	// Consent managers render their controls client-side.
	if r.ConsentManager != "" {
		r.RejectOption, r.GranularSettings = true, true
	}
	if !r.RejectOption {
		r.Issues = append(r.Issues, "No option to reject non-essential cookies")
	}
	if !r.GranularSettings {
		r.Issues = append(r.Issues, "No granular cookie preferences available")
	}
	r.Compliant = r.RejectOption && r.GranularSettings
	return r
}

func (a *gdpr) checkPolicy(ctx context.Context, page *Page, doc *html.Node) policyReport {
	r := policyReport{Issues: []string{}}
	for _, link := range elements(doc, "a") {
		if strings.Contains(strings.ToLower(text(link)), "privacy") {
			if u, ok := resolve(page.URL, attrOr(link, "href")); ok {
				r.Exists, r.URL = true, u.String()
				break
			}
		}
	}
	if !r.Exists {
		r.Issues = append(r.Issues, "No privacy policy link found")
		return r
	}
	policy, err := a.fetch.Get(ctx, r.URL)
	if err != nil {
		r.Issues = append(r.Issues, "Unable to analyze privacy policy content")
		return r
	}
	pdoc, err := parseHTML(policy.Body)
	if err != nil {
		r.Issues = append(r.Issues, "Unable to analyze privacy policy content")
		return r
	}
	ptext := strings.ToLower(text(pdoc))
	for _, term := range policyTerms {
		if !strings.Contains(ptext, term) {
			r.Issues = append(r.Issues, "Privacy policy missing information about: "+term)
		}
	}
	r.LastUpdated = datePattern.FindString(ptext)
	return r
}

func checkForms(doc *html.Node) []formReport {
	out := []formReport{}
	for _, form := range elements(doc, "form") {
		f := formReport{Fields: []string{}, Issues: []string{}}
		personal := false
		for _, in := range elements(form, "input", "textarea", "select") {
			name := attrOr(in, "name")
			if name == "" {
				continue
			}
			f.Fields = append(f.Fields, name)
			lower := strings.ToLower(name)
			for _, p := range personalFields {
				if strings.Contains(lower, p) {
					personal = true
				}
			}
			if strings.EqualFold(attrOr(in, "type"), "checkbox") && in.Parent != nil {
				t := strings.ToLower(text(in.Parent))
				if strings.Contains(t, "consent") || strings.Contains(t, "agree") {
					f.HasConsent = true
				}
			}
		}
		f.Purpose = formPurpose(strings.ToLower(text(form)))
		if personal && !f.HasConsent {
			f.Issues = append(f.Issues, "Form collecting personal data without explicit consent")
		}
		out = append(out, f)
	}
	return out
}

func formPurpose(t string) string {
	switch {
	case strings.Contains(t, "newsletter"):
		return "Newsletter Subscription"
	case strings.Contains(t, "contact"):
		return "Contact Form"
	case strings.Contains(t, "register") || strings.Contains(t, "sign up"):
		return "Registration"
	case strings.Contains(t, "login") || strings.Contains(t, "sign in"):
		return "Authentication"
	}
	return "Unknown"
}

func detectTrackers(doc *html.Node, managed bool) []tracker {
	out := []tracker{}
	seen := map[string]bool{}
	for _, s := range elements(doc, "script") {
		src := strings.ToLower(attrOr(s, "src"))
		if src == "" {
			continue
		}
		for _, sig := range trackerSignatures {
			if strings.Contains(src, sig.pattern) && !seen[sig.name] {
				seen[sig.name] = true
				out = append(out, tracker{Name: sig.name, Purpose: sig.purpose, Compliant: managed})
			}
		}
	}
	return out
}

// cookieType classifies a cookie by well-known name prefixes.
func cookieType(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "_ga"), strings.HasPrefix(n, "_gid"), strings.HasPrefix(n, "_hj"), strings.HasPrefix(n, "_pk_"):
		return "statistics"
	case strings.HasPrefix(n, "_fbp"), strings.HasPrefix(n, "fr"), strings.HasPrefix(n, "ide"), strings.HasPrefix(n, "_gcl"):
		return "marketing"
	case strings.Contains(n, "sess"), strings.Contains(n, "csrf"), strings.Contains(n, "xsrf"), strings.Contains(n, "auth"):
		return "necessary"
	case strings.Contains(n, "lang"), strings.Contains(n, "locale"), strings.Contains(n, "theme"), strings.Contains(n, "consent"):
		return "preference"
	}
	return "unclassified"
}

func classifyCookies(page *Page) []cookieReport {
	resp := http.Response{Header: page.Header}
	out := []cookieReport{}
	for _, c := range resp.Cookies() {
		r := cookieReport{
			Name:       c.Name,
			Type:       cookieType(c.Name),
			Secure:     c.Secure,
			HTTPOnly:   c.HttpOnly,
			Persistent: c.MaxAge > 0 || !c.Expires.IsZero(),
		}
		switch c.SameSite {
		case http.SameSiteLaxMode:
			r.SameSite = "Lax"
		case http.SameSiteStrictMode:
			r.SameSite = "Strict"
		case http.SameSiteNoneMode:
			r.SameSite = "None"
		}
		r.Compliant = true
		if page.HTTPS() && !c.Secure {
			r.Compliant = false
		}
		if r.Type == "necessary" && !c.HttpOnly {
			r.Compliant = false
		}
		// Tracking cookies must wait for consent, so setting them on first load is a violation.
		if r.Type == "statistics" || r.Type == "marketing" {
			r.Compliant = false
		}
		out = append(out, r)
	}
	return out
}

func checkProtection(page *Page) protectionReport {
	r := protectionReport{SecureTransfer: page.HTTPS(), Issues: []string{}}
	if !r.SecureTransfer {
		r.Issues = append(r.Issues, "Website not using HTTPS")
	}
	if page.Header.Get("Strict-Transport-Security") == "" {
		r.Issues = append(r.Issues, "HSTS not enabled")
	}
	if page.Header.Get("X-Content-Type-Options") == "" {
		r.Issues = append(r.Issues, "X-Content-Type-Options header missing")
	}
	if page.Header.Get("X-Frame-Options") == "" {
		r.Issues = append(r.Issues, "X-Frame-Options header missing")
	}
	return r
}
