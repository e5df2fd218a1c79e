package analyzers

import (
	"context"
	"crypto/tls"
	"time"

	"auditbuddy/internal/domain"
)

type securityHeader struct {
	Name           string
	Required       bool
	Recommendation string
}

var securityHeaders = []securityHeader{
	{"Strict-Transport-Security", true, "max-age=31536000; includeSubDomains"},
	{"Content-Security-Policy", true, "default-src 'self'"},
	{"X-Frame-Options", true, "DENY"},
	{"X-Content-Type-Options", true, "nosniff"},
	{"Referrer-Policy", true, "strict-origin-when-cross-origin"},
	{"Permissions-Policy", false, "geolocation=(), microphone=()"},
}

type headerResult struct {
	Present bool   `json:"present"`
	Value   string `json:"value,omitempty"`
	check
	Recommendation string `json:"recommendation,omitempty"`
}

type tlsReport struct {
	Valid     bool       `json:"valid"`
	Version   string     `json:"version,omitempty"`
	Cipher    string     `json:"cipher,omitempty"`
	Issuer    string     `json:"issuer,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	check
}

type finding struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

type securityReport struct {
	Headers         map[string]headerResult `json:"headers"`
	SSL             tlsReport               `json:"ssl"`
	Vulnerabilities []finding               `json:"vulnerabilities"`
}

type security struct {
	base
	fetch *Fetcher
}

// NewSecurity awards 20 points per required security header, 10 for
// Permissions-Policy and 20 for HTTPS, capped at 100.
func NewSecurity(f *Fetcher, timeout time.Duration) Analyzer {
	return &security{base: base{name: "security", timeout: timeout}, fetch: f}
}

func (a *security) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	page, err := a.fetch.Get(ctx, url)
	if err != nil {
		return outcome(0, nil, err)
	}
	score, report := scoreSecurity(page)
	return outcome(score, report, nil)
}

func scoreSecurity(page *Page) (int, *securityReport) {
	r := &securityReport{Headers: make(map[string]headerResult), Vulnerabilities: []finding{}}
	score := 0
	for _, h := range securityHeaders {
		v := page.Header.Get(h.Name)
		res := headerResult{Present: v != "", Value: v}
		switch {
		case res.Present:
			res.check = check{"good", "Header is present"}
			if h.Required {
				score += 20
			} else {
				score += 10
			}
		case h.Required:
			res.check = check{"bad", "Missing required security header: " + h.Name}
			res.Recommendation = h.Recommendation
		default:
			res.check = check{"warning", "Recommended security header not found: " + h.Name}
			res.Recommendation = h.Recommendation
		}
		r.Headers[h.Name] = res
	}

	r.SSL = inspectTLS(page)
	if r.SSL.Valid {
		score += 20
	}

	for _, h := range []string{"Server", "X-Powered-By", "X-AspNet-Version"} {
		if v := page.Header.Get(h); v != "" && hasDigit(v) {
			r.Vulnerabilities = append(r.Vulnerabilities, finding{
				Type:           "information-disclosure",
				Severity:       "low",
				Description:    h + " header discloses software version: " + v,
				Recommendation: "Remove version details from the " + h + " header",
			})
		}
	}
	if score > 100 {
		score = 100
	}
	return score, r
}

func inspectTLS(page *Page) tlsReport {
	if !page.HTTPS() {
		return tlsReport{check: check{"bad", "Site is not using HTTPS"}}
	}
	st := page.TLS
	r := tlsReport{
		Valid:   true,
		Version: tls.VersionName(st.Version),
		Cipher:  tls.CipherSuiteName(st.CipherSuite),
		check:   check{"good", "HTTPS is properly configured"},
	}
	if len(st.PeerCertificates) > 0 {
		leaf := st.PeerCertificates[0]
		exp := leaf.NotAfter
		r.Issuer = leaf.Issuer.CommonName
		r.ExpiresAt = &exp
		if time.Until(exp) < 14*24*time.Hour {
			r.check = check{"warning", "Certificate expires within 14 days"}
		}
	}
	if st.Version < tls.VersionTLS12 {
		r.check = check{"warning", "Outdated TLS version " + r.Version}
	}
	return r
}

func hasDigit(s string) bool {
	for _, c := range s {
		if c >= '0' && c <= '9' {
			return true
		}
	}
	return false
}
