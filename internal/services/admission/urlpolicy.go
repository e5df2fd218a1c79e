package admission

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"auditbuddy/internal/config"
	"auditbuddy/internal/domain"
)

// Target is a validated audit target.
type Target struct {
	URL string
	// Domain is the registrable domain (eTLD+1), or the literal IP for IP hosts.
	Domain string
}

// URLPolicy validates and normalizes submitted URLs.
type URLPolicy struct {
	schemes   map[string]bool
	blocked   map[string]bool
	maxLength int
}

func NewURLPolicy(cfg config.URLConfig) *URLPolicy {
	p := &URLPolicy{
		schemes:   make(map[string]bool),
		blocked:   make(map[string]bool),
		maxLength: cfg.MaxLength,
	}
	for _, s := range cfg.AllowedSchemes {
		p.schemes[strings.ToLower(s)] = true
	}
	for _, tld := range cfg.BlockedTLDs {
		p.blocked[strings.TrimPrefix(strings.ToLower(tld), ".")] = true
	}
	return p
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// Normalize lower-cases the scheme and host, strips default ports and the
// fragment, and requires a host with a registrable domain.
func (p *URLPolicy) Normalize(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	invalid := func(reason string) (Target, error) {
		return Target{}, &domain.ValidationError{Input: raw, Reason: reason}
	}
	if raw == "" {
		return invalid("url is required")
	}
	if p.maxLength > 0 && len(raw) > p.maxLength {
		return invalid("url is too long")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return invalid("scheme is required")
	}
	if !p.schemes[scheme] {
		return invalid("scheme " + scheme + " is not allowed")
	}
	if u.Opaque != "" || u.Host == "" {
		return invalid("host is required")
	}
	if u.User != nil {
		return invalid("credentials are not allowed in the url")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return invalid("host is required")
	}
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}

	registrable, err := p.registrable(host)
	if err != nil {
		return invalid(err.Error())
	}

	u.Scheme = scheme
	u.Host = host
	if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return Target{URL: u.String(), Domain: registrable}, nil
}

func (p *URLPolicy) registrable(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if l == "" {
			return "", errString("host has an empty label")
		}
	}
	tld := labels[len(labels)-1]
	if p.blocked[tld] {
		return "", errString("top-level domain ." + tld + " is not accepted")
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return "", errString("unknown top-level domain ." + suffix)
	}
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", errString("host has no registrable domain")
	}
	return reg, nil
}

type errString string

func (e errString) Error() string { return string(e) }
