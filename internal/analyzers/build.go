package analyzers

import (
	"time"

	"auditbuddy/internal/config"
)

type constructor func(f *Fetcher, timeout time.Duration) Analyzer

var catalog = []struct {
	name string
	core bool
	new  constructor
}{
	{"seo", true, NewSEO},
	{"performance", true, NewPerformance},
	{"accessibility", true, NewAccessibility},
	{"security", true, NewSecurity},
	{"technologies", true, NewTechnologies},
	{"bundle", false, NewBundle},
	{"gdpr", false, NewGDPR},
	{"pwa", false, NewPWA},
	{"carbon", false, NewCarbon},
}

// Build registers every analyzer enabled in cfg, in catalog order.
func Build(cfg config.Config, f *Fetcher) (*Registry, error) {
	var list []Analyzer
	for _, c := range catalog {
		if !cfg.AnalyzerEnabled(c.name, c.core) {
			continue
		}
		list = append(list, c.new(f, cfg.AnalyzerTimeout(c.name, DefaultTimeout)))
	}
	return NewRegistry(list...)
}

// Known reports whether name is a built-in analyzer.
func Known(name string) bool {
	for _, c := range catalog {
		if c.name == name {
			return true
		}
	}
	return false
}
