package profiles

import (
	"context"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"

	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
)

var ErrNotFound = errString("no completed audit for domain")

type errString string

func (e errString) Error() string { return string(e) }

type Service struct {
	audits ports.AuditRepository
}

func New(audits ports.AuditRepository) *Service { return &Service{audits: audits} }

// GetLatest returns the score card of the newest completed audit for the
// registrable domain of name. Subdomains resolve to their registrable domain.
func (s *Service) GetLatest(ctx context.Context, name string) (domain.Profile, error) {
	key := registrable(name)
	if key == "" {
		return domain.Profile{}, ErrNotFound
	}
	a, found, err := s.audits.LatestCompletedByDomain(ctx, key)
	if err != nil {
		return domain.Profile{}, err
	}
	if !found {
		return domain.Profile{}, ErrNotFound
	}

	prof := domain.Profile{
		Domain:  key,
		AuditID: a.ID,
		URL:     a.URL,
		Scores:  make(map[string]int, len(a.CategoryResults)),
		Failed:  a.FailedCategories(),
	}
	prof.Overall, _ = a.OverallScore()
	for category, o := range a.CategoryResults {
		if o.Succeeded() {
			prof.Scores[category] = *o.Score
		}
	}
	if a.CompletedAt != nil {
		prof.CompletedAt = *a.CompletedAt
	}
	return prof, nil
}

func registrable(name string) string {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return reg
}
