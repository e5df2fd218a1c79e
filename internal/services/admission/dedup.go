package admission

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
)

// Deduper finds an audit for the same normalized URL created within the
// dedup window. A zero window disables deduplication.
type Deduper struct {
	audits ports.AuditRepository
	window time.Duration
	clock  clockwork.Clock
}

func NewDeduper(audits ports.AuditRepository, window time.Duration, clock clockwork.Clock) *Deduper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Deduper{audits: audits, window: window, clock: clock}
}

func (d *Deduper) Recent(ctx context.Context, normalizedURL string) (*domain.Audit, bool, error) {
	if d.window <= 0 {
		return nil, false, nil
	}
	return d.audits.FindRecentByURL(ctx, normalizedURL, d.clock.Now().Add(-d.window))
}
