package ports

import (
	"context"
	"time"

	"auditbuddy/internal/domain"
)

// AuditRepository is the durable Audit Store. Update is optimistic: it succeeds
// only when the stored version equals audit.Version, then bumps the version.
type AuditRepository interface {
	Create(ctx context.Context, audit *domain.Audit) error
	Get(ctx context.Context, id string) (*domain.Audit, error)
	Update(ctx context.Context, audit *domain.Audit) error
	// FindRecentByURL returns the newest audit for url created at or after since.
	FindRecentByURL(ctx context.Context, url string, since time.Time) (audit *domain.Audit, found bool, err error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.Audit, error)
	// ListUnfinished returns PENDING and RUNNING audits, oldest first.
	ListUnfinished(ctx context.Context) ([]*domain.Audit, error)
	// LatestCompletedByDomain returns the newest COMPLETED or COMPLETED_WITH_ERRORS audit for a registrable domain.
	LatestCompletedByDomain(ctx context.Context, domain string) (audit *domain.Audit, found bool, err error)
}
