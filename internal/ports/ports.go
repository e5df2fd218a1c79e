package ports

import (
	"context"

	"auditbuddy/internal/domain"
)

// ProgressHub publishes live status transitions keyed by audit id.
type ProgressHub interface {
	Publish(ctx context.Context, event domain.ProgressEvent) error
	// Subscribe streams the current snapshot followed by live events. The
	// channel closes after the terminal event or when ctx is done.
	Subscribe(ctx context.Context, auditID string) (<-chan domain.ProgressEvent, error)
	Snapshot(ctx context.Context, auditID string) (domain.ProgressEvent, error)
	Forget(ctx context.Context, auditID string) error
}

// Audits is the orchestration surface consumed by transports.
type Audits interface {
	CreateAudit(ctx context.Context, rawURL, owner string) (*domain.Audit, error)
	RerunAudit(ctx context.Context, auditID, requester string) (*domain.Audit, error)
	GetStatus(ctx context.Context, auditID string) (*domain.Audit, error)
	// Await blocks until the audit is terminal or ctx is done.
	Await(ctx context.Context, auditID string) (*domain.Audit, error)
	CancelAudit(ctx context.Context, auditID, requester string) (bool, error)
	ListAudits(ctx context.Context, owner string, limit int) ([]*domain.Audit, error)
	Subscribe(ctx context.Context, auditID string) (<-chan domain.ProgressEvent, error)
	Snapshot(ctx context.Context, auditID string) (domain.ProgressEvent, error)
}

// Profiles provides latest scores for registrable domains.
type Profiles interface {
	GetLatest(ctx context.Context, domain string) (domain.Profile, error)
}

// Admission rate-limits requests by client identity.
type Admission interface {
	Allow(ctx context.Context, clientID string) error
}
