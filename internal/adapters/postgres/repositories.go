package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"auditbuddy/internal/domain"
)

// AuditRepository
const auditColumns = `id::text, url, domain, owner, status, progress, current_step,
	category_results, error, created_at, updated_at, completed_at, version`

func scanAudit(row pgx.Row) (*domain.Audit, error) {
	var a domain.Audit
	var status string
	err := row.Scan(&a.ID, &a.URL, &a.Domain, &a.Owner, &status, &a.Progress, &a.CurrentStep,
		&a.CategoryResults, &a.Error, &a.CreatedAt, &a.UpdatedAt, &a.CompletedAt, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Status = domain.Status(status)
	if a.CategoryResults == nil {
		a.CategoryResults = map[string]domain.AnalyzerOutcome{}
	}
	return &a, nil
}

func results(a *domain.Audit) map[string]domain.AnalyzerOutcome {
	if a.CategoryResults == nil {
		return map[string]domain.AnalyzerOutcome{}
	}
	return a.CategoryResults
}

func (db *DB) Create(ctx context.Context, a *domain.Audit) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audits (id, url, domain, owner, status, progress, current_step,
			category_results, error, created_at, updated_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
	`, a.ID, a.URL, a.Domain, a.Owner, string(a.Status), a.Progress, a.CurrentStep,
		results(a), a.Error, a.CreatedAt, a.UpdatedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	a.Version = 1
	return nil
}

func (db *DB) Get(ctx context.Context, id string) (*domain.Audit, error) {
	a, err := scanAudit(db.Pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// Update writes the audit only if nobody else has updated it since it was read.
func (db *DB) Update(ctx context.Context, a *domain.Audit) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE audits SET status=$3, progress=$4, current_step=$5, category_results=$6,
			error=$7, updated_at=$8, completed_at=$9, owner=$10, version=version+1
		WHERE id=$1 AND version=$2
	`, a.ID, a.Version, string(a.Status), a.Progress, a.CurrentStep, results(a),
		a.Error, a.UpdatedAt, a.CompletedAt, a.Owner)
	if err != nil {
		return fmt.Errorf("update audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM audits WHERE id=$1)`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	a.Version++
	return nil
}

func (db *DB) FindRecentByURL(ctx context.Context, url string, since time.Time) (*domain.Audit, bool, error) {
	a, err := scanAudit(db.Pool.QueryRow(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE url = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, url, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (db *DB) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.Audit, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.list(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, limit)
}

func (db *DB) ListUnfinished(ctx context.Context) ([]*domain.Audit, error) {
	return db.list(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at
	`)
}

func (db *DB) LatestCompletedByDomain(ctx context.Context, registrable string) (*domain.Audit, bool, error) {
	a, err := scanAudit(db.Pool.QueryRow(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE domain = $1 AND status IN ('COMPLETED', 'COMPLETED_WITH_ERRORS') AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`, registrable))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (db *DB) list(ctx context.Context, query string, args ...any) ([]*domain.Audit, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
