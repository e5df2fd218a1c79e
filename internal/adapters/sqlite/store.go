package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"auditbuddy/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is an Audit Store in a single SQLite file, for development and
// single-node deployments.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed, enables WAL and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "audits.db"
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent updates.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const auditColumns = `id, url, domain, owner, status, progress, current_step,
	category_results, error, created_at, updated_at, completed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (*domain.Audit, error) {
	var (
		a                domain.Audit
		status, results  string
		created, updated string
		completed        sql.NullString
	)
	err := row.Scan(&a.ID, &a.URL, &a.Domain, &a.Owner, &status, &a.Progress, &a.CurrentStep,
		&results, &a.Error, &created, &updated, &completed, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Status = domain.Status(status)
	a.CategoryResults = map[string]domain.AnalyzerOutcome{}
	if err := json.Unmarshal([]byte(results), &a.CategoryResults); err != nil {
		return nil, fmt.Errorf("decode category results for %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return nil, err
		}
		a.CompletedAt = &t
	}
	return &a, nil
}

func encodeResults(a *domain.Audit) (string, error) {
	if a.CategoryResults == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a.CategoryResults)
	return string(b), err
}

func (s *Store) Create(ctx context.Context, a *domain.Audit) error {
	results, err := encodeResults(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audits (id, url, domain, owner, status, progress, current_step,
			category_results, error, created_at, updated_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, a.ID, a.URL, a.Domain, a.Owner, string(a.Status), a.Progress, a.CurrentStep,
		results, a.Error, formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatOptional(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	a.Version = 1
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Audit, error) {
	a, err := scanAudit(s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

func (s *Store) Update(ctx context.Context, a *domain.Audit) error {
	results, err := encodeResults(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE audits SET status=?, progress=?, current_step=?, category_results=?,
			error=?, updated_at=?, completed_at=?, owner=?, version=version+1
		WHERE id=? AND version=?
	`, string(a.Status), a.Progress, a.CurrentStep, results, a.Error,
		formatTime(a.UpdatedAt), formatOptional(a.CompletedAt), a.Owner, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audits WHERE id=?`, a.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	a.Version++
	return nil
}

func (s *Store) FindRecentByURL(ctx context.Context, url string, since time.Time) (*domain.Audit, bool, error) {
	return s.one(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE url = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1
	`, url, formatTime(since))
}

func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.Audit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE owner = ?
		ORDER BY created_at DESC LIMIT ?
	`, owner, limit)
}

func (s *Store) ListUnfinished(ctx context.Context) ([]*domain.Audit, error) {
	return s.list(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at
	`)
}

func (s *Store) LatestCompletedByDomain(ctx context.Context, registrable string) (*domain.Audit, bool, error) {
	return s.one(ctx, `
		SELECT `+auditColumns+` FROM audits
		WHERE domain = ? AND status IN ('COMPLETED', 'COMPLETED_WITH_ERRORS') AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1
	`, registrable)
}

func (s *Store) one(ctx context.Context, query string, args ...any) (*domain.Audit, bool, error) {
	a, err := scanAudit(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*domain.Audit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
