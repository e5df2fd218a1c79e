package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"auditbuddy/internal/domain"
)

var errIDEmpty = errors.New("audit ID cannot be empty")

// Store is an in-memory Audit Store. Records are cloned on the way in and out.
type Store struct {
	mu     sync.RWMutex
	audits map[string]*domain.Audit
}

func NewStore() *Store {
	return &Store{audits: make(map[string]*domain.Audit)}
}

func (s *Store) Create(ctx context.Context, audit *domain.Audit) error {
	if audit == nil || audit.ID == "" {
		return errIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audits[audit.ID]; exists {
		return errors.New("audit with ID " + audit.ID + " already exists")
	}
	audit.Version = 1
	s.audits[audit.ID] = audit.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audits[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) Update(ctx context.Context, audit *domain.Audit) error {
	if audit == nil || audit.ID == "" {
		return errIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.audits[audit.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != audit.Version {
		return domain.ErrConflict
	}
	audit.Version++
	s.audits[audit.ID] = audit.Clone()
	return nil
}

func (s *Store) FindRecentByURL(ctx context.Context, url string, since time.Time) (*domain.Audit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.Audit
	for _, a := range s.audits {
		if a.URL != url || a.CreatedAt.Before(since) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Clone(), true, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.Audit, error) {
	out := s.filter(func(a *domain.Audit) bool { return a.Owner == owner })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnfinished(ctx context.Context) ([]*domain.Audit, error) {
	out := s.filter(func(a *domain.Audit) bool { return !a.Status.Terminal() })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) LatestCompletedByDomain(ctx context.Context, domainName string) (*domain.Audit, bool, error) {
	out := s.filter(func(a *domain.Audit) bool {
		return a.Domain == domainName && a.CompletedAt != nil &&
			(a.Status == domain.StatusCompleted || a.Status == domain.StatusCompletedWithErrors)
	})
	if len(out) == 0 {
		return nil, false, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(*out[j].CompletedAt) })
	return out[0], true, nil
}

func (s *Store) filter(keep func(*domain.Audit) bool) []*domain.Audit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Audit
	for _, a := range s.audits {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}
