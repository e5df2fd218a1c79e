package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"auditbuddy/internal/domain"
)

func newAudit(id, url, owner string, created time.Time) *domain.Audit {
	return &domain.Audit{
		ID:              id,
		URL:             url,
		Domain:          "example.com",
		Owner:           owner,
		Status:          domain.StatusPending,
		CategoryResults: map[string]domain.AnalyzerOutcome{},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestStoreCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a := newAudit("a1", "https://example.com/", "u1", time.Now())
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, a); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}

	got.Status = domain.StatusRunning
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected caller's version bumped to 2, got %d", got.Version)
	}

	stale := a.Clone()
	stale.Status = domain.StatusFailed
	if err := s.Update(ctx, stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a := newAudit("a1", "https://example.com/", "", time.Now())
	_ = s.Create(ctx, a)
	a.CategoryResults["seo"] = domain.Failure("boom")

	got, _ := s.Get(ctx, "a1")
	if len(got.CategoryResults) != 0 {
		t.Error("store must not share the caller's results map")
	}
}

func TestStoreFindRecentByURL(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	_ = s.Create(ctx, newAudit("old", "https://example.com/", "", now.Add(-2*time.Hour)))
	_ = s.Create(ctx, newAudit("new", "https://example.com/", "", now.Add(-10*time.Minute)))
	_ = s.Create(ctx, newAudit("other", "https://other.com/", "", now))

	got, found, err := s.FindRecentByURL(ctx, "https://example.com/", now.Add(-time.Hour))
	if err != nil || !found {
		t.Fatalf("expected a match, got found=%v err=%v", found, err)
	}
	if got.ID != "new" {
		t.Errorf("expected newest audit, got %s", got.ID)
	}

	if _, found, _ := s.FindRecentByURL(ctx, "https://example.com/", now); found {
		t.Error("expected no match inside an empty window")
	}
}

func TestStoreListings(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		_ = s.Create(ctx, newAudit(id, "https://example.com/"+id, "u1", now.Add(time.Duration(i)*time.Minute)))
	}
	_ = s.Create(ctx, newAudit("d", "https://example.com/d", "u2", now))

	list, _ := s.ListByOwner(ctx, "u1", 2)
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("expected [c b], got %v", ids(list))
	}

	done, _ := s.Get(ctx, "a")
	done.Status = domain.StatusFailed
	_ = s.Update(ctx, done)

	unfinished, _ := s.ListUnfinished(ctx)
	if len(unfinished) != 3 || unfinished[0].ID != "d" {
		t.Errorf("expected 3 unfinished oldest first, got %v", ids(unfinished))
	}
}

func TestStoreLatestCompletedByDomain(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	for i, st := range []domain.Status{domain.StatusCompleted, domain.StatusCompletedWithErrors, domain.StatusFailed} {
		a := newAudit(string(rune('a'+i)), "https://example.com/", "", now)
		_ = s.Create(ctx, a)
		a.Status = st
		done := now.Add(time.Duration(i) * time.Minute)
		a.CompletedAt = &done
		_ = s.Update(ctx, a)
	}

	got, found, err := s.LatestCompletedByDomain(ctx, "example.com")
	if err != nil || !found {
		t.Fatalf("expected a profile source, got found=%v err=%v", found, err)
	}
	if got.ID != "b" {
		t.Errorf("expected latest non-failed audit b, got %s", got.ID)
	}
	if _, found, _ := s.LatestCompletedByDomain(ctx, "nothing.org"); found {
		t.Error("expected no audit for unknown domain")
	}
}

func ids(list []*domain.Audit) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}
