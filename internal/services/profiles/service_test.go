package profiles

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"auditbuddy/internal/adapters/memory"
	"auditbuddy/internal/domain"
)

func TestGetLatest(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	done := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older := done.Add(-time.Hour)

	old := &domain.Audit{
		ID: uuid.NewString(), URL: "https://example.com/", Domain: "example.com",
		Status: domain.StatusCompleted, CompletedAt: &older,
		CategoryResults: map[string]domain.AnalyzerOutcome{"seo": domain.Success(10, nil)},
	}
	latest := &domain.Audit{
		ID: uuid.NewString(), URL: "https://www.example.com/", Domain: "example.com",
		Status: domain.StatusCompletedWithErrors, CompletedAt: &done,
		CategoryResults: map[string]domain.AnalyzerOutcome{
			"seo":      domain.Success(90, nil),
			"security": domain.Success(71, nil),
			"pwa":      domain.Failure("boom"),
		},
	}
	for _, a := range []*domain.Audit{old, latest} {
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	svc := New(store)
	prof, err := svc.GetLatest(ctx, "WWW.Example.com")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if prof.AuditID != latest.ID || prof.Domain != "example.com" {
		t.Errorf("expected latest audit %s, got %+v", latest.ID, prof)
	}
	if prof.Overall != 81 {
		t.Errorf("expected overall 81, got %d", prof.Overall)
	}
	if len(prof.Scores) != 2 || prof.Scores["seo"] != 90 {
		t.Errorf("unexpected scores %v", prof.Scores)
	}
	if len(prof.Failed) != 1 || prof.Failed[0] != "pwa" {
		t.Errorf("expected pwa to be listed as failed, got %v", prof.Failed)
	}
	if !prof.CompletedAt.Equal(done) {
		t.Errorf("expected completedAt %v, got %v", done, prof.CompletedAt)
	}
}

func TestGetLatestNotFound(t *testing.T) {
	svc := New(memory.NewStore())
	for _, name := range []string{"", "unknown.org"} {
		if _, err := svc.GetLatest(context.Background(), name); err != ErrNotFound {
			t.Errorf("%q: expected ErrNotFound, got %v", name, err)
		}
	}
}
