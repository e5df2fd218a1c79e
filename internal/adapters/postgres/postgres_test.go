package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"auditbuddy/internal/domain"
)

// These tests need a disposable database; set TEST_DATABASE_URL to run them.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestAuditRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &domain.Audit{
		ID:        uuid.NewString(),
		URL:       "https://" + uuid.NewString() + ".example.com/",
		Domain:    "example.com",
		Owner:     "u1",
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := db.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Status = domain.StatusRunning
	got.CategoryResults["seo"] = domain.Success(80, map[string]int{"links": 3})
	if err := db.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := db.Update(ctx, a); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}

	again, _ := db.Get(ctx, a.ID)
	if again.Status != domain.StatusRunning || *again.CategoryResults["seo"].Score != 80 {
		t.Errorf("unexpected stored audit %+v", again)
	}

	found, ok, err := db.FindRecentByURL(ctx, a.URL, now.Add(-time.Minute))
	if err != nil || !ok || found.ID != a.ID {
		t.Errorf("expected dedup hit, got ok=%v err=%v", ok, err)
	}

	if _, err := db.Get(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCacheCounters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := NewCache(db)
	key := "rate:" + uuid.NewString()

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, key)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != want {
			t.Fatalf("expected %d, got %d", want, n)
		}
	}
	if err := c.Expire(ctx, key, time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if err := c.Set(ctx, "audit:"+key, []byte(`{"status":"RUNNING"}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := c.Get(ctx, "audit:"+key); err != nil || string(v) != `{"status":"RUNNING"}` {
		t.Fatalf("unexpected Get %q %v", v, err)
	}
	_ = c.Delete(ctx, key, "audit:"+key)
	if _, err := c.Get(ctx, key); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expected miss after delete, got %v", err)
	}
}
