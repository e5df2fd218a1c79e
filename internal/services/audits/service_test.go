package audits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"auditbuddy/internal/adapters/memory"
	"auditbuddy/internal/analyzers"
	"auditbuddy/internal/config"
	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
	"auditbuddy/internal/services/admission"
	"auditbuddy/internal/services/progress"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	svc   *Service
	hub   *progress.Hub
	clock *clockwork.FakeClock
}

func build(t *testing.T, store ports.AuditRepository, analyzerWorkers int, list ...analyzers.Analyzer) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	cache := memory.NewCache(clock, time.Hour)
	t.Cleanup(cache.Close)
	hub := progress.NewHub(cache, 24*time.Hour, progress.StoreSnapshots(store), quiet)
	t.Cleanup(hub.Close)

	reg, err := analyzers.NewRegistry(list...)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := New(Options{
		Audits:          store,
		Cache:           cache,
		Hub:             hub,
		Registry:        reg,
		Policy:          admission.NewURLPolicy(config.Default().URL),
		Deduper:         admission.NewDeduper(store, time.Hour, clock),
		Clock:           clock,
		Logger:          quiet,
		AuditWorkers:    2,
		AnalyzerWorkers: analyzerWorkers,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &harness{svc: svc, hub: hub, clock: clock}
}

func newHarness(t *testing.T, list ...analyzers.Analyzer) *harness {
	return build(t, memory.NewStore(), 16, list...)
}

func scored(name string, score int) analyzers.Analyzer {
	return analyzers.Func(name, time.Second, func(ctx context.Context, url string) domain.AnalyzerOutcome {
		return domain.Success(score, map[string]string{"url": url})
	})
}

func failing(name string) analyzers.Analyzer {
	return analyzers.Func(name, time.Second, func(ctx context.Context, url string) domain.AnalyzerOutcome {
		return domain.Failure(name + " exploded")
	})
}

func hanging(name string) analyzers.Analyzer {
	return analyzers.Func(name, 20*time.Millisecond, func(ctx context.Context, url string) domain.AnalyzerOutcome {
		<-ctx.Done()
		return domain.Failure(ctx.Err().Error())
	})
}

func gated(name string, gate <-chan struct{}) analyzers.Analyzer {
	return analyzers.Func(name, 5*time.Second, func(ctx context.Context, url string) domain.AnalyzerOutcome {
		select {
		case <-gate:
			return domain.Success(50, nil)
		case <-ctx.Done():
			return domain.Failure("cancelled")
		}
	})
}

func (h *harness) await(t *testing.T, id string) *domain.Audit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := h.svc.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await(%s): %v", id, err)
	}
	return a
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuditAllAnalyzersSucceed(t *testing.T) {
	h := newHarness(t, scored("seo", 90), scored("performance", 80), scored("accessibility", 95), scored("security", 70))

	created, err := h.svc.CreateAudit(context.Background(), "https://example.com", "")
	if err != nil {
		t.Fatalf("CreateAudit: %v", err)
	}
	if created.Status != domain.StatusPending {
		t.Errorf("expected PENDING on creation, got %s", created.Status)
	}

	a := h.await(t, created.ID)
	if a.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", a.Status)
	}
	if len(a.CategoryResults) != 4 {
		t.Fatalf("expected 4 category results, got %d", len(a.CategoryResults))
	}
	want := map[string]int{"seo": 90, "performance": 80, "accessibility": 95, "security": 70}
	for name, score := range want {
		o := a.CategoryResults[name]
		if o.Error != nil || o.Score == nil || *o.Score != score {
			t.Errorf("%s: expected score %d, got %+v", name, score, o)
		}
	}
	if a.CompletedAt == nil || a.Error != "" || a.Progress != 100 || a.CurrentStep != "" {
		t.Errorf("unexpected terminal audit %+v", a)
	}
}

func TestAuditPartialFailure(t *testing.T) {
	h := newHarness(t, scored("seo", 90), scored("performance", 80), scored("accessibility", 95), hanging("security"))

	created, err := h.svc.CreateAudit(context.Background(), "https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	a := h.await(t, created.ID)
	if a.Status != domain.StatusCompletedWithErrors {
		t.Fatalf("expected COMPLETED_WITH_ERRORS, got %s", a.Status)
	}
	if a.CategoryResults["security"].Error == nil {
		t.Error("expected security to carry an error")
	}
	failed := a.FailedCategories()
	if len(failed) != 1 || failed[0] != "security" {
		t.Errorf("expected exactly security to fail, got %v", failed)
	}
	for _, name := range []string{"seo", "performance", "accessibility"} {
		if a.CategoryResults[name].Score == nil {
			t.Errorf("expected %s to have a score", name)
		}
	}
}

func TestAuditAllAnalyzersFail(t *testing.T) {
	h := newHarness(t, failing("seo"), hanging("security"))

	created, _ := h.svc.CreateAudit(context.Background(), "https://example.com", "")
	a := h.await(t, created.ID)
	if a.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", a.Status)
	}
	for name, o := range a.CategoryResults {
		if o.Error == nil || o.Score != nil {
			t.Errorf("%s: expected scoreless error, got %+v", name, o)
		}
	}
	if a.Error != "" {
		t.Errorf("expected no top-level error, got %q", a.Error)
	}
	ev, err := h.svc.Snapshot(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != domain.StatusFailed || ev.Error != domain.ErrAllAnalyzersFailed || ev.Progress != 100 {
		t.Errorf("unexpected final event %+v", ev)
	}
}

func TestCreateAuditRejectsInvalidURL(t *testing.T) {
	store := memory.NewStore()
	h := build(t, store, 16, scored("seo", 90))

	_, err := h.svc.CreateAudit(context.Background(), "not-a-url", "")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	unfinished, _ := store.ListUnfinished(context.Background())
	owned, _ := store.ListByOwner(context.Background(), "", 10)
	if len(unfinished) != 0 || len(owned) != 0 {
		t.Error("expected no audit record to be created")
	}
}

func TestCreateAuditDeduplicates(t *testing.T) {
	h := newHarness(t, scored("seo", 90))
	ctx := context.Background()

	first, err := h.svc.CreateAudit(ctx, "https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(5 * time.Minute)
	second, err := h.svc.CreateAudit(ctx, "https://EXAMPLE.com:443", "")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("expected dedup to return %s, got %s", first.ID, second.ID)
	}

	h.clock.Advance(time.Hour)
	third, err := h.svc.CreateAudit(ctx, "https://example.com/", "")
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("expected a new audit after the dedup window elapsed")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, gated("seo", gate), gated("performance", gate), gated("security", gate))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, _ := h.svc.CreateAudit(ctx, "https://example.com", "")
	events, err := h.svc.Subscribe(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	close(gate)

	rank := map[domain.Status]int{domain.StatusPending: 0, domain.StatusRunning: 1}
	var seen []domain.ProgressEvent
	for ev := range events {
		seen = append(seen, ev)
	}
	if len(seen) == 0 || !seen[len(seen)-1].Status.Terminal() {
		t.Fatalf("expected stream to end with a terminal event, got %+v", seen)
	}
	finalizing := false
	for i, ev := range seen {
		if ev.Status.Terminal() && i != len(seen)-1 {
			t.Errorf("terminal event %d is not the last one", i)
		}
		if ev.Status == domain.StatusRunning && ev.Progress == 100 && ev.CurrentStep == domain.StepFinalizing {
			finalizing = true
		}
		if i == 0 {
			continue
		}
		prev := seen[i-1]
		if ev.Progress < prev.Progress {
			t.Errorf("progress decreased from %d to %d", prev.Progress, ev.Progress)
		}
		if !ev.Status.Terminal() && rank[ev.Status] < rank[prev.Status] {
			t.Errorf("status went back from %s to %s", prev.Status, ev.Status)
		}
	}
	if !finalizing {
		t.Error("expected a Finalizing step once every analyzer completed")
	}
}

func TestAnalyzerPoolIsBounded(t *testing.T) {
	var cur, peak atomic.Int32
	counting := func(name string) analyzers.Analyzer {
		return analyzers.Func(name, time.Second, func(ctx context.Context, url string) domain.AnalyzerOutcome {
			n := cur.Add(1)
			defer cur.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return domain.Success(100, nil)
		})
	}
	h := build(t, memory.NewStore(), 1, counting("a"), counting("b"), counting("c"), counting("d"))

	created, _ := h.svc.CreateAudit(context.Background(), "https://example.com", "")
	a := h.await(t, created.ID)
	if a.Status != domain.StatusCompleted {
		t.Errorf("expected queued analyzers to complete, got %s", a.Status)
	}
	if peak.Load() != 1 {
		t.Errorf("expected one analyzer at a time, got %d", peak.Load())
	}
}

func TestCancelAudit(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, gated("seo", gate), scored("security", 70))
	ctx := context.Background()

	created, _ := h.svc.CreateAudit(ctx, "https://example.com", "alice")
	eventually(t, func() bool {
		a, err := h.svc.GetStatus(ctx, created.ID)
		return err == nil && a.Status == domain.StatusRunning
	})

	if _, err := h.svc.CancelAudit(ctx, created.ID, "bob"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-owner, got %v", err)
	}
	ok, err := h.svc.CancelAudit(ctx, created.ID, "alice")
	if err != nil || !ok {
		t.Fatalf("expected cancellation, got %v %v", ok, err)
	}

	close(gate)
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	a, err := h.svc.GetStatus(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.StatusFailed || a.Error != domain.ErrCancelledByUser {
		t.Errorf("expected cancelled audit to stay FAILED, got %s %q", a.Status, a.Error)
	}
	if a.Progress != 100 {
		t.Errorf("expected terminal progress 100, got %d", a.Progress)
	}
	if len(a.CategoryResults) != 0 {
		t.Errorf("expected in-flight results to be discarded, got %v", a.CategoryResults)
	}

	if ok, err := h.svc.CancelAudit(ctx, created.ID, "alice"); ok || err != nil {
		t.Errorf("expected cancelling a terminal audit to be a no-op, got %v %v", ok, err)
	}
	if _, err := h.svc.CancelAudit(ctx, uuid.NewString(), "alice"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRerunBypassesDedup(t *testing.T) {
	h := newHarness(t, scored("seo", 90))
	ctx := context.Background()

	first, _ := h.svc.CreateAudit(ctx, "https://example.com", "alice")
	h.await(t, first.ID)

	if _, err := h.svc.RerunAudit(ctx, first.ID, "bob"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	rerun, err := h.svc.RerunAudit(ctx, first.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rerun.ID == first.ID || rerun.URL != first.URL {
		t.Errorf("expected a fresh audit for %s, got %+v", first.URL, rerun)
	}
	if a := h.await(t, rerun.ID); a.Status != domain.StatusCompleted {
		t.Errorf("expected rerun to complete, got %s", a.Status)
	}

	list, err := h.svc.ListAudits(ctx, "alice", 0)
	if err != nil || len(list) != 2 {
		t.Errorf("expected 2 audits for alice, got %d (%v)", len(list), err)
	}
}

func TestRecover(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	pending := &domain.Audit{ID: uuid.NewString(), URL: "https://example.com/", Status: domain.StatusPending, CreatedAt: now}
	running := &domain.Audit{ID: uuid.NewString(), URL: "https://example.org/", Status: domain.StatusRunning, CreatedAt: now}
	for _, a := range []*domain.Audit{pending, running} {
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	h := build(t, store, 16, scored("seo", 90))

	if err := h.svc.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if a := h.await(t, pending.ID); a.Status != domain.StatusCompleted {
		t.Errorf("expected pending audit to be resumed, got %s", a.Status)
	}
	a, err := h.svc.GetStatus(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.StatusFailed || a.Error != domain.ErrInterrupted {
		t.Errorf("expected orphaned audit to be failed, got %s %q", a.Status, a.Error)
	}
}

type brokenStore struct{ *memory.Store }

func (brokenStore) Update(ctx context.Context, a *domain.Audit) error {
	return errors.New("store unavailable")
}

func TestOrchestrationFailurePublishesFailed(t *testing.T) {
	h := build(t, brokenStore{memory.NewStore()}, 16, scored("seo", 90))
	ctx := context.Background()

	created, err := h.svc.CreateAudit(ctx, "https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	var ev domain.ProgressEvent
	eventually(t, func() bool {
		ev, err = h.svc.Snapshot(ctx, created.ID)
		return err == nil && ev.Status == domain.StatusFailed
	})
	if !strings.Contains(ev.Error, "store unavailable") {
		t.Errorf("expected orchestration error in event, got %q", ev.Error)
	}
}

func TestGetStatusUnknown(t *testing.T) {
	h := newHarness(t, scored("seo", 90))
	for _, id := range []string{"nope", uuid.NewString()} {
		if _, err := h.svc.GetStatus(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestGetStatusServesCachedResult(t *testing.T) {
	store := memory.NewStore()
	h := build(t, store, 16, scored("seo", 90))
	ctx := context.Background()

	created, _ := h.svc.CreateAudit(ctx, "https://example.com", "")
	h.await(t, created.ID)

	// The cached copy answers even if the record changes underneath.
	stored, _ := store.Get(ctx, created.ID)
	stored.URL = "https://changed.example/"
	if err := store.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}
	a, err := h.svc.GetStatus(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.URL != "https://example.com/" {
		t.Errorf("expected cached result, got %s", a.URL)
	}
}

func TestOwnerlessAuditsCannotBeControlled(t *testing.T) {
	h := newHarness(t, scored("seo", 90))
	ctx := context.Background()

	created, err := h.svc.CreateAudit(ctx, "https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, requester := range []string{"", "alice"} {
		if _, err := h.svc.CancelAudit(ctx, created.ID, requester); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("cancel as %q: expected ErrUnauthorized, got %v", requester, err)
		}
		if _, err := h.svc.RerunAudit(ctx, created.ID, requester); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("rerun as %q: expected ErrUnauthorized, got %v", requester, err)
		}
	}
	list, err := h.svc.ListAudits(ctx, "", 0)
	if err != nil || len(list) != 0 {
		t.Errorf("expected no audits for an anonymous caller, got %d (%v)", len(list), err)
	}
	h.await(t, created.ID)
}

func TestRecoverLeavesLiveAuditsAlone(t *testing.T) {
	store := memory.NewStore()
	gate := make(chan struct{})
	first := build(t, store, 16, gated("seo", gate))
	ctx := context.Background()

	created, _ := first.svc.CreateAudit(ctx, "https://example.com", "")
	eventually(t, func() bool {
		a, err := store.Get(ctx, created.ID)
		return err == nil && a.Status == domain.StatusRunning
	})

	second := build(t, store, 16, scored("seo", 10))
	if err := second.svc.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if a, _ := store.Get(ctx, created.ID); a.Status != domain.StatusRunning {
		t.Fatalf("expected audit held by a live process to stay RUNNING, got %s %q", a.Status, a.Error)
	}

	close(gate)
	if a := first.await(t, created.ID); a.Status != domain.StatusCompleted {
		t.Errorf("expected the owning process to complete the audit, got %s", a.Status)
	}
}

func TestReapStaleFailsLapsedLease(t *testing.T) {
	store := memory.NewStore()
	gate := make(chan struct{})
	first := build(t, store, 16, gated("seo", gate))
	ctx := context.Background()

	created, _ := first.svc.CreateAudit(ctx, "https://example.com", "")
	eventually(t, func() bool {
		a, err := store.Get(ctx, created.ID)
		return err == nil && a.Status == domain.StatusRunning
	})

	second := build(t, store, 16, scored("seo", 10))
	if n, err := second.svc.reapStale(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing to reap within the lease, got %d %v", n, err)
	}
	second.clock.Advance(defaultLease + time.Second)
	if n, err := second.svc.reapStale(ctx); err != nil || n != 1 {
		t.Fatalf("expected one lapsed audit, got %d %v", n, err)
	}

	close(gate)
	eventually(t, func() bool { return first.svc.runner.Active() == 0 })
	a, _ := store.Get(ctx, created.ID)
	if a.Status != domain.StatusFailed || a.Error != domain.ErrInterrupted || a.Progress != 100 {
		t.Errorf("expected FAILED %q at 100%%, got %s %q %d", domain.ErrInterrupted, a.Status, a.Error, a.Progress)
	}
	if len(a.CategoryResults) != 0 {
		t.Errorf("expected late results to be discarded, got %v", a.CategoryResults)
	}
}

func TestHeartbeatRenewsLease(t *testing.T) {
	store := memory.NewStore()
	gate := make(chan struct{})
	h := build(t, store, 16, gated("seo", gate))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, _ := h.svc.CreateAudit(ctx, "https://example.com", "")
	eventually(t, func() bool {
		a, err := store.Get(ctx, created.ID)
		return err == nil && a.Status == domain.StatusRunning
	})
	// Cache sweep ticker plus the audit's heartbeat ticker.
	if err := h.clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(defaultLease / 3)
	want := h.clock.Now().UTC()
	eventually(t, func() bool {
		a, err := store.Get(ctx, created.ID)
		return err == nil && a.UpdatedAt.Equal(want)
	})

	close(gate)
	if a := h.await(t, created.ID); a.Status != domain.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", a.Status)
	}
}

func TestShutdownFailsInFlightAudits(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, gated("seo", gate), scored("security", 70))
	ctx := context.Background()

	created, _ := h.svc.CreateAudit(ctx, "https://example.com", "alice")
	eventually(t, func() bool {
		a, err := h.svc.GetStatus(ctx, created.ID)
		return err == nil && a.Status == domain.StatusRunning
	})

	expired, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.svc.Shutdown(expired); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	a, err := h.svc.GetStatus(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.StatusFailed || a.Error != domain.ErrShuttingDown {
		t.Errorf("expected FAILED %q, got %s %q", domain.ErrShuttingDown, a.Status, a.Error)
	}
	if a.Progress != 100 {
		t.Errorf("expected terminal progress 100, got %d", a.Progress)
	}
	ev, err := h.svc.Snapshot(ctx, created.ID)
	if err != nil || ev.Status != domain.StatusFailed || ev.Progress != 100 {
		t.Errorf("expected final FAILED event at 100%%, got %+v (%v)", ev, err)
	}
}

func TestCurrentStep(t *testing.T) {
	names := []string{"seo", "performance", "security"}
	cases := []struct {
		states []analyzerState
		want   string
	}{
		{[]analyzerState{queued, queued, queued}, domain.StepRunning},
		{[]analyzerState{queued, inFlight, queued}, "performance"},
		{[]analyzerState{finished, queued, inFlight}, "security"},
		{[]analyzerState{finished, queued, finished}, domain.StepRunning},
		{[]analyzerState{finished, finished, finished}, domain.StepFinalizing},
	}
	for _, tc := range cases {
		if got := currentStep(names, tc.states); got != tc.want {
			t.Errorf("%v: expected %q, got %q", tc.states, tc.want, got)
		}
	}
}

func TestStepNamesInFlightAnalyzer(t *testing.T) {
	started := make(chan string, 3)
	gates := map[string]chan struct{}{
		"a": make(chan struct{}),
		"b": make(chan struct{}),
		"c": make(chan struct{}),
	}
	step := func(name string) analyzers.Analyzer {
		return analyzers.Func(name, 5*time.Second, func(ctx context.Context, url string) domain.AnalyzerOutcome {
			started <- name
			select {
			case <-gates[name]:
				return domain.Success(50, nil)
			case <-ctx.Done():
				return domain.Failure("cancelled")
			}
		})
	}
	h := build(t, memory.NewStore(), 1, step("a"), step("b"), step("c"))
	ctx := context.Background()

	created, _ := h.svc.CreateAudit(ctx, "https://example.com", "")
	for i := 0; i < 3; i++ {
		var name string
		select {
		case name = <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("analyzer did not start")
		}
		eventually(t, func() bool {
			ev, err := h.svc.Snapshot(ctx, created.ID)
			return err == nil && ev.CurrentStep == name
		})
		close(gates[name])
	}
	if a := h.await(t, created.ID); a.Status != domain.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", a.Status)
	}
}
