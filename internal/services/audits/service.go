// Package audits is the Audit Orchestrator: it admits audit requests, runs
// every registered analyzer concurrently, aggregates their outcomes and
// drives the Progress Hub.
package audits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"auditbuddy/internal/analyzers"
	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
	"auditbuddy/internal/services/admission"
	"auditbuddy/internal/workers/auditrunner"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	defaultLease     = 2 * time.Minute
	// writeTimeout bounds store writes made after the caller's context ends.
	writeTimeout = 5 * time.Second
)

// ResultKey is the Result Cache key holding a terminal audit.
func ResultKey(auditID string) string { return "audit:" + auditID + ":result" }

type Options struct {
	Audits   ports.AuditRepository
	Cache    ports.Cache
	Hub      ports.ProgressHub
	Registry *analyzers.Registry
	Policy   *admission.URLPolicy
	Deduper  *admission.Deduper
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// AuditWorkers caps concurrently running audits.
	AuditWorkers int
	// AnalyzerWorkers caps concurrent analyzer calls across all audits.
	AnalyzerWorkers int
	CacheTTL        time.Duration
	// Lease is how long a RUNNING audit may go without a heartbeat before
	// another process treats its runner as dead.
	Lease time.Duration
}

type Service struct {
	audits   ports.AuditRepository
	cache    ports.Cache
	hub      ports.ProgressHub
	registry *analyzers.Registry
	policy   *admission.URLPolicy
	dedup    *admission.Deduper
	clock    clockwork.Clock
	log      *slog.Logger
	ttl      time.Duration
	lease    time.Duration

	pool    *semaphore.Weighted
	creates singleflight.Group
	locks   keyedMutex
	runner  *auditrunner.Runner

	reaping  sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Audits == nil || opts.Cache == nil || opts.Hub == nil || opts.Registry == nil || opts.Policy == nil {
		return nil, errors.New("audits: store, cache, hub, registry and url policy are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Deduper == nil {
		opts.Deduper = admission.NewDeduper(opts.Audits, 0, opts.Clock)
	}
	if opts.AnalyzerWorkers < 1 {
		opts.AnalyzerWorkers = 1
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	s := &Service{
		audits:   opts.Audits,
		cache:    opts.Cache,
		hub:      opts.Hub,
		registry: opts.Registry,
		policy:   opts.Policy,
		dedup:    opts.Deduper,
		clock:    opts.Clock,
		log:      opts.Logger,
		ttl:      opts.CacheTTL,
		lease:    opts.Lease,
		done:     make(chan struct{}),
		pool:     semaphore.NewWeighted(int64(opts.AnalyzerWorkers)),
	}
	s.runner = auditrunner.New(auditrunner.ProcessorFunc(s.RunAudit), opts.AuditWorkers, opts.Logger.With("component", "auditrunner"))
	return s, nil
}

// CreateAudit validates rawURL and returns a recent audit for the same
// normalized URL when one exists within the dedup window. Otherwise it
// persists a PENDING audit and schedules it; it never waits for analysis.
func (s *Service) CreateAudit(ctx context.Context, rawURL, owner string) (*domain.Audit, error) {
	target, err := s.policy.Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	v, err, _ := s.creates.Do(target.URL, func() (any, error) {
		recent, found, err := s.dedup.Recent(ctx, target.URL)
		if err != nil {
			return nil, &domain.OrchestrationError{Op: "dedup lookup", Err: err}
		}
		if found {
			s.log.Info("reusing recent audit", "audit_id", recent.ID, "url", target.URL, "status", recent.Status)
			return recent, nil
		}
		return s.start(ctx, target, owner)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Audit).Clone(), nil
}

// RerunAudit starts a fresh audit for an existing audit's URL, bypassing
// deduplication.
func (s *Service) RerunAudit(ctx context.Context, auditID, requester string) (*domain.Audit, error) {
	prev, err := s.load(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if !owns(prev, requester) {
		return nil, domain.ErrUnauthorized
	}
	return s.start(ctx, admission.Target{URL: prev.URL, Domain: prev.Domain}, requester)
}

func (s *Service) start(ctx context.Context, target admission.Target, owner string) (*domain.Audit, error) {
	now := s.clock.Now().UTC()
	a := &domain.Audit{
		ID:              uuid.NewString(),
		URL:             target.URL,
		Domain:          target.Domain,
		Owner:           owner,
		Status:          domain.StatusPending,
		CurrentStep:     domain.StepInitializing,
		CategoryResults: map[string]domain.AnalyzerOutcome{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.audits.Create(ctx, a); err != nil {
		return nil, &domain.OrchestrationError{Op: "create audit", Err: err}
	}
	s.publish(ctx, domain.EventFor(a))

	if err := s.runner.Submit(a.ID); err != nil {
		s.fail(ctx, a.ID, domain.ErrShuttingDown)
		return nil, &domain.OrchestrationError{Op: "schedule audit", Err: err}
	}
	s.log.Info("audit created", "audit_id", a.ID, "url", a.URL, "owner", owner)
	return a, nil
}

// RunAudit executes one audit: PENDING -> RUNNING, concurrent analyzer
// fan-out, classification and the terminal write. Orchestration failures mark
// the audit FAILED; analyzer failures only shape its classification.
func (s *Service) RunAudit(ctx context.Context, auditID string) (err error) {
	log := s.log.With("audit_id", auditID)
	defer func() {
		if p := recover(); p != nil {
			err = &domain.OrchestrationError{Op: "run audit", Err: fmt.Errorf("panic: %v", p)}
		}
		var oe *domain.OrchestrationError
		if errors.As(err, &oe) {
			log.Error("audit orchestration failed", "error", err)
			s.fail(ctx, auditID, err.Error())
		}
	}()

	a, started, err := s.mutate(ctx, auditID, func(a *domain.Audit) bool {
		if a.Status != domain.StatusPending {
			return false
		}
		a.Status = domain.StatusRunning
		a.Progress = 0
		a.CurrentStep = domain.StepRunning
		return true
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Error("audit vanished before it could run")
		return err
	case err != nil:
		return &domain.OrchestrationError{Op: "mark running", Err: err}
	case !started:
		log.Info("skipping audit that is no longer pending", "status", a.Status)
		return nil
	}
	s.publish(ctx, domain.EventFor(a))
	log.Info("audit running", "url", a.URL, "analyzers", s.registry.Len())

	stopBeat := s.heartbeat(ctx, auditID)
	results := s.fanOut(ctx, a)
	stopBeat()

	if ctx.Err() != nil {
		// The runner was cancelled under the analyzers, so their errors say
		// nothing about the site.
		log.Warn("audit stopped by shutdown", "error", ctx.Err())
		s.fail(ctx, auditID, domain.ErrShuttingDown)
		return ctx.Err()
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()
	now := s.clock.Now().UTC()
	final, finished, err := s.mutate(wctx, auditID, func(a *domain.Audit) bool {
		if a.Status != domain.StatusRunning {
			return false
		}
		a.Status = domain.Classify(results)
		a.CategoryResults = results
		a.Progress = 100
		a.CurrentStep = ""
		a.CompletedAt = &now
		return true
	})
	if err != nil {
		return &domain.OrchestrationError{Op: "persist results", Err: err}
	}
	if !finished {
		log.Info("discarding results of audit finished elsewhere", "status", final.Status)
		return nil
	}
	s.storeResult(wctx, final)
	s.publish(wctx, domain.EventFor(final))
	log.Info("audit finished", "status", final.Status, "failed", final.FailedCategories())
	return nil
}

type analyzerState int

const (
	queued analyzerState = iota
	inFlight
	finished
)

// fanOut runs every analyzer concurrently and joins on all of them. Each
// analyzer publishes a step update when it gets a pool slot and count-based
// progress when it completes.
func (s *Service) fanOut(ctx context.Context, a *domain.Audit) map[string]domain.AnalyzerOutcome {
	list := s.registry.All()
	names := s.registry.Names()
	results := make(map[string]domain.AnalyzerOutcome, len(list))
	states := make([]analyzerState, len(list))

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		completed int
	)
	for i, an := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := s.analyze(ctx, an, a.URL, func() {
				mu.Lock()
				defer mu.Unlock()
				states[i] = inFlight
				s.progress(ctx, a.ID, completed*100/len(list), currentStep(names, states))
			})
			s.log.Debug("analyzer finished", "audit_id", a.ID, "analyzer", an.Name(),
				"ok", out.Succeeded(), "duration_ms", out.DurationMS)

			mu.Lock()
			defer mu.Unlock()
			results[an.Name()] = out
			states[i] = finished
			completed++
			s.progress(ctx, a.ID, completed*100/len(list), currentStep(names, states))
		}()
	}
	wg.Wait()
	return results
}

// currentStep names the first in-flight analyzer in registry order. Work
// still waiting for a pool slot is reported generically.
func currentStep(names []string, states []analyzerState) string {
	waiting := false
	for i, st := range states {
		switch st {
		case inFlight:
			return names[i]
		case queued:
			waiting = true
		}
	}
	if waiting {
		return domain.StepRunning
	}
	return domain.StepFinalizing
}

// analyze waits for a slot in the shared analyzer pool before the analyzer's
// own deadline starts. started runs once the slot is held.
func (s *Service) analyze(ctx context.Context, an analyzers.Analyzer, url string, started func()) domain.AnalyzerOutcome {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return domain.Failure("cancelled before start")
	}
	defer s.pool.Release(1)
	started()
	return analyzers.Run(ctx, an, url)
}

// heartbeat refreshes the audit's UpdatedAt while it runs so peers sharing
// the store can tell it from an orphan. The returned func stops it.
func (s *Service) heartbeat(ctx context.Context, auditID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	ticker := s.clock.NewTicker(s.lease / 3)
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				_, _, err := s.mutate(ctx, auditID, func(a *domain.Audit) bool {
					return a.Status == domain.StatusRunning
				})
				if err != nil && ctx.Err() == nil {
					s.log.Warn("audit heartbeat failed", "audit_id", auditID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-stopped
	}
}

func (s *Service) progress(ctx context.Context, auditID string, pct int, step string) {
	wctx, cancel := writeContext(ctx)
	defer cancel()
	a, ok, err := s.mutate(wctx, auditID, func(a *domain.Audit) bool {
		if a.Status != domain.StatusRunning {
			return false
		}
		if pct > a.Progress {
			a.Progress = pct
		}
		a.CurrentStep = step
		return true
	})
	if err != nil {
		s.log.Warn("persist progress failed", "audit_id", auditID, "progress", pct, "error", err)
		s.publish(wctx, domain.ProgressEvent{
			AuditID: auditID, Status: domain.StatusRunning, Progress: pct, CurrentStep: step, At: s.clock.Now().UTC(),
		})
		return
	}
	if ok {
		s.publish(wctx, domain.EventFor(a))
	}
}

// fail marks a non-terminal audit FAILED with a top-level error. The FAILED
// event is published even when the store write fails.
func (s *Service) fail(ctx context.Context, auditID, msg string) {
	s.failWhen(ctx, auditID, msg, nil)
}

// failWhen is fail guarded by cond, evaluated against the latest stored
// record under the audit's lock. It reports whether the audit was failed.
func (s *Service) failWhen(ctx context.Context, auditID, msg string, cond func(a *domain.Audit) bool) bool {
	wctx, cancel := writeContext(ctx)
	defer cancel()
	now := s.clock.Now().UTC()
	a, changed, err := s.mutate(wctx, auditID, func(a *domain.Audit) bool {
		if a.Status.Terminal() || (cond != nil && !cond(a)) {
			return false
		}
		markFailed(a, msg, now)
		return true
	})
	switch {
	case err != nil && cond == nil:
		s.log.Error("persist failure failed", "audit_id", auditID, "error", err)
		s.publish(wctx, domain.ProgressEvent{AuditID: auditID, Status: domain.StatusFailed, Progress: 100, Error: msg, At: now})
	case err != nil:
		s.log.Warn("persist failure failed", "audit_id", auditID, "error", err)
	case changed:
		s.storeResult(wctx, a)
		s.publish(wctx, domain.EventFor(a))
	}
	return changed
}

func markFailed(a *domain.Audit, msg string, now time.Time) {
	a.Status = domain.StatusFailed
	a.Progress = 100
	a.Error = msg
	a.CurrentStep = ""
	a.CompletedAt = &now
}

// CancelAudit fails a non-terminal audit on behalf of its owner. In-flight
// analyzers keep running; their results are discarded. It returns false when
// the audit had already finished.
func (s *Service) CancelAudit(ctx context.Context, auditID, requester string) (bool, error) {
	a, err := s.load(ctx, auditID)
	if err != nil {
		return false, err
	}
	if !owns(a, requester) {
		return false, domain.ErrUnauthorized
	}
	now := s.clock.Now().UTC()
	a, changed, err := s.mutate(ctx, auditID, func(a *domain.Audit) bool {
		if a.Status.Terminal() {
			return false
		}
		markFailed(a, domain.ErrCancelledByUser, now)
		return true
	})
	if err != nil {
		return false, &domain.OrchestrationError{Op: "cancel audit", Err: err}
	}
	if !changed {
		return false, nil
	}
	s.publish(ctx, domain.EventFor(a))
	if err := s.hub.Forget(ctx, auditID); err != nil {
		s.log.Warn("invalidate progress snapshot failed", "audit_id", auditID, "error", err)
	}
	if err := s.cache.Delete(ctx, ResultKey(auditID)); err != nil {
		s.log.Warn("invalidate cached result failed", "audit_id", auditID, "error", err)
	}
	s.log.Info("audit cancelled", "audit_id", auditID, "requester", requester)
	return true, nil
}

// GetStatus returns the latest state of an audit. Terminal audits are served
// from the Result Cache when present; a miss falls back to the store.
func (s *Service) GetStatus(ctx context.Context, auditID string) (*domain.Audit, error) {
	if !validID(auditID) {
		return nil, domain.ErrNotFound
	}
	if raw, err := s.cache.Get(ctx, ResultKey(auditID)); err == nil {
		var a domain.Audit
		if err := json.Unmarshal(raw, &a); err == nil {
			return &a, nil
		}
		s.log.Warn("discarding malformed cached result", "audit_id", auditID)
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		s.log.Warn("cached result read failed", "audit_id", auditID, "error", err)
	}
	a, err := s.load(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		s.storeResult(ctx, a)
	}
	return a, nil
}

// Await blocks until the audit reaches a terminal state or ctx is done, then
// returns its latest state.
func (s *Service) Await(ctx context.Context, auditID string) (*domain.Audit, error) {
	events, err := s.Subscribe(ctx, auditID)
	if err != nil {
		return nil, err
	}
	terminal := false
	for ev := range events {
		if ev.Status.Terminal() {
			terminal = true
		}
	}
	if !terminal && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return s.GetStatus(ctx, auditID)
}

// ListAudits returns the owner's audits, newest first. Anonymous callers own
// nothing.
func (s *Service) ListAudits(ctx context.Context, owner string, limit int) ([]*domain.Audit, error) {
	if owner == "" {
		return []*domain.Audit{}, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.audits.ListByOwner(ctx, owner, limit)
}

func (s *Service) Subscribe(ctx context.Context, auditID string) (<-chan domain.ProgressEvent, error) {
	if !validID(auditID) {
		return nil, domain.ErrNotFound
	}
	return s.hub.Subscribe(ctx, auditID)
}

func (s *Service) Snapshot(ctx context.Context, auditID string) (domain.ProgressEvent, error) {
	if !validID(auditID) {
		return domain.ProgressEvent{}, domain.ErrNotFound
	}
	return s.hub.Snapshot(ctx, auditID)
}

// Recover resumes audits left behind by a previous process: PENDING audits
// are scheduled again and RUNNING ones whose lease has lapsed are failed.
// RUNNING audits with a fresh heartbeat belong to a live peer and are left
// alone; a background reaper fails them later if that peer dies.
func (s *Service) Recover(ctx context.Context) error {
	list, err := s.audits.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished audits: %w", err)
	}
	resumed, interrupted, live := 0, 0, 0
	for _, a := range list {
		switch a.Status {
		case domain.StatusPending:
			if err := s.runner.Submit(a.ID); err != nil {
				return fmt.Errorf("resume audit %s: %w", a.ID, err)
			}
			resumed++
		case domain.StatusRunning:
			if !s.expired(a) {
				live++
				continue
			}
			if s.failWhen(ctx, a.ID, domain.ErrInterrupted, s.orphaned) {
				interrupted++
			}
		}
	}
	if resumed+interrupted+live > 0 {
		s.log.Info("recovered unfinished audits", "resumed", resumed, "interrupted", interrupted, "held_by_peers", live)
	}
	s.reaping.Do(func() { go s.reapLoop() })
	return nil
}

func (s *Service) expired(a *domain.Audit) bool {
	return s.clock.Since(a.UpdatedAt) > s.lease
}

func (s *Service) orphaned(a *domain.Audit) bool {
	return a.Status == domain.StatusRunning && s.expired(a)
}

// reapStale fails RUNNING audits whose heartbeat stopped more than a lease
// ago and reports how many it failed.
func (s *Service) reapStale(ctx context.Context) (int, error) {
	list, err := s.audits.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range list {
		// The listing may be stale; failWhen re-checks the lease under the
		// audit's lock.
		if !s.orphaned(a) || !s.failWhen(ctx, a.ID, domain.ErrInterrupted, s.orphaned) {
			continue
		}
		s.log.Warn("failed audit with lapsed lease", "audit_id", a.ID)
		n++
	}
	return n, nil
}

func (s *Service) reapLoop() {
	ticker := s.clock.NewTicker(s.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if _, err := s.reapStale(ctx); err != nil {
				s.log.Warn("reap stale audits failed", "error", err)
			}
			cancel()
		}
	}
}

// Shutdown stops scheduling, waits for in-flight audits until ctx is done,
// then cancels the rest. Cancelled analyzers report errors, so those audits
// are still persisted terminal. Queued audits stay PENDING for Recover.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	if queued := s.runner.Stop(); len(queued) > 0 {
		s.log.Info("leaving queued audits pending", "count", len(queued))
	}
	err := s.runner.Wait(ctx)
	if err == nil {
		s.runner.Cancel()
		return nil
	}
	s.log.Warn("cancelling in-flight audits", "active", s.runner.Active())
	s.runner.Cancel()
	wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if werr := s.runner.Wait(wctx); werr != nil {
		return fmt.Errorf("audits did not stop: %w", werr)
	}
	return nil
}

// mutate applies fn to the latest stored audit while holding the audit's
// lock and writes it back with an optimistic version check. fn returns false
// to leave the audit untouched. Version conflicts from other writers are
// retried.
func (s *Service) mutate(ctx context.Context, auditID string, fn func(a *domain.Audit) bool) (*domain.Audit, bool, error) {
	unlock := s.locks.lock(auditID)
	defer unlock()

	var (
		out     *domain.Audit
		changed bool
	)
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a, err := s.audits.Get(ctx, auditID)
		if err != nil {
			return err
		}
		out, changed = a, false
		if !fn(a) {
			return nil
		}
		a.UpdatedAt = s.clock.Now().UTC()
		if err := s.audits.Update(ctx, a); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (s *Service) load(ctx context.Context, auditID string) (*domain.Audit, error) {
	if !validID(auditID) {
		return nil, domain.ErrNotFound
	}
	return s.audits.Get(ctx, auditID)
}

func (s *Service) publish(ctx context.Context, ev domain.ProgressEvent) {
	if err := s.hub.Publish(ctx, ev); err != nil {
		s.log.Warn("publish progress failed", "audit_id", ev.AuditID, "status", ev.Status, "error", err)
	}
}

func (s *Service) storeResult(ctx context.Context, a *domain.Audit) {
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, ResultKey(a.ID), raw, s.ttl); err != nil {
		s.log.Warn("cache audit result failed", "audit_id", a.ID, "error", err)
	}
}

// owns reports whether requester may act on a. Audits created without an
// identity have no owner, so nobody may cancel or rerun them.
func owns(a *domain.Audit, requester string) bool {
	return requester != "" && a.Owner == requester
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// writeContext detaches from ctx's cancellation so terminal writes land even
// when the audit's own context has ended.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
