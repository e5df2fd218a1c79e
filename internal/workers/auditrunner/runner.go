// Package auditrunner owns the background execution of audits: an unbounded
// FIFO of audit ids drained by a fixed number of worker goroutines.
package auditrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("audit runner is stopped")

// Processor drives one audit to a terminal state.
type Processor interface {
	Process(ctx context.Context, auditID string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, auditID string) error

func (f ProcessorFunc) Process(ctx context.Context, auditID string) error { return f(ctx, auditID) }

type Runner struct {
	proc   Processor
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	active  int
	stopped bool
	wg      sync.WaitGroup
}

// New starts workers goroutines. Submitted audits queue without bound when
// every worker is busy.
func New(proc Processor, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{proc: proc, log: logger, ctx: ctx, cancel: cancel}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work(i)
	}
	return r
}

// Submit enqueues an audit id for processing.
func (r *Runner) Submit(auditID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	r.queue = append(r.queue, auditID)
	r.cond.Signal()
	return nil
}

// Pending returns the number of queued audits not yet picked up.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Active returns the number of audits being processed right now.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Stop refuses new submissions and lets workers exit after their current
// audit. Audits still queued are dropped from memory and returned so the
// caller can decide what to do with them.
func (r *Runner) Stop() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	dropped := r.queue
	r.queue = nil
	r.cond.Broadcast()
	return dropped
}

// Cancel cancels the context of in-flight audits.
func (r *Runner) Cancel() { r.cancel() }

// Wait blocks until every worker has exited or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && !r.stopped {
		r.cond.Wait()
	}
	if r.stopped {
		return "", false
	}
	id := r.queue[0]
	r.queue[0] = ""
	r.queue = r.queue[1:]
	r.active++
	return id, true
}

func (r *Runner) done() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *Runner) work(idx int) {
	defer r.wg.Done()
	for {
		id, ok := r.next()
		if !ok {
			return
		}
		start := time.Now()
		if err := r.process(id); err != nil {
			r.log.Error("audit processing failed", "worker", idx, "audit_id", id, "error", err)
		} else {
			r.log.Debug("audit processed", "worker", idx, "audit_id", id, "duration", time.Since(start))
		}
		r.done()
	}
}

func (r *Runner) process(id string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panicked: %v", p)
		}
	}()
	return r.proc.Process(r.ctx, id)
}
