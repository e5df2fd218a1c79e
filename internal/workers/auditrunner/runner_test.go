package auditrunner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	r := New(ProcessorFunc(func(ctx context.Context, id string) error {
		mu.Lock()
		got = append(got, id)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	}), 1, nil)

	for _, id := range []string{"a", "b", "c"} {
		if err := r.Submit(id); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audits")
	}
	r.Stop()
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected FIFO order a,b,c, got %v", got)
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(6)
	r := New(ProcessorFunc(func(ctx context.Context, id string) error {
		defer wg.Done()
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	}), 2, nil)
	for i := 0; i < 6; i++ {
		_ = r.Submit("x")
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent audits, got %d", peak.Load())
	}
	r.Stop()
}

func TestRunnerStopReturnsQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	r := New(ProcessorFunc(func(ctx context.Context, id string) error {
		started <- struct{}{}
		<-release
		return nil
	}), 1, nil)

	_ = r.Submit("running")
	<-started
	_ = r.Submit("queued-1")
	_ = r.Submit("queued-2")

	dropped := r.Stop()
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped audits, got %v", dropped)
	}
	if err := r.Submit("late"); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); err == nil {
		t.Error("expected Wait to time out while an audit is in flight")
	}
	close(release)
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerCancelAndPanic(t *testing.T) {
	r := New(ProcessorFunc(func(ctx context.Context, id string) error {
		if id == "boom" {
			panic("kaput")
		}
		<-ctx.Done()
		return ctx.Err()
	}), 2, nil)
	_ = r.Submit("boom")
	_ = r.Submit("blocked")

	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("expected workers to exit after cancel, got %v", err)
	}
}
