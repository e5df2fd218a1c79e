package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
)

// SnapshotFunc rebuilds the last known event for an audit when the cache has
// none. It returns domain.ErrNotFound for unknown audits.
type SnapshotFunc func(ctx context.Context, auditID string) (domain.ProgressEvent, error)

// StoreSnapshots projects the persisted audit as its snapshot.
func StoreSnapshots(audits ports.AuditRepository) SnapshotFunc {
	return func(ctx context.Context, auditID string) (domain.ProgressEvent, error) {
		a, err := audits.Get(ctx, auditID)
		if err != nil {
			return domain.ProgressEvent{}, err
		}
		return domain.EventFor(a), nil
	}
}

// SnapshotKey is the Result Cache key holding the latest event for an audit.
func SnapshotKey(auditID string) string { return "audit:" + auditID }

// Hub is the Progress Hub. Topics exist only while someone is publishing to
// or subscribed to an audit; the last event lives in the cache.
type Hub struct {
	cache    ports.Cache
	ttl      time.Duration
	fallback SnapshotFunc
	log      *slog.Logger

	mu     sync.Mutex // guards topics and topic.refs
	topics map[string]*topic
	done   chan struct{}
	once   sync.Once
}

type topic struct {
	id   string
	refs int

	mu     sync.Mutex
	loaded bool
	last   *domain.ProgressEvent
	subs   map[*subscriber]struct{}
}

func NewHub(cache ports.Cache, ttl time.Duration, fallback SnapshotFunc, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cache:    cache,
		ttl:      ttl,
		fallback: fallback,
		log:      logger,
		topics:   make(map[string]*topic),
		done:     make(chan struct{}),
	}
}

func (h *Hub) acquire(id string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[id]
	if !ok {
		t = &topic{id: id, subs: make(map[*subscriber]struct{})}
		h.topics[id] = t
	}
	t.refs++
	return t
}

func (h *Hub) release(t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.refs--
	if t.refs == 0 {
		delete(h.topics, t.id)
	}
}

// Publish stores event as the audit's snapshot and fans it out to every
// subscriber. Events after a terminal one are dropped; progress never goes
// backwards.
func (h *Hub) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.AuditID == "" {
		return errors.New("progress event has no audit id")
	}
	t := h.acquire(ev.AuditID)
	defer h.release(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := h.loadLocked(ctx, t); err != nil {
		h.log.Warn("load progress snapshot failed", "audit_id", t.id, "error", err)
	}

	if last := t.last; last != nil {
		if last.Status.Terminal() {
			h.log.Debug("dropping event after terminal state", "audit_id", ev.AuditID, "status", ev.Status)
			return nil
		}
		if ev.Status != last.Status && !last.Status.CanTransition(ev.Status) {
			h.log.Debug("dropping out-of-order event", "audit_id", ev.AuditID, "from", last.Status, "to", ev.Status)
			return nil
		}
		if ev.Progress < last.Progress {
			ev.Progress = last.Progress
		}
	}
	if ev.Status.Terminal() {
		ev.CurrentStep = ""
	}
	t.last = &ev

	for s := range t.subs {
		s.push(ev)
		if ev.Status.Terminal() {
			delete(t.subs, s)
		}
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.cache.Set(ctx, SnapshotKey(ev.AuditID), raw, h.ttl); err != nil {
		return fmt.Errorf("store progress snapshot: %w", err)
	}
	return nil
}

// loadLocked fills t.last from the cache, then the fallback, once per topic.
func (h *Hub) loadLocked(ctx context.Context, t *topic) error {
	if t.loaded {
		return nil
	}
	ev, err := h.lookup(ctx, t.id)
	switch {
	case err == nil:
		t.last = &ev
	case errors.Is(err, domain.ErrNotFound):
	default:
		return err
	}
	t.loaded = true
	return nil
}

func (h *Hub) lookup(ctx context.Context, auditID string) (domain.ProgressEvent, error) {
	raw, err := h.cache.Get(ctx, SnapshotKey(auditID))
	if err == nil {
		var ev domain.ProgressEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			return ev, nil
		}
		h.log.Warn("discarding malformed progress snapshot", "audit_id", auditID)
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		h.log.Warn("progress snapshot read failed", "audit_id", auditID, "error", err)
	}
	if h.fallback == nil {
		return domain.ProgressEvent{}, domain.ErrNotFound
	}
	return h.fallback(ctx, auditID)
}

// Snapshot returns the latest known event, falling back to the store on a
// cache miss.
func (h *Hub) Snapshot(ctx context.Context, auditID string) (domain.ProgressEvent, error) {
	return h.lookup(ctx, auditID)
}

// Subscribe delivers the current snapshot followed by live events in order.
// The channel closes after the terminal event, when ctx is done, or when the
// hub is closed.
func (h *Hub) Subscribe(ctx context.Context, auditID string) (<-chan domain.ProgressEvent, error) {
	t := h.acquire(auditID)

	t.mu.Lock()
	err := h.loadLocked(ctx, t)
	if err == nil && t.last == nil {
		err = domain.ErrNotFound
	}
	if err != nil {
		t.mu.Unlock()
		h.release(t)
		return nil, err
	}
	s := newSubscriber()
	s.push(*t.last)
	terminal := t.last.Status.Terminal()
	if !terminal {
		t.subs[s] = struct{}{}
	}
	t.mu.Unlock()

	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		defer h.release(t)
		s.pump(ctx, h.done, out)
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	}()
	return out, nil
}

// Forget drops the cached snapshot for an audit.
func (h *Hub) Forget(ctx context.Context, auditID string) error {
	return h.cache.Delete(ctx, SnapshotKey(auditID))
}

// Close ends every live subscription.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// subscriber buffers events without bound so a slow reader never blocks
// publishers or other subscribers.
type subscriber struct {
	mu     sync.Mutex
	queue  []domain.ProgressEvent
	notify chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{notify: make(chan struct{}, 1)}
}

func (s *subscriber) push(ev domain.ProgressEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context, done <-chan struct{}, out chan<- domain.ProgressEvent) {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
			if ev.Status.Terminal() {
				return
			}
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}
