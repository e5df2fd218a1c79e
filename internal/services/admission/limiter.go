package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
)

// Limiter is a fixed-window request counter keyed by client identity.
type Limiter struct {
	cache  ports.Cache
	limit  int64
	window time.Duration
	clock  clockwork.Clock
	log    *slog.Logger
}

func NewLimiter(cache ports.Cache, limit int, window time.Duration, clock clockwork.Clock, logger *slog.Logger) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{cache: cache, limit: int64(limit), window: window, clock: clock, log: logger}
}

// Allow counts one request for clientID and returns domain.ErrRateLimited once
// the count in the current window exceeds the limit.
func (l *Limiter) Allow(ctx context.Context, clientID string) error {
	if clientID == "" {
		clientID = "anonymous"
	}
	windowStart := l.clock.Now().Truncate(l.window)
	key := "ratelimit:" + clientID + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	n, err := l.cache.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit counter: %w", err)
	}
	if n == 1 {
		// First hit in this window arms its expiration.
		if err := l.cache.Expire(ctx, key, l.window); err != nil {
			l.log.Warn("rate limit expire failed", "client", clientID, "error", err)
		}
	}
	if n > l.limit {
		return domain.ErrRateLimited
	}
	return nil
}
