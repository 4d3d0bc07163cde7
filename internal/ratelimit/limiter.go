// Package ratelimit bounds how often one identifier may perform an operation
// within a fixed window.
package ratelimit

import (
	"context"
	"time"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/metrics"
	"github.com/rs/zerolog"
)

// Decision is the outcome of one Admit call. TimeUntilReset is set only on
// rejection.
type Decision struct {
	Allowed        bool
	Count          int
	TimeUntilReset time.Duration
}

// Store counts attempts per key. Hit records one attempt and returns the
// count within the current window plus the time left in that window.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int, resetIn time.Duration, err error)
}

// Limiter applies the admit rule over a Store. The rule is the same for every
// backend; only the counter storage differs.
type Limiter struct {
	store    Store
	fallback Store
	logger   zerolog.Logger
}

// New creates a limiter. When store fails, attempts are counted in an
// in-process fallback so the limiter keeps working.
func New(store Store, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:    store,
		fallback: NewMemoryStore(),
		logger:   logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Admit records an attempt by id and admits it while the count stays within
// maxAttempts.
func (l *Limiter) Admit(ctx context.Context, id string, maxAttempts int, window time.Duration) Decision {
	count, resetIn, err := l.store.Hit(ctx, id, window)
	if err != nil {
		l.logger.Warn().Err(err).Msg("rate limit store unavailable, using in-process counter")
		count, resetIn, _ = l.fallback.Hit(ctx, id, window)
	}

	if count <= maxAttempts {
		return Decision{Allowed: true, Count: count}
	}
	if resetIn <= 0 {
		resetIn = time.Millisecond
	}
	l.logger.Warn().
		Str("identifier", id).
		Int("attempts", count).
		Int("max_attempts", maxAttempts).
		Dur("reset_in", resetIn).
		Msg("rate limit exceeded")
	return Decision{Count: count, TimeUntilReset: resetIn}
}

// AdmitScope is Admit with the identifier namespaced by scope and the limits
// taken from w. Rejections are counted under scope.
func (l *Limiter) AdmitScope(ctx context.Context, scope, id string, w core.RateWindow) Decision {
	d := l.Admit(ctx, scope+":"+id, w.MaxAttempts, w.Window)
	if !d.Allowed {
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
	}
	return d
}

// StartCleanup periodically drops expired in-process records, both for a
// memory primary store and for the fallback.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxWindow time.Duration) {
	if m, ok := l.store.(*MemoryStore); ok {
		m.StartCleanup(ctx, interval, maxWindow)
	}
	if m, ok := l.fallback.(*MemoryStore); ok {
		m.StartCleanup(ctx, interval, maxWindow)
	}
}
