package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether an authenticated caller may start another
// completion request, based on its service tier.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds the request budget for one service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// InProcessLimiter tracks per-caller request counts in fixed one-minute
// windows, entirely in memory. Suitable for a single gateway process;
// each replica enforces its own budget independently.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int
	mu         sync.Mutex
	windows    map[string]*window
}

type window struct {
	used     int
	openedAt time.Time
}

// NewInProcessLimiter creates a limiter with per-tier budgets. Tiers
// without an entry fall back to defaultRPM; a budget of zero or less
// means unlimited.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		windows:    make(map[string]*window),
	}
}

// Allow consumes one request from the caller's current window, returning
// ErrTooManyRequests once the tier budget is exhausted.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}

	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.openedAt) >= time.Minute {
		l.windows[key] = &window{used: 1, openedAt: now}
		return nil
	}

	w.used++
	if w.used > rpm {
		return ErrTooManyRequests
	}
	return nil
}
