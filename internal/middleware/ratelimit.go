package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default failure budget per client.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedKeys bounds how many clients are tracked at once.
	DefaultMaxTrackedKeys = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket of authentication failures per client
// key (normally the remote IP). Clients without recorded failures are never
// throttled.
type RateLimiter struct {
	mu             sync.Mutex
	entries        map[string]*limiterEntry
	maxPerMinute   int
	maxTrackedKeys int
	now            func() time.Time
	onThrottle     func(key string)
	cancel         context.CancelFunc
}

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedKeys caps the number of tracked clients. The least recently
// seen client is evicted when the cap is reached.
func WithMaxTrackedKeys(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTrackedKeys = n
		}
	}
}

// WithThrottleHook is called with the client key whenever a failure pushes
// that client over its budget.
func WithThrottleHook(fn func(key string)) RateLimiterOption {
	return func(rl *RateLimiter) { rl.onThrottle = fn }
}

func withClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a limiter allowing maxPerMinute failures per client.
// Pass 0 to use DefaultMaxAttemptsPerMinute. Stale entries are swept until
// ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:        make(map[string]*limiterEntry),
		maxPerMinute:   maxPerMinute,
		maxTrackedKeys: DefaultMaxTrackedKeys,
		now:            time.Now,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether key may make another attempt without consuming
// budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		return true
	}
	now := rl.now()
	e.lastSeen = now
	return e.limiter.TokensAt(now) >= 1
}

// RecordFailure consumes one unit of key's failure budget.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.RecordFailureAndAllow(key)
}

// RecordFailureAndAllow records a failed attempt for key and reports whether
// the attempt is still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	e := rl.entryLocked(key, now)
	allowed := e.limiter.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed && rl.onThrottle != nil {
		rl.onThrottle(key)
	}
	return allowed
}

// Tracked returns the number of clients with recorded failures.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *RateLimiter) entryLocked(key string, now time.Time) *limiterEntry {
	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedKeys {
			rl.evictOldestLocked()
		}
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, key)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)
	for key, e := range rl.entries {
		if !found || e.lastSeen.Before(oldestTime) {
			oldestKey, oldestTime, found = key, e.lastSeen, true
		}
	}
	if found {
		delete(rl.entries, oldestKey)
	}
}

// ExtractIP returns the host part of a RemoteAddr string. Inputs without a
// port are returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
