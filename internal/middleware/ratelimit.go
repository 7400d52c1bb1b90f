package middleware

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default budget of failed auth
	// attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of IPs tracked at once.
	DefaultMaxTrackedIPs = 10000

	defaultStaleAfter = 5 * time.Minute
	cleanupInterval   = time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedIPs caps the number of IPs tracked; the least recently seen
// IP is evicted first.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTrackedIPs = n
		}
	}
}

// WithStaleAfter sets how long an IP may stay quiet before it is forgotten.
func WithStaleAfter(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.staleAfter = d
		}
	}
}

// RateLimiter tracks failed authentication attempts per IP with a token
// bucket refilled at maxPerMinute tokens a minute.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	maxPerMinute  int
	maxTrackedIPs int
	staleAfter    time.Duration
	cancel        context.CancelFunc
}

// NewRateLimiter starts a limiter whose stale entries are swept until ctx is
// done or Stop is called. A non-positive maxPerMinute uses
// DefaultMaxAttemptsPerMinute.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:       make(map[string]*ipEntry),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		staleAfter:    defaultStaleAfter,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether ip may attempt authentication again. IPs without
// recorded failures are always allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Tokens() >= 1
}

// RecordFailure spends one token of ip's budget.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.RecordFailureAndAllow(ip)
}

// RecordFailureAndAllow spends one token of ip's budget and reports whether
// one was available.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.entryLocked(ip, time.Now()).limiter.Allow()
}

// RetryAfterSeconds is the time, rounded up, for one token to refill.
func (rl *RateLimiter) RetryAfterSeconds() int {
	return int(math.Ceil(60 / float64(rl.maxPerMinute)))
}

// Tracked returns the number of IPs currently tracked.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) entryLocked(ip string, now time.Time) *ipEntry {
	e, ok := rl.entries[ip]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedIPs {
			rl.evictOldestLocked()
		}
		e = &ipEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60), rl.maxPerMinute),
		}
		rl.entries[ip] = e
	}
	e.lastSeen = now
	return e
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.removeStale(now)
		}
	}
}

func (rl *RateLimiter) removeStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.entries {
		if now.Sub(e.lastSeen) > rl.staleAfter {
			delete(rl.entries, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, e := range rl.entries {
		if oldestIP == "" || e.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = e.lastSeen
		}
	}
	delete(rl.entries, oldestIP)
}

// ExtractIP strips the port from a RemoteAddr string. Inputs without a port
// are returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
