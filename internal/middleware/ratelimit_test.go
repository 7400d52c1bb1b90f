package middleware

import (
	"context"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rl := NewRateLimiter(ctx, maxPerMinute, opts...)
	t.Cleanup(func() {
		rl.Stop()
		cancel()
	})
	return rl
}

func TestRateLimiter_AllowBeforeFailure(t *testing.T) {
	rl := newTestRateLimiter(t, 5)

	if !rl.Allow("192.168.1.1") {
		t.Fatal("Allow should return true for unknown IP")
	}
	if rl.Tracked() != 0 {
		t.Fatalf("Tracked() = %d, want 0 before any failure", rl.Tracked())
	}
}

func TestRateLimiter_AllowDoesNotSpendBudget(t *testing.T) {
	rl := newTestRateLimiter(t, 2)

	rl.RecordFailure("10.0.0.1")
	for range 5 {
		if !rl.Allow("10.0.0.1") {
			t.Fatal("Allow should not consume tokens")
		}
	}
}

func TestRateLimiter_ExceedLimit(t *testing.T) {
	rl := newTestRateLimiter(t, 3)

	for i := range 3 {
		if !rl.RecordFailureAndAllow("10.0.0.1") {
			t.Fatalf("failure %d rejected, want the first 3 allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Allow should return false after exceeding limit")
	}
	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("RecordFailureAndAllow should return false after exceeding limit")
	}
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl := newTestRateLimiter(t, 2)

	rl.RecordFailure("10.0.0.1")
	rl.RecordFailure("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Fatal("10.0.0.1 should be rate limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be rate limited")
	}
}

func TestRateLimiter_DefaultMaxAttempts(t *testing.T) {
	rl := newTestRateLimiter(t, 0)

	for range DefaultMaxAttemptsPerMinute {
		rl.RecordFailure("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("should be rate limited after default max attempts")
	}
	if got := rl.RetryAfterSeconds(); got != 6 {
		t.Fatalf("RetryAfterSeconds() = %d, want 6", got)
	}
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	rl := newTestRateLimiter(t, 7)
	if got := rl.RetryAfterSeconds(); got != 9 {
		t.Fatalf("RetryAfterSeconds() = %d, want 9", got)
	}
}

func TestRateLimiter_MaxTrackedIPs(t *testing.T) {
	rl := newTestRateLimiter(t, 5, WithMaxTrackedIPs(3))

	rl.RecordFailure("1.1.1.1")
	time.Sleep(time.Millisecond)
	rl.RecordFailure("2.2.2.2")
	rl.RecordFailure("3.3.3.3")
	rl.RecordFailure("4.4.4.4")

	if rl.Tracked() != 3 {
		t.Fatalf("Tracked() = %d, want 3", rl.Tracked())
	}
	rl.mu.Lock()
	_, oldestKept := rl.entries["1.1.1.1"]
	rl.mu.Unlock()
	if oldestKept {
		t.Fatal("expected the least recently seen IP to be evicted")
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	rl := newTestRateLimiter(t, 5, WithStaleAfter(time.Minute))

	rl.RecordFailure("stale.ip")
	rl.RecordFailure("fresh.ip")

	rl.mu.Lock()
	rl.entries["stale.ip"].lastSeen = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	rl.removeStale(time.Now())

	rl.mu.Lock()
	_, staleExists := rl.entries["stale.ip"]
	_, freshExists := rl.entries["fresh.ip"]
	rl.mu.Unlock()
	if staleExists || !freshExists {
		t.Fatalf("stale kept = %t, fresh kept = %t; want only fresh kept", staleExists, freshExists)
	}
}

func TestRateLimiter_StopCancelsCleanup(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 5)
	rl.Stop()
	rl.Stop()
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractIP(tt.input); got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
