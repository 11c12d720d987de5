package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := New()

	epm := 10
	for i := 0; i < 10; i++ {
		if !l.Allow("conn-1", epm) {
			t.Fatalf("event %d should be allowed", i+1)
		}
	}
	if l.Allow("conn-1", epm) {
		t.Error("11th event should be denied")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New()
	for i := 0; i < 1000; i++ {
		if !l.Allow("conn-1", 0) {
			t.Fatalf("event %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestLimiterRefill(t *testing.T) {
	l := New()
	epm := 60 // 1 token per second

	for i := 0; i < 60; i++ {
		l.Allow("conn-1", epm)
	}
	if l.Allow("conn-1", epm) {
		t.Error("should be limited after exhausting tokens")
	}

	time.Sleep(1100 * time.Millisecond)

	if !l.Allow("conn-1", epm) {
		t.Error("should be allowed after refill")
	}
}

func TestLimiterIndependentConnections(t *testing.T) {
	l := New()

	for i := 0; i < 5; i++ {
		if !l.Allow("a", 5) {
			t.Fatalf("conn a event %d should be allowed", i+1)
		}
	}
	if l.Allow("a", 5) {
		t.Error("conn a should be limited")
	}
	if !l.Allow("b", 5) {
		t.Error("conn b should not be affected by conn a's limit")
	}
}

func TestLimiterForget(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Allow("a", 5)
	}
	l.Forget("a")
	if !l.Allow("a", 5) {
		t.Error("forgotten connection should start with a fresh bucket")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := New()
	l.Allow("a", 10)
	l.Allow("b", 10)

	l.mu.Lock()
	l.buckets["a"].lastRefill = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()

	l.Cleanup(time.Hour)

	l.mu.Lock()
	count := len(l.buckets)
	l.mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", count)
	}
}
