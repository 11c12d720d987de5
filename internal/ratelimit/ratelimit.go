// Package ratelimit bounds the inbound event rate of a single connection.
// Clients are untrusted; a flood of files-update frames would otherwise
// serialize everyone else's mutations behind it.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a token-bucket rate limiter keyed by connection id.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow reports whether the connection may send another event under a budget
// of epm events per minute. epm of 0 means unlimited.
func (l *Limiter) Allow(connID string, epm int) bool {
	if epm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[connID]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: float64(epm), lastRefill: now}
		l.buckets[connID] = b
	}

	// Refill at epm tokens per minute, capped at one minute's budget.
	elapsed := now.Sub(b.lastRefill)
	b.tokens += elapsed.Minutes() * float64(epm)
	if b.tokens > float64(epm) {
		b.tokens = float64(epm)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops the bucket for a closed connection.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}

// Cleanup removes buckets idle for longer than maxIdle.
func (l *Limiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
