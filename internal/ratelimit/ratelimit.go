package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-address request gate. A request is allowed when the
// address has no record yet or its last allowed request is at least one
// interval in the past; allowing a request overwrites the record. Records
// are never expired, matching the session-scoped lifetime of the relay.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time

	// now is replaceable in tests so timing rules can be asserted
	// without sleeping.
	now func() time.Time
}

func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a request from addr may proceed, and records the
// timestamp when it may.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[addr]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[addr] = now
	return true
}
