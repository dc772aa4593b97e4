// Package ratelimit implements the per-client sliding-window admission
// limiter for the ingest surface.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision reports one admission check with the header bookkeeping the
// HTTP layer surfaces.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter tracks request timestamps per client id over a sliding window.
type Limiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	clients map[string][]time.Time
}

// New constructs a Limiter; zero values fall back to 60s/1000.
func New(window time.Duration, limit int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 1000
	}
	return &Limiter{
		window:  window,
		limit:   limit,
		now:     time.Now,
		clients: make(map[string][]time.Time),
	}
}

// Allow records and admits the request unless the client exhausted its
// window. Denials do not consume quota.
func (l *Limiter) Allow(clientID string) Decision {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.clients[clientID]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= l.limit {
		l.clients[clientID] = live
		oldest := live[0]
		reset := oldest.Add(l.window)
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			ResetAt:    reset,
			RetryAfter: reset.Sub(now),
		}
	}

	live = append(live, now)
	l.clients[clientID] = live
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - len(live),
		ResetAt:   live[0].Add(l.window),
	}
}

// Run evicts idle clients periodically until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for client, stamps := range l.clients {
		live := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}
		if len(live) == 0 {
			delete(l.clients, client)
			continue
		}
		l.clients[client] = live
	}
}

// Tracked returns the number of clients with live windows.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
