package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEvict drops per-source state not touched for this long.
const idleEvict = 10 * time.Minute

// SourceLimiter enforces a per-source request budget over a sliding window.
// Each source gets its own token bucket sized to the window; idle sources
// are evicted so the map does not grow unbounded under address churn.
type SourceLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	sources map[string]*sourceEntry
	sweepAt time.Time
}

type sourceEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewSourceLimiter allows n requests per window per source.
func NewSourceLimiter(n int, window time.Duration) *SourceLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SourceLimiter{
		limit:   rate.Limit(float64(n) / window.Seconds()),
		burst:   n,
		sources: make(map[string]*sourceEntry),
		sweepAt: time.Now().Add(idleEvict),
	}
}

// Reserve takes one slot for the source. Returns nil when the source is
// over budget. Callers cancel the returned reservation to refund the slot
// when the request is later rejected for reasons that must not count.
func (l *SourceLimiter) Reserve(source string) *rate.Reservation {
	l.mu.Lock()
	now := time.Now()
	entry, ok := l.sources[source]
	if !ok {
		entry = &sourceEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sources[source] = entry
	}
	entry.lastSeen = now
	if now.After(l.sweepAt) {
		l.sweep(now)
	}
	l.mu.Unlock()

	res := entry.lim.Reserve()
	if !res.OK() || res.Delay() > 0 {
		res.Cancel()
		return nil
	}
	return res
}

// sweep removes idle sources. Caller holds the lock.
func (l *SourceLimiter) sweep(now time.Time) {
	for key, entry := range l.sources {
		if now.Sub(entry.lastSeen) > idleEvict {
			delete(l.sources, key)
		}
	}
	l.sweepAt = now.Add(idleEvict)
}

// Sources reports how many distinct sources are currently tracked.
func (l *SourceLimiter) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
