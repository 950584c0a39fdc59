package server

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// errRateLimited marks submissions rejected by the per-sender limiter.
var errRateLimited = errors.New("rate limit exceeded")

// limiterEvictAfter is how long an idle sender's limiter is kept around.
const limiterEvictAfter = 10 * time.Minute

// senderLimiter applies a per-sender token bucket. Idle senders are evicted
// lazily on the next Allow call to bound the map.
type senderLimiter struct {
	mu        sync.Mutex
	senders   map[string]*senderBucket
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSenderLimiter(perSecond float64, burst int) *senderLimiter {
	return &senderLimiter{
		senders:   make(map[string]*senderBucket),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether the sender may submit now.
func (l *senderLimiter) Allow(senderID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterEvictAfter {
		for id, b := range l.senders {
			if now.Sub(b.lastSeen) > limiterEvictAfter {
				delete(l.senders, id)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.senders[senderID]
	if !ok {
		b = &senderBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.senders[senderID] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
