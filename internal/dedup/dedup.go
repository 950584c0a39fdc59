// Package dedup keeps a short-lived in-memory index of settled deliveries so
// the worker can drop redelivered events without a database round-trip.
//
// The index is an optimization, not the source of truth. A miss always falls
// through to the delivery record in the store; the compare-and-set status
// update there is what actually makes duplicate processing a no-op. The index
// only has to be big enough to absorb the broker's redelivery window, so
// entries expire after a configurable TTL and a background sweeper evicts
// them.
package dedup

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a settled entry is retained before eviction.
const DefaultTTL = 10 * time.Minute

// DefaultSweepInterval is how often the sweeper scans for expired entries.
const DefaultSweepInterval = time.Minute

// Index tracks recently settled (message, channel) deliveries.
type Index struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates an index whose entries expire after ttl. A ttl of zero uses
// DefaultTTL.
func New(ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func key(messageID, channel string) string {
	return messageID + "\x00" + channel
}

// MarkSettled records that the delivery for (messageID, channel) reached a
// settled status. Re-marking refreshes the expiry.
func (idx *Index) MarkSettled(messageID, channel string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[key(messageID, channel)] = time.Now().Add(idx.ttl)
}

// Settled reports whether (messageID, channel) was marked settled within the
// TTL window.
func (idx *Index) Settled(messageID, channel string) bool {
	idx.mu.RLock()
	expiry, ok := idx.entries[key(messageID, channel)]
	idx.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		// Expired but not yet swept. Treat as a miss; the sweeper will
		// evict it.
		return false
	}
	return true
}

// Len returns the number of entries currently held, including expired ones
// the sweeper has not evicted yet.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// StartSweeper launches a background goroutine that evicts expired entries
// every interval. An interval of zero uses DefaultSweepInterval. Call Stop to
// shut it down.
func (idx *Index) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	idx.sweepStop = make(chan struct{})
	idx.sweepDone = make(chan struct{})

	go idx.sweepLoop(interval)
	slog.Info("dedup: sweeper started", "ttl", idx.ttl, "sweep_interval", interval)
}

// Stop shuts down the sweeper goroutine.
func (idx *Index) Stop() {
	if idx.sweepStop != nil {
		close(idx.sweepStop)
		<-idx.sweepDone
		idx.sweepStop = nil
		idx.sweepDone = nil
	}
}

func (idx *Index) sweepLoop(interval time.Duration) {
	defer close(idx.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-idx.sweepStop:
			return
		case <-ticker.C:
			idx.sweep()
		}
	}
}

func (idx *Index) sweep() {
	now := time.Now()
	evicted := 0

	idx.mu.Lock()
	for k, expiry := range idx.entries {
		if now.After(expiry) {
			delete(idx.entries, k)
			evicted++
		}
	}
	remaining := len(idx.entries)
	idx.mu.Unlock()

	if evicted > 0 {
		slog.Debug("dedup: sweep evicted entries", "evicted", evicted, "remaining", remaining)
	}
}
