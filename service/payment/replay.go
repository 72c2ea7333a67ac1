package payment

import (
	"sync"

	"github.com/brojonat/solgate/service/metrics"
)

// Default replay guard bounds. When the set grows past the high-water mark
// it is evicted down to the low-water mark, oldest-inserted entries first.
const (
	DefaultReplayHighWater = 10000
	DefaultReplayLowWater  = 5000
)

// ReplayGuard is a bounded, concurrency-safe record of signatures already
// accepted as payment proofs. A signature enters the set at most once and
// only on successful verification, so a proof that failed for a correctable
// reason can be re-presented.
//
// The set is process-lifetime state with no persistence. Eviction can in
// principle let a very old accepted signature be re-accepted, but the
// freshness window rejects transactions far younger than the eviction
// horizon under any realistic request rate.
type ReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	order     []string // insertion order, oldest first
	highWater int
	lowWater  int
	metrics   *metrics.Metrics
}

// NewReplayGuard creates a guard that evicts down to lowWater entries once
// the set exceeds highWater. Non-positive or inverted bounds fall back to
// the defaults. If m is nil, no metrics are recorded.
func NewReplayGuard(highWater, lowWater int, m *metrics.Metrics) *ReplayGuard {
	if highWater <= 0 {
		highWater = DefaultReplayHighWater
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = highWater / 2
	}
	return &ReplayGuard{
		seen:      make(map[string]struct{}),
		highWater: highWater,
		lowWater:  lowWater,
		metrics:   m,
	}
}

// Contains reports whether the signature was already accepted.
func (g *ReplayGuard) Contains(signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[signature]
	return ok
}

// Add inserts the signature and reports whether it was newly added. The
// check and the insert happen under one lock, so for two concurrent calls
// with the same signature exactly one observes true. Eviction runs inline
// before the lock is released.
func (g *ReplayGuard) Add(signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[signature]; ok {
		return false
	}
	g.seen[signature] = struct{}{}
	g.order = append(g.order, signature)

	if len(g.order) > g.highWater {
		g.evictLocked()
	}
	if g.metrics != nil {
		g.metrics.SetReplayGuardSize(len(g.order))
	}
	return true
}

// Len returns the number of signatures currently held.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// Clear empties the guard. Test and operational use only.
func (g *ReplayGuard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[string]struct{})
	g.order = nil
	if g.metrics != nil {
		g.metrics.SetReplayGuardSize(0)
	}
}

// evictLocked drops the oldest entries until lowWater remain. Callers must
// hold g.mu.
func (g *ReplayGuard) evictLocked() {
	drop := len(g.order) - g.lowWater
	if drop <= 0 {
		return
	}
	for _, sig := range g.order[:drop] {
		delete(g.seen, sig)
	}
	// Copy the tail into a fresh slice so the old backing array, and the
	// evicted strings it references, can be collected.
	remaining := make([]string, len(g.order)-drop)
	copy(remaining, g.order[drop:])
	g.order = remaining

	if g.metrics != nil {
		g.metrics.RecordReplayEvictions(drop)
	}
}
