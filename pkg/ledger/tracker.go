// Package ledger records per-request cost and outcome data and exposes the
// rolling per-tier performance statistics consumed by the model selector.
package ledger

import (
	"sync"
	"time"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// trackerHorizon is the wall-clock cutoff applied when reading the rings:
// attempts older than this are ignored even if still in the window.
const trackerHorizon = time.Hour

// attemptSample is one ring entry.
type attemptSample struct {
	ok bool
	at time.Time
}

// tierRing is a fixed-size ring of recent attempt outcomes for one tier.
// Updates are O(1).
type tierRing struct {
	mu      sync.Mutex
	samples []attemptSample
	next    int
	filled  int
}

func newTierRing(size int) *tierRing {
	return &tierRing{samples: make([]attemptSample, size)}
}

func (r *tierRing) record(ok bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = attemptSample{ok: ok, at: at}
	r.next = (r.next + 1) % len(r.samples)
	if r.filled < len(r.samples) {
		r.filled++
	}
}

func (r *tierRing) failureRate(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-trackerHorizon)
	total, failed := 0, 0
	for i := 0; i < r.filled; i++ {
		s := r.samples[i]
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if !s.ok {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Tracker keeps last-N attempt outcomes per tier. It answers the selector's
// "has this tier been failing lately" question without touching storage.
type Tracker struct {
	rings map[models.Tier]*tierRing
	now   func() time.Time
}

// NewTracker creates a tracker with a ring of windowSize per tier.
func NewTracker(windowSize int) *Tracker {
	rings := make(map[models.Tier]*tierRing, 3)
	for _, t := range []models.Tier{models.TierSmall, models.TierMedium, models.TierLarge} {
		rings[t] = newTierRing(windowSize)
	}
	return &Tracker{rings: rings, now: time.Now}
}

// RecordAttempt records one attempt outcome for a tier.
func (t *Tracker) RecordAttempt(tier models.Tier, ok bool) {
	ring, exists := t.rings[tier]
	if !exists {
		return
	}
	ring.record(ok, t.now())
}

// FailureRate returns the failure fraction of recent attempts for a tier,
// over the last N attempts restricted to the past hour. No data yields 0.
func (t *Tracker) FailureRate(tier models.Tier) float64 {
	ring, exists := t.rings[tier]
	if !exists {
		return 0
	}
	return ring.failureRate(t.now())
}
