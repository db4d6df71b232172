// Package governor owns the two anti-detection pacing primitives every
// outbound call passes through: a per-account cooldown ledger and a
// humanized inter-attempt delay. Both are explicit singletons the
// orchestrator constructs once and shares, per the design note that
// global mutable state belongs behind one mutex, not a module-level var.
package governor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
)

// staleAfter is how long an unused ledger entry survives before
// opportunistic eviction.
const staleAfter = time.Hour

// Governor holds the cooldown ledger. One instance is shared by every
// dispatcher/poller worker in the process.
type Governor struct {
	mu   sync.Mutex
	last map[int64]time.Time

	clk clock.Clock
	rng *rand.Rand
}

// New creates a Governor with an empty ledger.
func New(clk clock.Clock, rng *rand.Rand) *Governor {
	return &Governor{
		last: make(map[int64]time.Time),
		clk:  clk,
		rng:  rng,
	}
}

// Consult sleeps however long is needed to respect cooldownFloor for
// accountID, then stamps last[accountID] := now. Safe for concurrent use
// across accounts; calls for the same account serialize naturally since
// each worker owns one account at a time.
func (g *Governor) Consult(accountID int64, cooldownFloor time.Duration) {
	g.mu.Lock()
	last, ok := g.last[accountID]
	now := g.clk.Now()
	g.mu.Unlock()

	if ok {
		elapsed := now.Sub(last)
		if elapsed < cooldownFloor {
			wait := cooldownFloor - elapsed + jitter(g.rng, 5*time.Second)
			g.clk.Sleep(wait)
		}
	}

	g.mu.Lock()
	g.last[accountID] = g.clk.Now()
	g.evictStale()
	g.mu.Unlock()
}

// Penalize overwrites last[accountID] to now+penalty, delaying the next
// Consult call for this account. Used after a "too frequent" response
// code (e.g. 12019) to push the account's next attempt further out than
// an ordinary cooldown would.
func (g *Governor) Penalize(accountID int64, penalty time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[accountID] = g.clk.Now().Add(penalty)
}

// evictStale drops ledger entries untouched for more than staleAfter.
// Caller must hold g.mu.
func (g *Governor) evictStale() {
	now := g.clk.Now()
	for id, t := range g.last {
		if now.Sub(t) > staleAfter {
			delete(g.last, id)
		}
	}
}

// HumanDelay sleeps a log-normal-distributed duration between min and
// max (clamped to [min, 1.5*max]), modeling the pause a human would take
// between successive attempts within one target's account sweep.
func (g *Governor) HumanDelay(min, max time.Duration) {
	g.clk.Sleep(SampleHumanDelay(g.rng, min, max))
}

// SampleHumanDelay draws one duration from the log-normal distribution
// described in the rate governor's humanized-delay rule: mu =
// ln((min+max)/2), sigma = 0.5, clamped to [min, 1.5*max]. Exposed as a
// pure function so callers can assert its distribution without going
// through a clock.
func SampleHumanDelay(rng *rand.Rand, min, max time.Duration) time.Duration {
	if min <= 0 || max <= 0 || min > max {
		return min
	}
	minF := min.Seconds()
	maxF := max.Seconds()
	mu := math.Log((minF + maxF) / 2)
	const sigma = 0.5

	sample := math.Exp(mu + sigma*rng.NormFloat64())
	lower := minF
	upper := 1.5 * maxF
	if sample < lower {
		sample = lower
	}
	if sample > upper {
		sample = upper
	}
	return time.Duration(sample * float64(time.Second))
}

func jitter(rng *rand.Rand, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(max)))
}
