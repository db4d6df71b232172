package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. Sleep does not
// block; it just records the requested duration and advances the clock by
// it, so a test can assert "Dispatcher slept at least 90s" without the
// test itself taking 90s.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
}

// NewFake returns a Fake Clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

// Sleeps returns every duration passed to Sleep so far, in order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// TotalSlept sums every recorded Sleep duration.
func (f *Fake) TotalSlept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total time.Duration
	for _, d := range f.sleeps {
		total += d
	}
	return total
}
