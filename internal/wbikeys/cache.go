// Package wbikeys holds the process-global WBI signing key pair as an
// explicit singleton, per the design note that global mutable state must
// be owned by the orchestrator behind a single mutex rather than hidden in
// a submodule-level variable.
package wbikeys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
)

// TTL is how long a refreshed key pair is considered fresh.
const TTL = time.Hour

// Keys is the (img_key, sub_key) pair published by the platform's nav
// endpoint, from which the WBI mixin key is derived.
type Keys struct {
	ImgKey string
	SubKey string
}

func (k Keys) empty() bool { return k.ImgKey == "" || k.SubKey == "" }

// FetchFunc retrieves a fresh key pair from the platform.
type FetchFunc func(ctx context.Context) (Keys, error)

// Cache is a single-flight-guarded cache of the current key pair.
type Cache struct {
	mu          sync.Mutex
	keys        Keys
	refreshedAt time.Time
	refreshing  *sync.WaitGroup
	refreshErr  error

	fetch FetchFunc
	clk   clock.Clock
}

// New creates a Cache with no keys loaded yet; the first Get call triggers
// a fetch.
func New(fetch FetchFunc, clk clock.Clock) *Cache {
	return &Cache{fetch: fetch, clk: clk}
}

// Get returns a fresh key pair, refreshing it first if stale or empty.
// Concurrent callers during a refresh share the same in-flight fetch
// rather than issuing duplicate requests.
func (c *Cache) Get(ctx context.Context) (Keys, error) {
	c.mu.Lock()
	if !c.stale() {
		keys := c.keys
		c.mu.Unlock()
		return keys, nil
	}

	if c.refreshing != nil {
		wg := c.refreshing
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		keys, err := c.keys, c.refreshErr
		c.mu.Unlock()
		return keys, err
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.refreshing = wg
	c.mu.Unlock()

	keys, err := c.fetch(ctx)

	c.mu.Lock()
	if err == nil {
		c.keys = keys
		c.refreshedAt = c.clk.Now()
		c.refreshErr = nil
	} else {
		c.refreshErr = fmt.Errorf("refresh wbi keys: %w", err)
	}
	c.refreshing = nil
	result, resultErr := c.keys, c.refreshErr
	c.mu.Unlock()

	wg.Done()
	return result, resultErr
}

func (c *Cache) stale() bool {
	if c.keys.empty() {
		return true
	}
	return c.clk.Now().Sub(c.refreshedAt) > TTL
}

// Peek returns the currently cached keys and their refresh time without
// triggering a refresh.
func (c *Cache) Peek() (Keys, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys, c.refreshedAt
}
