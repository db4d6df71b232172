package wbikeys

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
)

func TestGetFetchesOnceWhenEmpty(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context) (Keys, error) {
		atomic.AddInt32(&calls, 1)
		return Keys{ImgKey: "img", SubKey: "sub"}, nil
	}
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(fetch, fake)

	keys, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if keys.ImgKey != "img" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls)
	}

	// Second call within TTL should not re-fetch.
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected still 1 fetch after cached read, got %d", calls)
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context) (Keys, error) {
		atomic.AddInt32(&calls, 1)
		return Keys{ImgKey: "img", SubKey: "sub"}, nil
	}
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(fetch, fake)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	fake.Sleep(TTL + time.Minute)
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 fetches after TTL elapsed, got %d", calls)
	}
}

func TestGetSingleFlightsConcurrentCallers(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (Keys, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Keys{ImgKey: "img", SubKey: "sub"}, nil
	}
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(fetch, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 in-flight fetch, got %d", calls)
	}
}
