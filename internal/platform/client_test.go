package platform

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/wbi"
)

func newTestClient(t *testing.T, srv *httptest.Server, fake *clock.Fake) *Client {
	t.Helper()
	c := New(Credentials{Sessdata: "sess", BiliJCT: "csrf"}, wbi.NewFingerprint(rand.New(rand.NewSource(1))), nil, fake, rand.New(rand.NewSource(1)))
	c.OverrideHostsForTest(srv.URL)
	return c
}

func envelopeJSON(code int, message string) []byte {
	b, _ := json.Marshal(Envelope{Code: code, Message: message})
	return b
}

func TestGetVideoInfoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelopeJSON(0, "0"))
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, srv, fake)

	env, err := c.GetVideoInfo(context.Background(), "BV1xx")
	if err != nil {
		t.Fatalf("GetVideoInfo: %v", err)
	}
	if env.Code != 0 {
		t.Fatalf("expected code 0, got %d", env.Code)
	}
	if len(fake.Sleeps()) != 0 {
		t.Fatalf("expected no sleeps on success, got %v", fake.Sleeps())
	}
}

func TestRetriesOn412ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.Write(envelopeJSON(-412, "rate limited"))
			return
		}
		w.Write(envelopeJSON(0, "ok"))
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, srv, fake)

	env, err := c.GetVideoInfo(context.Background(), "BV1xx")
	if err != nil {
		t.Fatalf("GetVideoInfo: %v", err)
	}
	if env.Code != 0 {
		t.Fatalf("expected eventual success, got code %d", env.Code)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(fake.Sleeps()) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(fake.Sleeps()))
	}
	for _, d := range fake.Sleeps() {
		if d < 5*time.Second {
			t.Fatalf("expected backoff >= 5s per the 5*2^attempt formula, got %v", d)
		}
	}
}

func TestCode352IsTerminalNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(envelopeJSON(-352, "risk control"))
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, srv, fake)

	env, err := c.GetVideoInfo(context.Background(), "BV1xx")
	if err != nil {
		t.Fatalf("GetVideoInfo: %v", err)
	}
	if env.Code != -352 {
		t.Fatalf("expected -352 returned immediately, got %d", env.Code)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, no retry on -352, got %d", calls)
	}
	if len(fake.Sleeps()) != 0 {
		t.Fatalf("expected no sleeps for terminal code, got %v", fake.Sleeps())
	}
}

func TestCode101AndNeg799AreTerminal(t *testing.T) {
	for _, code := range []int{-101, -799} {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Write(envelopeJSON(code, "terminal"))
		}))

		fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		c := newTestClient(t, srv, fake)

		env, err := c.GetVideoInfo(context.Background(), "BV1xx")
		srv.Close()
		if err != nil {
			t.Fatalf("code %d: GetVideoInfo: %v", code, err)
		}
		if env.Code != code {
			t.Fatalf("code %d: expected passthrough, got %d", code, env.Code)
		}
		if calls != 1 {
			t.Fatalf("code %d: expected exactly 1 call, got %d", code, calls)
		}
	}
}

func TestExhaustionReturnsSyntheticEnvelope(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(envelopeJSON(862, "too frequent"))
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, srv, fake)

	env, err := c.GetVideoInfo(context.Background(), "BV1xx")
	if err != nil {
		t.Fatalf("GetVideoInfo: %v", err)
	}
	if env.Code != -999 {
		t.Fatalf("expected synthetic -999 on exhaustion, got %d", env.Code)
	}
	if int(calls) != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, calls)
	}
}

func TestNetworkErrorRetriesThenExhausts(t *testing.T) {
	// A server that immediately closes the connection simulates a
	// transient network failure on every attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("ResponseWriter does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatalf("hijack: %v", err)
		}
		conn.Close()
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, srv, fake)

	env, err := c.GetVideoInfo(context.Background(), "BV1xx")
	if err != nil {
		t.Fatalf("GetVideoInfo: %v", err)
	}
	if env.Code != -999 {
		t.Fatalf("expected synthetic -999 on network exhaustion, got %d", env.Code)
	}
	if len(fake.Sleeps()) != maxRetries {
		t.Fatalf("expected %d network backoff sleeps, got %d", maxRetries, len(fake.Sleeps()))
	}
}

func TestReportUserTranslatesStatusEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":1,"data":{"ok":true}}`))
	}))
	defer srv.Close()

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, srv, fake)

	env, err := c.ReportUser(context.Background(), 12345, 1, "harassment")
	if err != nil {
		t.Fatalf("ReportUser: %v", err)
	}
	if env.Code != 0 {
		t.Fatalf("expected translated success code 0, got %d", env.Code)
	}
}
