package wbi

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func TestMixinKeyTruncatesTo32(t *testing.T) {
	key := MixinKey("7cd084941338484aae1ad9425b84077c", "4932caff0ff746eab6f01bf08b70ac45")
	if len(key) != 32 {
		t.Fatalf("expected 32-char mixin key, got %d chars", len(key))
	}
}

func TestSignStableUnderParamReorder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mixin := MixinKey("abc", "def")

	a := Sign(map[string]string{"foo": "1", "bar": "2"}, mixin, now)
	b := Sign(map[string]string{"bar": "2", "foo": "1"}, mixin, now)

	if a["w_rid"] != b["w_rid"] {
		t.Fatalf("expected signature stable under key-map reordering, got %q vs %q", a["w_rid"], b["w_rid"])
	}
}

func TestSignUnstableUnderValueChange(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mixin := MixinKey("abc", "def")

	a := Sign(map[string]string{"foo": "1"}, mixin, now)
	b := Sign(map[string]string{"foo": "2"}, mixin, now)

	if a["w_rid"] == b["w_rid"] {
		t.Fatal("expected signature to change when a value changes")
	}
}

func TestSignStripsIllegalChars(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mixin := MixinKey("abc", "def")

	a := Sign(map[string]string{"foo": "a!'b(c)d*e"}, mixin, now)
	b := Sign(map[string]string{"foo": "abcde"}, mixin, now)

	if a["w_rid"] != b["w_rid"] {
		t.Fatal("expected illegal chars to be stripped before signing")
	}
}

func TestSignIncludesWts(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	signed := Sign(map[string]string{"a": "1"}, "mixin", now)
	if signed["wts"] == "" {
		t.Fatal("expected wts to be set")
	}
}

func TestNewFingerprintDrawsFromFixedPool(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	fp := NewFingerprint(rng)

	found := false
	for _, ua := range userAgents {
		if ua == fp.UserAgent {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("fingerprint UA %q not in fixed pool", fp.UserAgent)
	}
	if len(fp.Headers()) == 0 {
		t.Fatal("expected non-empty headers")
	}
}

func TestHeadersIncludesSecChUaForChromiumAgents(t *testing.T) {
	fp := Fingerprint{UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"}
	h := fp.Headers()
	if h["sec-ch-ua"] == "" {
		t.Fatal("expected sec-ch-ua header for a Chrome user agent")
	}
	if want := `v="120"`; !strings.Contains(h["sec-ch-ua"], want) {
		t.Fatalf("expected sec-ch-ua to carry the Chrome major version, got %q", h["sec-ch-ua"])
	}
}

func TestHeadersOmitsSecChUaForFirefox(t *testing.T) {
	fp := Fingerprint{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0"}
	h := fp.Headers()
	if _, ok := h["sec-ch-ua"]; ok {
		t.Fatalf("expected no sec-ch-ua header for a non-Chromium user agent, got %q", h["sec-ch-ua"])
	}
}
