// Package wbi implements the platform's WBI request-signing scheme and the
// per-client browser fingerprint used to make an account's outbound calls
// look like a consistent, ordinary browser session.
package wbi

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// mixinKeyEncTab is the fixed 64-entry permutation used to derive the
// 32-character mixin key from img_key‖sub_key. The table is published by
// the platform and rotates only with its own key rotation, never per
// client — it is not a secret we compute, it is a constant we copy.
var mixinKeyEncTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

// illegalValueChars are stripped from every parameter value before signing.
const illegalValueChars = `!'()*`

// MixinKey derives the 32-character signing secret from the platform's
// published img_key and sub_key.
func MixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	for _, idx := range mixinKeyEncTab {
		if idx < len(raw) {
			b.WriteByte(raw[idx])
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// Sign appends wts and w_rid to a copy of params, following the platform's
// WBI signing procedure: sort keys, strip illegal characters from values,
// URL-encode, concatenate with the mixin key, and MD5 the result.
func Sign(params map[string]string, mixinKey string, now time.Time) map[string]string {
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["wts"] = strconv.FormatInt(now.Unix(), 10)

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var query strings.Builder
	for i, k := range keys {
		v := stripIllegalChars(signed[k])
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(k))
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(v))
	}

	sum := md5.Sum([]byte(query.String() + mixinKey))
	signed["w_rid"] = hex.EncodeToString(sum[:])
	return signed
}

func stripIllegalChars(v string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalValueChars, r) {
			return -1
		}
		return r
	}, v)
}

// userAgents is the fixed pool fingerprints are drawn from.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edg/120.0.0.0 Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 11.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
}

// acceptEncodings is shuffled per instance to avoid every client presenting
// an identical header ordering.
var acceptEncodings = []string{"gzip", "deflate", "br", "zstd"}

// Fingerprint is a per-client-instance identity: chosen once when the
// client is created, reused across every call that client makes so a
// single worker's attempts look like one consistent browser.
type Fingerprint struct {
	UserAgent      string
	AcceptEncoding string
	DNT            bool
}

// NewFingerprint draws a fingerprint uniformly from the fixed pool.
func NewFingerprint(rng *rand.Rand) Fingerprint {
	ua := userAgents[rng.Intn(len(userAgents))]

	shuffled := make([]string, len(acceptEncodings))
	copy(shuffled, acceptEncodings)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	return Fingerprint{
		UserAgent:      ua,
		AcceptEncoding: strings.Join(shuffled, ", "),
		DNT:            rng.Intn(2) == 1,
	}
}

// chromiumVersionPattern extracts the Chromium major version from a
// Chrome- or Edge-flavored user agent. Firefox and Safari user agents
// don't match, since sec-ch-ua is a Chromium-only header.
var chromiumVersionPattern = regexp.MustCompile(`Chrome/(\d+)`)

// Headers returns the standard header set this fingerprint presents on
// every request, excluding endpoint-specific headers (Referer, Cookie)
// that the caller sets separately.
func (f Fingerprint) Headers() map[string]string {
	h := map[string]string{
		"User-Agent":      f.UserAgent,
		"Accept-Encoding": f.AcceptEncoding,
	}
	if f.DNT {
		h["DNT"] = "1"
	}
	if v := chromiumVersionPattern.FindStringSubmatch(f.UserAgent); v != nil {
		h["sec-ch-ua"] = fmt.Sprintf(`"Not_A Brand";v="24", "Chromium";v="%s"`, v[1])
	}
	return h
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("Fingerprint{ua=%q}", f.UserAgent)
}
