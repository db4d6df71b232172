// Package platform implements the one-shot authenticated call wrapper
// that binds to a single account's cookies and fingerprint, normalizes
// every response into an {code, message, data} envelope, and applies the
// platform's retry-on-transient policy.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/wbi"
	"github.com/bilisentinel/orchestrator/internal/wbikeys"
)

const (
	hostAPI      = "https://api.bilibili.com"
	hostPassport = "https://passport.bilibili.com"
	hostSpace    = "https://space.bilibili.com"
	hostMain     = "https://www.bilibili.com"
	hostIM       = "https://api.vc.bilibili.com"
)

// maxRetries is the default transient-error retry cap per call.
const maxRetries = 3

// Envelope is the normalized shape every Platform Client operation
// returns. The client never raises a Go error for platform-level results;
// only host-level (network, decode) failures become errors.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Credentials are the per-account fields a Client needs to authenticate.
type Credentials struct {
	Sessdata string
	BiliJCT  string
	Buvid3   string
}

// Client binds to one account's credentials and one fingerprint; every
// call it makes presents the same browser identity.
type Client struct {
	httpClient *http.Client
	creds      Credentials
	fp         wbi.Fingerprint
	keys       *wbikeys.Cache // nil for unauthenticated (QR login) clients
	clk        clock.Clock
	rng        *rand.Rand
	retryCap   int

	// Overridable per-service base URLs; default to the real hosts.
	// Tests point these at an httptest.Server instead.
	apiHost      string
	passportHost string
	spaceHost    string
	mainHost     string
	imHost       string
}

// New creates a Client bound to an account's credentials.
func New(creds Credentials, fp wbi.Fingerprint, keys *wbikeys.Cache, clk clock.Clock, rng *rand.Rand) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		creds:        creds,
		fp:           fp,
		keys:         keys,
		clk:          clk,
		rng:          rng,
		retryCap:     maxRetries,
		apiHost:      hostAPI,
		passportHost: hostPassport,
		spaceHost:    hostSpace,
		mainHost:     hostMain,
		imHost:       hostIM,
	}
}

// OverrideHostsForTest points every service host this client talks to at
// a single base URL. Used by tests standing an httptest.Server in for the
// real platform.
func (c *Client) OverrideHostsForTest(baseURL string) {
	c.apiHost = baseURL
	c.passportHost = baseURL
	c.spaceHost = baseURL
	c.mainHost = baseURL
	c.imHost = baseURL
}

type requestSpec struct {
	method  string
	url     string
	query   map[string]string // GET params or URL-encoded form body for POST
	sign    bool               // apply WBI signing before the first attempt
	referer string
}

// cookieHeader builds an explicit Cookie header value. Used both for the
// default same-host case and for cross-subdomain calls, since the cookie
// jar in net/http is scoped by host and this client never registers one —
// every request states its cookies explicitly.
func (c *Client) cookieHeader() string {
	pairs := []string{
		"SESSDATA=" + url.QueryEscape(c.creds.Sessdata),
		"bili_jct=" + url.QueryEscape(c.creds.BiliJCT),
	}
	if c.creds.Buvid3 != "" {
		pairs = append(pairs, "buvid3="+url.QueryEscape(c.creds.Buvid3))
	}
	return strings.Join(pairs, "; ")
}

// do executes spec with the full retry policy and returns a normalized
// envelope. It never returns a non-nil error for a platform-level result —
// only when resolving the WBI signing keys fails. Request-building,
// network and decode failures are retried and end as a -999 envelope.
func (c *Client) do(ctx context.Context, spec requestSpec) (Envelope, error) {
	params := spec.query
	if spec.sign {
		keys, err := c.resolveSignKeys(ctx)
		if err != nil {
			return Envelope{}, fmt.Errorf("resolve wbi keys: %w", err)
		}
		params = wbi.Sign(params, wbi.MixinKey(keys.ImgKey, keys.SubKey), c.clk.Now())
	}

	var lastEnvelope Envelope
	for attempt := 0; attempt <= c.retryCap; attempt++ {
		envelope, transient, err := c.attempt(ctx, spec, params)
		if err != nil {
			// Host-level failure: network error, bad URL, etc.
			if attempt == c.retryCap {
				return Envelope{Code: -999, Message: "max retries"}, nil
			}
			c.clk.Sleep(time.Duration(attempt+1) * 2 * time.Second)
			continue
		}

		if !transient {
			return envelope, nil
		}
		lastEnvelope = envelope

		if attempt == c.retryCap {
			return Envelope{Code: -999, Message: "max retries"}, nil
		}
		backoff := time.Duration(5*pow2(attempt))*time.Second + jitter(c.rng, 2*time.Second)
		c.clk.Sleep(backoff)
	}
	return lastEnvelope, nil
}

// attempt issues a single HTTP round trip. The bool return indicates
// whether the resulting envelope's code calls for a retry.
func (c *Client) attempt(ctx context.Context, spec requestSpec, params map[string]string) (Envelope, bool, error) {
	req, err := c.buildRequest(ctx, spec, params)
	if err != nil {
		return Envelope{}, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{}, false, err // network error: caller treats as transient host failure
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, false, err
	}

	envelope, err := decodeEnvelope(body)
	if err != nil {
		return Envelope{}, false, err
	}

	return envelope, isTransientCode(envelope.Code), nil
}

func (c *Client) buildRequest(ctx context.Context, spec requestSpec, params map[string]string) (*http.Request, error) {
	var req *http.Request
	var err error

	if spec.method == http.MethodPost {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		if c.creds.BiliJCT != "" {
			form.Set("csrf", c.creds.BiliJCT)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, spec.url, bytes.NewBufferString(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u, parseErr := url.Parse(spec.url)
		if parseErr != nil {
			return nil, parseErr
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	for k, v := range c.fp.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", c.cookieHeader())
	if spec.referer != "" {
		req.Header.Set("Referer", spec.referer)
	} else {
		req.Header.Set("Referer", c.mainHost+"/")
	}
	return req, nil
}

func (c *Client) resolveSignKeys(ctx context.Context) (wbikeys.Keys, error) {
	if c.keys == nil {
		return wbikeys.Keys{}, errors.New("client has no wbi key cache configured")
	}
	return c.keys.Get(ctx)
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// isTransientCode reports whether a platform result code calls for an
// immediate client-level retry. Network errors are handled by the caller
// directly; here we only classify already-decoded codes. 12019 (rate
// limited) is deliberately excluded: it gets a long penalty sleep and a
// same-account retry at the dispatcher level, not a fast in-client retry.
func isTransientCode(code int) bool {
	switch code {
	case -412, 862, 101:
		return true
	default:
		return false
	}
}

func pow2(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func jitter(rng *rand.Rand, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(max)))
}

// --- Operations ---

// GetVideoInfo resolves a BV identifier to its numeric aid and owner mid.
func (c *Client) GetVideoInfo(ctx context.Context, bv string) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.apiHost + "/x/web-interface/view",
		query:  map[string]string{"bvid": bv},
	})
}

// GetComments lists one page of a video's (or article's) comment section.
func (c *Client) GetComments(ctx context.Context, oid int64, page, size int) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.apiHost + "/x/v2/reply",
		query: map[string]string{
			"oid":  strconv.FormatInt(oid, 10),
			"type": "1",
			"pn":   strconv.Itoa(page),
			"ps":   strconv.Itoa(size),
		},
	})
}

// ReportVideo reports a video archive. Referer is set to the video's own
// page for the duration of the call.
func (c *Client) ReportVideo(ctx context.Context, aid int64, reasonID int, text, bv string) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodPost,
		url:    c.apiHost + "/x/web-interface/archive/report",
		query: map[string]string{
			"aid":    strconv.FormatInt(aid, 10),
			"reason": strconv.Itoa(reasonID),
			"desc":   text,
		},
		referer: c.mainHost + "/video/" + bv,
	})
}

// ReportComment reports a single comment within oid's comment section.
func (c *Client) ReportComment(ctx context.Context, oid, rpid int64, reasonID int, text, bv string) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodPost,
		url:    c.apiHost + "/x/v2/reply/report",
		query: map[string]string{
			"oid":    strconv.FormatInt(oid, 10),
			"type":   "1",
			"rpid":   strconv.FormatInt(rpid, 10),
			"reason": strconv.Itoa(reasonID),
			"content": text,
		},
		referer: c.mainHost + "/video/" + bv,
	})
}

// ReportUser reports a user profile. This endpoint lives on a different
// sub-host (space.bilibili.com) than the rest of the API surface, and its
// response shape uses status/data rather than code/message — we translate
// it into the common envelope here.
func (c *Client) ReportUser(ctx context.Context, mid int64, category int, content string) (Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spaceHost+"/ajax/report/add",
		bytes.NewBufferString(url.Values{
			"mid":     {strconv.FormatInt(mid, 10)},
			"reason_v2": {strconv.Itoa(category)},
			"content": {content},
			"csrf":    {c.creds.BiliJCT},
		}.Encode()))
	if err != nil {
		return Envelope{}, fmt.Errorf("report user: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range c.fp.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", c.cookieHeader())
	req.Header.Set("Referer", c.spaceHost+"/"+strconv.FormatInt(mid, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{Code: -999, Message: "max retries"}, nil
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("report user: read body: %w", err)
	}

	status := gjson.GetBytes(body, "status").Int()
	data := gjson.GetBytes(body, "data")
	code := 0
	if status == 0 {
		code = -1
	}
	return Envelope{Code: code, Message: ErrorMessage(code), Data: json.RawMessage(data.Raw)}, nil
}

// SendPrivateMessage sends a DM to peer.
func (c *Client) SendPrivateMessage(ctx context.Context, ownUID, peer int64, text string) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodPost,
		url:    c.imHost + "/web_im/v1/web_im/send_msg",
		query: map[string]string{
			"msg[sender_uid]":    strconv.FormatInt(ownUID, 10),
			"msg[receiver_id]":   strconv.FormatInt(peer, 10),
			"msg[receiver_type]": "1",
			"msg[msg_type]":      "1",
			"msg[content]":       fmt.Sprintf(`{"content":%q}`, text),
		},
	})
}

// ListRecentSessions returns the account's recent DM session list.
func (c *Client) ListRecentSessions(ctx context.Context) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.imHost + "/session_svr/v1/session_svr/get_sessions",
		query:  map[string]string{"session_type": "1"},
	})
}

// FetchNav retrieves the nav endpoint, which carries the img_key/sub_key
// URLs used to derive the WBI mixin key.
func (c *Client) FetchNav(ctx context.Context) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.apiHost + "/x/web-interface/nav",
	})
}

// FetchBuvid retrieves buvid3/buvid4 after a fresh login.
func (c *Client) FetchBuvid(ctx context.Context) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.apiHost + "/x/frontend/finger/spi",
	})
}

// QRGenerate requests a fresh QR login code. Unauthenticated.
func (c *Client) QRGenerate(ctx context.Context) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.passportHost + "/x/passport-login/web/qrcode/generate",
	})
}

// QRPoll polls the scan status of a previously-generated QR code. On
// success the session cookies arrive in the response headers, not the
// JSON body, so — like CookieRefresh — this bypasses the shared retry
// wrapper and returns the headers explicitly.
func (c *Client) QRPoll(ctx context.Context, qrcodeKey string) (Envelope, http.Header, error) {
	u, err := url.Parse(c.passportHost + "/x/passport-login/web/qrcode/poll")
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("qr poll: build url: %w", err)
	}
	q := u.Query()
	q.Set("qrcode_key", qrcodeKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("qr poll: build request: %w", err)
	}
	for k, v := range c.fp.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("qr poll: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("qr poll: read body: %w", err)
	}
	envelope, err := decodeEnvelope(body)
	if err != nil {
		return Envelope{}, nil, err
	}
	return envelope, resp.Header, nil
}

// CookieInfo checks whether the current session needs a refresh.
func (c *Client) CookieInfo(ctx context.Context) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodGet,
		url:    c.passportHost + "/x/passport-login/web/cookie/info",
		query:  map[string]string{"csrf": c.creds.BiliJCT},
	})
}

// FetchCorrespond fetches the correspond page whose body embeds the
// refresh_csrf nonce.
func (c *Client) FetchCorrespond(ctx context.Context, timestamp int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mainHost+"/correspond/1/"+strconv.FormatInt(timestamp, 10), nil)
	if err != nil {
		return "", fmt.Errorf("fetch correspond: build request: %w", err)
	}
	for k, v := range c.fp.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", c.cookieHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch correspond: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fetch correspond: read body: %w", err)
	}
	return string(body), nil
}

// CookieRefresh exchanges refresh_csrf + refresh_token for a fresh session.
// New cookies arrive via response headers, which the caller must read —
// this method returns them explicitly since Client never registers a jar.
func (c *Client) CookieRefresh(ctx context.Context, refreshCSRF, refreshToken string) (Envelope, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.passportHost+"/x/passport-login/web/cookie/refresh",
		bytes.NewBufferString(url.Values{
			"csrf":          {c.creds.BiliJCT},
			"refresh_csrf":  {refreshCSRF},
			"source":        {"main_web"},
			"refresh_token": {refreshToken},
		}.Encode()))
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("cookie refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range c.fp.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", c.cookieHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("cookie refresh: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("cookie refresh: read body: %w", err)
	}
	envelope, err := decodeEnvelope(body)
	if err != nil {
		return Envelope{}, nil, err
	}
	return envelope, resp.Header, nil
}

// ConfirmRefresh invalidates the old refresh token after a successful
// cookie refresh. Must be called with the *new* session's credentials.
func (c *Client) ConfirmRefresh(ctx context.Context, oldRefreshToken string) (Envelope, error) {
	return c.do(ctx, requestSpec{
		method: http.MethodPost,
		url:    c.passportHost + "/x/passport-login/web/confirm/refresh",
		query:  map[string]string{"refresh_token": oldRefreshToken},
	})
}
