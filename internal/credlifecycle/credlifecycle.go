// Package credlifecycle owns QR login, cookie refresh, the WBI signing-key
// cache, and the periodic credential health sweep.
package credlifecycle

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
	"github.com/bilisentinel/orchestrator/internal/platform"
	"github.com/bilisentinel/orchestrator/internal/wbikeys"
)

// QR poll status codes, per the passport endpoint's data.code field.
const (
	QRPending   = 86101
	QRAwaitConf = 86090
	QRExpired   = 86038
	QRSuccess   = 0
)

// autoGeneratedNamePrefix marks an account name as machine-assigned; a
// fresh QR login only overwrites a name carrying this prefix, preserving
// any human-chosen name.
const autoGeneratedNamePrefix = "QR_"

var refreshCSRFPattern = regexp.MustCompile(`<div\s+id="1-name">([^<]+)</div>`)

// ClientFactory builds a Platform Client bound to an account's stored
// credentials.
type ClientFactory func(account db.Account) *platform.Client

// Lifecycle drives QR login, cookie refresh, and the health sweep.
// unauthClient is credential-less, used only for the QR generate/poll
// calls that precede any account existing.
type Lifecycle struct {
	store        *db.DB
	clk          clock.Clock
	unauthClient *platform.Client
	clientFor    ClientFactory
}

func New(store *db.DB, clk clock.Clock, unauthClient *platform.Client, clientFor ClientFactory) *Lifecycle {
	return &Lifecycle{store: store, clk: clk, unauthClient: unauthClient, clientFor: clientFor}
}

// NewWBICache builds the process-global WBI signing-key cache. fetchClient
// may be any authenticated or unauthenticated client — nav is public.
func NewWBICache(clk clock.Clock, fetchClient *platform.Client) *wbikeys.Cache {
	fetch := func(ctx context.Context) (wbikeys.Keys, error) {
		env, err := fetchClient.FetchNav(ctx)
		if err != nil {
			return wbikeys.Keys{}, err
		}
		if env.Code != 0 {
			return wbikeys.Keys{}, fmt.Errorf("nav returned code %d", env.Code)
		}
		imgURL := gjson.GetBytes(env.Data, "wbi_img.img_url").String()
		subURL := gjson.GetBytes(env.Data, "wbi_img.sub_url").String()
		if imgURL == "" || subURL == "" {
			return wbikeys.Keys{}, fmt.Errorf("nav response missing wbi image urls")
		}
		return wbikeys.Keys{ImgKey: basenameNoExt(imgURL), SubKey: basenameNoExt(subURL)}, nil
	}
	return wbikeys.New(fetch, clk)
}

func basenameNoExt(rawURL string) string {
	base := path.Base(rawURL)
	return strings.TrimSuffix(base, path.Ext(base))
}

// QRGenerateResult is the key/url pair a client renders as a scannable code.
type QRGenerateResult struct {
	QRCodeKey string
	URL       string
}

// GenerateQR fetches a fresh QR login code.
func (l *Lifecycle) GenerateQR(ctx context.Context) (QRGenerateResult, error) {
	env, err := l.unauthClient.QRGenerate(ctx)
	if err != nil {
		return QRGenerateResult{}, err
	}
	if env.Code != 0 {
		return QRGenerateResult{}, fmt.Errorf("qr generate failed: %s", env.Message)
	}
	return QRGenerateResult{
		QRCodeKey: gjson.GetBytes(env.Data, "qrcode_key").String(),
		URL:       gjson.GetBytes(env.Data, "url").String(),
	}, nil
}

// QRPollResult reports the scan status and, once known, which account the
// successful login landed on.
type QRPollResult struct {
	StatusCode int
	Message    string
	AccountID  int64
}

// PollAndSave polls one QR code tick and, on success, persists the
// resulting session: updating an existing account sharing the same UID
// (preserving its name unless auto-generated) or creating a new one.
func (l *Lifecycle) PollAndSave(ctx context.Context, qrcodeKey, accountName string) (QRPollResult, error) {
	env, headers, err := l.unauthClient.QRPoll(ctx, qrcodeKey)
	if err != nil {
		return QRPollResult{}, err
	}

	status := int(gjson.GetBytes(env.Data, "code").Int())
	message := gjson.GetBytes(env.Data, "message").String()
	if status != QRSuccess {
		return QRPollResult{StatusCode: status, Message: message}, nil
	}

	sessdata := cookieValue(headers, "SESSDATA")
	biliJCT := cookieValue(headers, "bili_jct")
	dedeUserID := cookieValue(headers, "DedeUserID")
	ckmd5 := cookieValue(headers, "DedeUserID__ckMd5")
	refreshToken := gjson.GetBytes(env.Data, "refresh_token").String()

	if sessdata == "" || biliJCT == "" {
		return QRPollResult{}, fmt.Errorf("login succeeded but session cookies missing")
	}

	var uid *int64
	if dedeUserID != "" {
		if v, err := strconv.ParseInt(dedeUserID, 10, 64); err == nil {
			uid = &v
		}
	}

	now := clock.NowUTCMilli(l.clk)
	accountID, err := l.persistLogin(uid, accountName, sessdata, biliJCT, ckmd5, refreshToken, now)
	if err != nil {
		return QRPollResult{}, err
	}

	l.captureBuvid(ctx, accountID, sessdata, biliJCT)

	return QRPollResult{StatusCode: QRSuccess, Message: message, AccountID: accountID}, nil
}

func (l *Lifecycle) persistLogin(uid *int64, accountName, sessdata, biliJCT, ckmd5, refreshToken, now string) (int64, error) {
	if uid != nil {
		existing, err := l.store.GetAccountByUID(*uid)
		if err != nil {
			return 0, fmt.Errorf("lookup account by uid: %w", err)
		}
		if existing != nil {
			if strings.HasPrefix(existing.Name, autoGeneratedNamePrefix) {
				if err := l.store.RenameAccount(existing.ID, accountName); err != nil {
					return 0, fmt.Errorf("rename account %d: %w", existing.ID, err)
				}
			}
			if err := l.store.UpdateAccountCredentials(existing.ID, sessdata, biliJCT, existing.Buvid3, existing.Buvid4, ckmd5, refreshToken); err != nil {
				return 0, fmt.Errorf("update account credentials %d: %w", existing.ID, err)
			}
			if err := l.store.SetAccountValid(existing.ID, sessdata, biliJCT, refreshToken, uid, now); err != nil {
				return 0, fmt.Errorf("set account valid %d: %w", existing.ID, err)
			}
			return existing.ID, nil
		}
	}

	id, err := l.store.InsertAccount(&db.Account{
		Name:            accountName,
		Sessdata:        sessdata,
		BiliJCT:         biliJCT,
		DedeUserIDCkMd5: ckmd5,
		RefreshToken:    refreshToken,
		IsActive:        true,
		CreatedAt:       now,
	})
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	if err := l.store.SetAccountValid(id, sessdata, biliJCT, refreshToken, uid, now); err != nil {
		return 0, fmt.Errorf("set account valid %d: %w", id, err)
	}
	return id, nil
}

// captureBuvid fetches buvid3/buvid4 with the just-captured session. Best
// effort: a failure here doesn't fail the login, matching the original's
// "log and continue" treatment of this step.
func (l *Lifecycle) captureBuvid(ctx context.Context, accountID int64, sessdata, biliJCT string) {
	client := l.clientFor(db.Account{ID: accountID, Sessdata: sessdata, BiliJCT: biliJCT})
	env, err := client.FetchBuvid(ctx)
	if err != nil || env.Code != 0 {
		return
	}
	b3 := gjson.GetBytes(env.Data, "b_3").String()
	b4 := gjson.GetBytes(env.Data, "b_4").String()
	if b3 == "" && b4 == "" {
		return
	}
	_ = l.store.SetAccountBuvid(accountID, b3, b4)
}

// RefreshResult reports a cookie-refresh attempt's outcome.
type RefreshResult struct {
	Success bool
	Message string
}

// RefreshCookies runs the five-step refresh flow for one account.
func (l *Lifecycle) RefreshCookies(ctx context.Context, accountID int64) (RefreshResult, error) {
	account, err := l.store.GetAccount(accountID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("get account %d: %w", accountID, err)
	}
	if account == nil {
		return RefreshResult{}, fmt.Errorf("account %d not found", accountID)
	}
	if account.RefreshToken == "" {
		return RefreshResult{Success: false, Message: "no refresh_token stored, re-login required"}, nil
	}

	client := l.clientFor(*account)

	infoEnv, err := client.CookieInfo(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	if infoEnv.Code != 0 {
		return RefreshResult{Success: false, Message: fmt.Sprintf("cookie info failed: %s", infoEnv.Message)}, nil
	}
	if !gjson.GetBytes(infoEnv.Data, "refresh").Bool() {
		return RefreshResult{Success: true, Message: "cookies still valid, no refresh needed"}, nil
	}
	timestamp := gjson.GetBytes(infoEnv.Data, "timestamp").Int()

	correspondHTML, err := client.FetchCorrespond(ctx, timestamp)
	if err != nil {
		return RefreshResult{}, err
	}
	match := refreshCSRFPattern.FindStringSubmatch(correspondHTML)
	if len(match) != 2 {
		return RefreshResult{Success: false, Message: "failed to extract refresh_csrf"}, nil
	}
	refreshCSRF := match[1]

	refreshEnv, refreshHeaders, err := client.CookieRefresh(ctx, refreshCSRF, account.RefreshToken)
	if err != nil {
		return RefreshResult{}, err
	}
	if refreshEnv.Code != 0 {
		return RefreshResult{Success: false, Message: fmt.Sprintf("refresh failed: %s", refreshEnv.Message)}, nil
	}

	newSessdata := cookieValue(refreshHeaders, "SESSDATA")
	newBiliJCT := cookieValue(refreshHeaders, "bili_jct")
	newRefreshToken := gjson.GetBytes(refreshEnv.Data, "refresh_token").String()
	if newSessdata == "" || newBiliJCT == "" {
		return RefreshResult{Success: false, Message: "refresh succeeded but new cookies missing"}, nil
	}

	newSessionClient := l.clientFor(db.Account{ID: account.ID, Sessdata: newSessdata, BiliJCT: newBiliJCT})
	if _, err := newSessionClient.ConfirmRefresh(ctx, account.RefreshToken); err != nil {
		return RefreshResult{}, err
	}

	now := clock.NowUTCMilli(l.clk)
	if err := l.store.SetAccountValid(account.ID, newSessdata, newBiliJCT, newRefreshToken, nil, now); err != nil {
		return RefreshResult{}, fmt.Errorf("persist refreshed session %d: %w", account.ID, err)
	}
	return RefreshResult{Success: true, Message: "cookies refreshed successfully"}, nil
}

// HealthSweep runs RefreshCookies for every active account whose status is
// valid or expiring (ListActiveValidAccounts), downgrading
// status to "expiring" on failure or an absent refresh token.
func (l *Lifecycle) HealthSweep(ctx context.Context) error {
	accounts, err := l.store.ListActiveValidAccounts()
	if err != nil {
		return fmt.Errorf("list active valid accounts: %w", err)
	}
	now := clock.NowUTCMilli(l.clk)
	for _, account := range accounts {
		result, err := l.RefreshCookies(ctx, account.ID)
		if err != nil || !result.Success {
			_ = l.store.MarkAccountStatus(account.ID, "expiring", now)
		}
	}
	return nil
}

// cookieValue extracts one Set-Cookie value by name from response headers.
func cookieValue(headers http.Header, name string) string {
	resp := http.Response{Header: headers}
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
