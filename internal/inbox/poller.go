// Package inbox runs the direct-message auto-reply cycle: sweep every
// eligible account's recent sessions, match the newest unanswered message
// against the active rule set, and send a reply.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
	"github.com/bilisentinel/orchestrator/internal/events"
	"github.com/bilisentinel/orchestrator/internal/platform"
)

// rateLimitCode is the hard per-account abort signal: once a send returns
// this code the rest of the account's sessions this cycle are skipped.
const rateLimitCode = 21046

// fallbackReplyText is used when no rule — keyword or default — matches.
const fallbackReplyText = "Hello, will reply shortly."

// ClientFactory builds a one-shot Platform Client bound to an account.
type ClientFactory func(account db.Account) *platform.Client

// BatchSizes caps how many accounts and how many sessions per account one
// cycle sweeps; 0 means unlimited. Read fresh on every cycle so a live
// config edit applies without restarting the loop.
type BatchSizes struct {
	Account int
	Session int
}

// Poller runs auto-reply cycles.
type Poller struct {
	store     *db.DB
	hub       *events.Hub
	clk       clock.Clock
	clientFor ClientFactory
	sendDelay time.Duration
	batchFor  func() BatchSizes

	mu         sync.Mutex
	standalone bool
}

// New creates a Poller. sendDelay is the pause between successive replies
// within one account's session sweep; batchFor is consulted at the start
// of every cycle for the current account/session batch caps.
func New(store *db.DB, hub *events.Hub, clk clock.Clock, clientFor ClientFactory, sendDelay time.Duration, batchFor func() BatchSizes) *Poller {
	return &Poller{store: store, hub: hub, clk: clk, clientFor: clientFor, sendDelay: sendDelay, batchFor: batchFor}
}

// ErrModeConflict is returned when a standalone run is already active and
// either a second standalone run or a scheduled cycle is asked to start.
var ErrModeConflict = fmt.Errorf("autoreply standalone loop and scheduled cycle cannot run at once")

// BeginStandalone marks the standalone loop active, refusing if another
// standalone run already holds the flag. A scheduled cycle in flight does
// not hold the flag, so it does not block BeginStandalone.
func (p *Poller) BeginStandalone() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.standalone {
		return ErrModeConflict
	}
	p.standalone = true
	return nil
}

// EndStandalone releases the standalone flag.
func (p *Poller) EndStandalone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.standalone = false
}

// RunScheduledCycle runs one cycle on behalf of the scheduler, refusing if
// the standalone loop currently holds the mutual-exclusion flag.
func (p *Poller) RunScheduledCycle(ctx context.Context) error {
	p.mu.Lock()
	if p.standalone {
		p.mu.Unlock()
		return ErrModeConflict
	}
	p.mu.Unlock()
	return p.RunCycle(ctx)
}

// StandaloneLoop drives RunCycle in a loop until ctx is cancelled,
// sleeping intervalFor() between cycles. intervalFor is consulted fresh
// before every sleep so a live config edit takes effect on the next
// cycle without a process restart.
func (p *Poller) StandaloneLoop(ctx context.Context, intervalFor func() time.Duration) error {
	if err := p.BeginStandalone(); err != nil {
		return err
	}
	defer p.EndStandalone()

	for {
		if err := p.RunCycle(ctx); err != nil {
			p.auditCycleError(err)
		}
		if ctx.Err() != nil {
			return nil
		}
		p.clk.Sleep(intervalFor())
		if ctx.Err() != nil {
			return nil
		}
	}
}

// auditCycleError records a cycle-level failure (listing accounts or
// rules failed outright) that has no single account or message to blame.
func (p *Poller) auditCycleError(cause error) {
	msg := cause.Error()
	_, _ = p.store.InsertReportLog(&db.ReportLog{
		Action:       "autoreply_cycle_error",
		Success:      false,
		ErrorMessage: &msg,
		ExecutedAt:   clock.NowUTCMilli(p.clk),
	})
}

// RunCycle sweeps every active valid/expiring account sequentially,
// capped by the current BatchSizes (0 = unlimited on either axis).
func (p *Poller) RunCycle(ctx context.Context) error {
	sizes := BatchSizes{}
	if p.batchFor != nil {
		sizes = p.batchFor()
	}

	accounts, err := p.store.ListActiveValidAccounts()
	if err != nil {
		return fmt.Errorf("list active valid accounts: %w", err)
	}
	accounts = applyBatchLimit(accounts, sizes.Account)

	rules, err := p.store.ListActiveRules()
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}

	for _, account := range accounts {
		if account.UID == nil {
			continue
		}
		p.sweepAccount(ctx, account, *account.UID, rules, sizes.Session)
	}
	return nil
}

// applyBatchLimit truncates items to limit, or returns it unchanged when
// limit is 0 or items is already shorter.
func applyBatchLimit[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[:limit]
}

func (p *Poller) sweepAccount(ctx context.Context, account db.Account, ownUID int64, rules []db.AutoreplyRule, sessionBatchSize int) {
	client := p.clientFor(account)

	env, err := client.ListRecentSessions(ctx)
	if err != nil || env.Code != 0 {
		return
	}

	sessions := applyBatchLimit(gjson.GetBytes(env.Data, "session_list").Array(), sessionBatchSize)
	for _, session := range sessions {
		talkerID := session.Get("talker_id").Int()
		if talkerID == ownUID {
			continue
		}

		msgTS := session.Get("last_msg.timestamp").Int()
		senderUID := session.Get("last_msg.sender_uid").Int()
		if senderUID == ownUID {
			continue
		}

		lastReplied, _, err := p.store.GetLastRepliedTS(account.ID, talkerID)
		if err != nil || msgTS <= lastReplied {
			continue
		}

		content := session.Get("last_msg.content").String()
		reply := matchReply(content, rules)

		sendEnv, sendErr := client.SendPrivateMessage(ctx, ownUID, talkerID, reply)
		success := sendErr == nil && sendEnv.Code == 0

		p.audit(account.ID, talkerID, reply, sendEnv, success, sendErr)

		// Always update state, success or failure, to avoid retry loops
		// on a permanently-failing message.
		_ = p.store.UpsertAutoreplyState(account.ID, talkerID, msgTS)

		if success {
			p.publish(account, talkerID, reply)
		} else if sendEnv.Code == rateLimitCode {
			break
		}

		p.clk.Sleep(p.sendDelay)
	}
}

// matchReply scans rules in the order ListActiveRules already returns
// (priority DESC, id ASC): the first keyword rule whose keyword is a
// substring of content wins; otherwise the first default (null-keyword)
// rule's response; otherwise a hardcoded fallback.
func matchReply(content string, rules []db.AutoreplyRule) string {
	var defaultReply string
	haveDefault := false

	for _, rule := range rules {
		if rule.Keyword == nil {
			if !haveDefault {
				defaultReply = rule.Response
				haveDefault = true
			}
			continue
		}
		if *rule.Keyword != "" && strings.Contains(content, *rule.Keyword) {
			return rule.Response
		}
	}
	if haveDefault {
		return defaultReply
	}
	return fallbackReplyText
}

func (p *Poller) audit(accountID, talkerID int64, reply string, env platform.Envelope, success bool, sendErr error) {
	req := fmt.Sprintf("talker_id=%d reply=%q", talkerID, reply)
	resp := string(env.Data)
	var errMsg *string
	if !success {
		m := platform.ErrorMessage(env.Code)
		if sendErr != nil {
			m = sendErr.Error()
		}
		errMsg = &m
	}
	_, _ = p.store.InsertReportLog(&db.ReportLog{
		AccountID:    &accountID,
		Action:       "autoreply",
		RequestData:  &req,
		ResponseData: &resp,
		Success:      success,
		ErrorMessage: errMsg,
		ExecutedAt:   clock.NowUTCMilli(p.clk),
	})
}

func (p *Poller) publish(account db.Account, talkerID int64, reply string) {
	p.hub.Publish(events.Event{
		Type:      events.TypeAutoreplySent,
		Message:   fmt.Sprintf("%s replied to %d", account.Name, talkerID),
		Data:      map[string]any{"account_id": account.ID, "talker_id": talkerID, "reply": reply},
		Timestamp: clock.NowUTCMilli(p.clk),
	})
}
