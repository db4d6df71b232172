// Package executor runs one (target, account) pair through to a
// normalized result: resolving kind-specific arguments, invoking the
// right Platform Client operation, classifying the outcome, and writing
// the audit trail. It never lets a panic escape — every path produces a
// result record.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
	"github.com/bilisentinel/orchestrator/internal/events"
	"github.com/bilisentinel/orchestrator/internal/platform"
)

// Result is the normalized outcome of one (target, account) attempt.
type Result struct {
	TargetID    int64
	AccountID   int64
	AccountName string
	Success     bool
	Message     string
	Code        int
	Raw         json.RawMessage
}

// successCodes are the platform codes treated as a successful action even
// though they don't mean "the report was newly filed" — the target state
// they describe (already reported, already deleted) is the state the
// caller wanted.
var successCodes = map[int]bool{0: true, 12008: true, 12022: true}

// Executor runs one attempt and records its audit trail.
type Executor struct {
	store *db.DB
	hub   *events.Hub
	clk   clock.Clock
}

// New creates an Executor bound to the shared store and event hub.
func New(store *db.DB, hub *events.Hub, clk clock.Clock) *Executor {
	return &Executor{store: store, hub: hub, clk: clk}
}

// Run executes target against client, which is already bound to account's
// credentials and fingerprint. It never returns a Go error for a
// platform-level failure or a panic inside argument resolution — both
// become a failed Result with an audit row.
func (e *Executor) Run(ctx context.Context, client *platform.Client, account db.Account, target db.Target) (res Result) {
	res = Result{TargetID: target.ID, AccountID: account.ID, AccountName: account.Name}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Message = fmt.Sprintf("panic: %v", r)
			e.audit(target.ID, account.ID, target.Type, res, nil)
		}
	}()

	env, reqSnapshot, err := e.invoke(ctx, client, &target)
	if err != nil {
		res.Success = false
		res.Message = err.Error()
		e.audit(target.ID, account.ID, target.Type, res, reqSnapshot)
		return res
	}

	res.Code = env.Code
	res.Raw = env.Data
	res.Success = successCodes[env.Code]
	if res.Success {
		res.Message = "ok"
	} else {
		res.Message = platform.ErrorMessage(env.Code)
	}

	e.audit(target.ID, account.ID, target.Type, res, reqSnapshot)
	e.publish(target, res)
	return res
}

// invoke resolves kind-specific arguments and calls the matching Client
// operation. The returned snapshot is a short human-readable description
// of what was sent, used only for the audit row.
func (e *Executor) invoke(ctx context.Context, client *platform.Client, target *db.Target) (platform.Envelope, string, error) {
	switch target.Type {
	case "video":
		return e.invokeVideo(ctx, client, target)
	case "comment":
		return e.invokeComment(ctx, client, target)
	case "user":
		return e.invokeUser(ctx, client, target)
	default:
		return platform.Envelope{}, "", fmt.Errorf("unknown target type %q", target.Type)
	}
}

func (e *Executor) invokeVideo(ctx context.Context, client *platform.Client, target *db.Target) (platform.Envelope, string, error) {
	aid := int64(0)
	if target.AID != nil {
		aid = *target.AID
	} else if strings.HasPrefix(target.Identifier, "BV") {
		env, err := client.GetVideoInfo(ctx, target.Identifier)
		if err != nil {
			return platform.Envelope{}, "", fmt.Errorf("resolve video aid: %w", err)
		}
		if env.Code != 0 {
			return env, "", nil
		}
		aid = gjson.GetBytes(env.Data, "aid").Int()
		if aid == 0 {
			return platform.Envelope{}, "", fmt.Errorf("resolve video aid: missing aid in view response")
		}
		if err := e.store.SetTargetAID(target.ID, aid); err != nil {
			return platform.Envelope{}, "", fmt.Errorf("memoize video aid: %w", err)
		}
		target.AID = &aid
	} else {
		return platform.Envelope{}, "", fmt.Errorf("video target %d has neither a cached aid nor a BV identifier", target.ID)
	}

	text := textOf(target)
	snapshot := fmt.Sprintf("aid=%d reason=%d", aid, target.ReasonID)
	env, err := client.ReportVideo(ctx, aid, target.ReasonID, text, target.Identifier)
	return env, snapshot, err
}

func (e *Executor) invokeComment(ctx context.Context, client *platform.Client, target *db.Target) (platform.Envelope, string, error) {
	var oid, rpid int64
	if parts := strings.SplitN(target.Identifier, ":", 2); len(parts) == 2 {
		var err error
		oid, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return platform.Envelope{}, "", fmt.Errorf("parse comment oid: %w", err)
		}
		rpid, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return platform.Envelope{}, "", fmt.Errorf("parse comment rpid: %w", err)
		}
	} else {
		if target.AID == nil {
			return platform.Envelope{}, "", fmt.Errorf("comment target %d has no oid:rpid identifier and no cached aid fallback", target.ID)
		}
		oid = *target.AID
		var err error
		rpid, err = strconv.ParseInt(target.Identifier, 10, 64)
		if err != nil {
			return platform.Envelope{}, "", fmt.Errorf("parse comment rpid fallback: %w", err)
		}
	}

	reasonID := platform.NormalizeCommentReason(target.ReasonID)
	text := textOf(target)
	bv := ""
	if target.DisplayText != nil {
		bv = *target.DisplayText
	}
	snapshot := fmt.Sprintf("oid=%d rpid=%d reason=%d", oid, rpid, reasonID)
	env, err := client.ReportComment(ctx, oid, rpid, reasonID, text, bv)
	return env, snapshot, err
}

func (e *Executor) invokeUser(ctx context.Context, client *platform.Client, target *db.Target) (platform.Envelope, string, error) {
	mid, err := strconv.ParseInt(target.Identifier, 10, 64)
	if err != nil {
		return platform.Envelope{}, "", fmt.Errorf("parse user mid: %w", err)
	}
	content := textOf(target)
	snapshot := fmt.Sprintf("mid=%d category=%d", mid, target.ReasonID)
	env, err := client.ReportUser(ctx, mid, target.ReasonID, content)
	return env, snapshot, err
}

func textOf(target *db.Target) string {
	if target.ReasonText != nil {
		return *target.ReasonText
	}
	return ""
}

func (e *Executor) audit(targetID, accountID int64, action string, res Result, reqSnapshot any) {
	var reqData, respData, errMsg *string
	if reqSnapshot != nil {
		if s, ok := reqSnapshot.(string); ok && s != "" {
			reqData = &s
		}
	}
	if len(res.Raw) > 0 {
		s := string(res.Raw)
		respData = &s
	}
	if !res.Success && res.Message != "" {
		m := res.Message
		errMsg = &m
	}

	now := clock.NowUTCMilli(e.clk)
	_, _ = e.store.InsertReportLog(&db.ReportLog{
		TargetID:     &targetID,
		AccountID:    &accountID,
		Action:       action,
		RequestData:  reqData,
		ResponseData: respData,
		Success:      res.Success,
		ErrorMessage: errMsg,
		ExecutedAt:   now,
	})
}

// ScanResult reports the totals of one comment-section scan across all
// the pages it read.
type ScanResult struct {
	Scanned int
	Queued  int
	HasMore bool
}

// ScanComments pages through a video's comment section via client, queuing
// a comment target for every reply found (capped at limit, 0 = unlimited)
// and stopping once limit is reached or the platform returns an empty or
// short (fewer than pageSize replies) page. It does not dispatch the queued targets; that's the caller's job
// via the batch path.
func (e *Executor) ScanComments(ctx context.Context, client *platform.Client, oid int64, reasonID int, reasonText string, limit int) (ScanResult, error) {
	const pageSize = 20
	var result ScanResult

	for page := 1; ; page++ {
		env, err := client.GetComments(ctx, oid, page, pageSize)
		if err != nil {
			return result, fmt.Errorf("get comments page %d: %w", page, err)
		}
		if env.Code != 0 {
			return result, fmt.Errorf("get comments page %d: platform code %d (%s)", page, env.Code, env.Message)
		}

		replies := gjson.GetBytes(env.Data, "replies").Array()
		if len(replies) == 0 {
			break
		}

		now := clock.NowUTCMilli(e.clk)
		for _, reply := range replies {
			rpid := reply.Get("rpid").Int()
			identifier := fmt.Sprintf("%d:%d", oid, rpid)
			text := reasonText
			target := &db.Target{
				Type:       "comment",
				Identifier: identifier,
				ReasonID:   reasonID,
				ReasonText: &text,
			}
			if _, err := e.store.InsertTarget(target, now); err != nil {
				return result, fmt.Errorf("queue comment %s: %w", identifier, err)
			}
			result.Scanned++
			result.Queued++
			if limit > 0 && result.Queued >= limit {
				return result, nil
			}
		}

		if len(replies) < pageSize {
			break
		}
	}
	result.HasMore = false
	return result, nil
}

func (e *Executor) publish(target db.Target, res Result) {
	e.hub.Publish(events.Event{
		Type:      events.TypeTargetResult,
		Message:   fmt.Sprintf("%s target %d via %s: %s", target.Type, target.ID, res.AccountName, res.Message),
		Data:      res,
		Timestamp: clock.NowUTCMilli(e.clk),
	})
}
