// Package dispatcher drives one queued target (or a batch of them)
// through the claim/retry-cap/account-sweep lifecycle, consulting the
// rate governor between attempts and handing each (target, account) pair
// to the executor.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
	"github.com/bilisentinel/orchestrator/internal/events"
	"github.com/bilisentinel/orchestrator/internal/executor"
	"github.com/bilisentinel/orchestrator/internal/governor"
	"github.com/bilisentinel/orchestrator/internal/platform"
)

// extraRetriesOn12019 is how many additional same-account attempts a
// rate-limited (12019) account gets before the sweep moves on.
const extraRetriesOn12019 = 2

// ErrConflict is returned when a single-target claim loses the CAS race
// because the target is no longer pending.
var ErrConflict = fmt.Errorf("target is not pending")

// ClientFactory builds a Platform Client bound to account's credentials
// and a fresh fingerprint, closing over whatever WBI key cache and
// fingerprint pool the caller wants shared across accounts.
type ClientFactory func(account db.Account) *platform.Client

// Tunables are read live so a config change takes effect without a
// dispatcher restart.
type Tunables struct {
	MaxRetry       int
	CooldownFloor  time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	BatchConcurrency int
}

// Dispatcher wires the store, governor, executor, and client factory
// together to run targets.
type Dispatcher struct {
	store     *db.DB
	gov       *governor.Governor
	ex        *executor.Executor
	hub       *events.Hub
	clk       clock.Clock
	rng       *rand.Rand
	clientFor ClientFactory
	tunables  func() Tunables
}

// New creates a Dispatcher. tunables is called fresh on every sweep so
// live config edits apply immediately.
func New(store *db.DB, gov *governor.Governor, ex *executor.Executor, hub *events.Hub, clk clock.Clock, rng *rand.Rand, clientFor ClientFactory, tunables func() Tunables) *Dispatcher {
	return &Dispatcher{store: store, gov: gov, ex: ex, hub: hub, clk: clk, rng: rng, clientFor: clientFor, tunables: tunables}
}

// RecoverOrphans flips every row stuck in "processing" back to "pending"
// at process start, since the previous claimant is by definition gone.
func (d *Dispatcher) RecoverOrphans() (int64, error) {
	return d.store.RecoverOrphanedTargets(clock.NowUTCMilli(d.clk))
}

// SingleTarget runs the claim -> retry-cap -> account-sweep -> terminal
// lifecycle for one target, restricted to accountIDs if non-empty.
func (d *Dispatcher) SingleTarget(ctx context.Context, targetID int64, accountIDs []int64) ([]executor.Result, error) {
	now := clock.NowUTCMilli(d.clk)

	claimed, err := d.store.ClaimTarget(targetID, now)
	if err != nil {
		return nil, fmt.Errorf("claim target %d: %w", targetID, err)
	}
	if !claimed {
		return nil, ErrConflict
	}

	results, crashed := d.runClaimedSafely(ctx, targetID, accountIDs)
	if crashed != nil {
		d.auditCrash(targetID, crashed)
		_ = d.store.FinishTarget(targetID, "failed", clock.NowUTCMilli(d.clk))
		return results, crashed
	}
	return results, nil
}

// RunBackground runs SingleTarget as fire-and-forget: any panic or error
// escaping the sweep is caught, audited, and the target is guaranteed to
// leave "processing" rather than being silently orphaned.
func (d *Dispatcher) RunBackground(ctx context.Context, targetID int64, accountIDs []int64) {
	defer func() {
		if r := recover(); r != nil {
			d.auditCrash(targetID, fmt.Errorf("panic: %v", r))
			_ = d.store.FinishTarget(targetID, "failed", clock.NowUTCMilli(d.clk))
		}
	}()
	if _, err := d.SingleTarget(ctx, targetID, accountIDs); err != nil && err != ErrConflict {
		d.auditCrash(targetID, err)
	}
}

func (d *Dispatcher) auditCrash(targetID int64, cause error) {
	msg := cause.Error()
	_, _ = d.store.InsertReportLog(&db.ReportLog{
		TargetID:     &targetID,
		Action:       "background_task_crash",
		Success:      false,
		ErrorMessage: &msg,
		ExecutedAt:   clock.NowUTCMilli(d.clk),
	})
}

// runClaimedSafely runs the sweep for an already-claimed target, catching
// panics itself so SingleTarget's caller never sees one escape.
func (d *Dispatcher) runClaimedSafely(ctx context.Context, targetID int64, accountIDs []int64) (results []executor.Result, crashed error) {
	defer func() {
		if r := recover(); r != nil {
			crashed = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.sweep(ctx, targetID, accountIDs)
}

func (d *Dispatcher) sweep(ctx context.Context, targetID int64, accountIDs []int64) ([]executor.Result, error) {
	tunables := d.tunables()

	target, err := d.store.GetTarget(targetID)
	if err != nil {
		return nil, fmt.Errorf("get target %d: %w", targetID, err)
	}
	if target == nil {
		return nil, fmt.Errorf("target %d vanished after claim", targetID)
	}

	if target.RetryCount >= tunables.MaxRetry {
		_ = d.store.AbortTarget(targetID, "failed", clock.NowUTCMilli(d.clk))
		return nil, nil
	}

	accounts, err := d.selectAccounts(accountIDs)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		_ = d.store.ReleaseTarget(targetID, clock.NowUTCMilli(d.clk))
		return nil, nil
	}

	d.rng.Shuffle(len(accounts), func(i, j int) { accounts[i], accounts[j] = accounts[j], accounts[i] })

	var results []executor.Result
	succeeded := false

	for i, account := range accounts {
		client := d.clientFor(account)
		attemptsLeft := extraRetriesOn12019

		for {
			d.gov.Consult(account.ID, tunables.CooldownFloor)
			res := d.ex.Run(ctx, client, account, *target)
			results = append(results, res)

			if res.Success {
				succeeded = true
				break
			}

			if res.Code == 12019 && attemptsLeft > 0 {
				attemptsLeft--
				penalty := 90*time.Second + jitter(d.rng, 15*time.Second)
				d.gov.Penalize(account.ID, penalty)
				d.clk.Sleep(penalty)
				continue
			}
			break
		}

		if succeeded {
			break
		}
		if i < len(accounts)-1 {
			d.gov.HumanDelay(tunables.MinDelay, tunables.MaxDelay)
		}
	}

	status := "failed"
	if succeeded {
		status = "completed"
	}
	if err := d.store.FinishTarget(targetID, status, clock.NowUTCMilli(d.clk)); err != nil {
		return results, fmt.Errorf("finish target %d: %w", targetID, err)
	}
	return results, nil
}

func (d *Dispatcher) selectAccounts(requested []int64) ([]db.Account, error) {
	active, err := d.store.ListActiveValidAccounts()
	if err != nil {
		return nil, fmt.Errorf("list active valid accounts: %w", err)
	}
	if len(requested) == 0 {
		return active, nil
	}

	want := make(map[int64]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}
	var out []db.Account
	for _, a := range active {
		if want[a.ID] {
			out = append(out, a)
		}
	}
	return out, nil
}

// Batch runs the single-target sweep over every target in targetIDs
// concurrently, bounded by tunables().BatchConcurrency.
func (d *Dispatcher) Batch(ctx context.Context, targetIDs []int64, accountIDs []int64) map[int64][]executor.Result {
	batchCap := d.tunables().BatchConcurrency
	if batchCap <= 0 {
		batchCap = 5
	}
	sem := make(chan struct{}, batchCap)

	type outcome struct {
		id      int64
		results []executor.Result
	}
	out := make(chan outcome, len(targetIDs))

	for _, id := range targetIDs {
		id := id
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			results, err := d.SingleTarget(ctx, id, accountIDs)
			if err != nil && err != ErrConflict {
				d.auditCrash(id, err)
			}
			out <- outcome{id: id, results: results}
		}()
	}

	summary := make(map[int64][]executor.Result, len(targetIDs))
	for range targetIDs {
		o := <-out
		summary[o.id] = o.results
	}
	return summary
}

func jitter(rng *rand.Rand, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(max)))
}
