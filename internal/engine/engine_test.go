package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ledger *ledger.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("escrowline")
	cfg.Settlement.BackoffBaseMS = 1
	cfg.Settlement.BackoffMaxMS = 2
	cfg.Settlement.ConfirmPollMS = 1
	lgr := ledger.NewMemory()
	eng := engine.New(conn, cfg, lgr)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ledger: lgr, Ctx: context.Background()}
}

func twoOracles() []domain.OracleWeight {
	return []domain.OracleWeight{
		{OracleID: "o1", Account: "acct-o1", Weight: 1},
		{OracleID: "o2", Account: "acct-o2", Weight: 1},
	}
}

func createEscrow(t *testing.T, env testEnv, opts engine.EscrowCreateOptions) domain.Escrow {
	t.Helper()
	if opts.Requester == "" {
		opts.Requester = "alice"
	}
	if opts.RequesterAcct == "" {
		opts.RequesterAcct = "acct-alice"
	}
	if opts.ExpectedTasks == 0 {
		opts.ExpectedTasks = 5
	}
	if opts.TaskReward == 0 {
		opts.TaskReward = 10
	}
	if opts.Oracles == nil {
		opts.Oracles = twoOracles()
	}
	if opts.ActorID == "" {
		opts.ActorID = "alice"
	}
	esc, err := env.Engine.CreateEscrow(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func validateWorker(t *testing.T, env testEnv, escrowID, workerID, payload string) {
	t.Helper()
	for _, oracle := range []string{"o1", "o2"} {
		_, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
			EscrowID:   escrowID,
			WorkerID:   workerID,
			WorkerAcct: "acct-" + workerID,
			OracleID:   oracle,
			Payload:    payload,
			ActorID:    oracle,
		})
		if err != nil {
			t.Fatalf("submit %s for %s: %v", oracle, workerID, err)
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestEscrowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{MinFunding: int64Ptr(50)})
	if esc.State != domain.StateLaunched || esc.Balance != 0 {
		t.Fatalf("new escrow should be launched with zero balance, got %s/%d", esc.State, esc.Balance)
	}

	// One unit below the minimum stays launched.
	esc, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 49, "tx-1", "alice")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if esc.State != domain.StateLaunched {
		t.Fatalf("below minimum should stay launched, got %s", esc.State)
	}
	esc, err = env.Engine.RecordFunding(env.Ctx, esc.ID, 1, "tx-2", "alice")
	if err != nil {
		t.Fatalf("fund to minimum: %v", err)
	}
	if esc.State != domain.StatePending || esc.Balance != 50 {
		t.Fatalf("at minimum should be pending with 50, got %s/%d", esc.State, esc.Balance)
	}

	for i := 1; i <= 5; i++ {
		validateWorker(t, env, esc.ID, fmt.Sprintf("w%d", i), "labels-ok")
	}
	env.Ledger.Credit(esc.EscrowAcct, 50)

	plan, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if plan.Status != domain.PlanSettled || plan.Total != 50 || len(plan.Entries) != 10 {
		t.Fatalf("unexpected plan %s total %d entries %d", plan.Status, plan.Total, len(plan.Entries))
	}

	status, err := env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Escrow.State != domain.StatePaid || status.Escrow.Balance != 0 {
		t.Fatalf("expected paid with zero balance, got %s/%d", status.Escrow.State, status.Escrow.Balance)
	}
	if status.PaidTotal != 50 || len(status.Transfers) != 10 {
		t.Fatalf("paid total %d transfers %d", status.PaidTotal, len(status.Transfers))
	}

	// Worker gets the reward minus the 10% platform fee.
	for i := 1; i <= 5; i++ {
		bal, _ := env.Ledger.GetAccountBalance(env.Ctx, fmt.Sprintf("acct-w%d", i))
		if bal != 9 {
			t.Fatalf("worker %d balance %d, want 9", i, bal)
		}
	}
	feeBal, _ := env.Ledger.GetAccountBalance(env.Ctx, "acct-platform-fees")
	if feeBal != 5 {
		t.Fatalf("fee account balance %d, want 5", feeBal)
	}

	esc, err = env.Engine.Complete(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if esc.State != domain.StateComplete || esc.ClosedAt == nil {
		t.Fatalf("expected complete with closed_at, got %s", esc.State)
	}
	if _, err = env.Engine.Complete(env.Ctx, esc.ID, "alice"); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("completing twice should conflict, got %v", err)
	}
}

func TestValidationGuards(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID: "nope", WorkerID: "w1", OracleID: "o1", Payload: "x", ActorID: "o1",
	})
	if !errors.Is(err, engine.ErrUnknownEscrow) {
		t.Fatalf("expected unknown escrow, got %v", err)
	}

	esc := createEscrow(t, env, engine.EscrowCreateOptions{MinFunding: int64Ptr(10)})
	_, err = env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID: esc.ID, WorkerID: "w1", OracleID: "o1", Payload: "x", ActorID: "o1",
	})
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("launched escrow should not accept results, got %v", err)
	}

	if _, err = env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID: esc.ID, WorkerID: "w1", OracleID: "intruder", Payload: "x", ActorID: "intruder",
	})
	if !errors.Is(err, engine.ErrUnauthorizedOracle) {
		t.Fatalf("expected unauthorized oracle, got %v", err)
	}

	_, err = env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("settle with no validated results should conflict, got %v", err)
	}

	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		Requester: "alice", RequesterAcct: "acct-alice",
		ExpectedTasks: 1, TaskReward: 10,
		Oracles:      twoOracles(),
		QuorumWeight: int64Ptr(5),
		ActorID:      "alice",
	})
	if err == nil {
		t.Fatalf("quorum above total oracle weight should be rejected")
	}
}

func TestDisputedResultExcludedFromPayout(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 2, MinFunding: int64Ptr(20)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 20, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID: esc.ID, WorkerID: "w1", WorkerAcct: "acct-w1", OracleID: "o1", Payload: "version-a", ActorID: "o1",
	}); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID: esc.ID, WorkerID: "w1", WorkerAcct: "acct-w1", OracleID: "o2", Payload: "version-b", ActorID: "o2",
	})
	if !errors.Is(err, engine.ErrDisputed) {
		t.Fatalf("split vote with no weight left should dispute, got %v", err)
	}

	status, err := env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Results) != 1 || status.Results[0].Status != domain.ResultDisputed {
		t.Fatalf("dispute must be durably recorded, got %+v", status.Results)
	}

	// The disputed worker never enters a plan; the validated one settles.
	validateWorker(t, env, esc.ID, "w2", "labels-ok")
	env.Ledger.Credit(esc.EscrowAcct, 20)
	plan, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	for _, e := range plan.Entries {
		if e.WorkerID == "w1" {
			t.Fatalf("disputed worker must not be paid")
		}
	}
	if plan.Total != 10 {
		t.Fatalf("plan total %d, want 10", plan.Total)
	}
}

func TestIdempotentResubmission(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 1, MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	validateWorker(t, env, esc.ID, "w1", "labels-ok")

	// Repeats after validation are accepted and change nothing.
	res, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID: esc.ID, WorkerID: "w1", WorkerAcct: "acct-w1", OracleID: "o1", Payload: "labels-ok", ActorID: "o1",
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Status != domain.ResultValidated || res.ValidatedSeq == nil || *res.ValidatedSeq != 1 {
		t.Fatalf("resubmission must not reassign the sequence, got %+v", res)
	}

	env.Ledger.Credit(esc.EscrowAcct, 10)
	if _, err := env.Engine.Settle(env.Ctx, esc.ID, "alice"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	confirmed := env.Ledger.Transfers(ledger.StatusConfirmed)

	// Nothing left to settle: the second call conflicts and moves no funds.
	_, err = env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected state conflict on re-settle, got %v", err)
	}
	if got := env.Ledger.Transfers(ledger.StatusConfirmed); got != confirmed {
		t.Fatalf("re-settle produced transfers: %d -> %d", confirmed, got)
	}
}

func TestFlakySubmissionRetries(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 1, MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	validateWorker(t, env, esc.ID, "w1", "labels-ok")
	env.Ledger.Credit(esc.EscrowAcct, 10)

	// Two submission failures, success on the third attempt.
	env.Ledger.FailSubmits = 2
	plan, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if plan.Status != domain.PlanSettled {
		t.Fatalf("plan status %s, want settled", plan.Status)
	}
	if got := env.Ledger.Transfers(ledger.StatusConfirmed); got != 2 {
		t.Fatalf("expected exactly one confirmed transfer per entry, got %d", got)
	}
}

func TestShortfallDefersThenTopUpSettles(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 7, MinFunding: int64Ptr(50)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 50, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 7; i++ {
		validateWorker(t, env, esc.ID, fmt.Sprintf("w%d", i), "labels-ok")
	}
	env.Ledger.Credit(esc.EscrowAcct, 50)

	plan, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if plan.Total != 50 || len(plan.Entries) != 10 {
		t.Fatalf("first plan should fund 5 whole tasks, got total %d entries %d", plan.Total, len(plan.Entries))
	}
	status, err := env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Escrow.State != domain.StatePartial || !status.Escrow.FundsExhausted {
		t.Fatalf("expected partial and funds_exhausted, got %s/%v", status.Escrow.State, status.Escrow.FundsExhausted)
	}

	// Top up the partial escrow and settle the deferred tasks.
	esc2, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 20, "tx-2", "alice")
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if esc2.FundsExhausted {
		t.Fatalf("deposit should clear funds_exhausted")
	}
	env.Ledger.Credit(esc.EscrowAcct, 20)
	plan2, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if plan2.ID == plan.ID || plan2.Total != 20 {
		t.Fatalf("second plan should cover the 2 deferred tasks, got total %d", plan2.Total)
	}
	status, err = env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Escrow.State != domain.StatePaid || status.PaidTotal != 70 {
		t.Fatalf("expected paid with 70 paid total, got %s/%d", status.Escrow.State, status.PaidTotal)
	}
	// First validated, first paid: w6 and w7 were the deferred ones.
	if plan2.Entries[0].WorkerID != "w6" {
		t.Fatalf("deferred payouts should keep validation order, got %s", plan2.Entries[0].WorkerID)
	}
}

func TestStuckPlanResumes(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Settlement.MaxAttempts = 2
	esc := createEscrow(t, env, engine.EscrowCreateOptions{
		ExpectedTasks: 1, MinFunding: int64Ptr(10), FeeBps: int64Ptr(0),
	})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	validateWorker(t, env, esc.ID, "w1", "labels-ok")
	env.Ledger.Credit(esc.EscrowAcct, 10)

	env.Ledger.RejectSubmits = 2
	_, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if !errors.Is(err, engine.ErrStuck) {
		t.Fatalf("exhausted attempts should stick, got %v", err)
	}
	status, err := env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Plans) != 1 || status.Plans[0].Status != domain.PlanStuck {
		t.Fatalf("expected one stuck plan, got %+v", status.Plans)
	}
	if status.Escrow.Balance != 10 || env.Ledger.Transfers(ledger.StatusConfirmed) != 0 {
		t.Fatalf("stuck settlement must not move funds")
	}

	// A later settle resumes the same plan instead of deriving a new one.
	plan, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if plan.ID != status.Plans[0].ID || plan.Status != domain.PlanSettled {
		t.Fatalf("expected the stuck plan to settle, got %s/%s", plan.ID, plan.Status)
	}
	if env.Ledger.Transfers(ledger.StatusConfirmed) != 1 {
		t.Fatalf("expected exactly one confirmed transfer")
	}
	status, _ = env.Engine.Status(env.Ctx, esc.ID)
	if status.Escrow.State != domain.StatePaid || status.Escrow.Balance != 0 {
		t.Fatalf("expected paid after resume, got %s/%d", status.Escrow.State, status.Escrow.Balance)
	}
}

func TestLedgerUnavailableSurfacesAfterRetries(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Settlement.MaxAttempts = 2
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 1, MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	validateWorker(t, env, esc.ID, "w1", "labels-ok")

	env.Ledger.FailSubmits = 10
	_, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if !errors.Is(err, engine.ErrLedgerUnavailable) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}
}

func TestCancelRefundsRequester(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 30, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	env.Ledger.Credit(esc.EscrowAcct, 30)

	if _, err := env.Engine.Cancel(env.Ctx, esc.ID, "mallory"); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("only the requester may cancel, got %v", err)
	}

	esc, err := env.Engine.Cancel(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if esc.State != domain.StateCancelled || esc.Balance != 0 {
		t.Fatalf("expected cancelled with zero balance, got %s/%d", esc.State, esc.Balance)
	}
	bal, _ := env.Ledger.GetAccountBalance(env.Ctx, "acct-alice")
	if bal != 30 {
		t.Fatalf("requester refund %d, want 30", bal)
	}

	if _, err := env.Engine.Cancel(env.Ctx, esc.ID, "alice"); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("cancelling a cancelled escrow should conflict, got %v", err)
	}
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 5, "tx-2", "alice"); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("funding a cancelled escrow should conflict, got %v", err)
	}
}

func TestLifecycleEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 1, MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	validateWorker(t, env, esc.ID, "w1", "labels-ok")
	env.Ledger.Credit(esc.EscrowAcct, 10)
	if _, err := env.Engine.Settle(env.Ctx, esc.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE escrow_id=? ORDER BY id`, esc.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		seen[typ] = true
	}
	for _, want := range []string{"escrow.created", "escrow.funded", "result.submitted", "result.validated", "plan.created", "payout.settled", "escrow.paid"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

// movingClock gives the engine a clock that advances one second per
// reading, so confirmation windows can elapse inside a test.
func movingClock(env testEnv) {
	var mu sync.Mutex
	var tick int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
}

func TestStuckRefundResumesWithoutDoublePay(t *testing.T) {
	env := newTestEnv(t)
	movingClock(env)
	env.Engine.Config.Settlement.ConfirmTimeoutS = 3
	env.Engine.Config.Settlement.MaxAttempts = 1

	esc := createEscrow(t, env, engine.EscrowCreateOptions{MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 30, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	env.Ledger.Credit(esc.EscrowAcct, 30)

	// The refund transfer stays pending past the confirmation window.
	env.Ledger.HoldSubmits = 1
	if _, err := env.Engine.Cancel(env.Ctx, esc.ID, "alice"); !errors.Is(err, engine.ErrStuck) {
		t.Fatalf("unconfirmed refund should leave the cancel stuck, got %v", err)
	}
	cur, err := env.Engine.Repo.GetEscrow(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.State != domain.StatePending || cur.Balance != 30 {
		t.Fatalf("stuck cancel must not touch state or balance, got %s/%d", cur.State, cur.Balance)
	}
	if cur.RefundTxRef == nil {
		t.Fatal("stuck cancel should persist the in-flight transfer reference")
	}

	// Deposits and settlements wait until the refund resolves.
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 5, "tx-2", "alice"); !errors.Is(err, engine.ErrSettlementInProgress) {
		t.Fatalf("funding during an unresolved refund should be rejected, got %v", err)
	}
	if _, err := env.Engine.Settle(env.Ctx, esc.ID, "alice"); !errors.Is(err, engine.ErrSettlementInProgress) {
		t.Fatalf("settling during an unresolved refund should be rejected, got %v", err)
	}

	// The held transfer lands after the window elapsed; the next cancel
	// must pick it up instead of submitting a second refund.
	env.Ledger.ReleaseHeld()
	cancelled, err := env.Engine.Cancel(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("resumed cancel: %v", err)
	}
	if cancelled.State != domain.StateCancelled || cancelled.Balance != 0 {
		t.Fatalf("expected cancelled with zero balance, got %s/%d", cancelled.State, cancelled.Balance)
	}
	if cancelled.RefundTxRef != nil {
		t.Fatal("finished cancel should clear the transfer reference")
	}
	bal, _ := env.Ledger.GetAccountBalance(env.Ctx, "acct-alice")
	if bal != 30 {
		t.Fatalf("requester received %d from a 30 unit escrow", bal)
	}
	if n := env.Ledger.Transfers(ledger.StatusConfirmed); n != 1 {
		t.Fatalf("expected exactly one confirmed transfer, got %d", n)
	}
	transfers, err := env.Engine.Repo.ListTransfers(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 || transfers[0].PlanID != "cancel-"+esc.ID || transfers[0].Amount != 30 {
		t.Fatalf("refund should be recorded as one ledger row, got %+v", transfers)
	}
}

func TestRejectedRefundResubmits(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 20, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	env.Ledger.Credit(esc.EscrowAcct, 20)

	// A rejected transfer can never land, so a fresh submission is safe.
	env.Ledger.RejectSubmits = 1
	cancelled, err := env.Engine.Cancel(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != domain.StateCancelled || cancelled.Balance != 0 {
		t.Fatalf("expected cancelled with zero balance, got %s/%d", cancelled.State, cancelled.Balance)
	}
	bal, _ := env.Ledger.GetAccountBalance(env.Ctx, "acct-alice")
	if bal != 20 {
		t.Fatalf("requester refund %d, want 20", bal)
	}
	if n := env.Ledger.Transfers(ledger.StatusConfirmed); n != 1 {
		t.Fatalf("expected one confirmed transfer, got %d", n)
	}
}

func TestInsufficientFundsMarksExhausted(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{MinFunding: int64Ptr(5)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 9, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	env.Ledger.Credit(esc.EscrowAcct, 100)
	validateWorker(t, env, esc.ID, "w1", "labels-ok")

	// Balance 9 cannot cover a single 10 unit task.
	if _, err := env.Engine.Settle(env.Ctx, esc.ID, "alice"); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	status, err := env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Escrow.FundsExhausted {
		t.Fatal("failed settle should mark the escrow funds exhausted")
	}
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(*) FROM events WHERE escrow_id=? AND type='escrow.funds_exhausted'`, esc.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one funds_exhausted event, got %d", n)
	}

	// A top-up clears the flag and the deferred result settles.
	topped, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 11, "tx-2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if topped.FundsExhausted {
		t.Fatal("deposit should clear funds_exhausted")
	}
	plan, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
	if err != nil {
		t.Fatalf("settle after top-up: %v", err)
	}
	if plan.Total != 10 {
		t.Fatalf("plan total %d, want 10", plan.Total)
	}
}

func TestRepeatSubmissionAfterValidationAudited(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{
		MinFunding: int64Ptr(10),
		Oracles: []domain.OracleWeight{
			{OracleID: "o1", Account: "acct-o1", Weight: 1},
			{OracleID: "o2", Account: "acct-o2", Weight: 1},
			{OracleID: "o3", Account: "acct-o3", Weight: 1},
		},
	})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-1", "alice"); err != nil {
		t.Fatal(err)
	}
	validateWorker(t, env, esc.ID, "w1", "labels-ok")

	// The third attestation arrives after quorum already validated the
	// worker. It never re-triggers payout but it still enters the audit
	// trail.
	res, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
		EscrowID:   esc.ID,
		WorkerID:   "w1",
		WorkerAcct: "acct-w1",
		OracleID:   "o3",
		Payload:    "labels-ok",
		ActorID:    "o3",
	})
	if err != nil {
		t.Fatalf("late submission: %v", err)
	}
	if res.Status != domain.ResultValidated {
		t.Fatalf("late submission should not change status, got %s", res.Status)
	}
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(*) FROM events WHERE escrow_id=? AND type='result.submitted'`, esc.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 submission events, got %d", n)
	}
}

func TestConcurrentTrafficKeepsBalanceConsistent(t *testing.T) {
	env := newTestEnv(t)
	esc := createEscrow(t, env, engine.EscrowCreateOptions{ExpectedTasks: 8, MinFunding: int64Ptr(10)})
	if _, err := env.Engine.RecordFunding(env.Ctx, esc.ID, 10, "tx-seed", "alice"); err != nil {
		t.Fatal(err)
	}
	env.Ledger.Credit(esc.EscrowAcct, 10000)

	var funded atomic.Int64
	funded.Store(10)
	rng := rand.New(rand.NewSource(1))
	amounts := make([]int64, 12)
	for i := range amounts {
		amounts[i] = int64(rng.Intn(20) + 1)
	}

	var wg sync.WaitGroup
	for i, amt := range amounts {
		wg.Add(1)
		go func(i int, amt int64) {
			defer wg.Done()
			_, err := env.Engine.RecordFunding(env.Ctx, esc.ID, amt, fmt.Sprintf("tx-c%d", i), "alice")
			switch {
			case err == nil:
				funded.Add(amt)
			case errors.Is(err, engine.ErrSettlementInProgress):
			case errors.Is(err, engine.ErrStateConflict):
			default:
				t.Errorf("fund: %v", err)
			}
		}(i, amt)
	}
	for w := 1; w <= 8; w++ {
		worker := fmt.Sprintf("w%d", w)
		for _, oracle := range []string{"o1", "o2"} {
			wg.Add(1)
			go func(worker, oracle string) {
				defer wg.Done()
				_, err := env.Engine.SubmitResult(env.Ctx, engine.SubmissionOptions{
					EscrowID:   esc.ID,
					WorkerID:   worker,
					WorkerAcct: "acct-" + worker,
					OracleID:   oracle,
					Payload:    "labels-" + worker,
					ActorID:    oracle,
				})
				if err != nil && !errors.Is(err, engine.ErrStateConflict) {
					t.Errorf("submit %s/%s: %v", worker, oracle, err)
				}
			}(worker, oracle)
		}
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Settle(env.Ctx, esc.ID, "alice")
			switch {
			case err == nil:
			case errors.Is(err, engine.ErrSettlementInProgress):
			case errors.Is(err, engine.ErrStateConflict):
			case errors.Is(err, engine.ErrInsufficientFunds):
			default:
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	status, err := env.Engine.Status(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Escrow.Balance < 0 {
		t.Fatalf("balance went negative: %d", status.Escrow.Balance)
	}
	if got, want := status.Escrow.Balance, funded.Load()-status.PaidTotal; got != want {
		t.Fatalf("balance %d, want funded %d minus paid %d = %d",
			got, funded.Load(), status.PaidTotal, want)
	}
}
