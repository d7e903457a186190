package engine

import (
	"errors"
	"testing"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

func seqPtr(v int64) *int64 { return &v }

func testEscrow(balance int64) domain.Escrow {
	return domain.Escrow{
		ID:            "esc-1",
		EscrowAcct:    "acct-esc-1",
		Balance:       balance,
		ExpectedTasks: 5,
		TaskReward:    10,
		FeeBps:        1000,
		FeeAccount:    "acct-fees",
	}
}

func testSnapshot(n int) []domain.Result {
	res := make([]domain.Result, 0, n)
	for i := 0; i < n; i++ {
		res = append(res, domain.Result{
			EscrowID:     "esc-1",
			WorkerID:     string(rune('a' + i)),
			Account:      "acct-" + string(rune('a'+i)),
			Status:       domain.ResultValidated,
			ValidatedSeq: seqPtr(int64(i + 1)),
		})
	}
	return res
}

func TestBuildPlanFeeSplit(t *testing.T) {
	plan, deferred, err := buildPlan(testEscrow(50), testSnapshot(5), "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if deferred != 0 {
		t.Fatalf("expected no deferrals, got %d", deferred)
	}
	if len(plan.Entries) != 10 {
		t.Fatalf("expected worker+fee entry per task, got %d entries", len(plan.Entries))
	}
	if plan.Total != 50 {
		t.Fatalf("plan total %d, want 50", plan.Total)
	}
	for i, e := range plan.Entries {
		if e.Seq != int64(i) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
		switch e.Kind {
		case domain.EntryKindWorker:
			if e.Amount != 9 {
				t.Fatalf("worker amount %d, want 9", e.Amount)
			}
		case domain.EntryKindFee:
			if e.Amount != 1 || e.Recipient != "acct-fees" {
				t.Fatalf("fee entry %+v", e)
			}
		}
	}
	// Workers are paid in validation order.
	if plan.Entries[0].WorkerID != "a" || plan.Entries[2].WorkerID != "b" {
		t.Fatalf("unexpected payout order: %s then %s", plan.Entries[0].WorkerID, plan.Entries[2].WorkerID)
	}
}

func TestBuildPlanDeterministic(t *testing.T) {
	a, _, err := buildPlan(testEscrow(50), testSnapshot(5), "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := buildPlan(testEscrow(50), testSnapshot(5), "2024-06-30T12:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || a.Checksum != b.Checksum {
		t.Fatalf("identical snapshots must yield identical plans: %s/%s vs %s/%s", a.ID, a.Checksum, b.ID, b.Checksum)
	}
	if len(a.Entries) != len(b.Entries) {
		t.Fatalf("entry counts differ")
	}
	for i := range a.Entries {
		if a.Entries[i].Recipient != b.Entries[i].Recipient || a.Entries[i].Amount != b.Entries[i].Amount {
			t.Fatalf("entry %d differs", i)
		}
	}
}

func TestBuildPlanChecksumCoversOrder(t *testing.T) {
	snap := testSnapshot(3)
	a, _, err := buildPlan(testEscrow(30), snap, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	reordered := []domain.Result{snap[2], snap[0], snap[1]}
	b, _, err := buildPlan(testEscrow(30), reordered, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if a.Checksum == b.Checksum {
		t.Fatalf("reordered snapshot must produce a different plan")
	}
}

func TestBuildPlanShortfallDefersWholeTasks(t *testing.T) {
	plan, deferred, err := buildPlan(testEscrow(50), testSnapshot(7), "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if deferred != 2 {
		t.Fatalf("expected 2 deferred tasks, got %d", deferred)
	}
	if plan.Total != 50 || len(plan.Entries) != 10 {
		t.Fatalf("funded share should cover exactly 5 tasks, got total %d entries %d", plan.Total, len(plan.Entries))
	}
	// First-validated-first-paid: the two newest results are the deferred ones.
	last := plan.Entries[len(plan.Entries)-1]
	if last.WorkerID != "e" {
		t.Fatalf("last funded worker %s, want e", last.WorkerID)
	}
}

func TestBuildPlanInsufficientFunds(t *testing.T) {
	_, _, err := buildPlan(testEscrow(9), testSnapshot(2), "2024-01-01T00:00:00Z")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("balance below one task reward should fail, got %v", err)
	}
}

func TestBuildPlanZeroFee(t *testing.T) {
	esc := testEscrow(20)
	esc.FeeBps = 0
	plan, _, err := buildPlan(esc, testSnapshot(2), "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 2 || plan.Total != 20 {
		t.Fatalf("zero fee should emit worker entries only, got %d entries total %d", len(plan.Entries), plan.Total)
	}
	for _, e := range plan.Entries {
		if e.Kind != domain.EntryKindWorker || e.Amount != 10 {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
}

func testConfigForBackoff() *config.Config {
	cfg := config.Default("escrowline")
	cfg.Settlement.BackoffBaseMS = 10
	cfg.Settlement.BackoffMaxMS = 100
	return cfg
}

func TestBackoffCapped(t *testing.T) {
	e := &Engine{Config: testConfigForBackoff()}
	if e.backoff(1) >= e.backoff(2) {
		t.Fatalf("backoff must grow")
	}
	if e.backoff(20) != e.backoff(21) {
		t.Fatalf("backoff must cap")
	}
}
