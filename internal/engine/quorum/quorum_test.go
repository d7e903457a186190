package quorum_test

import (
	"testing"

	"escrowline/internal/engine/quorum"
)

func TestValidatesAtThreshold(t *testing.T) {
	weights := map[string]int64{"o1": 1, "o2": 1, "o3": 1}
	out := quorum.Evaluate(weights, 2, []quorum.Vote{
		{OracleID: "o1", PayloadHash: "aaa"},
	})
	if out.Status != quorum.Pending {
		t.Fatalf("one vote of two should be pending, got %s", out.Status)
	}
	out = quorum.Evaluate(weights, 2, []quorum.Vote{
		{OracleID: "o1", PayloadHash: "aaa"},
		{OracleID: "o2", PayloadHash: "aaa"},
	})
	if out.Status != quorum.Validated {
		t.Fatalf("agreeing weight 2 at threshold 2 should validate, got %s", out.Status)
	}
	if out.PayloadHash != "aaa" || out.LeadingWeight != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestWeightedValidation(t *testing.T) {
	weights := map[string]int64{"heavy": 3, "light": 1}
	out := quorum.Evaluate(weights, 3, []quorum.Vote{
		{OracleID: "light", PayloadHash: "aaa"},
	})
	if out.Status != quorum.Pending {
		t.Fatalf("weight 1 below threshold 3 should be pending, got %s", out.Status)
	}
	out = quorum.Evaluate(weights, 3, []quorum.Vote{
		{OracleID: "heavy", PayloadHash: "aaa"},
	})
	if out.Status != quorum.Validated {
		t.Fatalf("weight 3 at threshold 3 should validate, got %s", out.Status)
	}
}

func TestDisputeWhenUnreachable(t *testing.T) {
	weights := map[string]int64{"o1": 1, "o2": 1, "o3": 1}
	// Split vote with one silent oracle: leader could still reach 2.
	out := quorum.Evaluate(weights, 2, []quorum.Vote{
		{OracleID: "o1", PayloadHash: "aaa"},
		{OracleID: "o2", PayloadHash: "bbb"},
	})
	if out.Status != quorum.Pending {
		t.Fatalf("reachable split should stay pending, got %s", out.Status)
	}
	// All voted, threshold 3, best payload holds 2: unreachable.
	out = quorum.Evaluate(weights, 3, []quorum.Vote{
		{OracleID: "o1", PayloadHash: "aaa"},
		{OracleID: "o2", PayloadHash: "aaa"},
		{OracleID: "o3", PayloadHash: "bbb"},
	})
	if out.Status != quorum.Disputed {
		t.Fatalf("unreachable quorum should dispute, got %s", out.Status)
	}
}

func TestUntrustedAndDuplicateVotesIgnored(t *testing.T) {
	weights := map[string]int64{"o1": 1, "o2": 1}
	out := quorum.Evaluate(weights, 2, []quorum.Vote{
		{OracleID: "o1", PayloadHash: "aaa"},
		{OracleID: "o1", PayloadHash: "aaa"},
		{OracleID: "intruder", PayloadHash: "aaa"},
	})
	if out.Status != quorum.Pending || out.LeadingWeight != 1 {
		t.Fatalf("duplicate and untrusted votes must not add weight, got %+v", out)
	}
}

func TestTieBreakBySmallerHash(t *testing.T) {
	weights := map[string]int64{"o1": 2, "o2": 2}
	out := quorum.Evaluate(weights, 2, []quorum.Vote{
		{OracleID: "o2", PayloadHash: "bbb"},
		{OracleID: "o1", PayloadHash: "aaa"},
	})
	if out.Status != quorum.Validated || out.PayloadHash != "aaa" {
		t.Fatalf("tie should resolve to the smaller hash, got %+v", out)
	}
}

func TestReachable(t *testing.T) {
	weights := map[string]int64{"o1": 1, "o2": 2}
	if !quorum.Reachable(weights, 3) {
		t.Fatalf("threshold 3 with total 3 should be reachable")
	}
	if quorum.Reachable(weights, 4) {
		t.Fatalf("threshold 4 with total 3 should be unreachable")
	}
}
