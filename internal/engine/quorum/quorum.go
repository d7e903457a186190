// Package quorum decides when oracle submissions validate a worker's
// result. Evaluation is a pure function over the escrow's immutable weight
// map and the replayed submission log; there is no mutable dispute state.
package quorum

// Status of a worker result under the current submission log.
type Status string

const (
	// Pending: quorum not reached yet, but still reachable.
	Pending Status = "pending"
	// Validated: one payload gathered agreeing weight >= threshold.
	Validated Status = "validated"
	// Disputed: no payload can reach the threshold even if every silent
	// oracle backs the current leader.
	Disputed Status = "disputed"
)

// Vote is one oracle's attestation for a single worker.
type Vote struct {
	OracleID    string
	PayloadHash string
}

// Outcome is the evaluation result for one worker.
type Outcome struct {
	Status Status
	// Winning payload hash when Status == Validated.
	PayloadHash string
	// Combined weight backing the leading payload.
	LeadingWeight int64
}

// Evaluate replays votes against the weight map. Votes from identities
// absent from the weight map carry zero weight and are ignored; a later
// vote by the same oracle does not occur (the submission log is unique per
// oracle per worker), but if replayed anyway only the first counts.
func Evaluate(weights map[string]int64, threshold int64, votes []Vote) Outcome {
	byPayload := make(map[string]int64)
	voted := make(map[string]bool)
	var votedWeight int64
	for _, v := range votes {
		w, ok := weights[v.OracleID]
		if !ok || voted[v.OracleID] {
			continue
		}
		voted[v.OracleID] = true
		votedWeight += w
		byPayload[v.PayloadHash] += w
	}

	var leadHash string
	var leadWeight int64
	for hash, w := range byPayload {
		if w > leadWeight || (w == leadWeight && hash < leadHash) {
			leadHash, leadWeight = hash, w
		}
	}

	if leadWeight >= threshold {
		return Outcome{Status: Validated, PayloadHash: leadHash, LeadingWeight: leadWeight}
	}

	var totalWeight int64
	for _, w := range weights {
		totalWeight += w
	}
	remaining := totalWeight - votedWeight
	if leadWeight+remaining < threshold {
		return Outcome{Status: Disputed, LeadingWeight: leadWeight}
	}
	return Outcome{Status: Pending, LeadingWeight: leadWeight}
}

// Reachable reports whether a threshold is attainable at all for the given
// weight map. Used as a creation guard so an escrow cannot be born with an
// unreachable quorum.
func Reachable(weights map[string]int64, threshold int64) bool {
	var total int64
	for _, w := range weights {
		total += w
	}
	return total >= threshold
}
