package engine

import (
	"context"
	"database/sql"
	"errors"

	"escrowline/internal/domain"
	"escrowline/internal/engine/quorum"
	"escrowline/internal/repo"
)

// evaluateWorker replays the worker's submission log through the quorum
// evaluator and persists the derived result row. A result that crosses
// into validated gets the next validated_seq; the sequence is the payout
// order and is never reassigned.
func (e *Engine) evaluateWorker(ctx context.Context, tx *sql.Tx, esc domain.Escrow, workerID, workerAcct string) (domain.Result, quorum.Outcome, error) {
	weights, err := listOracleWeights(ctx, tx, esc.ID)
	if err != nil {
		return domain.Result{}, quorum.Outcome{}, err
	}
	subs, err := e.Repo.ListSubmissionsForWorker(ctx, tx, esc.ID, workerID)
	if err != nil {
		return domain.Result{}, quorum.Outcome{}, err
	}
	votes := make([]quorum.Vote, 0, len(subs))
	for _, s := range subs {
		votes = append(votes, quorum.Vote{OracleID: s.OracleID, PayloadHash: s.PayloadHash})
	}
	outcome := quorum.Evaluate(weights, esc.QuorumWeight, votes)

	res, err := e.Repo.GetResult(ctx, tx, esc.ID, workerID)
	if errors.Is(err, repo.ErrNotFound) {
		res = domain.Result{EscrowID: esc.ID, WorkerID: workerID, Status: domain.ResultPending}
	} else if err != nil {
		return domain.Result{}, outcome, err
	}
	if workerAcct != "" {
		res.Account = workerAcct
	}

	switch outcome.Status {
	case quorum.Validated:
		if res.Status == domain.ResultPending || res.Status == domain.ResultDisputed {
			seq, err := e.Repo.NextValidatedSeq(ctx, tx, esc.ID)
			if err != nil {
				return res, outcome, err
			}
			now := e.nowStr()
			res.Status = domain.ResultValidated
			res.PayloadHash = outcome.PayloadHash
			res.ValidatedSeq = &seq
			res.ValidatedAt = &now
		}
	case quorum.Disputed:
		if res.Status == domain.ResultPending {
			res.Status = domain.ResultDisputed
		}
	default:
		res.PayloadHash = outcome.PayloadHash
	}

	if err := e.Repo.UpsertResult(ctx, tx, res); err != nil {
		return res, outcome, err
	}
	return res, outcome, nil
}
