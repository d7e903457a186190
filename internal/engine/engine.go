package engine

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/engine/quorum"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

// Engine owns the escrow lifecycle: creation, funding, oracle result
// intake, payout planning and settlement. All mutation of one escrow is
// serialized through a per-escrow lock; ledger calls happen outside that
// lock with the payout ledger compensating for the race window.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Ledger ledger.Client
	Now    func() time.Time

	locks *escrowLocks
}

func New(db *sql.DB, cfg *config.Config, lc ledger.Client) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Ledger: lc,
		Now:    time.Now,
		locks:  newEscrowLocks(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// HashPayload returns the canonical hex digest used to compare oracle
// submissions for agreement.
func HashPayload(payload string) string {
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// EscrowCreateOptions are parameters for launching an escrow.
type EscrowCreateOptions struct {
	ID           string
	Requester    string
	RequesterAcct string
	EscrowAcct   string
	ManifestURL  string
	ManifestHash string
	ExpectedTasks int64
	TaskReward   int64
	MinFunding   *int64
	FeeBps       *int64
	FeeAccount   string
	QuorumWeight *int64
	Oracles      []domain.OracleWeight
	Duration     time.Duration
	ActorID      string
}

// CreateEscrow launches a new escrow in state launched with zero balance.
// The trusted-oracle set and all policy knobs are frozen here.
func (e *Engine) CreateEscrow(ctx context.Context, opts EscrowCreateOptions) (domain.Escrow, error) {
	if e.Config == nil {
		return domain.Escrow{}, errors.New("config not loaded")
	}
	if opts.Requester == "" {
		return domain.Escrow{}, errors.New("requester is required")
	}
	if opts.RequesterAcct == "" {
		return domain.Escrow{}, errors.New("requester account is required")
	}
	if opts.ExpectedTasks <= 0 {
		return domain.Escrow{}, errors.New("expected tasks must be positive")
	}
	if opts.TaskReward <= 0 {
		return domain.Escrow{}, errors.New("task reward must be positive")
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()

	minFunding := e.Config.Funding.MinAmount
	if opts.MinFunding != nil {
		minFunding = *opts.MinFunding
	}
	if minFunding < 0 {
		return domain.Escrow{}, errors.New("min funding must not be negative")
	}
	feeBps := e.Config.Platform.FeeBps
	if opts.FeeBps != nil {
		feeBps = *opts.FeeBps
	}
	if feeBps < 0 || feeBps > 10000 {
		return domain.Escrow{}, errors.New("fee bps must be within [0,10000]")
	}
	feeAccount := opts.FeeAccount
	if feeAccount == "" {
		feeAccount = e.Config.Platform.FeeAccount
	}
	if feeBps > 0 && feeAccount == "" {
		return domain.Escrow{}, errors.New("fee account required when fee bps > 0")
	}
	threshold := e.Config.Quorum.Threshold
	if opts.QuorumWeight != nil {
		threshold = *opts.QuorumWeight
	}
	if threshold <= 0 {
		return domain.Escrow{}, errors.New("quorum weight must be positive")
	}

	oracles := opts.Oracles
	if len(oracles) == 0 {
		for _, o := range e.Config.Oracles {
			oracles = append(oracles, domain.OracleWeight{OracleID: o.ID, Account: o.Account, Weight: o.Weight})
		}
	}
	if len(oracles) == 0 {
		return domain.Escrow{}, errors.New("trusted oracle set is required")
	}
	weights := make(map[string]int64, len(oracles))
	var total int64
	for i := range oracles {
		o := &oracles[i]
		o.EscrowID = id
		if o.OracleID == "" {
			return domain.Escrow{}, errors.New("oracle id is required")
		}
		if o.Weight <= 0 {
			return domain.Escrow{}, fmt.Errorf("oracle %s weight must be positive", o.OracleID)
		}
		if _, dup := weights[o.OracleID]; dup {
			return domain.Escrow{}, fmt.Errorf("oracle %s listed twice", o.OracleID)
		}
		weights[o.OracleID] = o.Weight
		total += o.Weight
	}
	if !quorum.Reachable(weights, threshold) {
		return domain.Escrow{}, fmt.Errorf("quorum weight %d unreachable with total oracle weight %d", threshold, total)
	}

	escrowAcct := opts.EscrowAcct
	if escrowAcct == "" {
		escrowAcct = "escrow-" + id
	}
	var expiresAt *string
	if opts.Duration > 0 {
		s := e.now().UTC().Add(opts.Duration).Format(time.RFC3339)
		expiresAt = &s
	}

	esc := domain.Escrow{
		ID:            id,
		Requester:     opts.Requester,
		RequesterAcct: opts.RequesterAcct,
		EscrowAcct:    escrowAcct,
		State:         domain.StateLaunched,
		Balance:       0,
		MinFunding:    minFunding,
		ManifestURL:   opts.ManifestURL,
		ManifestHash:  opts.ManifestHash,
		ExpectedTasks: opts.ExpectedTasks,
		TaskReward:    opts.TaskReward,
		FeeBps:        feeBps,
		FeeAccount:    feeAccount,
		QuorumWeight:  threshold,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEscrow(ctx, tx, esc); err != nil {
		return domain.Escrow{}, fmt.Errorf("insert escrow: %w", err)
	}
	if err := e.Repo.InsertOracles(ctx, tx, id, oracles); err != nil {
		return domain.Escrow{}, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.created", id, "escrow", id, opts.ActorID, events.EventPayload{
		"state":          esc.State,
		"expected_tasks": esc.ExpectedTasks,
		"task_reward":    esc.TaskReward,
		"min_funding":    esc.MinFunding,
	}); err != nil {
		return domain.Escrow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escrow{}, err
	}
	return esc, nil
}

func (e *Engine) expired(esc domain.Escrow) bool {
	if esc.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *esc.ExpiresAt)
	if err != nil {
		return false
	}
	return e.now().After(exp)
}

func (e *Engine) loadEscrow(ctx context.Context, tx *sql.Tx, id string) (domain.Escrow, error) {
	esc, err := e.Repo.GetEscrowTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return esc, fmt.Errorf("escrow %s: %w", id, ErrUnknownEscrow)
	}
	return esc, err
}

// RecordFunding applies a funding deposit observed on the ledger. Deposits
// are accepted while the escrow is launched, pending, or partial; crossing
// the minimum funding threshold moves launched to pending. A deposit into a
// funds-exhausted escrow clears the flag so deferred results can settle.
func (e *Engine) RecordFunding(ctx context.Context, escrowID string, amount int64, txRef, actorID string) (domain.Escrow, error) {
	if amount <= 0 {
		return domain.Escrow{}, errors.New("funding amount must be positive")
	}
	unlock := e.locks.lock(escrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	esc, err := e.loadEscrow(ctx, tx, escrowID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if esc.State != domain.StateLaunched && esc.State != domain.StatePending && esc.State != domain.StatePartial {
		return esc, fmt.Errorf("escrow %s in state %s cannot accept funding: %w", esc.ID, esc.State, ErrStateConflict)
	}
	if e.expired(esc) {
		return esc, fmt.Errorf("escrow %s expired: %w", esc.ID, ErrStateConflict)
	}
	// A deposit landing between a settlement's balance snapshot and its
	// final write would be silently overwritten, so funding waits out any
	// settlement or in-flight refund.
	if e.locks.settling(escrowID) || esc.RefundTxRef != nil {
		return esc, fmt.Errorf("escrow %s is settling: %w", esc.ID, ErrSettlementInProgress)
	}

	esc.Balance += amount
	esc.FundsExhausted = false
	prev := esc.State
	if esc.State == domain.StateLaunched && esc.Balance >= esc.MinFunding {
		esc.State = domain.StatePending
	}
	esc.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return esc, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.funded", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
		"amount":  amount,
		"balance": esc.Balance,
		"tx_ref":  txRef,
		"from":    prev,
		"to":      esc.State,
	}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	return esc, nil
}

// SubmissionOptions carries one oracle attestation for one worker.
type SubmissionOptions struct {
	EscrowID    string
	WorkerID    string
	WorkerAcct  string
	OracleID    string
	Payload     string
	PayloadHash string
	Signature   string
	ActorID     string
}

// SubmitResult records an oracle submission and replays the worker's
// submission log through the quorum evaluator. A worker validates exactly
// once; repeats after validation are accepted and change nothing.
// A quorum that became unreachable marks the result disputed and returns
// ErrDisputed after the dispute is durably recorded.
func (e *Engine) SubmitResult(ctx context.Context, opts SubmissionOptions) (domain.Result, error) {
	if opts.WorkerID == "" {
		return domain.Result{}, errors.New("worker id is required")
	}
	if opts.OracleID == "" {
		return domain.Result{}, errors.New("oracle id is required")
	}
	hash := opts.PayloadHash
	if hash == "" {
		if opts.Payload == "" {
			return domain.Result{}, errors.New("payload or payload hash is required")
		}
		hash = HashPayload(opts.Payload)
	}

	unlock := e.locks.lock(opts.EscrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, err
	}
	defer tx.Rollback()

	esc, err := e.loadEscrow(ctx, tx, opts.EscrowID)
	if err != nil {
		return domain.Result{}, err
	}
	if esc.State != domain.StatePending && esc.State != domain.StatePartial {
		return domain.Result{}, fmt.Errorf("escrow %s in state %s does not accept results: %w", esc.ID, esc.State, ErrStateConflict)
	}
	if e.expired(esc) {
		return domain.Result{}, fmt.Errorf("escrow %s expired: %w", esc.ID, ErrStateConflict)
	}
	oracles, err := listOracleWeights(ctx, tx, esc.ID)
	if err != nil {
		return domain.Result{}, err
	}
	if _, trusted := oracles[opts.OracleID]; !trusted {
		return domain.Result{}, fmt.Errorf("oracle %s not trusted for escrow %s: %w", opts.OracleID, esc.ID, ErrUnauthorizedOracle)
	}

	sub := domain.Submission{
		ID:          uuid.New().String(),
		EscrowID:    esc.ID,
		WorkerID:    opts.WorkerID,
		OracleID:    opts.OracleID,
		PayloadHash: hash,
		PayloadJSON: opts.Payload,
		Signature:   opts.Signature,
		CreatedAt:   e.nowStr(),
	}
	inserted, err := e.Repo.InsertSubmission(ctx, tx, sub)
	if err != nil {
		return domain.Result{}, fmt.Errorf("insert submission: %w", err)
	}

	if inserted {
		if err := e.Events.Append(ctx, tx, "result.submitted", esc.ID, "submission", sub.ID, opts.ActorID, events.EventPayload{
			"worker_id":    opts.WorkerID,
			"oracle_id":    opts.OracleID,
			"payload_hash": hash,
		}); err != nil {
			return domain.Result{}, err
		}
	}

	res, err := e.Repo.GetResult(ctx, tx, esc.ID, opts.WorkerID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Result{}, err
	}
	if res.Status == domain.ResultValidated || res.Status == domain.ResultPaid {
		// Already validated; repeat submissions never re-trigger payout.
		if err := tx.Commit(); err != nil {
			return res, err
		}
		return res, nil
	}

	res, outcome, err := e.evaluateWorker(ctx, tx, esc, opts.WorkerID, opts.WorkerAcct)
	if err != nil {
		return domain.Result{}, err
	}
	switch res.Status {
	case domain.ResultValidated:
		if err := e.Events.Append(ctx, tx, "result.validated", esc.ID, "result", opts.WorkerID, opts.ActorID, events.EventPayload{
			"worker_id":     opts.WorkerID,
			"payload_hash":  res.PayloadHash,
			"weight":        outcome.LeadingWeight,
			"validated_seq": res.ValidatedSeq,
		}); err != nil {
			return domain.Result{}, err
		}
	case domain.ResultDisputed:
		if err := e.Events.Append(ctx, tx, "result.disputed", esc.ID, "result", opts.WorkerID, opts.ActorID, events.EventPayload{
			"worker_id": opts.WorkerID,
			"weight":    outcome.LeadingWeight,
		}); err != nil {
			return domain.Result{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Result{}, err
	}
	if res.Status == domain.ResultDisputed {
		return res, fmt.Errorf("escrow %s worker %s: %w", esc.ID, opts.WorkerID, ErrDisputed)
	}
	return res, nil
}

// StoreResults records the finalized result set reference on the escrow,
// the way the recording oracle publishes intermediate and final results.
func (e *Engine) StoreResults(ctx context.Context, escrowID, resultsURL, resultsHash, actorID string) (domain.Escrow, error) {
	if resultsURL == "" {
		return domain.Escrow{}, errors.New("results url is required")
	}
	unlock := e.locks.lock(escrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	esc, err := e.loadEscrow(ctx, tx, escrowID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if esc.State != domain.StatePending && esc.State != domain.StatePartial && esc.State != domain.StatePaid {
		return esc, fmt.Errorf("escrow %s in state %s cannot store results: %w", esc.ID, esc.State, ErrStateConflict)
	}
	esc.ResultsURL = &resultsURL
	if resultsHash != "" {
		esc.ResultsHash = &resultsHash
	}
	esc.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return esc, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.results_stored", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
		"results_url":  resultsURL,
		"results_hash": resultsHash,
	}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	return esc, nil
}

// Cancel aborts an escrow and refunds the remaining balance to the
// requester. Only launched or pending escrows can be cancelled, and never
// while a settlement is in flight. The refund is recorded in the payout
// ledger under a synthetic one-row plan before the escrow closes, so a
// repeated cancel after a crash or a stuck confirmation resumes the same
// transfer instead of paying the requester twice.
func (e *Engine) Cancel(ctx context.Context, escrowID, actorID string) (domain.Escrow, error) {
	if !e.locks.beginSettlement(escrowID) {
		return domain.Escrow{}, fmt.Errorf("escrow %s: %w", escrowID, ErrSettlementInProgress)
	}
	defer e.locks.endSettlement(escrowID)

	unlock := e.locks.lock(escrowID)
	esc, err := e.Repo.GetEscrow(ctx, escrowID)
	if errors.Is(err, repo.ErrNotFound) {
		unlock()
		return domain.Escrow{}, fmt.Errorf("escrow %s: %w", escrowID, ErrUnknownEscrow)
	}
	if err != nil {
		unlock()
		return domain.Escrow{}, err
	}
	if esc.State != domain.StateLaunched && esc.State != domain.StatePending {
		unlock()
		return esc, fmt.Errorf("escrow %s in state %s cannot be cancelled: %w", esc.ID, esc.State, ErrStateConflict)
	}
	if esc.Requester != actorID {
		unlock()
		return esc, fmt.Errorf("only requester %s may cancel escrow %s: %w", esc.Requester, esc.ID, ErrStateConflict)
	}
	refund := esc.Balance
	unlock()

	// Ledger I/O happens outside the lock; the settling marker and the
	// persisted refund reference keep funding and settlement away from
	// this escrow meanwhile.
	var txRef string
	if refund > 0 {
		txRef, err = e.executeRefund(ctx, esc, refund, actorID)
		if err != nil {
			return esc, err
		}
	}

	unlock = e.locks.lock(escrowID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return esc, err
	}
	defer tx.Rollback()
	esc, err = e.loadEscrow(ctx, tx, escrowID)
	if err != nil {
		return esc, err
	}
	now := e.nowStr()
	prev := esc.State
	esc.Balance -= refund
	if esc.Balance < 0 {
		esc.Balance = 0
	}
	esc.State = domain.StateCancelled
	esc.RefundTxRef = nil
	esc.UpdatedAt = now
	esc.ClosedAt = &now
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return esc, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.cancelled", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
		"from":   prev,
		"refund": refund,
		"tx_ref": txRef,
	}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	return esc, nil
}

// Complete closes a fully paid escrow after all transfers confirmed.
func (e *Engine) Complete(ctx context.Context, escrowID, actorID string) (domain.Escrow, error) {
	unlock := e.locks.lock(escrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	esc, err := e.loadEscrow(ctx, tx, escrowID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if esc.State != domain.StatePaid {
		return esc, fmt.Errorf("escrow %s in state %s cannot be completed: %w", esc.ID, esc.State, ErrStateConflict)
	}
	if _, err := e.Repo.ActivePlan(ctx, tx, esc.ID); err == nil {
		return esc, fmt.Errorf("escrow %s: %w", esc.ID, ErrSettlementInProgress)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return esc, err
	}
	now := e.nowStr()
	esc.State = domain.StateComplete
	esc.UpdatedAt = now
	esc.ClosedAt = &now
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return esc, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.completed", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	return esc, nil
}

// EscrowStatus is the full audit view of one escrow.
type EscrowStatus struct {
	Escrow    domain.Escrow        `json:"escrow"`
	Oracles   []domain.OracleWeight `json:"oracles"`
	Results   []domain.Result      `json:"results"`
	Plans     []domain.PayoutPlan  `json:"plans"`
	Transfers []domain.Transfer    `json:"transfers"`
	PaidTotal int64                `json:"paid_total"`
}

// Status returns the escrow together with its results, plans and payout
// ledger.
func (e *Engine) Status(ctx context.Context, escrowID string) (EscrowStatus, error) {
	esc, err := e.Repo.GetEscrow(ctx, escrowID)
	if errors.Is(err, repo.ErrNotFound) {
		return EscrowStatus{}, fmt.Errorf("escrow %s: %w", escrowID, ErrUnknownEscrow)
	}
	if err != nil {
		return EscrowStatus{}, err
	}
	oracles, err := e.Repo.ListOracles(ctx, escrowID)
	if err != nil {
		return EscrowStatus{}, err
	}
	results, err := e.Repo.ListResults(ctx, escrowID)
	if err != nil {
		return EscrowStatus{}, err
	}
	plans, err := e.Repo.ListPlans(ctx, escrowID)
	if err != nil {
		return EscrowStatus{}, err
	}
	transfers, err := e.Repo.ListTransfers(ctx, escrowID)
	if err != nil {
		return EscrowStatus{}, err
	}
	paid, err := e.Repo.SumTransfers(ctx, escrowID)
	if err != nil {
		return EscrowStatus{}, err
	}
	return EscrowStatus{
		Escrow:    esc,
		Oracles:   oracles,
		Results:   results,
		Plans:     plans,
		Transfers: transfers,
		PaidTotal: paid,
	}, nil
}

func listOracleWeights(ctx context.Context, tx *sql.Tx, escrowID string) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT oracle_id,weight FROM escrow_oracles WHERE escrow_id=?`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	weights := make(map[string]int64)
	for rows.Next() {
		var id string
		var w int64
		if err := rows.Scan(&id, &w); err != nil {
			return nil, err
		}
		weights[id] = w
	}
	return weights, rows.Err()
}
