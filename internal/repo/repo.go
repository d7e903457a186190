package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const escrowColumns = `id,requester,requester_account,escrow_account,state,balance,min_funding,
COALESCE(manifest_url,'') AS manifest_url,COALESCE(manifest_hash,'') AS manifest_hash,
expected_tasks,task_reward,fee_bps,COALESCE(fee_account,'') AS fee_account,quorum_weight,
funds_exhausted,results_url,results_hash,expires_at,refund_tx_ref,created_at,updated_at,closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (domain.Escrow, error) {
	var e domain.Escrow
	var exhausted int
	err := row.Scan(&e.ID, &e.Requester, &e.RequesterAcct, &e.EscrowAcct, &e.State, &e.Balance, &e.MinFunding,
		&e.ManifestURL, &e.ManifestHash, &e.ExpectedTasks, &e.TaskReward, &e.FeeBps, &e.FeeAccount, &e.QuorumWeight,
		&exhausted, &e.ResultsURL, &e.ResultsHash, &e.ExpiresAt, &e.RefundTxRef, &e.CreatedAt, &e.UpdatedAt, &e.ClosedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.FundsExhausted = exhausted != 0
	return e, err
}

func (r Repo) InsertEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrows(id,requester,requester_account,escrow_account,state,balance,min_funding,
manifest_url,manifest_hash,expected_tasks,task_reward,fee_bps,fee_account,quorum_weight,funds_exhausted,
results_url,results_hash,expires_at,refund_tx_ref,created_at,updated_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Requester, e.RequesterAcct, e.EscrowAcct, e.State, e.Balance, e.MinFunding,
		nullable(e.ManifestURL), nullable(e.ManifestHash), e.ExpectedTasks, e.TaskReward, e.FeeBps,
		nullable(e.FeeAccount), e.QuorumWeight, boolInt(e.FundsExhausted),
		e.ResultsURL, e.ResultsHash, e.ExpiresAt, e.RefundTxRef, e.CreatedAt, e.UpdatedAt, e.ClosedAt)
	return err
}

func (r Repo) GetEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id))
}

func (r Repo) GetEscrowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id))
}

func (r Repo) UpdateEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	res, err := tx.ExecContext(ctx, `UPDATE escrows SET state=?,balance=?,funds_exhausted=?,results_url=?,results_hash=?,refund_tx_ref=?,updated_at=?,closed_at=? WHERE id=?`,
		e.State, e.Balance, boolInt(e.FundsExhausted), e.ResultsURL, e.ResultsHash, e.RefundTxRef, e.UpdatedAt, e.ClosedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EscrowFilters narrows escrow listings.
type EscrowFilters struct {
	State     string
	Requester string
	Limit     int
}

func (r Repo) ListEscrows(ctx context.Context, f EscrowFilters) ([]domain.Escrow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Requester != "" {
		clauses = append(clauses, "requester=?")
		args = append(args, f.Requester)
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertOracles(ctx context.Context, tx *sql.Tx, escrowID string, oracles []domain.OracleWeight) error {
	for _, o := range oracles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO escrow_oracles(escrow_id,oracle_id,account,weight) VALUES (?,?,?,?)`,
			escrowID, o.OracleID, o.Account, o.Weight); err != nil {
			return fmt.Errorf("insert oracle %s: %w", o.OracleID, err)
		}
	}
	return nil
}

func (r Repo) ListOracles(ctx context.Context, escrowID string) ([]domain.OracleWeight, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT escrow_id,oracle_id,account,weight FROM escrow_oracles WHERE escrow_id=? ORDER BY oracle_id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OracleWeight
	for rows.Next() {
		var o domain.OracleWeight
		if err := rows.Scan(&o.EscrowID, &o.OracleID, &o.Account, &o.Weight); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertSubmission appends to the submission log. Returns false without
// error when this oracle already voted for this worker (idempotent repeat).
func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,escrow_id,worker_id,oracle_id,payload_hash,payload_json,signature,created_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(escrow_id,worker_id,oracle_id) DO NOTHING`,
		s.ID, s.EscrowID, s.WorkerID, s.OracleID, s.PayloadHash, nullable(s.PayloadJSON), nullable(s.Signature), s.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListSubmissionsForWorker(ctx context.Context, tx *sql.Tx, escrowID, workerID string) ([]domain.Submission, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,escrow_id,worker_id,oracle_id,payload_hash,COALESCE(payload_json,''),COALESCE(signature,''),created_at
FROM submissions WHERE escrow_id=? AND worker_id=? ORDER BY created_at, id`, escrowID, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.ID, &s.EscrowID, &s.WorkerID, &s.OracleID, &s.PayloadHash, &s.PayloadJSON, &s.Signature, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanResult(row rowScanner) (domain.Result, error) {
	var res domain.Result
	var hash sql.NullString
	err := row.Scan(&res.EscrowID, &res.WorkerID, &res.Account, &res.Status, &hash, &res.ValidatedSeq, &res.ValidatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if hash.Valid {
		res.PayloadHash = hash.String
	}
	return res, err
}

func (r Repo) GetResult(ctx context.Context, tx *sql.Tx, escrowID, workerID string) (domain.Result, error) {
	return scanResult(tx.QueryRowContext(ctx, `SELECT escrow_id,worker_id,account,status,payload_hash,validated_seq,validated_at
FROM results WHERE escrow_id=? AND worker_id=?`, escrowID, workerID))
}

func (r Repo) UpsertResult(ctx context.Context, tx *sql.Tx, res domain.Result) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO results(escrow_id,worker_id,account,status,payload_hash,validated_seq,validated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(escrow_id,worker_id) DO UPDATE SET account=excluded.account,status=excluded.status,
payload_hash=excluded.payload_hash,validated_seq=excluded.validated_seq,validated_at=excluded.validated_at`,
		res.EscrowID, res.WorkerID, res.Account, res.Status, nullable(res.PayloadHash), res.ValidatedSeq, res.ValidatedAt)
	return err
}

func (r Repo) MarkResultsPaid(ctx context.Context, tx *sql.Tx, escrowID string, workerIDs []string) error {
	for _, w := range workerIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE results SET status=? WHERE escrow_id=? AND worker_id=?`,
			domain.ResultPaid, escrowID, w); err != nil {
			return err
		}
	}
	return nil
}

// NextValidatedSeq returns the next payout-ordering sequence for an escrow.
func (r Repo) NextValidatedSeq(ctx context.Context, tx *sql.Tx, escrowID string) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(validated_seq) FROM results WHERE escrow_id=?`, escrowID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// ListResults returns all results for an escrow, validated ones first in
// validation order.
func (r Repo) ListResults(ctx context.Context, escrowID string) ([]domain.Result, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT escrow_id,worker_id,account,status,payload_hash,validated_seq,validated_at
FROM results WHERE escrow_id=? ORDER BY validated_seq IS NULL, validated_seq, worker_id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// ListValidatedUnpaid returns validated-but-unpaid results in validation
// order. This is the snapshot payout plans are computed from.
func (r Repo) ListValidatedUnpaid(ctx context.Context, tx *sql.Tx, escrowID string) ([]domain.Result, error) {
	rows, err := tx.QueryContext(ctx, `SELECT escrow_id,worker_id,account,status,payload_hash,validated_seq,validated_at
FROM results WHERE escrow_id=? AND status=? ORDER BY validated_seq`, escrowID, domain.ResultValidated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) CountResults(ctx context.Context, tx *sql.Tx, escrowID string, statuses ...string) (int64, error) {
	query := `SELECT COUNT(*) FROM results WHERE escrow_id=?`
	args := []any{escrowID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	var n int64
	err := tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.PayoutPlan) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO payout_plans(id,escrow_id,checksum,status,total,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.EscrowID, p.Checksum, p.Status, p.Total, p.CreatedAt); err != nil {
		return err
	}
	for _, e := range p.Entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO payout_entries(plan_id,seq,kind,worker_id,recipient,amount,status,attempts,tx_ref,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			e.PlanID, e.Seq, e.Kind, nullable(e.WorkerID), e.Recipient, e.Amount, e.Status, e.Attempts, e.TxRef, e.UpdatedAt); err != nil {
			return fmt.Errorf("insert plan entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

func (r Repo) GetPlan(ctx context.Context, escrowID, planID string) (domain.PayoutPlan, error) {
	var p domain.PayoutPlan
	err := r.DB.QueryRowContext(ctx, `SELECT id,escrow_id,checksum,status,total,created_at FROM payout_plans WHERE id=? AND escrow_id=?`, planID, escrowID).
		Scan(&p.ID, &p.EscrowID, &p.Checksum, &p.Status, &p.Total, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	entries, err := r.ListPlanEntries(ctx, planID)
	if err != nil {
		return p, err
	}
	p.Entries = entries
	return p, nil
}

// ActivePlan returns the escrow's unfinished plan, if any. Stuck plans
// count as unfinished: settlement resumes them instead of deriving a new
// plan over the same results.
func (r Repo) ActivePlan(ctx context.Context, tx *sql.Tx, escrowID string) (domain.PayoutPlan, error) {
	var p domain.PayoutPlan
	err := tx.QueryRowContext(ctx, `SELECT id,escrow_id,checksum,status,total,created_at FROM payout_plans
WHERE escrow_id=? AND status IN (?,?,?) ORDER BY created_at DESC LIMIT 1`, escrowID, domain.PlanPending, domain.PlanRunning, domain.PlanStuck).
		Scan(&p.ID, &p.EscrowID, &p.Checksum, &p.Status, &p.Total, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPlans(ctx context.Context, escrowID string) ([]domain.PayoutPlan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,escrow_id,checksum,status,total,created_at FROM payout_plans WHERE escrow_id=? ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayoutPlan
	for rows.Next() {
		var p domain.PayoutPlan
		if err := rows.Scan(&p.ID, &p.EscrowID, &p.Checksum, &p.Status, &p.Total, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPlanEntries(ctx context.Context, planID string) ([]domain.PayoutEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT plan_id,seq,kind,COALESCE(worker_id,''),recipient,amount,status,attempts,tx_ref,updated_at
FROM payout_entries WHERE plan_id=? ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayoutEntry
	for rows.Next() {
		var e domain.PayoutEntry
		if err := rows.Scan(&e.PlanID, &e.Seq, &e.Kind, &e.WorkerID, &e.Recipient, &e.Amount, &e.Status, &e.Attempts, &e.TxRef, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePlanStatus(ctx context.Context, tx *sql.Tx, planID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE payout_plans SET status=? WHERE id=?`, status, planID)
	return err
}

func (r Repo) UpdatePlanEntry(ctx context.Context, tx *sql.Tx, e domain.PayoutEntry) error {
	_, err := tx.ExecContext(ctx, `UPDATE payout_entries SET status=?,attempts=?,tx_ref=?,updated_at=? WHERE plan_id=? AND seq=?`,
		e.Status, e.Attempts, e.TxRef, e.UpdatedAt, e.PlanID, e.Seq)
	return err
}

// AppendTransfer records a confirmed transfer in the payout ledger.
// Returns false when a transfer for (plan, seq) already exists, which
// makes re-execution after crash or retry a no-op.
func (r Repo) AppendTransfer(ctx context.Context, tx *sql.Tx, t domain.Transfer) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO payout_ledger(escrow_id,plan_id,seq,recipient,amount,tx_ref,confirmed_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(plan_id,seq) DO NOTHING`,
		t.EscrowID, t.PlanID, t.Seq, t.Recipient, t.Amount, t.TxRef, t.ConfirmedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetTransfer(ctx context.Context, tx *sql.Tx, planID string, seq int64) (domain.Transfer, error) {
	var t domain.Transfer
	err := tx.QueryRowContext(ctx, `SELECT id,escrow_id,plan_id,seq,recipient,amount,tx_ref,confirmed_at FROM payout_ledger WHERE plan_id=? AND seq=?`,
		planID, seq).Scan(&t.ID, &t.EscrowID, &t.PlanID, &t.Seq, &t.Recipient, &t.Amount, &t.TxRef, &t.ConfirmedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTransfers(ctx context.Context, escrowID string) ([]domain.Transfer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,escrow_id,plan_id,seq,recipient,amount,tx_ref,confirmed_at FROM payout_ledger WHERE escrow_id=? ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		if err := rows.Scan(&t.ID, &t.EscrowID, &t.PlanID, &t.Seq, &t.Recipient, &t.Amount, &t.TxRef, &t.ConfirmedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SumTransfers returns the total amount confirmed out of an escrow.
func (r Repo) SumTransfers(ctx context.Context, escrowID string) (int64, error) {
	var sum sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(amount) FROM payout_ledger WHERE escrow_id=?`, escrowID).Scan(&sum)
	return sum.Int64, err
}

// EventFilters narrows event listings.
type EventFilters struct {
	EscrowID string
	Type     string
	Limit    int
	AfterID  int64
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EscrowID != "" {
		clauses = append(clauses, "escrow_id=?")
		args = append(args, f.EscrowID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,ts,type,COALESCE(escrow_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EscrowID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
