package domain

// Escrow states. Transitions are enforced by the engine; the zero value is
// never persisted.
const (
	StateLaunched  = "launched"
	StatePending   = "pending"
	StatePartial   = "partial"
	StatePaid      = "paid"
	StateComplete  = "complete"
	StateCancelled = "cancelled"
)

// Escrow is one job's fund pool and its settlement bookkeeping.
type Escrow struct {
	ID             string  `json:"id"`
	Requester      string  `json:"requester"`
	RequesterAcct  string  `json:"requester_account"`
	EscrowAcct     string  `json:"escrow_account"`
	State          string  `json:"state" enum:"launched,pending,partial,paid,complete,cancelled"`
	Balance        int64   `json:"balance"`
	MinFunding     int64   `json:"min_funding"`
	ManifestURL    string  `json:"manifest_url,omitempty"`
	ManifestHash   string  `json:"manifest_hash,omitempty"`
	ExpectedTasks  int64   `json:"expected_tasks"`
	TaskReward     int64   `json:"task_reward"`
	FeeBps         int64   `json:"fee_bps"`
	FeeAccount     string  `json:"fee_account,omitempty"`
	QuorumWeight   int64   `json:"quorum_weight"`
	FundsExhausted bool    `json:"funds_exhausted,omitempty"`
	ResultsURL     *string `json:"results_url,omitempty"`
	ResultsHash    *string `json:"results_hash,omitempty"`
	ExpiresAt      *string `json:"expires_at,omitempty" format:"date-time"`
	RefundTxRef    *string `json:"refund_tx_ref,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	ClosedAt       *string `json:"closed_at,omitempty" format:"date-time"`
}

// OracleWeight is one entry of the trusted-oracle set, immutable after
// escrow creation.
type OracleWeight struct {
	EscrowID string `json:"escrow_id"`
	OracleID string `json:"oracle_id"`
	Account  string `json:"account"`
	Weight   int64  `json:"weight"`
}

// Submission is one oracle's attestation for one worker's result. The
// submission log is append-only; quorum status is derived by replaying it.
type Submission struct {
	ID          string `json:"id"`
	EscrowID    string `json:"escrow_id"`
	WorkerID    string `json:"worker_id"`
	OracleID    string `json:"oracle_id"`
	PayloadHash string `json:"payload_hash"`
	PayloadJSON string `json:"payload_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Result statuses.
const (
	ResultPending   = "pending"
	ResultValidated = "validated"
	ResultDisputed  = "disputed"
	ResultPaid      = "paid"
)

// Result is a worker's quorum-evaluated outcome. ValidatedSeq orders
// payouts first-validated-first-paid.
type Result struct {
	EscrowID     string  `json:"escrow_id"`
	WorkerID     string  `json:"worker_id"`
	Account      string  `json:"account"`
	Status       string  `json:"status" enum:"pending,validated,disputed,paid"`
	PayloadHash  string  `json:"payload_hash,omitempty"`
	ValidatedSeq *int64  `json:"validated_seq,omitempty"`
	ValidatedAt  *string `json:"validated_at,omitempty" format:"date-time"`
}

// Payout plan and entry statuses.
const (
	PlanPending = "pending"
	PlanRunning = "running"
	PlanSettled = "settled"
	PlanStuck   = "stuck"

	EntryPending = "pending"
	EntrySettled = "settled"
	EntryStuck   = "stuck"
)

// Entry kinds.
const (
	EntryKindWorker = "worker"
	EntryKindFee    = "fee"
)

// PayoutPlan is a deterministic transfer list derived from a
// validated-result snapshot. Identical snapshots produce identical plans.
type PayoutPlan struct {
	ID        string        `json:"id"`
	EscrowID  string        `json:"escrow_id"`
	Checksum  string        `json:"checksum"`
	Status    string        `json:"status" enum:"pending,running,settled,stuck"`
	Total     int64         `json:"total"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	Entries   []PayoutEntry `json:"entries,omitempty"`
}

// PayoutEntry is one transfer within a plan.
type PayoutEntry struct {
	PlanID    string  `json:"plan_id"`
	Seq       int64   `json:"seq"`
	Kind      string  `json:"kind" enum:"worker,fee"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Recipient string  `json:"recipient"`
	Amount    int64   `json:"amount"`
	Status    string  `json:"status" enum:"pending,settled,stuck"`
	Attempts  int     `json:"attempts"`
	TxRef     *string `json:"tx_ref,omitempty"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Transfer is one confirmed payout ledger row. The (plan, seq)
// uniqueness is what makes settlement at-most-once.
type Transfer struct {
	ID          int64  `json:"id"`
	EscrowID    string `json:"escrow_id"`
	PlanID      string `json:"plan_id"`
	Seq         int64  `json:"seq"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	TxRef       string `json:"tx_ref"`
	ConfirmedAt string `json:"confirmed_at" format:"date-time"`
}

// Event is one audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EscrowID   string `json:"escrow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates service callers on the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return state == StateComplete || state == StateCancelled
}
