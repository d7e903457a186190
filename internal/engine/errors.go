package engine

import "errors"

// Core error kinds. Validation failures are returned synchronously with no
// state mutation; ledger failures only surface after the retry budget is
// spent and always leave the escrow in a resumable state.
var (
	ErrUnknownEscrow        = errors.New("unknown escrow")
	ErrStateConflict        = errors.New("state conflict")
	ErrUnauthorizedOracle   = errors.New("unauthorized oracle")
	ErrDisputed             = errors.New("result disputed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrFundsExhausted       = errors.New("funds exhausted")
	ErrSettlementInProgress = errors.New("settlement in progress")
	ErrStuck                = errors.New("payout entry stuck")
	ErrLedgerUnavailable    = errors.New("ledger unavailable")
)
