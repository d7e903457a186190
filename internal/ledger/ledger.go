// Package ledger is the chain-agnostic port for moving escrowed funds.
// The engine talks ONLY to this interface, never to a chain client
// directly; confirmation is asynchronous and Confirmed is the only status
// that permits bookkeeping advancement.
package ledger

import (
	"context"
	"errors"
)

// Transaction statuses as observed on the ledger.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// ErrUnavailable signals that the adapter could not reach the ledger before
// the submission was accepted; the transfer did not happen.
var ErrUnavailable = errors.New("ledger unavailable")

// Client submits and observes transfers on the underlying ledger.
type Client interface {
	// SubmitTransfer broadcasts a transfer and returns its transaction
	// reference. A returned reference does not imply finality.
	SubmitTransfer(ctx context.Context, from, to string, amount int64) (string, error)

	// GetTransactionStatus reports the current status of a submitted
	// transfer: pending, confirmed or failed.
	GetTransactionStatus(ctx context.Context, txRef string) (string, error)

	// GetAccountBalance returns the spendable balance of an account.
	GetAccountBalance(ctx context.Context, account string) (int64, error)
}
