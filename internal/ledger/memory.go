package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process ledger used for local development and tests.
// Transfers confirm instantly unless failure injection is armed.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      map[string]memTx
	seq      int64

	// FailSubmits makes the next N SubmitTransfer calls return
	// ErrUnavailable before any funds move.
	FailSubmits int
	// RejectSubmits makes the next N submitted transfers reach the ledger
	// but terminate as failed.
	RejectSubmits int
	// HoldSubmits makes the next N submitted transfers stay pending, with
	// no funds moving, until ReleaseHeld resolves them.
	HoldSubmits int
}

type memTx struct {
	from, to string
	amount   int64
	status   string
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		txs:      make(map[string]memTx),
	}
}

// Credit seeds an account balance.
func (m *Memory) Credit(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

func (m *Memory) SubmitTransfer(ctx context.Context, from, to string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmits > 0 {
		m.FailSubmits--
		return "", fmt.Errorf("submit transfer: %w", ErrUnavailable)
	}
	m.seq++
	ref := fmt.Sprintf("memtx-%06d", m.seq)
	if m.RejectSubmits > 0 {
		m.RejectSubmits--
		m.txs[ref] = memTx{from: from, to: to, amount: amount, status: StatusFailed}
		return ref, nil
	}
	if m.HoldSubmits > 0 {
		m.HoldSubmits--
		m.txs[ref] = memTx{from: from, to: to, amount: amount, status: StatusPending}
		return ref, nil
	}
	if amount <= 0 {
		m.txs[ref] = memTx{from: from, to: to, amount: amount, status: StatusFailed}
		return ref, nil
	}
	if m.balances[from] < amount {
		m.txs[ref] = memTx{from: from, to: to, amount: amount, status: StatusFailed}
		return ref, nil
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	m.txs[ref] = memTx{from: from, to: to, amount: amount, status: StatusConfirmed}
	return ref, nil
}

func (m *Memory) GetTransactionStatus(ctx context.Context, txRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txRef]
	if !ok {
		return "", fmt.Errorf("unknown transaction %s", txRef)
	}
	return tx.status, nil
}

func (m *Memory) GetAccountBalance(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

// ReleaseHeld resolves every held transfer: funds move and the transfer
// confirms when the source balance covers it, otherwise it fails.
func (m *Memory) ReleaseHeld() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, tx := range m.txs {
		if tx.status != StatusPending {
			continue
		}
		if tx.amount <= 0 || m.balances[tx.from] < tx.amount {
			tx.status = StatusFailed
		} else {
			m.balances[tx.from] -= tx.amount
			m.balances[tx.to] += tx.amount
			tx.status = StatusConfirmed
		}
		m.txs[ref] = tx
	}
}

// Transfers returns the number of transfers that reached the given status.
// Primarily used in tests.
func (m *Memory) Transfers(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range m.txs {
		if tx.status == status {
			n++
		}
	}
	return n
}
