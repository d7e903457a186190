package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/domain"
)

// feeFor returns the platform fee carved out of one task reward, floored.
func feeFor(reward, feeBps int64) int64 {
	return reward * feeBps / 10000
}

// buildPlan derives the payout plan for a snapshot of validated, unpaid
// results. The plan is a pure function of the snapshot and the escrow's
// frozen policy: same inputs, same entries, same checksum, same plan id.
//
// Results are funded whole-task in validated_seq order. Each funded task
// consumes the full task reward from the remaining balance; the worker
// receives reward minus fee, and a fee entry per funded task goes to the
// platform account. Tasks the balance cannot cover are deferred and the
// escrow is flagged funds_exhausted.
func buildPlan(esc domain.Escrow, snapshot []domain.Result, now string) (domain.PayoutPlan, int, error) {
	if len(snapshot) == 0 {
		return domain.PayoutPlan{}, 0, fmt.Errorf("escrow %s has no validated results to settle: %w", esc.ID, ErrStateConflict)
	}

	fee := feeFor(esc.TaskReward, esc.FeeBps)
	workerAmount := esc.TaskReward - fee

	var entries []domain.PayoutEntry
	var funded, deferred int
	remaining := esc.Balance
	var seq, total int64
	for _, res := range snapshot {
		if remaining < esc.TaskReward {
			deferred++
			continue
		}
		remaining -= esc.TaskReward
		funded++
		if workerAmount > 0 {
			entries = append(entries, domain.PayoutEntry{
				Seq:       seq,
				Kind:      domain.EntryKindWorker,
				WorkerID:  res.WorkerID,
				Recipient: res.Account,
				Amount:    workerAmount,
				Status:    domain.EntryPending,
				UpdatedAt: now,
			})
			seq++
			total += workerAmount
		}
		if fee > 0 {
			entries = append(entries, domain.PayoutEntry{
				Seq:       seq,
				Kind:      domain.EntryKindFee,
				WorkerID:  res.WorkerID,
				Recipient: esc.FeeAccount,
				Amount:    fee,
				Status:    domain.EntryPending,
				UpdatedAt: now,
			})
			seq++
			total += fee
		}
	}
	if funded == 0 {
		return domain.PayoutPlan{}, 0, fmt.Errorf("escrow %s balance %d cannot cover one task reward %d: %w",
			esc.ID, esc.Balance, esc.TaskReward, ErrInsufficientFunds)
	}

	checksum := planChecksum(entries)
	plan := domain.PayoutPlan{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(esc.ID+"|"+checksum)).String(),
		EscrowID:  esc.ID,
		Checksum:  checksum,
		Status:    domain.PlanPending,
		Total:     total,
		CreatedAt: now,
	}
	for i := range entries {
		entries[i].PlanID = plan.ID
	}
	plan.Entries = entries
	return plan, deferred, nil
}

// planChecksum hashes the canonical entry listing. Entry order is part of
// the identity: a reordered plan is a different plan.
func planChecksum(entries []domain.PayoutEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%d|%s|%s|%s|%d\n", e.Seq, e.Kind, e.WorkerID, e.Recipient, e.Amount)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
