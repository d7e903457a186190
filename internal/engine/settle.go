package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

// Settle drives an escrow's payout plan against the ledger. The call is
// exclusive per escrow; a concurrent settle or cancel gets
// ErrSettlementInProgress. An existing pending or running plan is resumed
// entry by entry, so a crashed settlement picks up where it stopped and
// the payout ledger guarantees no entry pays twice.
func (e *Engine) Settle(ctx context.Context, escrowID, actorID string) (domain.PayoutPlan, error) {
	if !e.locks.beginSettlement(escrowID) {
		return domain.PayoutPlan{}, fmt.Errorf("escrow %s: %w", escrowID, ErrSettlementInProgress)
	}
	defer e.locks.endSettlement(escrowID)

	plan, err := e.preparePlan(ctx, escrowID, actorID)
	if err != nil {
		return plan, err
	}

	// Ledger traffic runs outside the escrow lock. The settling marker
	// keeps cancel and rival settles out; reads and result submissions
	// proceed freely meanwhile.
	for i := range plan.Entries {
		if plan.Entries[i].Status == domain.EntrySettled {
			continue
		}
		if err := e.settleEntry(ctx, &plan, i, actorID); err != nil {
			return plan, err
		}
	}

	return e.finishPlan(ctx, plan, actorID)
}

// preparePlan resumes the active plan or derives a fresh one from the
// current validated-result snapshot, all inside the escrow lock.
func (e *Engine) preparePlan(ctx context.Context, escrowID, actorID string) (domain.PayoutPlan, error) {
	unlock := e.locks.lock(escrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayoutPlan{}, err
	}
	defer tx.Rollback()

	esc, err := e.loadEscrow(ctx, tx, escrowID)
	if err != nil {
		return domain.PayoutPlan{}, err
	}
	if esc.State != domain.StatePending && esc.State != domain.StatePartial {
		return domain.PayoutPlan{}, fmt.Errorf("escrow %s in state %s cannot settle: %w", esc.ID, esc.State, ErrStateConflict)
	}
	if esc.RefundTxRef != nil {
		return domain.PayoutPlan{}, fmt.Errorf("escrow %s has an unresolved cancel refund: %w", esc.ID, ErrSettlementInProgress)
	}

	plan, err := e.Repo.ActivePlan(ctx, tx, esc.ID)
	if err == nil {
		if plan.Status != domain.PlanRunning {
			if uerr := e.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.PlanRunning); uerr != nil {
				return plan, uerr
			}
			plan.Status = domain.PlanRunning
		}
		if cerr := tx.Commit(); cerr != nil {
			return plan, cerr
		}
		entries, lerr := e.Repo.ListPlanEntries(ctx, plan.ID)
		if lerr != nil {
			return plan, lerr
		}
		plan.Entries = entries
		return plan, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PayoutPlan{}, err
	}

	snapshot, err := e.Repo.ListValidatedUnpaid(ctx, tx, esc.ID)
	if err != nil {
		return domain.PayoutPlan{}, err
	}
	plan, deferred, err := buildPlan(esc, snapshot, e.nowStr())
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) && !esc.FundsExhausted {
			esc.FundsExhausted = true
			esc.UpdatedAt = e.nowStr()
			if uerr := e.Repo.UpdateEscrow(ctx, tx, esc); uerr != nil {
				return domain.PayoutPlan{}, uerr
			}
			if aerr := e.Events.Append(ctx, tx, "escrow.funds_exhausted", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
				"deferred": len(snapshot),
				"balance":  esc.Balance,
			}); aerr != nil {
				return domain.PayoutPlan{}, aerr
			}
			if cerr := tx.Commit(); cerr != nil {
				return domain.PayoutPlan{}, cerr
			}
		}
		return domain.PayoutPlan{}, err
	}
	plan.Status = domain.PlanRunning
	if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
		return plan, fmt.Errorf("insert plan: %w", err)
	}
	if deferred > 0 && !esc.FundsExhausted {
		esc.FundsExhausted = true
		esc.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
			return plan, err
		}
		if err := e.Events.Append(ctx, tx, "escrow.funds_exhausted", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
			"deferred": deferred,
			"balance":  esc.Balance,
		}); err != nil {
			return plan, err
		}
	}
	if err := e.Events.Append(ctx, tx, "plan.created", esc.ID, "plan", plan.ID, actorID, events.EventPayload{
		"checksum": plan.Checksum,
		"total":    plan.Total,
		"entries":  len(plan.Entries),
	}); err != nil {
		return plan, err
	}
	return plan, tx.Commit()
}

// settleEntry pays one plan entry end to end: submit, confirm, record.
// Submission failures retry with exponential backoff up to the configured
// attempt cap; exhaustion or an unknowable confirmation outcome marks the
// entry and plan stuck.
func (e *Engine) settleEntry(ctx context.Context, plan *domain.PayoutPlan, i int, actorID string) error {
	entry := &plan.Entries[i]
	if entry.Status == domain.EntryStuck {
		// Resuming a stuck plan grants the entry a fresh attempt budget.
		entry.Status = domain.EntryPending
		entry.Attempts = 0
	}

	// Crash recovery: the ledger row may exist without the entry row
	// having been marked settled.
	already, err := e.transferExists(ctx, plan.ID, entry.Seq)
	if err != nil {
		return err
	}
	if already {
		entry.Status = domain.EntrySettled
		return e.updateEntry(ctx, *entry)
	}

	esc, err := e.Repo.GetEscrow(ctx, plan.EscrowID)
	if err != nil {
		return err
	}

	maxAttempts := e.Config.Settlement.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for entry.Attempts < maxAttempts {
		entry.Attempts++
		txRef, err := e.Ledger.SubmitTransfer(ctx, esc.EscrowAcct, entry.Recipient, entry.Amount)
		if err != nil {
			entry.UpdatedAt = e.nowStr()
			if uerr := e.updateEntry(ctx, *entry); uerr != nil {
				return uerr
			}
			if entry.Attempts >= maxAttempts {
				return e.markStuck(ctx, plan, entry, actorID, err)
			}
			if serr := e.sleep(ctx, e.backoff(entry.Attempts)); serr != nil {
				return serr
			}
			continue
		}
		entry.TxRef = &txRef
		entry.UpdatedAt = e.nowStr()
		if uerr := e.updateEntry(ctx, *entry); uerr != nil {
			return uerr
		}

		status, err := e.awaitConfirmation(ctx, txRef)
		if err != nil {
			return e.markStuck(ctx, plan, entry, actorID, err)
		}
		if status == ledger.StatusFailed {
			// The ledger rejected the transfer; resubmitting is safe.
			if entry.Attempts >= maxAttempts {
				return e.markStuck(ctx, plan, entry, actorID, errors.New("transfer rejected by ledger"))
			}
			if serr := e.sleep(ctx, e.backoff(entry.Attempts)); serr != nil {
				return serr
			}
			continue
		}
		return e.recordSettled(ctx, plan, entry, txRef, actorID)
	}
	return e.markStuck(ctx, plan, entry, actorID, errors.New("attempts exhausted"))
}

// awaitConfirmation polls the ledger until the transfer confirms or fails.
// A poll window that elapses without a terminal status is an unknowable
// outcome: the transfer may still land, so resubmission is not safe and
// the caller must mark the entry stuck.
func (e *Engine) awaitConfirmation(ctx context.Context, txRef string) (string, error) {
	poll := time.Duration(e.Config.Settlement.ConfirmPollMS) * time.Millisecond
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := e.now().Add(time.Duration(e.Config.Settlement.ConfirmTimeoutS) * time.Second)
	for {
		status, err := e.Ledger.GetTransactionStatus(ctx, txRef)
		if err == nil && (status == ledger.StatusConfirmed || status == ledger.StatusFailed) {
			return status, nil
		}
		if e.Config.Settlement.ConfirmTimeoutS > 0 && e.now().After(deadline) {
			return "", fmt.Errorf("transfer %s unconfirmed after %ds: %w", txRef, e.Config.Settlement.ConfirmTimeoutS, ErrStuck)
		}
		if serr := e.sleep(ctx, poll); serr != nil {
			return "", serr
		}
	}
}

// recordSettled commits the confirmed transfer: ledger row, balance
// decrement and entry status move together in one transaction.
func (e *Engine) recordSettled(ctx context.Context, plan *domain.PayoutPlan, entry *domain.PayoutEntry, txRef, actorID string) error {
	unlock := e.locks.lock(plan.EscrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	inserted, err := e.Repo.AppendTransfer(ctx, tx, domain.Transfer{
		EscrowID:    plan.EscrowID,
		PlanID:      plan.ID,
		Seq:         entry.Seq,
		Recipient:   entry.Recipient,
		Amount:      entry.Amount,
		TxRef:       txRef,
		ConfirmedAt: now,
	})
	if err != nil {
		return err
	}
	entry.Status = domain.EntrySettled
	entry.UpdatedAt = now
	if err := e.Repo.UpdatePlanEntry(ctx, tx, *entry); err != nil {
		return err
	}
	if inserted {
		esc, err := e.loadEscrow(ctx, tx, plan.EscrowID)
		if err != nil {
			return err
		}
		esc.Balance -= entry.Amount
		esc.UpdatedAt = now
		if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "payout.settled", plan.EscrowID, "payout", txRef, actorID, events.EventPayload{
			"plan_id":   plan.ID,
			"seq":       entry.Seq,
			"kind":      entry.Kind,
			"recipient": entry.Recipient,
			"amount":    entry.Amount,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// finishPlan runs after every entry settled: results flip to paid, the
// plan closes and the escrow moves to partial or paid.
func (e *Engine) finishPlan(ctx context.Context, plan domain.PayoutPlan, actorID string) (domain.PayoutPlan, error) {
	unlock := e.locks.lock(plan.EscrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return plan, err
	}
	defer tx.Rollback()

	esc, err := e.loadEscrow(ctx, tx, plan.EscrowID)
	if err != nil {
		return plan, err
	}

	workers := make(map[string]bool)
	for _, entry := range plan.Entries {
		if entry.WorkerID != "" {
			workers[entry.WorkerID] = true
		}
	}
	ids := make([]string, 0, len(workers))
	for id := range workers {
		ids = append(ids, id)
	}
	if err := e.Repo.MarkResultsPaid(ctx, tx, esc.ID, ids); err != nil {
		return plan, err
	}
	if err := e.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.PlanSettled); err != nil {
		return plan, err
	}
	plan.Status = domain.PlanSettled

	paidCount, err := e.Repo.CountResults(ctx, tx, esc.ID, domain.ResultPaid)
	if err != nil {
		return plan, err
	}
	prev := esc.State
	if paidCount >= esc.ExpectedTasks {
		esc.State = domain.StatePaid
	} else {
		esc.State = domain.StatePartial
	}
	esc.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return plan, err
	}
	evtType := "escrow.partial"
	if esc.State == domain.StatePaid {
		evtType = "escrow.paid"
	}
	if err := e.Events.Append(ctx, tx, evtType, esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
		"from":       prev,
		"plan_id":    plan.ID,
		"paid_tasks": paidCount,
	}); err != nil {
		return plan, err
	}
	return plan, tx.Commit()
}

func (e *Engine) markStuck(ctx context.Context, plan *domain.PayoutPlan, entry *domain.PayoutEntry, actorID string, cause error) error {
	unlock := e.locks.lock(plan.EscrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry.Status = domain.EntryStuck
	entry.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdatePlanEntry(ctx, tx, *entry); err != nil {
		return err
	}
	if err := e.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.PlanStuck); err != nil {
		return err
	}
	plan.Status = domain.PlanStuck
	if err := e.Events.Append(ctx, tx, "payout.stuck", plan.EscrowID, "payout", plan.ID, actorID, events.EventPayload{
		"seq":       entry.Seq,
		"recipient": entry.Recipient,
		"attempts":  entry.Attempts,
		"cause":     cause.Error(),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if errors.Is(cause, ledger.ErrUnavailable) {
		return fmt.Errorf("plan %s entry %d: %s: %w", plan.ID, entry.Seq, cause, ErrLedgerUnavailable)
	}
	return fmt.Errorf("plan %s entry %d: %s: %w", plan.ID, entry.Seq, cause, ErrStuck)
}

func (e *Engine) transferExists(ctx context.Context, planID string, seq int64) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	_, err = e.Repo.GetTransfer(ctx, tx, planID, seq)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) updateEntry(ctx context.Context, entry domain.PayoutEntry) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlanEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// backoff grows the retry delay exponentially from the configured base,
// capped at the configured maximum.
func (e *Engine) backoff(attempt int) time.Duration {
	base := time.Duration(e.Config.Settlement.BackoffBaseMS) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := time.Duration(e.Config.Settlement.BackoffMaxMS) * time.Millisecond
	if max <= 0 {
		max = 5 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refundPlanID names the synthetic one-row plan a cancel refund is
// recorded under in the payout ledger.
func refundPlanID(escrowID string) string {
	return "cancel-" + escrowID
}

// executeRefund pays the cancel refund with the same at-most-once
// discipline as a plan entry. A recorded ledger row short-circuits; an
// in-flight transfer persisted by an earlier stuck cancel is polled, not
// resubmitted; only a fresh or ledger-rejected refund submits a new
// transfer. An unknowable confirmation outcome leaves the reference on
// the escrow and surfaces ErrStuck so a later cancel resumes it.
func (e *Engine) executeRefund(ctx context.Context, esc domain.Escrow, refund int64, actorID string) (string, error) {
	planID := refundPlanID(esc.ID)
	prior, err := e.refundTransfer(ctx, planID)
	if err == nil {
		return prior.TxRef, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}

	maxAttempts := e.Config.Settlement.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	pending := esc.RefundTxRef
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var txRef string
		if pending != nil {
			txRef = *pending
			pending = nil
		} else {
			ref, err := e.Ledger.SubmitTransfer(ctx, esc.EscrowAcct, esc.RequesterAcct, refund)
			if err != nil {
				lastErr = err
				if attempt < maxAttempts {
					if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
						return "", serr
					}
				}
				continue
			}
			txRef = ref
			if err := e.setRefundRef(ctx, esc.ID, &txRef, "escrow.refund_submitted", actorID); err != nil {
				return "", err
			}
		}
		status, err := e.awaitConfirmation(ctx, txRef)
		if err != nil {
			if errors.Is(err, ErrStuck) {
				e.noteRefundStuck(ctx, esc.ID, txRef, actorID)
			}
			return "", fmt.Errorf("refund escrow %s: %w", esc.ID, err)
		}
		if status == ledger.StatusConfirmed {
			if err := e.recordRefund(ctx, esc, planID, txRef, refund, actorID); err != nil {
				return "", err
			}
			return txRef, nil
		}
		// The ledger rejected the transfer, so it can never land and a
		// fresh submission is safe.
		lastErr = fmt.Errorf("refund transfer %s rejected by ledger", txRef)
		if err := e.setRefundRef(ctx, esc.ID, nil, "escrow.refund_rejected", actorID); err != nil {
			return "", err
		}
		if attempt < maxAttempts {
			if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
				return "", serr
			}
		}
	}
	if errors.Is(lastErr, ledger.ErrUnavailable) {
		return "", fmt.Errorf("refund escrow %s: %s: %w", esc.ID, lastErr, ErrLedgerUnavailable)
	}
	return "", fmt.Errorf("refund escrow %s: %s: %w", esc.ID, lastErr, ErrStuck)
}

func (e *Engine) refundTransfer(ctx context.Context, planID string) (domain.Transfer, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transfer{}, err
	}
	defer tx.Rollback()
	return e.Repo.GetTransfer(ctx, tx, planID, 0)
}

// setRefundRef persists the in-flight refund reference on the escrow. A
// non-nil reference blocks funding and settlement until the transfer
// resolves.
func (e *Engine) setRefundRef(ctx context.Context, escrowID string, ref *string, evtType, actorID string) error {
	unlock := e.locks.lock(escrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	esc, err := e.loadEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	payload := events.EventPayload{}
	if ref != nil {
		payload["tx_ref"] = *ref
	} else if esc.RefundTxRef != nil {
		payload["tx_ref"] = *esc.RefundTxRef
	}
	esc.RefundTxRef = ref
	esc.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, esc.ID, "escrow", esc.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// noteRefundStuck is best-effort audit; the refund reference itself is
// already persisted.
func (e *Engine) noteRefundStuck(ctx context.Context, escrowID, txRef, actorID string) {
	unlock := e.locks.lock(escrowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "escrow.refund_stuck", escrowID, "escrow", escrowID, actorID, events.EventPayload{
		"tx_ref": txRef,
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

// recordRefund writes the confirmed refund into the payout ledger before
// any state moves. The unique (plan_id, seq) row is what makes a repeated
// cancel a no-op instead of a double refund.
func (e *Engine) recordRefund(ctx context.Context, esc domain.Escrow, planID, txRef string, refund int64, actorID string) error {
	unlock := e.locks.lock(esc.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.AppendTransfer(ctx, tx, domain.Transfer{
		EscrowID:    esc.ID,
		PlanID:      planID,
		Seq:         0,
		Recipient:   esc.RequesterAcct,
		Amount:      refund,
		TxRef:       txRef,
		ConfirmedAt: e.nowStr(),
	})
	if err != nil {
		return err
	}
	if inserted {
		if err := e.Events.Append(ctx, tx, "escrow.refunded", esc.ID, "escrow", esc.ID, actorID, events.EventPayload{
			"amount": refund,
			"tx_ref": txRef,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}
