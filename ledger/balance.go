package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// BALANCE ACCUMULATOR - Signed balance delta for a payment transition
// =============================================================================

// Delta returns the amount to add to household.Balance when a payment moves
// from (oldStatus, oldAmount) to (newStatus, newAmount).
//
//	outstanding -> outstanding:  newAmount - oldAmount
//	outstanding -> collected:   -oldAmount  (pre-edit amount)
//	collected   -> outstanding: +newAmount
//	collected   -> collected:    0
//
// Amount edits only move the balance while the payment stays outstanding.
func Delta(oldStatus Status, oldAmount Money, newStatus Status, newAmount Money) Money {
	switch {
	case oldStatus.Outstanding() && newStatus.Outstanding():
		return newAmount.Sub(oldAmount)
	case oldStatus.Outstanding():
		return oldAmount.Neg()
	case newStatus.Outstanding():
		return newAmount
	default:
		return decimal.Zero
	}
}

// CreateDelta is Delta from a non-existent payment.
func CreateDelta(status Status, amount Money) Money {
	if status.Outstanding() {
		return amount
	}
	return decimal.Zero
}

// DeleteDelta is Delta to a non-existent payment.
func DeleteDelta(status Status, amount Money) Money {
	if status.Outstanding() {
		return amount.Neg()
	}
	return decimal.Zero
}
