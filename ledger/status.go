package ledger

import "strings"

// =============================================================================
// STATUS POLICY - Pure status decisions, no I/O
// =============================================================================

// EffectiveStatus is the status a payment should have on day today.
//
// Collection is terminal until a user reverses it. Anything else is overdue
// once its due date is strictly before today, pending otherwise.
//
// The overdue sweep, every read path and the update guard all go through
// this function, so stored and displayed status can never disagree.
func EffectiveStatus(stored Status, due Date, today Date) Status {
	if stored == StatusCollected {
		return StatusCollected
	}
	if due.Before(today) {
		return StatusOverdue
	}
	return StatusPending
}

// CheckTransition validates moving a payment from one status to another.
// method is the payment method that will be stored if the target is
// collected (nil when none was resolved).
//
// Every move is allowed, including un-collecting, except entering collected
// without a usable payment method. Leaving collected is always legal; the
// caller clears the collection fields.
func CheckTransition(from, to Status, method *string) error {
	if !to.Valid() {
		return invalid("status", "unknown status "+string(to))
	}
	if to != StatusCollected {
		return nil
	}
	if method == nil || strings.TrimSpace(*method) == "" {
		if from == StatusCollected {
			return &TransitionError{From: from, To: to, Reason: "payment method cannot be cleared while collected"}
		}
		return &TransitionError{From: from, To: to, Reason: "payment method is required to collect"}
	}
	if !ValidPaymentMethod(*method) {
		return invalid("payment_method", "unknown payment method "+*method)
	}
	return nil
}

// IsLegalTransition is CheckTransition as a predicate.
func IsLegalTransition(from, to Status, method *string) bool {
	return CheckTransition(from, to, method) == nil
}
