/*
errors.go - Error taxonomy for the ledger engine

PURPOSE:
  All error kinds in one place. Callers classify with errors.Is against the
  sentinels or with the Is* helpers; structured errors carry the context
  and unwrap to their sentinel.

ERROR KINDS:
  NotFound:          household, fee category or payment missing
  InvalidArgument:   non-positive amount, missing field, malformed date
  IllegalTransition: status change rejected by the status policy
  ConflictRetry:     serialization failure; retried by the service first
  Internal:          storage failure or a broken ledger invariant

  DuplicateIdempotencyKey is a client error: the same generation run (or
  other keyed write) was already committed. AlreadyExists is its directory
  counterpart: a household unit or fee category name is taken.

RECOVERY:
  Only ConflictRetry is recovered locally (LedgerService.withRetry). All
  other kinds propagate untouched.

SEE ALSO:
  - service.go: withRetry
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	ErrInvalidArgument = errors.New("invalid argument")

	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrConflictRetry is returned by stores when the database aborted the
	// transaction because of a concurrent writer. Safe to retry.
	ErrConflictRetry = errors.New("concurrent modification, retry")

	ErrInternal = errors.New("internal ledger error")

	// ErrDuplicateIdempotencyKey is returned when a keyed write already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Resource string // "household", "fee_category", "payment"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// TransitionError describes a status change the policy refused.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move payment from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// InvariantError reports a balance delta that the engine's own rules say
// cannot happen. It always aborts the enclosing transaction.
type InvariantError struct {
	PaymentID PaymentID
	Message   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated for payment %s: %s", e.PaymentID, e.Message)
}

func (e *InvariantError) Unwrap() error { return ErrInternal }

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictRetry)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAlreadyExists)
}

// Kind returns the sentinel err belongs to, or ErrInternal for anything the
// ledger did not classify.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotFound, ErrInvalidArgument, ErrIllegalTransition,
		ErrDuplicateIdempotencyKey, ErrAlreadyExists, ErrConflictRetry,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
