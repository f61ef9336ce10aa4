package ledger

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER EVENTS - Published after commit
// =============================================================================

type EventType string

const (
	EventPaymentCreated   EventType = "payment.created"
	EventPaymentUpdated   EventType = "payment.updated"
	EventPaymentCollected EventType = "payment.collected"
	EventPaymentReversed  EventType = "payment.reversed"
	EventPaymentDeleted   EventType = "payment.deleted"
	EventPaymentsSwept    EventType = "payments.swept"
	EventFeesGenerated    EventType = "fees.generated"
)

// Event describes one committed ledger change. Batch events (generation,
// sweep) leave PaymentID empty and set Count.
type Event struct {
	Type          EventType     `json:"type"`
	PaymentID     PaymentID     `json:"payment_id,omitempty"`
	HouseholdID   HouseholdID   `json:"household_id,omitempty"`
	FeeCategoryID FeeCategoryID `json:"fee_category_id,omitempty"`
	Status        Status        `json:"status,omitempty"`
	Amount        Money         `json:"amount"`
	BalanceDelta  Money         `json:"balance_delta"`
	Count         int           `json:"count,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// EventPublisher delivers events to downstream consumers (reporting,
// notifications). Delivery is best effort: the ledger commit is the
// source of truth.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
