/*
Package ledger provides the household payment ledger engine.

PURPOSE:
  Tracks each household's recurring-fee obligations as individual Payment
  records and keeps one denormalized balance per household in step with
  them. Every mutation of a payment's status or amount is paired with the
  matching balance adjustment inside one storage transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amount (never float64)
  - Household: owner of the denormalized balance
  - FeeCategory: default charge for a kind of fee
  - Payment: one obligation with a status lifecycle

THE INVARIANT:
  household.Balance == Σ payment.Amount
                       over payments of that household whose status is
                       pending or overdue (i.e. outstanding)

  Only LedgerService writes Balance. Reporting code may read it.

STATUS LIFECYCLE:
  pending   --due date elapses-->  overdue
  pending   --mark collected-->    collected
  overdue   --mark collected-->    collected
  collected --reverse-->           pending | overdue (by due date)

SEE ALSO:
  - status.go: EffectiveStatus and transition checks
  - balance.go: Balance deltas for each transition
  - service.go: Transactional orchestration
  - sweeper.go: Background overdue sweep
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a currency amount. The engine is single-currency.
type Money = decimal.Decimal

func NewMoney(value int64) Money { return decimal.NewFromInt(value) }

// MoneyScale is the number of decimal places an amount may carry.
const MoneyScale = 2

// ParseMoney parses a stored or submitted amount.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse money %q: %w", s, err)
	}
	return d, nil
}

// MustParseMoney is ParseMoney for literals. It panics on malformed input.
func MustParseMoney(s string) Money {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ValidateAmount rejects amounts that are not positive or that carry more
// than MoneyScale decimal places.
func ValidateAmount(field string, m Money) error {
	if !m.IsPositive() {
		return invalid(field, "must be greater than zero")
	}
	if !m.Equal(m.Round(MoneyScale)) {
		return invalid(field, fmt.Sprintf("must have at most %d decimal places", MoneyScale))
	}
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type HouseholdID string
type FeeCategoryID string
type PaymentID string

// =============================================================================
// HOUSEHOLD
// =============================================================================

type HouseholdStatus string

const (
	HouseholdActive   HouseholdStatus = "active"
	HouseholdInactive HouseholdStatus = "inactive"
)

// Household is owned by the household CRUD subsystem. The ledger only reads
// it and adjusts Balance.
type Household struct {
	ID        HouseholdID
	Unit      string
	OwnerName string
	Status    HouseholdStatus
	Balance   Money
	CreatedAt time.Time
}

// =============================================================================
// FEE CATEGORY
// =============================================================================

type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnual    Frequency = "annual"
	FrequencyOneTime   Frequency = "one-time"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyAnnual, FrequencyOneTime:
		return true
	}
	return false
}

// FeeCategory is the default charge for a kind of fee. Frequency is
// informational; generation is always invoked explicitly.
type FeeCategory struct {
	ID          FeeCategoryID
	Name        string
	Amount      Money
	Frequency   Frequency
	Description string
	CreatedAt   time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusOverdue   Status = "overdue"
	StatusCollected Status = "collected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOverdue, StatusCollected:
		return true
	}
	return false
}

// Outstanding reports whether a payment in this status counts toward the
// household balance.
func (s Status) Outstanding() bool {
	return s == StatusPending || s == StatusOverdue
}

// Payment methods accepted when collecting.
const (
	MethodCash         = "cash"
	MethodBankTransfer = "bank_transfer"
	MethodCard         = "card"
	MethodEWallet      = "e_wallet"
	MethodOther        = "other"
)

// DefaultPaymentMethod is used when a payment is collected without naming one.
const DefaultPaymentMethod = MethodCash

func ValidPaymentMethod(m string) bool {
	switch m {
	case MethodCash, MethodBankTransfer, MethodCard, MethodEWallet, MethodOther:
		return true
	}
	return false
}

// Payment is one obligation of a household for a fee category.
// HouseholdID and FeeCategoryID never change after creation.
type Payment struct {
	ID            PaymentID
	HouseholdID   HouseholdID
	FeeCategoryID FeeCategoryID
	Amount        Money
	DueDate       Date
	Status        Status

	// Set only while Status == StatusCollected.
	PaymentDate   *time.Time
	PaymentMethod *string

	Notes          string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outstanding reports whether the payment contributes to its household's balance.
func (p Payment) Outstanding() bool { return p.Status.Outstanding() }

// PaymentFilter narrows ListPayments. Zero fields match everything.
type PaymentFilter struct {
	HouseholdID   HouseholdID
	FeeCategoryID FeeCategoryID
	Status        Status
	DueBefore     *Date // strictly before
}
