/*
store.go - Persistence boundary for the ledger engine

PURPOSE:
  Defines the interface between the ledger logic and the database. The
  repositories are single-row CRUD; all multi-row consistency comes from
  running them inside TxStore.WithTx.

KEY INTERFACES:
  HouseholdRepository:   get / lock / adjust balance / list active
  FeeCategoryRepository: get
  PaymentRepository:     single-row payment CRUD
  Store:                 all three together
  TxStore:               Store + WithTx (atomic unit of work)

LOCKING CONTRACT:
  LockHousehold must, for the rest of the enclosing transaction, prevent
  any other transaction from adjusting the same household's balance.
  - store/sqlite: BEGIN IMMEDIATE already holds the database write lock
  - store/postgres: SELECT ... FOR UPDATE
  - ledger/store (memory): WithTx holds the store mutex

  A store that detects a serialization failure returns ErrConflictRetry.

SNAPSHOTS:
  store/postgres runs WithTx at READ COMMITTED, so two reads in one
  transaction may see different commits. It also implements SnapshotStore
  (read-only REPEATABLE READ) for multi-read checks such as Reconcile.

NOT FOUND:
  Get* methods return (nil, nil) for a missing row. Update/Delete of a
  missing row return an error wrapping ErrNotFound.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go
  - store/postgres/postgres.go
  - ledger/store/memory.go (tests, dev)
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// REPOSITORIES
// =============================================================================

// HouseholdRepository is the ledger's view of the household subsystem.
type HouseholdRepository interface {
	GetHousehold(ctx context.Context, id HouseholdID) (*Household, error)

	// LockHousehold reads the household and locks its row until the
	// enclosing transaction ends.
	LockHousehold(ctx context.Context, id HouseholdID) (*Household, error)

	// AdjustBalance adds delta to the stored balance.
	AdjustBalance(ctx context.Context, id HouseholdID, delta Money) error

	ListActiveHouseholds(ctx context.Context) ([]Household, error)
	ListHouseholds(ctx context.Context) ([]Household, error)
}

type FeeCategoryRepository interface {
	GetFeeCategory(ctx context.Context, id FeeCategoryID) (*FeeCategory, error)
}

type PaymentRepository interface {
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// ListPayments filters on STORED status. Callers wanting the status as of
	// today normalize with EffectiveStatus.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)

	// InsertPayment returns ErrDuplicateIdempotencyKey if the key exists.
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
	DeletePayment(ctx context.Context, id PaymentID) error

	// TransitionStatus sets status to `to` only if the stored status is still
	// `from`. It reports whether the row changed. Used by the sweep, which
	// does not take household locks.
	TransitionStatus(ctx context.Context, id PaymentID, from, to Status, at time.Time) (bool, error)
}

// Store is every repository the ledger needs.
type Store interface {
	HouseholdRepository
	FeeCategoryRepository
	PaymentRepository
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// OPTIONAL CAPABILITIES
// =============================================================================

// Directory is the minimal household/fee-category write surface used for
// seeding and demos. It never touches Balance on existing rows.
type Directory interface {
	SaveHousehold(ctx context.Context, h Household) error
	SaveFeeCategory(ctx context.Context, c FeeCategory) error
	ListFeeCategories(ctx context.Context) ([]FeeCategory, error)
	Reset(ctx context.Context) error
}

// SnapshotStore runs read-only work against one consistent snapshot. Stores
// whose WithTx lets each statement see newer commits implement it;
// Reconcile prefers it over WithTx.
type SnapshotStore interface {
	WithSnapshot(ctx context.Context, fn func(Store) error) error
}

// SweepRunStore records overdue sweep passes.
type SweepRunStore interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
