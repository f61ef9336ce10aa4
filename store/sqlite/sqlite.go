/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.TxStore, ledger.Directory and ledger.SweepRunStore using
  SQLite. store/postgres carries the same schema for multi-process
  deployments; only the dialect and the locking differ.

INTERFACES IMPLEMENTED:
  ledger.TxStore:       households / fee categories / payments + WithTx
  ledger.Directory:     seeding households and fee categories
  ledger.SweepRunStore: overdue sweep history

KEY TABLES:
  households:     owner of the denormalized balance
  fee_categories: default charge per kind of fee
  payments:       one row per obligation, idempotency_key UNIQUE
  sweep_runs:     one row per overdue sweep pass

MONEY:
  Amounts and balances are stored as TEXT decimal strings and summed with
  shopspring/decimal in Go. SQLite has no exact decimal type.

CONCURRENCY:
  The database is opened with _txlock=immediate, so every WithTx takes the
  write lock at BEGIN. That makes LockHousehold a plain read: no other
  writer can run until the transaction ends. A single pooled connection
  keeps ":memory:" databases shared and transactions serialized.
  SQLITE_BUSY / SQLITE_LOCKED are reported as ledger.ErrConflictRetry.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  service := ledger.NewService(store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/household-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.TxStore       = (*Store)(nil)
	_ ledger.Directory     = (*Store)(nil)
	_ ledger.SweepRunStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS households (
		id TEXT PRIMARY KEY,
		unit TEXT NOT NULL UNIQUE,
		owner_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fee_categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		frequency TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		household_id TEXT NOT NULL REFERENCES households(id),
		fee_category_id TEXT NOT NULL REFERENCES fee_categories(id),
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'overdue', 'collected')),
		payment_date TEXT,
		payment_method TEXT,
		notes TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Balance reconciliation and household listing
	CREATE INDEX IF NOT EXISTS idx_payments_household
		ON payments(household_id, status);

	-- Overdue sweep (hot path)
	CREATE INDEX IF NOT EXISTS idx_payments_status_due
		ON payments(status, due_date);

	CREATE INDEX IF NOT EXISTS idx_payments_category
		ON payments(fee_category_id);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		today TEXT NOT NULL,
		status TEXT NOT NULL,
		swept INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx. Inside WithTx every
// statement must go through the *sql.Tx: the pool has one connection.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// HOUSEHOLDS
// =============================================================================

const householdColumns = `id, unit, owner_name, status, balance, created_at`

func (s *Store) GetHousehold(ctx context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHousehold(ctx, s.db, id)
}

// LockHousehold outside a transaction is a plain read.
func (s *Store) LockHousehold(ctx context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	return s.GetHousehold(ctx, id)
}

func (s *Store) AdjustBalance(ctx context.Context, id ledger.HouseholdID, delta ledger.Money) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		return st.AdjustBalance(ctx, id, delta)
	})
}

func (s *Store) ListActiveHouseholds(ctx context.Context) ([]ledger.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listHouseholds(ctx, s.db, true)
}

func (s *Store) ListHouseholds(ctx context.Context) ([]ledger.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listHouseholds(ctx, s.db, false)
}

func getHousehold(ctx context.Context, q querier, id ledger.HouseholdID) (*ledger.Household, error) {
	row := q.QueryRowContext(ctx, `SELECT `+householdColumns+` FROM households WHERE id = ?`, id)
	h, err := scanHousehold(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &h, nil
}

func adjustBalance(ctx context.Context, q querier, id ledger.HouseholdID, delta ledger.Money) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT balance FROM households WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("adjust balance: household %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return mapError(err)
	}
	balance, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("household %s: corrupt balance %q: %w", id, current, err)
	}

	_, err = q.ExecContext(ctx, `UPDATE households SET balance = ? WHERE id = ?`,
		balance.Add(delta).String(), id)
	return mapError(err)
}

func listHouseholds(ctx context.Context, q querier, activeOnly bool) ([]ledger.Household, error) {
	query := `SELECT ` + householdColumns + ` FROM households`
	var args []any
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, ledger.HouseholdActive)
	}
	query += ` ORDER BY unit`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.Household
	for rows.Next() {
		h, err := scanHousehold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, mapError(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHousehold(row scanner) (ledger.Household, error) {
	var (
		h         ledger.Household
		balance   string
		createdAt string
	)
	if err := row.Scan(&h.ID, &h.Unit, &h.OwnerName, &h.Status, &balance, &createdAt); err != nil {
		return ledger.Household{}, err
	}
	var err error
	if h.Balance, err = ledger.ParseMoney(balance); err != nil {
		return ledger.Household{}, fmt.Errorf("household %s: corrupt balance: %w", h.ID, err)
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Household{}, fmt.Errorf("household %s: created_at: %w", h.ID, err)
	}
	return h, nil
}

// =============================================================================
// FEE CATEGORIES
// =============================================================================

const feeCategoryColumns = `id, name, amount, frequency, description, created_at`

func (s *Store) GetFeeCategory(ctx context.Context, id ledger.FeeCategoryID) (*ledger.FeeCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getFeeCategory(ctx, s.db, id)
}

func getFeeCategory(ctx context.Context, q querier, id ledger.FeeCategoryID) (*ledger.FeeCategory, error) {
	row := q.QueryRowContext(ctx, `SELECT `+feeCategoryColumns+` FROM fee_categories WHERE id = ?`, id)
	c, err := scanFeeCategory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func scanFeeCategory(row scanner) (ledger.FeeCategory, error) {
	var (
		c           ledger.FeeCategory
		amount      string
		description sql.NullString
		createdAt   string
	)
	if err := row.Scan(&c.ID, &c.Name, &amount, &c.Frequency, &description, &createdAt); err != nil {
		return ledger.FeeCategory{}, err
	}
	var err error
	if c.Amount, err = ledger.ParseMoney(amount); err != nil {
		return ledger.FeeCategory{}, fmt.Errorf("fee category %s: corrupt amount: %w", c.ID, err)
	}
	c.Description = description.String
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.FeeCategory{}, fmt.Errorf("fee category %s: created_at: %w", c.ID, err)
	}
	return c, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, household_id, fee_category_id, amount, due_date, status,
	payment_date, payment_method, notes, idempotency_key, created_at, updated_at`

func (s *Store) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, id)
}

func (s *Store) ListPayments(ctx context.Context, filter ledger.PaymentFilter) ([]ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, filter)
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPayment(ctx, s.db, p)
}

func (s *Store) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayment(ctx, s.db, p)
}

func (s *Store) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePayment(ctx, s.db, id)
}

func (s *Store) TransitionStatus(ctx context.Context, id ledger.PaymentID, from, to ledger.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionStatus(ctx, s.db, id, from, to, at)
}

func getPayment(ctx context.Context, q querier, id ledger.PaymentID) (*ledger.Payment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func listPayments(ctx context.Context, q querier, filter ledger.PaymentFilter) ([]ledger.Payment, error) {
	var (
		where []string
		args  []any
	)
	if filter.HouseholdID != "" {
		where = append(where, "household_id = ?")
		args = append(args, filter.HouseholdID)
	}
	if filter.FeeCategoryID != "" {
		where = append(where, "fee_category_id = ?")
		args = append(args, filter.FeeCategoryID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.DueBefore != nil {
		where = append(where, "due_date < ?")
		args = append(args, filter.DueBefore.String())
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY due_date, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

func insertPayment(ctx context.Context, q querier, p ledger.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		p.ID,
		p.HouseholdID,
		p.FeeCategoryID,
		p.Amount.String(),
		p.DueDate.String(),
		p.Status,
		nullTime(p.PaymentDate),
		nullStringPtr(p.PaymentMethod),
		nullString(p.Notes),
		nullString(p.IdempotencyKey),
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payment: %w", mapError(err))
	}
	return nil
}

// updatePayment writes the mutable columns. household_id, fee_category_id
// and idempotency_key are never updated.
func updatePayment(ctx context.Context, q querier, p ledger.Payment) error {
	query := `
		UPDATE payments
		SET amount = ?, due_date = ?, status = ?, payment_date = ?, payment_method = ?,
			notes = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query,
		p.Amount.String(),
		p.DueDate.String(),
		p.Status,
		nullTime(p.PaymentDate),
		nullStringPtr(p.PaymentMethod),
		nullString(p.Notes),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", mapError(err))
	}
	return requireRow(res, "update payment", p.ID)
}

func deletePayment(ctx context.Context, q querier, id ledger.PaymentID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", mapError(err))
	}
	return requireRow(res, "delete payment", id)
}

func transitionStatus(ctx context.Context, q querier, id ledger.PaymentID, from, to ledger.Status, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at.UTC().Format(time.RFC3339Nano), id, from,
	)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanPayment(row scanner) (ledger.Payment, error) {
	var (
		p                    ledger.Payment
		amount, dueDate      string
		paymentDate          sql.NullString
		paymentMethod        sql.NullString
		notes, key           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&p.ID, &p.HouseholdID, &p.FeeCategoryID, &amount, &dueDate, &p.Status,
		&paymentDate, &paymentMethod, &notes, &key, &createdAt, &updatedAt,
	); err != nil {
		return ledger.Payment{}, err
	}

	a, err := ledger.ParseMoney(amount)
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("payment %s: corrupt amount: %w", p.ID, err)
	}
	p.Amount = a
	d, err := ledger.ParseDate(dueDate)
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.DueDate = d
	if paymentDate.Valid {
		t, err := parseTime(paymentDate.String)
		if err != nil {
			return ledger.Payment{}, fmt.Errorf("payment %s: payment_date: %w", p.ID, err)
		}
		p.PaymentDate = &t
	}
	if paymentMethod.Valid {
		m := paymentMethod.String
		p.PaymentMethod = &m
	}
	p.Notes = notes.String
	p.IdempotencyKey = key.String
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Payment{}, fmt.Errorf("payment %s: created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Payment{}, fmt.Errorf("payment %s: updated_at: %w", p.ID, err)
	}
	return p, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx}
	if err := fn(txStore); err != nil {
		return err
	}

	return mapError(sqlTx.Commit())
}

// txStore wraps a sql.Tx to implement ledger.Store.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetHousehold(ctx context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	return getHousehold(ctx, ts.tx, id)
}

// LockHousehold is a read: BEGIN IMMEDIATE already holds the write lock.
func (ts *txStore) LockHousehold(ctx context.Context, id ledger.HouseholdID) (*ledger.Household, error) {
	return getHousehold(ctx, ts.tx, id)
}

func (ts *txStore) AdjustBalance(ctx context.Context, id ledger.HouseholdID, delta ledger.Money) error {
	return adjustBalance(ctx, ts.tx, id, delta)
}

func (ts *txStore) ListActiveHouseholds(ctx context.Context) ([]ledger.Household, error) {
	return listHouseholds(ctx, ts.tx, true)
}

func (ts *txStore) ListHouseholds(ctx context.Context) ([]ledger.Household, error) {
	return listHouseholds(ctx, ts.tx, false)
}

func (ts *txStore) GetFeeCategory(ctx context.Context, id ledger.FeeCategoryID) (*ledger.FeeCategory, error) {
	return getFeeCategory(ctx, ts.tx, id)
}

func (ts *txStore) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return getPayment(ctx, ts.tx, id)
}

func (ts *txStore) ListPayments(ctx context.Context, filter ledger.PaymentFilter) ([]ledger.Payment, error) {
	return listPayments(ctx, ts.tx, filter)
}

func (ts *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	return insertPayment(ctx, ts.tx, p)
}

func (ts *txStore) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	return updatePayment(ctx, ts.tx, p)
}

func (ts *txStore) DeletePayment(ctx context.Context, id ledger.PaymentID) error {
	return deletePayment(ctx, ts.tx, id)
}

func (ts *txStore) TransitionStatus(ctx context.Context, id ledger.PaymentID, from, to ledger.Status, at time.Time) (bool, error) {
	return transitionStatus(ctx, ts.tx, id, from, to, at)
}

// =============================================================================
// DIRECTORY (households and fee categories for seeding)
// =============================================================================

// SaveHousehold inserts or updates a household. The balance column is only
// ever written by the ledger.
func (s *Store) SaveHousehold(ctx context.Context, h ledger.Household) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.Status == "" {
		h.Status = ledger.HouseholdActive
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO households (id, unit, owner_name, status, balance, created_at)
		VALUES (?, ?, ?, ?, '0', ?)
		ON CONFLICT(id) DO UPDATE SET
			unit = excluded.unit,
			owner_name = excluded.owner_name,
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		h.ID, h.Unit, h.OwnerName, h.Status, h.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save household: %w", mapSaveError(err))
	}
	return nil
}

func (s *Store) SaveFeeCategory(ctx context.Context, c ledger.FeeCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO fee_categories (id, name, amount, frequency, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			amount = excluded.amount,
			frequency = excluded.frequency,
			description = excluded.description
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Amount.String(), c.Frequency, nullString(c.Description),
		c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save fee category: %w", mapSaveError(err))
	}
	return nil
}

func (s *Store) ListFeeCategories(ctx context.Context) ([]ledger.FeeCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+feeCategoryColumns+` FROM fee_categories ORDER BY name`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.FeeCategory
	for rows.Next() {
		c, err := scanFeeCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "sweep_runs", "households", "fee_categories"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, run ledger.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs (id, today, status, swept, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			swept = excluded.swept,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Today.String(), run.Status, run.Swept, nullString(run.Error),
		run.StartedAt.UTC().Format(time.RFC3339Nano), nullTime(run.CompletedAt),
	)
	return mapError(err)
}

// ListSweepRuns returns the newest runs first. limit <= 0 means all.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]ledger.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, today, status, swept, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var runs []ledger.SweepRun
	for rows.Next() {
		var (
			r                  ledger.SweepRun
			today, startedAt   string
			errText, completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &today, &r.Status, &r.Swept, &errText, &startedAt, &completed); err != nil {
			return nil, err
		}
		if r.Today, err = ledger.ParseDate(today); err != nil {
			return nil, fmt.Errorf("sweep run %s: %w", r.ID, err)
		}
		r.Error = errText.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("sweep run %s: started_at: %w", r.ID, err)
		}
		if completed.Valid {
			t, err := parseTime(completed.String)
			if err != nil {
				return nil, fmt.Errorf("sweep run %s: completed_at: %w", r.ID, err)
			}
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func requireRow(res sql.Result, op string, id ledger.PaymentID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ledger.ErrNotFound)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapSaveError reports a taken unit or fee category name as
// ledger.ErrAlreadyExists.
func mapSaveError(err error) error {
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrAlreadyExists, err)
	}
	return mapError(err)
}

// mapError reports lock contention as ledger.ErrConflictRetry.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ledger.ErrConflictRetry, err)
		}
	}
	return err
}
