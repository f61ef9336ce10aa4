/*
service.go - LedgerService: transactional payment + balance orchestration

PURPOSE:
  The only component that writes household.Balance. Every operation runs
  as one unit of work through TxStore.WithTx:

    1. lock the household row
    2. (re)load the payment inside the transaction
    3. ask the status policy for the target status
    4. ask the balance accumulator for the delta
    5. write payment row + balance adjustment
    6. commit (or roll back on any error)

  Events are published after commit only.

OPERATIONS:
  CreatePayment   insert + CreateDelta
  UpdatePayment   patch + transition check + Delta
  DeletePayment   delete + DeleteDelta
  GenerateMonthly one pending payment per active household, ONE transaction
  SweepOverdue    pending -> overdue for elapsed due dates (delta must be 0)
  Reconcile       read-only invariant check

CONCURRENCY:
  Two updates on payments of the same household serialize on the household
  row lock. The payment is re-read after the lock is taken so the delta is
  computed against the committed state. ErrConflictRetry from the store is
  retried up to MaxAttempts times with linear backoff.

SEE ALSO:
  - status.go, balance.go: pure decision functions
  - sweeper.go: background scheduling of SweepOverdue
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 20 * time.Millisecond
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store  TxStore
	Events EventPublisher
	Logger *zap.Logger

	// Now is the clock. "Today" is DateOf(Now()).
	Now func() time.Time

	MaxAttempts  int
	RetryBackoff time.Duration
}

func NewService(store TxStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:        store,
		Events:       NopPublisher{},
		Logger:       logger,
		Now:          time.Now,
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
	}
}

func (s *Service) now() time.Time { return s.Now().UTC() }

// Today is the service's notion of the current day.
func (s *Service) Today() Date { return DateOf(s.now()) }

// =============================================================================
// CREATE
// =============================================================================

type CreatePaymentInput struct {
	HouseholdID   HouseholdID
	FeeCategoryID FeeCategoryID
	Amount        *Money // nil: the fee category's amount
	DueDate       Date
	Status        Status // empty: pending
	PaymentMethod *string
	Notes         string
}

// CreatePayment inserts a payment and charges its household.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*Payment, error) {
	if in.HouseholdID == "" {
		return nil, invalid("household_id", "is required")
	}
	if in.FeeCategoryID == "" {
		return nil, invalid("fee_category_id", "is required")
	}
	if in.DueDate.IsZero() {
		return nil, invalid("due_date", "is required")
	}
	if in.Amount != nil {
		if err := ValidateAmount("amount", *in.Amount); err != nil {
			return nil, err
		}
	}
	status := in.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return nil, invalid("status", "unknown status "+string(status))
	}

	var (
		created Payment
		delta   Money
	)
	err := s.withRetry(ctx, "create_payment", func(st Store) error {
		now := s.now()
		hh, err := st.LockHousehold(ctx, in.HouseholdID)
		if err != nil {
			return err
		}
		if hh == nil {
			return notFound("household", string(in.HouseholdID))
		}
		cat, err := st.GetFeeCategory(ctx, in.FeeCategoryID)
		if err != nil {
			return err
		}
		if cat == nil {
			return notFound("fee_category", string(in.FeeCategoryID))
		}

		p := Payment{
			ID:            PaymentID(uuid.NewString()),
			HouseholdID:   hh.ID,
			FeeCategoryID: cat.ID,
			Amount:        cat.Amount,
			DueDate:       in.DueDate,
			Notes:         in.Notes,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if in.Amount != nil {
			p.Amount = *in.Amount
		}
		if err := ValidateAmount("amount", p.Amount); err != nil {
			return err
		}

		if status == StatusCollected {
			method := resolveMethod(in.PaymentMethod, nil)
			if err := CheckTransition("", StatusCollected, method); err != nil {
				return err
			}
			p.Status = StatusCollected
			p.PaymentDate = &now
			p.PaymentMethod = method
		} else {
			p.Status = EffectiveStatus(status, p.DueDate, DateOf(now))
		}

		delta, err = s.insertLocked(ctx, st, p)
		if err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("payment created",
		zap.String("payment_id", string(created.ID)),
		zap.String("household_id", string(created.HouseholdID)),
		zap.String("status", string(created.Status)),
		zap.String("amount", created.Amount.String()),
		zap.String("balance_delta", delta.String()),
	)
	s.publish(ctx, Event{
		Type:          EventPaymentCreated,
		PaymentID:     created.ID,
		HouseholdID:   created.HouseholdID,
		FeeCategoryID: created.FeeCategoryID,
		Status:        created.Status,
		Amount:        created.Amount,
		BalanceDelta:  delta,
	})
	return &created, nil
}

// insertLocked writes p and its create delta. The caller holds the household lock.
func (s *Service) insertLocked(ctx context.Context, st Store, p Payment) (Money, error) {
	delta := CreateDelta(p.Status, p.Amount)
	if err := st.InsertPayment(ctx, p); err != nil {
		return decimal.Zero, err
	}
	if !delta.IsZero() {
		if err := st.AdjustBalance(ctx, p.HouseholdID, delta); err != nil {
			return decimal.Zero, err
		}
	}
	return delta, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// PaymentPatch lists the mutable fields. Nil fields are left unchanged.
type PaymentPatch struct {
	Status        *Status
	Amount        *Money
	PaymentMethod *string
	Notes         *string
}

// UpdatePayment applies patch and moves the household balance by the
// resulting delta.
func (s *Service) UpdatePayment(ctx context.Context, id PaymentID, patch PaymentPatch) (*Payment, error) {
	if patch.Amount != nil {
		if err := ValidateAmount("amount", *patch.Amount); err != nil {
			return nil, err
		}
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, invalid("status", "unknown status "+string(*patch.Status))
	}

	var (
		updated   Payment
		oldStatus Status
		delta     Money
	)
	err := s.withRetry(ctx, "update_payment", func(st Store) error {
		now := s.now()
		today := DateOf(now)

		cur, err := s.loadLocked(ctx, st, id)
		if err != nil {
			return err
		}

		oldStatus = EffectiveStatus(cur.Status, cur.DueDate, today)
		oldAmount := cur.Amount

		next := *cur
		if patch.Amount != nil {
			next.Amount = *patch.Amount
		}
		if patch.Notes != nil {
			next.Notes = *patch.Notes
		}

		target := oldStatus
		if patch.Status != nil {
			target = *patch.Status
		}

		if target == StatusCollected {
			var current *string
			if oldStatus == StatusCollected {
				current = cur.PaymentMethod
			}
			method := resolveMethod(patch.PaymentMethod, current)
			if err := CheckTransition(oldStatus, StatusCollected, method); err != nil {
				return err
			}
			next.PaymentMethod = method
			if oldStatus != StatusCollected || cur.PaymentDate == nil {
				next.PaymentDate = &now
			}
		} else {
			if err := CheckTransition(oldStatus, target, nil); err != nil {
				return err
			}
			// Reversals land on whatever the due date dictates.
			target = EffectiveStatus(target, cur.DueDate, today)
			next.PaymentDate = nil
			next.PaymentMethod = nil
		}
		next.Status = target
		next.UpdatedAt = now

		delta = Delta(oldStatus, oldAmount, next.Status, next.Amount)
		if !delta.IsZero() {
			if err := st.AdjustBalance(ctx, next.HouseholdID, delta); err != nil {
				return err
			}
		}
		if err := st.UpdatePayment(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	evType := EventPaymentUpdated
	switch {
	case oldStatus.Outstanding() && updated.Status == StatusCollected:
		evType = EventPaymentCollected
	case oldStatus == StatusCollected && updated.Status.Outstanding():
		evType = EventPaymentReversed
	}

	s.Logger.Info("payment updated",
		zap.String("payment_id", string(updated.ID)),
		zap.String("household_id", string(updated.HouseholdID)),
		zap.String("from", string(oldStatus)),
		zap.String("to", string(updated.Status)),
		zap.String("balance_delta", delta.String()),
	)
	s.publish(ctx, Event{
		Type:          evType,
		PaymentID:     updated.ID,
		HouseholdID:   updated.HouseholdID,
		FeeCategoryID: updated.FeeCategoryID,
		Status:        updated.Status,
		Amount:        updated.Amount,
		BalanceDelta:  delta,
	})
	return &updated, nil
}

// resolveMethod picks the method to store when the payment is (or stays)
// collected: the patch value, else the current one, else cash.
func resolveMethod(patch, current *string) *string {
	switch {
	case patch != nil:
		m := *patch
		return &m
	case current != nil:
		m := *current
		return &m
	default:
		m := DefaultPaymentMethod
		return &m
	}
}

// =============================================================================
// DELETE
// =============================================================================

// DeletePayment removes a payment and releases its outstanding amount.
func (s *Service) DeletePayment(ctx context.Context, id PaymentID) error {
	var (
		removed Payment
		delta   Money
	)
	err := s.withRetry(ctx, "delete_payment", func(st Store) error {
		cur, err := s.loadLocked(ctx, st, id)
		if err != nil {
			return err
		}
		status := EffectiveStatus(cur.Status, cur.DueDate, DateOf(s.now()))
		delta = DeleteDelta(status, cur.Amount)
		if !delta.IsZero() {
			if err := st.AdjustBalance(ctx, cur.HouseholdID, delta); err != nil {
				return err
			}
		}
		if err := st.DeletePayment(ctx, id); err != nil {
			return err
		}
		removed = *cur
		removed.Status = status
		return nil
	})
	if err != nil {
		return err
	}

	s.Logger.Info("payment deleted",
		zap.String("payment_id", string(removed.ID)),
		zap.String("household_id", string(removed.HouseholdID)),
		zap.String("balance_delta", delta.String()),
	)
	s.publish(ctx, Event{
		Type:          EventPaymentDeleted,
		PaymentID:     removed.ID,
		HouseholdID:   removed.HouseholdID,
		FeeCategoryID: removed.FeeCategoryID,
		Status:        removed.Status,
		Amount:        removed.Amount,
		BalanceDelta:  delta,
	})
	return nil
}

// loadLocked reads the payment, locks its household, then re-reads the
// payment so the caller works on the state committed before the lock.
func (s *Service) loadLocked(ctx context.Context, st Store, id PaymentID) (*Payment, error) {
	p, err := st.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("payment", string(id))
	}
	hh, err := st.LockHousehold(ctx, p.HouseholdID)
	if err != nil {
		return nil, err
	}
	if hh == nil {
		return nil, notFound("household", string(p.HouseholdID))
	}
	p, err = st.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("payment", string(id))
	}
	return p, nil
}

// =============================================================================
// BULK GENERATION
// =============================================================================

// GenerationKey is the idempotency key of a generated payment.
func GenerationKey(category FeeCategoryID, year int, month time.Month, household HouseholdID) string {
	return fmt.Sprintf("gen:%s:%04d-%02d:%s", category, year, int(month), household)
}

// GenerateMonthly charges every active household one payment of the fee
// category's amount, due on the last day of month/year.
//
// The whole batch is one transaction: if any insert or balance update
// fails, nothing is created and no balance moves. Running the same
// category/month twice fails with ErrDuplicateIdempotencyKey.
func (s *Service) GenerateMonthly(ctx context.Context, categoryID FeeCategoryID, month, year int) (int, error) {
	if categoryID == "" {
		return 0, invalid("fee_category_id", "is required")
	}
	if month < 1 || month > 12 {
		return 0, invalid("month", fmt.Sprintf("must be 1-12, got %d", month))
	}
	if year < 1 || year > 9999 {
		return 0, invalid("year", fmt.Sprintf("out of range: %d", year))
	}
	due := EndOfMonth(year, time.Month(month))

	var (
		count int
		total Money
	)
	err := s.withRetry(ctx, "generate_monthly", func(st Store) error {
		count, total = 0, decimal.Zero
		now := s.now()

		cat, err := st.GetFeeCategory(ctx, categoryID)
		if err != nil {
			return err
		}
		if cat == nil {
			return notFound("fee_category", string(categoryID))
		}
		if err := ValidateAmount("amount", cat.Amount); err != nil {
			return fmt.Errorf("fee category %s: %w", cat.ID, err)
		}

		households, err := st.ListActiveHouseholds(ctx)
		if err != nil {
			return err
		}
		for _, h := range households {
			hh, err := st.LockHousehold(ctx, h.ID)
			if err != nil {
				return err
			}
			if hh == nil {
				return notFound("household", string(h.ID))
			}
			p := Payment{
				ID:             PaymentID(uuid.NewString()),
				HouseholdID:    hh.ID,
				FeeCategoryID:  cat.ID,
				Amount:         cat.Amount,
				DueDate:        due,
				Status:         EffectiveStatus(StatusPending, due, DateOf(now)),
				IdempotencyKey: GenerationKey(cat.ID, year, time.Month(month), hh.ID),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			delta, err := s.insertLocked(ctx, st, p)
			if err != nil {
				return fmt.Errorf("household %s: %w", hh.ID, err)
			}
			total = total.Add(delta)
			count++
		}
		return nil
	})
	if err != nil {
		s.Logger.Warn("monthly generation failed",
			zap.String("fee_category_id", string(categoryID)),
			zap.Int("month", month), zap.Int("year", year),
			zap.Error(err),
		)
		return 0, err
	}

	s.Logger.Info("monthly fees generated",
		zap.String("fee_category_id", string(categoryID)),
		zap.Int("month", month), zap.Int("year", year),
		zap.Int("count", count),
	)
	s.publish(ctx, Event{
		Type:          EventFeesGenerated,
		FeeCategoryID: categoryID,
		Amount:        total,
		BalanceDelta:  total,
		Count:         count,
	})
	return count, nil
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

type SweepResult struct {
	Today      Date
	Swept      int
	PaymentIDs []PaymentID
}

// SweepOverdue stores the effective status of every pending payment whose
// due date is before today. Balances never move: pending and overdue are
// both outstanding, and a non-zero delta aborts the sweep.
func (s *Service) SweepOverdue(ctx context.Context, today Date) (SweepResult, error) {
	result := SweepResult{Today: today}
	err := s.withRetry(ctx, "sweep_overdue", func(st Store) error {
		result.Swept, result.PaymentIDs = 0, nil
		now := s.now()

		due, err := st.ListPayments(ctx, PaymentFilter{Status: StatusPending, DueBefore: &today})
		if err != nil {
			return err
		}
		for _, p := range due {
			next := EffectiveStatus(p.Status, p.DueDate, today)
			if next == p.Status {
				continue
			}
			if delta := Delta(p.Status, p.Amount, next, p.Amount); !delta.IsZero() {
				return &InvariantError{PaymentID: p.ID, Message: "sweep produced balance delta " + delta.String()}
			}
			changed, err := st.TransitionStatus(ctx, p.ID, p.Status, next, now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			result.Swept++
			result.PaymentIDs = append(result.PaymentIDs, p.ID)
		}
		return nil
	})
	if err != nil {
		return SweepResult{Today: today}, err
	}

	if result.Swept > 0 {
		s.Logger.Info("overdue sweep applied", zap.Stringer("today", today), zap.Int("swept", result.Swept))
		s.publish(ctx, Event{
			Type:         EventPaymentsSwept,
			Status:       StatusOverdue,
			Amount:       decimal.Zero,
			BalanceDelta: decimal.Zero,
			Count:        result.Swept,
		})
	}
	return result, nil
}

// =============================================================================
// READS - Always report the effective status
// =============================================================================

func (s *Service) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	p, err := s.Store.GetPayment(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if p == nil {
		return nil, notFound("payment", string(id))
	}
	p.Status = EffectiveStatus(p.Status, p.DueDate, s.Today())
	return p, nil
}

// ListPayments applies filter.Status to the effective status, so asking for
// overdue payments includes stored-pending rows whose due date elapsed.
func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	want := filter.Status
	if want != "" && !want.Valid() {
		return nil, invalid("status", "unknown status "+string(want))
	}
	filter.Status = ""
	payments, err := s.Store.ListPayments(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}

	today := s.Today()
	out := make([]Payment, 0, len(payments))
	for _, p := range payments {
		p.Status = EffectiveStatus(p.Status, p.DueDate, today)
		if want != "" && p.Status != want {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) GetHousehold(ctx context.Context, id HouseholdID) (*Household, error) {
	h, err := s.Store.GetHousehold(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if h == nil {
		return nil, notFound("household", string(id))
	}
	return h, nil
}

func (s *Service) ListHouseholds(ctx context.Context) ([]Household, error) {
	hs, err := s.Store.ListHouseholds(ctx)
	return hs, classify(err)
}

func (s *Service) GetFeeCategory(ctx context.Context, id FeeCategoryID) (*FeeCategory, error) {
	c, err := s.Store.GetFeeCategory(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if c == nil {
		return nil, notFound("fee_category", string(id))
	}
	return c, nil
}

// =============================================================================
// RECONCILIATION - Read-only invariant check
// =============================================================================

type BalanceDrift struct {
	HouseholdID HouseholdID
	Unit        string
	Stored      Money
	Expected    Money
	Difference  Money // Stored - Expected
}

type ReconciliationReport struct {
	CheckedAt  time.Time
	Households int
	Drifts     []BalanceDrift
}

func (r ReconciliationReport) Consistent() bool { return len(r.Drifts) == 0 }

// Reconcile compares every stored balance against the sum of the
// household's outstanding payments. It reports drift and never repairs it.
// Balances and payments come from one snapshot.
func (s *Service) Reconcile(ctx context.Context) (ReconciliationReport, error) {
	report := ReconciliationReport{CheckedAt: s.now()}
	err := s.readSnapshot(ctx, func(st Store) error {
		report.Drifts = nil
		households, err := st.ListHouseholds(ctx)
		if err != nil {
			return err
		}
		payments, err := st.ListPayments(ctx, PaymentFilter{})
		if err != nil {
			return err
		}

		expected := make(map[HouseholdID]Money, len(households))
		for _, p := range payments {
			if p.Outstanding() {
				expected[p.HouseholdID] = expected[p.HouseholdID].Add(p.Amount)
			}
		}
		report.Households = len(households)
		for _, h := range households {
			want := expected[h.ID]
			if !h.Balance.Equal(want) {
				report.Drifts = append(report.Drifts, BalanceDrift{
					HouseholdID: h.ID,
					Unit:        h.Unit,
					Stored:      h.Balance,
					Expected:    want,
					Difference:  h.Balance.Sub(want),
				})
			}
		}
		return nil
	})
	if err != nil {
		return ReconciliationReport{}, classify(err)
	}
	if !report.Consistent() {
		s.Logger.Error("balance drift detected", zap.Int("households", len(report.Drifts)))
	}
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// withRetry runs fn in a transaction, retrying serialization conflicts.
// fn must reset any state it accumulates, since it may run more than once.
func (s *Service) withRetry(ctx context.Context, op string, fn func(Store) error) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.Store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return classify(err)
		}
		s.Logger.Warn("ledger transaction conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, err)
}

func (s *Service) readSnapshot(ctx context.Context, fn func(Store) error) error {
	if snap, ok := s.Store.(SnapshotStore); ok {
		return snap.WithSnapshot(ctx, fn)
	}
	return s.Store.WithTx(ctx, fn)
}

// classify tags storage failures that carry no ledger kind as ErrInternal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrNotFound, ErrInvalidArgument, ErrIllegalTransition,
		ErrConflictRetry, ErrInternal, ErrDuplicateIdempotencyKey, ErrAlreadyExists,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.Events == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Logger.Warn("publish ledger event",
			zap.String("type", string(ev.Type)),
			zap.String("payment_id", string(ev.PaymentID)),
			zap.Error(err),
		)
	}
}
