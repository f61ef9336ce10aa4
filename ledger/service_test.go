package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/household-ledger/ledger"
	"github.com/warp/household-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const day = 24 * time.Hour

type testLedger struct {
	svc   *ledger.Service
	mem   *store.Memory
	clock *testClock
}

// newTestLedger builds a service over the memory store with n active
// households hh-1..hh-n and the categories maintenance (150) and cleaning (50).
func newTestLedger(t *testing.T, n int) *testLedger {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	for i := 1; i <= n; i++ {
		require.NoError(t, mem.SaveHousehold(ctx, ledger.Household{
			ID:        ledger.HouseholdID(fmt.Sprintf("hh-%d", i)),
			Unit:      fmt.Sprintf("A-%03d", 100+i),
			OwnerName: fmt.Sprintf("Owner %d", i),
		}))
	}
	require.NoError(t, mem.SaveFeeCategory(ctx, ledger.FeeCategory{
		ID: "maintenance", Name: "Maintenance", Amount: money("150"), Frequency: ledger.FrequencyMonthly,
	}))
	require.NoError(t, mem.SaveFeeCategory(ctx, ledger.FeeCategory{
		ID: "cleaning", Name: "Cleaning", Amount: money("50"), Frequency: ledger.FrequencyMonthly,
	}))

	clock := &testClock{t: time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)}
	svc := ledger.NewService(mem, zap.NewNop())
	svc.Now = clock.Now
	svc.RetryBackoff = 0

	return &testLedger{svc: svc, mem: mem, clock: clock}
}

func (tl *testLedger) balance(t *testing.T, id ledger.HouseholdID) ledger.Money {
	t.Helper()
	h, err := tl.svc.GetHousehold(context.Background(), id)
	require.NoError(t, err)
	return h.Balance
}

func (tl *testLedger) today() ledger.Date { return tl.svc.Today() }

func (tl *testLedger) create(t *testing.T, hh ledger.HouseholdID, amount string, due ledger.Date) *ledger.Payment {
	t.Helper()
	a := money(amount)
	p, err := tl.svc.CreatePayment(context.Background(), ledger.CreatePaymentInput{
		HouseholdID:   hh,
		FeeCategoryID: "maintenance",
		Amount:        &a,
		DueDate:       due,
	})
	require.NoError(t, err)
	return p
}

func (tl *testLedger) requireConsistent(t *testing.T) {
	t.Helper()
	report, err := tl.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, report.Consistent(), "drifts: %+v", report.Drifts)
}

func assertMoney(t *testing.T, want string, got ledger.Money, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(money(want)), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func statusPtr(s ledger.Status) *ledger.Status { return &s }

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []ledger.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ledger.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, ledger.Event) error {
	return errors.New("broker unavailable")
}

// faultyStore fails the failOn-th InsertPayment.
type faultyStore struct {
	*store.Memory
	failOn  int
	inserts int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(st ledger.Store) error {
		return fn(&faultyTx{Store: st, parent: f})
	})
}

type faultyTx struct {
	ledger.Store
	parent *faultyStore
}

func (t *faultyTx) InsertPayment(ctx context.Context, p ledger.Payment) error {
	t.parent.inserts++
	if t.parent.inserts == t.parent.failOn {
		return errors.New("disk I/O error")
	}
	return t.Store.InsertPayment(ctx, p)
}

// conflictStore rejects the first `conflicts` transactions as serialization failures.
type conflictStore struct {
	*store.Memory
	conflicts int
	calls     int
}

func (c *conflictStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	c.calls++
	if c.calls <= c.conflicts {
		return fmt.Errorf("commit: %w", ledger.ErrConflictRetry)
	}
	return c.Memory.WithTx(ctx, fn)
}

// snapshotStore counts WithSnapshot calls and refuses WithTx.
type snapshotStore struct {
	*store.Memory
	snapshots int
}

func (s *snapshotStore) WithSnapshot(ctx context.Context, fn func(ledger.Store) error) error {
	s.snapshots++
	return s.Memory.WithTx(ctx, fn)
}

func (s *snapshotStore) WithTx(context.Context, func(ledger.Store) error) error {
	return errors.New("read-write transaction not expected")
}

// =============================================================================
// ACCEPTANCE SCENARIOS
// =============================================================================

func TestScenarioA_CreatePendingChargesHousehold(t *testing.T) {
	tl := newTestLedger(t, 1)

	// WHEN: creating a pending payment of 150
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(10))

	// THEN: the balance goes from 0 to 150
	assert.Equal(t, ledger.StatusPending, p.Status)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestScenarioB_CollectWithCash(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(10))

	// WHEN: collecting with method cash
	cash := ledger.MethodCash
	updated, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{
		Status:        statusPtr(ledger.StatusCollected),
		PaymentMethod: &cash,
	})
	require.NoError(t, err)

	// THEN: the balance returns to 0 and the collection is recorded
	assert.Equal(t, ledger.StatusCollected, updated.Status)
	require.NotNil(t, updated.PaymentDate)
	assert.True(t, tl.clock.Now().Equal(*updated.PaymentDate))
	require.NotNil(t, updated.PaymentMethod)
	assert.Equal(t, ledger.MethodCash, *updated.PaymentMethod)
	assertMoney(t, "0", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestScenarioC_ReverseCollection(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(10))
	cash := ledger.MethodCash
	_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected), PaymentMethod: &cash})
	require.NoError(t, err)

	// WHEN: reversing to pending
	reversed, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusPending)})
	require.NoError(t, err)

	// THEN: the balance is back to 150 and the collection fields are cleared
	assert.Equal(t, ledger.StatusPending, reversed.Status)
	assert.Nil(t, reversed.PaymentDate)
	assert.Nil(t, reversed.PaymentMethod)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestScenarioD_SweepMarksOverdueWithoutMovingBalance(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)

	// GIVEN: a pending payment of 100 created yesterday, due yesterday
	tl.clock.Advance(-day)
	p := tl.create(t, "hh-1", "100", tl.today())
	tl.clock.Advance(day)
	stored, err := tl.mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, stored.Status)

	// WHEN: the sweep runs today
	result, err := tl.svc.SweepOverdue(ctx, tl.today())
	require.NoError(t, err)

	// THEN: the stored status is overdue and the balance is still 100
	assert.Equal(t, 1, result.Swept)
	assert.Equal(t, []ledger.PaymentID{p.ID}, result.PaymentIDs)
	stored, err = tl.mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOverdue, stored.Status)
	assertMoney(t, "100", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestScenarioE_DeleteOverduePayment(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)

	// GIVEN: balance 200 made of an overdue 80 and a pending 120
	overdue := tl.create(t, "hh-1", "80", tl.today().AddDays(-5))
	require.Equal(t, ledger.StatusOverdue, overdue.Status)
	tl.create(t, "hh-1", "120", tl.today().AddDays(5))
	assertMoney(t, "200", tl.balance(t, "hh-1"))

	// WHEN: deleting the overdue payment
	require.NoError(t, tl.svc.DeletePayment(ctx, overdue.ID))

	// THEN: the balance drops to 120
	assertMoney(t, "120", tl.balance(t, "hh-1"))
	_, err := tl.svc.GetPayment(ctx, overdue.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	tl.requireConsistent(t)
}

func TestScenarioF_GenerateMonthlyForActiveHouseholds(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 3)

	// WHEN: generating the cleaning fee (50) for April
	count, err := tl.svc.GenerateMonthly(ctx, "cleaning", 4, 2024)
	require.NoError(t, err)

	// THEN: three payments, each household up by 50
	assert.Equal(t, 3, count)
	for _, id := range []ledger.HouseholdID{"hh-1", "hh-2", "hh-3"} {
		assertMoney(t, "50", tl.balance(t, id), id)
	}

	payments, err := tl.svc.ListPayments(ctx, ledger.PaymentFilter{FeeCategoryID: "cleaning"})
	require.NoError(t, err)
	require.Len(t, payments, 3)
	for _, p := range payments {
		assert.Equal(t, ledger.StatusPending, p.Status)
		assert.Equal(t, "2024-04-30", p.DueDate.String())
		assert.Equal(t, ledger.GenerationKey("cleaning", 2024, time.April, p.HouseholdID), p.IdempotencyKey)
	}
	tl.requireConsistent(t)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreatePayment_DefaultsToCategoryAmount(t *testing.T) {
	tl := newTestLedger(t, 1)

	p, err := tl.svc.CreatePayment(context.Background(), ledger.CreatePaymentInput{
		HouseholdID:   "hh-1",
		FeeCategoryID: "maintenance",
		DueDate:       tl.today().AddDays(3),
	})

	require.NoError(t, err)
	assertMoney(t, "150", p.Amount)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
}

func TestCreatePayment_CollectedDoesNotChargeAndDefaultsMethod(t *testing.T) {
	tl := newTestLedger(t, 1)

	p, err := tl.svc.CreatePayment(context.Background(), ledger.CreatePaymentInput{
		HouseholdID:   "hh-1",
		FeeCategoryID: "maintenance",
		DueDate:       tl.today(),
		Status:        ledger.StatusCollected,
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCollected, p.Status)
	require.NotNil(t, p.PaymentMethod)
	assert.Equal(t, ledger.DefaultPaymentMethod, *p.PaymentMethod)
	assert.NotNil(t, p.PaymentDate)
	assertMoney(t, "0", tl.balance(t, "hh-1"))
}

func TestCreatePayment_PastDueStoredOverdue(t *testing.T) {
	tl := newTestLedger(t, 1)

	p := tl.create(t, "hh-1", "75.25", tl.today().AddDays(-1))

	assert.Equal(t, ledger.StatusOverdue, p.Status)
	assertMoney(t, "75.25", tl.balance(t, "hh-1"))
}

func TestCreatePayment_Errors(t *testing.T) {
	tl := newTestLedger(t, 1)
	zero := money("0")
	negative := money("-10")
	subCent := money("10.004")
	blank := ""

	tests := []struct {
		name string
		in   ledger.CreatePaymentInput
		want error
	}{
		{"unknown household", ledger.CreatePaymentInput{HouseholdID: "hh-404", FeeCategoryID: "maintenance", DueDate: tl.today()}, ledger.ErrNotFound},
		{"unknown category", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "pool", DueDate: tl.today()}, ledger.ErrNotFound},
		{"zero amount", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "maintenance", Amount: &zero, DueDate: tl.today()}, ledger.ErrInvalidArgument},
		{"negative amount", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "maintenance", Amount: &negative, DueDate: tl.today()}, ledger.ErrInvalidArgument},
		{"sub-cent amount", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "maintenance", Amount: &subCent, DueDate: tl.today()}, ledger.ErrInvalidArgument},
		{"missing due date", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "maintenance"}, ledger.ErrInvalidArgument},
		{"missing household", ledger.CreatePaymentInput{FeeCategoryID: "maintenance", DueDate: tl.today()}, ledger.ErrInvalidArgument},
		{"unknown status", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "maintenance", DueDate: tl.today(), Status: "void"}, ledger.ErrInvalidArgument},
		{"collected with blank method", ledger.CreatePaymentInput{HouseholdID: "hh-1", FeeCategoryID: "maintenance", DueDate: tl.today(), Status: ledger.StatusCollected, PaymentMethod: &blank}, ledger.ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tl.svc.CreatePayment(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want, ledger.Kind(err))
		})
	}

	assertMoney(t, "0", tl.balance(t, "hh-1"), "failed creates must not touch the balance")
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdatePayment_AmountEditWhileOutstanding(t *testing.T) {
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))

	amount := money("175.50")
	updated, err := tl.svc.UpdatePayment(context.Background(), p.ID, ledger.PaymentPatch{Amount: &amount})

	require.NoError(t, err)
	assertMoney(t, "175.50", updated.Amount)
	assertMoney(t, "175.50", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestUpdatePayment_AmountEditWhileCollected(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))
	_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
	require.NoError(t, err)

	amount := money("300")
	_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Amount: &amount})
	require.NoError(t, err)

	assertMoney(t, "0", tl.balance(t, "hh-1"))

	// Reversal charges the edited amount.
	_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusPending)})
	require.NoError(t, err)
	assertMoney(t, "300", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestUpdatePayment_CollectAndAmountEditTogether(t *testing.T) {
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))

	amount := money("160")
	updated, err := tl.svc.UpdatePayment(context.Background(), p.ID, ledger.PaymentPatch{
		Status: statusPtr(ledger.StatusCollected),
		Amount: &amount,
	})

	require.NoError(t, err)
	assertMoney(t, "160", updated.Amount)
	assertMoney(t, "0", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestUpdatePayment_CollectDefaultsToCash(t *testing.T) {
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))

	updated, err := tl.svc.UpdatePayment(context.Background(), p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})

	require.NoError(t, err)
	require.NotNil(t, updated.PaymentMethod)
	assert.Equal(t, ledger.MethodCash, *updated.PaymentMethod)
}

func TestUpdatePayment_MethodEditKeepsPaymentDate(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))
	collected, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
	require.NoError(t, err)

	tl.clock.Advance(2 * day)
	card := ledger.MethodCard
	edited, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{PaymentMethod: &card})

	require.NoError(t, err)
	assert.Equal(t, ledger.MethodCard, *edited.PaymentMethod)
	assert.Equal(t, *collected.PaymentDate, *edited.PaymentDate)
	assertMoney(t, "0", tl.balance(t, "hh-1"))
}

func TestUpdatePayment_ReversalLandsOnEffectiveStatus(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(-3))
	_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
	require.NoError(t, err)

	// WHEN: reversing to pending although the due date has passed
	reversed, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusPending)})

	// THEN: the payment lands on overdue
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOverdue, reversed.Status)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
}

func TestUpdatePayment_Errors(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))

	t.Run("not found", func(t *testing.T) {
		_, err := tl.svc.UpdatePayment(ctx, "missing", ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		assert.True(t, ledger.IsNotFound(err))
	})

	t.Run("blank method", func(t *testing.T) {
		blank := " "
		_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected), PaymentMethod: &blank})
		assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
	})

	t.Run("unknown method", func(t *testing.T) {
		cheque := "cheque"
		_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected), PaymentMethod: &cheque})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		zero := money("0")
		_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Amount: &zero})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("sub-cent amount", func(t *testing.T) {
		subCent := money("149.995")
		_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected), Amount: &subCent})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr("void")})
		assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
		assert.True(t, ledger.IsClientError(err))
	})

	assertMoney(t, "150", tl.balance(t, "hh-1"), "rejected updates must not touch the balance")
	got, err := tl.svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeletePayment_CollectedLeavesBalance(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	tl.create(t, "hh-1", "100", tl.today().AddDays(5))
	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))
	_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
	require.NoError(t, err)

	require.NoError(t, tl.svc.DeletePayment(ctx, p.ID))

	assertMoney(t, "100", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestDeletePayment_NotFound(t *testing.T) {
	tl := newTestLedger(t, 1)

	err := tl.svc.DeletePayment(context.Background(), "missing")

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// BULK GENERATION
// =============================================================================

func TestGenerateMonthly_SkipsInactiveHouseholds(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 2)
	require.NoError(t, tl.mem.SaveHousehold(ctx, ledger.Household{
		ID: "hh-vacant", Unit: "Z-999", Status: ledger.HouseholdInactive,
	}))

	count, err := tl.svc.GenerateMonthly(ctx, "maintenance", 3, 2024)

	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assertMoney(t, "0", tl.balance(t, "hh-vacant"))
}

func TestGenerateMonthly_NoActiveHouseholds(t *testing.T) {
	tl := newTestLedger(t, 0)

	count, err := tl.svc.GenerateMonthly(context.Background(), "maintenance", 3, 2024)

	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGenerateMonthly_PastMonthIsOverdue(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)

	_, err := tl.svc.GenerateMonthly(ctx, "maintenance", 1, 2024)
	require.NoError(t, err)

	payments, err := tl.mem.ListPayments(ctx, ledger.PaymentFilter{HouseholdID: "hh-1"})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, ledger.StatusOverdue, payments[0].Status)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
}

func TestGenerateMonthly_RepeatRunIsRejected(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 3)
	_, err := tl.svc.GenerateMonthly(ctx, "cleaning", 4, 2024)
	require.NoError(t, err)

	// WHEN: the same category and month is generated again
	count, err := tl.svc.GenerateMonthly(ctx, "cleaning", 4, 2024)

	// THEN: nothing new is charged
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Zero(t, count)
	for _, id := range []ledger.HouseholdID{"hh-1", "hh-2", "hh-3"} {
		assertMoney(t, "50", tl.balance(t, id), id)
	}
	payments, err := tl.svc.ListPayments(ctx, ledger.PaymentFilter{FeeCategoryID: "cleaning"})
	require.NoError(t, err)
	assert.Len(t, payments, 3)

	// A different month is a different run.
	count, err = tl.svc.GenerateMonthly(ctx, "cleaning", 5, 2024)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestGenerateMonthly_IsAtomic(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 10)
	existing := tl.create(t, "hh-7", "20", tl.today().AddDays(5))

	// GIVEN: a store that fails the 5th insert of the batch
	faulty := &faultyStore{Memory: tl.mem, failOn: 5}
	svc := ledger.NewService(faulty, zap.NewNop())
	svc.Now = tl.clock.Now

	// WHEN: generating for 10 households
	count, err := svc.GenerateMonthly(ctx, "maintenance", 4, 2024)

	// THEN: the failure surfaces as internal and nothing was written
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInternal)
	assert.Zero(t, count)

	payments, err := tl.mem.ListPayments(ctx, ledger.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, existing.ID, payments[0].ID)
	for i := 1; i <= 10; i++ {
		id := ledger.HouseholdID(fmt.Sprintf("hh-%d", i))
		want := "0"
		if id == "hh-7" {
			want = "20"
		}
		assertMoney(t, want, tl.balance(t, id), id)
	}
	tl.requireConsistent(t)
}

func TestGenerateMonthly_Validation(t *testing.T) {
	tl := newTestLedger(t, 1)

	tests := []struct {
		name        string
		category    ledger.FeeCategoryID
		month, year int
		want        error
	}{
		{"month zero", "maintenance", 0, 2024, ledger.ErrInvalidArgument},
		{"month thirteen", "maintenance", 13, 2024, ledger.ErrInvalidArgument},
		{"year zero", "maintenance", 1, 0, ledger.ErrInvalidArgument},
		{"missing category", "", 1, 2024, ledger.ErrInvalidArgument},
		{"unknown category", "pool", 1, 2024, ledger.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tl.svc.GenerateMonthly(context.Background(), tt.category, tt.month, tt.year)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGenerateMonthly_RejectsSubCentCategoryAmount(t *testing.T) {
	// GIVEN: a fee category saved with a fraction of a cent
	ctx := context.Background()
	tl := newTestLedger(t, 2)
	require.NoError(t, tl.mem.SaveFeeCategory(ctx, ledger.FeeCategory{
		ID: "water", Name: "Water", Amount: money("33.333"), Frequency: ledger.FrequencyMonthly,
	}))

	// WHEN: generating that category
	count, err := tl.svc.GenerateMonthly(ctx, "water", 4, 2024)

	// THEN: nothing is charged
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	assert.Zero(t, count)
	payments, err := tl.svc.ListPayments(ctx, ledger.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, payments)
	assertMoney(t, "0", tl.balance(t, "hh-1"))
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

func TestSweepOverdue_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 2)
	tl.clock.Advance(-10 * day)
	tl.create(t, "hh-1", "100", tl.today().AddDays(2))
	tl.create(t, "hh-2", "40", tl.today().AddDays(3))
	tl.create(t, "hh-2", "60", tl.today().AddDays(30))
	tl.clock.Advance(10 * day)

	first, err := tl.svc.SweepOverdue(ctx, tl.today())
	require.NoError(t, err)
	second, err := tl.svc.SweepOverdue(ctx, tl.today())
	require.NoError(t, err)

	assert.Equal(t, 2, first.Swept)
	assert.Zero(t, second.Swept)
	assertMoney(t, "100", tl.balance(t, "hh-1"))
	assertMoney(t, "100", tl.balance(t, "hh-2"))
	tl.requireConsistent(t)
}

func TestSweepOverdue_LeavesCollectedAlone(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	tl.clock.Advance(-10 * day)
	p := tl.create(t, "hh-1", "100", tl.today().AddDays(2))
	_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
	require.NoError(t, err)
	tl.clock.Advance(10 * day)

	result, err := tl.svc.SweepOverdue(ctx, tl.today())

	require.NoError(t, err)
	assert.Zero(t, result.Swept)
	got, err := tl.svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCollected, got.Status)
}

func TestReadsAgreeWithSweep(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)
	p := tl.create(t, "hh-1", "100", tl.today().AddDays(1))

	// GIVEN: three days pass without a sweep
	tl.clock.Advance(3 * day)
	stored, err := tl.mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, stored.Status)

	// THEN: reads already report overdue
	lazy, err := tl.svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOverdue, lazy.Status)

	overdue, err := tl.svc.ListPayments(ctx, ledger.PaymentFilter{Status: ledger.StatusOverdue})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	pending, err := tl.svc.ListPayments(ctx, ledger.PaymentFilter{Status: ledger.StatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	// WHEN: the sweep catches up
	_, err = tl.svc.SweepOverdue(ctx, tl.today())
	require.NoError(t, err)

	// THEN: storage and reads agree, and the balance never moved
	stored, err = tl.mem.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, lazy.Status, stored.Status)
	assertMoney(t, "100", tl.balance(t, "hh-1"))
}

// =============================================================================
// RETRIES
// =============================================================================

func TestWithRetry_RecoversFromConflicts(t *testing.T) {
	tl := newTestLedger(t, 1)
	cs := &conflictStore{Memory: tl.mem, conflicts: 2}
	svc := ledger.NewService(cs, zap.NewNop())
	svc.Now = tl.clock.Now
	svc.RetryBackoff = 0

	amount := money("150")
	_, err := svc.CreatePayment(context.Background(), ledger.CreatePaymentInput{
		HouseholdID: "hh-1", FeeCategoryID: "maintenance", Amount: &amount, DueDate: tl.today().AddDays(1),
	})

	require.NoError(t, err)
	assert.Equal(t, 3, cs.calls)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	tl := newTestLedger(t, 1)
	cs := &conflictStore{Memory: tl.mem, conflicts: 10}
	svc := ledger.NewService(cs, zap.NewNop())
	svc.Now = tl.clock.Now
	svc.RetryBackoff = 0
	svc.MaxAttempts = 4

	_, err := svc.GenerateMonthly(context.Background(), "maintenance", 4, 2024)

	assert.ErrorIs(t, err, ledger.ErrConflictRetry)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 4, cs.calls)
	assertMoney(t, "0", tl.balance(t, "hh-1"))
}

func TestWithRetry_StopsOnCancelledContext(t *testing.T) {
	tl := newTestLedger(t, 1)
	cs := &conflictStore{Memory: tl.mem, conflicts: 10}
	svc := ledger.NewService(cs, zap.NewNop())
	svc.RetryBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.GenerateMonthly(ctx, "maintenance", 4, 2024)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, cs.calls)
}

// =============================================================================
// INVARIANT
// =============================================================================

func TestConcurrentUpdatesOnOneHousehold(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 1)

	const n = 40
	ids := make([]ledger.PaymentID, n)
	for i := range ids {
		ids[i] = tl.create(t, "hh-1", "25", tl.today().AddDays(i-n/2)).ID
	}
	assertMoney(t, "1000", tl.balance(t, "hh-1"))

	// WHEN: every payment is collected concurrently, while new charges arrive
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for _, id := range ids {
		wg.Add(2)
		go func(id ledger.PaymentID) {
			defer wg.Done()
			_, err := tl.svc.UpdatePayment(ctx, id, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
			errs <- err
		}(id)
		go func() {
			defer wg.Done()
			amount := money("10")
			_, err := tl.svc.CreatePayment(ctx, ledger.CreatePaymentInput{
				HouseholdID: "hh-1", FeeCategoryID: "cleaning", Amount: &amount, DueDate: tl.today(),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: no update was lost
	assertMoney(t, "400", tl.balance(t, "hh-1"))
	tl.requireConsistent(t)
}

func TestInvariantHoldsAcrossRandomOperations(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 3)
	rng := rand.New(rand.NewSource(42))
	households := []ledger.HouseholdID{"hh-1", "hh-2", "hh-3"}
	methods := []string{ledger.MethodCash, ledger.MethodCard, ledger.MethodBankTransfer}
	generated := map[int]bool{}

	randomPayment := func() (ledger.Payment, bool) {
		payments, err := tl.svc.ListPayments(ctx, ledger.PaymentFilter{})
		require.NoError(t, err)
		if len(payments) == 0 {
			return ledger.Payment{}, false
		}
		return payments[rng.Intn(len(payments))], true
	}

	for step := 0; step < 400; step++ {
		var err error
		switch op := rng.Intn(8); op {
		case 0, 1:
			amount := decimal.New(int64(rng.Intn(50000)+1), -2)
			_, err = tl.svc.CreatePayment(ctx, ledger.CreatePaymentInput{
				HouseholdID:   households[rng.Intn(len(households))],
				FeeCategoryID: "maintenance",
				Amount:        &amount,
				DueDate:       tl.today().AddDays(rng.Intn(60) - 30),
			})
		case 2:
			if p, ok := randomPayment(); ok {
				method := methods[rng.Intn(len(methods))]
				_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected), PaymentMethod: &method})
			}
		case 3:
			if p, ok := randomPayment(); ok {
				target := []ledger.Status{ledger.StatusPending, ledger.StatusOverdue}[rng.Intn(2)]
				_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: &target})
			}
		case 4:
			if p, ok := randomPayment(); ok {
				amount := decimal.New(int64(rng.Intn(50000)+1), -2)
				_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Amount: &amount})
			}
		case 5:
			if p, ok := randomPayment(); ok {
				err = tl.svc.DeletePayment(ctx, p.ID)
			}
		case 6:
			tl.clock.Advance(time.Duration(rng.Intn(5)) * day)
			_, err = tl.svc.SweepOverdue(ctx, tl.today())
		case 7:
			month := rng.Intn(12) + 1
			_, err = tl.svc.GenerateMonthly(ctx, "cleaning", month, 2024)
			// A repeat run is rejected unless every payment of the month was deleted since.
			if err != nil && generated[month] {
				require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
				err = nil
			}
			generated[month] = true
		}
		require.NoError(t, err, "step %d", step)
		tl.requireConsistent(t)
	}
}

// =============================================================================
// RECONCILIATION AND EVENTS
// =============================================================================

func TestReconcile_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 2)
	tl.create(t, "hh-1", "150", tl.today().AddDays(5))

	// GIVEN: a balance adjusted behind the ledger's back
	require.NoError(t, tl.mem.AdjustBalance(ctx, "hh-2", money("12.50")))

	report, err := tl.svc.Reconcile(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Households)
	require.Len(t, report.Drifts, 1)
	drift := report.Drifts[0]
	assert.Equal(t, ledger.HouseholdID("hh-2"), drift.HouseholdID)
	assertMoney(t, "12.50", drift.Stored)
	assertMoney(t, "0", drift.Expected)
	assertMoney(t, "12.50", drift.Difference)
}

func TestReconcile_ReadsOneSnapshot(t *testing.T) {
	// GIVEN: a store that offers snapshot reads
	tl := newTestLedger(t, 2)
	tl.create(t, "hh-1", "150", tl.today().AddDays(5))
	snap := &snapshotStore{Memory: tl.mem}
	tl.svc.Store = snap

	// WHEN: reconciling
	report, err := tl.svc.Reconcile(context.Background())

	// THEN: both reads went through the snapshot
	require.NoError(t, err)
	assert.Equal(t, 1, snap.snapshots)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Households)
}

func TestEventsArePublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, 2)
	pub := &recordingPublisher{}
	tl.svc.Events = pub

	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))
	_, err := tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusCollected)})
	require.NoError(t, err)
	_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: statusPtr(ledger.StatusPending)})
	require.NoError(t, err)
	notes := "reminder sent"
	_, err = tl.svc.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Notes: &notes})
	require.NoError(t, err)
	_, err = tl.svc.GenerateMonthly(ctx, "cleaning", 4, 2024)
	require.NoError(t, err)
	require.NoError(t, tl.svc.DeletePayment(ctx, p.ID))

	// A rejected operation publishes nothing.
	_, err = tl.svc.UpdatePayment(ctx, "missing", ledger.PaymentPatch{Notes: &notes})
	require.Error(t, err)

	assert.Equal(t, []ledger.EventType{
		ledger.EventPaymentCreated,
		ledger.EventPaymentCollected,
		ledger.EventPaymentReversed,
		ledger.EventPaymentUpdated,
		ledger.EventFeesGenerated,
		ledger.EventPaymentDeleted,
	}, pub.types())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assertMoney(t, "-150", pub.events[1].BalanceDelta)
	assertMoney(t, "150", pub.events[2].BalanceDelta)
	assert.Equal(t, 2, pub.events[4].Count)
	assertMoney(t, "100", pub.events[4].BalanceDelta)
	assert.False(t, pub.events[0].OccurredAt.IsZero())
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	tl := newTestLedger(t, 1)
	tl.svc.Events = failingPublisher{}

	p := tl.create(t, "hh-1", "150", tl.today().AddDays(5))

	assert.NotEmpty(t, p.ID)
	assertMoney(t, "150", tl.balance(t, "hh-1"))
}
