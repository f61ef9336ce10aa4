package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/household-ledger/ledger"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"lock not available", &pq.Error{Code: "55P03"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, ledger.IsRetryable(mapError(tt.err)))
		})
	}
	assert.NoError(t, mapError(nil))
}

func TestMapSaveError(t *testing.T) {
	err := mapSaveError(&pq.Error{Code: "23505", Message: `duplicate key value violates unique constraint "households_unit_key"`})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
	assert.True(t, ledger.IsClientError(err))

	assert.True(t, ledger.IsRetryable(mapSaveError(&pq.Error{Code: "40001"})))
	assert.NotErrorIs(t, mapSaveError(errors.New("connection reset")), ledger.ErrAlreadyExists)
}

// rowFunc adapts a function to the scanner interface.
type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func TestScan_CorruptMoneyIsAnError(t *testing.T) {
	t.Run("household balance", func(t *testing.T) {
		_, err := scanHousehold(rowFunc(func(dest ...any) error {
			*dest[0].(*ledger.HouseholdID) = "hh-1"
			*dest[4].(*string) = "not-a-number"
			return nil
		}))
		assert.ErrorContains(t, err, "hh-1")
	})

	t.Run("fee category amount", func(t *testing.T) {
		_, err := scanFeeCategory(rowFunc(func(dest ...any) error {
			*dest[2].(*string) = ""
			return nil
		}))
		assert.Error(t, err)
	})

	t.Run("payment amount", func(t *testing.T) {
		_, err := scanPayment(rowFunc(func(dest ...any) error {
			*dest[3].(*string) = "1O.00"
			*dest[4].(*string) = "2024-03-31"
			return nil
		}))
		assert.Error(t, err)
	})
}

// openTestStore connects to LEDGER_TEST_POSTGRES_DSN and starts from empty tables.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.SaveHousehold(ctx, ledger.Household{ID: "hh-1", Unit: "A-101", OwnerName: "Amira"}))
	require.NoError(t, s.SaveHousehold(ctx, ledger.Household{ID: "hh-2", Unit: "A-102", OwnerName: "Budi"}))
	require.NoError(t, s.SaveFeeCategory(ctx, ledger.FeeCategory{
		ID: "maintenance", Name: "Maintenance", Amount: ledger.MustParseMoney("150.00"), Frequency: ledger.FrequencyMonthly,
	}))
	return s
}

func newTestService(s *Store) *ledger.Service {
	svc := ledger.NewService(s, zap.NewNop())
	svc.Now = func() time.Time { return time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC) }
	svc.RetryBackoff = 5 * time.Millisecond
	svc.MaxAttempts = 10
	return svc
}

func TestPostgres_PaymentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	method := ledger.MethodCard
	paid := time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
	p := ledger.Payment{
		ID:             "pay-1",
		HouseholdID:    "hh-1",
		FeeCategoryID:  "maintenance",
		Amount:         ledger.MustParseMoney("150.25"),
		DueDate:        ledger.NewDate(2024, 3, 31),
		Status:         ledger.StatusCollected,
		PaymentDate:    &paid,
		PaymentMethod:  &method,
		IdempotencyKey: ledger.GenerationKey("maintenance", 2024, time.March, "hh-1"),
		CreatedAt:      paid,
		UpdatedAt:      paid,
	}
	require.NoError(t, s.InsertPayment(ctx, p))

	got, err := s.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(p.Amount))
	assert.Equal(t, "2024-03-31", got.DueDate.String())
	assert.Equal(t, ledger.MethodCard, *got.PaymentMethod)
	assert.True(t, paid.Equal(*got.PaymentDate))

	dup := p
	dup.ID = "pay-2"
	assert.ErrorIs(t, s.InsertPayment(ctx, dup), ledger.ErrDuplicateIdempotencyKey)

	require.NoError(t, s.DeletePayment(ctx, "pay-1"))
	assert.ErrorIs(t, s.DeletePayment(ctx, "pay-1"), ledger.ErrNotFound)
}

func TestPostgres_ServiceKeepsInvariantUnderContention(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	svc := newTestService(s)

	count, err := svc.GenerateMonthly(ctx, "maintenance", 4, 2024)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Reconcile keeps reading while the creates commit.
	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }
	t.Cleanup(halt)
	reconciled := make(chan []ledger.BalanceDrift, 1)
	go func() {
		var drifts []ledger.BalanceDrift
		defer func() { reconciled <- drifts }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			report, err := svc.Reconcile(ctx)
			if err != nil {
				continue
			}
			drifts = append(drifts, report.Drifts...)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := ledger.MustParseMoney("10.10")
			_, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{
				HouseholdID: "hh-1", FeeCategoryID: "maintenance", Amount: &amount, DueDate: ledger.NewDate(2024, 3, 31),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	halt()
	assert.Empty(t, <-reconciled, "reconciliation must not see a half-applied write")

	h, err := svc.GetHousehold(ctx, "hh-1")
	require.NoError(t, err)
	assert.Equal(t, "352", h.Balance.String())

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "drifts: %+v", report.Drifts)
}

func TestPostgres_DirectoryUniqueUnit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.SaveHousehold(ctx, ledger.Household{ID: "hh-3", Unit: "A-101", OwnerName: "Late"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	err = s.SaveFeeCategory(ctx, ledger.FeeCategory{
		ID: "maint-2", Name: "Maintenance", Amount: ledger.MustParseMoney("10"), Frequency: ledger.FrequencyMonthly,
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)
}

func TestPostgres_SweepRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	started := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	completed := started.Add(time.Second)
	require.NoError(t, s.SaveSweepRun(ctx, ledger.SweepRun{
		ID: "run-1", Today: ledger.NewDate(2024, 3, 15), Status: ledger.RunCompleted,
		Swept: 2, StartedAt: started, CompletedAt: &completed,
	}))

	runs, err := s.ListSweepRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Swept)
	assert.Equal(t, "2024-03-15", runs[0].Today.String())
}
