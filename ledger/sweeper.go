/*
sweeper.go - Background overdue sweep

PURPOSE:
  Periodically moves pending payments whose due date has elapsed to
  overdue, replacing the database trigger the back office used to rely on.

STRATEGY:
  Eager sweep + read-time normalization. Both go through EffectiveStatus:
  - the sweep STORES EffectiveStatus for elapsed pending rows
  - LedgerService read paths REPORT EffectiveStatus for every row
  - UpdatePayment normalizes the stored status before checking transitions
  So a row read between two sweeps already shows overdue, and the next sweep
  only makes storage catch up. The balance never moves.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start
  - Records each pass as a SweepRun when the store supports it

USAGE:
  sweeper := ledger.NewOverdueSweeper(service, runs, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - service.go: SweepOverdue
  - status.go: EffectiveStatus
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultSweepInterval = 24 * time.Hour

// SweepRun is the record of one sweep pass.
type SweepRun struct {
	ID          string
	Today       Date
	Status      string // running, completed, failed
	Swept       int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// OverdueSweeper runs Service.SweepOverdue on a timer.
type OverdueSweeper struct {
	Service  *Service
	Runs     SweepRunStore // optional
	Logger   *zap.Logger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewOverdueSweeper(service *Service, runs SweepRunStore, logger *zap.Logger) *OverdueSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OverdueSweeper{
		Service:  service,
		Runs:     runs,
		Logger:   logger.Named("sweeper"),
		Interval: DefaultSweepInterval,
		Enabled:  true,
	}
}

// Start begins the sweep loop.
func (sw *OverdueSweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.Enabled {
		sw.Logger.Info("disabled, not starting")
		return
	}
	if sw.ticker != nil {
		return
	}

	sw.ticker = time.NewTicker(sw.Interval)
	sw.stop = make(chan struct{})
	sw.wg.Add(1)
	go sw.run(sw.ticker, sw.stop)

	sw.Logger.Info("started", zap.Duration("interval", sw.Interval))
}

// Stop stops the loop and waits for an in-flight pass.
func (sw *OverdueSweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker == nil {
		return
	}
	sw.ticker.Stop()
	close(sw.stop)
	sw.wg.Wait()
	sw.ticker = nil
	sw.Logger.Info("stopped")
}

func (sw *OverdueSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sw.wg.Done()

	sw.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			sw.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep pass for the service's today.
func (sw *OverdueSweeper) RunNow(ctx context.Context) (SweepRun, error) {
	today := sw.Service.Today()
	run := SweepRun{
		ID:        uuid.NewString(),
		Today:     today,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	sw.saveRun(ctx, run)

	result, err := sw.Service.SweepOverdue(ctx, today)
	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		sw.saveRun(ctx, run)
		sw.Logger.Error("sweep failed", zap.Stringer("today", today), zap.Error(err))
		return run, err
	}

	run.Status = RunCompleted
	run.Swept = result.Swept
	sw.saveRun(ctx, run)
	sw.Logger.Debug("sweep completed", zap.Stringer("today", today), zap.Int("swept", result.Swept))
	return run, nil
}

// NextRunTime returns when the next scheduled pass will occur.
func (sw *OverdueSweeper) NextRunTime() time.Time {
	return time.Now().Add(sw.Interval)
}

func (sw *OverdueSweeper) saveRun(ctx context.Context, run SweepRun) {
	if sw.Runs == nil {
		return
	}
	if err := sw.Runs.SaveSweepRun(ctx, run); err != nil {
		sw.Logger.Warn("save sweep run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
