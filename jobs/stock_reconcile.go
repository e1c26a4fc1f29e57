package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// LedgerVerifier describes the ledger surface reconciliation needs.
type LedgerVerifier interface {
	Keys(ctx context.Context, itemID, warehouseID string) ([]inventory.Key, error)
	Verify(ctx context.Context, key inventory.Key) (inventory.Reconciliation, error)
}

// StockReconcileJob replays every key and reports valuation drift.
type StockReconcileJob struct {
	Ledger      LedgerVerifier
	Locks       shared.LockClient
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Concurrency int
	LockTTL     time.Duration
}

// NewStockReconcileJob constructs the job handler. locks may be nil to skip
// run serialisation.
func NewStockReconcileJob(ledger LedgerVerifier, locks shared.LockClient, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &StockReconcileJob{Ledger: ledger, Locks: locks, Logger: logger, Metrics: metrics, Concurrency: 4, LockTTL: 30 * time.Minute}
}

// ReconcileSummary is the outcome of one run.
type ReconcileSummary struct {
	Keys          int
	Discrepancies int
}

// Handle executes the reconcile job.
func (j *StockReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("stock reconcile: dependencies not configured")
	}
	var payload StockReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskStockReconcile)
	_, err := j.Run(ctx, payload)
	if errors.Is(err, shared.ErrLockHeld) {
		j.Logger.Info("stock reconcile already running", slog.String("warehouse", payload.WarehouseID))
		return tracker.End(nil)
	}
	return tracker.End(err)
}

// Run reconciles every key in scope.
func (j *StockReconcileJob) Run(ctx context.Context, payload StockReconcilePayload) (ReconcileSummary, error) {
	if j.Locks != nil {
		lock, err := shared.AcquireLock(ctx, j.Locks, shared.ReconcileLockKey(payload.WarehouseID), j.LockTTL)
		if err != nil {
			return ReconcileSummary{}, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				j.Logger.Warn("stock reconcile release lock", slog.Any("error", err))
			}
		}()
	}

	keys, err := j.Ledger.Keys(ctx, payload.ItemID, payload.WarehouseID)
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("stock reconcile: list keys: %w", err)
	}

	var drift atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := j.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, key := range keys {
		g.Go(func() error {
			rec, err := j.Ledger.Verify(gctx, key)
			if err != nil {
				return fmt.Errorf("stock reconcile: %s: %w", key, err)
			}
			if rec.Consistent() {
				return nil
			}
			drift.Add(1)
			j.Logger.Error("stock ledger drift",
				slog.String("key", key.String()),
				slog.Int("entries", rec.Entries),
				slog.Any("mismatches", rec.Mismatches))
			return nil
		})
	}
	err = g.Wait()

	summary := ReconcileSummary{Keys: len(keys), Discrepancies: int(drift.Load())}
	j.Metrics.AddDiscrepancies(payload.WarehouseID, summary.Discrepancies)
	j.Logger.Info("stock reconcile finished",
		slog.Int("keys", summary.Keys),
		slog.Int("discrepancies", summary.Discrepancies))
	return summary, err
}
