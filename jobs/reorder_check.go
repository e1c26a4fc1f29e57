package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// BalanceReader reads running balances.
type BalanceReader interface {
	RunningBalance(ctx context.Context, q inventory.BalanceQuery) (inventory.Balance, error)
}

// ReorderCheckJob logs a reorder suggestion when a balance falls to its
// item's reorder level.
type ReorderCheckJob struct {
	Balances BalanceReader
	Items    inventory.ItemCatalog
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewReorderCheckJob constructs the job handler.
func NewReorderCheckJob(balances BalanceReader, items inventory.ItemCatalog, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReorderCheckJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReorderCheckJob{Balances: balances, Items: items, Logger: logger, Metrics: metrics}
}

// Handle executes the reorder check.
func (j *ReorderCheckJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Balances == nil || j.Items == nil {
		return errors.New("reorder check: dependencies not configured")
	}
	var payload ReorderCheckPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.ItemID == "" || payload.WarehouseID == "" {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskReorderCheck)
	_, err := j.Check(ctx, payload)
	return tracker.End(err)
}

// Check reports whether the balance needs replenishing.
func (j *ReorderCheckJob) Check(ctx context.Context, payload ReorderCheckPayload) (bool, error) {
	item, err := j.Items.GetItem(ctx, payload.ItemID)
	if err != nil {
		return false, fmt.Errorf("reorder check: item %s: %w", payload.ItemID, err)
	}
	if !item.ReorderLevel.IsPositive() {
		return false, nil
	}
	// Reorder levels apply to the item in the warehouse, across batches.
	balance, err := j.Balances.RunningBalance(ctx, inventory.BalanceQuery{ItemID: payload.ItemID, WarehouseID: payload.WarehouseID})
	if err != nil {
		return false, fmt.Errorf("reorder check: balance: %w", err)
	}
	if balance.Qty.Value().GreaterThan(item.ReorderLevel) {
		return false, nil
	}
	j.Metrics.AddReorderSuggestions(1)
	j.Logger.Warn("stock at reorder level",
		slog.String("item", item.Code),
		slog.String("warehouse", payload.WarehouseID),
		slog.String("on_hand", balance.Qty.Value().String()),
		slog.String("reorder_level", item.ReorderLevel.String()),
		slog.String("suggested_qty", item.ReorderQty.String()),
		slog.String("stock_entry", payload.StockEntry))
	return true, nil
}
