package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries reorder checks raised by postings.
	QueueCritical = "critical"

	// TaskStockReconcile replays ledger history and compares it with stored valuations.
	TaskStockReconcile = "stock:reconcile"
	// TaskReorderCheck compares a balance with its item's reorder level.
	TaskReorderCheck = "stock:reorder-check"
)

// StockReconcilePayload configures the scope of a reconciliation run.
type StockReconcilePayload struct {
	ItemID      string `json:"item_id,omitempty"`
	WarehouseID string `json:"warehouse_id,omitempty"`
}

// NewStockReconcileTask creates an Asynq task for reconciling ledger keys.
func NewStockReconcileTask(itemID, warehouseID string) (*asynq.Task, error) {
	body, err := json.Marshal(StockReconcilePayload{ItemID: itemID, WarehouseID: warehouseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body, asynq.Queue(QueueDefault), asynq.Timeout(30*time.Minute)), nil
}

// ReorderCheckPayload names the balance to check.
type ReorderCheckPayload struct {
	ItemID      string `json:"item_id"`
	WarehouseID string `json:"warehouse_id"`
	Batch       string `json:"batch_no,omitempty"`
	StockEntry  string `json:"stock_entry,omitempty"`
}

// NewReorderCheckTask creates a reorder-check task, unique per balance for a
// short window so bursts of postings collapse into one check.
func NewReorderCheckTask(payload ReorderCheckPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReorderCheck, body,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(3),
		asynq.Unique(30*time.Second),
	), nil
}
