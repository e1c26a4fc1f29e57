package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// Enqueuer submits tasks; *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EventPublisher turns ledger events into reorder checks for every key
// whose stock went down.
type EventPublisher struct {
	queue Enqueuer
}

// NewEventPublisher constructs the publisher.
func NewEventPublisher(queue Enqueuer) *EventPublisher {
	return &EventPublisher{queue: queue}
}

var _ inventory.EventSink = (*EventPublisher)(nil)

// Publish implements inventory.EventSink.
func (p *EventPublisher) Publish(ctx context.Context, evt inventory.Event) error {
	if p == nil || p.queue == nil {
		return nil
	}
	var errs []error
	seen := make(map[[2]string]struct{})
	for _, mv := range evt.Movements {
		if !mv.QtyDelta.IsNegative() {
			continue
		}
		scope := [2]string{mv.Key.ItemID, mv.Key.WarehouseID}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		task, err := NewReorderCheckTask(ReorderCheckPayload{
			ItemID:      mv.Key.ItemID,
			WarehouseID: mv.Key.WarehouseID,
			Batch:       mv.Key.Batch,
			StockEntry:  evt.Code,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.queue.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
