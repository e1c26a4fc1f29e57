package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventPosted    EventKind = "stock_entry.posted"
	EventCancelled EventKind = "stock_entry.cancelled"
)

// KeyMovement summarises the net change a posting made on one key.
type KeyMovement struct {
	Key        Key             `json:"key"`
	QtyDelta   decimal.Decimal `json:"qty_delta"`
	ValueDelta decimal.Decimal `json:"value_delta"`
}

// Event is emitted after a commit succeeds.
type Event struct {
	Kind         EventKind      `json:"kind"`
	StockEntryID string         `json:"stock_entry_id"`
	Code         string         `json:"code"`
	Type         StockEntryType `json:"type"`
	PostingDate  time.Time      `json:"posting_date"`
	Movements    []KeyMovement  `json:"movements"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// EventSink receives ledger events after commit. Publish errors are only logged.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

func (l *Ledger) publish(ctx context.Context, kind EventKind, se StockEntry, entries []LedgerEntry) {
	if l.events == nil {
		return
	}
	evt := Event{
		Kind:         kind,
		StockEntryID: se.ID,
		Code:         se.Code,
		Type:         se.Type,
		PostingDate:  se.PostingDate,
		Movements:    summarise(entries),
		OccurredAt:   nowUTC(),
	}
	if err := l.events.Publish(ctx, evt); err != nil {
		l.logger.Warn("publish ledger event",
			slog.String("kind", string(kind)),
			slog.String("stock_entry", se.Code),
			slog.Any("error", err))
	}
}

func summarise(entries []LedgerEntry) []KeyMovement {
	var out []KeyMovement
	idx := make(map[Key]int)
	for _, e := range entries {
		i, ok := idx[e.Key]
		if !ok {
			i = len(out)
			idx[e.Key] = i
			out = append(out, KeyMovement{Key: e.Key})
		}
		out[i].QtyDelta = out[i].QtyDelta.Add(e.Qty.Value())
		out[i].ValueDelta = out[i].ValueDelta.Add(e.ValueDelta.Amount())
	}
	return out
}
