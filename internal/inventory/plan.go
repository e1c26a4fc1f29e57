package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/measure"
)

var one = decimal.NewFromInt(1)

// leg is one signed movement on one key derived from a detail line.
type leg struct {
	id       string
	detail   Detail
	item     items.Item
	key      Key
	binID    string
	outgoing bool
	qty      decimal.Decimal
	// rate is the explicit per-stock-unit rate of the line, if any.
	rate *decimal.Decimal
	// source is the index of the transfer leg this leg takes its rate from.
	source int
	result valuation.Result
	entry  LedgerEntry
}

// buildLegs expands detail lines in order: sources before targets.
func buildLegs(se StockEntry, resolved map[string]items.Item) ([]*leg, error) {
	var legs []*leg
	for _, d := range se.Details {
		item := resolved[d.ItemID]
		factor, err := item.ConversionFactor(d.Qty.UOM())
		if err != nil {
			return nil, lineError(d.Line, ErrInvalidDetailLine, "%v", err)
		}
		qty := d.Qty.Value().Mul(factor)
		var rate *decimal.Decimal
		if d.Rate != nil {
			r := d.Rate.Amount().Div(factor).Round(measure.RatePlaces)
			rate = &r
		}
		src := -1
		if d.hasSource() {
			legs = append(legs, &leg{
				id: uuid.NewString(), detail: d, item: item, key: keyFor(item, d.SourceWarehouseID, d.BatchNo), binID: d.SourceBinID,
				outgoing: true, qty: qty, rate: rate, source: -1,
			})
			src = len(legs) - 1
		}
		if d.hasTarget() {
			l := &leg{
				id: uuid.NewString(), detail: d, item: item, key: keyFor(item, d.TargetWarehouseID, d.BatchNo), binID: d.TargetBinID,
				qty: qty, rate: rate, source: -1,
			}
			if se.Type == EntryTransfer {
				l.source = src
				l.rate = nil
			}
			legs = append(legs, l)
		}
	}
	return legs, nil
}

// keyPlan is the projected history of one key during a posting.
type keyPlan struct {
	log    KeyLog
	valuer valuation.Valuer
	policy items.BackorderPolicy
	prefix []LedgerEntry
	suffix []LedgerEntry
	legs   []*leg
	state  valuation.State
}

func activeEntries(entries []LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Cancelled {
			out = append(out, e)
		}
	}
	return out
}

// plan prices every leg of se against freshly loaded key logs.
func (l *Ledger) plan(ctx context.Context, se StockEntry, legs []*leg) (map[Key]*keyPlan, error) {
	plans := make(map[Key]*keyPlan)
	var order []Key
	for _, lg := range legs {
		p, ok := plans[lg.key]
		if !ok {
			valuer, err := valuation.For(lg.item.ValuationMethod(), lg.item.StandardRate)
			if err != nil {
				return nil, lineError(lg.detail.Line, ErrInvalidDetailLine, "item %s: %v", lg.item.ID, err)
			}
			p = &keyPlan{valuer: valuer, policy: l.policyFor(lg.item, lg.key.WarehouseID)}
			plans[lg.key] = p
			order = append(order, lg.key)
		}
		p.legs = append(p.legs, lg)
	}

	versions := make(map[Key]int64, len(plans))
	for _, key := range order {
		versions[key] = 0
	}
	for _, key := range sortedKeys(versions) {
		log, err := l.store.LoadKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("inventory: load %s: %w", key, err)
		}
		p := plans[key]
		p.log = log
		for _, e := range activeEntries(log.Entries) {
			if e.PostingDate.After(se.PostingDate) {
				p.suffix = append(p.suffix, e)
			} else {
				p.prefix = append(p.prefix, e)
			}
		}
	}

	for _, key := range order {
		if err := checkQuantities(key, plans[key]); err != nil {
			return nil, err
		}
	}

	for _, key := range order {
		p := plans[key]
		st, err := valuation.Replay(p.valuer, valuation.State{}, replaySteps(p.prefix), nil)
		if err != nil {
			return nil, fmt.Errorf("inventory: replay %s: %w", key, err)
		}
		p.state = st
	}

	if err := l.priceLegs(se, legs, plans); err != nil {
		return nil, err
	}

	for _, key := range order {
		p := plans[key]
		if err := verifySuffix(key, p.valuer, p.state, p.suffix); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// checkQuantities walks prefix, new legs and suffix. A strict key fails when a
// new leg, or a later existing entry, sees a negative balance the history
// without this posting did not have.
func checkQuantities(key Key, p *keyPlan) error {
	bal := decimal.Zero
	for _, e := range p.prefix {
		bal = bal.Add(e.Qty.Value())
	}
	strict := p.policy != items.BackorderAllow
	requested := decimal.Zero
	net := decimal.Zero
	for _, lg := range p.legs {
		if lg.outgoing {
			if strict && bal.Sub(lg.qty).IsNegative() {
				return &InsufficientStockError{Key: key, Requested: lg.qty, Available: decimal.Max(bal, decimal.Zero)}
			}
			bal = bal.Sub(lg.qty)
			net = net.Sub(lg.qty)
			requested = requested.Add(lg.qty)
		} else {
			bal = bal.Add(lg.qty)
			net = net.Add(lg.qty)
		}
	}
	without := bal.Sub(net)
	for _, e := range p.suffix {
		bal = bal.Add(e.Qty.Value())
		without = without.Add(e.Qty.Value())
		if strict && bal.IsNegative() && bal.LessThan(without) {
			return &InsufficientStockError{Key: key, Requested: requested, Available: decimal.Max(requested.Add(bal), decimal.Zero)}
		}
	}
	return nil
}

// priceLegs values legs in line order; manufacture values consumption first
// so produced goods can absorb its cost.
func (l *Ledger) priceLegs(se StockEntry, legs []*leg, plans map[Key]*keyPlan) error {
	ordered := legs
	if se.Type == EntryManufacture {
		ordered = make([]*leg, 0, len(legs))
		for _, lg := range legs {
			if lg.outgoing {
				ordered = append(ordered, lg)
			}
		}
		for _, lg := range legs {
			if !lg.outgoing {
				ordered = append(ordered, lg)
			}
		}
	}

	var fgRate *decimal.Decimal
	for _, lg := range ordered {
		p := plans[lg.key]
		mv := valuation.Movement{
			Ref:    lg.id,
			Qty:    lg.qty,
			Batch:  lg.detail.BatchNo,
			Serial: lg.detail.SerialNo,
		}
		var (
			res valuation.Result
			err error
		)
		if lg.outgoing {
			if lg.rate != nil {
				mv.Fallback, mv.HasFallback = *lg.rate, true
			}
			res, err = p.valuer.Outgoing(&p.state, mv)
		} else {
			rate, rerr := l.incomingRate(se, lg, legs, p, &fgRate)
			if rerr != nil {
				return rerr
			}
			mv.Rate = rate
			if lg.source >= 0 {
				mv.Value, mv.HasValue = legs[lg.source].result.ValueDelta.Neg(), true
			}
			res, err = p.valuer.Incoming(&p.state, mv)
		}
		if err != nil {
			return valuationLineError(lg.detail.Line, err)
		}
		lg.result = res
		if res.Variance.Sign() != 0 {
			l.logger.Info("standard cost variance",
				slog.String("item", lg.item.ID),
				slog.Int("line", lg.detail.Line),
				slog.String("variance", res.Variance.String()))
		}
	}
	return nil
}

func (l *Ledger) incomingRate(se StockEntry, lg *leg, legs []*leg, p *keyPlan, fgRate **decimal.Decimal) (decimal.Decimal, error) {
	if lg.source >= 0 {
		return legs[lg.source].result.Rate, nil
	}
	if lg.rate != nil {
		return *lg.rate, nil
	}
	if se.Type == EntryManufacture {
		if *fgRate == nil {
			r := finishedGoodsRate(legs)
			*fgRate = &r
		}
		return **fgRate, nil
	}
	if rate, ok := p.state.AverageRate(); ok && rate.IsPositive() {
		return rate, nil
	}
	if lg.item.ValuationMethod() == valuation.Standard {
		return decimal.Zero, nil
	}
	return decimal.Zero, lineError(lg.detail.Line, ErrInvalidDetailLine, "valuation rate required for item %s", lg.item.ID)
}

// finishedGoodsRate spreads consumed value, net of explicitly priced output,
// over the produced quantity that has no rate.
func finishedGoodsRate(legs []*leg) decimal.Decimal {
	consumed := decimal.Zero
	explicit := decimal.Zero
	rateless := decimal.Zero
	for _, lg := range legs {
		switch {
		case lg.outgoing:
			consumed = consumed.Sub(lg.result.ValueDelta)
		case lg.rate != nil:
			explicit = explicit.Add(lg.qty.Mul(*lg.rate))
		default:
			rateless = rateless.Add(lg.qty)
		}
	}
	if !rateless.IsPositive() {
		return decimal.Zero
	}
	residual := decimal.Max(consumed.Sub(explicit), decimal.Zero)
	return residual.Div(rateless).Round(measure.RatePlaces)
}

func valuationLineError(line int, err error) error {
	switch {
	case errors.Is(err, valuation.ErrNoValuationRate):
		return lineError(line, ErrInvalidDetailLine, "no valuation rate for backordered quantity, supply a rate")
	case errors.Is(err, valuation.ErrIdentityMismatch), errors.Is(err, valuation.ErrIdentityRequired):
		return lineError(line, ErrInvalidDetailLine, "%v", err)
	}
	return fmt.Errorf("inventory: line %d: %w", line, err)
}

// replaySteps turns recorded entries back into valuation steps. The recorded
// rate doubles as the fallback so backordered issues reproduce, and the
// incoming half of a transfer brings the value its source leg gave up.
func replaySteps(entries []LedgerEntry) []valuation.Step {
	steps := make([]valuation.Step, 0, len(entries))
	for _, e := range entries {
		rate := e.Rate.Amount()
		transferIn := e.VoucherType == EntryTransfer && !e.Outgoing()
		steps = append(steps, valuation.Step{
			Outgoing: e.Outgoing(),
			Movement: valuation.Movement{
				Ref:         e.ID,
				Seq:         e.Sequence,
				Qty:         e.Qty.Value().Abs(),
				Rate:        rate,
				Batch:       e.BatchNo,
				Serial:      e.SerialNo,
				Fallback:    rate,
				HasFallback: true,
				Value:       e.ValueDelta.Amount(),
				HasValue:    transferIn,
			},
		})
	}
	return steps
}

// verifySuffix replays entries after the insertion point and fails when any
// recorded valuation would change.
func verifySuffix(key Key, v valuation.Valuer, st valuation.State, entries []LedgerEntry) error {
	_, err := valuation.Replay(v, st, replaySteps(entries), func(i int, res valuation.Result, _ valuation.State) error {
		e := entries[i]
		if !res.ValueDelta.Equal(e.ValueDelta.Amount()) || !res.Rate.Equal(e.Rate.Amount()) {
			return fmt.Errorf("%w: %s entry %s (%s) would be revalued from %s to %s",
				ErrValuationDependency, key, e.ID, e.VoucherNo, e.ValueDelta.Amount(), res.ValueDelta)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrValuationDependency) {
		return fmt.Errorf("%w: %s: %v", ErrValuationDependency, key, err)
	}
	return err
}

// materialise turns priced legs into ledger entries.
func (l *Ledger) materialise(se StockEntry, legs []*leg) ([]LedgerEntry, error) {
	entries := make([]LedgerEntry, 0, len(legs))
	now := nowUTC()
	for _, lg := range legs {
		rate, err := measure.NewRate(lg.result.Rate, l.cfg.Currency)
		if err != nil {
			return nil, fmt.Errorf("inventory: line %d rate: %w", lg.detail.Line, err)
		}
		value, err := measure.NewMoney(lg.result.ValueDelta, l.cfg.Currency)
		if err != nil {
			return nil, fmt.Errorf("inventory: line %d value: %w", lg.detail.Line, err)
		}
		qty := lg.qty
		if lg.outgoing {
			qty = qty.Neg()
		}
		lg.entry = LedgerEntry{
			ID:           lg.id,
			Key:          lg.key,
			BinID:        lg.binID,
			BatchNo:      lg.detail.BatchNo,
			SerialNo:     lg.detail.SerialNo,
			ExpiryDate:   lg.detail.ExpiryDate,
			PostingDate:  se.PostingDate,
			Qty:          measure.Delta(qty, lg.item.StockUOM),
			Rate:         rate,
			ValueDelta:   value,
			VoucherType:  se.Type,
			StockEntryID: se.ID,
			VoucherNo:    se.Code,
			VoucherLine:  lg.detail.Line,
			CreatedAt:    now,
		}
		entries = append(entries, lg.entry)
	}
	return entries, nil
}
