package valuation

import "github.com/shopspring/decimal"

// lotQueue implements FIFO and LIFO. A negative balance is held as a single
// deficit lot, which incoming stock fills first.
type lotQueue struct {
	method Method
}

func (q lotQueue) Method() Method { return q.method }

func (q lotQueue) Incoming(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	rate := mv.Rate.Round(ratePlaces)
	before := lotValue(st.Lots)
	lots := append([]Lot(nil), st.Lots...)

	if len(lots) == 1 && lots[0].Qty.IsNegative() {
		remaining := lots[0].Qty.Add(mv.Qty)
		switch {
		case remaining.IsPositive():
			lots = []Lot{{Ref: mv.Ref, Seq: mv.Seq, Batch: mv.Batch, Serial: mv.Serial, Qty: remaining, Rate: rate,
				Value: remaining.Mul(rate).Round(valuePlaces)}}
		case remaining.IsZero():
			lots = nil
		default:
			lots[0] = deficit(lots[0].Ref, lots[0].Seq, remaining, lots[0].Rate)
		}
	} else {
		lots = append(lots, Lot{Ref: mv.Ref, Seq: mv.Seq, Batch: mv.Batch, Serial: mv.Serial, Qty: mv.Qty, Rate: rate,
			Value: mv.incomingValue(rate)})
	}

	st.Lots = lots
	st.Qty = lotQty(lots)
	st.Value = lotValue(lots)
	return Result{Rate: rate, ValueDelta: st.Value.Sub(before)}, nil
}

func (q lotQueue) Outgoing(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	before := lotValue(st.Lots)
	lots := append([]Lot(nil), st.Lots...)
	remaining := mv.Qty
	var (
		consumed []Lot
		lastRate decimal.Decimal
		haveRate bool
	)

	for remaining.IsPositive() {
		idx := q.next(lots)
		if idx < 0 {
			break
		}
		lot := lots[idx]
		qty := decimal.Min(lot.Qty, remaining)
		value := take(&lot, qty)
		consumed = append(consumed, Lot{Ref: lot.Ref, Seq: lot.Seq, Batch: lot.Batch, Serial: lot.Serial, Qty: qty, Rate: lot.Rate, Value: value})
		lastRate, haveRate = lot.Rate, true
		remaining = remaining.Sub(qty)
		if lot.Qty.IsZero() {
			lots = append(lots[:idx], lots[idx+1:]...)
		} else {
			lots[idx] = lot
		}
	}

	if remaining.IsPositive() {
		var rate decimal.Decimal
		switch {
		case haveRate:
			rate = lastRate
		case len(lots) == 1 && lots[0].Qty.IsNegative():
			rate = lots[0].Rate
		case mv.HasFallback:
			rate = mv.Fallback.Round(ratePlaces)
		default:
			return Result{}, ErrNoValuationRate
		}
		if len(lots) == 1 && lots[0].Qty.IsNegative() {
			lots[0] = deficit(lots[0].Ref, lots[0].Seq, lots[0].Qty.Sub(remaining), lots[0].Rate)
		} else {
			lots = []Lot{deficit(mv.Ref, mv.Seq, remaining.Neg(), rate)}
		}
	}

	st.Lots = lots
	st.Qty = lotQty(lots)
	st.Value = lotValue(lots)
	delta := st.Value.Sub(before)
	return Result{Rate: outRate(delta, mv.Qty), ValueDelta: delta, Consumed: consumed}, nil
}

// next picks the positive lot to draw from, or -1.
func (q lotQueue) next(lots []Lot) int {
	if q.method == LIFO {
		for i := len(lots) - 1; i >= 0; i-- {
			if lots[i].Qty.IsPositive() {
				return i
			}
		}
		return -1
	}
	for i := range lots {
		if lots[i].Qty.IsPositive() {
			return i
		}
	}
	return -1
}
