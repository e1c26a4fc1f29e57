package valuation

import "fmt"

// specificID keeps one lot per batch/serial identity and never lets an
// identity go negative.
type specificID struct{}

func (specificID) Method() Method { return Specific }

func (specificID) Incoming(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	if mv.Batch == "" && mv.Serial == "" {
		return Result{}, ErrIdentityRequired
	}
	rate := mv.Rate.Round(ratePlaces)
	before := lotValue(st.Lots)
	lots := append([]Lot(nil), st.Lots...)
	if idx := findIdentity(lots, mv.Batch, mv.Serial); idx >= 0 {
		if !lots[idx].Rate.Equal(rate) {
			return Result{}, fmt.Errorf("%w: %s already held at %s", ErrIdentityMismatch, identity(mv.Batch, mv.Serial), lots[idx].Rate)
		}
		lots[idx].Qty = lots[idx].Qty.Add(mv.Qty)
		lots[idx].Value = lots[idx].Value.Add(mv.incomingValue(rate))
	} else {
		lots = append(lots, Lot{Ref: mv.Ref, Seq: mv.Seq, Batch: mv.Batch, Serial: mv.Serial, Qty: mv.Qty, Rate: rate,
			Value: mv.incomingValue(rate)})
	}
	st.Lots = lots
	st.Qty = lotQty(lots)
	st.Value = lotValue(lots)
	return Result{Rate: rate, ValueDelta: st.Value.Sub(before)}, nil
}

func (specificID) Outgoing(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	if mv.Batch == "" && mv.Serial == "" {
		return Result{}, ErrIdentityRequired
	}
	idx := findIdentity(st.Lots, mv.Batch, mv.Serial)
	if idx < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrIdentityMismatch, identity(mv.Batch, mv.Serial))
	}
	held := st.Lots[idx]
	if held.Qty.LessThan(mv.Qty) {
		return Result{}, fmt.Errorf("%w: %s holds %s, requested %s", ErrIdentityMismatch, identity(mv.Batch, mv.Serial), held.Qty, mv.Qty)
	}
	before := lotValue(st.Lots)
	lots := append([]Lot(nil), st.Lots...)
	value := take(&lots[idx], mv.Qty)
	if lots[idx].Qty.IsZero() {
		lots = append(lots[:idx], lots[idx+1:]...)
	}
	st.Lots = lots
	st.Qty = lotQty(lots)
	st.Value = lotValue(lots)
	delta := st.Value.Sub(before)
	consumed := []Lot{{Ref: held.Ref, Seq: held.Seq, Batch: held.Batch, Serial: held.Serial, Qty: mv.Qty, Rate: held.Rate, Value: value}}
	return Result{Rate: held.Rate, ValueDelta: delta, Consumed: consumed}, nil
}

func findIdentity(lots []Lot, batch, serial string) int {
	for i, lot := range lots {
		if lot.Batch == batch && lot.Serial == serial {
			return i
		}
	}
	return -1
}

func identity(batch, serial string) string {
	switch {
	case batch != "" && serial != "":
		return "batch " + batch + " serial " + serial
	case serial != "":
		return "serial " + serial
	}
	return "batch " + batch
}
