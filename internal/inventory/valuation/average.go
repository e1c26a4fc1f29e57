package valuation

import "github.com/shopspring/decimal"

type movingAverage struct{}

func (movingAverage) Method() Method { return WeightedAverage }

func (movingAverage) Incoming(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	rate := mv.Rate.Round(ratePlaces)
	newQty := st.Qty.Add(mv.Qty)
	var newValue decimal.Decimal
	if st.Qty.IsNegative() || !newQty.IsPositive() {
		// a negative basis is re-based at the incoming rate
		newValue = newQty.Mul(rate).Round(valuePlaces)
	} else {
		newValue = st.Value.Add(mv.incomingValue(rate))
	}
	delta := newValue.Sub(st.Value)
	st.Qty, st.Value = newQty, newValue
	return Result{Rate: rate, ValueDelta: delta}, nil
}

func (movingAverage) Outgoing(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	newQty := st.Qty.Sub(mv.Qty)
	if st.Qty.IsPositive() && !newQty.IsNegative() {
		var delta decimal.Decimal
		if newQty.IsZero() {
			delta = st.Value.Neg()
		} else {
			delta = st.Value.Mul(mv.Qty).Div(st.Qty).Round(valuePlaces).Neg()
		}
		st.Qty, st.Value = newQty, st.Value.Add(delta)
		return Result{Rate: outRate(delta, mv.Qty), ValueDelta: delta}, nil
	}

	rate, ok := st.AverageRate()
	if !ok {
		if !mv.HasFallback {
			return Result{}, ErrNoValuationRate
		}
		rate = mv.Fallback.Round(ratePlaces)
	}
	newValue := newQty.Mul(rate).Round(valuePlaces)
	delta := newValue.Sub(st.Value)
	st.Qty, st.Value = newQty, newValue
	return Result{Rate: rate, ValueDelta: delta}, nil
}
