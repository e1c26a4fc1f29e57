package valuation

import "github.com/shopspring/decimal"

type standardCost struct {
	rate decimal.Decimal
}

func (standardCost) Method() Method { return Standard }

func (s standardCost) Incoming(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	delta := mv.Qty.Mul(s.rate).Round(valuePlaces)
	variance := mv.Qty.Mul(mv.Rate).Round(valuePlaces).Sub(delta)
	st.Qty, st.Value = st.Qty.Add(mv.Qty), st.Value.Add(delta)
	return Result{Rate: s.rate, ValueDelta: delta, Variance: variance}, nil
}

func (s standardCost) Outgoing(st *State, mv Movement) (Result, error) {
	if err := checkQty(mv); err != nil {
		return Result{}, err
	}
	delta := mv.Qty.Mul(s.rate).Round(valuePlaces).Neg()
	st.Qty, st.Value = st.Qty.Sub(mv.Qty), st.Value.Add(delta)
	return Result{Rate: s.rate, ValueDelta: delta}, nil
}
