// Package valuation prices stock movements under the supported costing methods.
package valuation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Method names a costing method.
type Method string

const (
	WeightedAverage Method = "weighted_average"
	FIFO            Method = "fifo"
	LIFO            Method = "lifo"
	Standard        Method = "standard"
	Specific        Method = "specific"
)

const (
	ratePlaces  = 9
	valuePlaces = 6
)

var (
	// ErrUnknownMethod is returned for unsupported method names.
	ErrUnknownMethod = errors.New("valuation: unknown method")
	// ErrNoValuationRate is returned when an outgoing movement has nothing to price against.
	ErrNoValuationRate = errors.New("valuation: no valuation rate available")
	// ErrMissingStandardRate is returned when standard costing has no rate configured.
	ErrMissingStandardRate = errors.New("valuation: standard rate required")
	// ErrIdentityRequired is returned when specific identification lacks a batch or serial.
	ErrIdentityRequired = errors.New("valuation: batch or serial required")
	// ErrIdentityMismatch is returned when an outgoing identity is not held in sufficient quantity.
	ErrIdentityMismatch = errors.New("valuation: identity not held")
	// ErrNonPositiveQuantity is returned for movements of zero or negative size.
	ErrNonPositiveQuantity = errors.New("valuation: movement quantity must be positive")
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case WeightedAverage, FIFO, LIFO, Standard, Specific:
		return true
	}
	return false
}

// Lot is a quantity received at a known rate. Value is the value the lot
// carries; it is the rounded qty × rate unless the lot arrived with an exact
// value.
type Lot struct {
	Ref    string          `json:"ref"`
	Seq    int64           `json:"seq"`
	Batch  string          `json:"batch,omitempty"`
	Serial string          `json:"serial,omitempty"`
	Qty    decimal.Decimal `json:"qty"`
	Rate   decimal.Decimal `json:"rate"`
	Value  decimal.Decimal `json:"value"`
}

// State is the running valuation of one ledger key.
type State struct {
	Qty   decimal.Decimal
	Value decimal.Decimal
	Lots  []Lot
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Qty: s.Qty, Value: s.Value}
	if len(s.Lots) > 0 {
		out.Lots = append([]Lot(nil), s.Lots...)
	}
	return out
}

// AverageRate is value over quantity, or false when the quantity is zero.
func (s State) AverageRate() (decimal.Decimal, bool) {
	if s.Qty.IsZero() {
		return decimal.Zero, false
	}
	return s.Value.Div(s.Qty).Round(ratePlaces), true
}

// Movement is one priced leg. Qty is always the positive magnitude.
type Movement struct {
	Ref    string
	Seq    int64
	Qty    decimal.Decimal
	Rate   decimal.Decimal
	Batch  string
	Serial string
	// Fallback prices outgoing stock the state cannot cover.
	Fallback    decimal.Decimal
	HasFallback bool
	// Value is the exact value an incoming movement brings, used by
	// transfers so both legs move the same amount. Standard cost and
	// incoming stock that fills a negative balance ignore it.
	Value    decimal.Decimal
	HasValue bool
}

// incomingValue is the value an incoming movement adds at rate.
func (mv Movement) incomingValue(rate decimal.Decimal) decimal.Decimal {
	if mv.HasValue {
		return mv.Value
	}
	return mv.Qty.Mul(rate).Round(valuePlaces)
}

// Result is the price of a movement.
type Result struct {
	Rate       decimal.Decimal
	ValueDelta decimal.Decimal
	// Variance is the supplied minus standard value on standard-cost receipts.
	Variance decimal.Decimal
	Consumed []Lot
}

// Valuer prices incoming and outgoing movements against a running state.
type Valuer interface {
	Method() Method
	Incoming(st *State, mv Movement) (Result, error)
	Outgoing(st *State, mv Movement) (Result, error)
}

// For returns the valuer for method. standardRate is only read for Standard.
func For(method Method, standardRate *decimal.Decimal) (Valuer, error) {
	switch method {
	case WeightedAverage, "":
		return movingAverage{}, nil
	case FIFO:
		return lotQueue{method: FIFO}, nil
	case LIFO:
		return lotQueue{method: LIFO}, nil
	case Standard:
		if standardRate == nil || standardRate.IsNegative() {
			return nil, ErrMissingStandardRate
		}
		return standardCost{rate: standardRate.Round(ratePlaces)}, nil
	case Specific:
		return specificID{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

// Step is one movement in a replay.
type Step struct {
	Movement Movement
	Outgoing bool
}

// Replay folds steps onto a copy of start, calling observe after every step.
// Returning an error from observe stops the fold.
func Replay(v Valuer, start State, steps []Step, observe func(i int, res Result, st State) error) (State, error) {
	st := start.Clone()
	for i, step := range steps {
		var (
			res Result
			err error
		)
		if step.Outgoing {
			res, err = v.Outgoing(&st, step.Movement)
		} else {
			res, err = v.Incoming(&st, step.Movement)
		}
		if err != nil {
			return st, fmt.Errorf("step %d: %w", i, err)
		}
		if observe != nil {
			if err := observe(i, res, st); err != nil {
				return st, err
			}
		}
	}
	return st, nil
}

func checkQty(mv Movement) error {
	if !mv.Qty.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNonPositiveQuantity, mv.Qty)
	}
	return nil
}

func lotValue(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.Value)
	}
	return total
}

// take removes qty from lot and returns the value it carried. Emptying a
// lot takes its whole value so no rounding residue stays behind.
func take(lot *Lot, qty decimal.Decimal) decimal.Decimal {
	var taken decimal.Decimal
	if qty.Equal(lot.Qty) {
		taken = lot.Value
	} else {
		taken = qty.Mul(lot.Rate).Round(valuePlaces)
	}
	lot.Qty = lot.Qty.Sub(qty)
	lot.Value = lot.Value.Sub(taken)
	return taken
}

// deficit is a negative lot valued at rate.
func deficit(ref string, seq int64, qty, rate decimal.Decimal) Lot {
	return Lot{Ref: ref, Seq: seq, Qty: qty, Rate: rate, Value: qty.Mul(rate).Round(valuePlaces)}
}

func lotQty(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.Qty)
	}
	return total
}

// outRate is the unit rate of an outgoing value delta.
func outRate(delta, qty decimal.Decimal) decimal.Decimal {
	return delta.Neg().Div(qty).Round(ratePlaces)
}
