// Package measure provides decimal value types for stock quantities and
// currency-tagged amounts.
package measure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeQuantity is returned when a non-negative quantity is built from a negative value.
	ErrNegativeQuantity = errors.New("measure: negative quantity")
	// ErrUOMRequired is returned when a quantity has no unit of measure.
	ErrUOMRequired = errors.New("measure: unit of measure required")
	// ErrUOMMismatch is returned when quantities in different units are combined.
	ErrUOMMismatch = errors.New("measure: unit of measure mismatch")
	// ErrNonPositiveDivisor is returned when dividing by a zero or negative quantity.
	ErrNonPositiveDivisor = errors.New("measure: divisor must be positive")
)

// Quantity is an immutable decimal amount of stock in a unit of measure.
type Quantity struct {
	value decimal.Decimal
	uom   string
}

// NewQuantity builds a non-negative quantity.
func NewQuantity(value decimal.Decimal, uom string) (Quantity, error) {
	uom = strings.TrimSpace(uom)
	if uom == "" {
		return Quantity{}, ErrUOMRequired
	}
	if value.IsNegative() {
		return Quantity{}, fmt.Errorf("%w: %s", ErrNegativeQuantity, value)
	}
	return Quantity{value: value, uom: uom}, nil
}

// Delta builds a signed quantity used for movements and balances.
func Delta(value decimal.Decimal, uom string) Quantity {
	return Quantity{value: value, uom: strings.TrimSpace(uom)}
}

// ZeroQuantity returns an empty quantity in the given unit.
func ZeroQuantity(uom string) Quantity {
	return Quantity{value: decimal.Zero, uom: strings.TrimSpace(uom)}
}

func (q Quantity) Value() decimal.Decimal { return q.value }
func (q Quantity) UOM() string            { return q.uom }
func (q Quantity) IsZero() bool           { return q.value.IsZero() }
func (q Quantity) IsNegative() bool       { return q.value.IsNegative() }
func (q Quantity) IsPositive() bool       { return q.value.IsPositive() }

// Neg flips the sign of the quantity.
func (q Quantity) Neg() Quantity {
	return Quantity{value: q.value.Neg(), uom: q.uom}
}

// Abs drops the sign of the quantity.
func (q Quantity) Abs() Quantity {
	return Quantity{value: q.value.Abs(), uom: q.uom}
}

// Add sums two quantities in the same unit.
func (q Quantity) Add(o Quantity) (Quantity, error) {
	if err := q.sameUOM(o); err != nil {
		return Quantity{}, err
	}
	return Quantity{value: q.value.Add(o.value), uom: q.unit(o)}, nil
}

// Sub subtracts o from q.
func (q Quantity) Sub(o Quantity) (Quantity, error) {
	if err := q.sameUOM(o); err != nil {
		return Quantity{}, err
	}
	return Quantity{value: q.value.Sub(o.value), uom: q.unit(o)}, nil
}

// Cmp compares two quantities in the same unit.
func (q Quantity) Cmp(o Quantity) (int, error) {
	if err := q.sameUOM(o); err != nil {
		return 0, err
	}
	return q.value.Cmp(o.value), nil
}

// Convert rescales the quantity into another unit using factor (target units per source unit).
func (q Quantity) Convert(uom string, factor decimal.Decimal) (Quantity, error) {
	if !factor.IsPositive() {
		return Quantity{}, fmt.Errorf("%w: conversion factor %s", ErrNonPositiveDivisor, factor)
	}
	uom = strings.TrimSpace(uom)
	if uom == "" {
		return Quantity{}, ErrUOMRequired
	}
	return Quantity{value: q.value.Mul(factor), uom: uom}, nil
}

func (q Quantity) String() string {
	return q.value.String() + " " + q.uom
}

// zero-valued quantities carry no unit and combine with anything.
func (q Quantity) sameUOM(o Quantity) error {
	if q.uom == "" || o.uom == "" || q.uom == o.uom {
		return nil
	}
	return fmt.Errorf("%w: %s vs %s", ErrUOMMismatch, q.uom, o.uom)
}

func (q Quantity) unit(o Quantity) string {
	if q.uom != "" {
		return q.uom
	}
	return o.uom
}

type quantityJSON struct {
	Value decimal.Decimal `json:"value"`
	UOM   string          `json:"uom"`
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(quantityJSON{Value: q.value, UOM: q.uom})
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var raw quantityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*q = Delta(raw.Value, raw.UOM)
	return nil
}
