package measure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	// RatePlaces is the rounding precision for unit rates.
	RatePlaces = 9
	// ValuePlaces is the rounding precision for monetary totals.
	ValuePlaces = 6
)

var (
	// ErrCurrencyMismatch is returned when amounts in different currencies are combined.
	ErrCurrencyMismatch = errors.New("measure: currency mismatch")
	// ErrInvalidCurrency is returned for codes that are not ISO 4217.
	ErrInvalidCurrency = errors.New("measure: invalid currency")
	// ErrNegativeRate is returned when a rate is built from a negative amount.
	ErrNegativeRate = errors.New("measure: negative rate")
)

// ParseCurrency validates and normalises an ISO 4217 code.
func ParseCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// Rate is a non-negative cost per stock unit.
type Rate struct {
	amount   decimal.Decimal
	currency string
}

// NewRate validates the currency and rejects negative amounts.
func NewRate(amount decimal.Decimal, code string) (Rate, error) {
	cur, err := ParseCurrency(code)
	if err != nil {
		return Rate{}, err
	}
	if amount.IsNegative() {
		return Rate{}, fmt.Errorf("%w: %s", ErrNegativeRate, amount)
	}
	return Rate{amount: amount.Round(RatePlaces), currency: cur}, nil
}

// MustRate is NewRate for literals known to be valid.
func MustRate(amount, code string) Rate {
	r, err := NewRate(decimal.RequireFromString(amount), code)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) Amount() decimal.Decimal { return r.amount }
func (r Rate) Currency() string        { return r.currency }
func (r Rate) IsZero() bool            { return r.amount.IsZero() }

// Times prices a quantity at this rate.
func (r Rate) Times(q Quantity) Money {
	return Money{amount: r.amount.Mul(q.value).Round(ValuePlaces), currency: r.currency}
}

// Equal reports whether both rates carry the same amount and currency.
func (r Rate) Equal(o Rate) bool {
	return r.currency == o.currency && r.amount.Equal(o.amount)
}

func (r Rate) String() string {
	return r.amount.String() + " " + r.currency
}

// Money is a signed currency amount.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NewMoney validates the currency code.
func NewMoney(amount decimal.Decimal, code string) (Money, error) {
	cur, err := ParseCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: amount.Round(ValuePlaces), currency: cur}, nil
}

// ZeroMoney returns a zero amount in the currency; the code is trusted.
func ZeroMoney(code string) Money {
	return Money{amount: decimal.Zero, currency: code}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }

func (m Money) Neg() Money {
	return Money{amount: m.amount.Neg(), currency: m.currency}
}

// Add sums two amounts in the same currency.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o.currency); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}, nil
}

// Sub subtracts o from m.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o.currency); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(o.amount), currency: m.currency}, nil
}

// Per divides the amount by a positive quantity, yielding a unit rate.
func (m Money) Per(q Quantity) (Rate, error) {
	if !q.value.IsPositive() {
		return Rate{}, fmt.Errorf("%w: %s", ErrNonPositiveDivisor, q.value)
	}
	return Rate{amount: m.amount.Abs().Div(q.value).Round(RatePlaces), currency: m.currency}, nil
}

func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.amount.Equal(o.amount)
}

func (m Money) String() string {
	return m.amount.StringFixed(ValuePlaces) + " " + m.currency
}

func (m Money) sameCurrency(code string) error {
	if m.currency == code {
		return nil
	}
	return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, code)
}

// CheckCurrency reports ErrCurrencyMismatch when the rate is not in code.
func (r Rate) CheckCurrency(code string) error {
	if r.currency == code {
		return nil
	}
	return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, r.currency, code)
}

type amountJSON struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Amount: r.amount, Currency: r.currency})
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Currency == "" {
		*r = Rate{amount: raw.Amount}
		return nil
	}
	parsed, err := NewRate(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Amount: m.amount, Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Currency == "" {
		*m = Money{amount: raw.Amount}
		return nil
	}
	parsed, err := NewMoney(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
