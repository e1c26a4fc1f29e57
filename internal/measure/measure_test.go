package measure

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNewQuantityRejectsNegative(t *testing.T) {
	_, err := NewQuantity(decimal.NewFromInt(-1), "PCS")
	require.ErrorIs(t, err, ErrNegativeQuantity)

	_, err = NewQuantity(decimal.NewFromInt(1), " ")
	require.ErrorIs(t, err, ErrUOMRequired)

	q, err := NewQuantity(decimal.NewFromInt(0), "PCS")
	require.NoError(t, err)
	require.True(t, q.IsZero())
}

func TestQuantityArithmetic(t *testing.T) {
	a := Delta(decimal.NewFromInt(10), "PCS")
	b := Delta(decimal.NewFromInt(15), "PCS")

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.True(t, diff.IsNegative())
	require.Equal(t, "-5 PCS", diff.String())

	_, err = a.Add(Delta(decimal.NewFromInt(1), "KG"))
	require.ErrorIs(t, err, ErrUOMMismatch)

	sum, err := ZeroQuantity("").Add(a)
	require.NoError(t, err)
	require.Equal(t, "PCS", sum.UOM())
}

func TestQuantityConvert(t *testing.T) {
	box := Delta(decimal.NewFromInt(2), "BOX")
	pcs, err := box.Convert("PCS", decimal.NewFromInt(12))
	require.NoError(t, err)
	require.True(t, pcs.Value().Equal(decimal.NewFromInt(24)))

	_, err = box.Convert("PCS", decimal.Zero)
	require.ErrorIs(t, err, ErrNonPositiveDivisor)
}

func TestRateAndMoney(t *testing.T) {
	_, err := NewRate(decimal.NewFromInt(-1), "USD")
	require.ErrorIs(t, err, ErrNegativeRate)
	_, err = NewRate(decimal.NewFromInt(1), "XXXX")
	require.ErrorIs(t, err, ErrInvalidCurrency)

	rate := MustRate("2.5", "usd")
	require.Equal(t, "USD", rate.Currency())

	value := rate.Times(Delta(decimal.NewFromInt(4), "PCS"))
	require.True(t, value.Amount().Equal(decimal.NewFromInt(10)))

	eur, err := NewMoney(decimal.NewFromInt(3), "EUR")
	require.NoError(t, err)
	_, err = value.Add(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	require.ErrorIs(t, rate.CheckCurrency("EUR"), ErrCurrencyMismatch)

	_, err = value.Per(ZeroQuantity("PCS"))
	require.ErrorIs(t, err, ErrNonPositiveDivisor)

	per, err := value.Neg().Per(Delta(decimal.NewFromInt(3), "PCS"))
	require.NoError(t, err)
	require.Equal(t, "3.333333333", per.Amount().String())
}

func TestMoneyJSON(t *testing.T) {
	m, err := NewMoney(decimal.RequireFromString("12.5"), "IDR")
	require.NoError(t, err)
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var back Money
	require.NoError(t, json.Unmarshal(raw, &back))
	require.True(t, back.Equal(m))
}
