package valuation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func in(qty, rate string) Step {
	return Step{Movement: Movement{Qty: d(qty), Rate: d(rate)}}
}

func out(qty string) Step {
	return Step{Movement: Movement{Qty: d(qty)}, Outgoing: true}
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, d(want).Equal(got), "want %s got %s", want, got)
}

func TestMethodsTable(t *testing.T) {
	std := d("5")
	cases := []struct {
		name      string
		method    Method
		steps     []Step
		lastRate  string
		lastDelta string
		qty       string
		value     string
	}{
		{
			name:      "weighted average blends receipts",
			method:    WeightedAverage,
			steps:     []Step{in("10", "2"), in("10", "4"), out("15")},
			lastRate:  "3",
			lastDelta: "-45",
			qty:       "5",
			value:     "15",
		},
		{
			name:      "fifo consumes oldest lots",
			method:    FIFO,
			steps:     []Step{in("5", "1"), in("5", "2"), out("7")},
			lastRate:  "1.285714286",
			lastDelta: "-9",
			qty:       "3",
			value:     "6",
		},
		{
			name:      "lifo consumes newest lots",
			method:    LIFO,
			steps:     []Step{in("5", "1"), in("5", "2"), out("7")},
			lastRate:  "1.714285714",
			lastDelta: "-12",
			qty:       "3",
			value:     "3",
		},
		{
			name:      "standard cost ignores supplied rate",
			method:    Standard,
			steps:     []Step{in("10", "6"), out("4")},
			lastRate:  "5",
			lastDelta: "-20",
			qty:       "6",
			value:     "30",
		},
		{
			name:      "weighted average issues whole balance to zero value",
			method:    WeightedAverage,
			steps:     []Step{in("3", "1"), in("3", "2"), out("6")},
			lastRate:  "1.5",
			lastDelta: "-9",
			qty:       "0",
			value:     "0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := For(tc.method, &std)
			require.NoError(t, err)
			var last Result
			st, err := Replay(v, State{}, tc.steps, func(_ int, res Result, _ State) error {
				last = res
				return nil
			})
			require.NoError(t, err)
			requireDec(t, tc.lastRate, last.Rate)
			requireDec(t, tc.lastDelta, last.ValueDelta)
			requireDec(t, tc.qty, st.Qty)
			requireDec(t, tc.value, st.Value)
		})
	}
}

func TestFIFORemainingLots(t *testing.T) {
	v, err := For(FIFO, nil)
	require.NoError(t, err)
	var consumed []Lot
	st, err := Replay(v, State{}, []Step{in("5", "1"), in("5", "2"), out("7")}, func(_ int, res Result, _ State) error {
		consumed = res.Consumed
		return nil
	})
	require.NoError(t, err)
	require.Len(t, st.Lots, 1)
	requireDec(t, "3", st.Lots[0].Qty)
	requireDec(t, "2", st.Lots[0].Rate)
	require.Len(t, consumed, 2)
	requireDec(t, "5", consumed[0].Qty)
	requireDec(t, "2", consumed[1].Qty)
}

func TestStandardCostVariance(t *testing.T) {
	std := d("5")
	v, err := For(Standard, &std)
	require.NoError(t, err)
	var st State
	res, err := v.Incoming(&st, Movement{Qty: d("10"), Rate: d("6")})
	require.NoError(t, err)
	requireDec(t, "10", res.Variance)

	_, err = For(Standard, nil)
	require.ErrorIs(t, err, ErrMissingStandardRate)
}

func TestSpecificIdentification(t *testing.T) {
	v, err := For(Specific, nil)
	require.NoError(t, err)
	var st State
	_, err = v.Incoming(&st, Movement{Qty: d("5"), Rate: d("3"), Batch: "A"})
	require.NoError(t, err)
	_, err = v.Incoming(&st, Movement{Qty: d("5"), Rate: d("4"), Batch: "B"})
	require.NoError(t, err)

	res, err := v.Outgoing(&st, Movement{Qty: d("2"), Batch: "B"})
	require.NoError(t, err)
	requireDec(t, "4", res.Rate)
	requireDec(t, "-8", res.ValueDelta)
	requireDec(t, "8", st.Qty)

	_, err = v.Outgoing(&st, Movement{Qty: d("1"), Batch: "C"})
	require.ErrorIs(t, err, ErrIdentityMismatch)
	_, err = v.Outgoing(&st, Movement{Qty: d("6"), Batch: "A"})
	require.ErrorIs(t, err, ErrIdentityMismatch)
	_, err = v.Outgoing(&st, Movement{Qty: d("1")})
	require.ErrorIs(t, err, ErrIdentityRequired)
	_, err = v.Incoming(&st, Movement{Qty: d("1"), Rate: d("9"), Batch: "A"})
	require.ErrorIs(t, err, ErrIdentityMismatch)
	requireDec(t, "8", st.Qty)
}

func TestWeightedAverageBackorder(t *testing.T) {
	v, err := For(WeightedAverage, nil)
	require.NoError(t, err)
	var st State
	_, err = v.Outgoing(&st, Movement{Qty: d("5")})
	require.ErrorIs(t, err, ErrNoValuationRate)

	res, err := v.Outgoing(&st, Movement{Qty: d("5"), Fallback: d("2"), HasFallback: true})
	require.NoError(t, err)
	requireDec(t, "-10", res.ValueDelta)
	requireDec(t, "-5", st.Qty)

	res, err = v.Incoming(&st, Movement{Qty: d("8"), Rate: d("3")})
	require.NoError(t, err)
	requireDec(t, "19", res.ValueDelta)
	requireDec(t, "3", st.Qty)
	requireDec(t, "9", st.Value)
}

func TestFIFODeficitLot(t *testing.T) {
	v, err := For(FIFO, nil)
	require.NoError(t, err)
	st, err := Replay(v, State{}, []Step{in("2", "1"), out("5")}, nil)
	require.NoError(t, err)
	requireDec(t, "-3", st.Qty)
	requireDec(t, "-3", st.Value)

	res, err := v.Incoming(&st, Movement{Qty: d("5"), Rate: d("2")})
	require.NoError(t, err)
	requireDec(t, "7", res.ValueDelta)
	require.Len(t, st.Lots, 1)
	requireDec(t, "2", st.Lots[0].Qty)
	requireDec(t, "2", st.Lots[0].Rate)
}

func TestReplayIsDeterministic(t *testing.T) {
	steps := []Step{in("4", "1.10"), in("7", "1.37"), out("3"), in("2", "0.99"), out("9"), in("11", "1.5"), out("1")}
	for _, method := range []Method{WeightedAverage, FIFO, LIFO, Standard} {
		std := d("1.25")
		v, err := For(method, &std)
		require.NoError(t, err)
		record := func() []Result {
			var results []Result
			_, err := Replay(v, State{}, steps, func(_ int, res Result, _ State) error {
				results = append(results, res)
				return nil
			})
			require.NoError(t, err)
			return results
		}
		first, second := record(), record()
		require.Len(t, second, len(first))
		for i := range first {
			require.True(t, first[i].Rate.Equal(second[i].Rate), "%s step %d", method, i)
			require.True(t, first[i].ValueDelta.Equal(second[i].ValueDelta), "%s step %d", method, i)
		}
	}
}

func TestForUnknownMethod(t *testing.T) {
	_, err := For(Method("hifo"), nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
	require.False(t, Method("hifo").Valid())
	require.True(t, FIFO.Valid())
}

func TestIncomingWithExactValue(t *testing.T) {
	for _, method := range []Method{WeightedAverage, FIFO, LIFO, Specific} {
		t.Run(string(method), func(t *testing.T) {
			v, err := For(method, nil)
			require.NoError(t, err)
			var st State
			res, err := v.Incoming(&st, Movement{Qty: d("3"), Rate: d("0.333333333"), Batch: "B1", Value: d("1"), HasValue: true})
			require.NoError(t, err)
			requireDec(t, "1", res.ValueDelta)
			requireDec(t, "1", st.Value)

			res, err = v.Outgoing(&st, Movement{Qty: d("1"), Batch: "B1"})
			require.NoError(t, err)
			requireDec(t, "-0.333333", res.ValueDelta)
			res, err = v.Outgoing(&st, Movement{Qty: d("2"), Batch: "B1"})
			require.NoError(t, err)
			requireDec(t, "-0.666667", res.ValueDelta)
			require.True(t, st.Qty.IsZero())
			require.True(t, st.Value.IsZero())
		})
	}
}
