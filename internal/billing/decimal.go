package billing

import (
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// decimal is a thin wrapper over apd so tariff arithmetic is exact and
// the final rounding mode is explicit rather than whatever float64
// happens to do.
type decimal struct {
	value apd.Decimal
}

var decCtx = apd.BaseContext.WithPrecision(34)

var roundCtx = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

func decFromFloat(f float64) decimal {
	var d apd.Decimal
	// strconv round-trips the float exactly; SetString never fails on
	// FormatFloat output for finite inputs.
	d.SetString(strconv.FormatFloat(f, 'g', -1, 64))
	return decimal{value: d}
}

func decFromInt(i int64) decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return decimal{value: d}
}

func (d decimal) Add(other decimal) decimal {
	var result apd.Decimal
	decCtx.Add(&result, &d.value, &other.value)
	return decimal{value: result}
}

func (d decimal) Mul(other decimal) decimal {
	var result apd.Decimal
	decCtx.Mul(&result, &d.value, &other.value)
	return decimal{value: result}
}

func (d decimal) Div(other decimal) decimal {
	var result apd.Decimal
	decCtx.Quo(&result, &d.value, &other.value)
	return decimal{value: result}
}

func (d decimal) Float64() float64 {
	f, _ := d.value.Float64()
	return f
}

// RoundHalfUp rounds to the nearest integer, ties away from zero.
func (d decimal) RoundHalfUp() int64 {
	var rounded apd.Decimal
	roundCtx.RoundToIntegralValue(&rounded, &d.value)
	i, _ := rounded.Int64()
	return i
}
