// Package ladder implements the Betfair price ladder: the non-uniform tick
// sizes valid exchange prices snap to, and the arithmetic for stepping
// between them. All functions are pure and total over finite float64 inputs;
// out-of-domain prices clamp rather than error.
package ladder

import (
	"math"
	"strconv"
)

// Range is a half-open interval [Min, Max) of prices sharing one tick size.
type Range struct {
	Min       float64
	Max       float64
	Increment float64
}

// The exchange ladder. Ordered, non-overlapping, gap-free over [1.01, 1000).
// Prices at or above 1000 tick in steps of 10, open-ended.
var ranges = []Range{
	{Min: 1.01, Max: 2, Increment: 0.01},
	{Min: 2, Max: 3, Increment: 0.02},
	{Min: 3, Max: 4, Increment: 0.05},
	{Min: 4, Max: 6, Increment: 0.1},
	{Min: 6, Max: 10, Increment: 0.2},
	{Min: 10, Max: 20, Increment: 0.5},
	{Min: 20, Max: 30, Increment: 1},
	{Min: 30, Max: 50, Increment: 2},
	{Min: 50, Max: 100, Increment: 5},
	{Min: 100, Max: 1000, Increment: 10},
}

const (
	// MinPrice and MaxPrice bound the set of valid order prices.
	MinPrice = 1.01
	MaxPrice = 1000

	// validTolerance absorbs float drift when comparing a price against its
	// rounded form.
	validTolerance = 1e-4
)

// Placeholder is rendered by Format for prices that have no ladder position.
const Placeholder = "-"

func rangeFor(price float64) (Range, bool) {
	for _, r := range ranges {
		if price >= r.Min && price < r.Max {
			return r, true
		}
	}
	return Range{}, false
}

// TickSize returns the tick size for the range containing price.
// Prices at or above 1000 tick by 10.
func TickSize(price float64) float64 {
	if r, ok := rangeFor(price); ok {
		return r.Increment
	}
	return 10
}

// DecimalPlaces returns the number of fractional digits a tick size implies,
// e.g. 0.01 -> 2, 0.5 -> 1, 1 -> 0.
func DecimalPlaces(tick float64) int {
	s := strconv.FormatFloat(tick, 'f', -1, 64)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}

// Format renders a price with exactly the digits its tick size implies.
// Non-finite and non-positive prices render as the placeholder dash.
func Format(price float64) string {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return Placeholder
	}
	return strconv.FormatFloat(price, 'f', DecimalPlaces(TickSize(price)), 64)
}

// Round snaps a price to the nearest valid ladder price. Prices below 1.01
// clamp up to 1.01; prices at or above 1000 floor to a multiple of 10.
func Round(price float64) float64 {
	if price < MinPrice {
		return MinPrice
	}
	if price >= MaxPrice {
		return math.Floor(price/10) * 10
	}

	r, ok := rangeFor(price)
	if !ok {
		return price
	}
	steps := math.Round((price - r.Min) / r.Increment)
	return r.Min + steps*r.Increment
}

// Increment steps a price up the ladder by the given number of ticks,
// one tick at a time since the tick size changes across range boundaries.
// Crossing into a new range snaps to that range's floor. Clamps at 1000.
func Increment(price float64, ticks int) float64 {
	cur := Round(price)
	for i := 0; i < ticks; i++ {
		if cur >= MaxPrice {
			return MaxPrice
		}
		r, ok := rangeFor(cur)
		if !ok {
			return MaxPrice
		}
		next := cur + r.Increment
		if next >= r.Max-r.Increment/2 {
			// Range floors coincide with the previous range's max, so the
			// first price of the next band is its Min. The half-tick slack
			// absorbs float drift in the addition above.
			next = r.Max
		}
		if next >= MaxPrice {
			return MaxPrice
		}
		cur = Round(next)
	}
	return cur
}

// Decrement steps a price down the ladder by the given number of ticks.
// Stepping below a range floor lands one tick of the lower range below it
// (the top of the lower band), making Decrement the inverse of Increment
// away from the domain extremes. Clamps at 1.01.
func Decrement(price float64, ticks int) float64 {
	cur := Round(price)
	for i := 0; i < ticks; i++ {
		if cur <= MinPrice {
			return MinPrice
		}
		var next float64
		r, ok := rangeFor(cur)
		switch {
		case !ok:
			// At or above 1000: the band below tops out one tick of 10 down.
			next = cur - 10
		case cur-r.Min < r.Increment/2:
			// At the range floor: step into the band below using its tick.
			next = r.Min - TickSize(r.Min-r.Increment/2)
		default:
			next = cur - r.Increment
		}
		if next < MinPrice {
			return MinPrice
		}
		cur = Round(next)
	}
	return cur
}

// IsValid reports whether price is an exact ladder price within
// floating-point tolerance.
func IsValid(price float64) bool {
	if price < MinPrice || price > MaxPrice {
		return false
	}
	return math.Abs(price-Round(price)) < validTolerance
}
