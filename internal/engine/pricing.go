package engine

import (
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/courtside/internal/merger"
	"github.com/caesar-terminal/courtside/internal/strategy"
)

var hundred = decimal.NewFromInt(100)

// EffectivePrice is the price an intent would execute at, rounded to the
// venue's one-cent tick. An explicit limit price wins; otherwise opens pay
// ask, last, bid and closes receive bid, last.
func EffectivePrice(intent strategy.Intent, snap merger.InstrumentSnapshot) (decimal.Decimal, bool) {
	var (
		px float64
		ok bool
	)
	switch {
	case intent.LimitPrice != nil:
		px, ok = *intent.LimitPrice, *intent.LimitPrice > 0
	case intent.Action == strategy.ActionClose:
		px, ok = snap.ClosePrice()
	default:
		px, ok = snap.OpenPrice()
	}
	if !ok {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(px).Round(2), true
}

// Contracts converts a currency size to whole contracts, floor(size/price),
// clamped to [1, maxContracts].
func Contracts(size, price decimal.Decimal, maxContracts int) int {
	if !price.IsPositive() {
		return 1
	}
	n := size.Div(price).Floor().IntPart()
	switch {
	case n < 1:
		return 1
	case n > int64(maxContracts):
		return maxContracts
	}
	return int(n)
}

// Cents converts a price in currency units to integer cents.
func Cents(price decimal.Decimal) int {
	return int(price.Mul(hundred).Round(0).IntPart())
}
