// Package lmsr implements the simplified logarithmic market scoring rule
// used to price every outcome of a market.
//
// Each outcome carries its own price p, read as a probability. A trade of
// Δ shares moves the outcome's log-odds linearly:
//
//	score  = ln(p / (1 - p))
//	score' = score + Δ/K
//	p'     = 1 / (1 + e^-score')
//
// K is the liquidity constant: larger K means a deeper market and a smaller
// price impact per share. Outcomes of the same market are priced
// independently, so their prices need not sum to one.
//
// Execution price is the trapezoid (p + p') / 2, not the exact integral of
// the impact curve. Stored prices depend on this, so it must not change
// without a data migration.
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when K <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity constant K must be positive")

	// MinPrice and MaxPrice bound the price fed into the log-odds transform,
	// which diverges at 0 and 1.
	MinPrice = decimal.NewFromFloat(0.01)
	MaxPrice = decimal.NewFromFloat(0.99)

	// PriceScale is the number of decimal places a new price is rounded to.
	PriceScale int32 = 3

	// tick is the smallest price step at PriceScale. Rounding never lands a
	// price on 0 or 1; it stops one tick short.
	tick = decimal.New(1, -PriceScale)
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
)

// MarketMaker prices trades for a fixed liquidity constant.
// It is stateless: the current price is passed in, not stored.
type MarketMaker struct {
	k decimal.Decimal
}

// NewMarketMaker creates a market maker with liquidity constant k.
func NewMarketMaker(k decimal.Decimal) (*MarketMaker, error) {
	if k.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{k: k}, nil
}

// K returns the liquidity constant.
func (m *MarketMaker) K() decimal.Decimal {
	return m.k
}

// Clamp bounds p to [MinPrice, MaxPrice].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

func logOdds(p float64) float64 {
	return math.Log(p / (1 - p))
}

// logistic is the inverse of logOdds. For very negative scores math.Exp
// overflows to +Inf and the result is 0, which NextPrice lifts to one tick.
func logistic(score float64) float64 {
	return 1 / (1 + math.Exp(-score))
}

// NextPrice returns the price after a trade of delta shares (positive buys,
// negative sells) at current price p. The input is clamped before the
// transform; the output is rounded to PriceScale and kept strictly inside
// (0, 1).
func (m *MarketMaker) NextPrice(p decimal.Decimal, delta int64) decimal.Decimal {
	safe := Clamp(p).InexactFloat64()
	score := logOdds(safe) + float64(delta)/m.k.InexactFloat64()

	next := decimal.NewFromFloat(logistic(score)).Round(PriceScale)
	if next.LessThan(tick) {
		return tick
	}
	if next.GreaterThan(one.Sub(tick)) {
		return one.Sub(tick)
	}
	return next
}

// Quote is the priced result of a prospective trade.
type Quote struct {
	Price     decimal.Decimal // price before the trade, as stored
	NewPrice  decimal.Decimal // price after the trade
	FillPrice decimal.Decimal // per-share execution price
	Amount    decimal.Decimal // |delta| × FillPrice: cost of a buy, revenue of a sell
}

// Quote prices a trade of delta shares at current price p. The fill price
// averages the unclamped current price with the new price.
func (m *MarketMaker) Quote(p decimal.Decimal, delta int64) Quote {
	next := m.NextPrice(p, delta)
	fill := p.Add(next).Div(two)

	qty := delta
	if qty < 0 {
		qty = -qty
	}
	return Quote{
		Price:     p,
		NewPrice:  next,
		FillPrice: fill,
		Amount:    fill.Mul(decimal.NewFromInt(qty)),
	}
}
