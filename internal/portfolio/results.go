package portfolio

import (
	"github.com/shopspring/decimal"
)

// ResultScale is the precision of end-of-game figures.
var ResultScale int32 = 8

var hundred = decimal.NewFromInt(100)

// Results are the end-of-game figures for one player. Real figures deflate
// the nominal value by the CPI rebased to 100.
type Results struct {
	TotalValue        decimal.Decimal `json:"total_value"`
	TotalReturn       decimal.Decimal `json:"total_return"`
	PercentReturn     decimal.Decimal `json:"percent_return"`
	RealValue         decimal.Decimal `json:"real_value"`
	RealReturn        decimal.Decimal `json:"real_return"`
	RealPercentReturn decimal.Decimal `json:"real_percent_return"`
	TotalCashInjected decimal.Decimal `json:"total_cash_injected"`

	// InjectionAdjustedPercentReturn measures growth against everything
	// the player was given: the stake plus all injections.
	InjectionAdjustedPercentReturn decimal.Decimal `json:"injection_adjusted_percent_return"`
}

// Compute derives Results from a final total value.
func Compute(totalValue, stake, cpi, injected decimal.Decimal) Results {
	r := Results{
		TotalValue:        totalValue,
		TotalReturn:       totalValue.Sub(stake),
		TotalCashInjected: injected,
		RealValue:         totalValue,
	}
	if cpi.IsPositive() {
		r.RealValue = totalValue.Div(cpi).Mul(hundred).Round(ResultScale)
	}
	r.RealReturn = r.RealValue.Sub(stake)

	if stake.IsPositive() {
		r.PercentReturn = percentOf(r.TotalReturn, stake)
		r.RealPercentReturn = percentOf(r.RealReturn, stake)
	}
	if contributed := stake.Add(injected); contributed.IsPositive() {
		r.InjectionAdjustedPercentReturn = percentOf(totalValue.Sub(contributed), contributed)
	}
	return r
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	return part.Div(whole).Mul(hundred).Round(ResultScale)
}
