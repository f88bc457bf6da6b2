// Package pricing maps a prior price and a correlated shock to the next
// round's price.
//
// Every asset follows return = mean + stdDev·z, clamped to its bounds.
// Bitcoin overrides that with a price-level regime switch:
//   - below BoomCeiling: forced growth, U(2, 4)
//   - at or above BubbleFloor: forced crash, U(-0.5, -0.3)
//   - above CrashWatchFloor: a crash with probability CrashProbability(price),
//     drawn from the session's shock range
//
// The asset clamp is applied last in every case.
//
// Prices are decimal; the return arithmetic is float64 and the resulting
// price is rounded to PriceScale places.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/rng"
)

// Bitcoin regime thresholds.
const (
	BoomCeiling     = 10_000.0
	BubbleFloor     = 1_000_000.0
	CrashWatchFloor = 100_000.0
	CrashStep       = 50_000.0

	BaseCrashProbability = 0.1
	CrashProbabilityStep = 0.05
	MaxCrashProbability  = 0.8
)

var (
	// ErrInvalidParams is returned when a clamp floor would allow a
	// non-positive price.
	ErrInvalidParams = errors.New("pricing: minimum return must be greater than -1")

	// PriceScale is the number of decimal places kept on prices.
	PriceScale int32 = 8

	// DefaultShockRange bounds the first Bitcoin crash of a session.
	DefaultShockRange = [2]float64{-0.5, -0.75}
)

// Regime names the rule that produced a return.
type Regime string

const (
	RegimeBase   Regime = "base"
	RegimeBoom   Regime = "boom"
	RegimeBubble Regime = "bubble"
	RegimeCrash  Regime = "crash"
)

// Outcome is the result of pricing one asset for one round.
type Outcome struct {
	Asset   asset.Asset     `json:"asset"`
	Prior   decimal.Decimal `json:"prior"`
	Price   decimal.Decimal `json:"price"`
	Return  float64         `json:"return"`
	Regime  Regime          `json:"regime"`
	Crashed bool            `json:"crashed"`
}

// Model prices assets from their return parameters. The source is used
// only for Bitcoin regime draws; the per-asset shock z comes from the
// caller.
type Model struct {
	params map[asset.Asset]asset.Params
	src    rng.Source
}

// NewModel validates params and builds a Model.
func NewModel(params map[asset.Asset]asset.Params, src rng.Source) (*Model, error) {
	for a, p := range params {
		if p.Min <= -1 {
			return nil, fmt.Errorf("%w: %s min %v", ErrInvalidParams, a, p.Min)
		}
	}
	return &Model{params: params, src: src}, nil
}

// CrashProbability returns the chance of a Bitcoin crash at price. It is
// zero at or below CrashWatchFloor and grows by CrashProbabilityStep per
// full CrashStep above it, capped at MaxCrashProbability.
func CrashProbability(price float64) float64 {
	if price <= CrashWatchFloor {
		return 0
	}
	steps := math.Floor((price - CrashWatchFloor) / CrashStep)
	return math.Min(MaxCrashProbability, BaseCrashProbability+CrashProbabilityStep*steps)
}

// BaseReturn is mean + stdDev·z, clamped to the asset bounds.
func BaseReturn(p asset.Params, z float64) float64 {
	return p.Clamp(p.Mean + p.StdDev*z)
}

// ApplyReturn returns prior·(1+r) rounded to PriceScale.
func ApplyReturn(prior decimal.Decimal, r float64) decimal.Decimal {
	return prior.Mul(decimal.NewFromFloat(1 + r)).Round(PriceScale)
}

// NextShockRange eases the crash range after a crash, keeping both ends
// negative.
func NextShockRange(r [2]float64) [2]float64 {
	return [2]float64{
		math.Min(math.Max(r[0]+0.1, -0.5), -0.05),
		math.Min(math.Max(r[1]+0.1, -0.75), -0.15),
	}
}

// NextPrice computes the next price of a from prior and the correlated
// shock z. shock is the current Bitcoin crash range.
func (m *Model) NextPrice(a asset.Asset, prior decimal.Decimal, z float64, shock [2]float64) (Outcome, error) {
	p, ok := m.params[a]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", asset.ErrInvalidAsset, a)
	}

	out := Outcome{Asset: a, Prior: prior, Regime: RegimeBase}
	var r float64

	if a == asset.Bitcoin {
		price := prior.InexactFloat64()
		switch {
		case price < BoomCeiling:
			r = rng.Uniform(m.src, 2, 4)
			out.Regime = RegimeBoom
		case price >= BubbleFloor:
			r = rng.Uniform(m.src, -0.3, -0.5)
			out.Regime = RegimeBubble
		default:
			if prob := CrashProbability(price); prob > 0 && m.src.Float64() < prob {
				r = rng.Uniform(m.src, shock[0], shock[1])
				out.Regime = RegimeCrash
				out.Crashed = true
			} else {
				r = p.Mean + p.StdDev*z
			}
		}
		r = p.Clamp(r)
	} else {
		r = BaseReturn(p, z)
	}

	out.Return = r
	out.Price = ApplyReturn(prior, r)
	return out, nil
}

// Advance prices every asset of s for the round named by s.RoundNumber,
// which the caller has already incremented. It updates AssetPrices,
// appends to PriceHistory, and on a Bitcoin crash records the round and
// eases the shock range.
func (m *Model) Advance(s *model.SimulationState, draws map[asset.Asset]float64) ([]Outcome, error) {
	shock := s.BitcoinShockRange
	outcomes := make([]Outcome, 0, len(s.AssetPrices))
	if s.PriceHistory == nil {
		s.PriceHistory = make(map[asset.Asset][]decimal.Decimal, len(s.AssetPrices))
	}

	for _, a := range asset.Order {
		prior, ok := s.AssetPrices[a]
		if !ok {
			continue
		}
		o, err := m.NextPrice(a, prior, draws[a], shock)
		if err != nil {
			return nil, err
		}
		s.AssetPrices[a] = o.Price
		s.PriceHistory[a] = append(s.PriceHistory[a], o.Price)
		if o.Crashed {
			s.LastBitcoinCrashRound = s.RoundNumber
			s.BitcoinShockRange = NextShockRange(shock)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
