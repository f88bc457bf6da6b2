// Package macro advances the economy around the market: the CPI random
// walk and the per-round cash injection paid to players.
package macro

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/rng"
)

// CPI random walk parameters, per round.
const (
	CPIMean      = 0.025
	CPIStdDev    = 0.015
	CPIMinChange = -0.01
	CPIMaxChange = 0.06
)

var (
	ErrUnknownPolicy = errors.New("macro: unknown cash injection policy")

	// InitialCPI is the index value at round 0.
	InitialCPI = decimal.NewFromInt(100)

	// CPIScale is the number of decimal places kept on the index.
	CPIScale int32 = 8
)

// DrawCPIChange draws one round of inflation, clamped to
// [CPIMinChange, CPIMaxChange].
func DrawCPIChange(src rng.Source) float64 {
	change := CPIMean + CPIStdDev*rng.Normal(src)
	return math.Max(CPIMinChange, math.Min(CPIMaxChange, change))
}

// ApplyCPIChange returns cpi·(1+change).
func ApplyCPIChange(cpi decimal.Decimal, change float64) decimal.Decimal {
	return cpi.Mul(decimal.NewFromFloat(1 + change)).Round(CPIScale)
}

// CashInjectionPolicy decides how much cash a player receives when a
// round begins.
type CashInjectionPolicy interface {
	Name() string
	Amount(round int, src rng.Source) decimal.Decimal
}

// GrowingBase pays Base + round·PerRound, jittered by ±Jitter. It is the
// default policy.
type GrowingBase struct {
	Base     float64
	PerRound float64
	Jitter   float64
}

// DefaultGrowingBase is 5000 + 500·round ± 1000.
var DefaultGrowingBase = GrowingBase{Base: 5000, PerRound: 500, Jitter: 1000}

func (GrowingBase) Name() string { return "growing" }

func (g GrowingBase) Amount(round int, src rng.Source) decimal.Decimal {
	base := g.Base + float64(round)*g.PerRound
	return cents(base + rng.Uniform(src, -1, 1)*g.Jitter)
}

// FixedBase pays Base ± Jitter regardless of round. Kept for sessions
// configured with the legacy single-player schedule.
type FixedBase struct {
	Base   float64
	Jitter float64
}

// DefaultFixedBase is 2500 ± 500.
var DefaultFixedBase = FixedBase{Base: 2500, Jitter: 500}

func (FixedBase) Name() string { return "fixed" }

func (f FixedBase) Amount(_ int, src rng.Source) decimal.Decimal {
	return cents(f.Base + rng.Uniform(src, -1, 1)*f.Jitter)
}

// PolicyByName returns the default policy for "growing" (or empty) and
// "fixed".
func PolicyByName(name string) (CashInjectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "growing":
		return DefaultGrowingBase, nil
	case "fixed", "legacy":
		return DefaultFixedBase, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

func cents(f float64) decimal.Decimal {
	if f < 0 {
		f = 0
	}
	return decimal.NewFromFloat(f).Round(2)
}

// Step advances s by one round of macro state. s.RoundNumber must already
// name the new round. It moves the CPI, appends CPIHistory, records the
// injection, and returns the injection for the caller to credit.
func Step(s *model.SimulationState, src rng.Source, policy CashInjectionPolicy) (change float64, injection decimal.Decimal) {
	change = DrawCPIChange(src)
	s.CPI = ApplyCPIChange(s.CPI, change)
	s.CPIHistory = append(s.CPIHistory, s.CPI)

	injection = policy.Amount(s.RoundNumber, src)
	s.LastCashInjection = injection
	s.TotalCashInjected = s.TotalCashInjected.Add(injection)
	return change, injection
}
