// Package model defines the state snapshots shared across the engine.
// All monetary values, prices and quantities use shopspring/decimal; never
// float64 for money. Returns and probabilities stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
)

// Phase is the round lifecycle stage of a simulation.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
)

// Action is the direction of a trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// SimulationState is the market snapshot of one session at one round.
// Once started, len(PriceHistory[a]) == RoundNumber+1 for every asset and
// len(CPIHistory) == RoundNumber+1.
type SimulationState struct {
	SessionID             string                            `json:"session_id"`
	Phase                 Phase                             `json:"phase"`
	RoundNumber           int                               `json:"round_number"`
	MaxRounds             int                               `json:"max_rounds"`
	InitialStake          decimal.Decimal                   `json:"initial_stake"`
	AssetPrices           map[asset.Asset]decimal.Decimal   `json:"asset_prices"`
	PriceHistory          map[asset.Asset][]decimal.Decimal `json:"price_history"`
	CPI                   decimal.Decimal                   `json:"cpi"`
	CPIHistory            []decimal.Decimal                 `json:"cpi_history"`
	LastCashInjection     decimal.Decimal                   `json:"last_cash_injection"`
	TotalCashInjected     decimal.Decimal                   `json:"total_cash_injected"`
	LastBitcoinCrashRound int                               `json:"last_bitcoin_crash_round"`
	BitcoinShockRange     [2]float64                        `json:"bitcoin_shock_range"`
	UpdatedAt             time.Time                         `json:"updated_at"`
}

// Completed reports whether the session has reached its final round.
func (s *SimulationState) Completed() bool {
	return s.Phase == PhaseCompleted
}

// Clone returns a deep copy.
func (s *SimulationState) Clone() *SimulationState {
	c := *s
	c.AssetPrices = make(map[asset.Asset]decimal.Decimal, len(s.AssetPrices))
	for a, p := range s.AssetPrices {
		c.AssetPrices[a] = p
	}
	c.PriceHistory = make(map[asset.Asset][]decimal.Decimal, len(s.PriceHistory))
	for a, h := range s.PriceHistory {
		c.PriceHistory[a] = append([]decimal.Decimal(nil), h...)
	}
	c.CPIHistory = append([]decimal.Decimal(nil), s.CPIHistory...)
	return &c
}

// PlayerState is one player's holdings within a session.
type PlayerState struct {
	SessionID             string                          `json:"session_id"`
	UserID                string                          `json:"user_id"`
	Cash                  decimal.Decimal                 `json:"cash"`
	Portfolio             map[asset.Asset]decimal.Decimal `json:"portfolio"` // quantities > 0 only
	TradeHistory          []TradeRecord                   `json:"trade_history"`
	PortfolioValueHistory []decimal.Decimal               `json:"portfolio_value_history"` // index = round
}

// Clone returns a deep copy.
func (p *PlayerState) Clone() *PlayerState {
	c := *p
	c.Portfolio = make(map[asset.Asset]decimal.Decimal, len(p.Portfolio))
	for a, q := range p.Portfolio {
		c.Portfolio[a] = q
	}
	c.TradeHistory = append([]TradeRecord(nil), p.TradeHistory...)
	c.PortfolioValueHistory = append([]decimal.Decimal(nil), p.PortfolioValueHistory...)
	return &c
}

// TradeRecord is an immutable record of an executed trade. Amount is the
// cost of a buy or the proceeds of a sell.
type TradeRecord struct {
	ID         string          `json:"id"`
	Asset      asset.Asset     `json:"asset"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Round      int             `json:"round"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// LeaderboardEntry is appended once per completed session and player.
type LeaderboardEntry struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	UserID            string          `json:"user_id"`
	FinalValue        decimal.Decimal `json:"final_value"`
	PercentReturn     decimal.Decimal `json:"percent_return"`
	RealPercentReturn decimal.Decimal `json:"real_percent_return"`
	Rounds            int             `json:"rounds"`
	CreatedAt         time.Time       `json:"created_at"`
}
