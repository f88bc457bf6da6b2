// Package game runs the round state machine of an Investment Odyssey
// session: NotStarted → InProgress → Completed.
//
// Engine is pure. It takes snapshots and returns new snapshots, drawing all
// randomness from one rng.Source. Session wraps an Engine for in-process
// play; Service persists every transition through a store.Store.
package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/correlation"
	"github.com/econgames/odyssey-engine/internal/macro"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/portfolio"
	"github.com/econgames/odyssey-engine/internal/pricing"
	"github.com/econgames/odyssey-engine/internal/rng"
)

var (
	ErrInvalidRoundTransition  = errors.New("game: invalid round transition")
	ErrConcurrentRoundConflict = errors.New("game: concurrent round conflict")
	ErrInvalidAction           = errors.New("game: unknown trade action")
	ErrInvalidConfig           = errors.New("game: invalid config")
	ErrMissingUser             = errors.New("game: user id is required")
)

const DefaultMaxRounds = 20

// DefaultInitialStake is the starting cash of every player.
var DefaultInitialStake = decimal.NewFromInt(10000)

// Config fixes the market of every session an Engine creates. Zero fields
// take the package defaults.
type Config struct {
	MaxRounds     int
	InitialStake  decimal.Decimal
	InitialPrices map[asset.Asset]decimal.Decimal
	Params        map[asset.Asset]asset.Params
	Matrix        *correlation.Matrix
	Mode          correlation.Mode
	Policy        macro.CashInjectionPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxRounds == 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.InitialStake.IsZero() {
		c.InitialStake = DefaultInitialStake
	}
	if c.InitialPrices == nil {
		c.InitialPrices = asset.DefaultPrices()
	}
	if c.Params == nil {
		c.Params = asset.DefaultParams()
	}
	if c.Matrix == nil {
		c.Matrix = correlation.Default()
	}
	if c.Mode == "" {
		c.Mode = correlation.RowWeighted
	}
	if c.Policy == nil {
		c.Policy = macro.DefaultGrowingBase
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for trade and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs replaces uuid.NewString for session, trade and leaderboard IDs.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// Engine computes round transitions and trades.
type Engine struct {
	cfg    Config
	src    rng.Source
	gen    *correlation.Generator
	prices *pricing.Model
	now    func() time.Time
	newID  func() string
}

// NewEngine validates cfg and builds an Engine drawing from src.
func NewEngine(cfg Config, src rng.Source, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxRounds < 1 {
		return nil, fmt.Errorf("%w: max rounds %d", ErrInvalidConfig, cfg.MaxRounds)
	}
	if !cfg.InitialStake.IsPositive() {
		return nil, fmt.Errorf("%w: initial stake %s", ErrInvalidConfig, cfg.InitialStake)
	}
	for a, p := range cfg.InitialPrices {
		if !p.IsPositive() {
			return nil, fmt.Errorf("%w: %s starts at %s", portfolio.ErrInvalidPrice, a, p)
		}
	}

	gen, err := correlation.NewGenerator(cfg.Matrix, cfg.Mode)
	if err != nil {
		return nil, err
	}
	pm, err := pricing.NewModel(cfg.Params, src)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		src:    src,
		gen:    gen,
		prices: pm,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// NewID returns a fresh identifier from the engine's generator.
func (e *Engine) NewID() string { return e.newID() }

// NewSimulation returns a NotStarted snapshot at round 0 with empty history.
func (e *Engine) NewSimulation(sessionID string) *model.SimulationState {
	prices := make(map[asset.Asset]decimal.Decimal, len(e.cfg.InitialPrices))
	for a, p := range e.cfg.InitialPrices {
		prices[a] = p
	}
	return &model.SimulationState{
		SessionID:         sessionID,
		Phase:             model.PhaseNotStarted,
		MaxRounds:         e.cfg.MaxRounds,
		InitialStake:      e.cfg.InitialStake,
		AssetPrices:       prices,
		PriceHistory:      make(map[asset.Asset][]decimal.Decimal, len(prices)),
		CPI:               macro.InitialCPI,
		LastCashInjection: decimal.Zero,
		TotalCashInjected: decimal.Zero,
		BitcoinShockRange: pricing.DefaultShockRange,
		UpdatedAt:         e.now(),
	}
}

// NewPlayer returns a player holding only the initial stake in cash.
func (e *Engine) NewPlayer(sessionID, userID string) *model.PlayerState {
	return &model.PlayerState{
		SessionID:             sessionID,
		UserID:                userID,
		Cash:                  e.cfg.InitialStake,
		Portfolio:             make(map[asset.Asset]decimal.Decimal),
		PortfolioValueHistory: []decimal.Decimal{e.cfg.InitialStake},
	}
}

// Start moves a NotStarted simulation to InProgress and seeds the current
// prices and CPI as the round 0 history entries.
func (e *Engine) Start(sim *model.SimulationState) (*model.SimulationState, error) {
	if sim.Phase != model.PhaseNotStarted {
		return nil, fmt.Errorf("%w: start from %s", ErrInvalidRoundTransition, sim.Phase)
	}
	next := sim.Clone()
	next.Phase = model.PhaseInProgress
	next.RoundNumber = 0
	for a, p := range next.AssetPrices {
		next.PriceHistory[a] = []decimal.Decimal{p}
	}
	next.CPIHistory = []decimal.Decimal{next.CPI}
	next.UpdatedAt = e.now()
	return next, nil
}

// RoundResult is everything one Advance produced.
type RoundResult struct {
	State     *model.SimulationState `json:"state"`
	Player    *model.PlayerState     `json:"player"`
	Outcomes  []pricing.Outcome      `json:"outcomes"`
	CPIChange float64                `json:"cpi_change"`
	Injection decimal.Decimal        `json:"injection"`

	// Results is set only on the transition to Completed.
	Results *portfolio.Results `json:"results,omitempty"`
}

// Advance computes the next round for sim and credits its cash injection
// to player. Neither input is modified.
func (e *Engine) Advance(sim *model.SimulationState, player *model.PlayerState) (*RoundResult, error) {
	if sim.Phase != model.PhaseInProgress {
		return nil, fmt.Errorf("%w: advance from %s", ErrInvalidRoundTransition, sim.Phase)
	}
	if player.SessionID != sim.SessionID {
		return nil, fmt.Errorf("%w: player %s belongs to session %s", ErrInvalidRoundTransition, player.UserID, player.SessionID)
	}

	next := sim.Clone()
	next.RoundNumber++

	draws := e.gen.Generate(e.src)
	outcomes, err := e.prices.Advance(next, draws)
	if err != nil {
		return nil, err
	}
	change, injection := macro.Step(next, e.src, e.cfg.Policy)
	next.UpdatedAt = e.now()

	p := player.Clone()
	p.Cash = p.Cash.Add(injection)
	p.PortfolioValueHistory = append(p.PortfolioValueHistory, portfolio.TotalValue(p, next.AssetPrices))

	res := &RoundResult{
		State:     next,
		Player:    p,
		Outcomes:  outcomes,
		CPIChange: change,
		Injection: injection,
	}
	if next.RoundNumber >= next.MaxRounds {
		next.Phase = model.PhaseCompleted
		r := e.Results(next, p)
		res.Results = &r
	}
	return res, nil
}

// Results computes the end-of-game figures at the current prices and CPI.
func (e *Engine) Results(sim *model.SimulationState, player *model.PlayerState) portfolio.Results {
	total := portfolio.TotalValue(player, sim.AssetPrices)
	return portfolio.Compute(total, sim.InitialStake, sim.CPI, sim.TotalCashInjected)
}

// LeaderboardEntry builds the record appended when a session completes.
func (e *Engine) LeaderboardEntry(sim *model.SimulationState, player *model.PlayerState, r portfolio.Results) *model.LeaderboardEntry {
	return &model.LeaderboardEntry{
		ID:                e.newID(),
		SessionID:         sim.SessionID,
		UserID:            player.UserID,
		FinalValue:        r.TotalValue,
		PercentReturn:     r.PercentReturn,
		RealPercentReturn: r.RealPercentReturn,
		Rounds:            sim.RoundNumber,
		CreatedAt:         e.now(),
	}
}

func (e *Engine) stamp(sim *model.SimulationState) portfolio.Stamp {
	return portfolio.Stamp{Round: sim.RoundNumber, At: e.now(), NewID: e.newID}
}

func tradable(sim *model.SimulationState) error {
	if sim.Phase != model.PhaseInProgress {
		return fmt.Errorf("%w: trading while %s", ErrInvalidRoundTransition, sim.Phase)
	}
	return nil
}

func price(sim *model.SimulationState, a asset.Asset) (decimal.Decimal, error) {
	if !a.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", asset.ErrInvalidAsset, a)
	}
	p, ok := sim.AssetPrices[a]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s has no price", portfolio.ErrInvalidPrice, a)
	}
	return p, nil
}

// Buy purchases qty of a at the current price.
func (e *Engine) Buy(sim *model.SimulationState, player *model.PlayerState, a asset.Asset, qty decimal.Decimal) (*model.PlayerState, model.TradeRecord, error) {
	if err := tradable(sim); err != nil {
		return nil, model.TradeRecord{}, err
	}
	p, err := price(sim, a)
	if err != nil {
		return nil, model.TradeRecord{}, err
	}
	return portfolio.Buy(player, a, qty, p, e.stamp(sim))
}

// Sell disposes of qty of a at the current price.
func (e *Engine) Sell(sim *model.SimulationState, player *model.PlayerState, a asset.Asset, qty decimal.Decimal) (*model.PlayerState, model.TradeRecord, error) {
	if err := tradable(sim); err != nil {
		return nil, model.TradeRecord{}, err
	}
	p, err := price(sim, a)
	if err != nil {
		return nil, model.TradeRecord{}, err
	}
	return portfolio.Sell(player, a, qty, p, e.stamp(sim))
}

// Trade dispatches to Buy or Sell.
func (e *Engine) Trade(sim *model.SimulationState, player *model.PlayerState, a asset.Asset, action model.Action, qty decimal.Decimal) (*model.PlayerState, model.TradeRecord, error) {
	switch action {
	case model.ActionBuy:
		return e.Buy(sim, player, a, qty)
	case model.ActionSell:
		return e.Sell(sim, player, a, qty)
	}
	return nil, model.TradeRecord{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

// BuyAll spends all cash equally across every asset.
func (e *Engine) BuyAll(sim *model.SimulationState, player *model.PlayerState) (*model.PlayerState, []model.TradeRecord, error) {
	if err := tradable(sim); err != nil {
		return nil, nil, err
	}
	return portfolio.BuyAll(player, sim.AssetPrices, e.stamp(sim))
}

// BuySelected spends all cash equally across assets.
func (e *Engine) BuySelected(sim *model.SimulationState, player *model.PlayerState, assets []asset.Asset) (*model.PlayerState, []model.TradeRecord, error) {
	if err := tradable(sim); err != nil {
		return nil, nil, err
	}
	return portfolio.BuySelected(player, assets, sim.AssetPrices, e.stamp(sim))
}

// SellAll liquidates every holding.
func (e *Engine) SellAll(sim *model.SimulationState, player *model.PlayerState) (*model.PlayerState, []model.TradeRecord, error) {
	if err := tradable(sim); err != nil {
		return nil, nil, err
	}
	return portfolio.SellAll(player, sim.AssetPrices, e.stamp(sim))
}
