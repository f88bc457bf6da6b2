package game

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/portfolio"
)

// LeaderboardSink receives the final entry of a completed session.
// store.Store satisfies it.
type LeaderboardSink interface {
	AppendLeaderboardEntry(ctx context.Context, entry *model.LeaderboardEntry) error
}

// Session owns the current snapshot of one single-player game. Every
// operation computes the full next state first and replaces the snapshot
// only on success. Safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	engine   *Engine
	sink     LeaderboardSink
	state    *model.SimulationState
	player   *model.PlayerState
	recorded bool
}

// NewSession creates a NotStarted session for userID. sink may be nil.
func NewSession(engine *Engine, sessionID, userID string, sink LeaderboardSink) *Session {
	return &Session{
		engine: engine,
		sink:   sink,
		state:  engine.NewSimulation(sessionID),
		player: engine.NewPlayer(sessionID, userID),
	}
}

// State returns a copy of the current simulation snapshot.
func (s *Session) State() *model.SimulationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Player returns a copy of the current player snapshot.
func (s *Session) Player() *model.PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player.Clone()
}

func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.engine.Start(s.state)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// Advance moves to the next round. On the final round it appends the
// leaderboard entry before returning; if that append fails the session is
// still completed and the error is returned alongside the result.
func (s *Session) Advance(ctx context.Context) (*RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.engine.Advance(s.state, s.player)
	if err != nil {
		return nil, err
	}
	s.state, s.player = res.State, res.Player

	if res.Results != nil && !s.recorded {
		s.recorded = true
		if s.sink != nil {
			entry := s.engine.LeaderboardEntry(s.state, s.player, *res.Results)
			if err := s.sink.AppendLeaderboardEntry(ctx, entry); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// Results returns the end-of-game figures at the current prices. It may be
// called at any phase to show a running total.
func (s *Session) Results() portfolio.Results {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Results(s.state, s.player)
}

func (s *Session) Buy(a asset.Asset, qty decimal.Decimal) (model.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, rec, err := s.engine.Buy(s.state, s.player, a, qty)
	if err != nil {
		return model.TradeRecord{}, err
	}
	s.player = next
	return rec, nil
}

func (s *Session) Sell(a asset.Asset, qty decimal.Decimal) (model.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, rec, err := s.engine.Sell(s.state, s.player, a, qty)
	if err != nil {
		return model.TradeRecord{}, err
	}
	s.player = next
	return rec, nil
}

func (s *Session) BuyAll() ([]model.TradeRecord, error) {
	return s.bulk(s.engine.BuyAll)
}

func (s *Session) BuySelected(assets []asset.Asset) ([]model.TradeRecord, error) {
	return s.bulk(func(sim *model.SimulationState, p *model.PlayerState) (*model.PlayerState, []model.TradeRecord, error) {
		return s.engine.BuySelected(sim, p, assets)
	})
}

func (s *Session) SellAll() ([]model.TradeRecord, error) {
	return s.bulk(s.engine.SellAll)
}

type bulkFunc func(*model.SimulationState, *model.PlayerState) (*model.PlayerState, []model.TradeRecord, error)

func (s *Session) bulk(fn bulkFunc) ([]model.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, trades, err := fn(s.state, s.player)
	if err != nil {
		return nil, err
	}
	s.player = next
	return trades, nil
}
