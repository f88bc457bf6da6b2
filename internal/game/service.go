package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/metrics"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/portfolio"
	"github.com/econgames/odyssey-engine/internal/store"
)

// Event types published by Service.
const (
	EventRoundAdvanced    = "round_advanced"
	EventTradeExecuted    = "trade_executed"
	EventSessionCompleted = "session_completed"
)

// Event is a notification of a state change.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Round     int    `json:"round"`
	Data      any    `json:"data,omitempty"`
}

// Publisher fans events out to subscribers. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Service runs sessions whose snapshots live in a store.Store. Operations
// are serialized within the process; AdvanceRound additionally relies on
// the store's compare-and-swap so that two processes advancing the same
// session cannot both win.
type Service struct {
	engine *Engine
	store  store.Store
	pub    Publisher
	mu     sync.Mutex
}

// NewService creates a Service. Pass nil for pub if events are not needed.
func NewService(engine *Engine, st store.Store, pub Publisher) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Service{engine: engine, store: st, pub: pub}
}

// Engine exposes the underlying engine.
func (s *Service) Engine() *Engine { return s.engine }

// StartSession creates, starts and persists a new session for userID.
func (s *Service) StartSession(ctx context.Context, userID string) (*model.SimulationState, *model.PlayerState, error) {
	if userID == "" {
		return nil, nil, ErrMissingUser
	}
	sessionID := s.engine.NewID()
	sim, err := s.engine.Start(s.engine.NewSimulation(sessionID))
	if err != nil {
		return nil, nil, err
	}
	player := s.engine.NewPlayer(sessionID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveState(ctx, sim); err != nil {
		return nil, nil, fmt.Errorf("save state: %w", err)
	}
	if err := s.store.SavePlayerState(ctx, player); err != nil {
		return nil, nil, fmt.Errorf("save player: %w", err)
	}

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	slog.Info("session started",
		"session_id", sessionID,
		"user_id", userID,
		"max_rounds", sim.MaxRounds,
	)
	return sim, player, nil
}

// Session loads the current simulation snapshot.
func (s *Service) Session(ctx context.Context, sessionID string) (*model.SimulationState, error) {
	return s.store.LoadState(ctx, sessionID)
}

// Player loads one player's snapshot.
func (s *Service) Player(ctx context.Context, sessionID, userID string) (*model.PlayerState, error) {
	return s.store.LoadPlayerState(ctx, sessionID, userID)
}

// AdvanceRound moves the session one round forward on behalf of userID.
// It fails with ErrConcurrentRoundConflict if the stored round is not
// expectedRound, either before computing or at the commit. The session,
// the player and any leaderboard entry are committed together, so a failed
// advance leaves the stored round where it was and can be retried.
func (s *Service) AdvanceRound(ctx context.Context, sessionID, userID string, expectedRound int) (*RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, err := s.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sim.RoundNumber != expectedRound {
		metrics.RoundConflicts.Inc()
		return nil, fmt.Errorf("%w: session %s at round %d, expected %d",
			ErrConcurrentRoundConflict, sessionID, sim.RoundNumber, expectedRound)
	}
	player, err := s.store.LoadPlayerState(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Advance(sim, player)
	if err != nil {
		return nil, err
	}

	var entry *model.LeaderboardEntry
	if res.Results != nil {
		entry = s.engine.LeaderboardEntry(res.State, res.Player, *res.Results)
	}
	if err := s.store.CommitRound(ctx, res.State, res.Player, expectedRound, entry); err != nil {
		if errors.Is(err, store.ErrRoundConflict) {
			metrics.RoundConflicts.Inc()
			return nil, fmt.Errorf("%w: %v", ErrConcurrentRoundConflict, err)
		}
		return nil, fmt.Errorf("commit round: %w", err)
	}

	metrics.RoundsAdvanced.Inc()
	for _, o := range res.Outcomes {
		if o.Asset == asset.Bitcoin {
			metrics.BitcoinRegimes.WithLabelValues(string(o.Regime)).Inc()
		}
	}
	slog.Info("round advanced",
		"session_id", sessionID,
		"user_id", userID,
		"round", res.State.RoundNumber,
		"cpi", res.State.CPI.String(),
		"injection", res.Injection.String(),
	)
	s.pub.Publish(Event{
		Type:      EventRoundAdvanced,
		SessionID: sessionID,
		UserID:    userID,
		Round:     res.State.RoundNumber,
		Data:      res.State.AssetPrices,
	})

	if entry != nil {
		s.completed(res, entry)
	}
	return res, nil
}

// completed runs once per session: only the advance whose commit moved the
// session into Completed reaches it, and that commit already holds entry.
func (s *Service) completed(res *RoundResult, entry *model.LeaderboardEntry) {
	metrics.SessionsCompleted.Inc()
	metrics.ActiveSessions.Dec()
	slog.Info("session completed",
		"session_id", res.State.SessionID,
		"user_id", res.Player.UserID,
		"final_value", entry.FinalValue.String(),
		"percent_return", entry.PercentReturn.String(),
		"real_percent_return", entry.RealPercentReturn.String(),
	)
	s.pub.Publish(Event{
		Type:      EventSessionCompleted,
		SessionID: res.State.SessionID,
		UserID:    res.Player.UserID,
		Round:     res.State.RoundNumber,
		Data:      res.Results,
	})
}

// TradeResult is the player snapshot after one or more trades.
type TradeResult struct {
	Player     *model.PlayerState  `json:"player"`
	Trades     []model.TradeRecord `json:"trades"`
	TotalValue decimal.Decimal     `json:"total_value"`
}

// Trade executes a single buy or sell.
func (s *Service) Trade(ctx context.Context, sessionID, userID string, a asset.Asset, action model.Action, qty decimal.Decimal) (*TradeResult, error) {
	return s.execute(ctx, sessionID, userID, func(sim *model.SimulationState, p *model.PlayerState) (*model.PlayerState, []model.TradeRecord, error) {
		next, rec, err := s.engine.Trade(sim, p, a, action, qty)
		if err != nil {
			return nil, nil, err
		}
		return next, []model.TradeRecord{rec}, nil
	})
}

func (s *Service) BuyAll(ctx context.Context, sessionID, userID string) (*TradeResult, error) {
	return s.execute(ctx, sessionID, userID, s.engine.BuyAll)
}

func (s *Service) BuySelected(ctx context.Context, sessionID, userID string, assets []asset.Asset) (*TradeResult, error) {
	return s.execute(ctx, sessionID, userID, func(sim *model.SimulationState, p *model.PlayerState) (*model.PlayerState, []model.TradeRecord, error) {
		return s.engine.BuySelected(sim, p, assets)
	})
}

func (s *Service) SellAll(ctx context.Context, sessionID, userID string) (*TradeResult, error) {
	return s.execute(ctx, sessionID, userID, s.engine.SellAll)
}

// execute loads both snapshots, applies fn, and saves the player once.
func (s *Service) execute(ctx context.Context, sessionID, userID string, fn bulkFunc) (*TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, err := s.store.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	player, err := s.store.LoadPlayerState(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	next, trades, err := fn(sim, player)
	if err != nil {
		return nil, err
	}
	if err := s.store.SavePlayerState(ctx, next); err != nil {
		return nil, fmt.Errorf("save player: %w", err)
	}

	for _, t := range trades {
		metrics.TradesTotal.WithLabelValues(string(t.Action)).Inc()
		slog.Info("trade executed",
			"session_id", sessionID,
			"user_id", userID,
			"asset", string(t.Asset),
			"action", string(t.Action),
			"quantity", t.Quantity.String(),
			"price", t.Price.String(),
			"amount", t.Amount.String(),
		)
	}
	if len(trades) > 0 {
		s.pub.Publish(Event{
			Type:      EventTradeExecuted,
			SessionID: sessionID,
			UserID:    userID,
			Round:     sim.RoundNumber,
			Data:      trades,
		})
	}
	return &TradeResult{
		Player:     next,
		Trades:     trades,
		TotalValue: portfolio.TotalValue(next, sim.AssetPrices),
	}, nil
}

// Results returns the end-of-game figures for a player at the session's
// current prices and CPI.
func (s *Service) Results(ctx context.Context, sessionID, userID string) (portfolio.Results, error) {
	sim, err := s.store.LoadState(ctx, sessionID)
	if err != nil {
		return portfolio.Results{}, err
	}
	player, err := s.store.LoadPlayerState(ctx, sessionID, userID)
	if err != nil {
		return portfolio.Results{}, err
	}
	return s.engine.Results(sim, player), nil
}

// Leaderboard returns up to limit entries, best final value first.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return s.store.Leaderboard(ctx, limit)
}
