package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/econgames/odyssey-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	states      map[string]*model.SimulationState
	players     map[string]*model.PlayerState
	leaderboard []model.LeaderboardEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]*model.SimulationState),
		players: make(map[string]*model.PlayerState),
	}
}

func playerKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}

func (s *MemoryStore) LoadState(_ context.Context, sessionID string) (*model.SimulationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) SaveState(_ context.Context, state *model.SimulationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.states[state.SessionID] = state.Clone()
	return nil
}

func (s *MemoryStore) SwapState(_ context.Context, state *model.SimulationState, expectedRound int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRound(state.SessionID, expectedRound); err != nil {
		return err
	}
	s.states[state.SessionID] = state.Clone()
	return nil
}

func (s *MemoryStore) CommitRound(_ context.Context, state *model.SimulationState, player *model.PlayerState, expectedRound int, entry *model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRound(state.SessionID, expectedRound); err != nil {
		return err
	}
	s.states[state.SessionID] = state.Clone()
	s.players[playerKey(player.SessionID, player.UserID)] = player.Clone()
	if entry != nil {
		s.leaderboard = append(s.leaderboard, *entry)
	}
	return nil
}

// checkRound must be called with mu held.
func (s *MemoryStore) checkRound(sessionID string, expectedRound int) error {
	current, ok := s.states[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if current.RoundNumber != expectedRound {
		return fmt.Errorf("session %s at round %d, expected %d: %w",
			sessionID, current.RoundNumber, expectedRound, ErrRoundConflict)
	}
	return nil
}

func (s *MemoryStore) LoadPlayerState(_ context.Context, sessionID, userID string) (*model.PlayerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[playerKey(sessionID, userID)]
	if !ok {
		return nil, fmt.Errorf("player %s in session %s: %w", userID, sessionID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SavePlayerState(_ context.Context, player *model.PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.players[playerKey(player.SessionID, player.UserID)] = player.Clone()
	return nil
}

func (s *MemoryStore) AppendLeaderboardEntry(_ context.Context, entry *model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaderboard = append(s.leaderboard, *entry)
	return nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]model.LeaderboardEntry(nil), s.leaderboard...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FinalValue.GreaterThan(entries[j].FinalValue)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
