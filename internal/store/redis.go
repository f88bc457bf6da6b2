package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/econgames/odyssey-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then touch cache) ---

func (s *CachedStore) SaveState(ctx context.Context, state *model.SimulationState) error {
	if err := s.primary.SaveState(ctx, state); err != nil {
		return err
	}
	s.cache(ctx, stateKey(state.SessionID), state)
	return nil
}

func (s *CachedStore) SwapState(ctx context.Context, state *model.SimulationState, expectedRound int) error {
	if err := s.primary.SwapState(ctx, state, expectedRound); err != nil {
		// On conflict the cached copy is stale too.
		s.rdb.Del(ctx, stateKey(state.SessionID))
		return err
	}
	s.cache(ctx, stateKey(state.SessionID), state)
	return nil
}

func (s *CachedStore) CommitRound(ctx context.Context, state *model.SimulationState, player *model.PlayerState, expectedRound int, entry *model.LeaderboardEntry) error {
	if err := s.primary.CommitRound(ctx, state, player, expectedRound, entry); err != nil {
		s.rdb.Del(ctx, stateKey(state.SessionID))
		return err
	}
	s.cache(ctx, stateKey(state.SessionID), state)
	s.cache(ctx, playerCacheKey(player.SessionID, player.UserID), player)
	if entry != nil {
		s.rdb.Del(ctx, leaderboardKey)
	}
	return nil
}

func (s *CachedStore) SavePlayerState(ctx context.Context, player *model.PlayerState) error {
	if err := s.primary.SavePlayerState(ctx, player); err != nil {
		return err
	}
	s.cache(ctx, playerCacheKey(player.SessionID, player.UserID), player)
	return nil
}

func (s *CachedStore) AppendLeaderboardEntry(ctx context.Context, entry *model.LeaderboardEntry) error {
	if err := s.primary.AppendLeaderboardEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, leaderboardKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadState(ctx context.Context, sessionID string) (*model.SimulationState, error) {
	if data, err := s.rdb.Get(ctx, stateKey(sessionID)).Bytes(); err == nil {
		var st model.SimulationState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, stateKey(sessionID), st)
	return st, nil
}

func (s *CachedStore) LoadPlayerState(ctx context.Context, sessionID, userID string) (*model.PlayerState, error) {
	key := playerCacheKey(sessionID, userID)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var p model.PlayerState
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.LoadPlayerState(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, p)
	return p, nil
}

// Leaderboard caches only the full listing; limited reads slice it.
func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	data, err := s.rdb.Get(ctx, leaderboardKey).Bytes()
	if err != nil || json.Unmarshal(data, &entries) != nil {
		entries, err = s.primary.Leaderboard(ctx, 0)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, leaderboardKey, entries)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// --- Cache helpers ---

// cache stores v after a write to the primary.
func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// fill stores v after a read-through miss. It never replaces an existing
// key, so a read that raced a write cannot put the older value back.
func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.SetNX(ctx, key, data, s.ttl)
	}
}

const leaderboardKey = "odyssey:leaderboard"

func stateKey(sessionID string) string { return fmt.Sprintf("odyssey:state:%s", sessionID) }
func playerCacheKey(sessionID, userID string) string {
	return fmt.Sprintf("odyssey:player:%s:%s", sessionID, userID)
}
