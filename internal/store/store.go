// Package store defines the persistence interface for simulation sessions.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), SQLite (single-player local play), and in-memory (for testing).
// The backend is chosen once at startup.
package store

import (
	"context"
	"errors"

	"github.com/econgames/odyssey-engine/internal/model"
)

var (
	// ErrNotFound is returned when a session, player or entry does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRoundConflict is returned by SwapState and CommitRound when the
	// stored round no longer matches the caller's expected round.
	ErrRoundConflict = errors.New("store: round conflict")
)

// Store is the storage-adapter interface the engine reads from and writes to.
type Store interface {
	// --- Simulation state ---

	// LoadState returns the latest snapshot of a session.
	LoadState(ctx context.Context, sessionID string) (*model.SimulationState, error)

	// SaveState creates or overwrites a session snapshot.
	SaveState(ctx context.Context, state *model.SimulationState) error

	// SwapState replaces a snapshot only if the stored round equals
	// expectedRound.
	SwapState(ctx context.Context, state *model.SimulationState, expectedRound int) error

	// CommitRound writes one advanced round as a single unit: it swaps the
	// snapshot as SwapState does, saves player, and appends entry when it is
	// non-nil. On any error nothing is written.
	CommitRound(ctx context.Context, state *model.SimulationState, player *model.PlayerState, expectedRound int, entry *model.LeaderboardEntry) error

	// --- Player state ---

	// LoadPlayerState returns one player's state within a session.
	LoadPlayerState(ctx context.Context, sessionID, userID string) (*model.PlayerState, error)

	// SavePlayerState creates or overwrites a player's state.
	SavePlayerState(ctx context.Context, player *model.PlayerState) error

	// --- Leaderboard ---

	// AppendLeaderboardEntry records a completed game.
	AppendLeaderboardEntry(ctx context.Context, entry *model.LeaderboardEntry) error

	// Leaderboard returns entries by descending final value. limit <= 0
	// returns all entries.
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}
