package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/model"
)

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Snapshots are stored whole as JSONB; the round number is also kept in its
// own column so SwapState can compare it in the UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS simulation_states (
	session_id   TEXT PRIMARY KEY,
	round_number INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	state        JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS player_states (
	session_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, user_id)
);
CREATE TABLE IF NOT EXISTS leaderboard_entries (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	final_value         NUMERIC NOT NULL,
	percent_return      NUMERIC NOT NULL,
	real_percent_return NUMERIC NOT NULL,
	rounds              INTEGER NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS leaderboard_entries_final_value_idx
	ON leaderboard_entries (final_value DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadState(ctx context.Context, sessionID string) (*model.SimulationState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM simulation_states WHERE session_id = $1`, sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}

	var st model.SimulationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", sessionID, err)
	}
	return &st, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, state *model.SimulationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO simulation_states (session_id, round_number, phase, state, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (session_id) DO UPDATE
		 SET round_number = EXCLUDED.round_number,
		     phase = EXCLUDED.phase,
		     state = EXCLUDED.state,
		     updated_at = EXCLUDED.updated_at`,
		state.SessionID, state.RoundNumber, string(state.Phase), data,
	)
	return err
}

func (s *PostgresStore) SwapState(ctx context.Context, state *model.SimulationState, expectedRound int) error {
	return swapState(ctx, s.pool, state, expectedRound)
}

// CommitRound runs the swap, the player save and the leaderboard insert in
// one transaction.
func (s *PostgresStore) CommitRound(ctx context.Context, state *model.SimulationState, player *model.PlayerState, expectedRound int, entry *model.LeaderboardEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit round: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after Commit

	if err := swapState(ctx, tx, state, expectedRound); err != nil {
		return err
	}
	if err := savePlayer(ctx, tx, player); err != nil {
		return fmt.Errorf("save player: %w", err)
	}
	if entry != nil {
		if err := appendEntry(ctx, tx, entry); err != nil {
			return fmt.Errorf("append leaderboard: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit round %s: %w", state.SessionID, err)
	}
	return nil
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func swapState(ctx context.Context, db dbtx, state *model.SimulationState, expectedRound int) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tag, err := db.Exec(ctx,
		`UPDATE simulation_states
		 SET round_number = $2, phase = $3, state = $4, updated_at = now()
		 WHERE session_id = $1 AND round_number = $5`,
		state.SessionID, state.RoundNumber, string(state.Phase), data, expectedRound,
	)
	if err != nil {
		return fmt.Errorf("swap state %s: %w", state.SessionID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM simulation_states WHERE session_id = $1)`,
		state.SessionID).Scan(&exists); err != nil {
		return fmt.Errorf("swap state %s: %w", state.SessionID, err)
	}
	if !exists {
		return fmt.Errorf("session %s: %w", state.SessionID, ErrNotFound)
	}
	return fmt.Errorf("session %s, expected round %d: %w", state.SessionID, expectedRound, ErrRoundConflict)
}

func (s *PostgresStore) LoadPlayerState(ctx context.Context, sessionID, userID string) (*model.PlayerState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM player_states WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("player %s in session %s: %w", userID, sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", userID, err)
	}

	var p model.PlayerState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode player %s: %w", userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) SavePlayerState(ctx context.Context, player *model.PlayerState) error {
	return savePlayer(ctx, s.pool, player)
}

func savePlayer(ctx context.Context, db dbtx, player *model.PlayerState) error {
	data, err := json.Marshal(player)
	if err != nil {
		return fmt.Errorf("encode player: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO player_states (session_id, user_id, state, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id, user_id) DO UPDATE
		 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		player.SessionID, player.UserID, data,
	)
	return err
}

func (s *PostgresStore) AppendLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	return appendEntry(ctx, s.pool, e)
}

func appendEntry(ctx context.Context, db dbtx, e *model.LeaderboardEntry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO leaderboard_entries
		   (id, session_id, user_id, final_value, percent_return, real_percent_return, rounds, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, e.SessionID, e.UserID,
		e.FinalValue.String(), e.PercentReturn.String(), e.RealPercentReturn.String(),
		e.Rounds, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	query := `SELECT id, session_id, user_id,
	                 final_value::TEXT, percent_return::TEXT, real_percent_return::TEXT,
	                 rounds, created_at
	          FROM leaderboard_entries
	          ORDER BY final_value DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var finalS, pctS, realS string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID,
			&finalS, &pctS, &realS, &e.Rounds, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FinalValue, _ = decimal.NewFromString(finalS)
		e.PercentReturn, _ = decimal.NewFromString(pctS)
		e.RealPercentReturn, _ = decimal.NewFromString(realS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
