package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/econgames/odyssey-engine/internal/model"
)

type stateRow struct {
	SessionID   string `gorm:"primaryKey"`
	RoundNumber int    `gorm:"not null"`
	Phase       string `gorm:"not null"`
	State       string `gorm:"type:text;not null"`
	UpdatedAt   time.Time
}

func (stateRow) TableName() string { return "simulation_states" }

type playerRow struct {
	SessionID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	State     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (playerRow) TableName() string { return "player_states" }

type leaderboardRow struct {
	ID                string `gorm:"primaryKey"`
	SessionID         string `gorm:"index"`
	UserID            string
	FinalValue        string
	PercentReturn     string
	RealPercentReturn string
	Rounds            int
	CreatedAt         time.Time
}

func (leaderboardRow) TableName() string { return "leaderboard_entries" }

// SQLiteStore implements Store on a local SQLite file (pure Go driver).
// Used for single-player play where no server database is available.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&stateRow{}, &playerRow{}, &leaderboardRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) LoadState(ctx context.Context, sessionID string) (*model.SimulationState, error) {
	var row stateRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}

	var st model.SimulationState
	if err := json.Unmarshal([]byte(row.State), &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", sessionID, err)
	}
	return &st, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, state *model.SimulationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	row := stateRow{
		SessionID:   state.SessionID,
		RoundNumber: state.RoundNumber,
		Phase:       string(state.Phase),
		State:       string(data),
		UpdatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQLiteStore) SwapState(ctx context.Context, state *model.SimulationState, expectedRound int) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&stateRow{}).
		Where("session_id = ? AND round_number = ?", state.SessionID, expectedRound).
		Updates(map[string]any{
			"round_number": state.RoundNumber,
			"phase":        string(state.Phase),
			"state":        string(data),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("swap state %s: %w", state.SessionID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&stateRow{}).
		Where("session_id = ?", state.SessionID).Count(&n).Error; err != nil {
		return fmt.Errorf("swap state %s: %w", state.SessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", state.SessionID, ErrNotFound)
	}
	return fmt.Errorf("session %s, expected round %d: %w", state.SessionID, expectedRound, ErrRoundConflict)
}

// CommitRound runs the swap, the player save and the leaderboard insert in
// one transaction.
func (s *SQLiteStore) CommitRound(ctx context.Context, state *model.SimulationState, player *model.PlayerState, expectedRound int, entry *model.LeaderboardEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txs := &SQLiteStore{db: tx}
		if err := txs.SwapState(ctx, state, expectedRound); err != nil {
			return err
		}
		if err := txs.SavePlayerState(ctx, player); err != nil {
			return fmt.Errorf("save player: %w", err)
		}
		if entry != nil {
			if err := txs.AppendLeaderboardEntry(ctx, entry); err != nil {
				return fmt.Errorf("append leaderboard: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadPlayerState(ctx context.Context, sessionID, userID string) (*model.PlayerState, error) {
	var row playerRow
	err := s.db.WithContext(ctx).
		First(&row, "session_id = ? AND user_id = ?", sessionID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("player %s in session %s: %w", userID, sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", userID, err)
	}

	var p model.PlayerState
	if err := json.Unmarshal([]byte(row.State), &p); err != nil {
		return nil, fmt.Errorf("decode player %s: %w", userID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) SavePlayerState(ctx context.Context, player *model.PlayerState) error {
	data, err := json.Marshal(player)
	if err != nil {
		return fmt.Errorf("encode player: %w", err)
	}
	row := playerRow{
		SessionID: player.SessionID,
		UserID:    player.UserID,
		State:     string(data),
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQLiteStore) AppendLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	row := leaderboardRow{
		ID:                e.ID,
		SessionID:         e.SessionID,
		UserID:            e.UserID,
		FinalValue:        e.FinalValue.String(),
		PercentReturn:     e.PercentReturn.String(),
		RealPercentReturn: e.RealPercentReturn.String(),
		Rounds:            e.Rounds,
		CreatedAt:         e.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	q := s.db.WithContext(ctx).Order("CAST(final_value AS REAL) DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []leaderboardRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]model.LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		e := model.LeaderboardEntry{
			ID:        r.ID,
			SessionID: r.SessionID,
			UserID:    r.UserID,
			Rounds:    r.Rounds,
			CreatedAt: r.CreatedAt,
		}
		e.FinalValue, _ = decimal.NewFromString(r.FinalValue)
		e.PercentReturn, _ = decimal.NewFromString(r.PercentReturn)
		e.RealPercentReturn, _ = decimal.NewFromString(r.RealPercentReturn)
		entries = append(entries, e)
	}
	return entries, nil
}
