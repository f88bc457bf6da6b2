package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newState(id string, round int) *model.SimulationState {
	history := make(map[asset.Asset][]decimal.Decimal)
	prices := make(map[asset.Asset]decimal.Decimal)
	for a, p := range asset.DefaultPrices() {
		prices[a] = p
		for i := 0; i <= round; i++ {
			history[a] = append(history[a], p)
		}
	}
	cpi := make([]decimal.Decimal, round+1)
	for i := range cpi {
		cpi[i] = d(100)
	}
	return &model.SimulationState{
		SessionID:         id,
		Phase:             model.PhaseInProgress,
		RoundNumber:       round,
		MaxRounds:         20,
		InitialStake:      d(10000),
		AssetPrices:       prices,
		PriceHistory:      history,
		CPI:               d(100),
		CPIHistory:        cpi,
		BitcoinShockRange: [2]float64{-0.5, -0.75},
	}
}

// backends runs fn against the memory and SQLite stores, plus PostgreSQL
// and the Redis cache when ODYSSEY_TEST_DATABASE_URL or
// ODYSSEY_TEST_REDIS_URL name disposable servers.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	sqlBackends(t, fn)
	if url := os.Getenv("ODYSSEY_TEST_REDIS_URL"); url != "" {
		t.Run("redis", func(t *testing.T) {
			fn(t, NewCachedStore(NewMemoryStore(), newTestRedis(t, url), time.Minute))
		})
	}
}

// sqlBackends runs fn against the stores backed by a transactional database.
func sqlBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "odyssey.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	if url := os.Getenv("ODYSSEY_TEST_DATABASE_URL"); url != "" {
		t.Run("postgres", func(t *testing.T) {
			fn(t, newTestPostgres(t, url))
		})
	}
}

func newTestPostgres(t *testing.T, url string) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE simulation_states, player_states, leaderboard_entries`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func newTestRedis(t *testing.T, url string) *redis.Client {
	t.Helper()
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return rdb
}

func newPlayer(sessionID, userID string, cash float64) *model.PlayerState {
	return &model.PlayerState{
		SessionID:             sessionID,
		UserID:                userID,
		Cash:                  d(cash),
		Portfolio:             map[asset.Asset]decimal.Decimal{},
		PortfolioValueHistory: []decimal.Decimal{d(10000)},
	}
}

func newEntry(id, sessionID string, value float64) *model.LeaderboardEntry {
	return &model.LeaderboardEntry{
		ID:                id,
		SessionID:         sessionID,
		UserID:            "u1",
		FinalValue:        d(value),
		PercentReturn:     d(0),
		RealPercentReturn: d(0),
		Rounds:            20,
		CreatedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStore_StateRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := newState("s1", 2)
		in.PriceHistory[asset.Bitcoin][2] = d(61234.12345678)

		if err := s.SaveState(ctx, in); err != nil {
			t.Fatalf("save: %v", err)
		}
		out, err := s.LoadState(ctx, "s1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if out.RoundNumber != 2 || out.Phase != model.PhaseInProgress {
			t.Errorf("unexpected state: %+v", out)
		}
		for _, a := range asset.Order {
			if len(out.PriceHistory[a]) != 3 {
				t.Errorf("%s history length %d, want 3", a, len(out.PriceHistory[a]))
			}
		}
		if !out.PriceHistory[asset.Bitcoin][2].Equal(d(61234.12345678)) {
			t.Errorf("history value lost: %s", out.PriceHistory[asset.Bitcoin][2])
		}
	})
}

func TestStore_LoadMissing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.LoadState(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.LoadPlayerState(ctx, "nope", "u1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_SwapState(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveState(ctx, newState("s1", 3)); err != nil {
			t.Fatalf("save: %v", err)
		}

		if err := s.SwapState(ctx, newState("s1", 4), 3); err != nil {
			t.Fatalf("swap from expected round: %v", err)
		}

		// A second writer that also read round 3 must lose.
		err := s.SwapState(ctx, newState("s1", 4), 3)
		if !errors.Is(err, ErrRoundConflict) {
			t.Fatalf("expected ErrRoundConflict, got %v", err)
		}
		got, _ := s.LoadState(ctx, "s1")
		if got.RoundNumber != 4 {
			t.Errorf("expected round 4 after conflict, got %d", got.RoundNumber)
		}

		if err := s.SwapState(ctx, newState("ghost", 1), 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_CommitRound(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveState(ctx, newState("s1", 3)); err != nil {
			t.Fatalf("save state: %v", err)
		}
		if err := s.SavePlayerState(ctx, newPlayer("s1", "u1", 10000)); err != nil {
			t.Fatalf("save player: %v", err)
		}

		if err := s.CommitRound(ctx, newState("s1", 4), newPlayer("s1", "u1", 12500), 3, nil); err != nil {
			t.Fatalf("commit: %v", err)
		}
		got, _ := s.LoadState(ctx, "s1")
		p, _ := s.LoadPlayerState(ctx, "s1", "u1")
		if got.RoundNumber != 4 || !p.Cash.Equal(d(12500)) {
			t.Errorf("commit not applied: round %d, cash %s", got.RoundNumber, p.Cash)
		}

		// A stale commit writes neither the player nor the entry.
		err := s.CommitRound(ctx, newState("s1", 4), newPlayer("s1", "u1", 99999), 3, newEntry("e1", "s1", 99999))
		if !errors.Is(err, ErrRoundConflict) {
			t.Fatalf("expected ErrRoundConflict, got %v", err)
		}
		p, _ = s.LoadPlayerState(ctx, "s1", "u1")
		if !p.Cash.Equal(d(12500)) {
			t.Errorf("conflicting commit saved the player: cash %s", p.Cash)
		}
		if entries, _ := s.Leaderboard(ctx, 0); len(entries) != 0 {
			t.Errorf("conflicting commit appended %d entries", len(entries))
		}

		final := newState("s1", 5)
		final.Phase = model.PhaseCompleted
		if err := s.CommitRound(ctx, final, newPlayer("s1", "u1", 15000), 4, newEntry("e2", "s1", 15000)); err != nil {
			t.Fatalf("final commit: %v", err)
		}
		entries, _ := s.Leaderboard(ctx, 0)
		if len(entries) != 1 || entries[0].ID != "e2" {
			t.Errorf("expected the final entry, got %+v", entries)
		}

		err = s.CommitRound(ctx, newState("ghost", 1), newPlayer("ghost", "u1", 1), 0, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.LoadPlayerState(ctx, "ghost", "u1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("commit on a missing session saved its player: %v", err)
		}
	})
}

func TestStore_CommitRoundRollsBack(t *testing.T) {
	sqlBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveState(ctx, newState("s1", 0)); err != nil {
			t.Fatalf("save state: %v", err)
		}
		if err := s.SavePlayerState(ctx, newPlayer("s1", "u1", 10000)); err != nil {
			t.Fatalf("save player: %v", err)
		}
		if err := s.AppendLeaderboardEntry(ctx, newEntry("dup", "other", 1)); err != nil {
			t.Fatalf("append: %v", err)
		}

		// The entry insert fails on its primary key after the swap and
		// the player save have run inside the transaction.
		final := newState("s1", 1)
		final.Phase = model.PhaseCompleted
		if err := s.CommitRound(ctx, final, newPlayer("s1", "u1", 16500), 0, newEntry("dup", "s1", 16500)); err == nil {
			t.Fatal("expected the duplicate entry to fail the commit")
		}

		got, _ := s.LoadState(ctx, "s1")
		if got.RoundNumber != 0 || got.Phase != model.PhaseInProgress {
			t.Errorf("state not rolled back: round %d, %s", got.RoundNumber, got.Phase)
		}
		p, _ := s.LoadPlayerState(ctx, "s1", "u1")
		if !p.Cash.Equal(d(10000)) {
			t.Errorf("player not rolled back: cash %s", p.Cash)
		}
	})
}

func TestStore_PlayerState(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := &model.PlayerState{
			SessionID: "s1",
			UserID:    "u1",
			Cash:      d(5000),
			Portfolio: map[asset.Asset]decimal.Decimal{asset.SP500: d(50)},
			TradeHistory: []model.TradeRecord{{
				ID:         "t1",
				Asset:      asset.SP500,
				Action:     model.ActionBuy,
				Quantity:   d(50),
				Price:      d(100),
				Amount:     d(5000),
				Round:      0,
				ExecutedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
			PortfolioValueHistory: []decimal.Decimal{d(10000)},
		}
		if err := s.SavePlayerState(ctx, p); err != nil {
			t.Fatalf("save: %v", err)
		}

		p.Cash = d(0)
		p.Portfolio[asset.SP500] = d(100)
		if err := s.SavePlayerState(ctx, p); err != nil {
			t.Fatalf("overwrite: %v", err)
		}

		got, err := s.LoadPlayerState(ctx, "s1", "u1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !got.Cash.IsZero() || !got.Portfolio[asset.SP500].Equal(d(100)) {
			t.Errorf("overwrite lost: %+v", got)
		}
		if len(got.TradeHistory) != 1 || got.TradeHistory[0].ID != "t1" {
			t.Errorf("trade history lost: %+v", got.TradeHistory)
		}
		if _, err := s.LoadPlayerState(ctx, "s1", "u2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other user, got %v", err)
		}
	})
}

func TestStore_Leaderboard(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, v := range []float64{12000, 31000.5, 9000} {
			e := &model.LeaderboardEntry{
				ID:            []string{"a", "b", "c"}[i],
				SessionID:     "s",
				UserID:        "u",
				FinalValue:    d(v),
				PercentReturn: d((v - 10000) / 100),
				Rounds:        20,
				CreatedAt:     time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
			}
			if err := s.AppendLeaderboardEntry(ctx, e); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		all, err := s.Leaderboard(ctx, 0)
		if err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		if len(all) != 3 || all[0].ID != "b" || all[1].ID != "a" || all[2].ID != "c" {
			t.Errorf("unexpected order: %+v", all)
		}
		if !all[0].FinalValue.Equal(d(31000.5)) {
			t.Errorf("final value lost: %s", all[0].FinalValue)
		}

		top, _ := s.Leaderboard(ctx, 1)
		if len(top) != 1 || top[0].ID != "b" {
			t.Errorf("limit not applied: %+v", top)
		}
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := newState("s1", 0)
	s.SaveState(ctx, in)

	in.AssetPrices[asset.SP500] = d(1)
	out, _ := s.LoadState(ctx, "s1")
	if !out.AssetPrices[asset.SP500].Equal(d(100)) {
		t.Error("store shares memory with caller after save")
	}

	out.PriceHistory[asset.SP500][0] = d(1)
	again, _ := s.LoadState(ctx, "s1")
	if !again.PriceHistory[asset.SP500][0].Equal(d(100)) {
		t.Error("store shares memory with caller after load")
	}
}

func TestCachedStore_LateFillKeepsCommittedRound(t *testing.T) {
	url := os.Getenv("ODYSSEY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ODYSSEY_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	cs := NewCachedStore(NewMemoryStore(), newTestRedis(t, url), time.Minute)
	if err := cs.SaveState(ctx, newState("s1", 0)); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if err := cs.SavePlayerState(ctx, newPlayer("s1", "u1", 10000)); err != nil {
		t.Fatalf("save player: %v", err)
	}

	// A reader loads round 0 from the primary, then the round commits
	// before the reader writes its copy back to the cache.
	stale := newState("s1", 0)
	stalePlayer := newPlayer("s1", "u1", 10000)
	if err := cs.CommitRound(ctx, newState("s1", 1), newPlayer("s1", "u1", 16500), 0, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cs.fill(ctx, stateKey("s1"), stale)
	cs.fill(ctx, playerCacheKey("s1", "u1"), stalePlayer)

	got, err := cs.LoadState(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RoundNumber != 1 {
		t.Errorf("cache went back to round %d", got.RoundNumber)
	}
	p, _ := cs.LoadPlayerState(ctx, "s1", "u1")
	if !p.Cash.Equal(d(16500)) {
		t.Errorf("cache went back to cash %s", p.Cash)
	}

	if err := cs.SwapState(ctx, newState("s1", 2), 1); err != nil {
		t.Fatalf("swap: %v", err)
	}
	cs.fill(ctx, stateKey("s1"), newState("s1", 1))
	if got, _ := cs.LoadState(ctx, "s1"); got.RoundNumber != 2 {
		t.Errorf("cache went back to round %d after swap", got.RoundNumber)
	}
}
