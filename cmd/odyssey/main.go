package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/config"
	"github.com/econgames/odyssey-engine/internal/game"
	"github.com/econgames/odyssey-engine/internal/logging"
	"github.com/econgames/odyssey-engine/internal/rng"
	"github.com/econgames/odyssey-engine/internal/store"
)

// Trading strategies for simulate.
const (
	strategyNone   = "none"    // stay in cash
	strategyHold   = "hold"    // buy once, then hold
	strategyBuyAll = "buy-all" // sell everything and buy again every round
)

func main() {
	root := &cobra.Command{
		Use:          "odyssey",
		Short:        "Investment Odyssey market simulator",
		SilenceUsage: true,
	}

	root.AddCommand(
		newSimulateCmd(),
		newLeaderboardCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type simulateOpts struct {
	configPath string
	rounds     int
	seed       int64
	policy     string
	mode       string
	strategy   string
	assets     []string
	user       string
	sqlitePath string
}

func newSimulateCmd() *cobra.Command {
	var o simulateOpts
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a full game with a fixed strategy and print every round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "YAML config file (flags override it)")
	f.IntVar(&o.rounds, "rounds", 0, "number of rounds (default from config)")
	f.Int64Var(&o.seed, "seed", 0, "random seed (0 seeds from the clock)")
	f.StringVar(&o.policy, "policy", "", "cash injection policy: growing or fixed")
	f.StringVar(&o.mode, "mode", "", "correlation transform: row or cholesky")
	f.StringVar(&o.strategy, "strategy", strategyHold, "trading strategy: hold, buy-all or none")
	f.StringSliceVar(&o.assets, "assets", nil, "assets to hold instead of all of them ("+assetNames()+")")
	f.StringVar(&o.user, "user", "cli", "player name for the leaderboard")
	f.StringVar(&o.sqlitePath, "sqlite", "", "SQLite file to record the game and leaderboard in")
	return cmd
}

func runSimulate(cmd *cobra.Command, o simulateOpts) error {
	switch o.strategy {
	case strategyNone, strategyHold, strategyBuyAll:
	default:
		return fmt.Errorf("unknown strategy %q", o.strategy)
	}
	selected := make([]asset.Asset, 0, len(o.assets))
	for _, s := range o.assets {
		a, err := asset.Parse(s)
		if err != nil {
			return err
		}
		selected = append(selected, a)
	}

	engine, seed, err := buildEngine(o)
	if err != nil {
		return err
	}

	var st store.Store = store.NewMemoryStore()
	if o.sqlitePath != "" {
		sq, err := store.NewSQLiteStore(o.sqlitePath)
		if err != nil {
			return err
		}
		defer sq.Close()
		st = sq
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	sess := game.NewSession(engine, engine.NewID(), o.user, st)
	if err := sess.Start(); err != nil {
		return err
	}
	cfg := engine.Config()
	accent.Printf("\n== INVESTMENT ODYSSEY (%d rounds, seed %d, %s) ==\n", cfg.MaxRounds, seed, o.strategy)
	printInfo(fmt.Sprintf("Starting cash: %s", money(sess.Player().Cash)))

	rebuy := func() error {
		if len(selected) > 0 {
			_, err := sess.BuySelected(selected)
			return err
		}
		_, err := sess.BuyAll()
		return err
	}
	if o.strategy != strategyNone {
		if err := rebuy(); err != nil {
			return err
		}
	}
	if err := save(ctx, st, sess); err != nil {
		return err
	}

	printRoundHeader()
	for !sess.State().Completed() {
		res, err := sess.Advance(ctx)
		if err != nil {
			return err
		}
		if o.strategy == strategyBuyAll && !res.State.Completed() {
			if _, err := sess.SellAll(); err != nil {
				return err
			}
			if err := rebuy(); err != nil {
				return err
			}
		}
		if err := save(ctx, st, sess); err != nil {
			return err
		}
		printRound(res)
	}

	renderResults(sess.Results())
	if o.sqlitePath != "" {
		printSuccess(fmt.Sprintf("Recorded in %s.", o.sqlitePath))
	}
	return nil
}

// buildEngine layers flag overrides on top of the config file.
func buildEngine(o simulateOpts) (*game.Engine, int64, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, 0, err
	}
	if o.rounds != 0 {
		cfg.Game.MaxRounds = o.rounds
	}
	if o.seed != 0 {
		cfg.Game.Seed = o.seed
	}
	if o.policy != "" {
		cfg.Game.CashPolicy = o.policy
	}
	if o.mode != "" {
		cfg.Game.CorrelationMode = o.mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}

	// The CLI prints its own tables; only warnings reach the log.
	slog.SetDefault(logging.New("warn", cfg.Log.File))

	gameCfg, err := cfg.GameConfig()
	if err != nil {
		return nil, 0, err
	}
	seed := cfg.Game.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	engine, err := game.NewEngine(gameCfg, rng.NewLocked(seed))
	if err != nil {
		return nil, 0, err
	}
	return engine, seed, nil
}

func save(ctx context.Context, st store.Store, sess *game.Session) error {
	if err := st.SaveState(ctx, sess.State()); err != nil {
		return err
	}
	return st.SavePlayerState(ctx, sess.Player())
}

func newLeaderboardCmd() *cobra.Command {
	var (
		path  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the best recorded games",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			st, err := store.NewSQLiteStore(path)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			entries, err := st.Leaderboard(ctx, limit)
			if err != nil {
				return err
			}
			renderLeaderboard(entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "sqlite", "data/odyssey.db", "SQLite file written by simulate --sqlite")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of entries")
	return cmd
}

func assetNames() string {
	names := make([]string, 0, len(asset.Order))
	for _, a := range asset.Order {
		names = append(names, string(a))
	}
	return strings.Join(names, ", ")
}
