package game

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/correlation"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/portfolio"
	"github.com/econgames/odyssey-engine/internal/rng"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// ones makes every draw 1.0: normals are 0, uniforms sit at their upper
// end, and no crash check ever fires.
func ones() rng.Source { return rng.NewSequence(1) }

func newTestEngine(t *testing.T, cfg Config, src rng.Source) *Engine {
	t.Helper()
	n := 0
	e, err := NewEngine(cfg, src,
		WithClock(func() time.Time { return testTime }),
		WithIDs(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func startedSim(t *testing.T, e *Engine) *model.SimulationState {
	t.Helper()
	sim, err := e.Start(e.NewSimulation("s1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sim
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative rounds", Config{MaxRounds: -1}},
		{"negative stake", Config{InitialStake: d(-5)}},
		{"zero price", Config{InitialPrices: map[asset.Asset]decimal.Decimal{asset.Gold: decimal.Zero}}},
		{"floor at -100%", Config{Params: map[asset.Asset]asset.Params{asset.Gold: {Min: -1, Max: 1}}}},
		{"unknown mode", Config{Mode: "diagonal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.cfg, ones()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEngine_NewSimulationAndPlayer(t *testing.T) {
	e := newTestEngine(t, Config{}, ones())

	sim := e.NewSimulation("s1")
	if sim.Phase != model.PhaseNotStarted || sim.RoundNumber != 0 {
		t.Errorf("unexpected initial phase/round: %s/%d", sim.Phase, sim.RoundNumber)
	}
	if sim.MaxRounds != DefaultMaxRounds {
		t.Errorf("expected %d rounds, got %d", DefaultMaxRounds, sim.MaxRounds)
	}
	if len(sim.PriceHistory[asset.SP500]) != 0 || len(sim.CPIHistory) != 0 {
		t.Error("history should be empty before start")
	}
	if !sim.CPI.Equal(d(100)) {
		t.Errorf("expected CPI 100, got %s", sim.CPI)
	}

	p := e.NewPlayer("s1", "u1")
	if !p.Cash.Equal(DefaultInitialStake) {
		t.Errorf("expected cash %s, got %s", DefaultInitialStake, p.Cash)
	}
	if len(p.PortfolioValueHistory) != 1 || !p.PortfolioValueHistory[0].Equal(DefaultInitialStake) {
		t.Errorf("unexpected value history: %v", p.PortfolioValueHistory)
	}
}

func TestEngine_Start(t *testing.T) {
	e := newTestEngine(t, Config{}, ones())
	fresh := e.NewSimulation("s1")

	sim, err := e.Start(fresh)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sim.Phase != model.PhaseInProgress {
		t.Errorf("expected in progress, got %s", sim.Phase)
	}
	for _, a := range asset.Order {
		h := sim.PriceHistory[a]
		if len(h) != 1 || !h[0].Equal(asset.DefaultPrices()[a]) {
			t.Errorf("%s history not seeded: %v", a, h)
		}
	}
	if len(sim.CPIHistory) != 1 {
		t.Errorf("CPI history not seeded: %v", sim.CPIHistory)
	}
	if fresh.Phase != model.PhaseNotStarted {
		t.Error("Start mutated its input")
	}

	if _, err := e.Start(sim); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("expected ErrInvalidRoundTransition on restart, got %v", err)
	}
}

func TestEngine_AdvanceAtMeanReturn(t *testing.T) {
	e := newTestEngine(t, Config{
		InitialPrices: map[asset.Asset]decimal.Decimal{asset.SP500: d(100)},
	}, ones())
	sim := startedSim(t, e)
	player := e.NewPlayer("s1", "u1")

	res, err := e.Advance(sim, player)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := res.State.AssetPrices[asset.SP500]; !got.Equal(d(111.51)) {
		t.Errorf("expected 111.51, got %s", got)
	}
	if res.State.RoundNumber != 1 {
		t.Errorf("expected round 1, got %d", res.State.RoundNumber)
	}
	if sim.RoundNumber != 0 || !sim.AssetPrices[asset.SP500].Equal(d(100)) {
		t.Error("Advance mutated its input")
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Asset != asset.SP500 {
		t.Errorf("expected one outcome, got %+v", res.Outcomes)
	}
}

func TestEngine_AdvanceCreditsInjection(t *testing.T) {
	e := newTestEngine(t, Config{}, ones())
	sim := startedSim(t, e)
	player := e.NewPlayer("s1", "u1")

	res, err := e.Advance(sim, player)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	// Growing base at round 1 with the jitter at its top: 5000 + 500 + 1000.
	if !res.Injection.Equal(d(6500)) {
		t.Errorf("expected injection 6500, got %s", res.Injection)
	}
	if !res.Player.Cash.Equal(d(16500)) {
		t.Errorf("expected cash 16500, got %s", res.Player.Cash)
	}
	if !res.State.TotalCashInjected.Equal(d(6500)) || !res.State.LastCashInjection.Equal(d(6500)) {
		t.Errorf("injection not recorded on state: %s / %s", res.State.LastCashInjection, res.State.TotalCashInjected)
	}
	if !player.Cash.Equal(DefaultInitialStake) {
		t.Error("Advance mutated the player")
	}
	if n := len(res.Player.PortfolioValueHistory); n != 2 {
		t.Fatalf("expected 2 value entries, got %d", n)
	}
	if !res.Player.PortfolioValueHistory[1].Equal(d(16500)) {
		t.Errorf("expected value 16500, got %s", res.Player.PortfolioValueHistory[1])
	}
}

func TestEngine_RealReturnUsesCPI(t *testing.T) {
	e := newTestEngine(t, Config{MaxRounds: 1}, ones())
	sim := startedSim(t, e)
	player := e.NewPlayer("s1", "u1")

	res, err := e.Advance(sim, player)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.CPIChange != 0.025 {
		t.Errorf("expected CPI change 0.025, got %v", res.CPIChange)
	}
	if !res.State.CPI.Equal(d(102.5)) {
		t.Fatalf("expected CPI 102.5, got %s", res.State.CPI)
	}
	if res.Results == nil {
		t.Fatal("expected results on the final round")
	}

	total := d(16500)
	wantReal := total.Div(d(102.5)).Mul(d(100)).Round(portfolio.ResultScale)
	if !res.Results.TotalValue.Equal(total) {
		t.Errorf("expected total %s, got %s", total, res.Results.TotalValue)
	}
	if !res.Results.RealValue.Equal(wantReal) {
		t.Errorf("expected real value %s, got %s", wantReal, res.Results.RealValue)
	}
	if res.Results.RealValue.Equal(total) {
		t.Error("real value must be deflated")
	}
	if !res.Results.RealReturn.Equal(wantReal.Sub(DefaultInitialStake)) {
		t.Errorf("unexpected real return %s", res.Results.RealReturn)
	}
}

func TestEngine_CompletesOnFinalRound(t *testing.T) {
	e := newTestEngine(t, Config{MaxRounds: 3}, ones())
	sim := startedSim(t, e)
	player := e.NewPlayer("s1", "u1")

	for round := 1; round <= 3; round++ {
		res, err := e.Advance(sim, player)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		sim, player = res.State, res.Player

		wantPhase := model.PhaseInProgress
		if round == 3 {
			wantPhase = model.PhaseCompleted
		}
		if sim.Phase != wantPhase {
			t.Errorf("round %d: expected %s, got %s", round, wantPhase, sim.Phase)
		}
		if (res.Results != nil) != (round == 3) {
			t.Errorf("round %d: results present = %v", round, res.Results != nil)
		}
	}

	if _, err := e.Advance(sim, player); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("expected ErrInvalidRoundTransition after completion, got %v", err)
	}
}

func TestEngine_HistoryInvariant(t *testing.T) {
	for _, mode := range []correlation.Mode{correlation.RowWeighted, correlation.Cholesky} {
		t.Run(string(mode), func(t *testing.T) {
			e := newTestEngine(t, Config{Mode: mode}, rng.NewLocked(42))
			sim := startedSim(t, e)
			player := e.NewPlayer("s1", "u1")

			for !sim.Completed() {
				var err error
				player, _, err = e.BuyAll(sim, player)
				if err != nil {
					t.Fatalf("round %d buy all: %v", sim.RoundNumber, err)
				}
				if player.Cash.IsNegative() {
					t.Fatalf("round %d: negative cash %s", sim.RoundNumber, player.Cash)
				}

				res, err := e.Advance(sim, player)
				if err != nil {
					t.Fatalf("round %d: %v", sim.RoundNumber, err)
				}
				sim, player = res.State, res.Player

				want := sim.RoundNumber + 1
				for _, a := range asset.Order {
					if n := len(sim.PriceHistory[a]); n != want {
						t.Fatalf("round %d: %s history %d, want %d", sim.RoundNumber, a, n, want)
					}
					if !sim.AssetPrices[a].IsPositive() {
						t.Fatalf("round %d: %s price %s", sim.RoundNumber, a, sim.AssetPrices[a])
					}
				}
				if n := len(sim.CPIHistory); n != want {
					t.Fatalf("round %d: CPI history %d, want %d", sim.RoundNumber, n, want)
				}
				if n := len(player.PortfolioValueHistory); n != want {
					t.Fatalf("round %d: value history %d, want %d", sim.RoundNumber, n, want)
				}
				for a, q := range player.Portfolio {
					if !q.IsPositive() {
						t.Fatalf("round %d: %s held %s", sim.RoundNumber, a, q)
					}
				}
			}
			if sim.RoundNumber != DefaultMaxRounds {
				t.Errorf("completed at round %d, want %d", sim.RoundNumber, DefaultMaxRounds)
			}
		})
	}
}

func TestEngine_TradesRequireInProgress(t *testing.T) {
	e := newTestEngine(t, Config{MaxRounds: 1}, ones())
	notStarted := e.NewSimulation("s1")
	player := e.NewPlayer("s1", "u1")

	if _, _, err := e.Buy(notStarted, player, asset.Gold, d(1)); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("buy before start: expected ErrInvalidRoundTransition, got %v", err)
	}
	if _, _, err := e.BuyAll(notStarted, player); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("buy all before start: expected ErrInvalidRoundTransition, got %v", err)
	}

	res, err := e.Advance(startedSim(t, e), player)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, _, err := e.Sell(res.State, res.Player, asset.Gold, d(1)); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("sell after completion: expected ErrInvalidRoundTransition, got %v", err)
	}
	if _, _, err := e.SellAll(res.State, res.Player); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("sell all after completion: expected ErrInvalidRoundTransition, got %v", err)
	}
}

func TestEngine_Trade(t *testing.T) {
	e := newTestEngine(t, Config{}, ones())
	sim := startedSim(t, e)
	player := e.NewPlayer("s1", "u1")

	tests := []struct {
		name    string
		asset   asset.Asset
		action  model.Action
		qty     decimal.Decimal
		wantErr error
	}{
		{"buy", asset.SP500, model.ActionBuy, d(50), nil},
		{"unknown action", asset.SP500, "hold", d(1), ErrInvalidAction},
		{"unknown asset", "Tulips", model.ActionBuy, d(1), asset.ErrInvalidAsset},
		{"zero quantity", asset.Gold, model.ActionBuy, decimal.Zero, portfolio.ErrInvalidQuantity},
		{"over budget", asset.Bitcoin, model.ActionBuy, d(1), portfolio.ErrInsufficientFunds},
		{"sell unheld", asset.Gold, model.ActionSell, d(1), portfolio.ErrInsufficientHoldings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, rec, err := e.Trade(sim, player, tt.asset, tt.action, tt.qty)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !next.Cash.Equal(d(5000)) || !next.Portfolio[asset.SP500].Equal(d(50)) {
				t.Errorf("unexpected player: cash %s, holding %s", next.Cash, next.Portfolio[asset.SP500])
			}
			if rec.Round != 0 || !rec.ExecutedAt.Equal(testTime) || rec.ID == "" {
				t.Errorf("trade not stamped: %+v", rec)
			}
		})
	}
}

type recordingSink struct {
	entries []*model.LeaderboardEntry
}

func (s *recordingSink) AppendLeaderboardEntry(_ context.Context, e *model.LeaderboardEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestSession_AppendsLeaderboardOnce(t *testing.T) {
	e := newTestEngine(t, Config{MaxRounds: 3}, ones())
	sink := &recordingSink{}
	s := NewSession(e, "s1", "u1", sink)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Buy(asset.SP500, d(10)); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := s.Advance(ctx); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	if len(sink.entries) != 0 {
		t.Fatalf("leaderboard written before completion")
	}

	// Round maxRounds-1 → Completed.
	res, err := s.Advance(ctx)
	if err != nil {
		t.Fatalf("final Advance: %v", err)
	}
	if res.State.Phase != model.PhaseCompleted {
		t.Fatalf("expected completed, got %s", res.State.Phase)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 leaderboard entry, got %d", len(sink.entries))
	}

	st, p := s.State(), s.Player()
	want := p.Cash.Add(portfolio.Value(p.Portfolio, st.AssetPrices))
	entry := sink.entries[0]
	if !entry.FinalValue.Equal(want) {
		t.Errorf("expected final value %s, got %s", want, entry.FinalValue)
	}
	if entry.UserID != "u1" || entry.SessionID != "s1" || entry.Rounds != 3 {
		t.Errorf("unexpected entry: %+v", entry)
	}

	if _, err := s.Advance(ctx); !errors.Is(err, ErrInvalidRoundTransition) {
		t.Errorf("expected ErrInvalidRoundTransition, got %v", err)
	}
	if len(sink.entries) != 1 {
		t.Errorf("leaderboard appended again: %d entries", len(sink.entries))
	}
}

func TestSession_BulkOperations(t *testing.T) {
	e := newTestEngine(t, Config{}, ones())
	s := NewSession(e, "s1", "u1", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	trades, err := s.BuySelected([]asset.Asset{asset.SP500, asset.Gold})
	if err != nil {
		t.Fatalf("BuySelected: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if p := s.Player(); len(p.Portfolio) != 2 || p.Cash.IsNegative() {
		t.Errorf("unexpected player after buy selected: %+v", p)
	}

	if _, err := s.SellAll(); err != nil {
		t.Fatalf("SellAll: %v", err)
	}
	p := s.Player()
	if len(p.Portfolio) != 0 {
		t.Errorf("expected empty portfolio, got %v", p.Portfolio)
	}
	if !p.Cash.Equal(DefaultInitialStake) {
		t.Errorf("round trip at unchanged prices should restore cash, got %s", p.Cash)
	}

	if _, err := s.BuyAll(); err != nil {
		t.Fatalf("BuyAll: %v", err)
	}
	if got := len(s.Player().Portfolio); got != len(asset.Order) {
		t.Errorf("expected %d holdings, got %d", len(asset.Order), got)
	}

	if _, err := s.BuySelected([]asset.Asset{"Tulips"}); !errors.Is(err, asset.ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}
