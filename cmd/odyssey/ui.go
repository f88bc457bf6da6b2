package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/game"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/portfolio"
	"github.com/econgames/odyssey-engine/internal/pricing"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

// money formats a decimal amount with thousands separators.
func money(v decimal.Decimal) string {
	f, _ := v.Round(2).Float64()
	return "$" + humanize.CommafWithDigits(f, 2)
}

func colorizePercent(pct float64) string {
	s := fmt.Sprintf("%+.2f%%", pct)
	switch {
	case pct > 0:
		return success.Sprint(s)
	case pct < 0:
		return danger.Sprint(s)
	default:
		return s
	}
}

func printRoundHeader() {
	fmt.Println()
	fmt.Printf("%-6s", "ROUND")
	for _, a := range asset.Order {
		fmt.Printf(" %12s", truncate(string(a), 12))
	}
	fmt.Printf(" %8s %12s %16s\n", "CPI", "INJECTION", "PORTFOLIO")
}

func printRound(res *game.RoundResult) {
	fmt.Printf("%-6d", res.State.RoundNumber)
	for _, o := range res.Outcomes {
		cell := fmt.Sprintf("%+.1f%%", o.Return*100)
		switch o.Regime {
		case pricing.RegimeCrash:
			cell = danger.Sprintf("%12s", cell+"!")
		case pricing.RegimeBoom, pricing.RegimeBubble:
			cell = warn.Sprintf("%12s", cell+"*")
		default:
			cell = fmt.Sprintf("%12s", cell)
		}
		fmt.Print(" ", cell)
	}
	cpi, _ := res.State.CPI.Float64()
	fmt.Printf(" %8.2f %12s %16s\n",
		cpi,
		money(res.Injection),
		money(portfolio.TotalValue(res.Player, res.State.AssetPrices)),
	)
}

func renderResults(r portfolio.Results) {
	pct, _ := r.PercentReturn.Float64()
	realPct, _ := r.RealPercentReturn.Float64()
	adj, _ := r.InjectionAdjustedPercentReturn.Float64()

	accent.Println("\n== RESULTS ==")
	fmt.Printf("Final Value:          %s\n", money(r.TotalValue))
	fmt.Printf("Total Return:         %s (%s)\n", money(r.TotalReturn), colorizePercent(pct))
	fmt.Printf("Real Value:           %s\n", money(r.RealValue))
	fmt.Printf("Real Return:          %s (%s)\n", money(r.RealReturn), colorizePercent(realPct))
	fmt.Printf("Cash Injected:        %s\n", money(r.TotalCashInjected))
	fmt.Printf("Excluding Injections: %s\n", colorizePercent(adj))
	fmt.Println()
}

func renderLeaderboard(entries []model.LeaderboardEntry) {
	accent.Println("\n== LEADERBOARD ==")
	if len(entries) == 0 {
		printInfo("No completed games yet.")
		return
	}
	fmt.Printf("%-6s %-18s %16s %10s %10s %14s\n", "RANK", "PLAYER", "FINAL VALUE", "RETURN", "REAL", "PLAYED")
	for i, e := range entries {
		pct, _ := e.PercentReturn.Float64()
		realPct, _ := e.RealPercentReturn.Float64()
		fmt.Printf("%-6s %-18s %16s %10s %10s %14s\n",
			humanize.Ordinal(i+1),
			truncate(e.UserID, 18),
			money(e.FinalValue),
			fmt.Sprintf("%+.2f%%", pct),
			fmt.Sprintf("%+.2f%%", realPct),
			humanize.Time(e.CreatedAt),
		)
	}
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "~"
}
