// Package portfolio values holdings and executes trades against a price
// snapshot. Every operation is pure: it returns a new PlayerState and never
// mutates its input, so callers can compute a whole bulk operation and
// replace the player state once.
package portfolio

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/model"
)

var (
	ErrInsufficientFunds    = errors.New("portfolio: insufficient funds")
	ErrInsufficientHoldings = errors.New("portfolio: insufficient holdings")
	ErrInvalidQuantity      = errors.New("portfolio: quantity must be positive")
	ErrInvalidPrice         = errors.New("portfolio: price must be positive")

	// QuantityScale is the precision of quantities chosen by bulk buys.
	QuantityScale int32 = 8

	quantum = decimal.New(1, -QuantityScale)
)

// Stamp carries the metadata written onto each trade record.
type Stamp struct {
	Round int
	At    time.Time
	NewID func() string // defaults to uuid.NewString
}

func (s Stamp) record(a asset.Asset, action model.Action, qty, price, amount decimal.Decimal) model.TradeRecord {
	id := uuid.NewString
	if s.NewID != nil {
		id = s.NewID
	}
	at := s.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return model.TradeRecord{
		ID:         id(),
		Asset:      a,
		Action:     action,
		Quantity:   qty,
		Price:      price,
		Amount:     amount,
		Round:      s.Round,
		ExecutedAt: at,
	}
}

// Value sums quantity × price over holdings. Assets without a price
// contribute nothing.
func Value(holdings, prices map[asset.Asset]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for a, qty := range holdings {
		if price, ok := prices[a]; ok {
			total = total.Add(qty.Mul(price))
		}
	}
	return total
}

// TotalValue is cash plus the value of holdings.
func TotalValue(p *model.PlayerState, prices map[asset.Asset]decimal.Decimal) decimal.Decimal {
	return p.Cash.Add(Value(p.Portfolio, prices))
}

func validate(a asset.Asset, qty, price decimal.Decimal) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %q", asset.ErrInvalidAsset, a)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	return nil
}

// Buy debits qty × price from cash and credits qty of a.
func Buy(p *model.PlayerState, a asset.Asset, qty, price decimal.Decimal, st Stamp) (*model.PlayerState, model.TradeRecord, error) {
	if err := validate(a, qty, price); err != nil {
		return nil, model.TradeRecord{}, err
	}
	cost := qty.Mul(price)
	if p.Cash.LessThan(cost) {
		return nil, model.TradeRecord{}, fmt.Errorf("%w: cost %s, cash %s", ErrInsufficientFunds, cost, p.Cash)
	}

	next := p.Clone()
	next.Cash = next.Cash.Sub(cost)
	next.Portfolio[a] = next.Portfolio[a].Add(qty)

	rec := st.record(a, model.ActionBuy, qty, price, cost)
	next.TradeHistory = append(next.TradeHistory, rec)
	return next, rec, nil
}

// Sell credits qty × price to cash and debits qty of a. A holding that
// reaches exactly zero is removed.
func Sell(p *model.PlayerState, a asset.Asset, qty, price decimal.Decimal, st Stamp) (*model.PlayerState, model.TradeRecord, error) {
	if err := validate(a, qty, price); err != nil {
		return nil, model.TradeRecord{}, err
	}
	held := p.Portfolio[a]
	if held.LessThan(qty) {
		return nil, model.TradeRecord{}, fmt.Errorf("%w: %s held %s, selling %s", ErrInsufficientHoldings, a, held, qty)
	}
	proceeds := qty.Mul(price)

	next := p.Clone()
	next.Cash = next.Cash.Add(proceeds)
	if remaining := held.Sub(qty); remaining.IsZero() {
		delete(next.Portfolio, a)
	} else {
		next.Portfolio[a] = remaining
	}

	rec := st.record(a, model.ActionSell, qty, price, proceeds)
	next.TradeHistory = append(next.TradeHistory, rec)
	return next, rec, nil
}

// BuyAll splits cash equally across every priced asset.
func BuyAll(p *model.PlayerState, prices map[asset.Asset]decimal.Decimal, st Stamp) (*model.PlayerState, []model.TradeRecord, error) {
	var targets []asset.Asset
	for _, a := range asset.Order {
		if price, ok := prices[a]; ok && price.IsPositive() {
			targets = append(targets, a)
		}
	}
	return allocate(p, targets, prices, st)
}

// BuySelected splits cash equally across the given assets. Every asset
// must be known and priced.
func BuySelected(p *model.PlayerState, assets []asset.Asset, prices map[asset.Asset]decimal.Decimal, st Stamp) (*model.PlayerState, []model.TradeRecord, error) {
	seen := make(map[asset.Asset]bool, len(assets))
	var targets []asset.Asset
	for _, a := range assets {
		if !a.Valid() {
			return nil, nil, fmt.Errorf("%w: %q", asset.ErrInvalidAsset, a)
		}
		if price, ok := prices[a]; !ok || !price.IsPositive() {
			return nil, nil, fmt.Errorf("%w: %s has no price", ErrInvalidPrice, a)
		}
		if !seen[a] {
			seen[a] = true
			targets = append(targets, a)
		}
	}
	return allocate(p, targets, prices, st)
}

// SellAll sells every priced holding in full.
func SellAll(p *model.PlayerState, prices map[asset.Asset]decimal.Decimal, st Stamp) (*model.PlayerState, []model.TradeRecord, error) {
	next := p.Clone()
	var trades []model.TradeRecord
	for _, a := range asset.Order {
		qty, held := next.Portfolio[a]
		price, priced := prices[a]
		if !held || !priced {
			continue
		}
		var rec model.TradeRecord
		var err error
		next, rec, err = Sell(next, a, qty, price, st)
		if err != nil {
			return nil, nil, err
		}
		trades = append(trades, rec)
	}
	return next, trades, nil
}

// allocate buys equal cash amounts of each target. Quantities are
// truncated to QuantityScale so no purchase exceeds its share.
func allocate(p *model.PlayerState, targets []asset.Asset, prices map[asset.Asset]decimal.Decimal, st Stamp) (*model.PlayerState, []model.TradeRecord, error) {
	next := p.Clone()
	if !p.Cash.IsPositive() || len(targets) == 0 {
		return next, nil, nil
	}

	share := p.Cash.Div(decimal.NewFromInt(int64(len(targets))))
	var trades []model.TradeRecord
	for _, a := range targets {
		price := prices[a]
		qty := affordable(decimal.Min(share, next.Cash), price)
		if !qty.IsPositive() {
			continue
		}
		var rec model.TradeRecord
		var err error
		next, rec, err = Buy(next, a, qty, price, st)
		if err != nil {
			return nil, nil, err
		}
		trades = append(trades, rec)
	}
	return next, trades, nil
}

func affordable(budget, price decimal.Decimal) decimal.Decimal {
	qty := budget.Div(price).Truncate(QuantityScale)
	if qty.Mul(price).GreaterThan(budget) {
		qty = qty.Sub(quantum)
	}
	return qty
}
