// Package asset defines the fixed set of tradable assets, their return
// parameters, and their starting prices.
package asset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset identifies one of the simulated asset classes.
type Asset string

// Supported assets.
const (
	SP500       Asset = "S&P 500"
	Bonds       Asset = "Bonds"
	RealEstate  Asset = "Real Estate"
	Gold        Asset = "Gold"
	Commodities Asset = "Commodities"
	Bitcoin     Asset = "Bitcoin"
)

// Order is the canonical asset order. Correlation matrix rows, history
// output and bulk trades all follow it.
var Order = []Asset{SP500, Bonds, RealEstate, Gold, Commodities, Bitcoin}

var ErrInvalidAsset = errors.New("asset: unknown asset")

var aliases = map[string]Asset{
	"s&p 500":     SP500,
	"s&p":         SP500,
	"sp500":       SP500,
	"bonds":       Bonds,
	"real estate": RealEstate,
	"real-estate": RealEstate,
	"realestate":  RealEstate,
	"gold":        Gold,
	"commodities": Commodities,
	"bitcoin":     Bitcoin,
	"btc":         Bitcoin,
}

// Parse resolves a canonical asset name or a lowercase alias.
func Parse(s string) (Asset, error) {
	if a, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAsset, s)
}

// Valid reports whether a is one of the supported assets.
func (a Asset) Valid() bool {
	for _, o := range Order {
		if a == o {
			return true
		}
	}
	return false
}

// Params holds the per-round return distribution of an asset. Min and Max
// are clamp bounds applied to every generated return.
type Params struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
}

// Clamp bounds r to [Min, Max].
func (p Params) Clamp(r float64) float64 {
	if r < p.Min {
		return p.Min
	}
	if r > p.Max {
		return p.Max
	}
	return r
}

// DefaultParams returns the historical return parameters for every asset.
func DefaultParams() map[Asset]Params {
	return map[Asset]Params{
		SP500:       {Mean: 0.1151, StdDev: 0.1949, Min: -0.43, Max: 0.50},
		Bonds:       {Mean: 0.0334, StdDev: 0.0301, Min: 0.0003, Max: 0.14},
		RealEstate:  {Mean: 0.0439, StdDev: 0.0620, Min: -0.12, Max: 0.24},
		Gold:        {Mean: 0.0648, StdDev: 0.2076, Min: -0.32, Max: 1.25},
		Commodities: {Mean: 0.0815, StdDev: 0.1522, Min: -0.25, Max: 2.00},
		Bitcoin:     {Mean: 0.50, StdDev: 1.00, Min: -0.73, Max: 2.50},
	}
}

// DefaultPrices returns the starting price of every asset.
func DefaultPrices() map[Asset]decimal.Decimal {
	return map[Asset]decimal.Decimal{
		SP500:       decimal.NewFromInt(100),
		Bonds:       decimal.NewFromInt(100),
		RealEstate:  decimal.NewFromInt(5000),
		Gold:        decimal.NewFromInt(3000),
		Commodities: decimal.NewFromInt(100),
		Bitcoin:     decimal.NewFromInt(50000),
	}
}
