// Package dexscreener provides a client for the Dexscreener token-pairs REST API.
package dexscreener

import (
	"github.com/shopspring/decimal"
)

// TokensResponse is the body of GET /latest/dex/tokens/{address}.
type TokensResponse struct {
	SchemaVersion string `json:"schemaVersion"`
	Pairs         []Pair `json:"pairs"`
}

// Pair is one trading pair for a token.
type Pair struct {
	ChainID     string          `json:"chainId"`
	DexID       string          `json:"dexId"`
	URL         string          `json:"url"`
	PairAddress string          `json:"pairAddress"`
	BaseToken   PairToken       `json:"baseToken"`
	QuoteToken  PairToken       `json:"quoteToken"`
	PriceNative string          `json:"priceNative"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	Volume      Windowed        `json:"volume"`
	PriceChange Windowed        `json:"priceChange"`
	Liquidity   *Liquidity      `json:"liquidity"`
	FDV         float64         `json:"fdv"`
	MarketCap   float64         `json:"marketCap"`
}

// PairToken identifies one side of a pair.
type PairToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// Windowed holds a value over the rolling windows the API reports.
type Windowed struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H6  float64 `json:"h6"`
	H24 float64 `json:"h24"`
}

// Liquidity is the pool depth of a pair. Some pairs omit it.
type Liquidity struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

// LiquidityUSD returns the pair's USD liquidity, zero when absent.
func (p Pair) LiquidityUSD() float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.USD
}
