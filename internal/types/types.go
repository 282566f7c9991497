// Package types provides the canonical event model shared by the feed packages.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the variant of a canonical Event.
type Kind int

const (
	KindNewToken Kind = iota + 1
	KindTrade
	KindLiquidity
	KindMetrics
)

// String returns the wire-style name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNewToken:
		return "new_token"
	case KindTrade:
		return "trade"
	case KindLiquidity:
		return "liquidity"
	case KindMetrics:
		return "metrics"
	default:
		return "unknown"
	}
}

// Event is a decoded upstream message, independent of the wire shape it
// arrived in. The set of implementations is closed: NewToken, Trade,
// LiquidityUpdate and MetricsUpdate. Events are values and are never
// mutated after decoding.
type Event interface {
	Kind() Kind
	Token() string
	Time() time.Time
	event()
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// NewToken announces a freshly created token.
type NewToken struct {
	TokenID      string    `json:"token_id"`
	Name         string    `json:"name"`
	Symbol       string    `json:"symbol"`
	URI          string    `json:"uri,omitempty"`
	Creator      string    `json:"creator,omitempty"`
	MarketCapSol float64   `json:"market_cap_sol"`
	InitialBuy   float64   `json:"initial_buy,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Trade is a single buy or sell of a token.
type Trade struct {
	TokenID       string    `json:"token_id"`
	Side          Side      `json:"side"`
	Trader        string    `json:"trader"`
	TokenAmount   float64   `json:"token_amount"`
	SolAmount     float64   `json:"sol_amount"`
	PricePerToken float64   `json:"price_per_token"`
	MarketCapSol  float64   `json:"market_cap_sol"`
	Signature     string    `json:"signature,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// LiquidityUpdate reports the pool liquidity of a migrated token.
type LiquidityUpdate struct {
	TokenID      string    `json:"token_id"`
	Pool         string    `json:"pool"`
	LiquiditySol float64   `json:"liquidity_sol"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// MetricsUpdate carries aggregate token statistics pushed by the feed.
type MetricsUpdate struct {
	TokenID   string    `json:"token_id"`
	PriceUSD  float64   `json:"price_usd"`
	MarketCap float64   `json:"market_cap"`
	Volume24h float64   `json:"volume_24h"`
	Holders   int       `json:"holders"`
	Timestamp time.Time `json:"timestamp"`
}

func (NewToken) Kind() Kind { return KindNewToken }
func (e NewToken) Token() string { return e.TokenID }
func (e NewToken) Time() time.Time { return e.Timestamp }
func (NewToken) event() {}

func (Trade) Kind() Kind { return KindTrade }
func (e Trade) Token() string { return e.TokenID }
func (e Trade) Time() time.Time { return e.Timestamp }
func (Trade) event() {}

func (LiquidityUpdate) Kind() Kind { return KindLiquidity }
func (e LiquidityUpdate) Token() string { return e.TokenID }
func (e LiquidityUpdate) Time() time.Time { return e.Timestamp }
func (LiquidityUpdate) event() {}

func (MetricsUpdate) Kind() Kind { return KindMetrics }
func (e MetricsUpdate) Token() string { return e.TokenID }
func (e MetricsUpdate) Time() time.Time { return e.Timestamp }
func (MetricsUpdate) event() {}

// MarketData is the REST market-data snapshot for a token, taken from its
// highest-liquidity pair.
type MarketData struct {
	TokenID        string          `json:"token_id"`
	PairAddress    string          `json:"pair_address"`
	DexID          string          `json:"dex_id"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	LiquidityUSD   float64         `json:"liquidity_usd"`
	Volume24h      float64         `json:"volume_24h"`
	FDV            float64         `json:"fdv"`
	MarketCap      float64         `json:"market_cap"`
	PriceChange24h float64         `json:"price_change_24h"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Valuation returns the reported market cap, or the fully-diluted valuation
// when the source leaves market cap empty.
func (m MarketData) Valuation() float64 {
	if m.MarketCap > 0 {
		return m.MarketCap
	}
	return m.FDV
}
