// Package ws provides the streaming client and frame decoder for the token
// trading feed.
package ws

import "encoding/json"

// Control frame methods.
const (
	MethodSubscribeNewToken   = "subscribeNewToken"
	MethodSubscribeTokenTrade = "subscribeTokenTrade"
	MethodGetTokenMetrics     = "getTokenMetrics"
)

// Envelope message types.
const (
	MessageTypeNewToken         = "newToken"
	MessageTypeTokenTrade       = "tokenTrade"
	MessageTypeRaydiumLiquidity = "raydiumLiquidity"
	MessageTypeTokenMetrics     = "tokenMetrics"
)

// Flat record discriminants.
const (
	TxTypeCreate = "create"
	TxTypeBuy    = "buy"
	TxTypeSell   = "sell"
)

// ControlMessage is an outbound subscribe request.
type ControlMessage struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

// Envelope is the {type, data} frame layout.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewTokenPayload is the data of a newToken envelope.
type NewTokenPayload struct {
	Mint            string  `json:"mint"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	URI             string  `json:"uri"`
	TraderPublicKey string  `json:"traderPublicKey"`
	MarketCapSol    float64 `json:"marketCapSol"`
	InitialBuy      float64 `json:"initialBuy"`
	Timestamp       float64 `json:"timestamp"`
}

// TradePayload is the data of a tokenTrade envelope.
type TradePayload struct {
	Mint            string  `json:"mint"`
	TxType          string  `json:"txType"`
	TraderPublicKey string  `json:"traderPublicKey"`
	TokenAmount     float64 `json:"tokenAmount"`
	SolAmount       float64 `json:"solAmount"`
	PricePerToken   float64 `json:"pricePerToken"`
	MarketCapSol    float64 `json:"marketCapSol"`
	Signature       string  `json:"signature"`
	Timestamp       float64 `json:"timestamp"`
}

// LiquidityPayload is the data of a raydiumLiquidity envelope.
type LiquidityPayload struct {
	Mint         string  `json:"mint"`
	Pool         string  `json:"pool"`
	LiquiditySol float64 `json:"liquiditySol"`
	LiquidityUSD float64 `json:"liquidityUsd"`
	Timestamp    float64 `json:"timestamp"`
}

// MetricsPayload is the data of a tokenMetrics envelope.
type MetricsPayload struct {
	Mint      string  `json:"mint"`
	PriceUSD  float64 `json:"priceUsd"`
	MarketCap float64 `json:"marketCap"`
	Volume24h float64 `json:"volume24h"`
	Holders   int     `json:"holders"`
	Timestamp float64 `json:"timestamp"`
}

// FlatRecord is the envelope-less creation/trade layout, distinguished by
// TxType.
type FlatRecord struct {
	Signature       string  `json:"signature"`
	Mint            string  `json:"mint"`
	TraderPublicKey string  `json:"traderPublicKey"`
	TxType          string  `json:"txType"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	URI             string  `json:"uri"`
	InitialBuy      float64 `json:"initialBuy"`
	TokenAmount     float64 `json:"tokenAmount"`
	SolAmount       float64 `json:"solAmount"`
	PricePerToken   float64 `json:"pricePerToken"`
	MarketCapSol    float64 `json:"marketCapSol"`
	BondingCurveKey string  `json:"bondingCurveKey,omitempty"`
	Pool            string  `json:"pool,omitempty"`
	Timestamp       float64 `json:"timestamp"`
}
