package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/johan/tokenfeed/internal/types"
)

var (
	// ErrMalformedFrame is returned for payloads that are not valid JSON
	// objects or whose fields have the wrong types.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnrecognizedFrame is returned for valid JSON that matches neither
	// the enveloped nor the flat shape.
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
)

// Shape is the wire layout a frame was classified as.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeEnvelope
	ShapeFlat
)

// Classify determines which of the two upstream layouts data uses, without
// decoding it. An envelope needs a known string "type"; a flat record needs
// a known string "txType".
func Classify(data []byte) Shape {
	if !gjson.ValidBytes(data) {
		return ShapeUnknown
	}
	if t := gjson.GetBytes(data, "type"); t.Type == gjson.String && isEnvelopeType(t.Str) {
		return ShapeEnvelope
	}
	if t := gjson.GetBytes(data, "txType"); t.Type == gjson.String && isFlatTxType(t.Str) {
		return ShapeFlat
	}
	return ShapeUnknown
}

func isEnvelopeType(s string) bool {
	switch s {
	case MessageTypeNewToken, MessageTypeTokenTrade, MessageTypeRaydiumLiquidity, MessageTypeTokenMetrics:
		return true
	}
	return false
}

func isFlatTxType(s string) bool {
	switch s {
	case TxTypeCreate, TxTypeBuy, TxTypeSell:
		return true
	}
	return false
}

// Decode turns one raw frame into a canonical event. receivedAt stamps events
// whose payload carries no timestamp. Decode never panics; every failure is
// reported as an error wrapping ErrMalformedFrame or ErrUnrecognizedFrame.
func Decode(data []byte, receivedAt time.Time) (types.Event, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnrecognizedFrame)
	}
	if data[0] != '{' || !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not a JSON object (data: %s)", ErrMalformedFrame, truncate(data, 100))
	}

	switch Classify(data) {
	case ShapeEnvelope:
		return decodeEnvelope(data, receivedAt)
	case ShapeFlat:
		return decodeFlat(data, receivedAt)
	default:
		return nil, fmt.Errorf("%w (data: %s)", ErrUnrecognizedFrame, truncate(data, 100))
	}
}

func decodeEnvelope(data []byte, receivedAt time.Time) (types.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: parsing envelope: %v (data: %s)", ErrMalformedFrame, err, truncate(data, 100))
	}
	if len(env.Data) == 0 || env.Data[0] != '{' {
		return nil, fmt.Errorf("%w: %s envelope without data object", ErrMalformedFrame, env.Type)
	}

	switch env.Type {
	case MessageTypeNewToken:
		var p NewTokenPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return newTokenEvent(p.Mint, p.Name, p.Symbol, p.URI, p.TraderPublicKey, p.MarketCapSol, p.InitialBuy, p.Timestamp, receivedAt)

	case MessageTypeTokenTrade:
		var p TradePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return tradeEvent(p, receivedAt)

	case MessageTypeRaydiumLiquidity:
		var p LiquidityPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Mint == "" {
			return nil, fmt.Errorf("%w: %s without mint", ErrUnrecognizedFrame, env.Type)
		}
		return types.LiquidityUpdate{
			TokenID:      p.Mint,
			Pool:         p.Pool,
			LiquiditySol: p.LiquiditySol,
			LiquidityUSD: p.LiquidityUSD,
			Timestamp:    eventTime(p.Timestamp, receivedAt),
		}, nil

	case MessageTypeTokenMetrics:
		var p MetricsPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Mint == "" {
			return nil, fmt.Errorf("%w: %s without mint", ErrUnrecognizedFrame, env.Type)
		}
		return types.MetricsUpdate{
			TokenID:   p.Mint,
			PriceUSD:  p.PriceUSD,
			MarketCap: p.MarketCap,
			Volume24h: p.Volume24h,
			Holders:   p.Holders,
			Timestamp: eventTime(p.Timestamp, receivedAt),
		}, nil
	}

	return nil, fmt.Errorf("%w: envelope type %q", ErrUnrecognizedFrame, env.Type)
}

func unmarshalPayload(env Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: parsing %s data: %v", ErrMalformedFrame, env.Type, err)
	}
	return nil
}

func decodeFlat(data []byte, receivedAt time.Time) (types.Event, error) {
	var rec FlatRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parsing flat record: %v (data: %s)", ErrMalformedFrame, err, truncate(data, 100))
	}

	if rec.TxType == TxTypeCreate {
		return newTokenEvent(rec.Mint, rec.Name, rec.Symbol, rec.URI, rec.TraderPublicKey, rec.MarketCapSol, rec.InitialBuy, rec.Timestamp, receivedAt)
	}
	return tradeEvent(TradePayload{
		Mint:            rec.Mint,
		TxType:          rec.TxType,
		TraderPublicKey: rec.TraderPublicKey,
		TokenAmount:     rec.TokenAmount,
		SolAmount:       rec.SolAmount,
		PricePerToken:   rec.PricePerToken,
		MarketCapSol:    rec.MarketCapSol,
		Signature:       rec.Signature,
		Timestamp:       rec.Timestamp,
	}, receivedAt)
}

func newTokenEvent(mint, name, symbol, uri, creator string, mcap, initialBuy, ts float64, receivedAt time.Time) (types.Event, error) {
	if mint == "" {
		return nil, fmt.Errorf("%w: token creation without mint", ErrUnrecognizedFrame)
	}
	return types.NewToken{
		TokenID:      mint,
		Name:         name,
		Symbol:       symbol,
		URI:          uri,
		Creator:      creator,
		MarketCapSol: mcap,
		InitialBuy:   initialBuy,
		Timestamp:    eventTime(ts, receivedAt),
	}, nil
}

func tradeEvent(p TradePayload, receivedAt time.Time) (types.Event, error) {
	if p.Mint == "" {
		return nil, fmt.Errorf("%w: trade without mint", ErrUnrecognizedFrame)
	}
	var side types.Side
	switch p.TxType {
	case TxTypeBuy:
		side = types.SideBuy
	case TxTypeSell:
		side = types.SideSell
	default:
		return nil, fmt.Errorf("%w: trade txType %q", ErrUnrecognizedFrame, p.TxType)
	}
	return types.Trade{
		TokenID:       p.Mint,
		Side:          side,
		Trader:        p.TraderPublicKey,
		TokenAmount:   p.TokenAmount,
		SolAmount:     p.SolAmount,
		PricePerToken: tradePrice(p.PricePerToken, p.SolAmount, p.TokenAmount),
		MarketCapSol:  p.MarketCapSol,
		Signature:     p.Signature,
		Timestamp:     eventTime(p.Timestamp, receivedAt),
	}, nil
}

// tradePrice prefers the explicit per-token price and falls back to the
// SOL/token ratio.
func tradePrice(explicit, sol, tokens float64) float64 {
	if explicit > 0 {
		return explicit
	}
	if tokens > 0 {
		return sol / tokens
	}
	return 0
}

func eventTime(ms float64, receivedAt time.Time) time.Time {
	if ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	return receivedAt
}

// trimWhitespace removes leading and trailing whitespace from a byte slice.
func trimWhitespace(data []byte) []byte {
	for len(data) > 0 && isSpace(data[0]) {
		data = data[1:]
	}
	for len(data) > 0 && isSpace(data[len(data)-1]) {
		data = data[:len(data)-1]
	}
	return data
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// truncate truncates a byte slice to a maximum length for error messages.
func truncate(data []byte, maxLen int) string {
	if len(data) <= maxLen {
		return string(data)
	}
	return string(data[:maxLen]) + "..."
}
