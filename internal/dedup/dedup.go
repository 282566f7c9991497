// Package dedup drops canonical events that were already seen recently.
package dedup

import (
	"strconv"
	"strings"

	"github.com/johan/tokenfeed/internal/types"
)

const (
	// DefaultTradeCapacity bounds the remembered trade keys.
	DefaultTradeCapacity = 1000
	// DefaultMetricsCapacity bounds the remembered metrics keys.
	DefaultMetricsCapacity = 500
)

// FIFOSet is a bounded set of strings. When full, adding a new key evicts the
// oldest inserted key. Lookups never refresh a key's position.
// Not safe for concurrent use.
type FIFOSet struct {
	capacity int
	keys     map[string]struct{}
	ring     []string
	head     int // index of the oldest key once the ring is full
}

// NewFIFOSet creates a set holding at most capacity keys.
func NewFIFOSet(capacity int) *FIFOSet {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFOSet{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
		ring:     make([]string, 0, capacity),
	}
}

// Contains reports whether key is remembered.
func (s *FIFOSet) Contains(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Add inserts key and reports whether it was new. Existing keys are left
// where they are.
func (s *FIFOSet) Add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.ring) < s.capacity {
		s.ring = append(s.ring, key)
	} else {
		delete(s.keys, s.ring[s.head])
		s.ring[s.head] = key
		s.head = (s.head + 1) % s.capacity
	}
	s.keys[key] = struct{}{}
	return true
}

// Len returns the number of remembered keys.
func (s *FIFOSet) Len() int { return len(s.keys) }

// Filter remembers trade and metrics identities in separate bounded sets.
// New-token and liquidity events are always accepted.
// Not safe for concurrent use; it is owned by the feed loop.
type Filter struct {
	trades  *FIFOSet
	metrics *FIFOSet
}

// NewFilter creates a filter with the given per-class capacities.
func NewFilter(tradeCapacity, metricsCapacity int) *Filter {
	return &Filter{
		trades:  NewFIFOSet(tradeCapacity),
		metrics: NewFIFOSet(metricsCapacity),
	}
}

// ShouldAccept reports whether event is new, recording its key if so.
func (f *Filter) ShouldAccept(event types.Event) bool {
	switch e := event.(type) {
	case types.Trade:
		return f.trades.Add(TradeKey(e))
	case types.MetricsUpdate:
		return f.metrics.Add(MetricsKey(e))
	default:
		return true
	}
}

// TradeKey identifies a trade by token, timestamp and price.
func TradeKey(t types.Trade) string {
	return joinKey(t.TokenID, strconv.FormatInt(t.Timestamp.UnixMilli(), 10), strconv.FormatFloat(t.PricePerToken, 'g', -1, 64))
}

// MetricsKey identifies a metrics update by token and timestamp.
func MetricsKey(m types.MetricsUpdate) string {
	return joinKey(m.TokenID, strconv.FormatInt(m.Timestamp.UnixMilli(), 10))
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "|")
}
