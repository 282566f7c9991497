// Package registry tracks consumer subscriptions and which interests have
// already been requested on the wire.
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/johan/tokenfeed/internal/types"
)

// Handle identifies one subscription. The zero Handle is never issued.
type Handle uint64

// Ticket is a reserved subscription slot. Cancel may be called from any
// goroutine and stops delivery immediately; the registry entry itself is
// removed by Unsubscribe on the loop.
type Ticket struct {
	Handle    Handle
	cancelled atomic.Bool
}

// Cancel stops delivery to the ticket's subscription. It reports whether
// this call cancelled it.
func (t *Ticket) Cancel() bool { return t.cancelled.CompareAndSwap(false, true) }

// Cancelled reports whether Cancel was called.
func (t *Ticket) Cancelled() bool { return t.cancelled.Load() }

// Handler receives a batch of events.
type Handler func(events []types.Event)

// QuoteHandler receives a REST market-data snapshot.
type QuoteHandler func(md types.MarketData)

// Kind is the subscription category.
type Kind int

const (
	KindToken Kind = iota + 1
	KindNewTokens
	KindQuote
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindNewTokens:
		return "new_tokens"
	case KindQuote:
		return "quote"
	default:
		return "unknown"
	}
}

// Channel is a wire subscription family.
type Channel int

const (
	ChannelNewTokens Channel = iota + 1
	ChannelTrade
	ChannelMetrics
)

// Removal describes what an Unsubscribe removed.
type Removal struct {
	Kind    Kind
	TokenID string
	// Last is true when no subscription of this kind remains for TokenID.
	Last bool
}

type subscription struct {
	ticket  *Ticket
	kind    Kind
	tokenID string
	events  Handler
	quote   QuoteHandler
}

func (s *subscription) live() bool { return !s.ticket.Cancelled() }

// Registry owns the subscriber-to-token mapping. Reserve may be called from
// any goroutine; everything else is owned by the feed loop.
type Registry struct {
	next atomic.Uint64

	subs      map[Handle]*subscription
	tokens    map[string][]*subscription
	quotes    map[string][]*subscription
	newTokens []*subscription

	wired       map[Channel]map[string]struct{}
	newTokenSub bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		subs:   make(map[Handle]*subscription),
		tokens: make(map[string][]*subscription),
		quotes: make(map[string][]*subscription),
		wired: map[Channel]map[string]struct{}{
			ChannelTrade:   {},
			ChannelMetrics: {},
		},
	}
}

// Reserve allocates a ticket for a subscription that will be added later.
func (r *Registry) Reserve() *Ticket {
	return &Ticket{Handle: Handle(r.next.Add(1))}
}

// SubscribeToken registers fn for events of tokenID. It reports whether this
// is the token's first live subscriber.
func (r *Registry) SubscribeToken(t *Ticket, tokenID string, fn Handler) bool {
	s := r.add(t, KindToken, tokenID)
	s.events = fn
	r.tokens[tokenID] = append(r.tokens[tokenID], s)
	return len(r.tokens[tokenID]) == 1
}

// SubscribeNewTokens registers fn for every new-token announcement. It
// reports whether this is the first such listener.
func (r *Registry) SubscribeNewTokens(t *Ticket, fn Handler) bool {
	s := r.add(t, KindNewTokens, "")
	s.events = fn
	r.newTokens = append(r.newTokens, s)
	return len(r.newTokens) == 1
}

// SubscribeQuotes registers fn for REST snapshots of tokenID. It reports
// whether this is the token's first quote subscriber.
func (r *Registry) SubscribeQuotes(t *Ticket, tokenID string, fn QuoteHandler) bool {
	s := r.add(t, KindQuote, tokenID)
	s.quote = fn
	r.quotes[tokenID] = append(r.quotes[tokenID], s)
	return len(r.quotes[tokenID]) == 1
}

func (r *Registry) add(t *Ticket, kind Kind, tokenID string) *subscription {
	if _, ok := r.subs[t.Handle]; ok {
		r.Unsubscribe(t.Handle)
	}
	s := &subscription{ticket: t, kind: kind, tokenID: tokenID}
	r.subs[t.Handle] = s
	return s
}

// Unsubscribe removes the subscription. ok is false for unknown handles.
func (r *Registry) Unsubscribe(h Handle) (Removal, bool) {
	s, ok := r.subs[h]
	if !ok {
		return Removal{}, false
	}
	s.ticket.Cancel()
	delete(r.subs, h)

	rm := Removal{Kind: s.kind, TokenID: s.tokenID}
	switch s.kind {
	case KindToken:
		r.tokens[s.tokenID] = without(r.tokens[s.tokenID], s)
		if len(r.tokens[s.tokenID]) == 0 {
			delete(r.tokens, s.tokenID)
			rm.Last = true
		}
	case KindQuote:
		r.quotes[s.tokenID] = without(r.quotes[s.tokenID], s)
		if len(r.quotes[s.tokenID]) == 0 {
			delete(r.quotes, s.tokenID)
			rm.Last = true
		}
	case KindNewTokens:
		r.newTokens = without(r.newTokens, s)
		rm.Last = len(r.newTokens) == 0
	}
	return rm, true
}

func without(list []*subscription, s *subscription) []*subscription {
	out := list[:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	// clear the tail so removed subscriptions can be collected
	for i := len(out); i < len(list); i++ {
		list[i] = nil
	}
	return out
}

// BroadcastNewToken delivers events to every new-token listener and returns
// how many received them.
func (r *Registry) BroadcastNewToken(events []types.Event) int {
	return deliver(r.newTokens, events)
}

// FanoutToToken delivers events to subscribers of tokenID only.
func (r *Registry) FanoutToToken(tokenID string, events []types.Event) int {
	return deliver(r.tokens[tokenID], events)
}

func deliver(list []*subscription, events []types.Event) int {
	if len(list) == 0 || len(events) == 0 {
		return 0
	}
	// Handlers may unsubscribe while we iterate.
	snapshot := append([]*subscription(nil), list...)
	n := 0
	for _, s := range snapshot {
		if !s.live() {
			continue
		}
		s.events(events)
		n++
	}
	return n
}

// FanoutQuote delivers a snapshot to the quote subscribers of its token.
func (r *Registry) FanoutQuote(md types.MarketData) int {
	list := r.quotes[md.TokenID]
	if len(list) == 0 {
		return 0
	}
	snapshot := append([]*subscription(nil), list...)
	n := 0
	for _, s := range snapshot {
		if !s.live() {
			continue
		}
		s.quote(md)
		n++
	}
	return n
}

// Tokens returns the tokens with at least one live event subscriber, sorted.
func (r *Registry) Tokens() []string {
	return sortedKeys(r.tokens)
}

// QuoteTokens returns the tokens with at least one quote subscriber, sorted.
func (r *Registry) QuoteTokens() []string {
	return sortedKeys(r.quotes)
}

func sortedKeys(m map[string][]*subscription) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Interested reports whether tokenID has a live event subscriber.
func (r *Registry) Interested(tokenID string) bool {
	return len(r.tokens[tokenID]) > 0
}

// HasNewTokenListeners reports whether any new-token listener exists.
func (r *Registry) HasNewTokenListeners() bool {
	return len(r.newTokens) > 0
}

// Count returns the number of live subscriptions of kind.
func (r *Registry) Count(kind Kind) int {
	n := 0
	for _, s := range r.subs {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// Unwired filters tokenIDs down to those not yet requested on ch.
func (r *Registry) Unwired(ch Channel, tokenIDs []string) []string {
	set := r.wired[ch]
	var out []string
	for _, id := range tokenIDs {
		if _, ok := set[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// MarkWired records that tokenIDs were requested on ch.
func (r *Registry) MarkWired(ch Channel, tokenIDs []string) {
	if ch == ChannelNewTokens {
		r.newTokenSub = true
		return
	}
	set := r.wired[ch]
	for _, id := range tokenIDs {
		set[id] = struct{}{}
	}
}

// NewTokensWired reports whether subscribeNewToken was sent on the current
// connection.
func (r *Registry) NewTokensWired() bool { return r.newTokenSub }

// ResetWired forgets every wire request, e.g. after the socket was lost.
func (r *Registry) ResetWired() {
	r.newTokenSub = false
	for ch := range r.wired {
		r.wired[ch] = make(map[string]struct{})
	}
}
