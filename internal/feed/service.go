// Package feed is the consumer-facing market-data service. It owns the
// single stream connection and the shared poller, and routes every decoded
// event through dedup, batching and the subscription registry.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/johan/tokenfeed/internal/batch"
	"github.com/johan/tokenfeed/internal/config"
	"github.com/johan/tokenfeed/internal/dedup"
	"github.com/johan/tokenfeed/internal/dexscreener"
	"github.com/johan/tokenfeed/internal/loop"
	"github.com/johan/tokenfeed/internal/metrics"
	"github.com/johan/tokenfeed/internal/poller"
	"github.com/johan/tokenfeed/internal/registry"
	"github.com/johan/tokenfeed/internal/types"
	"github.com/johan/tokenfeed/internal/ws"
)

// newTokenKey is the single partition all new-token announcements share.
const newTokenKey = "new_tokens"

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("feed: already running")

// UpdateFunc receives a coalesced batch of events for one subscription.
type UpdateFunc func(events []types.Event)

// ValueFunc receives one polled value.
type ValueFunc func(value float64)

// Service is the market-data ingestion service.
type Service struct {
	config *config.Config
	log    zerolog.Logger

	loop      *loop.Loop
	ws        *ws.Client
	dedup     *dedup.Filter
	trades    *batch.Scheduler[types.Event]
	newTokens *batch.Scheduler[types.Event]
	registry  *registry.Registry
	poller    *poller.Scheduler

	// last delivered value per token, loop-owned
	lastLiquidity map[string]types.LiquidityUpdate
	lastMetrics   map[string]types.MetricsUpdate

	running atomic.Bool
	closed  atomic.Bool
}

type options struct {
	log        zerolog.Logger
	clock      loop.Clock
	dial       ws.DialFunc
	fetcher    poller.Fetcher
	httpClient *http.Client
}

// Option customizes a Service.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces the wall clock driving every timer.
func WithClock(c loop.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial ws.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithFetcher replaces the REST market-data source.
func WithFetcher(f poller.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithHTTPClient sets the HTTP client used for market data.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// NewService creates a new feed service.
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{log: zerolog.Nop(), clock: loop.RealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		config:        cfg,
		log:           o.log.With().Str("component", "feed").Logger(),
		loop:          loop.New(loop.WithClock(o.clock)),
		dedup:         dedup.NewFilter(cfg.Dedup.TradeCapacity, cfg.Dedup.MetricsCapacity),
		registry:      registry.New(),
		lastLiquidity: make(map[string]types.LiquidityUpdate),
		lastMetrics:   make(map[string]types.MetricsUpdate),
	}

	s.trades = batch.New[types.Event](s.loop, cfg.Batching.TradeWindow, s.flushTrades)
	s.newTokens = batch.New[types.Event](s.loop, cfg.Batching.NewTokenWindow, s.flushNewTokens)

	// Create stream client
	s.ws = ws.NewClient(s.loop, s.handleEvent).
		WithURL(cfg.Stream.URL).
		WithReconnectConfig(ws.ReconnectConfig{
			BaseDelay:    cfg.Stream.BaseDelay,
			GrowthFactor: cfg.Stream.GrowthFactor,
			MaxAttempts:  cfg.Stream.MaxAttempts,
		}).
		WithKeepalive(cfg.Stream.PingInterval, cfg.Stream.ReadTimeout).
		WithLogger(o.log).
		OnOpen(s.handleOpen)
	if o.dial != nil {
		s.ws.WithDialer(o.dial)
	} else {
		s.ws.WithDialer(ws.NewDialer(cfg.Stream.HandshakeTimeout))
	}

	// Create market-data poller
	fetcher := o.fetcher
	if fetcher == nil {
		httpClient := o.httpClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 30 * time.Second}
		}
		fetcher = dexscreener.NewClient(httpClient).
			WithBaseURL(cfg.Poll.BaseURL).
			WithRateLimit(cfg.Poll.RequestsPerSecond, cfg.Poll.Burst).
			WithClock(s.loop.Now)
	}
	cache := poller.NewCache(cfg.Poll.CacheTTL, s.loop.Now)
	s.poller = poller.New(s.loop, fetcher, cache, s.handleQuote).
		WithInterval(cfg.Poll.Interval).
		WithFetchTimeout(cfg.Poll.FetchTimeout).
		WithLogger(o.log)

	return s, nil
}

// Run connects the stream and processes events until ctx is cancelled or
// Close is called. Pending batches are flushed before it returns.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.log.Info().Str("url", s.config.Stream.URL).Msg("starting token feed")

	s.ws.Connect()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.loop.Run(context.Background())
	s.log.Info().Msg("token feed stopped")
	return nil
}

// Connect opens the stream. It is a no-op while connecting or connected.
func (s *Service) Connect() { s.ws.Connect() }

// Disconnect closes the stream without reconnecting. Subscriptions stay
// registered. After the next Connect they are all requested again when
// stream.resubscribe_on_reconnect is set; otherwise only those never sent
// to a socket go out.
func (s *Service) Disconnect() { s.ws.Disconnect() }

// State returns the stream connection state.
func (s *Service) State() ws.State { return s.ws.State() }

// Degraded reports whether the stream gave up reconnecting.
func (s *Service) Degraded() bool { return s.ws.Exhausted() }

// Close flushes pending batches, closes the stream and stops the service.
// It must not be called from a subscriber callback.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !s.loop.Post(s.shutdown) {
		return nil
	}
	if s.running.CompareAndSwap(false, true) {
		// Never started: drain the queue here.
		s.loop.Run(context.Background())
		return nil
	}
	<-s.loop.Done()
	return nil
}

func (s *Service) shutdown() {
	s.log.Info().Int("pending_trade_tokens", s.trades.Keys()).Msg("shutting down token feed")
	s.trades.Flush()
	s.newTokens.Flush()
	s.poller.Stop()
	s.ws.Shutdown()
	s.loop.Stop()
}

// SubscribeToToken delivers trades, liquidity and metrics for tokenID.
// Trades arrive in debounced batches; liquidity and metrics arrive one at a
// time and only when they changed.
func (s *Service) SubscribeToToken(tokenID string, onUpdate UpdateFunc) (unsubscribe func()) {
	t := s.registry.Reserve()
	s.loop.Post(func() { s.addToken(t, tokenID, onUpdate) })
	return s.unsubscriber(t)
}

// SubscribeToNewTokens delivers batches of newly created tokens.
func (s *Service) SubscribeToNewTokens(onUpdate UpdateFunc) (unsubscribe func()) {
	t := s.registry.Reserve()
	s.loop.Post(func() { s.addNewTokens(t, onUpdate) })
	return s.unsubscriber(t)
}

// SubscribeToMarketCap delivers the polled market cap of tokenID.
func (s *Service) SubscribeToMarketCap(tokenID string, onValue ValueFunc) (unsubscribe func()) {
	return s.subscribeQuote(tokenID, func(md types.MarketData) { onValue(md.Valuation()) })
}

// SubscribeToVolume delivers the polled 24h volume of tokenID.
func (s *Service) SubscribeToVolume(tokenID string, onValue ValueFunc) (unsubscribe func()) {
	return s.subscribeQuote(tokenID, func(md types.MarketData) { onValue(md.Volume24h) })
}

// SubscribeToMarketData delivers every polled snapshot of tokenID.
func (s *Service) SubscribeToMarketData(tokenID string, onUpdate func(md types.MarketData)) (unsubscribe func()) {
	return s.subscribeQuote(tokenID, onUpdate)
}

func (s *Service) subscribeQuote(tokenID string, fn registry.QuoteHandler) func() {
	t := s.registry.Reserve()
	s.loop.Post(func() { s.addQuote(t, tokenID, fn) })
	return s.unsubscriber(t)
}

func (s *Service) unsubscriber(t *registry.Ticket) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.Cancel()
			s.loop.Post(func() { s.remove(t.Handle) })
		})
	}
}

func (s *Service) addToken(t *registry.Ticket, tokenID string, fn UpdateFunc) {
	if t.Cancelled() {
		return
	}
	first := s.registry.SubscribeToken(t, tokenID, registry.Handler(fn))
	s.publishCounts()
	if first {
		s.log.Debug().Str("token", tokenID).Msg("token subscribed")
		s.syncWire()
	}
}

func (s *Service) addNewTokens(t *registry.Ticket, fn UpdateFunc) {
	if t.Cancelled() {
		return
	}
	if s.registry.SubscribeNewTokens(t, registry.Handler(fn)) {
		s.syncWire()
	}
	s.publishCounts()
}

func (s *Service) addQuote(t *registry.Ticket, tokenID string, fn registry.QuoteHandler) {
	if t.Cancelled() {
		return
	}
	s.registry.SubscribeQuotes(t, tokenID, fn)
	s.publishCounts()
	if !s.poller.Track(tokenID) {
		// Already polled: hand the newcomer the current value right away.
		if md, ok := s.poller.Cached(tokenID); ok && !t.Cancelled() {
			fn(md)
		}
	}
}

func (s *Service) remove(h registry.Handle) {
	rm, ok := s.registry.Unsubscribe(h)
	if !ok {
		return
	}
	s.publishCounts()
	switch rm.Kind {
	case registry.KindQuote:
		s.poller.Untrack(rm.TokenID)
	case registry.KindToken:
		if rm.Last {
			delete(s.lastLiquidity, rm.TokenID)
			delete(s.lastMetrics, rm.TokenID)
			s.log.Debug().Str("token", rm.TokenID).Msg("last token subscriber gone")
		}
	}
}

func (s *Service) publishCounts() {
	for _, k := range []registry.Kind{registry.KindToken, registry.KindNewTokens, registry.KindQuote} {
		metrics.SetSubscriptions(k.String(), s.registry.Count(k))
	}
}

// syncWire sends every interest not yet requested on the current
// connection. While disconnected the requests wait for the next open.
func (s *Service) syncWire() {
	if !s.ws.IsConnected() {
		return
	}

	if s.registry.HasNewTokenListeners() && !s.registry.NewTokensWired() {
		if err := s.ws.SubscribeNewToken(); err != nil {
			s.log.Warn().Err(err).Msg("subscribeNewToken failed")
		} else {
			s.registry.MarkWired(registry.ChannelNewTokens, nil)
		}
	}

	tokens := s.registry.Tokens()
	if ids := s.registry.Unwired(registry.ChannelTrade, tokens); len(ids) > 0 {
		if err := s.ws.SubscribeTokenTrade(ids); err != nil {
			s.log.Warn().Err(err).Int("tokens", len(ids)).Msg("subscribeTokenTrade failed")
		} else {
			s.registry.MarkWired(registry.ChannelTrade, ids)
		}
	}
	if ids := s.registry.Unwired(registry.ChannelMetrics, tokens); len(ids) > 0 {
		if err := s.ws.GetTokenMetrics(ids); err != nil {
			s.log.Warn().Err(err).Int("tokens", len(ids)).Msg("getTokenMetrics failed")
		} else {
			s.registry.MarkWired(registry.ChannelMetrics, ids)
		}
	}
}

// handleOpen runs on every successful connection. With resubscription on,
// the new socket is asked for everything again; otherwise only requests that
// never reached a socket are sent.
func (s *Service) handleOpen() {
	if s.config.Stream.ResubscribeOnReconnect {
		s.registry.ResetWired()
	}
	s.syncWire()
}

// handleEvent is the stream handler: dedup, then batch or fan out.
func (s *Service) handleEvent(event types.Event) {
	kind := event.Kind().String()
	if !s.dedup.ShouldAccept(event) {
		metrics.RecordDrop(kind, "duplicate")
		return
	}
	metrics.RecordEvent(kind)

	switch e := event.(type) {
	case types.NewToken:
		if !s.registry.HasNewTokenListeners() {
			metrics.RecordDrop(kind, "no_subscriber")
			return
		}
		s.newTokens.Enqueue(newTokenKey, e)

	case types.Trade:
		if !s.registry.Interested(e.TokenID) {
			metrics.RecordDrop(kind, "no_subscriber")
			return
		}
		s.trades.Enqueue(e.TokenID, e)

	case types.LiquidityUpdate:
		if !s.registry.Interested(e.TokenID) {
			metrics.RecordDrop(kind, "no_subscriber")
			return
		}
		if last, ok := s.lastLiquidity[e.TokenID]; ok && sameLiquidity(last, e) {
			metrics.RecordDrop(kind, "unchanged")
			return
		}
		s.lastLiquidity[e.TokenID] = e
		s.registry.FanoutToToken(e.TokenID, []types.Event{e})

	case types.MetricsUpdate:
		if !s.registry.Interested(e.TokenID) {
			metrics.RecordDrop(kind, "no_subscriber")
			return
		}
		if last, ok := s.lastMetrics[e.TokenID]; ok && sameMetrics(last, e) {
			metrics.RecordDrop(kind, "unchanged")
			return
		}
		s.lastMetrics[e.TokenID] = e
		s.registry.FanoutToToken(e.TokenID, []types.Event{e})
	}
}

func sameLiquidity(a, b types.LiquidityUpdate) bool {
	return a.Pool == b.Pool && a.LiquiditySol == b.LiquiditySol && a.LiquidityUSD == b.LiquidityUSD
}

func sameMetrics(a, b types.MetricsUpdate) bool {
	return a.PriceUSD == b.PriceUSD && a.MarketCap == b.MarketCap && a.Volume24h == b.Volume24h && a.Holders == b.Holders
}

func (s *Service) flushTrades(tokenID string, events []types.Event) {
	metrics.RecordFlush("trade", len(events))
	s.registry.FanoutToToken(tokenID, events)
}

func (s *Service) flushNewTokens(_ string, events []types.Event) {
	metrics.RecordFlush("new_token", len(events))
	s.registry.BroadcastNewToken(events)
}

func (s *Service) handleQuote(md types.MarketData) {
	s.registry.FanoutQuote(md)
}
