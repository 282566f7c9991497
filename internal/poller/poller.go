// Package poller refreshes REST market data for every token of interest on
// one shared timer, consulting a TTL cache before each network call.
package poller

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/johan/tokenfeed/internal/loop"
	"github.com/johan/tokenfeed/internal/metrics"
	"github.com/johan/tokenfeed/internal/types"
)

const (
	// DefaultInterval is the shared refresh period.
	DefaultInterval = 30 * time.Second
	// DefaultFetchTimeout bounds a single fetch; expiry counts as failure.
	DefaultFetchTimeout = 10 * time.Second
)

// Fetcher loads a fresh snapshot for one token.
type Fetcher interface {
	FetchMarketData(ctx context.Context, tokenID string) (types.MarketData, error)
}

// UpdateFunc receives a snapshot for a tracked token. It runs on the loop.
type UpdateFunc func(md types.MarketData)

// Scheduler polls the tracked set. All methods must be called on the loop
// that runner executes; fetches run on their own goroutines and post their
// results back.
type Scheduler struct {
	runner   loop.Runner
	fetcher  Fetcher
	cache    *Cache
	onUpdate UpdateFunc
	log      zerolog.Logger

	interval time.Duration
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	refs     map[string]int
	inflight map[string]struct{}
	timer    loop.Timer
}

// New creates a scheduler. cache may be shared with other readers on the
// same loop; a nil cache gets a DefaultTTL cache on runner's clock.
func New(runner loop.Runner, fetcher Fetcher, cache *Cache, onUpdate UpdateFunc) *Scheduler {
	if cache == nil {
		cache = NewCache(DefaultTTL, runner.Now)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		fetcher:  fetcher,
		cache:    cache,
		onUpdate: onUpdate,
		log:      zerolog.Nop(),
		interval: DefaultInterval,
		timeout:  DefaultFetchTimeout,
		ctx:      ctx,
		cancel:   cancel,
		refs:     make(map[string]int),
		inflight: make(map[string]struct{}),
	}
}

// WithInterval sets the refresh period.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithFetchTimeout sets the per-fetch timeout.
func (s *Scheduler) WithFetchTimeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithLogger sets the logger.
func (s *Scheduler) WithLogger(log zerolog.Logger) *Scheduler {
	s.log = log.With().Str("component", "poller").Logger()
	return s
}

// Track registers one consumer's interest in tokenID. The first tracker of a
// token triggers an immediate refresh; the first token overall starts the
// shared timer. It reports whether tokenID was newly tracked.
func (s *Scheduler) Track(tokenID string) bool {
	s.refs[tokenID]++
	if s.refs[tokenID] > 1 {
		return false
	}
	metrics.SetTrackedTokens(len(s.refs))
	if s.timer == nil {
		s.arm()
	}
	s.refresh(tokenID)
	return true
}

// Untrack drops one consumer's interest. The token leaves the poll set with
// its last tracker, and the timer stops with the last token. An in-flight
// fetch is left to finish and still updates the cache.
func (s *Scheduler) Untrack(tokenID string) {
	n, ok := s.refs[tokenID]
	if !ok {
		return
	}
	if n > 1 {
		s.refs[tokenID] = n - 1
		return
	}
	delete(s.refs, tokenID)
	metrics.SetTrackedTokens(len(s.refs))
	if len(s.refs) == 0 && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.log.Debug().Msg("poll set empty, timer stopped")
	}
}

// Tracked returns the poll set, sorted.
func (s *Scheduler) Tracked() []string {
	out := make([]string, 0, len(s.refs))
	for id := range s.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Refs returns the number of trackers for tokenID.
func (s *Scheduler) Refs(tokenID string) int { return s.refs[tokenID] }

// Running reports whether the shared timer is armed.
func (s *Scheduler) Running() bool { return s.timer != nil }

// Cached returns the live cached snapshot for tokenID.
func (s *Scheduler) Cached(tokenID string) (types.MarketData, bool) {
	return s.cache.Get(tokenID)
}

// Stop cancels the timer and any in-flight fetches.
func (s *Scheduler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
}

func (s *Scheduler) arm() {
	s.timer = s.runner.AfterFunc(s.interval, s.tick)
	s.log.Debug().Dur("interval", s.interval).Msg("poll timer started")
}

func (s *Scheduler) tick() {
	s.timer = nil
	if len(s.refs) == 0 || s.ctx.Err() != nil {
		return
	}
	for _, id := range s.Tracked() {
		s.refresh(id)
	}
	s.arm()
}

// refresh serves tokenID from cache when live, otherwise starts a fetch
// unless one is already running.
func (s *Scheduler) refresh(tokenID string) {
	if md, ok := s.cache.Get(tokenID); ok {
		metrics.RecordFetch("cache_hit", 0)
		s.deliver(md)
		return
	}
	if _, busy := s.inflight[tokenID]; busy {
		metrics.RecordFetch("coalesced", 0)
		return
	}
	s.inflight[tokenID] = struct{}{}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	started := time.Now()
	go func() {
		defer cancel()
		md, err := s.fetcher.FetchMarketData(ctx, tokenID)
		elapsed := time.Since(started)
		s.runner.Post(func() { s.fetched(tokenID, md, err, elapsed) })
	}()
}

func (s *Scheduler) fetched(tokenID string, md types.MarketData, err error, elapsed time.Duration) {
	delete(s.inflight, tokenID)
	if err != nil {
		metrics.RecordFetch("error", elapsed)
		if prev, ok := s.cache.Stale(tokenID); ok {
			s.log.Warn().Err(err).Str("token", tokenID).Time("cached_at", prev.FetchedAt).Msg("market data fetch failed, keeping cached value")
		} else {
			s.log.Warn().Err(err).Str("token", tokenID).Msg("market data fetch failed, nothing cached yet")
		}
		return
	}
	metrics.RecordFetch("ok", elapsed)
	if md.TokenID == "" {
		md.TokenID = tokenID
	}
	s.cache.Put(tokenID, md)
	s.deliver(md)
}

func (s *Scheduler) deliver(md types.MarketData) {
	if s.onUpdate != nil {
		s.onUpdate(md)
	}
}
