package poller

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johan/tokenfeed/internal/loop"
	"github.com/johan/tokenfeed/internal/types"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   int
	fail   bool
	block  chan struct{}
	volume float64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), volume: 100}
}

func (f *fakeFetcher) FetchMarketData(ctx context.Context, tokenID string) (types.MarketData, error) {
	f.mu.Lock()
	f.calls[tokenID]++
	block := f.block
	fail := f.fail
	volume := f.volume
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			f.mu.Lock()
			f.errs++
			f.mu.Unlock()
			return types.MarketData{}, ctx.Err()
		}
	}
	if fail {
		f.mu.Lock()
		f.errs++
		f.mu.Unlock()
		return types.MarketData{}, errors.New("upstream down")
	}
	return types.MarketData{TokenID: tokenID, PriceUSD: decimal.NewFromFloat(0.5), Volume24h: volume}, nil
}

func (f *fakeFetcher) Calls(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tokenID]
}

func (f *fakeFetcher) Errors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs
}

func (f *fakeFetcher) set(fn func(f *fakeFetcher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type harness struct {
	t       *testing.T
	loop    *loop.Loop
	clock   *loop.ManualClock
	fetcher *fakeFetcher
	sched   *Scheduler
	updates []types.MarketData
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, clock: loop.NewManualClock(time.Unix(1700000000, 0)), fetcher: newFakeFetcher()}
	h.loop = loop.New(loop.WithClock(h.clock))
	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.loop.Done()
	})
	h.sched = New(h.loop, h.fetcher, nil, func(md types.MarketData) {
		h.updates = append(h.updates, md)
	})
	t.Cleanup(func() { h.do(h.sched.Stop) })
	return h
}

func (h *harness) do(f func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), f))
}

func (h *harness) updateCount() int {
	var n int
	h.do(func() { n = len(h.updates) })
	return n
}

func (h *harness) waitUpdates(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.updateCount() == n }, time.Second, 5*time.Millisecond)
}

// advance moves the clock and lets the loop run whatever timers fired.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.do(func() {})
}

func TestScheduler_SharedTimerAndSingleFetchPerTick(t *testing.T) {
	h := newHarness(t)

	var first, second bool
	h.do(func() {
		first = h.sched.Track("X")
		second = h.sched.Track("X")
	})
	assert.True(t, first)
	assert.False(t, second)

	h.waitUpdates(1)
	assert.Equal(t, 1, h.fetcher.Calls("X"), "first track refreshes once")
	assert.Equal(t, 1, h.clock.Pending(), "one shared timer")

	h.advance(DefaultInterval)
	h.waitUpdates(2)
	assert.Equal(t, 2, h.fetcher.Calls("X"), "one fetch per tick for two trackers")
	assert.Equal(t, 1, h.clock.Pending())

	var refs int
	h.do(func() { refs = h.sched.Refs("X") })
	assert.Equal(t, 2, refs)
}

func TestScheduler_ServesFromCacheWithinTTL(t *testing.T) {
	h := newHarness(t)

	h.do(func() { h.sched.Track("X") })
	h.waitUpdates(1)

	h.advance(10 * time.Second)
	h.do(func() {
		h.sched.Untrack("X")
		h.sched.Track("X")
	})
	h.waitUpdates(2)
	assert.Equal(t, 1, h.fetcher.Calls("X"), "live entry skips the network")

	var cached types.MarketData
	h.do(func() { cached = h.updates[1] })
	assert.Equal(t, 100.0, cached.Volume24h)

	// Timer was re-armed at +10s; it fires at +40s, past the TTL.
	h.advance(DefaultInterval)
	h.waitUpdates(3)
	assert.Equal(t, 2, h.fetcher.Calls("X"))
}

func TestScheduler_FailureKeepsPriorEntry(t *testing.T) {
	h := newHarness(t)

	h.do(func() { h.sched.Track("X") })
	h.waitUpdates(1)

	h.fetcher.set(func(f *fakeFetcher) { f.fail = true })
	h.advance(DefaultInterval)
	require.Eventually(t, func() bool { return h.fetcher.Errors() == 1 }, time.Second, 5*time.Millisecond)
	h.do(func() {})

	assert.Equal(t, 1, h.updateCount(), "failed fetch does not fan out")
	var stale types.MarketData
	var ok bool
	h.do(func() { stale, ok = h.sched.cache.Stale("X") })
	require.True(t, ok)
	assert.Equal(t, 100.0, stale.Volume24h)
}

func TestScheduler_FailureLogsCachedFallback(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	logged := func() string {
		var out string
		h.do(func() { out = buf.String() })
		return out
	}
	h.do(func() { h.sched.WithLogger(zerolog.New(&buf)) })

	h.fetcher.set(func(f *fakeFetcher) { f.fail = true })
	h.do(func() { h.sched.Track("X") })
	require.Eventually(t, func() bool { return h.fetcher.Errors() == 1 }, time.Second, 5*time.Millisecond)
	h.do(func() {})
	assert.Contains(t, logged(), "nothing cached yet")

	h.fetcher.set(func(f *fakeFetcher) { f.fail = false })
	h.advance(DefaultInterval)
	h.waitUpdates(1)

	h.fetcher.set(func(f *fakeFetcher) { f.fail = true })
	h.advance(DefaultInterval)
	require.Eventually(t, func() bool { return h.fetcher.Errors() == 2 }, time.Second, 5*time.Millisecond)
	h.do(func() {})
	assert.Contains(t, logged(), "keeping cached value")
	assert.Equal(t, 1, h.updateCount())
}

func TestScheduler_TimerStopsWhenEmpty(t *testing.T) {
	h := newHarness(t)

	var running bool
	h.do(func() {
		h.sched.Track("A")
		h.sched.Track("B")
		h.sched.Untrack("A")
		running = h.sched.Running()
	})
	assert.True(t, running)
	assert.Equal(t, 1, h.clock.Pending())

	h.do(func() {
		h.sched.Untrack("B")
		h.sched.Untrack("B")
		running = h.sched.Running()
	})
	assert.False(t, running)
	assert.Equal(t, 0, h.clock.Pending())

	var tracked []string
	h.do(func() { tracked = h.sched.Tracked() })
	assert.Empty(t, tracked)
}

func TestScheduler_CoalescesInFlightFetch(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.fetcher.set(func(f *fakeFetcher) { f.block = release })
	h.sched.WithFetchTimeout(time.Minute)

	h.do(func() { h.sched.Track("X") })
	require.Eventually(t, func() bool { return h.fetcher.Calls("X") == 1 }, time.Second, 5*time.Millisecond)

	h.advance(DefaultInterval)
	assert.Equal(t, 1, h.fetcher.Calls("X"), "no second fetch while one is running")

	close(release)
	h.waitUpdates(1)
}

func TestScheduler_FetchTimeoutIsFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(func(f *fakeFetcher) { f.block = make(chan struct{}) })
	h.sched.WithFetchTimeout(20 * time.Millisecond)

	h.do(func() { h.sched.Track("X") })
	require.Eventually(t, func() bool { return h.fetcher.Errors() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		var inflight int
		h.do(func() { inflight = len(h.sched.inflight) })
		return inflight == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.updateCount())
}

func TestScheduler_UntrackMidFlightStillFillsCache(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.fetcher.set(func(f *fakeFetcher) { f.block = release })
	h.sched.WithFetchTimeout(time.Minute)

	h.do(func() { h.sched.Track("X") })
	require.Eventually(t, func() bool { return h.fetcher.Calls("X") == 1 }, time.Second, 5*time.Millisecond)
	h.do(func() { h.sched.Untrack("X") })

	close(release)
	require.Eventually(t, func() bool {
		var ok bool
		h.do(func() { _, ok = h.sched.Cached("X") })
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCache_TTL(t *testing.T) {
	clock := loop.NewManualClock(time.Unix(0, 0))
	c := NewCache(30*time.Second, clock.Now)

	_, ok := c.Get("X")
	assert.False(t, ok)

	c.Put("X", types.MarketData{TokenID: "X", Volume24h: 1})
	clock.Advance(29999 * time.Millisecond)
	md, ok := c.Get("X")
	require.True(t, ok)
	assert.Equal(t, 1.0, md.Volume24h)

	clock.Advance(time.Millisecond)
	_, ok = c.Get("X")
	assert.False(t, ok, "entry expires at exactly ttl")
	assert.Equal(t, 1, c.Len(), "expired entries are not deleted")

	_, ok = c.Stale("X")
	assert.True(t, ok)
}
