package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johan/tokenfeed/internal/config"
	"github.com/johan/tokenfeed/internal/loop"
	"github.com/johan/tokenfeed/internal/types"
	"github.com/johan/tokenfeed/internal/ws"
	"github.com/johan/tokenfeed/internal/ws/wstest"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu      sync.Mutex
	batches [][]types.Event
}

func (r *recorder) record(events []types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]types.Event(nil), events...))
}

func (r *recorder) Batches() [][]types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.Event(nil), r.batches...)
}

type values struct {
	mu  sync.Mutex
	got []float64
}

func (v *values) record(x float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.got = append(v.got, x)
}

func (v *values) Values() []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]float64(nil), v.got...)
}

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	md    types.MarketData
}

func (f *stubFetcher) FetchMarketData(_ context.Context, tokenID string) (types.MarketData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	md := f.md
	md.TokenID = tokenID
	return md, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	t       *testing.T
	clock   *loop.ManualClock
	dialer  *wstest.Dialer
	fetcher *stubFetcher
	svc     *Service
}

func newHarness(t *testing.T, mutate func(c *config.Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  loop.NewManualClock(time.Unix(1700000000, 0)),
		dialer: wstest.NewDialer(),
		fetcher: &stubFetcher{md: types.MarketData{
			PriceUSD:  decimal.RequireFromString("0.0001"),
			Volume24h: 1234,
			FDV:       5000,
		}},
	}

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(cfg,
		WithClock(h.clock),
		WithFetcher(h.fetcher),
		WithDialer(func(ctx context.Context, url string) (ws.Conn, error) {
			c, err := h.dialer.Dial(ctx, url)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.svc.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) do(f func()) {
	h.t.Helper()
	require.NoError(h.t, h.svc.loop.Do(context.Background(), f))
}

func (h *harness) waitConnected() *wstest.Conn {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.svc.State() == ws.StateConnected }, waitFor, 2*time.Millisecond)
	return h.dialer.Last()
}

func (h *harness) waitWrites(conn *wstest.Conn, want ...string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(conn.Writes()) >= len(want) }, waitFor, 2*time.Millisecond)
	h.do(func() {})
	assert.Equal(h.t, want, conn.Writes())
}

func (h *harness) waitPending(key string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var got int
		h.do(func() {
			if key == newTokenKey {
				got = h.svc.newTokens.Pending(key)
			} else {
				got = h.svc.trades.Pending(key)
			}
		})
		return got == n
	}, waitFor, 2*time.Millisecond)
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.do(func() {})
}

const (
	subscribeTradeA   = `{"method":"subscribeTokenTrade","keys":["A"]}`
	subscribeMetricsA = `{"method":"getTokenMetrics","keys":["A"]}`
)

func TestService_FlatCreateReachesNewTokenSubscribers(t *testing.T) {
	h := newHarness(t, nil)
	var first, second recorder
	h.svc.SubscribeToNewTokens(first.record)
	h.svc.SubscribeToNewTokens(second.record)
	h.run()

	conn := h.waitConnected()
	h.waitWrites(conn, `{"method":"subscribeNewToken"}`)

	conn.Push(`{"txType":"create","mint":"A","name":"Foo","symbol":"FOO","traderPublicKey":"Creator"}`)
	h.waitPending(newTokenKey, 1)

	h.advance(999 * time.Millisecond)
	assert.Empty(t, first.Batches())

	h.advance(time.Millisecond)
	for _, r := range []*recorder{&first, &second} {
		batches := r.Batches()
		require.Len(t, batches, 1)
		require.Len(t, batches[0], 1)
		nt, ok := batches[0][0].(types.NewToken)
		require.True(t, ok)
		assert.Equal(t, "A", nt.TokenID)
		assert.Equal(t, "Foo", nt.Name)
		assert.Equal(t, "FOO", nt.Symbol)
	}
}

func TestService_TradesAreDedupedAndBatched(t *testing.T) {
	h := newHarness(t, nil)
	var got recorder
	h.svc.SubscribeToToken("A", got.record)
	h.run()

	conn := h.waitConnected()
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)

	trade1 := `{"txType":"buy","mint":"A","traderPublicKey":"T1","tokenAmount":100,"solAmount":1,"timestamp":1770358715000}`
	trade2 := `{"txType":"sell","mint":"A","traderPublicKey":"T2","tokenAmount":100,"solAmount":2,"timestamp":1770358715100}`
	conn.Push(trade1)
	conn.Push(trade1)
	conn.Push(trade2)
	conn.Push(`{"txType":"buy","mint":"OTHER","traderPublicKey":"T3","tokenAmount":1,"solAmount":1}`)
	h.waitPending("A", 2)

	h.advance(499 * time.Millisecond)
	assert.Empty(t, got.Batches())

	h.advance(time.Millisecond)
	batches := got.Batches()
	require.Len(t, batches, 1, "one flush per burst")
	require.Len(t, batches[0], 2, "duplicate dropped")
	assert.Equal(t, types.SideBuy, batches[0][0].(types.Trade).Side)
	assert.Equal(t, types.SideSell, batches[0][1].(types.Trade).Side)
	assert.Equal(t, 0.02, batches[0][1].(types.Trade).PricePerToken)
}

func TestService_SecondSubscriberSendsNoWireFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.run()
	conn := h.waitConnected()

	var a1, a2, b recorder
	h.svc.SubscribeToToken("A", a1.record)
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)

	h.svc.SubscribeToToken("A", a2.record)
	h.svc.SubscribeToToken("B", b.record)
	h.waitWrites(conn,
		subscribeTradeA, subscribeMetricsA,
		`{"method":"subscribeTokenTrade","keys":["B"]}`,
		`{"method":"getTokenMetrics","keys":["B"]}`,
	)
}

func TestService_LastUnsubscribeSendsNothingAndResubscribeIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	h.run()
	conn := h.waitConnected()

	var r recorder
	unsubscribe := h.svc.SubscribeToToken("A", r.record)
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)

	unsubscribe()
	unsubscribe()
	h.svc.SubscribeToToken("A", r.record)
	h.do(func() {})
	assert.Equal(t, []string{subscribeTradeA, subscribeMetricsA}, conn.Writes())
}

func TestService_SubscriptionsWhileDisconnectedAreDeferred(t *testing.T) {
	h := newHarness(t, nil)
	release := h.dialer.Hold()
	h.run()

	var r recorder
	h.svc.SubscribeToToken("A", r.record)
	require.Eventually(t, func() bool { return h.dialer.Dials() == 1 }, waitFor, 2*time.Millisecond)
	h.do(func() {})
	assert.Equal(t, ws.StateConnecting, h.svc.State())

	release()
	conn := h.waitConnected()
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)
}

func TestService_ResubscribesAfterReconnect(t *testing.T) {
	h := newHarness(t, nil)
	var r recorder
	h.svc.SubscribeToToken("A", r.record)
	h.svc.SubscribeToNewTokens(r.record)
	h.run()

	conn1 := h.waitConnected()
	h.waitWrites(conn1, `{"method":"subscribeNewToken"}`, subscribeTradeA, subscribeMetricsA)

	conn1.Close()
	require.Eventually(t, func() bool { return len(h.clock.Scheduled()) >= 1 }, waitFor, 2*time.Millisecond)
	h.advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.dialer.Dials() == 2 }, waitFor, 2*time.Millisecond)

	conn2 := h.waitConnected()
	require.NotSame(t, conn1, conn2)
	h.waitWrites(conn2, `{"method":"subscribeNewToken"}`, subscribeTradeA, subscribeMetricsA)
}

func TestService_NoReplayWhenResubscribeDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Stream.ResubscribeOnReconnect = false })
	var r recorder
	h.svc.SubscribeToToken("A", r.record)
	h.run()

	conn1 := h.waitConnected()
	h.waitWrites(conn1, subscribeTradeA, subscribeMetricsA)

	h.svc.Disconnect()
	h.do(func() {})
	h.svc.Connect()
	require.Eventually(t, func() bool { return h.dialer.Dials() == 2 }, waitFor, 2*time.Millisecond)
	conn2 := h.waitConnected()

	// Requests made while down still go out on the next socket.
	h.svc.SubscribeToToken("B", r.record)
	h.waitWrites(conn2,
		`{"method":"subscribeTokenTrade","keys":["B"]}`,
		`{"method":"getTokenMetrics","keys":["B"]}`,
	)
}

func TestService_FiveClosesDegrade(t *testing.T) {
	h := newHarness(t, nil)
	h.run()
	h.waitConnected()

	h.dialer.Refuse(true)
	h.dialer.Last().Close()
	for i := 1; i <= 4; i++ {
		require.Eventually(t, func() bool { return len(h.clock.Scheduled()) == i }, waitFor, 2*time.Millisecond)
		h.advance(h.clock.Scheduled()[i-1])
	}

	require.Eventually(t, h.svc.Degraded, waitFor, 2*time.Millisecond)
	h.do(func() {})
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, ws.StateDisconnected, h.svc.State())
}

func TestService_LiquidityAndMetricsBypassBatchingWhenChanged(t *testing.T) {
	h := newHarness(t, nil)
	var r recorder
	h.svc.SubscribeToToken("A", r.record)
	h.run()
	conn := h.waitConnected()
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)

	conn.Push(`{"type":"raydiumLiquidity","data":{"mint":"A","pool":"P","liquiditySol":10}}`)
	conn.Push(`{"type":"raydiumLiquidity","data":{"mint":"A","pool":"P","liquiditySol":10}}`)
	conn.Push(`{"type":"raydiumLiquidity","data":{"mint":"A","pool":"P","liquiditySol":11}}`)
	conn.Push(`{"type":"tokenMetrics","data":{"mint":"A","marketCap":100,"timestamp":1}}`)
	conn.Push(`{"type":"tokenMetrics","data":{"mint":"A","marketCap":100,"timestamp":2}}`)
	conn.Push(`{"type":"tokenMetrics","data":{"mint":"A","marketCap":101,"timestamp":3}}`)

	require.Eventually(t, func() bool { return len(r.Batches()) == 4 }, waitFor, 2*time.Millisecond)
	h.do(func() {})
	batches := r.Batches()
	require.Len(t, batches, 4, "unchanged updates are suppressed")
	assert.Equal(t, 10.0, batches[0][0].(types.LiquidityUpdate).LiquiditySol)
	assert.Equal(t, 11.0, batches[1][0].(types.LiquidityUpdate).LiquiditySol)
	assert.Equal(t, 100.0, batches[2][0].(types.MetricsUpdate).MarketCap)
	assert.Equal(t, 101.0, batches[3][0].(types.MetricsUpdate).MarketCap)
	assert.Equal(t, 0, h.clock.Pending(), "no batch timer involved")
}

func TestService_UnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	var kept, dropped recorder
	h.svc.SubscribeToToken("A", kept.record)
	unsubscribe := h.svc.SubscribeToToken("A", dropped.record)
	h.run()
	conn := h.waitConnected()
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)

	conn.Push(`{"txType":"buy","mint":"A","traderPublicKey":"T","tokenAmount":1,"solAmount":1,"timestamp":5}`)
	h.waitPending("A", 1)
	unsubscribe()
	h.advance(time.Second)

	assert.Len(t, kept.Batches(), 1)
	assert.Empty(t, dropped.Batches())
}

func TestService_PolledValuesShareOneFetch(t *testing.T) {
	h := newHarness(t, nil)
	h.run()

	var volume, mcap values
	h.svc.SubscribeToVolume("X", volume.record)
	h.svc.SubscribeToMarketCap("X", mcap.record)

	require.Eventually(t, func() bool {
		return len(volume.Values()) == 1 && len(mcap.Values()) == 1
	}, waitFor, 2*time.Millisecond)
	assert.Equal(t, 1, h.fetcher.Calls())
	assert.Equal(t, []float64{1234}, volume.Values())
	assert.Equal(t, []float64{5000}, mcap.Values(), "falls back to FDV")

	h.advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(volume.Values()) == 2 }, waitFor, 2*time.Millisecond)
	require.Eventually(t, func() bool { return len(mcap.Values()) == 2 }, waitFor, 2*time.Millisecond)
	assert.Equal(t, 2, h.fetcher.Calls(), "one fetch per tick for two consumers")
}

func TestService_QuoteUnsubscribeStopsPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.run()

	var volume values
	unsubscribe := h.svc.SubscribeToVolume("X", volume.record)
	require.Eventually(t, func() bool { return len(volume.Values()) == 1 }, waitFor, 2*time.Millisecond)

	unsubscribe()
	h.do(func() {})
	var running bool
	h.do(func() { running = h.svc.poller.Running() })
	assert.False(t, running)

	h.advance(time.Minute)
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestService_CloseFlushesPendingBatches(t *testing.T) {
	h := newHarness(t, nil)
	var r recorder
	h.svc.SubscribeToToken("A", r.record)
	h.run()
	conn := h.waitConnected()
	h.waitWrites(conn, subscribeTradeA, subscribeMetricsA)

	conn.Push(`{"txType":"buy","mint":"A","traderPublicKey":"T","tokenAmount":1,"solAmount":1,"timestamp":5}`)
	h.waitPending("A", 1)

	require.NoError(t, h.svc.Close())
	assert.Len(t, r.Batches(), 1)
	assert.True(t, conn.IsClosed())
	assert.NoError(t, h.svc.Close())
}

func TestService_CloseWithoutRun(t *testing.T) {
	h := newHarness(t, nil)
	var r recorder
	h.svc.SubscribeToToken("A", r.record)
	require.NoError(t, h.svc.Close())
	assert.Equal(t, 0, h.dialer.Dials())
	assert.ErrorIs(t, h.svc.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewService_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Batching.TradeWindow = 0
	_, err := NewService(cfg)
	assert.Error(t, err)
}

type countingTransport struct {
	next  http.RoundTripper
	count atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.count.Add(1)
	return c.next.RoundTrip(r)
}

func TestService_PollsMarketDataOverHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/X", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pairs":[{"pairAddress":"P","dexId":"raydium","priceUsd":"0.5","volume":{"h24":4321},"liquidity":{"usd":10},"marketCap":777}]}`))
	}))
	defer srv.Close()

	transport := &countingTransport{next: srv.Client().Transport}
	cfg := config.DefaultConfig()
	cfg.Poll.BaseURL = srv.URL
	dialer := wstest.NewDialer()
	svc, err := NewService(cfg,
		WithClock(loop.NewManualClock(time.Unix(1700000000, 0))),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithDialer(func(ctx context.Context, url string) (ws.Conn, error) {
			c, err := dialer.Dial(ctx, url)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var volume, mcap values
	svc.SubscribeToVolume("X", volume.record)
	svc.SubscribeToMarketCap("X", mcap.record)

	require.Eventually(t, func() bool {
		return len(volume.Values()) == 1 && len(mcap.Values()) == 1
	}, waitFor, 2*time.Millisecond)
	assert.Equal(t, []float64{4321}, volume.Values())
	assert.Equal(t, []float64{777}, mcap.Values())
	assert.Equal(t, int32(1), transport.count.Load())
}
