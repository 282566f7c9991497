package dexscreener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/johan/tokenfeed/internal/types"
)

const (
	// DefaultBaseURL is the base URL for the Dexscreener API.
	DefaultBaseURL = "https://api.dexscreener.com"
)

var (
	// ErrNoPairs is returned when the API knows no pair for a token.
	ErrNoPairs = errors.New("dexscreener: no pairs for token")
	// ErrUnexpectedStatus wraps a non-200 response code.
	ErrUnexpectedStatus = errors.New("dexscreener: unexpected status")
)

// Client is an HTTP client for the Dexscreener API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient creates a new Dexscreener API client.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    DefaultBaseURL,
		now:        time.Now,
	}
}

// WithBaseURL sets a custom base URL for the client.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// WithRateLimit caps outgoing requests at rps per second with the given
// burst. A non-positive rps removes the cap.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// WithClock overrides the time stamped on fetched snapshots.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// FetchPairs fetches every pair the API lists for a token address.
func (c *Client) FetchPairs(ctx context.Context, address string) ([]Pair, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	u := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, url.PathEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body TokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return body.Pairs, nil
}

// FetchMarketData fetches a token's pairs and reduces them to a snapshot of
// the highest-liquidity pair.
func (c *Client) FetchMarketData(ctx context.Context, address string) (types.MarketData, error) {
	pairs, err := c.FetchPairs(ctx, address)
	if err != nil {
		return types.MarketData{}, err
	}

	best, ok := SelectBestPair(pairs)
	if !ok {
		return types.MarketData{}, fmt.Errorf("%w: %s", ErrNoPairs, address)
	}

	return types.MarketData{
		TokenID:        address,
		PairAddress:    best.PairAddress,
		DexID:          best.DexID,
		PriceUSD:       best.PriceUSD,
		LiquidityUSD:   best.LiquidityUSD(),
		Volume24h:      best.Volume.H24,
		FDV:            best.FDV,
		MarketCap:      best.MarketCap,
		PriceChange24h: best.PriceChange.H24,
		FetchedAt:      c.now(),
	}, nil
}

// SelectBestPair returns the pair with the highest USD liquidity. Ties keep
// the earlier pair.
func SelectBestPair(pairs []Pair) (Pair, bool) {
	if len(pairs) == 0 {
		return Pair{}, false
	}
	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.LiquidityUSD() > best.LiquidityUSD() {
			best = p
		}
	}
	return best, true
}
