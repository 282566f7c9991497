// Command tokenfeed runs the market-data feed and logs updates for the
// configured watchlist.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/johan/tokenfeed/internal/config"
	"github.com/johan/tokenfeed/internal/feed"
	"github.com/johan/tokenfeed/internal/logger"
	"github.com/johan/tokenfeed/internal/metrics"
	"github.com/johan/tokenfeed/internal/storage"
	"github.com/johan/tokenfeed/internal/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// If config file doesn't exist, use defaults
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("tokenfeed failed")
		closer.Close()
		os.Exit(1)
	}
	log.Info().Msg("tokenfeed shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	svc, err := feed.NewService(cfg,
		feed.WithLogger(log),
		feed.WithHTTPClient(&http.Client{Timeout: cfg.Poll.FetchTimeout}),
	)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer store.Close()

	watch(svc, cfg.Watch, store, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })

	if cfg.Metrics.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// watch subscribes the startup watchlist and logs what arrives.
func watch(svc *feed.Service, w config.WatchConfig, store storage.Storage, log zerolog.Logger) {
	if w.NewTokens {
		svc.SubscribeToNewTokens(func(events []types.Event) {
			record(store, events, log)
			for _, e := range events {
				if nt, ok := e.(types.NewToken); ok {
					log.Info().Str("token", nt.TokenID).Str("name", nt.Name).Str("symbol", nt.Symbol).Msg("new token")
				}
			}
		})
	}

	for _, tokenID := range w.Tokens {
		svc.SubscribeToToken(tokenID, func(events []types.Event) {
			record(store, events, log)
			logEvents(log, events)
		})
		svc.SubscribeToMarketData(tokenID, func(md types.MarketData) {
			log.Info().
				Str("token", md.TokenID).
				Str("pair", md.PairAddress).
				Str("price_usd", md.PriceUSD.String()).
				Float64("valuation", md.Valuation()).
				Float64("volume_24h", md.Volume24h).
				Float64("liquidity_usd", md.LiquidityUSD).
				Msg("market data")
		})
	}
}

func record(store storage.Storage, events []types.Event, log zerolog.Logger) {
	for _, e := range events {
		if err := store.Write(e); err != nil {
			log.Warn().Err(err).Str("kind", e.Kind().String()).Msg("recording event failed")
			return
		}
	}
}

func logEvents(log zerolog.Logger, events []types.Event) {
	for _, e := range events {
		switch e := e.(type) {
		case types.Trade:
			log.Info().
				Str("token", e.TokenID).
				Str("side", string(e.Side)).
				Float64("price", e.PricePerToken).
				Float64("sol", e.SolAmount).
				Int("batch", len(events)).
				Msg("trade")
		case types.LiquidityUpdate:
			log.Info().Str("token", e.TokenID).Str("pool", e.Pool).Float64("liquidity_sol", e.LiquiditySol).Msg("liquidity")
		case types.MetricsUpdate:
			log.Info().Str("token", e.TokenID).Float64("market_cap", e.MarketCap).Float64("volume_24h", e.Volume24h).Msg("metrics")
		}
	}
}
