// Command inspect-rest is a CLI tool for exploring the Dexscreener token-pairs API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/johan/tokenfeed/internal/dexscreener"
)

func main() {
	token := flag.String("token", "", "Token address to look up")
	baseURL := flag.String("base-url", dexscreener.DefaultBaseURL, "API base URL")
	watch := flag.Bool("watch", false, "Continuously poll for updates")
	interval := flag.Duration("interval", 30*time.Second, "Poll interval (with --watch)")
	best := flag.Bool("best", false, "Show only the market data of the deepest pair")
	output := flag.String("output", "table", "Output format: table or json")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")

	flag.Parse()

	if *token == "" {
		fmt.Println("Usage: inspect-rest --token <address> [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  inspect-rest --token 7xKX... ")
		fmt.Println("  inspect-rest --token 7xKX... --watch --interval 10s")
		fmt.Println("  inspect-rest --token 7xKX... --best --output json")
		os.Exit(1)
	}

	client := dexscreener.NewClient(&http.Client{Timeout: *timeout}).
		WithBaseURL(*baseURL).
		WithRateLimit(5, 5)

	if *best {
		fetchBest(client, *token, *output, *timeout)
		return
	}

	if *watch {
		watchPairs(client, *token, *interval, *output, *timeout)
		return
	}

	if err := fetchPairs(client, *token, *output, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func fetchPairs(client *dexscreener.Client, address, format string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pairs, err := client.FetchPairs(ctx, address)
	if err != nil {
		return err
	}

	outputPairs(pairs, format)
	return nil
}

func fetchBest(client *dexscreener.Client, address, format string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	md, err := client.FetchMarketData(ctx, address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(md)
		return
	}

	fmt.Printf("Pair:       %s (%s)\n", md.PairAddress, md.DexID)
	fmt.Printf("Price USD:  %s\n", md.PriceUSD)
	fmt.Printf("Liquidity:  %.2f\n", md.LiquidityUSD)
	fmt.Printf("Volume 24h: %.2f\n", md.Volume24h)
	fmt.Printf("Market cap: %.2f\n", md.Valuation())
	fmt.Printf("Change 24h: %.2f%%\n", md.PriceChange24h)
}

func watchPairs(client *dexscreener.Client, address string, interval time.Duration, format string, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fmt.Printf("Watching token %s... (Ctrl+C to stop)\n\n", truncateID(address))

	for {
		fmt.Printf("\n[%s]\n", time.Now().Format("15:04:05"))
		if err := fetchPairs(client, address, format, timeout); err != nil {
			fmt.Fprintf(os.Stderr, "[%s] Error: %v\n", time.Now().Format("15:04:05"), err)
		}

		<-ticker.C
	}
}

func outputPairs(pairs []dexscreener.Pair, format string) {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(pairs)
		return
	}

	if best, ok := dexscreener.SelectBestPair(pairs); ok {
		fmt.Printf("Token: %s (%s)\n", best.BaseToken.Name, best.BaseToken.Symbol)
		fmt.Printf("Best:  %s on %s\n", truncateID(best.PairAddress), best.DexID)
		fmt.Println()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEX\tPAIR\tPRICE USD\tLIQUIDITY\tVOL 24H\tMCAP")

	maxRows := len(pairs)
	if maxRows > 10 {
		maxRows = 10
	}
	for _, p := range pairs[:maxRows] {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f\n",
			p.DexID, truncateID(p.PairAddress), p.PriceUSD, p.LiquidityUSD(), p.Volume.H24, p.MarketCap)
	}
	w.Flush()

	if len(pairs) > 10 {
		fmt.Printf("\n... showing 10 of %d pairs\n", len(pairs))
	}
}

func truncateID(id string) string {
	if len(id) > 20 {
		return id[:20] + "..."
	}
	return id
}
