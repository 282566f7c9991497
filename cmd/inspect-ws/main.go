// Command inspect-ws is a CLI tool for exploring the token trading WebSocket feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johan/tokenfeed/internal/loop"
	"github.com/johan/tokenfeed/internal/types"
	"github.com/johan/tokenfeed/internal/ws"
)

type line struct {
	Kind  string      `json:"kind"`
	Event types.Event `json:"event"`
}

func main() {
	url := flag.String("url", ws.DefaultWSURL, "WebSocket URL")
	tokens := flag.String("tokens", "", "Comma-separated list of token IDs to subscribe")
	newTokens := flag.Bool("new-tokens", false, "Subscribe to new-token announcements")
	duration := flag.Duration("duration", 0, "How long to run (0 = until Ctrl+C)")
	outputFile := flag.String("output", "", "Output file path (empty = stdout)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *tokens == "" && !*newTokens {
		fmt.Println("Usage: inspect-ws [--tokens <id1,id2,...>] [--new-tokens] [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  inspect-ws --new-tokens")
		fmt.Println("  inspect-ws --tokens 7xKX...,9bQm... --duration 30s")
		fmt.Println("  inspect-ws --tokens 7xKX... --output data.jsonl")
		os.Exit(1)
	}

	var tokenList []string
	for _, t := range strings.Split(*tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokenList = append(tokenList, t)
		}
	}

	out := os.Stdout
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	counts := make(map[types.Kind]int)
	handler := func(e types.Event) {
		counts[e.Kind()]++
		if *verbose {
			fmt.Fprintf(os.Stderr, "[%s] %s: token=%s\n",
				time.Now().Format("15:04:05"),
				e.Kind(),
				truncateID(e.Token()))
		}

		data, _ := json.Marshal(line{Kind: e.Kind().String(), Event: e})
		fmt.Fprintln(out, string(data))
	}

	l := loop.New()
	var client *ws.Client
	client = ws.NewClient(l, handler).
		WithURL(*url).
		WithKeepalive(30*time.Second, 90*time.Second).
		OnOpen(func() {
			fmt.Fprintf(os.Stderr, "Connected, subscribing...\n")
			if *newTokens {
				if err := client.SubscribeNewToken(); err != nil {
					fmt.Fprintf(os.Stderr, "Error subscribing to new tokens: %v\n", err)
				}
			}
			if len(tokenList) > 0 {
				if err := client.SubscribeTokenTrade(tokenList); err != nil {
					fmt.Fprintf(os.Stderr, "Error subscribing to trades: %v\n", err)
				}
				if err := client.GetTokenMetrics(tokenList); err != nil {
					fmt.Fprintf(os.Stderr, "Error requesting metrics: %v\n", err)
				}
			}
		}).
		OnClose(func(err error) {
			fmt.Fprintf(os.Stderr, "Connection lost: %v\n", err)
		})

	fmt.Fprintf(os.Stderr, "Connecting to %s...\n", *url)
	client.Connect()

	go func() {
		<-ctx.Done()
		l.Post(func() {
			client.Shutdown()
			l.Stop()
		})
	}()

	fmt.Fprintf(os.Stderr, "Listening... (Ctrl+C to stop)\n\n")
	l.Run(context.Background())

	fmt.Fprintf(os.Stderr, "\n--- Summary ---\n")
	fmt.Fprintf(os.Stderr, "New tokens:  %d\n", counts[types.KindNewToken])
	fmt.Fprintf(os.Stderr, "Trades:      %d\n", counts[types.KindTrade])
	fmt.Fprintf(os.Stderr, "Liquidity:   %d\n", counts[types.KindLiquidity])
	fmt.Fprintf(os.Stderr, "Metrics:     %d\n", counts[types.KindMetrics])

	if *outputFile != "" {
		fmt.Fprintf(os.Stderr, "Output written to: %s\n", *outputFile)
	}
}

func truncateID(id string) string {
	if len(id) > 20 {
		return id[:20] + "..."
	}
	return id
}
