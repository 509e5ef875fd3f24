// Command analyze_confidence replays the ATH Guard over stored candle history
// and reports how its confidence scores relate to the price move that
// followed each signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/candles"
	"signal-engine/internal/database"
	"signal-engine/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to a YAML or JSON config file")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to replay")
	timeframe := flag.String("timeframe", "5m", "candle timeframe")
	exchangeName := flag.String("exchange", "binance", "exchange the history was captured from")
	limit := flag.Int("limit", 5000, "number of stored candles to load")
	horizon := flag.Int("horizon", 12, "candles after the signal used to score the move")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Database, zerolog.Nop())
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	key := candles.NewKey(*symbol, *timeframe, *exchangeName)
	newestFirst, err := repo.LoadRecentCandles(ctx, key, *limit)
	if err != nil {
		fmt.Printf("Failed to load candles: %v\n", err)
		os.Exit(1)
	}
	history := make([]candles.Candle, len(newestFirst))
	for i, c := range newestFirst {
		history[len(newestFirst)-1-i] = c
	}

	rule := strings.Repeat("=", 80)
	fmt.Println(rule)
	fmt.Printf("ATH GUARD CONFIDENCE REPLAY  %s  (%d candles)\n", key, len(history))
	fmt.Println(rule)

	samples, err := replay(ctx, strategy.NewATHGuard(), strategy.DefaultATHGuardConfig(), key, history, *horizon)
	if err != nil {
		fmt.Printf("Replay failed: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Println("\nNo signals produced. Capture more history or lower min_confidence.")
		return
	}

	fmt.Printf("\n%d signals, move measured %d candles later\n\n", len(samples), *horizon)
	fmt.Println("┌─────────────────┬─────────┬─────────┬─────────┬──────────────┬──────────┐")
	fmt.Println("│ Confidence      │ Signals │ Winners │ Losers  │ Avg Move %   │ Win Rate │")
	fmt.Println("├─────────────────┼─────────┼─────────┼─────────┼──────────────┼──────────┤")
	for _, b := range bucketize(samples, defaultBuckets()) {
		fmt.Printf("│ %5.0f%% - %5.0f%% │ %7d │ %7d │ %7d │ %+12.3f │ %7.1f%% │\n",
			b.Min, b.Max, b.Signals, b.Winners, b.Losers, b.AvgMove, b.WinRate())
	}
	fmt.Println("└─────────────────┴─────────┴─────────┴─────────┴──────────────┴──────────┘")
}
