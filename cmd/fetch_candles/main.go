package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"neurotrader/config"
	"neurotrader/internal/adapters/binanceclient"
	"neurotrader/internal/adapters/logger"
	"neurotrader/internal/utils"
)

func main() {
	instrument := flag.String("instrument", "ETHUSDT", "instrument to fetch")
	days := flag.Int("days", 30, "days of history to fetch")
	out := flag.String("out", "", "output CSV path (default data/<instrument>_<range>.csv)")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))

	// 3. Initialize Venue Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		Interval:             cfg.Interval,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	end := time.Now()
	start := end.AddDate(0, 0, -*days)

	fmt.Printf("Fetching candles for %s %s from %s to %s...\n", *instrument, cfg.Interval, start, end)
	candles, err := binanceClient.FetchCandles(context.Background(), *instrument, start, end)
	if err != nil {
		appLogger.Error(context.Background(), err, "Error fetching candles")
		log.Fatalf("Error fetching candles: %v", err)
	}
	appLogger.Info(context.Background(), "Fetched candles", map[string]interface{}{"count": len(candles)})

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/%s_%s_%s_to_%s.csv", *instrument, cfg.Interval, start.Format("20060102"), end.Format("20060102"))
	}
	if err := utils.WriteCandlesToCSV(candles, filename); err != nil {
		appLogger.Error(context.Background(), err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(context.Background(), "Saved to", map[string]interface{}{"filename": filename})
}
