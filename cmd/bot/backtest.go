// backtest.go implements the backtest subcommand: replay a CSV price
// series through the full tick pipeline against the paper venue. The
// CSV carries "timestamp,price,volume" rows (RFC3339 or unix seconds;
// header optional); OHLCV exports work too — the close column is used.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/engine"
)

func cmdBacktest(args []string) int {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	cfgPath := fs.String("config", "configs/config.toml", "path to config file")
	dataPath := fs.String("data", "", "CSV price series (required)")
	rate := fs.Float64("eur-usd", 1.10, "static EUR/USD rate for the replay")
	fs.Parse(args)

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "backtest: --data is required")
		return exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}
	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.NewReplay(*cfg, logger, *rate)
	if err != nil {
		logger.Error("failed to create replay engine", "error", err)
		return classifyExit(err)
	}

	rows, err := loadPriceSeries(*dataPath)
	if err != nil {
		logger.Error("failed to load price series", "error", err)
		return exitFatal
	}
	if err := replay(eng, rows, logger); err != nil {
		logger.Error("backtest failed", "error", err)
		return classifyExit(err)
	}
	return exitOK
}

// priceRow is one replayed observation.
type priceRow struct {
	ts     time.Time
	price  float64
	volume float64
}

func replay(eng *engine.Engine, rows []priceRow, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.ReplayStartup(ctx); err != nil {
		return err
	}

	logger.Info("backtest starting", "rows", len(rows))
	for i, row := range rows {
		if ctx.Err() != nil {
			logger.Warn("backtest interrupted", "at_row", i)
			break
		}
		eng.ReplayTick(row.price, row.volume, row.ts)
	}
	if err := eng.ReplayFinish(); err != nil {
		return err
	}

	status := eng.Status()
	logger.Info("backtest finished",
		"equity_usd", status.EquityUSD,
		"btc", status.BTCQty,
		"usd", status.USDQty,
		"open_lots", status.OpenLots,
		"ytd_taxable_gain_eur", status.YTDGainEUR,
		"rejects", status.RejectCount,
	)
	return nil
}

// loadPriceSeries parses the CSV into replay rows.
func loadPriceSeries(path string) ([]priceRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var rows []priceRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if len(record) < 2 {
			continue
		}

		ts, ok := parseTimestamp(strings.TrimSpace(record[0]))
		if !ok {
			continue // header row
		}

		var price, volume float64
		switch {
		case len(record) >= 6:
			// time,open,high,low,close,volume
			price, _ = strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
			volume, _ = strconv.ParseFloat(strings.TrimSpace(record[5]), 64)
		case len(record) >= 3:
			price, _ = strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
			volume, _ = strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		default:
			price, _ = strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
			volume = 1
		}
		if price <= 0 {
			continue
		}
		if volume <= 0 {
			volume = 1
		}
		rows = append(rows, priceRow{ts: ts, price: price, volume: volume})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no usable rows in %s", path)
	}
	return rows, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC(), true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
