// btcfifo-mm — a single-pair BTC/USD spot market-making bot with a
// German §23 EStG FIFO tax ledger gating every sell.
//
// Architecture:
//
//	main.go              — entry point: subcommands, config, exit codes
//	backtest.go          — CSV replay driver for the backtest subcommand
//	engine/engine.go     — lifecycle: startup reconciliation, graceful drain
//	engine/loop.go       — strategy loop: regime → risk → spacing → skew →
//	                       grid → tax gate → inventory caps → slot dispatch
//	orders/manager.go    — per-slot state machine, amend-first reconciliation
//	ledger/fifo.go       — FIFO tax lots, EUR cost basis, atomic persistence
//	tax/agent.go         — sell veto, Freigrenze enforcement, harvest advisor
//	risk/manager.go      — drawdown buckets, circuit breaker, pause machine
//	market/              — book mirror (CRC32-validated), regime classifier,
//	                       Bollinger/ATR spacing
//	exchange/            — REST client, WS feeds, rate limiter, paper venue
//	rates/               — ECB EUR/USD daily reference rates
//	report/              — Anlage SO generator (CSV/JSON/YAML/text)
//	api/                 — JSON snapshot + /metrics introspection server
//
// How it makes money:
//
//	The bot rests a ladder of post-only limit orders around a reference
//	price and earns the spacing when both sides fill. What it refuses to
//	give back is tax alpha: sells are vetoed unless covered by lots past
//	the one-year Haltefrist or within the €1000 Freigrenze, so realized
//	gains stay tax-free wherever the market allows it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"btcfifo-mm/internal/api"
	"btcfifo-mm/internal/config"
	"btcfifo-mm/internal/engine"
	"btcfifo-mm/internal/exchange"
	"btcfifo-mm/internal/ledger"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/internal/rates"
	"btcfifo-mm/internal/report"
	"btcfifo-mm/internal/store"
	"btcfifo-mm/internal/tax"
)

// Exit codes per the CLI contract: 0 success, 2 config error, 3 ledger
// corruption, 4 exchange auth failure, 1 any other fatal.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
	exitLedger = 3
	exitAuth   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "backtest":
		return cmdBacktest(args[1:])
	case "setup":
		return cmdSetup(args[1:])
	case "report":
		return cmdReport(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: bot <command> [flags]

commands:
  run       start the trading engine
  backtest  replay a CSV price series against the paper venue
  setup     write a starter config file
  report    emit the Anlage SO tax report for a year

Set BTCFIFO_API_KEY / BTCFIFO_API_SECRET in the environment; they override
venue.api_key / venue.api_secret from the config file. Credentials are never
written to disk.
`)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "configs/config.toml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return classifyExit(err)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — orders go to the paper venue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = eng.Run(ctx)

	if apiServer != nil {
		if stopErr := apiServer.Stop(); stopErr != nil {
			logger.Error("failed to stop api server", "error", stopErr)
		}
	}

	if err != nil {
		logger.Error("engine exited with error", "error", err)
		return classifyExit(err)
	}
	return exitOK
}

func cmdReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cfgPath := fs.String("config", "configs/config.toml", "path to config file")
	year := fs.Int("year", 0, "tax year (required)")
	format := fs.String("format", "text", "output format: text, csv, json, yaml")
	fs.Parse(args)

	if *year == 0 {
		fmt.Fprintln(os.Stderr, "report: --year is required")
		return exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}

	led, err := openLedger(*cfg)
	if err != nil {
		slog.Error("failed to load ledger", "error", err)
		return classifyExit(err)
	}

	rep := report.Build(led, *year, money.NewEUR(cfg.Tax.AnnualExemptionEUR))
	switch *format {
	case "csv":
		err = rep.WriteCSV(os.Stdout)
	case "json":
		err = rep.WriteJSON(os.Stdout)
	case "yaml":
		err = rep.WriteYAML(os.Stdout)
	case "text":
		err = rep.WriteText(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "report: unknown format %q\n", *format)
		return exitConfig
	}
	if err != nil {
		slog.Error("failed to write report", "error", err)
		return exitFatal
	}
	return exitOK
}

func cmdSetup(args []string) int {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	out := fs.String("out", "configs/config.toml", "where to write the starter config")
	ecbURL := fs.String("ecb-url", "", "optionally download the ECB EUR/USD history from this URL into the rates fixture")
	ratesOut := fs.String("rates-out", "data/eurusd.csv", "where to write the rates fixture when -ecb-url is set")
	fs.Parse(args)

	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(os.Stderr, "setup: %s already exists, refusing to overwrite\n", *out)
		return exitConfig
	}
	if err := writeStarterConfig(*out); err != nil {
		slog.Error("failed to write starter config", "error", err)
		return exitFatal
	}
	if *ecbURL != "" {
		if err := os.MkdirAll(filepath.Dir(*ratesOut), 0o755); err != nil {
			slog.Error("failed to create rates dir", "error", err)
			return exitFatal
		}
		if err := rates.FetchECBHistory(*ecbURL, *ratesOut); err != nil {
			slog.Error("failed to fetch ECB history", "error", err)
			return exitFatal
		}
		fmt.Printf("wrote %s\n", *ratesOut)
	}
	fmt.Printf("wrote %s — edit it, export BTCFIFO_API_KEY/BTCFIFO_API_SECRET, then `bot run`\n", *out)
	return exitOK
}

// openLedger loads the persisted FIFO ledger read-only for reporting.
func openLedger(cfg config.Config) (*ledger.Ledger, error) {
	ledgerPath := cfg.Store.LedgerFile
	if ledgerPath == "" {
		ledgerPath = filepath.Join(cfg.Store.DataDir, "ledger.json")
	}
	st, err := store.Open(ledgerPath)
	if err != nil {
		return nil, err
	}
	holding := tax.DefaultConfig().HoldingPeriod
	if cfg.Tax.HoldingPeriodDays > 0 {
		holding = time.Duration(cfg.Tax.HoldingPeriodDays) * 24 * time.Hour
	}
	led := ledger.New(holding, st)
	if err := led.Load(); err != nil {
		return nil, err
	}
	return led, nil
}

func classifyExit(err error) int {
	switch {
	case errors.Is(err, ledger.ErrCorrupt):
		return exitLedger
	case errors.Is(err, exchange.ErrAuth):
		return exitAuth
	default:
		return exitFatal
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
