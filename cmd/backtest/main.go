// Command backtest runs one backtest from the command line against the
// PostgreSQL market data store and prints the aggregate result as JSON.
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

	"github.com/shopspring/decimal"

	"perp-backtest/config"
	"perp-backtest/internal/database"
	"perp-backtest/internal/engine"
	"perp-backtest/internal/logging"
	"perp-backtest/internal/marketdata"
	"perp-backtest/internal/models"
	"perp-backtest/internal/strategy"
)

func main() {
	var (
		runID      = flag.String("run-id", "", "run identifier (generated when empty)")
		symbols    = flag.String("symbols", "", "comma-separated trading symbols (required)")
		pools      = flag.String("pools", "", "comma-separated signal pool IDs")
		strategyID = flag.String("strategy", "", "stored strategy ID")
		start      = flag.Int64("start", 0, "window start, ms since epoch (required)")
		end        = flag.Int64("end", 0, "window end, ms since epoch (required)")
		interval   = flag.String("interval", "", "scheduled trigger interval (e.g. 1h), empty disables")
		balance    = flag.Float64("balance", 0, "initial balance (falls back to engine default)")
		fee        = flag.Float64("fee", -1, "fee rate percent (falls back to engine default)")
		slippage   = flag.Float64("slippage", -1, "slippage percent (falls back to engine default)")
		execPrice  = flag.String("exec-price", "close", "execution price mode: close, open or vwap")
		stopFirst  = flag.Bool("stop-first", false, "fire stop-losses before take-profits on ties")
		migrate    = flag.Bool("migrate", false, "run schema migrations and exit")
		save       = flag.Bool("save", true, "persist the result to the database")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	if !cfg.DatabaseConfig.Enabled {
		logger.Fatal().Msg("database must be enabled (DB_ENABLED=true); the CLI has no other data source")
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrate {
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		return
	}

	repo := database.NewRepository(db, logger)

	var store marketdata.MarketDataStore = database.NewMarketStore(db)
	if cfg.RedisConfig.Enabled {
		cached, err := marketdata.NewCachedStore(store, cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis cache unavailable, reading straight from PostgreSQL")
		} else {
			store = cached
		}
	}

	// The CLI exercises the engine with the hold strategy; hosts embed
	// the engine and supply their own Runner for real strategy code.
	e, err := engine.New(engine.Options{
		Store:             store,
		Signals:           repo,
		Runner:            strategy.HoldRunner{},
		DetectionInterval: models.Interval(cfg.EngineConfig.DetectionInterval),
		MaxTriggerEvents:  cfg.EngineConfig.MaxTriggerEvents,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("engine setup failed")
	}

	runCfg := &models.BacktestConfig{
		RunID:             *runID,
		SignalPoolIDs:     splitList(*pools),
		Symbols:           splitList(*symbols),
		StartTime:         *start,
		EndTime:           *end,
		ScheduledInterval: models.Interval(*interval),
		InitialBalance:    floatOrDefault(*balance, cfg.EngineConfig.DefaultInitialBalance),
		FeeRate:           rateOrDefault(*fee, cfg.EngineConfig.DefaultFeeRate),
		SlippagePercent:   rateOrDefault(*slippage, cfg.EngineConfig.DefaultSlippagePercent),
		ExecPriceMode:     models.ExecPriceMode(*execPrice),
		StopFirstTieBreak: *stopFirst,
	}
	if *strategyID != "" {
		stored, err := repo.GetStrategy(ctx, *strategyID)
		if err != nil {
			logger.Fatal().Err(err).Str("strategy", *strategyID).Msg("failed to load strategy")
		}
		if stored == nil {
			logger.Fatal().Str("strategy", *strategyID).Msg("strategy not found")
		}
		runCfg.StrategyCode = stored.Code
		runCfg.StrategyParams = stored.Params
	}

	result, err := e.Run(ctx, runCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("backtest failed")
	}

	if *save {
		if err := repo.SaveResult(ctx, runCfg, result); err != nil {
			logger.Error().Err(err).Msg("failed to persist result")
		}
	}

	out, err := json.MarshalIndent(summarize(result), "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to encode result")
	}
	fmt.Println(string(out))
}

// summarize strips the bulky ledgers for terminal output; the full
// result lives in the database.
func summarize(r *models.BacktestResult) map[string]any {
	return map[string]any{
		"run_id":             r.RunID,
		"success":            r.Success,
		"error":              r.Error,
		"total_pnl":          r.TotalPnL,
		"total_fees":         r.TotalFees,
		"final_equity":       r.FinalEquity,
		"win_rate":           r.WinRate,
		"profit_factor":      r.ProfitFactor,
		"sharpe_ratio":       r.SharpeRatio,
		"max_drawdown":       r.MaxDrawdown,
		"total_trades":       r.TotalTrades,
		"closed_trades":      r.ClosedTrades,
		"total_triggers":     r.TotalTriggers,
		"signal_triggers":    r.SignalTriggers,
		"scheduled_triggers": r.ScheduledTriggers,
		"execution_time_ms":  r.ExecutionTimeMs,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// floatOrDefault maps an unset (non-positive) balance flag to the
// configured engine default.
func floatOrDefault(v, fallback float64) decimal.Decimal {
	if v <= 0 {
		return decimal.NewFromFloat(fallback)
	}
	return decimal.NewFromFloat(v)
}

// rateOrDefault maps the -1 flag sentinel to the configured default;
// zero is a valid explicit rate.
func rateOrDefault(v, fallback float64) decimal.Decimal {
	if v < 0 {
		return decimal.NewFromFloat(fallback)
	}
	return decimal.NewFromFloat(v)
}
