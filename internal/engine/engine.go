// Package engine orchestrates a backtest run: it walks the trigger
// stream, runs TP/SL detection, executes the strategy, applies its
// decisions through the simulator and aggregates the result.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-backtest/internal/account"
	"perp-backtest/internal/marketdata"
	"perp-backtest/internal/models"
	"perp-backtest/internal/signals"
	"perp-backtest/internal/simulator"
	"perp-backtest/internal/strategy"
	"perp-backtest/internal/trigger"
)

// Options bundles the engine's collaborators. Store, Signals and Runner
// are required; Regimes is optional.
type Options struct {
	Store   marketdata.MarketDataStore
	Signals signals.SignalBacktester
	Regimes signals.RegimeClassifier
	Runner  strategy.Runner

	// DetectionInterval is the candle interval TP/SL detection scans.
	// Defaults to 5m.
	DetectionInterval models.Interval
	// MaxTriggerEvents caps signal triggers per run. 0 means unlimited.
	MaxTriggerEvents int

	Logger zerolog.Logger
}

// Engine runs backtests. It holds no per-run state, so one engine can
// serve concurrent runs as long as the store supports concurrent reads.
type Engine struct {
	opts   Options
	logger zerolog.Logger
}

// New validates the options and creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("market data store is required")
	}
	if opts.Signals == nil {
		return nil, fmt.Errorf("signal backtester is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("strategy runner is required")
	}
	if opts.DetectionInterval == "" {
		opts.DetectionInterval = models.Interval5m
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Run executes a backtest to completion and returns the aggregate
// result. Configuration errors fail fast with a nil result. Runtime
// failures and cancellation return a partial result with Success=false
// and the cause in Error; its ledgers are self-consistent up to the
// last processed trigger.
func (e *Engine) Run(ctx context.Context, cfg *models.BacktestConfig) (*models.BacktestResult, error) {
	return e.run(ctx, cfg, nil)
}

// RunStream executes a backtest while streaming one TriggerExecutionResult
// per processed trigger on the returned channel. The channel is closed
// when the run finishes; the final result is delivered on the second
// channel. Cancelling the context stops the run after the current
// trigger.
func (e *Engine) RunStream(ctx context.Context, cfg *models.BacktestConfig) (<-chan models.TriggerExecutionResult, <-chan *models.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid backtest config: %w", err)
	}

	progress := make(chan models.TriggerExecutionResult)
	done := make(chan *models.BacktestResult, 1)
	go func() {
		defer close(progress)
		defer close(done)
		result, err := e.run(ctx, cfg, progress)
		if err != nil {
			result = &models.BacktestResult{RunID: cfg.RunID, Success: false, Error: err.Error()}
		}
		done <- result
	}()
	return progress, done, nil
}

func (e *Engine) run(ctx context.Context, cfg *models.BacktestConfig, progress chan<- models.TriggerExecutionResult) (*models.BacktestResult, error) {
	started := time.Now()

	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("invalid backtest config: %w", err)
		return &models.BacktestResult{RunID: cfg.RunID, Error: err.Error()}, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	logger := e.logger.With().Str("run_id", cfg.RunID).Logger()
	logger.Info().
		Strs("symbols", cfg.Symbols).
		Int64("start", cfg.StartTime).
		Int64("end", cfg.EndTime).
		Msg("backtest starting")

	stream, err := trigger.Build(ctx, e.opts.Signals, cfg.SignalPoolIDs, cfg.Symbols, cfg.StartTime, cfg.EndTime, cfg.ScheduledInterval, e.opts.MaxTriggerEvents, logger)
	if err != nil {
		err = fmt.Errorf("building trigger stream: %w", err)
		return &models.BacktestResult{RunID: cfg.RunID, Error: err.Error()}, err
	}
	if stream.Count() == 0 {
		err = fmt.Errorf("no trigger events generated for [%d, %d]", cfg.StartTime, cfg.EndTime)
		return &models.BacktestResult{RunID: cfg.RunID, Error: err.Error()}, err
	}

	acct := account.New(cfg.InitialBalance, logger)
	provider := marketdata.NewProvider(e.opts.Store, e.opts.Regimes, logger)
	sim := simulator.New(simulator.Config{
		SlippagePercent:   cfg.SlippagePercent,
		FeeRate:           cfg.FeeRate,
		ExecPriceMode:     cfg.ExecPriceMode,
		DetectionInterval: e.opts.DetectionInterval,
		StopFirstTieBreak: cfg.StopFirstTieBreak,
	}, acct, provider, logger)

	result := &models.BacktestResult{RunID: cfg.RunID}
	prev := cfg.StartTime

	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return e.finalize(result, acct, cfg, started, err), nil
		}

		provider.SetCurrentTime(ev.Timestamp)

		per := models.TriggerExecutionResult{
			Trigger:      ev,
			EquityBefore: acct.Equity(),
		}

		// TP/SL detection over the gap since the previous trigger runs
		// before the strategy sees this instant.
		per.TriggerTrades = sim.CheckPendingOrders(ctx, prev, ev.Timestamp, ev.Type)

		prices := provider.CurrentPrices(ctx, cfg.Symbols)
		per.Prices = prices

		if len(prices) == 0 {
			per.Skipped = true
			per.SkipReason = "no market data at trigger time"
			logger.Debug().Int64("t", ev.Timestamp).Msg("trigger skipped, no prices")
		} else {
			// Mark before the strategy call so the snapshot's equity
			// reflects this instant, including any TP/SL fills above.
			acct.MarkEquity(prices)
			provider.ClearQueryLog()
			per.Strategy = e.executeStrategy(ctx, cfg, acct, provider, prices, ev, logger)
			if per.Strategy != nil && per.Strategy.Success && per.Strategy.Decision != nil && per.Strategy.Decision.IsActionable() {
				per.DecisionTrades = sim.Dispatch(ctx, per.Strategy.Decision, ev, prices, ev.Timestamp)
			}
			per.QueryLog = provider.QueryLog()
		}

		acct.MarkEquity(prices)
		per.EquityAfter = acct.Equity()
		per.UnrealizedPnL = acct.UnrealizedPnL()

		result.Trades = append(result.Trades, per.TriggerTrades...)
		result.Trades = append(result.Trades, per.DecisionTrades...)
		result.TriggerLog = append(result.TriggerLog, ev)
		result.EquityCurve = append(result.EquityCurve, models.EquityPoint{
			Timestamp:   ev.Timestamp,
			Equity:      acct.Equity(),
			Balance:     acct.Balance(),
			MaxDrawdown: acct.MaxDrawdown(),
		})

		result.TotalTriggers++
		if ev.Type == models.TriggerSignal {
			result.SignalTriggers++
		} else {
			result.ScheduledTriggers++
		}

		if progress != nil {
			select {
			case progress <- per:
			case <-ctx.Done():
				return e.finalize(result, acct, cfg, started, ctx.Err()), nil
			}
		}

		prev = ev.Timestamp
	}

	final := e.finalize(result, acct, cfg, started, nil)
	logger.Info().
		Int("triggers", final.TotalTriggers).
		Int("trades", final.TotalTrades).
		Str("final_equity", final.FinalEquity.String()).
		Dur("elapsed", time.Since(started)).
		Msg("backtest finished")
	return final, nil
}

// executeStrategy builds the market data snapshot and invokes the
// runner. Runner errors become failed strategy results, never run
// aborts.
func (e *Engine) executeStrategy(ctx context.Context, cfg *models.BacktestConfig, acct *account.VirtualAccount, provider *marketdata.Provider, prices map[string]decimal.Decimal, ev models.TriggerEvent, logger zerolog.Logger) *models.StrategyResult {
	data := &strategy.MarketData{
		Timestamp: ev.Timestamp,
		Balance:   acct.Balance(),
		Equity:    acct.Equity(),
		Prices:    prices,
		Positions: positionSnapshots(acct, prices),
		Trigger:   ev,
		Data:      provider,
	}

	result, err := e.opts.Runner.Execute(ctx, cfg.StrategyCode, data, cfg.StrategyParams)
	if err != nil {
		logger.Warn().Err(err).Int64("t", ev.Timestamp).Msg("strategy execution failed")
		return &models.StrategyResult{Success: false, Error: err.Error()}
	}
	return result
}

// finalize computes the aggregate statistics over the run's ledgers.
// A non-nil cause marks the result as a partial failure.
func (e *Engine) finalize(result *models.BacktestResult, acct *account.VirtualAccount, cfg *models.BacktestConfig, started time.Time, cause error) *models.BacktestResult {
	result.Success = cause == nil
	if cause != nil {
		result.Error = cause.Error()
	}

	result.FinalEquity = acct.Equity()
	result.TotalFees = acct.TotalFees()
	result.MaxDrawdown = acct.MaxDrawdown()
	result.MaxDrawdownPercent = acct.MaxDrawdownPercent()
	result.TotalTrades = len(result.Trades)

	computeTradeStats(result)
	result.SharpeRatio = sharpeRatio(result.EquityCurve)
	result.ExecutionTimeMs = time.Since(started).Milliseconds()
	return result
}

func positionSnapshots(acct *account.VirtualAccount, prices map[string]decimal.Decimal) []models.PositionSnapshot {
	positions := acct.Positions()
	symbols := make([]string, 0, len(positions))
	for symbol := range positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]models.PositionSnapshot, 0, len(symbols))
	for _, symbol := range symbols {
		pos := positions[symbol]
		snapshot := models.PositionSnapshot{
			Symbol:         pos.Symbol,
			Side:           pos.Side,
			Size:           pos.Size,
			EntryPrice:     pos.EntryPrice,
			Leverage:       pos.Leverage,
			EntryTimestamp: pos.EntryTimestamp,
			MarginUsed:     pos.MarginUsed,
		}
		if price, ok := prices[symbol]; ok {
			snapshot.UnrealizedPnL = pos.UnrealizedPnL(price)
		}
		out = append(out, snapshot)
	}
	return out
}
