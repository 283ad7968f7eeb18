// Package strategy defines the boundary between the backtest core and
// user-authored strategies. The core treats strategy code as an opaque
// blob handed to a Runner; isolation, timeouts and language surface live
// behind that interface.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/marketdata"
	"perp-backtest/internal/models"
)

// MarketData is the snapshot handed to the strategy on every trigger.
// Data is the run's cursored provider, so any klines, indicators, flows
// or regimes the strategy pulls are clamped to the trigger time.
type MarketData struct {
	Timestamp int64
	Balance   decimal.Decimal
	Equity    decimal.Decimal
	Prices    map[string]decimal.Decimal
	Positions []models.PositionSnapshot
	Trigger   models.TriggerEvent
	Data      *marketdata.Provider
}

// Runner executes strategy code against a market data snapshot. Runner
// errors are recorded per trigger and never abort a run.
type Runner interface {
	Execute(ctx context.Context, code string, data *MarketData, params map[string]string) (*models.StrategyResult, error)
}

// RunnerFunc adapts a plain function to the Runner interface, for hosts
// and tests that express strategies as Go closures.
type RunnerFunc func(ctx context.Context, code string, data *MarketData, params map[string]string) (*models.StrategyResult, error)

// Execute implements Runner.
func (f RunnerFunc) Execute(ctx context.Context, code string, data *MarketData, params map[string]string) (*models.StrategyResult, error) {
	return f(ctx, code, data, params)
}

// HoldRunner always holds. Useful as a default and in plumbing tests.
type HoldRunner struct{}

// Execute implements Runner.
func (HoldRunner) Execute(_ context.Context, _ string, _ *MarketData, _ map[string]string) (*models.StrategyResult, error) {
	return &models.StrategyResult{
		Success:  true,
		Decision: &models.Decision{Operation: models.OperationHold},
	}, nil
}
