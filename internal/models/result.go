package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ExecPriceMode selects which candle price the simulator treats as the
// execution base for decision fills.
type ExecPriceMode string

const (
	ExecPriceClose ExecPriceMode = "close"
	ExecPriceOpen  ExecPriceMode = "open"
	ExecPriceVWAP  ExecPriceMode = "vwap"
)

// BacktestConfig is the immutable input of one run.
type BacktestConfig struct {
	RunID             string          `json:"run_id"`
	StrategyCode      string          `json:"strategy_code"`
	SignalPoolIDs     []string        `json:"signal_pool_ids"`
	Symbols           []string        `json:"symbols"`
	StartTime         int64           `json:"start_time"`
	EndTime           int64           `json:"end_time"`
	ScheduledInterval Interval        `json:"scheduled_interval,omitempty"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	SlippagePercent   decimal.Decimal `json:"slippage_percent"`
	FeeRate           decimal.Decimal `json:"fee_rate"`
	ExecPriceMode     ExecPriceMode   `json:"exec_price_mode,omitempty"`
	// StopFirstTieBreak fires stop-loss orders before take-profits when a
	// single candle wicks through both. Default keeps insertion order.
	StopFirstTieBreak bool              `json:"stop_first_tie_break,omitempty"`
	StrategyParams    map[string]string `json:"strategy_params,omitempty"`
}

// Validate checks the configuration invariants the engine refuses to run
// without. It normalizes the execution price mode default.
func (c *BacktestConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol is required")
	}
	if c.EndTime < c.StartTime {
		return fmt.Errorf("invalid time range: end %d before start %d", c.EndTime, c.StartTime)
	}
	if !c.InitialBalance.IsPositive() {
		return fmt.Errorf("initial balance must be positive, got %s", c.InitialBalance)
	}
	if c.SlippagePercent.IsNegative() {
		return fmt.Errorf("slippage percent must be >= 0, got %s", c.SlippagePercent)
	}
	if c.FeeRate.IsNegative() {
		return fmt.Errorf("fee rate must be >= 0, got %s", c.FeeRate)
	}
	if c.ScheduledInterval != "" && !c.ScheduledInterval.Valid() {
		return fmt.Errorf("unsupported scheduled interval %q", c.ScheduledInterval)
	}
	if c.ExecPriceMode == "" {
		c.ExecPriceMode = ExecPriceClose
	}
	switch c.ExecPriceMode {
	case ExecPriceClose, ExecPriceOpen, ExecPriceVWAP:
	default:
		return fmt.Errorf("unsupported execution price mode %q", c.ExecPriceMode)
	}
	return nil
}

// SymbolStats aggregates closed-trade performance for one symbol.
type SymbolStats struct {
	Symbol       string          `json:"symbol"`
	TotalTrades  int             `json:"total_trades"`
	WinRate      float64         `json:"win_rate"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	LongTrades   int             `json:"long_trades"`
	ShortTrades  int             `json:"short_trades"`
	LongWinRate  float64         `json:"long_win_rate"`
	ShortWinRate float64         `json:"short_win_rate"`
}

// BacktestResult is the aggregate output of a run. Partial results carry
// Success=false with Error set; their ledgers remain self-consistent.
type BacktestResult struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	TotalPnL           decimal.Decimal `json:"total_pnl"`
	TotalFees          decimal.Decimal `json:"total_fees"`
	WinRate            float64         `json:"win_rate"`
	ProfitFactor       float64         `json:"profit_factor"`
	SharpeRatio        float64         `json:"sharpe_ratio"`
	MaxDrawdown        decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`

	TotalTrades   int `json:"total_trades"`
	ClosedTrades  int `json:"closed_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`

	TotalTriggers     int `json:"total_triggers"`
	SignalTriggers    int `json:"signal_triggers"`
	ScheduledTriggers int `json:"scheduled_triggers"`

	FinalEquity decimal.Decimal         `json:"final_equity"`
	SymbolStats map[string]*SymbolStats `json:"symbol_stats,omitempty"`

	Trades      []Trade        `json:"trades"`
	EquityCurve []EquityPoint  `json:"equity_curve"`
	TriggerLog  []TriggerEvent `json:"trigger_log"`

	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// QueryRecord is one strategy-visible market data read, captured for the
// no-future-data audit trail.
type QueryRecord struct {
	Kind      string   `json:"kind"`
	Symbol    string   `json:"symbol"`
	Interval  Interval `json:"interval,omitempty"`
	Name      string   `json:"name,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// PositionSnapshot is the read-only view of an open position handed to
// strategies inside MarketData.
type PositionSnapshot struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Size           decimal.Decimal `json:"size"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	Leverage       int             `json:"leverage"`
	EntryTimestamp int64           `json:"entry_timestamp"`
	MarginUsed     decimal.Decimal `json:"margin_used"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
}

// TriggerExecutionResult is the streaming per-trigger progress record.
type TriggerExecutionResult struct {
	Trigger        TriggerEvent               `json:"trigger"`
	Prices         map[string]decimal.Decimal `json:"prices,omitempty"`
	Skipped        bool                       `json:"skipped,omitempty"`
	SkipReason     string                     `json:"skip_reason,omitempty"`
	Strategy       *StrategyResult            `json:"strategy,omitempty"`
	DecisionTrades []Trade                    `json:"decision_trades,omitempty"`
	TriggerTrades  []Trade                    `json:"trigger_trades,omitempty"`
	EquityBefore   decimal.Decimal            `json:"equity_before"`
	EquityAfter    decimal.Decimal            `json:"equity_after"`
	UnrealizedPnL  decimal.Decimal            `json:"unrealized_pnl"`
	QueryLog       []QueryRecord              `json:"query_log,omitempty"`
}
