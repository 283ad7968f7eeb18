package models

import "github.com/shopspring/decimal"

// TradeOperation records what kind of mutation produced a trade row.
type TradeOperation string

const (
	TradeOpBuy   TradeOperation = "buy"
	TradeOpSell  TradeOperation = "sell"
	TradeOpClose TradeOperation = "close"
	TradeOpAdd   TradeOperation = "add_position"
)

// ExitReason records why a position (or tranche) was closed.
type ExitReason string

const (
	ExitReasonDecision ExitReason = "decision"
	ExitReasonTP       ExitReason = "tp"
	ExitReasonSL       ExitReason = "sl"
	ExitReasonReverse  ExitReason = "reverse"
)

// Trade is one row of the run's trade ledger. CloseTime, ExitPrice and
// the realized fields stay zero while the trade is open.
type Trade struct {
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time,omitempty"`
	TriggerType TriggerType     `json:"trigger_type"`
	Symbol      string          `json:"symbol"`
	Operation   TradeOperation  `json:"operation"`
	Side        Side            `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason  ExitReason      `json:"exit_reason,omitempty"`
	Size        decimal.Decimal `json:"size"`
	Leverage    int             `json:"leverage"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty"`
	PnLPercent  decimal.Decimal `json:"pnl_percent,omitempty"`
	Fee         decimal.Decimal `json:"fee,omitempty"`
	EquityAfter decimal.Decimal `json:"equity_after,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Closed reports whether the trade row represents a completed close.
func (t *Trade) Closed() bool {
	return t.CloseTime != 0
}

// EquityPoint is one sample of the equity curve, emitted once per trigger.
type EquityPoint struct {
	Timestamp   int64           `json:"timestamp"`
	Equity      decimal.Decimal `json:"equity"`
	Balance     decimal.Decimal `json:"balance"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
}
