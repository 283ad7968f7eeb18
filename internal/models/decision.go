package models

import "github.com/shopspring/decimal"

// Operation is the action a strategy asks the simulator to perform.
type Operation string

const (
	OperationBuy   Operation = "buy"
	OperationSell  Operation = "sell"
	OperationClose Operation = "close"
	OperationHold  Operation = "hold"
)

// Side is the direction of a held position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderSide is the direction of an order fill.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// TimeInForce options accepted on a decision. The simulator records but
// does not enforce them; all simulated fills are immediate.
type TimeInForce string

const (
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceALO TimeInForce = "ALO"
)

// ExecutionStyle selects market or limit semantics for TP/SL legs.
type ExecutionStyle string

const (
	ExecutionMarket ExecutionStyle = "market"
	ExecutionLimit  ExecutionStyle = "limit"
)

// Leverage bounds enforced by the simulator.
const (
	MinLeverage = 1
	MaxLeverage = 50
)

// Position size bounds as a portion of available balance.
const (
	MinPositionPortion = 0.1
	MaxPositionPortion = 1.0
)

// Decision is the strategy output validated and dispatched by the
// execution simulator.
type Decision struct {
	Operation       Operation       `json:"operation"`
	Symbol          string          `json:"symbol"`
	PositionPortion float64         `json:"target_portion_of_balance,omitempty"`
	Leverage        int             `json:"leverage,omitempty"`
	MaxPrice        decimal.Decimal `json:"max_price,omitempty"`
	MinPrice        decimal.Decimal `json:"min_price,omitempty"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price,omitempty"`
	TimeInForce     TimeInForce     `json:"time_in_force,omitempty"`
	TPExecution     ExecutionStyle  `json:"tp_execution,omitempty"`
	SLExecution     ExecutionStyle  `json:"sl_execution,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	TradingStrategy string          `json:"trading_strategy,omitempty"`
}

// IsActionable reports whether the decision asks for any mutation.
func (d *Decision) IsActionable() bool {
	switch d.Operation {
	case OperationBuy, OperationSell, OperationClose:
		return true
	}
	return false
}

// StrategyResult is the outcome of one StrategyRunner invocation.
type StrategyResult struct {
	Success  bool      `json:"success"`
	Decision *Decision `json:"decision,omitempty"`
	Error    string    `json:"error,omitempty"`
	Logs     []string  `json:"logs,omitempty"`
}
