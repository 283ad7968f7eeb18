package models

// TriggerType distinguishes precomputed signal triggers from periodic
// scheduled ones.
type TriggerType string

const (
	TriggerSignal    TriggerType = "signal"
	TriggerScheduled TriggerType = "scheduled"
)

// PoolLogic is the boolean combinator of a signal pool.
type PoolLogic string

const (
	PoolLogicAnd PoolLogic = "AND"
	PoolLogicOr  PoolLogic = "OR"
)

// SignalRecord describes one satisfied condition inside a fired pool.
type SignalRecord struct {
	Name      string  `json:"name"`
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	Value     float64 `json:"value"`
	Direction string  `json:"direction"`
}

// Market regime labels attached to signal triggers for strategy context.
const (
	RegimeBreakout     = "breakout"
	RegimeAbsorption   = "absorption"
	RegimeStopHunt     = "stop_hunt"
	RegimeExhaustion   = "exhaustion"
	RegimeTrap         = "trap"
	RegimeContinuation = "continuation"
	RegimeNoise        = "noise"
)

// RegimeSnapshot is a labeled microstructure state at a point in time.
type RegimeSnapshot struct {
	Regime     string             `json:"regime"`
	Confidence float64            `json:"confidence"`
	Direction  string             `json:"direction"`
	Reason     string             `json:"reason,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// TriggerEvent is one instant at which the engine reconsiders strategy
// state. Symbol and the pool fields are empty for scheduled triggers.
type TriggerEvent struct {
	Timestamp int64           `json:"timestamp"`
	Type      TriggerType     `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	PoolID    string          `json:"pool_id,omitempty"`
	PoolName  string          `json:"pool_name,omitempty"`
	PoolLogic PoolLogic       `json:"pool_logic,omitempty"`
	Signals   []SignalRecord  `json:"signals,omitempty"`
	Regime    *RegimeSnapshot `json:"regime,omitempty"`
}
