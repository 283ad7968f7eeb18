package models

import "github.com/shopspring/decimal"

// Candle is a single OHLCV bar. Timestamp is the candle's close time in
// milliseconds since the Unix epoch. Prices and volume are exact decimals.
type Candle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// TypicalPrice returns (high + low + close) / 3, the VWAP proxy used when
// per-trade volume data is unavailable.
func (c Candle) TypicalPrice() decimal.Decimal {
	return c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
}

// FlowRecord carries one order-flow observation. The engine does not
// interpret Values; strategies do.
type FlowRecord struct {
	Symbol    string             `json:"symbol"`
	Metric    string             `json:"metric"`
	Interval  Interval           `json:"interval"`
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Flow metric names served by MarketDataStore implementations.
const (
	FlowCVD       = "CVD"
	FlowOI        = "OI"
	FlowOIDelta   = "OI_DELTA"
	FlowTaker     = "TAKER"
	FlowFunding   = "FUNDING"
	FlowDepth     = "DEPTH"
	FlowImbalance = "IMBALANCE"
)

// Indicator names served by MarketDataStore implementations.
const (
	IndicatorRSI14  = "RSI14"
	IndicatorRSI7   = "RSI7"
	IndicatorMA5    = "MA5"
	IndicatorMA10   = "MA10"
	IndicatorMA20   = "MA20"
	IndicatorEMA20  = "EMA20"
	IndicatorEMA50  = "EMA50"
	IndicatorEMA100 = "EMA100"
	IndicatorMACD   = "MACD"
	IndicatorBOLL   = "BOLL"
	IndicatorATR14  = "ATR14"
	IndicatorVWAP   = "VWAP"
	IndicatorSTOCH  = "STOCH"
	IndicatorOBV    = "OBV"
)

// IndicatorValue holds one indicator reading. Multi-line indicators
// (MACD, BOLL, STOCH) populate Lines; single-value ones populate Value.
type IndicatorValue struct {
	Name      string             `json:"name"`
	Timestamp int64              `json:"timestamp"`
	Value     float64            `json:"value"`
	Lines     map[string]float64 `json:"lines,omitempty"`
}
