// Package marketdata provides read-only access to historical market
// data: the MarketDataStore contract, an in-memory implementation, a
// Redis read-through cache, and the time-cursored provider the engine
// and strategies query during a run.
package marketdata

import (
	"context"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/models"
)

// MarketDataStore is the read-only data contract the backtest core
// consumes. Queries are pure: two concurrent runs may share one store
// without locking. Absence is reported as empty slices, nil records or
// ok=false; callers never see undefined values.
type MarketDataStore interface {
	// OHLC returns candles whose close time lies in [t0, t1], strictly
	// ordered by close time ascending.
	OHLC(ctx context.Context, symbol string, interval models.Interval, t0, t1 int64) ([]models.Candle, error)

	// RecentCandles returns up to count candles with close time <= atOrBefore,
	// ordered ascending.
	RecentCandles(ctx context.Context, symbol string, interval models.Interval, atOrBefore int64, count int) ([]models.Candle, error)

	// LatestClose returns the latest close price at or before t.
	LatestClose(ctx context.Context, symbol string, atOrBefore int64) (decimal.Decimal, bool, error)

	// Indicator returns the named indicator value at or before t, or nil.
	Indicator(ctx context.Context, symbol, name string, interval models.Interval, atOrBefore int64) (*models.IndicatorValue, error)

	// Flow returns the latest flow record for the metric at or before t, or nil.
	Flow(ctx context.Context, symbol, metric string, interval models.Interval, atOrBefore int64) (*models.FlowRecord, error)
}
