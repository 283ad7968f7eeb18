package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perp-backtest/internal/indicators"
	"perp-backtest/internal/models"
)

// MarketStore serves historical market data from PostgreSQL. It
// implements marketdata.MarketDataStore; hosts typically wrap it in the
// Redis read-through cache.
type MarketStore struct {
	db *DB
}

// NewMarketStore creates a store over the connection pool.
func NewMarketStore(db *DB) *MarketStore {
	return &MarketStore{db: db}
}

const (
	ohlcQuery = `
		SELECT close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND interval = $2 AND close_time BETWEEN $3 AND $4
		ORDER BY close_time ASC
	`
	recentCandlesQuery = `
		SELECT close_time, open, high, low, close, volume
		FROM (
			SELECT close_time, open, high, low, close, volume
			FROM candles
			WHERE symbol = $1 AND interval = $2 AND close_time <= $3
			ORDER BY close_time DESC
			LIMIT $4
		) recent
		ORDER BY close_time ASC
	`
	latestCloseQuery = `
		SELECT close
		FROM candles
		WHERE symbol = $1 AND close_time <= $2
		ORDER BY close_time DESC
		LIMIT 1
	`
	flowQuery = `
		SELECT ts, payload
		FROM flow_records
		WHERE symbol = $1 AND metric = $2 AND interval = $3 AND ts <= $4
		ORDER BY ts DESC
		LIMIT 1
	`
)

// OHLC returns candles with close time in [t0, t1], ascending.
func (s *MarketStore) OHLC(ctx context.Context, symbol string, interval models.Interval, t0, t1 int64) ([]models.Candle, error) {
	rows, err := s.db.Pool.Query(ctx, ohlcQuery, symbol, string(interval), t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// RecentCandles returns up to count candles at or before atOrBefore,
// ascending.
func (s *MarketStore) RecentCandles(ctx context.Context, symbol string, interval models.Interval, atOrBefore int64, count int) ([]models.Candle, error) {
	rows, err := s.db.Pool.Query(ctx, recentCandlesQuery, symbol, string(interval), atOrBefore, count)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// LatestClose returns the freshest close at or before atOrBefore across
// all stored intervals for the symbol.
func (s *MarketStore) LatestClose(ctx context.Context, symbol string, atOrBefore int64) (decimal.Decimal, bool, error) {
	var price decimal.Decimal
	err := s.db.Pool.QueryRow(ctx, latestCloseQuery, symbol, atOrBefore).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query latest close: %w", err)
	}
	return price, true, nil
}

// Indicator is not precomputed in PostgreSQL; values are derived from
// candle history on the fly, matching the in-memory store.
func (s *MarketStore) Indicator(ctx context.Context, symbol, name string, interval models.Interval, atOrBefore int64) (*models.IndicatorValue, error) {
	window, err := s.RecentCandles(ctx, symbol, interval, atOrBefore, 200)
	if err != nil || len(window) == 0 {
		return nil, err
	}
	return indicators.Compute(name, window), nil
}

// Flow returns the latest flow record at or before atOrBefore, or nil.
func (s *MarketStore) Flow(ctx context.Context, symbol, metric string, interval models.Interval, atOrBefore int64) (*models.FlowRecord, error) {
	record := models.FlowRecord{Symbol: symbol, Metric: metric, Interval: interval}
	err := s.db.Pool.QueryRow(ctx, flowQuery, symbol, metric, string(interval), atOrBefore).
		Scan(&record.Timestamp, &record.Values)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query flow record: %w", err)
	}
	return &record, nil
}

func scanCandles(rows pgx.Rows) ([]models.Candle, error) {
	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candle rows: %w", err)
	}
	return out, nil
}
