package marketdata

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/indicators"
	"perp-backtest/internal/models"
)

// indicatorLookback is how many candles the in-memory store feeds the
// indicator calculations. Enough history for EMA100 to settle.
const indicatorLookback = 200

type seriesKey struct {
	symbol   string
	interval models.Interval
}

// MemoryStore is a MarketDataStore backed by pre-seeded slices. It is
// the backbone of the test suite and of hosts that precompute data
// out of band. Seed it fully before the first query: reads take no
// locks so that concurrent runs can share one store.
type MemoryStore struct {
	candles map[seriesKey][]models.Candle
	flows   map[seriesKey]map[string][]models.FlowRecord
	regimes map[seriesKey][]regimeEntry
}

type regimeEntry struct {
	timestamp int64
	snapshot  models.RegimeSnapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[seriesKey][]models.Candle),
		flows:   make(map[seriesKey]map[string][]models.FlowRecord),
		regimes: make(map[seriesKey][]regimeEntry),
	}
}

// SeedCandles registers a candle series for (symbol, interval). The
// series is sorted by close time on insert.
func (m *MemoryStore) SeedCandles(symbol string, interval models.Interval, candles []models.Candle) {
	key := seriesKey{symbol, interval}
	merged := append(m.candles[key], candles...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	m.candles[key] = merged
}

// SeedFlow registers flow records for (symbol, interval, metric).
func (m *MemoryStore) SeedFlow(symbol string, interval models.Interval, metric string, records []models.FlowRecord) {
	key := seriesKey{symbol, interval}
	if m.flows[key] == nil {
		m.flows[key] = make(map[string][]models.FlowRecord)
	}
	merged := append(m.flows[key][metric], records...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	m.flows[key][metric] = merged
}

// SeedRegime registers a regime snapshot at a point in time.
func (m *MemoryStore) SeedRegime(symbol string, interval models.Interval, t int64, snapshot models.RegimeSnapshot) {
	key := seriesKey{symbol, interval}
	entries := append(m.regimes[key], regimeEntry{timestamp: t, snapshot: snapshot})
	sort.Slice(entries, func(i, j int) bool { return entries[i].timestamp < entries[j].timestamp })
	m.regimes[key] = entries
}

// OHLC returns candles with close time in [t0, t1], ascending.
func (m *MemoryStore) OHLC(_ context.Context, symbol string, interval models.Interval, t0, t1 int64) ([]models.Candle, error) {
	series := m.candles[seriesKey{symbol, interval}]
	lo := sort.Search(len(series), func(i int) bool { return series[i].Timestamp >= t0 })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp > t1 })
	if lo >= hi {
		return nil, nil
	}
	out := make([]models.Candle, hi-lo)
	copy(out, series[lo:hi])
	return out, nil
}

// RecentCandles returns up to count candles with close time <= atOrBefore.
func (m *MemoryStore) RecentCandles(_ context.Context, symbol string, interval models.Interval, atOrBefore int64, count int) ([]models.Candle, error) {
	series := m.candles[seriesKey{symbol, interval}]
	hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp > atOrBefore })
	lo := hi - count
	if lo < 0 {
		lo = 0
	}
	if lo >= hi {
		return nil, nil
	}
	out := make([]models.Candle, hi-lo)
	copy(out, series[lo:hi])
	return out, nil
}

// LatestClose returns the most recent close at or before t across all
// seeded intervals for the symbol.
func (m *MemoryStore) LatestClose(_ context.Context, symbol string, atOrBefore int64) (decimal.Decimal, bool, error) {
	var best *models.Candle
	for key, series := range m.candles {
		if key.symbol != symbol {
			continue
		}
		hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp > atOrBefore })
		if hi == 0 {
			continue
		}
		c := series[hi-1]
		if best == nil || c.Timestamp > best.Timestamp {
			candidate := c
			best = &candidate
		}
	}
	if best == nil {
		return decimal.Zero, false, nil
	}
	return best.Close, true, nil
}

// Indicator computes the named indicator from the candle history ending
// at or before t. Unknown names and insufficient history return nil.
func (m *MemoryStore) Indicator(ctx context.Context, symbol, name string, interval models.Interval, atOrBefore int64) (*models.IndicatorValue, error) {
	window, err := m.RecentCandles(ctx, symbol, interval, atOrBefore, indicatorLookback)
	if err != nil || len(window) == 0 {
		return nil, err
	}
	return indicators.Compute(name, window), nil
}

// Flow returns the latest seeded flow record at or before t, or nil.
func (m *MemoryStore) Flow(_ context.Context, symbol, metric string, interval models.Interval, atOrBefore int64) (*models.FlowRecord, error) {
	records := m.flows[seriesKey{symbol, interval}][metric]
	hi := sort.Search(len(records), func(i int) bool { return records[i].Timestamp > atOrBefore })
	if hi == 0 {
		return nil, nil
	}
	record := records[hi-1]
	return &record, nil
}

// Classify returns the latest seeded regime snapshot at or before t,
// making the MemoryStore usable as a RegimeClassifier in tests.
func (m *MemoryStore) Classify(_ context.Context, symbol string, interval models.Interval, t int64) (*models.RegimeSnapshot, error) {
	entries := m.regimes[seriesKey{symbol, interval}]
	hi := sort.Search(len(entries), func(i int) bool { return entries[i].timestamp > t })
	if hi == 0 {
		return nil, nil
	}
	snapshot := entries[hi-1].snapshot
	return &snapshot, nil
}
