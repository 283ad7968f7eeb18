package marketdata

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-backtest/internal/models"
	"perp-backtest/internal/signals"
)

// Provider is the time-cursored view over a MarketDataStore that one run
// owns. Every query is clamped to the cursor so the strategy can never
// observe future data. Strategy-visible reads are appended to a query
// log so the engine can attach an audit trail to each trigger.
//
// A Provider belongs to a single run and is not safe for concurrent use;
// the underlying store may be shared between runs.
type Provider struct {
	store    MarketDataStore
	regimes  signals.RegimeClassifier
	logger   zerolog.Logger
	now      int64
	queryLog []models.QueryRecord
}

// NewProvider creates a provider over the store. The classifier may be
// nil when the host does not wire regime classification.
func NewProvider(store MarketDataStore, regimes signals.RegimeClassifier, logger zerolog.Logger) *Provider {
	return &Provider{
		store:   store,
		regimes: regimes,
		logger:  logger.With().Str("component", "marketdata").Logger(),
	}
}

// SetCurrentTime moves the cursor. All subsequent queries only return
// data with timestamp <= t.
func (p *Provider) SetCurrentTime(t int64) {
	p.now = t
}

// CurrentTime returns the cursor position.
func (p *Provider) CurrentTime() int64 {
	return p.now
}

// CurrentPrices returns the latest close at or before the cursor for
// each requested symbol. Symbols without data are omitted.
func (p *Provider) CurrentPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		price, ok, err := p.store.LatestClose(ctx, symbol, p.now)
		if err != nil {
			p.logger.Debug().Err(err).Str("symbol", symbol).Msg("latest close lookup failed")
			continue
		}
		if ok {
			prices[symbol] = price
		}
	}
	return prices
}

// PriceAt returns the latest close at or before t, independent of the
// cursor. Used by the simulator to mark equity at historical instants.
func (p *Provider) PriceAt(ctx context.Context, symbol string, t int64) (decimal.Decimal, bool) {
	price, ok, err := p.store.LatestClose(ctx, symbol, t)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Int64("at", t).Msg("price lookup failed")
		return decimal.Zero, false
	}
	return price, ok
}

// OHLCBetween returns candles whose close time lies in (t0, t1], capped
// at the cursor.
func (p *Provider) OHLCBetween(ctx context.Context, symbol string, t0, t1 int64, interval models.Interval) []models.Candle {
	if t1 > p.now {
		t1 = p.now
	}
	candles, err := p.store.OHLC(ctx, symbol, interval, t0+1, t1)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Msg("ohlc query failed")
		return nil
	}
	return candles
}

// LatestCandle returns the most recent candle at or before the cursor
// for the interval, or nil. Engine-internal; not part of the strategy
// query log.
func (p *Provider) LatestCandle(ctx context.Context, symbol string, interval models.Interval) *models.Candle {
	candles, err := p.store.RecentCandles(ctx, symbol, interval, p.now, 1)
	if err != nil || len(candles) == 0 {
		return nil
	}
	return &candles[0]
}

// Klines returns the last count candles at or before the cursor. This is
// a strategy-visible read and lands in the query log.
func (p *Provider) Klines(ctx context.Context, symbol string, interval models.Interval, count int) []models.Candle {
	p.record("klines", symbol, interval, "")
	candles, err := p.store.RecentCandles(ctx, symbol, interval, p.now, count)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Msg("klines query failed")
		return nil
	}
	return candles
}

// Indicator returns the named indicator at or before the cursor, or nil.
func (p *Provider) Indicator(ctx context.Context, symbol, name string, interval models.Interval) *models.IndicatorValue {
	p.record("indicator", symbol, interval, name)
	value, err := p.store.Indicator(ctx, symbol, name, interval, p.now)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Str("name", name).Msg("indicator query failed")
		return nil
	}
	return value
}

// Flow returns the latest flow record for the metric at or before the
// cursor, or nil.
func (p *Provider) Flow(ctx context.Context, symbol, metric string, interval models.Interval) *models.FlowRecord {
	p.record("flow", symbol, interval, metric)
	record, err := p.store.Flow(ctx, symbol, metric, interval, p.now)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Str("metric", metric).Msg("flow query failed")
		return nil
	}
	return record
}

// Regime returns the regime snapshot at the cursor, or nil when no
// classifier is wired or no classification exists.
func (p *Provider) Regime(ctx context.Context, symbol string, interval models.Interval) *models.RegimeSnapshot {
	p.record("regime", symbol, interval, "")
	if p.regimes == nil {
		return nil
	}
	snapshot, err := p.regimes.Classify(ctx, symbol, interval, p.now)
	if err != nil {
		p.logger.Debug().Err(err).Str("symbol", symbol).Msg("regime classification failed")
		return nil
	}
	return snapshot
}

// ClearQueryLog resets the per-trigger audit trail.
func (p *Provider) ClearQueryLog() {
	p.queryLog = nil
}

// QueryLog returns a copy of the reads recorded since the last clear.
func (p *Provider) QueryLog() []models.QueryRecord {
	out := make([]models.QueryRecord, len(p.queryLog))
	copy(out, p.queryLog)
	return out
}

func (p *Provider) record(kind, symbol string, interval models.Interval, name string) {
	p.queryLog = append(p.queryLog, models.QueryRecord{
		Kind:      kind,
		Symbol:    symbol,
		Interval:  interval,
		Name:      name,
		Timestamp: p.now,
	})
}
