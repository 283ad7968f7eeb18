package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/logging"
	"perp-backtest/internal/marketdata"
	"perp-backtest/internal/models"
	"perp-backtest/internal/signals"
	"perp-backtest/internal/strategy"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

const fiveMin = int64(5 * 60 * 1000)

// seedFlatSeries seeds 5m candles from start, one per step, at the given
// closes. Open/high/low track the close so no TP/SL fires accidentally.
func seedFlatSeries(store *marketdata.MemoryStore, symbol string, start int64, closes ...string) {
	candles := make([]models.Candle, 0, len(closes))
	for i, c := range closes {
		candles = append(candles, models.Candle{
			Timestamp: start + int64(i)*fiveMin,
			Open:      d(c),
			High:      d(c),
			Low:       d(c),
			Close:     d(c),
			Volume:    d("10"),
		})
	}
	store.SeedCandles(symbol, models.Interval5m, candles)
}

// scriptedRunner maps trigger timestamps to decisions; unknown instants
// hold.
func scriptedRunner(script map[int64]*models.Decision) strategy.Runner {
	return strategy.RunnerFunc(func(_ context.Context, _ string, data *strategy.MarketData, _ map[string]string) (*models.StrategyResult, error) {
		dec, ok := script[data.Timestamp]
		if !ok {
			dec = &models.Decision{Operation: models.OperationHold}
		}
		return &models.StrategyResult{Success: true, Decision: dec}, nil
	})
}

func newTestEngine(t *testing.T, store *marketdata.MemoryStore, backtester signals.SignalBacktester, runner strategy.Runner) *Engine {
	t.Helper()
	e, err := New(Options{
		Store:   store,
		Signals: backtester,
		Runner:  runner,
		Logger:  logging.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func signalAt(poolID, symbol string, ts int64) models.TriggerEvent {
	return models.TriggerEvent{Timestamp: ts, Symbol: symbol, PoolID: poolID}
}

func baseConfig(start, end int64) *models.BacktestConfig {
	return &models.BacktestConfig{
		RunID:          "test-run",
		SignalPoolIDs:  []string{"pool-1"},
		Symbols:        []string{"BTCUSDT"},
		StartTime:      start,
		EndTime:        end,
		InitialBalance: d("10000"),
	}
}

func TestEngine_RunOpenThenClose(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	seedFlatSeries(store, "BTCUSDT", start, "100", "100", "110", "110")

	backtester := signals.NewStaticBacktester()
	backtester.Seed("pool-1", []models.TriggerEvent{
		signalAt("pool-1", "BTCUSDT", start),
		signalAt("pool-1", "BTCUSDT", start+2*fiveMin),
	})

	runner := scriptedRunner(map[int64]*models.Decision{
		start: {
			Operation:       models.OperationBuy,
			Symbol:          "BTCUSDT",
			PositionPortion: 0.5,
			Leverage:        10,
			MaxPrice:        d("200"),
		},
		start + 2*fiveMin: {
			Operation:       models.OperationClose,
			Symbol:          "BTCUSDT",
			PositionPortion: 1.0,
			MinPrice:        d("1"),
		},
	})

	e := newTestEngine(t, store, backtester, runner)
	result, err := e.Run(context.Background(), baseConfig(start, start+3*fiveMin))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Success {
		t.Fatalf("run not successful: %s", result.Error)
	}
	if result.TotalTrades != 2 {
		t.Fatalf("expected open+close trades, got %d", result.TotalTrades)
	}
	if result.ClosedTrades != 1 || result.WinningTrades != 1 {
		t.Errorf("closed=%d winning=%d, want 1/1", result.ClosedTrades, result.WinningTrades)
	}

	// Size 500 at 100, closed at 110: +5000 realized, no fees.
	if !result.TotalPnL.Equal(d("5000")) {
		t.Errorf("total pnl = %s, want 5000", result.TotalPnL)
	}
	if !result.FinalEquity.Equal(d("15000")) {
		t.Errorf("final equity = %s, want 15000", result.FinalEquity)
	}
	if result.WinRate != 1.0 {
		t.Errorf("win rate = %f, want 1.0", result.WinRate)
	}
	if !math.IsInf(result.ProfitFactor, 1) {
		t.Errorf("profit factor = %f, want +Inf with no losers", result.ProfitFactor)
	}
	if len(result.EquityCurve) != result.TotalTriggers {
		t.Errorf("equity curve has %d points for %d triggers", len(result.EquityCurve), result.TotalTriggers)
	}
	if result.SignalTriggers != 2 {
		t.Errorf("signal triggers = %d, want 2", result.SignalTriggers)
	}

	stats := result.SymbolStats["BTCUSDT"]
	if stats == nil || stats.TotalTrades != 1 || stats.LongTrades != 1 {
		t.Errorf("symbol stats = %+v, want 1 long closed trade", stats)
	}
}

func TestEngine_FeesReduceEquity(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	seedFlatSeries(store, "BTCUSDT", start, "100", "100", "100")

	backtester := signals.NewStaticBacktester()
	backtester.Seed("pool-1", []models.TriggerEvent{
		signalAt("pool-1", "BTCUSDT", start),
		signalAt("pool-1", "BTCUSDT", start+fiveMin),
	})

	runner := scriptedRunner(map[int64]*models.Decision{
		start: {
			Operation:       models.OperationBuy,
			Symbol:          "BTCUSDT",
			PositionPortion: 0.1,
			Leverage:        1,
			MaxPrice:        d("200"),
		},
		start + fiveMin: {
			Operation:       models.OperationClose,
			Symbol:          "BTCUSDT",
			PositionPortion: 1.0,
			MinPrice:        d("1"),
		},
	})

	cfg := baseConfig(start, start+2*fiveMin)
	cfg.FeeRate = d("0.1")

	e := newTestEngine(t, store, backtester, runner)
	result, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Flat price round trip: the close realizes zero, so total PnL is
	// zero; the two 0.1% fees on a 1000 notional show up only in
	// TotalFees and FinalEquity.
	if !result.TotalPnL.Equal(d("0")) {
		t.Errorf("total pnl = %s, want 0 (fees are not trade pnl)", result.TotalPnL)
	}
	if !result.TotalFees.Equal(d("2")) {
		t.Errorf("total fees = %s, want 2", result.TotalFees)
	}
	if !result.FinalEquity.Equal(d("9998")) {
		t.Errorf("final equity = %s, want 9998", result.FinalEquity)
	}
}

func TestEngine_TakeProfitBetweenTriggers(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	store.SeedCandles("BTCUSDT", models.Interval5m, []models.Candle{
		{Timestamp: start, Open: d("100"), High: d("100"), Low: d("100"), Close: d("100"), Volume: d("10")},
		// Wick through the 105 TP between the two triggers.
		{Timestamp: start + fiveMin, Open: d("100"), High: d("106"), Low: d("99"), Close: d("104"), Volume: d("10")},
		{Timestamp: start + 2*fiveMin, Open: d("104"), High: d("104"), Low: d("104"), Close: d("104"), Volume: d("10")},
	})

	backtester := signals.NewStaticBacktester()
	backtester.Seed("pool-1", []models.TriggerEvent{
		signalAt("pool-1", "BTCUSDT", start),
		signalAt("pool-1", "BTCUSDT", start+2*fiveMin),
	})

	runner := scriptedRunner(map[int64]*models.Decision{
		start: {
			Operation:       models.OperationBuy,
			Symbol:          "BTCUSDT",
			PositionPortion: 0.5,
			Leverage:        10,
			MaxPrice:        d("200"),
			TakeProfitPrice: d("105"),
		},
	})

	e := newTestEngine(t, store, backtester, runner)
	result, err := e.Run(context.Background(), baseConfig(start, start+2*fiveMin))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var tpTrade *models.Trade
	for i := range result.Trades {
		if result.Trades[i].ExitReason == models.ExitReasonTP {
			tpTrade = &result.Trades[i]
		}
	}
	if tpTrade == nil {
		t.Fatal("expected a TP close between triggers")
	}
	if !tpTrade.ExitPrice.Equal(d("105")) {
		t.Errorf("TP fill = %s, want 105", tpTrade.ExitPrice)
	}
	if tpTrade.CloseTime != start+fiveMin {
		t.Errorf("TP close time = %d, want the crossing candle %d", tpTrade.CloseTime, start+fiveMin)
	}
}

func TestEngine_StrategyErrorDoesNotAbortRun(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	seedFlatSeries(store, "BTCUSDT", start, "100", "100")

	backtester := signals.NewStaticBacktester()
	backtester.Seed("pool-1", []models.TriggerEvent{
		signalAt("pool-1", "BTCUSDT", start),
		signalAt("pool-1", "BTCUSDT", start+fiveMin),
	})

	calls := 0
	runner := strategy.RunnerFunc(func(context.Context, string, *strategy.MarketData, map[string]string) (*models.StrategyResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("strategy blew up")
		}
		return &models.StrategyResult{Success: true, Decision: &models.Decision{Operation: models.OperationHold}}, nil
	})

	e := newTestEngine(t, store, backtester, runner)
	result, err := e.Run(context.Background(), baseConfig(start, start+fiveMin))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Success {
		t.Errorf("strategy error should not fail the run: %s", result.Error)
	}
	if calls != 2 {
		t.Errorf("expected both triggers processed, got %d strategy calls", calls)
	}
}

func TestEngine_ConfigValidationFailsFast(t *testing.T) {
	store := marketdata.NewMemoryStore()
	e := newTestEngine(t, store, signals.NewStaticBacktester(), strategy.HoldRunner{})

	cfg := baseConfig(1000, 2000)
	cfg.Symbols = nil
	result, err := e.Run(context.Background(), cfg)
	if err == nil {
		t.Error("expected error for config without symbols")
	}
	// The failure also comes back in result form so hosts that only look
	// at results see it too.
	if result == nil || result.Success || result.Error == "" {
		t.Errorf("result = %+v, want Success=false with the error message", result)
	}

	cfg = baseConfig(2000, 1000)
	if _, err := e.Run(context.Background(), cfg); err == nil {
		t.Error("expected error for inverted time range")
	}

	cfg = baseConfig(1000, 2000)
	cfg.InitialBalance = decimal.Zero
	if _, err := e.Run(context.Background(), cfg); err == nil {
		t.Error("expected error for zero initial balance")
	}
}

func TestEngine_NoTriggersIsAnError(t *testing.T) {
	store := marketdata.NewMemoryStore()
	e := newTestEngine(t, store, signals.NewStaticBacktester(), strategy.HoldRunner{})

	_, err := e.Run(context.Background(), baseConfig(1000, 2000))
	if err == nil {
		t.Fatal("expected error when no trigger events are generated")
	}
	if !strings.Contains(err.Error(), "no trigger events") {
		t.Errorf("error = %v, want a no-trigger-events message", err)
	}
}

func TestEngine_RunStream(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	seedFlatSeries(store, "BTCUSDT", start, "100", "100", "100")

	backtester := signals.NewStaticBacktester()
	backtester.Seed("pool-1", []models.TriggerEvent{
		signalAt("pool-1", "BTCUSDT", start),
		signalAt("pool-1", "BTCUSDT", start+fiveMin),
		signalAt("pool-1", "BTCUSDT", start+2*fiveMin),
	})

	e := newTestEngine(t, store, backtester, strategy.HoldRunner{})
	progress, done, err := e.RunStream(context.Background(), baseConfig(start, start+2*fiveMin))
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}

	var seen []models.TriggerExecutionResult
	for per := range progress {
		seen = append(seen, per)
	}
	result := <-done

	if len(seen) != 3 {
		t.Fatalf("expected 3 streamed results, got %d", len(seen))
	}
	if result == nil || !result.Success {
		t.Fatalf("expected successful final result, got %+v", result)
	}
	if result.TotalTriggers != 3 {
		t.Errorf("total triggers = %d, want 3", result.TotalTriggers)
	}
	for i, per := range seen {
		if per.Trigger.Timestamp != start+int64(i)*fiveMin {
			t.Errorf("stream item %d at %d, want %d", i, per.Trigger.Timestamp, start+int64(i)*fiveMin)
		}
	}
}

func TestEngine_RunStreamCancellation(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	seedFlatSeries(store, "BTCUSDT", start, "100", "100", "100", "100", "100")

	backtester := signals.NewStaticBacktester()
	var events []models.TriggerEvent
	for i := int64(0); i < 5; i++ {
		events = append(events, signalAt("pool-1", "BTCUSDT", start+i*fiveMin))
	}
	backtester.Seed("pool-1", events)

	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(t, store, backtester, strategy.HoldRunner{})
	progress, done, err := e.RunStream(ctx, baseConfig(start, start+4*fiveMin))
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}

	// Consume one progress item, then cancel.
	<-progress
	cancel()
	for range progress {
	}
	result := <-done

	if result == nil {
		t.Fatal("expected a partial result after cancellation")
	}
	if result.Success {
		t.Error("cancelled run must not report success")
	}
	if result.Error == "" {
		t.Error("cancelled run should carry the cancellation cause")
	}
	if result.TotalTriggers >= 5 {
		t.Errorf("expected fewer than 5 triggers processed, got %d", result.TotalTriggers)
	}
	// Partial ledgers stay self-consistent.
	if len(result.EquityCurve) != result.TotalTriggers {
		t.Errorf("equity curve %d points vs %d triggers", len(result.EquityCurve), result.TotalTriggers)
	}
}

func TestEngine_ScheduledTriggersCounted(t *testing.T) {
	start := int64(1_000_000)
	store := marketdata.NewMemoryStore()
	seedFlatSeries(store, "BTCUSDT", start, "100", "100", "100", "100")

	backtester := signals.NewStaticBacktester()
	backtester.Seed("pool-1", []models.TriggerEvent{signalAt("pool-1", "BTCUSDT", start+fiveMin)})

	cfg := baseConfig(start, start+3*fiveMin)
	cfg.ScheduledInterval = models.Interval5m

	e := newTestEngine(t, store, backtester, strategy.HoldRunner{})
	result, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Signal at +5m resets the clock: scheduled at +10m and +15m.
	if result.SignalTriggers != 1 {
		t.Errorf("signal triggers = %d, want 1", result.SignalTriggers)
	}
	if result.ScheduledTriggers != 2 {
		t.Errorf("scheduled triggers = %d, want 2", result.ScheduledTriggers)
	}
	if result.TotalTriggers != 3 {
		t.Errorf("total triggers = %d, want 3", result.TotalTriggers)
	}
}
