package simulator

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/account"
	"perp-backtest/internal/logging"
	"perp-backtest/internal/marketdata"
	"perp-backtest/internal/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

const fiveMin = int64(5 * 60 * 1000)

func candle(ts int64, open, high, low, close string) models.Candle {
	return models.Candle{
		Timestamp: ts,
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d("100"),
	}
}

type fixture struct {
	acct     *account.VirtualAccount
	provider *marketdata.Provider
	store    *marketdata.MemoryStore
	sim      *Simulator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := marketdata.NewMemoryStore()
	provider := marketdata.NewProvider(store, nil, logging.Nop())
	acct := account.New(d("10000"), logging.Nop())
	return &fixture{
		acct:     acct,
		provider: provider,
		store:    store,
		sim:      New(cfg, acct, provider, logging.Nop()),
	}
}

func buyDecision(symbol string, portion float64, leverage int) *models.Decision {
	return &models.Decision{
		Operation:       models.OperationBuy,
		Symbol:          symbol,
		PositionPortion: portion,
		Leverage:        leverage,
		MaxPrice:        d("1000000"),
	}
}

func TestSimulator_ApplySlippage(t *testing.T) {
	f := newFixture(t, Config{SlippagePercent: d("0.5")})

	if got := f.sim.ApplySlippage(d("100"), models.OrderSideBuy); !got.Equal(d("100.5")) {
		t.Errorf("buy slippage = %s, want 100.5", got)
	}
	if got := f.sim.ApplySlippage(d("100"), models.OrderSideSell); !got.Equal(d("99.5")) {
		t.Errorf("sell slippage = %s, want 99.5", got)
	}
}

func TestSimulator_Fee(t *testing.T) {
	f := newFixture(t, Config{FeeRate: d("0.05")})
	if got := f.sim.Fee(d("20000")); !got.Equal(d("10")) {
		t.Errorf("fee = %s, want 10", got)
	}
}

func TestSimulator_DispatchOpensPosition(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	prices := map[string]decimal.Decimal{"BTCUSDT": d("50000")}

	dec := buyDecision("BTCUSDT", 0.5, 10)
	dec.TakeProfitPrice = d("55000")
	dec.StopLossPrice = d("48000")

	trades := f.sim.Dispatch(ctx, dec, models.TriggerEvent{Type: models.TriggerSignal}, prices, 1000)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}

	// 10000 * 0.5 * 10 / 50000 = 1.0
	if !trades[0].Size.Equal(d("1")) {
		t.Errorf("size = %s, want 1", trades[0].Size)
	}
	if trades[0].Operation != models.TradeOpBuy {
		t.Errorf("operation = %s, want buy", trades[0].Operation)
	}

	pos := f.acct.Position("BTCUSDT")
	if pos == nil || pos.Side != models.SideLong {
		t.Fatal("expected long position")
	}
	if got := len(f.acct.PendingOrders("BTCUSDT")); got != 2 {
		t.Errorf("expected TP and SL orders, got %d", got)
	}
}

func TestSimulator_DispatchRejectsInvalidDecisions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	prices := map[string]decimal.Decimal{"BTCUSDT": d("50000")}
	ev := models.TriggerEvent{Type: models.TriggerSignal}

	cases := []struct {
		name string
		dec  *models.Decision
	}{
		{"portion too small", &models.Decision{Operation: models.OperationBuy, Symbol: "BTCUSDT", PositionPortion: 0.05, Leverage: 5, MaxPrice: d("60000")}},
		{"portion too large", &models.Decision{Operation: models.OperationBuy, Symbol: "BTCUSDT", PositionPortion: 1.5, Leverage: 5, MaxPrice: d("60000")}},
		{"leverage too high", &models.Decision{Operation: models.OperationBuy, Symbol: "BTCUSDT", PositionPortion: 0.5, Leverage: 51, MaxPrice: d("60000")}},
		{"buy without max price", &models.Decision{Operation: models.OperationBuy, Symbol: "BTCUSDT", PositionPortion: 0.5, Leverage: 5}},
		{"sell without min price", &models.Decision{Operation: models.OperationSell, Symbol: "BTCUSDT", PositionPortion: 0.5, Leverage: 5}},
		{"unknown symbol", &models.Decision{Operation: models.OperationBuy, Symbol: "DOGEUSDT", PositionPortion: 0.5, Leverage: 5, MaxPrice: d("1")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if trades := f.sim.Dispatch(ctx, tc.dec, ev, prices, 1000); len(trades) != 0 {
				t.Errorf("expected rejection, got %d trades", len(trades))
			}
			if f.acct.Position(tc.dec.Symbol) != nil {
				t.Error("rejected decision must not open a position")
			}
		})
	}
}

func TestSimulator_DispatchAddsToSameSide(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	prices := map[string]decimal.Decimal{"BTCUSDT": d("50000")}
	ev := models.TriggerEvent{Type: models.TriggerSignal}

	f.sim.Dispatch(ctx, buyDecision("BTCUSDT", 0.2, 10), ev, prices, 1000)
	trades := f.sim.Dispatch(ctx, buyDecision("BTCUSDT", 0.2, 10), ev, prices, 2000)

	if len(trades) != 1 || trades[0].Operation != models.TradeOpAdd {
		t.Fatalf("expected one add_position trade, got %+v", trades)
	}
	pos := f.acct.Position("BTCUSDT")
	if pos == nil {
		t.Fatal("expected position")
	}
	if pos.Size.LessThanOrEqual(d("0.4")) {
		t.Errorf("size after add = %s, expected > 0.4", pos.Size)
	}
}

func TestSimulator_DispatchReverses(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	prices := map[string]decimal.Decimal{"BTCUSDT": d("50000")}
	ev := models.TriggerEvent{Type: models.TriggerSignal}

	f.sim.Dispatch(ctx, buyDecision("BTCUSDT", 0.5, 10), ev, prices, 1000)

	sell := &models.Decision{
		Operation:       models.OperationSell,
		Symbol:          "BTCUSDT",
		PositionPortion: 0.5,
		Leverage:        5,
		MinPrice:        d("1"),
	}
	trades := f.sim.Dispatch(ctx, sell, ev, prices, 2000)

	if len(trades) != 2 {
		t.Fatalf("reverse should yield close+open, got %d trades", len(trades))
	}
	if trades[0].Operation != models.TradeOpClose || trades[0].ExitReason != models.ExitReasonReverse {
		t.Errorf("first trade = %+v, want close with reverse exit reason", trades[0])
	}
	if trades[1].Operation != models.TradeOpSell {
		t.Errorf("second trade = %+v, want sell open", trades[1])
	}

	pos := f.acct.Position("BTCUSDT")
	if pos == nil || pos.Side != models.SideShort {
		t.Fatal("expected short position after reverse")
	}
}

func TestSimulator_DispatchClose(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := models.TriggerEvent{Type: models.TriggerSignal}

	open := map[string]decimal.Decimal{"BTCUSDT": d("50000")}
	f.sim.Dispatch(ctx, buyDecision("BTCUSDT", 0.5, 10), ev, open, 1000)

	// Close with no position elsewhere is a no-op.
	noop := &models.Decision{Operation: models.OperationClose, Symbol: "ETHUSDT"}
	if trades := f.sim.Dispatch(ctx, noop, ev, map[string]decimal.Decimal{"ETHUSDT": d("3000")}, 2000); len(trades) != 0 {
		t.Errorf("close without position should be a no-op, got %d trades", len(trades))
	}

	// Closing a long without a min price is rejected.
	invalid := &models.Decision{Operation: models.OperationClose, Symbol: "BTCUSDT", PositionPortion: 1.0}
	higher := map[string]decimal.Decimal{"BTCUSDT": d("51000")}
	if trades := f.sim.Dispatch(ctx, invalid, ev, higher, 2500); len(trades) != 0 {
		t.Errorf("close of a long without min price should be rejected, got %d trades", len(trades))
	}

	closeDec := &models.Decision{
		Operation:       models.OperationClose,
		Symbol:          "BTCUSDT",
		PositionPortion: 1.0,
		MinPrice:        d("1"),
	}
	trades := f.sim.Dispatch(ctx, closeDec, ev, higher, 3000)
	if len(trades) != 1 {
		t.Fatalf("expected 1 close trade, got %d", len(trades))
	}
	if trades[0].ExitReason != models.ExitReasonDecision {
		t.Errorf("exit reason = %s, want decision", trades[0].ExitReason)
	}
	if !trades[0].RealizedPnL.Equal(d("1000")) {
		t.Errorf("realized = %s, want 1000 (1.0 size, +1000 move)", trades[0].RealizedPnL)
	}
	if f.acct.Position("BTCUSDT") != nil {
		t.Error("position should be gone after close")
	}
}

func TestSimulator_TakeProfitFiresOnHigh(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := models.TriggerEvent{Type: models.TriggerSignal}
	prices := map[string]decimal.Decimal{"BTCUSDT": d("50000")}

	base := int64(1_000_000)
	f.store.SeedCandles("BTCUSDT", models.Interval5m, []models.Candle{
		candle(base, "50000", "50000", "50000", "50000"),
		candle(base+fiveMin, "50000", "50500", "49900", "50200"),
		// High wicks through the 51000 TP.
		candle(base+2*fiveMin, "50200", "51200", "50100", "50800"),
	})
	f.provider.SetCurrentTime(base)

	dec := buyDecision("BTCUSDT", 0.5, 10)
	dec.TakeProfitPrice = d("51000")
	f.sim.Dispatch(ctx, dec, ev, prices, base)

	f.provider.SetCurrentTime(base + 2*fiveMin)
	trades := f.sim.CheckPendingOrders(ctx, base, base+2*fiveMin, models.TriggerScheduled)

	if len(trades) != 1 {
		t.Fatalf("expected 1 TP fill, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != models.ExitReasonTP {
		t.Errorf("exit reason = %s, want tp", tr.ExitReason)
	}
	// Fill at trigger price (zero slippage), on the candle that crossed.
	if !tr.ExitPrice.Equal(d("51000")) {
		t.Errorf("fill price = %s, want 51000", tr.ExitPrice)
	}
	if tr.CloseTime != base+2*fiveMin {
		t.Errorf("close time = %d, want %d", tr.CloseTime, base+2*fiveMin)
	}
	if f.acct.Position("BTCUSDT") != nil {
		t.Error("full-size TP should close the position")
	}
	if got := len(f.acct.AllPendingOrders()); got != 0 {
		t.Errorf("expected no pending orders after close, got %d", got)
	}
}

func TestSimulator_StopLossFiresOnLowForLong(t *testing.T) {
	f := newFixture(t, Config{SlippagePercent: d("1")})
	ctx := context.Background()
	ev := models.TriggerEvent{Type: models.TriggerSignal}
	prices := map[string]decimal.Decimal{"BTCUSDT": d("100")}

	base := int64(1_000_000)
	f.store.SeedCandles("BTCUSDT", models.Interval5m, []models.Candle{
		candle(base, "100", "100", "100", "100"),
		candle(base+fiveMin, "100", "101", "94", "96"),
	})
	f.provider.SetCurrentTime(base)

	dec := buyDecision("BTCUSDT", 0.5, 10)
	dec.StopLossPrice = d("95")
	f.sim.Dispatch(ctx, dec, ev, prices, base)

	f.provider.SetCurrentTime(base + fiveMin)
	trades := f.sim.CheckPendingOrders(ctx, base, base+fiveMin, models.TriggerScheduled)

	if len(trades) != 1 {
		t.Fatalf("expected 1 SL fill, got %d", len(trades))
	}
	if trades[0].ExitReason != models.ExitReasonSL {
		t.Errorf("exit reason = %s, want sl", trades[0].ExitReason)
	}
	// Long SL exits with a sell: 95 * (1 - 1%) = 94.05.
	if !trades[0].ExitPrice.Equal(d("94.05")) {
		t.Errorf("fill price = %s, want 94.05", trades[0].ExitPrice)
	}
}

func TestSimulator_ShortTakeProfitFiresOnLow(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := models.TriggerEvent{Type: models.TriggerSignal}
	prices := map[string]decimal.Decimal{"BTCUSDT": d("100")}

	base := int64(1_000_000)
	f.store.SeedCandles("BTCUSDT", models.Interval5m, []models.Candle{
		candle(base, "100", "100", "100", "100"),
		candle(base+fiveMin, "100", "101", "89", "92"),
	})
	f.provider.SetCurrentTime(base)

	dec := &models.Decision{
		Operation:       models.OperationSell,
		Symbol:          "BTCUSDT",
		PositionPortion: 0.5,
		Leverage:        10,
		MinPrice:        d("1"),
		TakeProfitPrice: d("90"),
	}
	f.sim.Dispatch(ctx, dec, ev, prices, base)

	f.provider.SetCurrentTime(base + fiveMin)
	trades := f.sim.CheckPendingOrders(ctx, base, base+fiveMin, models.TriggerScheduled)

	if len(trades) != 1 {
		t.Fatalf("expected 1 TP fill, got %d", len(trades))
	}
	if trades[0].ExitReason != models.ExitReasonTP || trades[0].Side != models.SideShort {
		t.Errorf("trade = %+v, want short tp close", trades[0])
	}
	if !trades[0].RealizedPnL.IsPositive() {
		t.Errorf("short TP realized = %s, want positive", trades[0].RealizedPnL)
	}
}

func TestSimulator_StopFirstTieBreak(t *testing.T) {
	base := int64(1_000_000)
	// One candle wicks through both TP (105) and SL (95).
	seed := []models.Candle{
		candle(base, "100", "100", "100", "100"),
		candle(base+fiveMin, "100", "106", "94", "100"),
	}
	ev := models.TriggerEvent{Type: models.TriggerSignal}
	prices := map[string]decimal.Decimal{"BTCUSDT": d("100")}

	run := func(stopFirst bool) models.ExitReason {
		f := newFixture(t, Config{StopFirstTieBreak: stopFirst})
		f.store.SeedCandles("BTCUSDT", models.Interval5m, seed)
		f.provider.SetCurrentTime(base)

		dec := buyDecision("BTCUSDT", 0.5, 10)
		dec.TakeProfitPrice = d("105")
		dec.StopLossPrice = d("95")
		f.sim.Dispatch(context.Background(), dec, ev, prices, base)

		f.provider.SetCurrentTime(base + fiveMin)
		trades := f.sim.CheckPendingOrders(context.Background(), base, base+fiveMin, models.TriggerScheduled)
		if len(trades) != 1 {
			t.Fatalf("expected exactly 1 fill, got %d", len(trades))
		}
		return trades[0].ExitReason
	}

	if got := run(false); got != models.ExitReasonTP {
		t.Errorf("insertion order should fire the TP first, got %s", got)
	}
	if got := run(true); got != models.ExitReasonSL {
		t.Errorf("stop-first tie break should fire the SL, got %s", got)
	}
}

func TestSimulator_TrancheOrdersFireIndependently(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := models.TriggerEvent{Type: models.TriggerSignal}
	prices := map[string]decimal.Decimal{"BTCUSDT": d("100")}

	base := int64(1_000_000)
	f.store.SeedCandles("BTCUSDT", models.Interval5m, []models.Candle{
		candle(base, "100", "100", "100", "100"),
		candle(base+fiveMin, "100", "111", "99", "110"),
	})
	f.provider.SetCurrentTime(base)

	// Two tranches with different TPs; only the first fires.
	first := buyDecision("BTCUSDT", 0.2, 10)
	first.TakeProfitPrice = d("110")
	f.sim.Dispatch(ctx, first, ev, prices, base)

	second := buyDecision("BTCUSDT", 0.2, 10)
	second.TakeProfitPrice = d("120")
	f.sim.Dispatch(ctx, second, ev, prices, base)

	f.provider.SetCurrentTime(base + fiveMin)
	trades := f.sim.CheckPendingOrders(ctx, base, base+fiveMin, models.TriggerScheduled)

	if len(trades) != 1 {
		t.Fatalf("expected only the first tranche TP to fire, got %d fills", len(trades))
	}
	if f.acct.Position("BTCUSDT") == nil {
		t.Fatal("second tranche should remain open")
	}
	if got := len(f.acct.PendingOrders("BTCUSDT")); got != 1 {
		t.Errorf("expected the second tranche TP to survive, got %d orders", got)
	}
}
