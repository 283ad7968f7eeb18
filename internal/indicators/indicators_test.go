package indicators

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/models"
)

func candlesFromCloses(closes ...float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		v := decimal.NewFromFloat(c)
		out[i] = models.Candle{
			Timestamp: int64(i) * 60_000,
			Open:      v,
			High:      v,
			Low:       v,
			Close:     v,
			Volume:    decimal.NewFromInt(10),
		}
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5)
	if got := SMA(candles, 5); !almostEqual(got, 3) {
		t.Errorf("SMA(5) = %f, want 3", got)
	}
	if got := SMA(candles, 2); !almostEqual(got, 4.5) {
		t.Errorf("SMA(2) = %f, want 4.5 over the last two closes", got)
	}
	if got := SMA(candles, 10); got != 0 {
		t.Errorf("SMA with insufficient history = %f, want 0", got)
	}
}

func TestEMA_ConstantSeries(t *testing.T) {
	candles := candlesFromCloses(7, 7, 7, 7, 7, 7, 7, 7)
	if got := EMA(candles, 4); !almostEqual(got, 7) {
		t.Errorf("EMA of constant series = %f, want 7", got)
	}
}

func TestRSI(t *testing.T) {
	// Monotonically rising closes: all gains, RSI saturates at 100.
	up := candlesFromCloses(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15)
	if got := RSI(up, 14); !almostEqual(got, 100) {
		t.Errorf("RSI of pure uptrend = %f, want 100", got)
	}

	down := candlesFromCloses(15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1)
	if got := RSI(down, 14); got >= 1 {
		t.Errorf("RSI of pure downtrend = %f, want near 0", got)
	}

	short := candlesFromCloses(1, 2)
	if got := RSI(short, 14); got != 50 {
		t.Errorf("RSI with insufficient history = %f, want neutral 50", got)
	}
}

func TestBollinger_ConstantSeries(t *testing.T) {
	candles := candlesFromCloses(10, 10, 10, 10, 10, 10, 10, 10, 10, 10,
		10, 10, 10, 10, 10, 10, 10, 10, 10, 10)
	boll := Bollinger(candles, 20, 2.0)
	if !almostEqual(boll.Upper, 10) || !almostEqual(boll.Middle, 10) || !almostEqual(boll.Lower, 10) {
		t.Errorf("Bollinger of constant series = %+v, want all bands at 10", boll)
	}
}

func TestMACD_ConstantSeries(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 50
	}
	macd := MACD(candlesFromCloses(closes...), 12, 26, 9)
	if !almostEqual(macd.MACD, 0) || !almostEqual(macd.Signal, 0) || !almostEqual(macd.Histogram, 0) {
		t.Errorf("MACD of constant series = %+v, want zeros", macd)
	}
}

func TestATR(t *testing.T) {
	candles := make([]models.Candle, 16)
	for i := range candles {
		candles[i] = models.Candle{
			Timestamp: int64(i) * 60_000,
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(102),
			Low:       decimal.NewFromInt(98),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(1),
		}
	}
	// Flat closes with a constant 4-point range: ATR is exactly 4.
	if got := ATR(candles, 14); !almostEqual(got, 4) {
		t.Errorf("ATR = %f, want 4", got)
	}
}

func TestVWAP(t *testing.T) {
	candles := candlesFromCloses(10, 20)
	if got := VWAP(candles); !almostEqual(got, 15) {
		t.Errorf("VWAP of equal-volume 10/20 = %f, want 15", got)
	}

	zeroVol := candlesFromCloses(10, 20)
	for i := range zeroVol {
		zeroVol[i].Volume = decimal.Zero
	}
	if got := VWAP(zeroVol); !almostEqual(got, 20) {
		t.Errorf("VWAP with zero volume = %f, want last close 20", got)
	}
}

func TestOBV(t *testing.T) {
	// Up, up, down with volume 10 each: +10 +10 -10 = 10.
	candles := candlesFromCloses(1, 2, 3, 2)
	if got := OBV(candles); !almostEqual(got, 10) {
		t.Errorf("OBV = %f, want 10", got)
	}
}

func TestCompute(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	value := Compute(models.IndicatorMA5, candles)
	if value == nil {
		t.Fatal("Compute(MA5) returned nil")
	}
	if value.Name != models.IndicatorMA5 {
		t.Errorf("name = %s, want MA5", value.Name)
	}
	if value.Timestamp != candles[len(candles)-1].Timestamp {
		t.Errorf("timestamp = %d, want last candle close time", value.Timestamp)
	}
	if !almostEqual(value.Value, 8) {
		t.Errorf("MA5 = %f, want 8", value.Value)
	}

	macd := Compute(models.IndicatorMACD, candles)
	if macd == nil || macd.Lines == nil {
		t.Fatal("Compute(MACD) should populate Lines")
	}

	if got := Compute("NOT_AN_INDICATOR", candles); got != nil {
		t.Errorf("unknown indicator = %+v, want nil", got)
	}
	if got := Compute(models.IndicatorMA5, nil); got != nil {
		t.Errorf("empty window = %+v, want nil", got)
	}
}
