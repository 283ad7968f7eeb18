package indicators

import (
	"math"

	"perp-backtest/internal/models"
)

// closes extracts close prices as float64 for indicator math. Indicator
// values are strategy-visible display data, not ledger amounts, so float
// arithmetic is acceptable here.
func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of the last period closes.
func SMA(candles []models.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	cs := closes(candles)
	sum := 0.0
	for i := len(cs) - period; i < len(cs); i++ {
		sum += cs[i]
	}
	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average seeded with the SMA of
// the first period closes.
func EMA(candles []models.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	cs := closes(candles)
	return emaSeries(cs, period)
}

func emaSeries(values []float64, period int) float64 {
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Relative Strength Index. Returns the neutral value
// 50 when there is not enough history.
func RSI(candles []models.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0
	}
	cs := closes(candles)
	gains := 0.0
	losses := 0.0
	for i := len(cs) - period; i < len(cs); i++ {
		change := cs[i] - cs[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds MACD, signal line and histogram values.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD calculates MACD over the standard fast/slow/signal periods. The
// signal line is the EMA of the MACD series.
func MACD(candles []models.Candle, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(candles) < slowPeriod+signalPeriod {
		return MACDResult{}
	}
	cs := closes(candles)

	// Build the MACD series so the signal line is a real EMA of it.
	macdSeries := make([]float64, 0, len(cs)-slowPeriod+1)
	for i := slowPeriod; i <= len(cs); i++ {
		window := cs[:i]
		fast := emaSeries(window, fastPeriod)
		slow := emaSeries(window, slowPeriod)
		macdSeries = append(macdSeries, fast-slow)
	}
	macdLine := macdSeries[len(macdSeries)-1]
	signal := macdLine
	if len(macdSeries) >= signalPeriod {
		signal = emaSeries(macdSeries, signalPeriod)
	}
	return MACDResult{
		MACD:      macdLine,
		Signal:    signal,
		Histogram: macdLine - signal,
	}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds the three Bollinger band values.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands around the period SMA.
func Bollinger(candles []models.Candle, period int, stdDevMultiplier float64) BollingerResult {
	if len(candles) < period {
		return BollingerResult{}
	}
	middle := SMA(candles, period)
	cs := closes(candles)
	variance := 0.0
	for i := len(cs) - period; i < len(cs); i++ {
		diff := cs[i] - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return BollingerResult{
		Upper:  middle + stdDev*stdDevMultiplier,
		Middle: middle,
		Lower:  middle - stdDev*stdDevMultiplier,
	}
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates the Average True Range over the last period candles.
func ATR(candles []models.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	trSum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		high := candles[i].High.InexactFloat64()
		low := candles[i].Low.InexactFloat64()
		prevClose := candles[i-1].Close.InexactFloat64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period)
}

// ============================================================================
// VWAP (Volume Weighted Average Price)
// ============================================================================

// VWAP calculates the volume-weighted average of typical prices over the
// whole window. Falls back to the last close when total volume is zero.
func VWAP(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	pvSum := 0.0
	volSum := 0.0
	for _, c := range candles {
		vol := c.Volume.InexactFloat64()
		pvSum += c.TypicalPrice().InexactFloat64() * vol
		volSum += vol
	}
	if volSum == 0 {
		return candles[len(candles)-1].Close.InexactFloat64()
	}
	return pvSum / volSum
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticResult holds %K and %D.
type StochasticResult struct {
	K float64
	D float64
}

// Stochastic calculates the Stochastic Oscillator. %D is the SMA of the
// last dPeriod %K values.
func Stochastic(candles []models.Candle, kPeriod, dPeriod int) StochasticResult {
	if len(candles) < kPeriod {
		return StochasticResult{K: 50, D: 50}
	}
	kValues := make([]float64, 0, dPeriod)
	for offset := dPeriod - 1; offset >= 0; offset-- {
		end := len(candles) - offset
		if end < kPeriod {
			continue
		}
		kValues = append(kValues, stochasticK(candles[:end], kPeriod))
	}
	k := kValues[len(kValues)-1]
	d := 0.0
	for _, v := range kValues {
		d += v
	}
	d /= float64(len(kValues))
	return StochasticResult{K: k, D: d}
}

func stochasticK(candles []models.Candle, kPeriod int) float64 {
	start := len(candles) - kPeriod
	highest := candles[start].High.InexactFloat64()
	lowest := candles[start].Low.InexactFloat64()
	for i := start; i < len(candles); i++ {
		if h := candles[i].High.InexactFloat64(); h > highest {
			highest = h
		}
		if l := candles[i].Low.InexactFloat64(); l < lowest {
			lowest = l
		}
	}
	if highest == lowest {
		return 0
	}
	current := candles[len(candles)-1].Close.InexactFloat64()
	return (current - lowest) / (highest - lowest) * 100
}

// ============================================================================
// OBV (On-Balance Volume)
// ============================================================================

// OBV calculates On-Balance Volume across the whole window.
func OBV(candles []models.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		vol := candles[i].Volume.InexactFloat64()
		switch candles[i].Close.Cmp(candles[i-1].Close) {
		case 1:
			obv += vol
		case -1:
			obv -= vol
		}
	}
	return obv
}
