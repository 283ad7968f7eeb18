package indicators

import "perp-backtest/internal/models"

// Compute derives the named indicator from a candle window ending at the
// observation time. Unknown names return nil. The window should carry
// enough history for the slowest component (EMA100 wants ~200 bars).
func Compute(name string, window []models.Candle) *models.IndicatorValue {
	if len(window) == 0 {
		return nil
	}
	value := &models.IndicatorValue{
		Name:      name,
		Timestamp: window[len(window)-1].Timestamp,
	}

	switch name {
	case models.IndicatorRSI14:
		value.Value = RSI(window, 14)
	case models.IndicatorRSI7:
		value.Value = RSI(window, 7)
	case models.IndicatorMA5:
		value.Value = SMA(window, 5)
	case models.IndicatorMA10:
		value.Value = SMA(window, 10)
	case models.IndicatorMA20:
		value.Value = SMA(window, 20)
	case models.IndicatorEMA20:
		value.Value = EMA(window, 20)
	case models.IndicatorEMA50:
		value.Value = EMA(window, 50)
	case models.IndicatorEMA100:
		value.Value = EMA(window, 100)
	case models.IndicatorMACD:
		macd := MACD(window, 12, 26, 9)
		value.Value = macd.MACD
		value.Lines = map[string]float64{
			"macd":      macd.MACD,
			"signal":    macd.Signal,
			"histogram": macd.Histogram,
		}
	case models.IndicatorBOLL:
		boll := Bollinger(window, 20, 2.0)
		value.Value = boll.Middle
		value.Lines = map[string]float64{
			"upper":  boll.Upper,
			"middle": boll.Middle,
			"lower":  boll.Lower,
		}
	case models.IndicatorATR14:
		value.Value = ATR(window, 14)
	case models.IndicatorVWAP:
		value.Value = VWAP(window)
	case models.IndicatorSTOCH:
		stoch := Stochastic(window, 14, 3)
		value.Value = stoch.K
		value.Lines = map[string]float64{"k": stoch.K, "d": stoch.D}
	case models.IndicatorOBV:
		value.Value = OBV(window)
	default:
		return nil
	}
	return value
}
