package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"perp-backtest/internal/models"
)

// annualizationFactor converts per-trigger return statistics to an
// annualized Sharpe ratio, treating triggers as daily-ish samples.
var annualizationFactor = math.Sqrt(252)

// computeTradeStats fills the closed-trade aggregates: total PnL, win
// counts, win rate, profit factor and per-symbol breakdowns. TotalPnL
// sums realized PnL over closed trades; fees and open positions show up
// in FinalEquity, not here.
func computeTradeStats(result *models.BacktestResult) {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	perSymbol := make(map[string]*symbolAccumulator)

	for i := range result.Trades {
		trade := &result.Trades[i]
		if !trade.Closed() {
			continue
		}
		result.ClosedTrades++
		result.TotalPnL = result.TotalPnL.Add(trade.RealizedPnL)

		acc := perSymbol[trade.Symbol]
		if acc == nil {
			acc = &symbolAccumulator{}
			perSymbol[trade.Symbol] = acc
		}
		acc.total++
		acc.pnl = acc.pnl.Add(trade.RealizedPnL)
		long := trade.Side == models.SideLong
		if long {
			acc.longs++
		} else {
			acc.shorts++
		}

		if trade.RealizedPnL.IsPositive() {
			result.WinningTrades++
			grossProfit = grossProfit.Add(trade.RealizedPnL)
			acc.wins++
			if long {
				acc.longWins++
			} else {
				acc.shortWins++
			}
		} else {
			result.LosingTrades++
			grossLoss = grossLoss.Add(trade.RealizedPnL.Neg())
		}
	}

	if result.ClosedTrades > 0 {
		result.WinRate = float64(result.WinningTrades) / float64(result.ClosedTrades)
	}
	result.ProfitFactor = profitFactor(grossProfit, grossLoss)

	if len(perSymbol) > 0 {
		result.SymbolStats = make(map[string]*models.SymbolStats, len(perSymbol))
		for symbol, acc := range perSymbol {
			result.SymbolStats[symbol] = acc.stats(symbol)
		}
	}
}

// profitFactor is gross profit over gross loss. A run with profits and
// zero losses yields +Inf; a run with no closed trades yields 0.
func profitFactor(grossProfit, grossLoss decimal.Decimal) float64 {
	if grossLoss.IsZero() {
		if grossProfit.IsPositive() {
			return math.Inf(1)
		}
		return 0
	}
	ratio, _ := grossProfit.Div(grossLoss).Float64()
	return ratio
}

// sharpeRatio annualizes the mean/stdev of per-point equity returns.
// Fewer than two points, or zero variance, yields 0.
func sharpeRatio(curve []models.EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if !prev.IsPositive() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance <= 0 {
		return 0
	}

	return mean / math.Sqrt(variance) * annualizationFactor
}

type symbolAccumulator struct {
	total     int
	wins      int
	longs     int
	longWins  int
	shorts    int
	shortWins int
	pnl       decimal.Decimal
}

func (a *symbolAccumulator) stats(symbol string) *models.SymbolStats {
	stats := &models.SymbolStats{
		Symbol:      symbol,
		TotalTrades: a.total,
		TotalPnL:    a.pnl,
		LongTrades:  a.longs,
		ShortTrades: a.shorts,
	}
	if a.total > 0 {
		stats.WinRate = float64(a.wins) / float64(a.total)
	}
	if a.longs > 0 {
		stats.LongWinRate = float64(a.longWins) / float64(a.longs)
	}
	if a.shorts > 0 {
		stats.ShortWinRate = float64(a.shortWins) / float64(a.shorts)
	}
	return stats
}
