// Package simulator translates strategy decisions into virtual account
// mutations and trade records, and detects TP/SL triggers against
// intra-interval OHLC ranges.
package simulator

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-backtest/internal/account"
	"perp-backtest/internal/marketdata"
	"perp-backtest/internal/models"
)

var (
	oneHundred = decimal.NewFromInt(100)
)

// Config holds the execution model parameters of one run.
type Config struct {
	SlippagePercent   decimal.Decimal
	FeeRate           decimal.Decimal
	ExecPriceMode     models.ExecPriceMode
	DetectionInterval models.Interval
	// StopFirstTieBreak fires stop-losses before take-profits when both
	// could fire on the same candle. Default is insertion order.
	StopFirstTieBreak bool
}

// Simulator owns the decision dispatcher and the TP/SL detector for one
// run. Like the account it mutates, it is single-run, single-threaded.
type Simulator struct {
	cfg      Config
	account  *account.VirtualAccount
	provider *marketdata.Provider
	logger   zerolog.Logger
}

// New creates a simulator over the run's account and data provider.
func New(cfg Config, acct *account.VirtualAccount, provider *marketdata.Provider, logger zerolog.Logger) *Simulator {
	if cfg.DetectionInterval == "" {
		cfg.DetectionInterval = models.Interval5m
	}
	if cfg.ExecPriceMode == "" {
		cfg.ExecPriceMode = models.ExecPriceClose
	}
	return &Simulator{
		cfg:      cfg,
		account:  acct,
		provider: provider,
		logger:   logger.With().Str("component", "simulator").Logger(),
	}
}

// ApplySlippage moves the price against the taker: buys fill higher,
// sells fill lower.
func (s *Simulator) ApplySlippage(price decimal.Decimal, side models.OrderSide) decimal.Decimal {
	factor := s.cfg.SlippagePercent.Div(oneHundred)
	if side == models.OrderSideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor))
}

// Fee computes the fee on a notional value.
func (s *Simulator) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(s.cfg.FeeRate).Div(oneHundred)
}

// Dispatch validates a decision and applies it to the account. Invalid
// decisions are rejected silently (logged, no mutation). The returned
// trades are in execution order; a reverse produces a close followed by
// an open.
func (s *Simulator) Dispatch(ctx context.Context, dec *models.Decision, trigger models.TriggerEvent, prices map[string]decimal.Decimal, t int64) []models.Trade {
	if dec == nil || dec.Operation == models.OperationHold {
		return nil
	}

	price, ok := prices[dec.Symbol]
	if !ok {
		s.logger.Debug().Str("symbol", dec.Symbol).Msg("decision rejected: no current price")
		return nil
	}

	switch dec.Operation {
	case models.OperationBuy, models.OperationSell:
		return s.dispatchEntry(ctx, dec, trigger, prices, price, t)
	case models.OperationClose:
		pos := s.account.Position(dec.Symbol)
		if pos == nil {
			return nil
		}
		if !s.validClose(dec, pos.Side) {
			return nil
		}
		trade := s.closePosition(pos, price, t, models.ExitReasonDecision, trigger.Type, dec.Reason)
		if trade == nil {
			return nil
		}
		s.stampEquity(prices, trade)
		return []models.Trade{*trade}
	default:
		s.logger.Debug().Str("operation", string(dec.Operation)).Msg("decision rejected: unknown operation")
		return nil
	}
}

func (s *Simulator) dispatchEntry(ctx context.Context, dec *models.Decision, trigger models.TriggerEvent, prices map[string]decimal.Decimal, latestClose decimal.Decimal, t int64) []models.Trade {
	if !s.validEntry(dec) {
		return nil
	}

	side := models.SideLong
	orderSide := models.OrderSideBuy
	if dec.Operation == models.OperationSell {
		side = models.SideShort
		orderSide = models.OrderSideSell
	}

	base := s.execBase(ctx, dec.Symbol, latestClose)
	execPrice := s.ApplySlippage(base, orderSide)

	pos := s.account.Position(dec.Symbol)
	var trades []models.Trade

	if pos != nil && pos.Side != side {
		// Reverse: close the opposite position first, then open fresh.
		closeTrade := s.closePosition(pos, latestClose, t, models.ExitReasonReverse, trigger.Type, dec.Reason)
		if closeTrade == nil {
			return nil
		}
		trades = append(trades, *closeTrade)
		pos = nil
	}

	size := s.positionSize(dec, execPrice)
	if !size.IsPositive() {
		s.logger.Debug().Str("symbol", dec.Symbol).Msg("decision rejected: size resolves to zero")
		if len(trades) > 0 {
			s.stampEquity(prices, &trades[len(trades)-1])
		}
		return trades
	}

	fee := s.Fee(size.Mul(execPrice))
	operation := models.TradeOperation(dec.Operation)

	if pos == nil {
		if err := s.account.OpenPosition(dec.Symbol, side, size, execPrice, dec.Leverage, t, fee); err != nil {
			s.logger.Debug().Err(err).Str("symbol", dec.Symbol).Msg("open rejected")
			if len(trades) > 0 {
				s.stampEquity(prices, &trades[len(trades)-1])
			}
			return trades
		}
	} else {
		if err := s.account.AddToPosition(dec.Symbol, size, execPrice, fee); err != nil {
			s.logger.Debug().Err(err).Str("symbol", dec.Symbol).Msg("add rejected")
			return trades
		}
		operation = models.TradeOpAdd
	}

	// Each entry tranche carries its own reduce-only TP/SL orders tagged
	// with this fill price; partial triggers never touch other tranches.
	closingSide := models.OrderSideSell
	if side == models.SideShort {
		closingSide = models.OrderSideBuy
	}
	if dec.TakeProfitPrice.IsPositive() {
		s.account.AddPendingOrder(dec.Symbol, closingSide, account.OrderTypeTakeProfit, dec.TakeProfitPrice, size, execPrice, t)
	}
	if dec.StopLossPrice.IsPositive() {
		s.account.AddPendingOrder(dec.Symbol, closingSide, account.OrderTypeStopLoss, dec.StopLossPrice, size, execPrice, t)
	}

	trades = append(trades, models.Trade{
		OpenTime:    t,
		TriggerType: trigger.Type,
		Symbol:      dec.Symbol,
		Operation:   operation,
		Side:        side,
		EntryPrice:  execPrice,
		Size:        size,
		Leverage:    dec.Leverage,
		Fee:         fee,
		Reason:      dec.Reason,
	})
	s.stampEquity(prices, nil)
	return trades
}

// validEntry enforces the decision contract: portion and leverage in
// range, the required limit price present.
func (s *Simulator) validEntry(dec *models.Decision) bool {
	if dec.PositionPortion < models.MinPositionPortion || dec.PositionPortion > models.MaxPositionPortion {
		s.logger.Debug().Float64("portion", dec.PositionPortion).Msg("decision rejected: portion out of range")
		return false
	}
	if dec.Leverage < models.MinLeverage || dec.Leverage > models.MaxLeverage {
		s.logger.Debug().Int("leverage", dec.Leverage).Msg("decision rejected: leverage out of range")
		return false
	}
	if dec.Operation == models.OperationBuy && !dec.MaxPrice.IsPositive() {
		s.logger.Debug().Msg("decision rejected: buy without max price")
		return false
	}
	if dec.Operation == models.OperationSell && !dec.MinPrice.IsPositive() {
		s.logger.Debug().Msg("decision rejected: sell without min price")
		return false
	}
	return true
}

// validClose enforces the close contract: portion in range and the
// limit price for the closing side present (closing a long sells, so it
// needs a min price; closing a short buys and needs a max price).
func (s *Simulator) validClose(dec *models.Decision, side models.Side) bool {
	if dec.PositionPortion < models.MinPositionPortion || dec.PositionPortion > models.MaxPositionPortion {
		s.logger.Debug().Float64("portion", dec.PositionPortion).Msg("decision rejected: portion out of range")
		return false
	}
	if side == models.SideLong && !dec.MinPrice.IsPositive() {
		s.logger.Debug().Msg("decision rejected: closing a long without min price")
		return false
	}
	if side == models.SideShort && !dec.MaxPrice.IsPositive() {
		s.logger.Debug().Msg("decision rejected: closing a short without max price")
		return false
	}
	return true
}

// positionSize resolves portion of available balance times leverage at
// the execution price.
func (s *Simulator) positionSize(dec *models.Decision, execPrice decimal.Decimal) decimal.Decimal {
	if !execPrice.IsPositive() {
		return decimal.Zero
	}
	portion := decimal.NewFromFloat(dec.PositionPortion)
	leverage := decimal.NewFromInt(int64(dec.Leverage))
	return s.account.Balance().Mul(portion).Mul(leverage).Div(execPrice)
}

// execBase resolves the price the execution model starts from.
func (s *Simulator) execBase(ctx context.Context, symbol string, latestClose decimal.Decimal) decimal.Decimal {
	switch s.cfg.ExecPriceMode {
	case models.ExecPriceOpen:
		if c := s.provider.LatestCandle(ctx, symbol, s.cfg.DetectionInterval); c != nil {
			return c.Open
		}
	case models.ExecPriceVWAP:
		if c := s.provider.LatestCandle(ctx, symbol, s.cfg.DetectionInterval); c != nil {
			return c.TypicalPrice()
		}
	}
	return latestClose
}

// closePosition fully closes pos at the given base price and builds the
// closed trade record.
func (s *Simulator) closePosition(pos *account.Position, base decimal.Decimal, t int64, reason models.ExitReason, triggerType models.TriggerType, note string) *models.Trade {
	closingSide := models.OrderSideSell
	operation := models.TradeOpClose
	if pos.Side == models.SideShort {
		closingSide = models.OrderSideBuy
	}

	execPrice := s.ApplySlippage(base, closingSide)
	size := pos.Size
	entry := pos.EntryPrice
	leverage := pos.Leverage
	openTime := pos.EntryTimestamp
	fee := s.Fee(size.Mul(execPrice))

	realized, err := s.account.ClosePosition(pos.Symbol, execPrice, fee)
	if err != nil {
		s.logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("close rejected")
		return nil
	}

	return &models.Trade{
		OpenTime:    openTime,
		CloseTime:   t,
		TriggerType: triggerType,
		Symbol:      pos.Symbol,
		Operation:   operation,
		Side:        pos.Side,
		EntryPrice:  entry,
		ExitPrice:   execPrice,
		ExitReason:  reason,
		Size:        size,
		Leverage:    leverage,
		RealizedPnL: realized,
		PnLPercent:  pnlPercent(realized, entry, size, leverage),
		Fee:         fee,
		Reason:      note,
	}
}

// CheckPendingOrders runs TP/SL detection for every open position over
// the candles whose close time lies in (tPrev, tCur]. Fill price is the
// order's trigger price with slippage applied. After each fill, equity
// is marked at the firing candle's close so the equity-after field on
// the trade reflects state at fill time.
func (s *Simulator) CheckPendingOrders(ctx context.Context, tPrev, tCur int64, triggerType models.TriggerType) []models.Trade {
	s.removeOrphanedOrders()

	symbols := make([]string, 0, len(s.account.Positions()))
	for symbol := range s.account.Positions() {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var trades []models.Trade
	for _, symbol := range symbols {
		candles := s.provider.OHLCBetween(ctx, symbol, tPrev, tCur, s.cfg.DetectionInterval)
		for _, candle := range candles {
			pos := s.account.Position(symbol)
			if pos == nil {
				break
			}
			fired := s.fireOrdersOnCandle(ctx, symbol, pos, candle, triggerType)
			trades = append(trades, fired...)
		}
	}
	return trades
}

// fireOrdersOnCandle evaluates the symbol's pending orders against one
// candle. Orders are visited in insertion order unless the stop-first
// tie-break is configured, in which case stop-losses are checked before
// take-profits.
func (s *Simulator) fireOrdersOnCandle(ctx context.Context, symbol string, pos *account.Position, candle models.Candle, triggerType models.TriggerType) []models.Trade {
	orders := s.account.PendingOrders(symbol)
	if s.cfg.StopFirstTieBreak {
		stops := make([]*account.PendingOrder, 0, len(orders))
		takes := make([]*account.PendingOrder, 0, len(orders))
		for _, o := range orders {
			if o.OrderType == account.OrderTypeStopLoss {
				stops = append(stops, o)
			} else {
				takes = append(takes, o)
			}
		}
		orders = append(stops, takes...)
	}

	var trades []models.Trade
	for _, order := range orders {
		current := s.account.Position(symbol)
		if current == nil {
			break
		}
		if !orderFires(order.OrderType, current.Side, order.TriggerPrice, candle) {
			continue
		}

		execPrice := s.ApplySlippage(order.TriggerPrice, order.Side)
		fee := s.Fee(order.Size.Mul(execPrice))
		realized, err := s.account.PartialClosePosition(symbol, order.Size, execPrice, fee, order.EntryPrice)
		if err != nil {
			s.logger.Debug().Err(err).Int64("order_id", order.ID).Msg("pending order fill failed")
			s.account.RemovePendingOrder(order.ID)
			continue
		}
		s.account.RemovePendingOrder(order.ID)

		reason := models.ExitReasonTP
		if order.OrderType == account.OrderTypeStopLoss {
			reason = models.ExitReasonSL
		}
		trade := models.Trade{
			OpenTime:    order.CreatedAt,
			CloseTime:   candle.Timestamp,
			TriggerType: triggerType,
			Symbol:      symbol,
			Operation:   models.TradeOpClose,
			Side:        current.Side,
			EntryPrice:  order.EntryPrice,
			ExitPrice:   execPrice,
			ExitReason:  reason,
			Size:        order.Size,
			Leverage:    current.Leverage,
			RealizedPnL: realized,
			PnLPercent:  pnlPercent(realized, order.EntryPrice, order.Size, current.Leverage),
			Fee:         fee,
		}

		// Mark equity as of the fill: the fired symbol at the candle
		// close, other open symbols at their price at that instant.
		prices := map[string]decimal.Decimal{symbol: candle.Close}
		for other := range s.account.Positions() {
			if other == symbol {
				continue
			}
			if price, ok := s.provider.PriceAt(ctx, other, candle.Timestamp); ok {
				prices[other] = price
			}
		}
		s.account.MarkEquity(prices)
		trade.EquityAfter = s.account.Equity()

		s.logger.Debug().
			Str("symbol", symbol).
			Str("type", string(order.OrderType)).
			Str("fill", execPrice.String()).
			Str("realized", realized.String()).
			Msg("pending order fired")

		trades = append(trades, trade)
	}
	return trades
}

// removeOrphanedOrders drops orders whose symbol has no open position.
func (s *Simulator) removeOrphanedOrders() {
	for _, order := range s.account.AllPendingOrders() {
		if s.account.Position(order.Symbol) == nil {
			s.account.RemovePendingOrder(order.ID)
		}
	}
}

// stampEquity marks equity at the given prices and, when a trade is
// provided, records the post-mutation equity on it.
func (s *Simulator) stampEquity(prices map[string]decimal.Decimal, trade *models.Trade) {
	s.account.MarkEquity(prices)
	if trade != nil {
		trade.EquityAfter = s.account.Equity()
	}
}

// orderFires evaluates the OHLC crossing rule for one order against one
// candle.
func orderFires(orderType account.OrderType, side models.Side, trigger decimal.Decimal, candle models.Candle) bool {
	switch {
	case orderType == account.OrderTypeTakeProfit && side == models.SideLong:
		return candle.High.GreaterThanOrEqual(trigger)
	case orderType == account.OrderTypeTakeProfit && side == models.SideShort:
		return candle.Low.LessThanOrEqual(trigger)
	case orderType == account.OrderTypeStopLoss && side == models.SideLong:
		return candle.Low.LessThanOrEqual(trigger)
	case orderType == account.OrderTypeStopLoss && side == models.SideShort:
		return candle.High.GreaterThanOrEqual(trigger)
	}
	return false
}

func pnlPercent(realized, entry, size decimal.Decimal, leverage int) decimal.Decimal {
	notional := entry.Mul(size)
	if notional.IsZero() {
		return decimal.Zero
	}
	return realized.Mul(oneHundred).Mul(decimal.NewFromInt(int64(leverage))).Div(notional)
}
