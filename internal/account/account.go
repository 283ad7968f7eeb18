// Package account implements the virtual margined perpetuals ledger one
// backtest run owns: balance, positions, pending TP/SL orders, realized
// and unrealized PnL, and the drawdown tracker.
package account

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-backtest/internal/models"
)

// ClosureEpsilon is the residual size below which a position is treated
// as fully closed.
var ClosureEpsilon = decimal.New(1, -4) // 1e-4

// OrderType distinguishes the two kinds of pending reduce-only orders.
type OrderType string

const (
	OrderTypeTakeProfit OrderType = "take_profit"
	OrderTypeStopLoss   OrderType = "stop_loss"
)

// Position is one open position. At most one exists per symbol; its
// entry price is the size-weighted average across entry tranches.
type Position struct {
	Symbol         string          `json:"symbol"`
	Side           models.Side     `json:"side"`
	Size           decimal.Decimal `json:"size"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	Leverage       int             `json:"leverage"`
	EntryTimestamp int64           `json:"entry_timestamp"`
	MarginUsed     decimal.Decimal `json:"margin_used"`
}

// UnrealizedPnL computes the open PnL of the position at price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.Side == models.SideLong {
		return price.Sub(p.EntryPrice).Mul(p.Size)
	}
	return p.EntryPrice.Sub(price).Mul(p.Size)
}

// PendingOrder is a reduce-only TP or SL order attached to one entry
// tranche. EntryPrice is the fill price of the open that spawned it and
// is used for exact PnL attribution when tranches average into one
// position.
type PendingOrder struct {
	ID           int64            `json:"id"`
	Symbol       string           `json:"symbol"`
	Side         models.OrderSide `json:"side"`
	OrderType    OrderType        `json:"order_type"`
	TriggerPrice decimal.Decimal  `json:"trigger_price"`
	Size         decimal.Decimal  `json:"size"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	CreatedAt    int64            `json:"created_at"`
}

// VirtualAccount is the ledger. It is owned by a single run and mutated
// only by the execution simulator; it is not safe for concurrent use.
//
// The fundamental invariant, re-established after every mutation and
// every MarkEquity:
//
//	equity = initial_balance + realized_pnl - total_fees + unrealized_pnl
//
// Locked margin reduces the available balance but never the equity.
type VirtualAccount struct {
	logger zerolog.Logger

	initialBalance decimal.Decimal
	balance        decimal.Decimal // available cash
	realizedPnL    decimal.Decimal
	totalFees      decimal.Decimal
	equity         decimal.Decimal

	peakEquity         decimal.Decimal
	maxDrawdown        decimal.Decimal
	maxDrawdownPercent decimal.Decimal

	positions  map[string]*Position
	unrealized map[string]decimal.Decimal

	pendingOrders []*PendingOrder
	nextOrderID   int64
}

// New creates an account funded with initialBalance.
func New(initialBalance decimal.Decimal, logger zerolog.Logger) *VirtualAccount {
	return &VirtualAccount{
		logger:         logger.With().Str("component", "account").Logger(),
		initialBalance: initialBalance,
		balance:        initialBalance,
		equity:         initialBalance,
		peakEquity:     initialBalance,
		positions:      make(map[string]*Position),
		unrealized:     make(map[string]decimal.Decimal),
		nextOrderID:    1,
	}
}

// Accessors.

func (a *VirtualAccount) InitialBalance() decimal.Decimal     { return a.initialBalance }
func (a *VirtualAccount) Balance() decimal.Decimal            { return a.balance }
func (a *VirtualAccount) Equity() decimal.Decimal             { return a.equity }
func (a *VirtualAccount) RealizedPnL() decimal.Decimal        { return a.realizedPnL }
func (a *VirtualAccount) TotalFees() decimal.Decimal          { return a.totalFees }
func (a *VirtualAccount) MaxDrawdown() decimal.Decimal        { return a.maxDrawdown }
func (a *VirtualAccount) MaxDrawdownPercent() decimal.Decimal { return a.maxDrawdownPercent }

// UnrealizedPnL returns the total open PnL as of the last mark.
func (a *VirtualAccount) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, u := range a.unrealized {
		total = total.Add(u)
	}
	return total
}

// Position returns the open position for symbol, or nil.
func (a *VirtualAccount) Position(symbol string) *Position {
	return a.positions[symbol]
}

// Positions returns all open positions keyed by symbol.
func (a *VirtualAccount) Positions() map[string]*Position {
	out := make(map[string]*Position, len(a.positions))
	for symbol, pos := range a.positions {
		out[symbol] = pos
	}
	return out
}

// PendingOrders returns the pending orders for symbol in insertion order.
func (a *VirtualAccount) PendingOrders(symbol string) []*PendingOrder {
	var out []*PendingOrder
	for _, order := range a.pendingOrders {
		if order.Symbol == symbol {
			out = append(out, order)
		}
	}
	return out
}

// AllPendingOrders returns every pending order in insertion order.
func (a *VirtualAccount) AllPendingOrders() []*PendingOrder {
	out := make([]*PendingOrder, len(a.pendingOrders))
	copy(out, a.pendingOrders)
	return out
}

// OpenPosition creates a new position. Margin and fee are deducted from
// the available balance; the fee also reduces equity.
func (a *VirtualAccount) OpenPosition(symbol string, side models.Side, size, entryPrice decimal.Decimal, leverage int, timestamp int64, fee decimal.Decimal) error {
	if !size.IsPositive() {
		return fmt.Errorf("position size must be positive, got %s", size)
	}
	if _, exists := a.positions[symbol]; exists {
		return fmt.Errorf("position already exists for %s", symbol)
	}
	if leverage < models.MinLeverage || leverage > models.MaxLeverage {
		return fmt.Errorf("leverage %d out of range [%d, %d]", leverage, models.MinLeverage, models.MaxLeverage)
	}

	margin := size.Mul(entryPrice).Div(decimal.NewFromInt(int64(leverage)))
	if a.balance.LessThan(margin) {
		return fmt.Errorf("insufficient balance: need %s margin, have %s", margin, a.balance)
	}

	a.balance = a.balance.Sub(margin).Sub(fee)
	a.totalFees = a.totalFees.Add(fee)
	a.positions[symbol] = &Position{
		Symbol:         symbol,
		Side:           side,
		Size:           size,
		EntryPrice:     entryPrice,
		Leverage:       leverage,
		EntryTimestamp: timestamp,
		MarginUsed:     margin,
	}
	a.unrealized[symbol] = decimal.Zero
	a.updateEquity()

	a.logger.Debug().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("size", size.String()).
		Str("entry", entryPrice.String()).
		Int("leverage", leverage).
		Msg("position opened")
	return nil
}

// AddToPosition grows an existing position, recomputing the entry price
// as the size-weighted average and locking additional margin at the
// position's leverage.
func (a *VirtualAccount) AddToPosition(symbol string, size, entryPrice, fee decimal.Decimal) error {
	pos, exists := a.positions[symbol]
	if !exists {
		return fmt.Errorf("no position to add to for %s", symbol)
	}
	if !size.IsPositive() {
		return fmt.Errorf("add size must be positive, got %s", size)
	}

	margin := size.Mul(entryPrice).Div(decimal.NewFromInt(int64(pos.Leverage)))
	if a.balance.LessThan(margin) {
		return fmt.Errorf("insufficient balance: need %s margin, have %s", margin, a.balance)
	}

	oldNotional := pos.Size.Mul(pos.EntryPrice)
	newNotional := size.Mul(entryPrice)
	totalSize := pos.Size.Add(size)

	pos.EntryPrice = oldNotional.Add(newNotional).Div(totalSize)
	pos.Size = totalSize
	pos.MarginUsed = pos.MarginUsed.Add(margin)

	a.balance = a.balance.Sub(margin).Sub(fee)
	a.totalFees = a.totalFees.Add(fee)
	a.updateEquity()

	a.logger.Debug().
		Str("symbol", symbol).
		Str("added", size.String()).
		Str("avg_entry", pos.EntryPrice.String()).
		Msg("added to position")
	return nil
}

// ClosePosition fully closes the symbol's position, returning its margin
// to the balance and removing every pending order for the symbol.
func (a *VirtualAccount) ClosePosition(symbol string, exitPrice, fee decimal.Decimal) (decimal.Decimal, error) {
	pos, exists := a.positions[symbol]
	if !exists {
		return decimal.Zero, fmt.Errorf("no position to close for %s", symbol)
	}

	realized := realizedPnL(pos.Side, pos.EntryPrice, exitPrice, pos.Size)
	a.balance = a.balance.Add(pos.MarginUsed).Add(realized).Sub(fee)
	a.realizedPnL = a.realizedPnL.Add(realized)
	a.totalFees = a.totalFees.Add(fee)

	delete(a.positions, symbol)
	delete(a.unrealized, symbol)
	a.removeOrdersForSymbol(symbol)
	a.updateEquity()

	a.logger.Debug().
		Str("symbol", symbol).
		Str("exit", exitPrice.String()).
		Str("realized", realized.String()).
		Msg("position closed")
	return realized, nil
}

// PartialClosePosition closes min(size, position size). When
// entryPriceOverride is positive it is used for PnL attribution instead
// of the weighted-average entry; the tranche's TP/SL orders carry their
// own fill price for exactly this purpose. A residual below the closure
// threshold collapses into a full close.
func (a *VirtualAccount) PartialClosePosition(symbol string, size, exitPrice, fee, entryPriceOverride decimal.Decimal) (decimal.Decimal, error) {
	pos, exists := a.positions[symbol]
	if !exists {
		return decimal.Zero, fmt.Errorf("no position to close for %s", symbol)
	}

	closeSize := size
	if closeSize.GreaterThan(pos.Size) {
		closeSize = pos.Size
	}
	if !closeSize.IsPositive() {
		return decimal.Zero, fmt.Errorf("close size must be positive, got %s", size)
	}

	residual := pos.Size.Sub(closeSize)
	if residual.LessThanOrEqual(ClosureEpsilon) {
		// Attribute PnL on the requested tranche, then settle the dust at
		// the weighted-average entry so no size leaks from the ledger.
		entry := pos.EntryPrice
		if entryPriceOverride.IsPositive() {
			entry = entryPriceOverride
		}
		realized := realizedPnL(pos.Side, entry, exitPrice, closeSize)
		realized = realized.Add(realizedPnL(pos.Side, pos.EntryPrice, exitPrice, residual))

		a.balance = a.balance.Add(pos.MarginUsed).Add(realized).Sub(fee)
		a.realizedPnL = a.realizedPnL.Add(realized)
		a.totalFees = a.totalFees.Add(fee)

		delete(a.positions, symbol)
		delete(a.unrealized, symbol)
		a.removeOrdersForSymbol(symbol)
		a.updateEquity()
		return realized, nil
	}

	entry := pos.EntryPrice
	if entryPriceOverride.IsPositive() {
		entry = entryPriceOverride
	}
	realized := realizedPnL(pos.Side, entry, exitPrice, closeSize)

	marginReturn := pos.MarginUsed.Mul(closeSize).Div(pos.Size)
	pos.MarginUsed = pos.MarginUsed.Sub(marginReturn)
	pos.Size = residual

	a.balance = a.balance.Add(marginReturn).Add(realized).Sub(fee)
	a.realizedPnL = a.realizedPnL.Add(realized)
	a.totalFees = a.totalFees.Add(fee)

	// Scale the symbol's marked unrealized PnL to the remaining size so
	// the equity identity holds until the next mark.
	if u, ok := a.unrealized[symbol]; ok {
		a.unrealized[symbol] = u.Mul(residual).Div(residual.Add(closeSize))
	}
	a.updateEquity()

	a.logger.Debug().
		Str("symbol", symbol).
		Str("closed", closeSize.String()).
		Str("remaining", pos.Size.String()).
		Str("realized", realized.String()).
		Msg("partial close")
	return realized, nil
}

// AddPendingOrder registers a reduce-only TP/SL order. Order IDs are
// monotonically increasing; iteration order is insertion order.
func (a *VirtualAccount) AddPendingOrder(symbol string, side models.OrderSide, orderType OrderType, triggerPrice, size, entryPrice decimal.Decimal, timestamp int64) int64 {
	order := &PendingOrder{
		ID:           a.nextOrderID,
		Symbol:       symbol,
		Side:         side,
		OrderType:    orderType,
		TriggerPrice: triggerPrice,
		Size:         size,
		EntryPrice:   entryPrice,
		CreatedAt:    timestamp,
	}
	a.nextOrderID++
	a.pendingOrders = append(a.pendingOrders, order)
	return order.ID
}

// RemovePendingOrder deletes the order with the given ID. Removing an
// unknown ID is a no-op.
func (a *VirtualAccount) RemovePendingOrder(orderID int64) {
	for i, order := range a.pendingOrders {
		if order.ID == orderID {
			a.pendingOrders = append(a.pendingOrders[:i], a.pendingOrders[i+1:]...)
			return
		}
	}
}

func (a *VirtualAccount) removeOrdersForSymbol(symbol string) {
	kept := a.pendingOrders[:0]
	for _, order := range a.pendingOrders {
		if order.Symbol != symbol {
			kept = append(kept, order)
		}
	}
	a.pendingOrders = kept
}

// MarkEquity recomputes unrealized PnL from the given prices, updates
// equity and advances the drawdown tracker. Symbols missing from the
// price map keep their previous mark.
func (a *VirtualAccount) MarkEquity(prices map[string]decimal.Decimal) {
	for symbol, pos := range a.positions {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		a.unrealized[symbol] = pos.UnrealizedPnL(price)
	}
	a.updateEquity()

	if a.equity.GreaterThan(a.peakEquity) {
		a.peakEquity = a.equity
	}
	drawdown := a.peakEquity.Sub(a.equity)
	if drawdown.GreaterThan(a.maxDrawdown) {
		a.maxDrawdown = drawdown
		if a.peakEquity.IsPositive() {
			a.maxDrawdownPercent = drawdown.Div(a.peakEquity)
		}
	}
}

// updateEquity re-establishes the equity identity from its components.
func (a *VirtualAccount) updateEquity() {
	a.equity = a.initialBalance.Add(a.realizedPnL).Sub(a.totalFees).Add(a.UnrealizedPnL())
}

func realizedPnL(side models.Side, entry, exit, size decimal.Decimal) decimal.Decimal {
	if side == models.SideLong {
		return exit.Sub(entry).Mul(size)
	}
	return entry.Sub(exit).Mul(size)
}
