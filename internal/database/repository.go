package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"perp-backtest/internal/models"
)

// Repository persists backtest runs and serves stored strategies and
// precomputed signal triggers.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

// NewRepository creates a repository over the connection pool.
func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "repository").Logger(),
	}
}

// SaveResult stores the run's aggregate row, its trade ledger and its
// equity curve in one transaction.
func (r *Repository) SaveResult(ctx context.Context, cfg *models.BacktestConfig, result *models.BacktestResult) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal backtest config: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO backtest_results (
			run_id, success, error, config,
			total_pnl, total_fees, win_rate, profit_factor, sharpe_ratio,
			max_drawdown, max_drawdown_percent,
			total_trades, closed_trades, winning_trades, losing_trades,
			total_triggers, signal_triggers, scheduled_triggers,
			final_equity, execution_time_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = tx.Exec(ctx, query,
		result.RunID, result.Success, result.Error, configJSON,
		result.TotalPnL, result.TotalFees, result.WinRate, finiteOrNull(result.ProfitFactor), result.SharpeRatio,
		result.MaxDrawdown, result.MaxDrawdownPercent,
		result.TotalTrades, result.ClosedTrades, result.WinningTrades, result.LosingTrades,
		result.TotalTriggers, result.SignalTriggers, result.ScheduledTriggers,
		result.FinalEquity, result.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backtest result: %w", err)
	}

	tradeQuery := `
		INSERT INTO backtest_trades (
			run_id, open_time, close_time, trigger_type, symbol, operation,
			side, entry_price, exit_price, exit_reason, size, leverage,
			realized_pnl, pnl_percent, fee, equity_after, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	for _, trade := range result.Trades {
		_, err = tx.Exec(ctx, tradeQuery,
			result.RunID, trade.OpenTime, nullableInt64(trade.CloseTime), string(trade.TriggerType),
			trade.Symbol, string(trade.Operation), string(trade.Side),
			trade.EntryPrice, trade.ExitPrice, string(trade.ExitReason), trade.Size, trade.Leverage,
			trade.RealizedPnL, trade.PnLPercent, trade.Fee, trade.EquityAfter, trade.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert backtest trade: %w", err)
		}
	}

	pointQuery := `
		INSERT INTO backtest_equity_points (run_id, ts, equity, balance, max_drawdown)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, ts) DO NOTHING
	`
	for _, point := range result.EquityCurve {
		_, err = tx.Exec(ctx, pointQuery,
			result.RunID, point.Timestamp, point.Equity, point.Balance, point.MaxDrawdown,
		)
		if err != nil {
			return fmt.Errorf("failed to insert equity point: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info().
		Str("run_id", result.RunID).
		Int("trades", len(result.Trades)).
		Msg("backtest result saved")
	return nil
}

// Strategy is a stored strategy row.
type Strategy struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Code   string            `json:"code"`
	Params map[string]string `json:"params,omitempty"`
}

// SaveStrategy upserts a strategy by ID.
func (r *Repository) SaveStrategy(ctx context.Context, s *Strategy) error {
	params, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy params: %w", err)
	}
	query := `
		INSERT INTO strategies (id, name, code, params)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, code = EXCLUDED.code,
		    params = EXCLUDED.params, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Pool.Exec(ctx, query, s.ID, s.Name, s.Code, params); err != nil {
		return fmt.Errorf("failed to save strategy: %w", err)
	}
	return nil
}

// GetStrategy loads a strategy by ID, or nil when absent.
func (r *Repository) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	query := `SELECT id, name, code, COALESCE(params, '{}'::jsonb) FROM strategies WHERE id = $1`

	var s Strategy
	var params []byte
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.Code, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy: %w", err)
	}
	if err := json.Unmarshal(params, &s.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy params: %w", err)
	}
	return &s, nil
}

// Triggers returns the precomputed signal triggers of a pool for one
// symbol in [t0, t1], ascending. It implements signals.SignalBacktester.
func (r *Repository) Triggers(ctx context.Context, poolID, symbol string, t0, t1 int64) ([]models.TriggerEvent, error) {
	query := `
		SELECT ts, pool_id, COALESCE(pool_name, ''), COALESCE(pool_logic, ''),
		       symbol, COALESCE(signals, '[]'::jsonb), regime
		FROM signal_triggers
		WHERE pool_id = $1 AND symbol = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, poolID, symbol, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal triggers: %w", err)
	}
	defer rows.Close()

	var events []models.TriggerEvent
	for rows.Next() {
		var ev models.TriggerEvent
		var poolLogic string
		var signalsJSON, regimeJSON []byte
		if err := rows.Scan(&ev.Timestamp, &ev.PoolID, &ev.PoolName, &poolLogic, &ev.Symbol, &signalsJSON, &regimeJSON); err != nil {
			return nil, fmt.Errorf("failed to scan signal trigger: %w", err)
		}
		ev.Type = models.TriggerSignal
		ev.PoolLogic = models.PoolLogic(poolLogic)
		if err := json.Unmarshal(signalsJSON, &ev.Signals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger signals: %w", err)
		}
		if len(regimeJSON) > 0 {
			if err := json.Unmarshal(regimeJSON, &ev.Regime); err != nil {
				return nil, fmt.Errorf("failed to unmarshal trigger regime: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read signal trigger rows: %w", err)
	}
	return events, nil
}

// finiteOrNull maps the +Inf profit factor to NULL for storage.
func finiteOrNull(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func nullableInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
