// Package signals defines the collaborator boundaries for signal-trigger
// precomputation and market-regime classification. The engine consumes
// both through these interfaces; the live pipeline owns the
// implementations.
package signals

import (
	"context"

	"perp-backtest/internal/models"
)

// SignalBacktester yields the timestamps at which a signal pool fires for
// a symbol inside a window. Returned events are signal-typed triggers
// carrying the pool identity, logic and satisfied condition records.
// Long windows may return very large slices; the engine sorts and merges
// them lazily.
type SignalBacktester interface {
	Triggers(ctx context.Context, poolID, symbol string, t0, t1 int64) ([]models.TriggerEvent, error)
}

// RegimeClassifier labels the microstructure state at (symbol, interval, t).
// Implementations return nil when no classification is available.
type RegimeClassifier interface {
	Classify(ctx context.Context, symbol string, interval models.Interval, t int64) (*models.RegimeSnapshot, error)
}

// StaticBacktester serves pre-seeded trigger events, keyed by pool ID.
// Used by tests and by hosts that precompute pools out of band.
type StaticBacktester struct {
	pools map[string][]models.TriggerEvent
}

// NewStaticBacktester creates an empty StaticBacktester.
func NewStaticBacktester() *StaticBacktester {
	return &StaticBacktester{pools: make(map[string][]models.TriggerEvent)}
}

// Seed registers trigger events for a pool.
func (s *StaticBacktester) Seed(poolID string, events []models.TriggerEvent) {
	s.pools[poolID] = append(s.pools[poolID], events...)
}

// Triggers returns the seeded events for the pool filtered to the window
// and symbol. A seeded event with an empty symbol matches any symbol.
func (s *StaticBacktester) Triggers(_ context.Context, poolID, symbol string, t0, t1 int64) ([]models.TriggerEvent, error) {
	var out []models.TriggerEvent
	for _, ev := range s.pools[poolID] {
		if ev.Timestamp < t0 || ev.Timestamp > t1 {
			continue
		}
		if ev.Symbol != "" && symbol != "" && ev.Symbol != symbol {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
