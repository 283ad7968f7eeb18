// Package trigger builds the ordered event stream a backtest run walks:
// signal-pool triggers merged with scheduled time triggers.
package trigger

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"perp-backtest/internal/models"
	"perp-backtest/internal/signals"
)

// Stream yields trigger events in chronological order. Scheduled events
// are generated lazily between signal triggers: every emitted trigger,
// signal or scheduled, resets the periodic clock, so a scheduled event
// fires only after a full quiet interval.
//
// A Stream is consumed once and is not safe for concurrent use.
type Stream struct {
	signals  []models.TriggerEvent
	idx      int
	interval int64 // millis; 0 disables scheduled triggers
	lastFire int64
	end      int64
}

// Build evaluates every (pool, symbol) pair over [start, end] and
// returns the merged stream. maxEvents caps the number of signal
// triggers; 0 means unlimited.
func Build(ctx context.Context, backtester signals.SignalBacktester, poolIDs, symbols []string, start, end int64, scheduledInterval models.Interval, maxEvents int, logger zerolog.Logger) (*Stream, error) {
	log := logger.With().Str("component", "trigger").Logger()

	var merged []models.TriggerEvent
	for _, poolID := range poolIDs {
		for _, symbol := range symbols {
			events, err := backtester.Triggers(ctx, poolID, symbol, start, end)
			if err != nil {
				return nil, fmt.Errorf("evaluating signal pool %s for %s: %w", poolID, symbol, err)
			}
			for _, ev := range events {
				if ev.Timestamp < start || ev.Timestamp > end {
					continue
				}
				ev.Type = models.TriggerSignal
				merged = append(merged, ev)
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	if maxEvents > 0 && len(merged) > maxEvents {
		log.Warn().
			Int("events", len(merged)).
			Int("cap", maxEvents).
			Msg("signal trigger count exceeds cap, truncating")
		merged = merged[:maxEvents]
	}

	var interval int64
	if scheduledInterval != "" {
		interval = scheduledInterval.Millis()
	}

	log.Debug().
		Int("signal_triggers", len(merged)).
		Int64("scheduled_interval_ms", interval).
		Msg("trigger stream built")

	return &Stream{
		signals:  merged,
		interval: interval,
		lastFire: start,
		end:      end,
	}, nil
}

// Next returns the next trigger event in chronological order, or false
// when the stream is exhausted. A signal trigger wins a timestamp tie
// with a scheduled one, and either kind resets the scheduled clock.
func (s *Stream) Next() (models.TriggerEvent, bool) {
	var nextScheduled int64 = -1
	if s.interval > 0 {
		candidate := s.lastFire + s.interval
		if candidate <= s.end {
			nextScheduled = candidate
		}
	}

	if s.idx < len(s.signals) {
		ev := s.signals[s.idx]
		if nextScheduled < 0 || ev.Timestamp <= nextScheduled {
			s.idx++
			s.lastFire = ev.Timestamp
			return ev, true
		}
	}

	if nextScheduled < 0 {
		return models.TriggerEvent{}, false
	}

	s.lastFire = nextScheduled
	return models.TriggerEvent{
		Timestamp: nextScheduled,
		Type:      models.TriggerScheduled,
	}, true
}

// Count consumes a copy of the stream's merge logic without mutating the
// stream, returning how many events Next would yield in total.
func (s *Stream) Count() int {
	idx := s.idx
	lastFire := s.lastFire
	count := 0
	for {
		var nextScheduled int64 = -1
		if s.interval > 0 {
			candidate := lastFire + s.interval
			if candidate <= s.end {
				nextScheduled = candidate
			}
		}

		if idx < len(s.signals) {
			ev := s.signals[idx]
			if nextScheduled < 0 || ev.Timestamp <= nextScheduled {
				idx++
				lastFire = ev.Timestamp
				count++
				continue
			}
		}

		if nextScheduled < 0 {
			return count
		}
		lastFire = nextScheduled
		count++
	}
}

// SignalCount returns how many signal triggers remain unconsumed.
func (s *Stream) SignalCount() int {
	return len(s.signals) - s.idx
}
