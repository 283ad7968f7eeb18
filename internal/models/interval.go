package models

// Interval represents a candle interval supported by the engine.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// intervalMillis maps each supported interval to its duration in milliseconds.
var intervalMillis = map[Interval]int64{
	Interval1m:  60_000,
	Interval5m:  300_000,
	Interval15m: 900_000,
	Interval30m: 1_800_000,
	Interval1h:  3_600_000,
	Interval4h:  14_400_000,
	Interval1d:  86_400_000,
}

// Millis returns the interval duration in milliseconds, or 0 for an
// unknown interval.
func (i Interval) Millis() int64 {
	return intervalMillis[i]
}

// Valid reports whether the interval is one of the supported values.
func (i Interval) Valid() bool {
	_, ok := intervalMillis[i]
	return ok
}
