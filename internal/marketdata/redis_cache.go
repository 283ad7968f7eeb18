package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-backtest/config"
	"perp-backtest/internal/models"
)

// Cache key formats. Candle windows are keyed by their exact bounds so
// a cached entry is always a pure function of the query.
const (
	keyOHLC       = "md:%s:%s:ohlc:%d:%d"
	keyRecent     = "md:%s:%s:recent:%d:%d"
	keyClose      = "md:%s:close:%d"
	keyIndicator  = "md:%s:%s:ind:%s:%d"
	keyFlow       = "md:%s:%s:flow:%s:%d"
	defaultTTL    = 6 * time.Hour
	maxFailures   = 3
	recoveryDelay = 30 * time.Second
)

// CachedStore is a read-through Redis cache over any MarketDataStore.
// Historical queries are pure, so entries never need invalidation; TTLs
// only bound memory. When Redis misbehaves the cache trips open and all
// reads fall through to the inner store until a recovery backoff passes.
type CachedStore struct {
	inner  MarketDataStore
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration

	mu           sync.Mutex
	failureCount int
	trippedAt    time.Time
}

// NewCachedStore wraps the inner store with a Redis cache. It verifies
// connectivity up front so a misconfigured address fails loudly.
func NewCachedStore(inner MarketDataStore, cfg config.RedisConfig, logger zerolog.Logger) (*CachedStore, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		inner:  inner,
		client: client,
		logger: logger.With().Str("component", "marketdata_cache").Logger(),
		ttl:    defaultTTL,
	}, nil
}

// Close releases the Redis connection.
func (c *CachedStore) Close() error {
	return c.client.Close()
}

func (c *CachedStore) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureCount < maxFailures {
		return true
	}
	if time.Since(c.trippedAt) > recoveryDelay {
		c.failureCount = 0
		return true
	}
	return false
}

func (c *CachedStore) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount == maxFailures {
		c.trippedAt = time.Now()
		c.logger.Warn().Err(err).Msg("redis cache tripped open, falling through to inner store")
	}
}

// lookup fetches key into dest, returning true on a hit.
func (c *CachedStore) lookup(ctx context.Context, key string, dest interface{}) bool {
	if !c.healthy() {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.recordFailure(err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	return true
}

func (c *CachedStore) store(ctx context.Context, key string, value interface{}) {
	if !c.healthy() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.recordFailure(err)
	}
}

func (c *CachedStore) OHLC(ctx context.Context, symbol string, interval models.Interval, t0, t1 int64) ([]models.Candle, error) {
	key := fmt.Sprintf(keyOHLC, symbol, interval, t0, t1)
	var cached []models.Candle
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}
	candles, err := c.inner.OHLC(ctx, symbol, interval, t0, t1)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, candles)
	return candles, nil
}

func (c *CachedStore) RecentCandles(ctx context.Context, symbol string, interval models.Interval, atOrBefore int64, count int) ([]models.Candle, error) {
	key := fmt.Sprintf(keyRecent, symbol, interval, atOrBefore, count)
	var cached []models.Candle
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}
	candles, err := c.inner.RecentCandles(ctx, symbol, interval, atOrBefore, count)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, candles)
	return candles, nil
}

type cachedClose struct {
	Price decimal.Decimal `json:"price"`
	Found bool            `json:"found"`
}

func (c *CachedStore) LatestClose(ctx context.Context, symbol string, atOrBefore int64) (decimal.Decimal, bool, error) {
	key := fmt.Sprintf(keyClose, symbol, atOrBefore)
	var cached cachedClose
	if c.lookup(ctx, key, &cached) {
		return cached.Price, cached.Found, nil
	}
	price, found, err := c.inner.LatestClose(ctx, symbol, atOrBefore)
	if err != nil {
		return decimal.Zero, false, err
	}
	c.store(ctx, key, cachedClose{Price: price, Found: found})
	return price, found, nil
}

func (c *CachedStore) Indicator(ctx context.Context, symbol, name string, interval models.Interval, atOrBefore int64) (*models.IndicatorValue, error) {
	key := fmt.Sprintf(keyIndicator, symbol, interval, name, atOrBefore)
	var cached models.IndicatorValue
	if c.lookup(ctx, key, &cached) {
		return &cached, nil
	}
	value, err := c.inner.Indicator(ctx, symbol, name, interval, atOrBefore)
	if err != nil || value == nil {
		return value, err
	}
	c.store(ctx, key, value)
	return value, nil
}

func (c *CachedStore) Flow(ctx context.Context, symbol, metric string, interval models.Interval, atOrBefore int64) (*models.FlowRecord, error) {
	key := fmt.Sprintf(keyFlow, symbol, interval, metric, atOrBefore)
	var cached models.FlowRecord
	if c.lookup(ctx, key, &cached) {
		return &cached, nil
	}
	record, err := c.inner.Flow(ctx, symbol, metric, interval, atOrBefore)
	if err != nil || record == nil {
		return record, err
	}
	c.store(ctx, key, record)
	return record, nil
}
