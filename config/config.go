// Package config loads host configuration for the backtest core: engine
// defaults, market data backends and logging. Values come from an
// optional JSON file with environment variable overrides taking
// precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	EngineConfig   EngineConfig   `json:"engine"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// EngineConfig holds simulation defaults applied when a BacktestConfig
// leaves them unset.
type EngineConfig struct {
	DefaultFeeRate         float64 `json:"default_fee_rate"`         // percent per fill
	DefaultSlippagePercent float64 `json:"default_slippage_percent"` // percent per fill
	DefaultInitialBalance  float64 `json:"default_initial_balance"`
	DetectionInterval      string  `json:"detection_interval"` // TP/SL candle interval
	MaxTriggerEvents       int     `json:"max_trigger_events"` // 0 = unbounded
}

// DatabaseConfig holds PostgreSQL connection settings for the market
// data and result stores.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for the market data read-through cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	return cfg
}

// Load reads config.json when present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints a host cannot run without.
func (c *Config) Validate() error {
	if c.EngineConfig.DefaultFeeRate < 0 {
		return fmt.Errorf("engine default fee rate must be >= 0, got %f", c.EngineConfig.DefaultFeeRate)
	}
	if c.EngineConfig.DefaultSlippagePercent < 0 {
		return fmt.Errorf("engine default slippage must be >= 0, got %f", c.EngineConfig.DefaultSlippagePercent)
	}
	if c.EngineConfig.DefaultInitialBalance <= 0 {
		return fmt.Errorf("engine default initial balance must be positive, got %f", c.EngineConfig.DefaultInitialBalance)
	}
	if c.DatabaseConfig.Enabled && c.DatabaseConfig.Host == "" {
		return fmt.Errorf("database host is required when the database is enabled")
	}
	if c.RedisConfig.Enabled && c.RedisConfig.Address == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Engine defaults
	cfg.EngineConfig.DefaultFeeRate = getEnvFloatOrDefault("ENGINE_DEFAULT_FEE_RATE", 0.05)
	cfg.EngineConfig.DefaultSlippagePercent = getEnvFloatOrDefault("ENGINE_DEFAULT_SLIPPAGE_PERCENT", 0.05)
	cfg.EngineConfig.DefaultInitialBalance = getEnvFloatOrDefault("ENGINE_DEFAULT_INITIAL_BALANCE", 10000)
	cfg.EngineConfig.DetectionInterval = getEnvOrDefault("ENGINE_DETECTION_INTERVAL", "5m")
	cfg.EngineConfig.MaxTriggerEvents = getEnvIntOrDefault("ENGINE_MAX_TRIGGER_EVENTS", 0)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", "false") == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "backtest")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
