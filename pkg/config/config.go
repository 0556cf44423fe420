package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string `yaml:"port"`

	// Database
	DBPath string `yaml:"db_path"`

	// Shared keystore for the emergency stop flag and baseline equity.
	// Empty RedisAddr keeps the flag in process memory.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Exchange
	PaperTrading        bool    `yaml:"paper_trading"`
	PaperInitialBalance float64 `yaml:"paper_initial_balance"`
	QuoteAsset          string  `yaml:"quote_asset"`
	ExchangeBaseURL     string  `yaml:"exchange_base_url"`
	ExchangeRPS         float64 `yaml:"exchange_rps"`

	// Executor
	PerUserConcurrency int           `yaml:"per_user_concurrency"`
	GlobalConcurrency  int           `yaml:"global_concurrency"`
	RetryBase          time.Duration `yaml:"-"`
	RetryCap           time.Duration `yaml:"-"`
	MaxAttempts        int           `yaml:"max_attempts"`
	ExchangeTimeout    time.Duration `yaml:"-"`
	PollInitial        time.Duration `yaml:"-"`
	PollMax            time.Duration `yaml:"-"`
	OrderMaxOpen       time.Duration `yaml:"-"`
	QueueSize          int           `yaml:"queue_size"`

	// Hard-stop watcher
	CheckInterval      time.Duration `yaml:"-"`
	DrawdownLimitPct   float64       `yaml:"drawdown_limit_pct"`
	HardStopWebhookURL string        `yaml:"hard_stop_webhook_url"`

	// Price oracle
	PriceFreshness time.Duration `yaml:"-"`

	// Process control
	ShutdownGrace  time.Duration `yaml:"-"`
	GRPCHealthAddr string        `yaml:"grpc_health_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// The yaml overlay expresses durations in plain numbers.
	CheckIntervalSeconds  int `yaml:"check_interval_seconds"`
	RetryBaseMs           int `yaml:"retry_base_ms"`
	RetryCapMs            int `yaml:"retry_cap_ms"`
	PriceFreshnessSeconds int `yaml:"price_freshness_seconds"`
}

// Load reads environment variables (optionally via .env) into Config.
// When CONFIG_FILE names a yaml file its values override the environment.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/tradecore.db"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		PaperTrading:          getEnv("PAPER_TRADING", "true") == "true",
		PaperInitialBalance:   getEnvFloat("PAPER_INITIAL_BALANCE", 10000),
		QuoteAsset:            strings.ToUpper(getEnv("QUOTE_ASSET", "AUD")),
		ExchangeBaseURL:       getEnv("EXCHANGE_BASE_URL", "https://api.exchange.example"),
		ExchangeRPS:           getEnvFloat("EXCHANGE_RPS", 10),
		PerUserConcurrency:    getEnvInt("PER_USER_CONCURRENCY", 4),
		GlobalConcurrency:     getEnvInt("GLOBAL_CONCURRENCY", 32),
		MaxAttempts:           getEnvInt("MAX_ATTEMPTS", 3),
		QueueSize:             getEnvInt("ORDER_QUEUE_SIZE", 256),
		DrawdownLimitPct:      getEnvFloat("DRAWDOWN_LIMIT_PCT", 0.95),
		HardStopWebhookURL:    os.Getenv("HARD_STOP_WEBHOOK_URL"),
		GRPCHealthAddr:        os.Getenv("GRPC_HEALTH_ADDR"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		CheckIntervalSeconds:  getEnvInt("CHECK_INTERVAL_SECONDS", 5),
		RetryBaseMs:           getEnvInt("RETRY_BASE_MS", 500),
		RetryCapMs:            getEnvInt("RETRY_CAP_MS", 8000),
		PriceFreshnessSeconds: getEnvInt("PRICE_FRESHNESS_SECONDS", 600),
		ExchangeTimeout:       getEnvDuration("EXCHANGE_TIMEOUT_SECONDS", 10*time.Second, time.Second),
		PollInitial:           getEnvDuration("POLL_INITIAL_MS", 2*time.Second, time.Millisecond),
		PollMax:               getEnvDuration("POLL_MAX_MS", 30*time.Second, time.Millisecond),
		OrderMaxOpen:          getEnvDuration("ORDER_MAX_OPEN_SECONDS", 24*time.Hour, time.Second),
		ShutdownGrace:         getEnvDuration("SHUTDOWN_GRACE_SECONDS", 30*time.Second, time.Second),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	cfg.resolveDurations()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) resolveDurations() {
	c.CheckInterval = time.Duration(c.CheckIntervalSeconds) * time.Second
	c.RetryBase = time.Duration(c.RetryBaseMs) * time.Millisecond
	c.RetryCap = time.Duration(c.RetryCapMs) * time.Millisecond
	c.PriceFreshness = time.Duration(c.PriceFreshnessSeconds) * time.Second
}

// Validate rejects settings the executor and watcher cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DrawdownLimitPct <= 0 || c.DrawdownLimitPct > 1 {
		errs = append(errs, fmt.Errorf("drawdown_limit_pct must be in (0,1], got %v", c.DrawdownLimitPct))
	}
	if c.PerUserConcurrency <= 0 {
		errs = append(errs, errors.New("per_user_concurrency must be > 0"))
	}
	if c.GlobalConcurrency <= 0 {
		errs = append(errs, errors.New("global_concurrency must be > 0"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be > 0"))
	}
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		errs = append(errs, errors.New("retry_base_ms must be > 0 and <= retry_cap_ms"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval_seconds must be > 0"))
	}
	if c.PriceFreshness <= 0 {
		errs = append(errs, errors.New("price_freshness_seconds must be > 0"))
	}
	if c.PollInitial <= 0 || c.PollMax < c.PollInitial {
		errs = append(errs, errors.New("poll interval bounds are invalid"))
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return errors.Join(errs...)
}

// DrawdownLimit returns the watcher threshold as a decimal.
func (c *Config) DrawdownLimit() decimal.Decimal {
	return decimal.NewFromFloat(c.DrawdownLimitPct)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, def time.Duration, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * unit
		}
	}
	return def
}
