// Package config loads the agent's configuration from the environment
// (optionally via a .env file) into a single validated struct, via a set
// of getEnv helpers that apply a default. A value that fails to parse also
// falls back to the default; the helpers return no error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is every runtime tunable the agent reads at startup.
type Config struct {
	// Core
	DatabaseURL  string
	DryRun       bool
	StrategyName string
	ScoreDBPath  string

	// Entry / G-series
	PriceThreshold    decimal.Decimal
	PositionSize      decimal.Decimal
	MaxPositions      int
	MaxPriceDeviation decimal.Decimal
	MaxTradeAgeSec    int
	VerifyOrderbook   bool
	BlockedCategories []string
	ManualBlockTokens []string

	// Exit
	ProfitTarget      decimal.Decimal
	StopLoss          decimal.Decimal
	MinHoldDays       int
	MaxSpreadPercent  decimal.Decimal
	MinExitPriceFloor decimal.Decimal
	MaxSlippagePercent decimal.Decimal

	// Background loop cadences
	WatchlistRescoreInterval time.Duration
	OrderSyncInterval        time.Duration
	ExitEvalInterval         time.Duration
	PositionSyncInterval     time.Duration
	FullPositionSyncInterval time.Duration
	HealthCheckInterval      time.Duration

	// Dashboard
	DashboardHost   string
	DashboardPort   int
	DashboardAPIKey string

	// Wire / wallet
	PolymarketAPIURL  string
	PolymarketWSURL   string
	PolymarketCLOBURL string
	WalletPrivateKey  string
	WalletAddress     string
	MaxRetries        int

	// Alerting
	TelegramToken  string
	TelegramChatID int64
	AlertCooldown  time.Duration

	Debug bool
}

// Load reads Config from the environment, applying defaults for every
// optional key and failing closed on a missing required key or an invalid
// live-mode credential.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DryRun:       getEnvBool("DRY_RUN", true),
		StrategyName: getEnv("STRATEGY_NAME", "high_prob_yes"),
		ScoreDBPath:  os.Getenv("SCORE_DB_PATH"),

		PriceThreshold:    getEnvDecimal("PRICE_THRESHOLD", decimal.NewFromFloat(0.95)),
		PositionSize:      getEnvDecimal("POSITION_SIZE", decimal.NewFromFloat(20)),
		MaxPositions:      getEnvInt("MAX_POSITIONS", 50),
		MaxPriceDeviation: getEnvDecimal("MAX_PRICE_DEVIATION", decimal.NewFromFloat(0.10)),
		MaxTradeAgeSec:    getEnvInt("MAX_TRADE_AGE_SECONDS", 300),
		VerifyOrderbook:   getEnvBool("VERIFY_ORDERBOOK", true),
		BlockedCategories: getEnvList("BLOCKED_CATEGORIES"),
		ManualBlockTokens: getEnvList("MANUAL_BLOCK_TOKENS"),

		ProfitTarget:       getEnvDecimal("PROFIT_TARGET", decimal.NewFromFloat(0.99)),
		StopLoss:           getEnvDecimal("STOP_LOSS", decimal.NewFromFloat(0.90)),
		MinHoldDays:        getEnvInt("MIN_HOLD_DAYS", 7),
		MaxSpreadPercent:   getEnvDecimal("MAX_SPREAD_PERCENT", decimal.NewFromFloat(0.20)),
		MinExitPriceFloor:  getEnvDecimal("MIN_EXIT_PRICE_FLOOR", decimal.NewFromFloat(0.50)),
		MaxSlippagePercent: getEnvDecimal("MAX_SLIPPAGE_PERCENT", decimal.NewFromFloat(0.10)),

		WatchlistRescoreInterval: getEnvDurationHours("WATCHLIST_RESCORE_INTERVAL_HOURS", 1.0),
		OrderSyncInterval:        getEnvDurationSeconds("ORDER_SYNC_INTERVAL_SECONDS", 30),
		ExitEvalInterval:         getEnvDurationSeconds("EXIT_EVAL_INTERVAL_SECONDS", 60),
		PositionSyncInterval:     getEnvDurationSeconds("POSITION_SYNC_INTERVAL_SECONDS", 120),
		FullPositionSyncInterval: getEnvDurationSeconds("FULL_POSITION_SYNC_INTERVAL_SECONDS", 900),
		HealthCheckInterval:      getEnvDurationSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 60),

		DashboardHost:   getEnv("DASHBOARD_HOST", "127.0.0.1"),
		DashboardPort:   getEnvInt("DASHBOARD_PORT", 8080),
		DashboardAPIKey: os.Getenv("DASHBOARD_API_KEY"),

		PolymarketAPIURL:  getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),
		PolymarketWSURL:   getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws"),
		PolymarketCLOBURL: getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		WalletPrivateKey:  os.Getenv("WALLET_PRIVATE_KEY"),
		WalletAddress:     os.Getenv("WALLET_ADDRESS"),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AlertCooldown: getEnvDurationSeconds("ALERT_COOLDOWN_SECONDS", 300),

		Debug: getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if !cfg.DryRun {
		if cfg.WalletPrivateKey == "" {
			return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required when DRY_RUN=false")
		}
	}

	return cfg, nil
}

// getEnvList parses a comma-separated env value, trimming whitespace and
// dropping empty items.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDurationSeconds(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}

func getEnvDurationHours(key string, defaultHours float64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Hour))
		}
	}
	return time.Duration(defaultHours * float64(time.Hour))
}
