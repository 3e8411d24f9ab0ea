package game

import (
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

// Config tunes the round cycle and the house rules.
type Config struct {
	BettingWindow time.Duration // bets accepted for this long after announce
	FlyingWindow  time.Duration // multiplier climbs from 1.0 to the outcome over this long
	TickInterval  time.Duration // multiplier broadcast cadence
	RoundPause    time.Duration // gap between settlement and the next round
	RetryBackoff  time.Duration // store retry delay for the engine

	MinStake decimal.Decimal
	MaxStake decimal.Decimal
	// FeeRate is the house cut of gross winnings (stake * multiplier),
	// never of principal alone.
	FeeRate    decimal.Decimal
	Currencies []string
}

// DefaultConfig mirrors the values used in production; every field can be
// overridden from the environment via ConfigFromEnv.
func DefaultConfig() Config {
	return Config{
		BettingWindow: 5 * time.Second,
		FlyingWindow:  10 * time.Second,
		TickInterval:  100 * time.Millisecond,
		RoundPause:    3 * time.Second,
		RetryBackoff:  500 * time.Millisecond,
		MinStake:      decimal.NewFromInt(1),
		MaxStake:      decimal.NewFromInt(10000),
		FeeRate:       decimal.RequireFromString("0.01"),
		Currencies:    []string{"USD", "EUR"},
	}
}

// ConfigFromEnv loads the default config with environment overrides.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.BettingWindow = getEnvDuration("GAME_BETTING_WINDOW", cfg.BettingWindow)
	cfg.FlyingWindow = getEnvDuration("GAME_FLYING_WINDOW", cfg.FlyingWindow)
	cfg.TickInterval = getEnvDuration("GAME_TICK_INTERVAL", cfg.TickInterval)
	cfg.RoundPause = getEnvDuration("GAME_ROUND_PAUSE", cfg.RoundPause)
	cfg.MinStake = getEnvDecimal("GAME_MIN_STAKE", cfg.MinStake)
	cfg.MaxStake = getEnvDecimal("GAME_MAX_STAKE", cfg.MaxStake)
	cfg.FeeRate = getEnvDecimal("GAME_FEE_RATE", cfg.FeeRate)
	return cfg
}

// SupportsCurrency reports whether the currency is a supported settlement unit.
func (c Config) SupportsCurrency(currency string) bool {
	for _, cur := range c.Currencies {
		if cur == currency {
			return true
		}
	}
	return false
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}
