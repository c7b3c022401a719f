package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the API process reads from the environment.
type Config struct {
	DatabaseURL       string
	JWTSecret         string
	HTTPAddr          string
	PlatformAccountID string
	PlatformFeeRate   float64
	ChargeTTL         time.Duration
	SweepSchedule     string
}

// Load reads the process configuration from environment variables.
// DATABASE_URL, JWT_SECRET and PLATFORM_ACCOUNT_ID are required; the rest
// have defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:        ":8080",
		PlatformFeeRate: 0.10,
		ChargeTTL:       72 * time.Hour,
		SweepSchedule:   "*/5 * * * *",
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL environment variable is required")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET environment variable is required")
	}

	cfg.PlatformAccountID = os.Getenv("PLATFORM_ACCOUNT_ID")
	if cfg.PlatformAccountID == "" {
		return Config{}, fmt.Errorf("config: PLATFORM_ACCOUNT_ID environment variable is required")
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	if rate := os.Getenv("PLATFORM_FEE_RATE"); rate != "" {
		parsed, err := strconv.ParseFloat(rate, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return Config{}, fmt.Errorf("config: PLATFORM_FEE_RATE must be a number in [0, 1], got %q", rate)
		}
		cfg.PlatformFeeRate = parsed
	}

	if ttl := os.Getenv("CHARGE_TTL"); ttl != "" {
		parsed, err := time.ParseDuration(ttl)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("config: CHARGE_TTL must be a positive duration, got %q", ttl)
		}
		cfg.ChargeTTL = parsed
	}

	if schedule := os.Getenv("SWEEP_SCHEDULE"); schedule != "" {
		cfg.SweepSchedule = schedule
	}

	return cfg, nil
}
