// Package config содержит логику чтения конфигурации сервиса teopay.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса teopay.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	NotificationAddress string        `env:"NOTIFICATION_ADDRESS"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	EurTeoRate          string        `env:"EUR_TEO_RATE"`
	DecisionTTL         time.Duration `env:"DECISION_TTL"`
	OrphanHoldMaxAge    time.Duration `env:"ORPHAN_HOLD_MAX_AGE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotificationAddress := cfg.NotificationAddress
	envAuthSecret := cfg.AuthSecret
	envWebhookSecret := cfg.StripeWebhookSecret
	envRate := cfg.EurTeoRate
	envDecisionTTL := cfg.DecisionTTL
	envOrphanMaxAge := cfg.OrphanHoldMaxAge

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotificationAddress, "n", "", "notification service address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth tokens")
	flag.StringVar(&cfg.StripeWebhookSecret, "w", "", "webhook signing secret")
	flag.StringVar(&cfg.EurTeoRate, "rate", "1.0", "EUR to TEO conversion rate")
	flag.DurationVar(&cfg.DecisionTTL, "decision-ttl", 24*time.Hour, "TTL for pending teacher decisions")
	flag.DurationVar(&cfg.OrphanHoldMaxAge, "orphan-max-age", 2*time.Hour, "max age of unsettled holds before cleanup")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotificationAddress != "" {
		cfg.NotificationAddress = envNotificationAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envWebhookSecret != "" {
		cfg.StripeWebhookSecret = envWebhookSecret
	}
	if envRate != "" {
		cfg.EurTeoRate = envRate
	}
	if envDecisionTTL != 0 {
		cfg.DecisionTTL = envDecisionTTL
	}
	if envOrphanMaxAge != 0 {
		cfg.OrphanHoldMaxAge = envOrphanMaxAge
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.EurTeoRate == "" {
		cfg.EurTeoRate = "1.0"
	}

	return cfg, nil
}

// Rate возвращает курс конвертации EUR в TEO.
func (c *Config) Rate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.EurTeoRate)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse EUR_TEO_RATE: %w", err)
	}
	if rate.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("EUR_TEO_RATE must be positive, got %s", c.EurTeoRate)
	}
	return rate, nil
}
