package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/finbridge/ledgerlink/pkg/ledger"
)

// Config is resolved once at startup and passed by reference. Nothing reads
// the environment after Load returns.
type Config struct {
	Port          string
	DatabaseURL   string
	EncryptionKey string
	WebhookToken  string

	Ledger ledger.Config
	Netpay gateway.NetpayConfig
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:          envOr("SERVICE_PORT", "8084"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		WebhookToken:  os.Getenv("WEBHOOK_SHARED_TOKEN"),
		Ledger: ledger.Config{
			MaxRetries: envInt("LEDGER_MAX_RETRIES", 3),
			RetryDelay: envDuration("LEDGER_RETRY_DELAY", time.Second),
			Timeout:    envDuration("LEDGER_TIMEOUT", 30*time.Second),
		},
		Netpay: gateway.NetpayConfig{
			TerminalID:    os.Getenv("NETPAY_TERMINAL_ID"),
			APIKey:        os.Getenv("NETPAY_API_KEY"),
			Sandbox:       os.Getenv("NETPAY_ENV") != "production",
			PublicKeyPath: os.Getenv("NETPAY_PUBLIC_KEY_PATH"),
		},
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.WebhookToken == "" {
		return nil, fmt.Errorf("WEBHOOK_SHARED_TOKEN is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
