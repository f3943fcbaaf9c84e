package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading gateway.
type Config struct {
	Port     string
	AppEnv   string // "development", "production"
	LogLevel string

	// TLS termination
	EnableSSL  bool
	SSLCertDir string
	SSLDomain  string

	// Database
	DBPath string

	// Auth
	JWTSecret     string
	EncryptionKey string // AES-256 key for stored exchange credentials

	// Webhook ingestion
	WebhookToken       string
	WebhookConcurrency int
	WebhookTimeoutSec  int

	// Exchange behavior
	SkipExchangeTest bool // skip credential validation round-trip on account registration
	AutoAdjustOrders bool // scale below-minimum orders instead of rejecting

	// Strategy seed file
	StrategiesFile string

	// Reconciliation
	ReconcileIntervalSec int

	// Telegram alerting
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_URL", "./data/tradegate.db")
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AppEnv:               strings.ToLower(getEnv("APP_ENV", "development")),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		EnableSSL:            getEnv("ENABLE_SSL", "false") == "true",
		SSLCertDir:           getEnv("SSL_CERT_DIR", ""),
		SSLDomain:            getEnv("SSL_DOMAIN", ""),
		DBPath:               dbPath,
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		EncryptionKey:        os.Getenv("ENCRYPTION_KEY"),
		WebhookToken:         os.Getenv("WEBHOOK_TOKEN"),
		WebhookConcurrency:   getEnvInt("WEBHOOK_CONCURRENCY", 10),
		WebhookTimeoutSec:    getEnvInt("WEBHOOK_TIMEOUT_SEC", 10),
		SkipExchangeTest:     getEnv("SKIP_EXCHANGE_TEST", "false") == "true",
		AutoAdjustOrders:     getEnv("AUTO_ADJUST_ORDERS", "true") == "true",
		StrategiesFile:       getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		ReconcileIntervalSec: getEnvInt("RECONCILE_INTERVAL_SEC", 300),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:       os.Getenv("TELEGRAM_CHAT_ID"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppEnv == "production" {
		if c.JWTSecret == "" || c.JWTSecret == "dev-secret" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY must be set in production")
		}
	}
	if c.EnableSSL && (c.SSLCertDir == "" || c.SSLDomain == "") {
		return fmt.Errorf("ENABLE_SSL requires SSL_CERT_DIR and SSL_DOMAIN")
	}
	if c.WebhookConcurrency <= 0 {
		c.WebhookConcurrency = 10
	}
	if c.WebhookTimeoutSec <= 0 {
		c.WebhookTimeoutSec = 10
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
