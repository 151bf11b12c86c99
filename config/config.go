package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	AdminToken  string
	LogLevel    string

	// Payment processor collaborator
	PaymentAPIBaseURL string
	PaymentAPIKey     string
	WebhookSecret     string

	// Notification broker (optional; empty disables publishing)
	AMQPURL      string
	AMQPExchange string

	// Fee rates applied at settlement. Both are non-negative and
	// independently configurable.
	BuyerPremiumRate decimal.Decimal
	CommissionRate   decimal.Decimal

	// Increment schedule spec, e.g. "0:5,500:25,5000:100": below 500 bids
	// must climb by 5, from 500 by 25, from 5000 by 100.
	IncrementTiers string

	// Anti-snipe behaviour
	AntiSnipeWindow   time.Duration
	ExtensionWindow   time.Duration
	MaxTotalExtension time.Duration

	// Concurrency and scheduling knobs
	LockWaitTimeout         time.Duration
	VerificationTTL         time.Duration
	LifecycleSweepInterval  time.Duration
	SettlementRetryInterval time.Duration
	MaxSettlementAttempts   int
}

func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		logrus.Warn("Error loading .env file, using system environment variables")
	}

	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		PaymentAPIBaseURL: getEnv("PAYMENT_API_BASE_URL", "http://localhost:9090"),
		PaymentAPIKey:     getEnv("PAYMENT_API_KEY", ""),
		WebhookSecret:     getEnv("PAYMENT_WEBHOOK_SECRET", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "auction.events"),

		BuyerPremiumRate: getEnvDecimal("BUYER_PREMIUM_RATE", "0.10"),
		CommissionRate:   getEnvDecimal("COMMISSION_RATE", "0.08"),

		IncrementTiers: getEnv("INCREMENT_TIERS", "0:5,500:25,5000:100"),

		AntiSnipeWindow:   getEnvDuration("ANTI_SNIPE_WINDOW", 60*time.Second),
		ExtensionWindow:   getEnvDuration("EXTENSION_WINDOW", 60*time.Second),
		MaxTotalExtension: getEnvDuration("MAX_TOTAL_EXTENSION", 10*time.Minute),

		LockWaitTimeout:         getEnvDuration("LOCK_WAIT_TIMEOUT", 2*time.Second),
		VerificationTTL:         getEnvDuration("VERIFICATION_TTL", 2*time.Hour),
		LifecycleSweepInterval:  getEnvDuration("LIFECYCLE_SWEEP_INTERVAL", 5*time.Second),
		SettlementRetryInterval: getEnvDuration("SETTLEMENT_RETRY_INTERVAL", 30*time.Second),
		MaxSettlementAttempts:   getEnvInt("MAX_SETTLEMENT_ATTEMPTS", 5),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %v", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	raw := getEnv(key, fallback)
	value, err := decimal.NewFromString(raw)
	if err != nil || value.IsNegative() {
		logrus.Warnf("Invalid %s value: %s, using default %s", key, raw, fallback)
		value, _ = decimal.NewFromString(fallback)
	}
	return value
}
