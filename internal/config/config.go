package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KafkaBrokers          []string
	OrderEventsTopic      string
	DefaultShopID         string
	AuthSecret            string
	ManagerPIN            string
	LogDevelopment        bool
	PaymentTimeout        time.Duration
	IdempotencyTTL        time.Duration
	LockTTL               time.Duration
	SweepInterval         time.Duration
	OutboxInterval        time.Duration
	PaymentGatewayURL     string
	PaymentGatewayKey     string
	ShippingQuoteURL      string
	ShippingQuoteCacheTTL time.Duration
	AllowedOrigin         string
	RequestsPerMinute     int64
	TokenTTL              time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		OrderEventsTopic:      getEnv("ORDER_EVENTS_TOPIC", "order.completed.v1"),
		DefaultShopID:         getEnv("DEFAULT_SHOP_ID", "main-shop"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogDevelopment:        getEnv("LOG_DEVELOPMENT", "false") == "true",
		PaymentTimeout:        getSeconds("PAYMENT_TIMEOUT_SECONDS", 15),
		IdempotencyTTL:        time.Duration(getInt("IDEMPOTENCY_TTL_HOURS", 72)) * time.Hour,
		LockTTL:               getSeconds("LOCK_TTL_SECONDS", 30),
		SweepInterval:         getSeconds("SWEEP_INTERVAL_SECONDS", 60),
		OutboxInterval:        getSeconds("OUTBOX_INTERVAL_SECONDS", 5),
		PaymentGatewayURL:     strings.TrimRight(os.Getenv("PAYMENT_GATEWAY_URL"), "/"),
		PaymentGatewayKey:     strings.TrimSpace(os.Getenv("PAYMENT_GATEWAY_KEY")),
		ShippingQuoteURL:      strings.TrimRight(os.Getenv("SHIPPING_QUOTE_URL"), "/"),
		ShippingQuoteCacheTTL: getSeconds("SHIPPING_QUOTE_TTL_SECONDS", 300),
		AllowedOrigin:         strings.TrimSpace(os.Getenv("ALLOWED_ORIGIN")),
		RequestsPerMinute:     int64(getInt("REQUESTS_PER_MINUTE", 600)),
		TokenTTL:              time.Duration(getInt("ACCESS_TOKEN_TTL_MINUTES", 480)) * time.Minute,
	}

	// A pay holds the checkout lock across a charge and a status query,
	// each bounded by PaymentTimeout.
	if floor := MinLockTTL(cfg.PaymentTimeout); cfg.LockTTL < floor {
		cfg.LockTTL = floor
	}

	return cfg
}

// MinLockTTL is the shortest transition lock that outlives a pay.
func MinLockTTL(paymentTimeout time.Duration) time.Duration {
	return 2*paymentTimeout + 10*time.Second
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
