package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadParsesDurationsAndBrokers(t *testing.T) {
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "7")
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "24")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "nope")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")

	cfg := Load()
	assert.Equal(t, 7*time.Second, cfg.PaymentTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}

func TestLoadHTTPDefaults(t *testing.T) {
	t.Setenv("ALLOWED_ORIGIN", "")
	t.Setenv("REQUESTS_PER_MINUTE", "")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "90")

	cfg := Load()
	assert.Empty(t, cfg.AllowedOrigin)
	assert.Equal(t, int64(600), cfg.RequestsPerMinute)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
}

func TestLockTTLOutlivesPay(t *testing.T) {
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "15")
	t.Setenv("LOCK_TTL_SECONDS", "30")

	cfg := Load()
	assert.Equal(t, 40*time.Second, cfg.LockTTL)

	t.Setenv("LOCK_TTL_SECONDS", "120")
	assert.Equal(t, 120*time.Second, Load().LockTTL)
}
