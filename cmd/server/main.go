package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/cache"
	"checkoutengine/backend/internal/config"
	"checkoutengine/backend/internal/httpapi"
	"checkoutengine/backend/internal/logger"
	"checkoutengine/backend/internal/messaging"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/payment"
	"checkoutengine/backend/internal/service"
	"checkoutengine/backend/internal/shipping"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/store/memory"
	pgstore "checkoutengine/backend/internal/store/postgres"
	"checkoutengine/backend/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	zl, err := logger.New("checkout-engine", cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zl.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		zl.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zl.Info("repository: in-memory")
	}

	var locker cache.Locker = cache.NewLocalLocker()
	var quoteCache cache.QuoteCache = cache.NoopQuoteCache{}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisQuoteCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			zl.Warn("redis unavailable, using in-process locks and no quote cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			locker = cache.NewRedisLocker(client, 0)
			quoteCache = redisCache
			closers = append(closers, redisCache.Close)
			zl.Info("cache: redis")
		}
	} else {
		zl.Info("cache: local")
	}

	var publisher messaging.Publisher = messaging.NewLogPublisher(zl)
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, zl)
		if err != nil {
			zl.Warn("kafka unavailable, order events are logged only", zap.Error(err))
		} else {
			publisher = kafka
			zl.Info("publisher: kafka", zap.Strings("brokers", cfg.KafkaBrokers))
		}
	}
	closers = append(closers, publisher.Close)

	providers := payment.NewRegistry(payment.NewCashProvider())
	if cfg.PaymentGatewayURL != "" {
		providers = payment.NewRegistry(
			payment.NewCashProvider(),
			payment.NewGatewayProvider("card", cfg.PaymentGatewayURL, cfg.PaymentGatewayKey, cfg.PaymentTimeout),
		)
	}

	var quoter shipping.Quoter
	if cfg.ShippingQuoteURL != "" {
		quoter = shipping.NewCachedQuoter(shipping.NewHTTPQuoter(cfg.ShippingQuoteURL, 5*time.Second), quoteCache, cfg.ShippingQuoteCacheTTL, zl)
	}

	m := metrics.New("engine")
	svc := service.New(repo, providers, service.Options{
		DefaultShopID:  cfg.DefaultShopID,
		Logger:         zl,
		Metrics:        m,
		Locker:         locker,
		Quoter:         quoter,
		PaymentTimeout: cfg.PaymentTimeout,
		AttemptTTL:     cfg.IdempotencyTTL,
		LockTTL:        cfg.LockTTL,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.TokenTTL, cfg.ManagerPIN)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:     cfg.AllowedOrigin,
		Logger:            zl,
		Metrics:           m,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go worker.NewOutboxRelay(repo, publisher, cfg.OrderEventsTopic, zl, m, cfg.OutboxInterval).Start(workerCtx)
	go worker.NewExpirySweeper(repo, repo, svc, svc, zl, cfg.SweepInterval).Start(workerCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.PaymentTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zl.Info("checkout engine listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("shutdown error", zap.Error(err))
	}
	stopWorkers()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zl.Warn("close error", zap.Error(err))
		}
	}

	zl.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "147258": true,
		"159753": true, "246810": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
