package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
)

// Expirer cancels one PROCESSING checkout, releasing its reservation.
type Expirer interface {
	ExpireCheckout(ctx context.Context, checkoutID string) error
}

// Purger drops idempotency records past their retention.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type ShopSource interface {
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
}

// ExpirySweeper cancels checkouts that stayed PROCESSING longer than their
// shop's order expiry.
type ExpirySweeper struct {
	checkouts   store.CheckoutStore
	shops       ShopSource
	expirer     Expirer
	purger      Purger
	logger      *zap.Logger
	interval    time.Duration
	batch       int
	concurrency int
	now         func() time.Time
}

func NewExpirySweeper(checkouts store.CheckoutStore, shops ShopSource, expirer Expirer, purger Purger, logger *zap.Logger, interval time.Duration) *ExpirySweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		checkouts:   checkouts,
		shops:       shops,
		expirer:     expirer,
		purger:      purger,
		logger:      logger,
		interval:    interval,
		batch:       200,
		concurrency: 4,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce expires one batch of stale checkouts and returns how many were
// cancelled. Checkouts that moved on concurrently are skipped.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.checkouts.ListCheckoutsByStatus(ctx, domain.CheckoutProcessing, now, s.batch)
	if err != nil {
		return 0, err
	}

	shops := map[string]*domain.Shop{}
	stale := make([]domain.Checkout, 0, len(candidates))
	for _, c := range candidates {
		shop, ok := shops[c.ShopID]
		if !ok {
			shop, err = s.shops.GetShop(ctx, c.ShopID)
			if err != nil {
				s.logger.Warn("shop lookup failed during sweep", zap.String("shop_id", c.ShopID), zap.Error(err))
				continue
			}
			shops[c.ShopID] = shop
		}
		if c.ProcessedAt == nil || c.ProcessedAt.Add(shop.OrderExpiry()).After(now) {
			continue
		}
		stale = append(stale, c)
	}

	var expired int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, c := range stale {
		checkoutID := c.ID
		g.Go(func() error {
			err := s.expirer.ExpireCheckout(gctx, checkoutID)
			switch {
			case err == nil:
				atomic.AddInt64(&expired, 1)
				s.logger.Info("checkout expired", zap.String("checkout_id", checkoutID))
			case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
				s.logger.Debug("checkout moved on before expiry", zap.String("checkout_id", checkoutID), zap.Error(err))
			default:
				s.logger.Warn("checkout expiry failed", zap.String("checkout_id", checkoutID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.purger != nil {
		purged, err := s.purger.PurgeExpired(ctx)
		if err != nil {
			s.logger.Warn("idempotency purge failed", zap.Error(err))
		} else if purged > 0 {
			s.logger.Info("idempotency records purged", zap.Int("count", purged))
		}
	}
	return int(expired), nil
}
