package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/cache"
	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/fulfillment"
	"checkoutengine/backend/internal/ledger"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/order"
	"checkoutengine/backend/internal/payment"
	"checkoutengine/backend/internal/pricing"
	"checkoutengine/backend/internal/reservation"
	"checkoutengine/backend/internal/shipping"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultShopID string
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	// Locker serializes transitions per checkout. Defaults to an in-process
	// locker.
	Locker cache.Locker
	// Quoter prices QUOTE shipping zones. Without it those zones cannot be
	// selected.
	Quoter         shipping.Quoter
	PaymentTimeout time.Duration
	AttemptTTL     time.Duration
	LockTTL        time.Duration
}

// Service is the checkout state machine and the entry point for every
// order, invoice and stock operation.
type Service struct {
	repo store.Repository
	ledger *ledger.Ledger
	pricing *pricing.Engine
	reservations *reservation.Manager
	payments *payment.Orchestrator
	orders *order.Projector
	documents *fulfillment.Manager
	quoter shipping.Quoter
	locker cache.Locker
	logger *zap.Logger
	metrics *metrics.Metrics
	defaultShopID string
	lockTTL time.Duration
	now func() time.Time
}

func New(repo store.Repository, providers *payment.Registry, opts Options) *Service {
	if opts.DefaultShopID == "" {
		opts.DefaultShopID = "main-shop"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Locker == nil {
		opts.Locker = cache.NewLocalLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if floor := 2*opts.PaymentTimeout + 10*time.Second; opts.PaymentTimeout > 0 && opts.LockTTL < floor {
		opts.LockTTL = floor
	}
	if providers == nil {
		providers = payment.NewRegistry(payment.NewCashProvider())
	}

	l := ledger.New(repo, opts.Logger, opts.Metrics)
	orders := order.New(repo, opts.Logger)
	return &Service{
		repo:         repo,
		ledger:       l,
		pricing:      pricing.New(),
		reservations: reservation.New(l, opts.Logger),
		payments: payment.NewOrchestrator(repo, providers, opts.Logger, opts.Metrics, payment.Options{
			Timeout:    opts.PaymentTimeout,
			AttemptTTL: opts.AttemptTTL,
		}),
		orders:        orders,
		documents:     fulfillment.New(repo, l, orders, opts.Logger),
		quoter:        opts.Quoter,
		locker:        opts.Locker,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		defaultShopID: opts.DefaultShopID,
		lockTTL:       opts.LockTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) DefaultShopID() string {
	return s.defaultShopID
}

// PurgeExpired drops expired idempotency records.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	return s.payments.PurgeExpired(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, shopID string, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, "admin"); err != nil {
		return nil, err
	}
	if shopID == "" {
		shopID = s.defaultShopID
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	day := s.now()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrInvalidRequest)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, shopID, from, from.Add(24*time.Hour), limit)
}

func (s *Service) loadShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	if shopID == "" {
		shopID = s.defaultShopID
	}
	shop, err := s.repo.GetShop(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if !shop.Active {
		return nil, fmt.Errorf("%w: shop %s is inactive", domain.ErrInvalidState, shop.ID)
	}
	return shop, nil
}

// lockCheckout holds the per-checkout transition lock.
func (s *Service) lockCheckout(ctx context.Context, checkoutID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()
	return s.locker.Acquire(waitCtx, "checkout:"+checkoutID, s.lockTTL)
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no actor", domain.ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s role required", domain.ErrForbidden, strings.Join(roles, " or "))
}

func (s *Service) logAudit(ctx context.Context, shopID string, action string, entityType string, entityID string, detail string) {
	if shopID == "" {
		shopID = s.defaultShopID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ShopID:        shopID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

// IsRecoverable reports whether a failed pay can be retried on the same
// checkout.
func IsRecoverable(err error) bool {
	return errors.Is(err, domain.ErrProviderDeclined) || errors.Is(err, domain.ErrProviderTimeout)
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
