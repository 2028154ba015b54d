// Package reservation turns checkout lines into stock holds on the ledger
// and releases them again.
package reservation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/ledger"
	"checkoutengine/backend/internal/store"
)

type Manager struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func New(l *ledger.Ledger, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{ledger: l, logger: logger}
}

// ResolveWarehouse picks the shop's stock warehouse, falling back to the
// first location declared on the product.
func ResolveWarehouse(shop domain.Shop, req domain.StockRequirement) (string, error) {
	if shop.StockWarehouseID != "" {
		return shop.StockWarehouseID, nil
	}
	if len(req.Locations) > 0 && req.Locations[0] != "" {
		return req.Locations[0], nil
	}
	return "", fmt.Errorf("%w: sku %s", domain.ErrWarehouseUnresolved, req.SKU)
}

// Plan returns the OUTBOUND movements a checkout needs, one per stock
// requirement in line order. Lines that ignore stock produce none.
func (m *Manager) Plan(checkout domain.Checkout, shop domain.Shop, cat *domain.Catalog) ([]domain.StockMovement, error) {
	reference := checkout.Reference()
	out := make([]domain.StockMovement, 0, len(checkout.Items))
	for _, item := range checkout.ActiveItems() {
		line, err := item.Line()
		if err != nil {
			return nil, err
		}
		reqs, err := line.StockRequirements(cat, item.Quantity)
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			if req.IgnoreStock || req.Quantity < 1 {
				continue
			}
			warehouseID, err := ResolveWarehouse(shop, req)
			if err != nil {
				return nil, err
			}
			out = append(out, domain.StockMovement{
				ShopID:      checkout.ShopID,
				SKU:         req.SKU,
				WarehouseID: warehouseID,
				Direction:   domain.Outbound,
				Quantity:    req.Quantity,
				Reference:   reference,
			})
		}
	}
	return out, nil
}

// Reserve records every hold for the checkout and moves it PENDING to
// PROCESSING in the same write. Either all holds are recorded or none.
func (m *Manager) Reserve(ctx context.Context, checkout domain.Checkout, shop domain.Shop, cat *domain.Catalog, at time.Time) ([]domain.StockMovement, error) {
	movements, err := m.Plan(checkout, shop, cat)
	if err != nil {
		return nil, err
	}
	inserted, err := m.ledger.Append(ctx, movements, &store.Transition{
		Entity: store.EntityCheckout,
		ID:     checkout.ID,
		From:   []string{string(domain.CheckoutPending)},
		To:     string(domain.CheckoutProcessing),
		At:     at,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("checkout stock reserved",
		zap.String("checkout_id", checkout.ID),
		zap.Int("movements", len(inserted)),
	)
	return inserted, nil
}

// Release returns whatever the checkout still holds with compensating
// INBOUND movements and moves it from PROCESSING to the given status.
// Releasing twice is rejected by the status guard, so stock is never
// returned twice.
func (m *Manager) Release(ctx context.Context, checkout domain.Checkout, to domain.CheckoutStatus, reason string, at time.Time) ([]domain.StockMovement, error) {
	if to != domain.CheckoutCancelled && to != domain.CheckoutPending {
		return nil, fmt.Errorf("%w: release target %s", domain.ErrInvalidRequest, to)
	}
	existing, err := m.ledger.MovementsByReference(ctx, checkout.Reference())
	if err != nil {
		return nil, err
	}

	compensating := make([]domain.StockMovement, 0, len(existing))
	for _, net := range ledger.NetByReference(existing) {
		if net.Quantity >= 0 {
			continue
		}
		compensating = append(compensating, domain.StockMovement{
			ShopID:      checkout.ShopID,
			SKU:         net.SKU,
			WarehouseID: net.WarehouseID,
			Direction:   domain.Inbound,
			Quantity:    -net.Quantity,
			Reference:   checkout.Reference(),
			IgnoreStock: net.IgnoreStock,
		})
	}

	inserted, err := m.ledger.Append(ctx, compensating, &store.Transition{
		Entity: store.EntityCheckout,
		ID:     checkout.ID,
		From:   []string{string(domain.CheckoutProcessing)},
		To:     string(to),
		Reason: reason,
		At:     at,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("checkout stock released",
		zap.String("checkout_id", checkout.ID),
		zap.String("to", string(to)),
		zap.Int("movements", len(inserted)),
	)
	return inserted, nil
}
