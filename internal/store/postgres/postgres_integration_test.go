package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("CHECKOUT_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CHECKOUT_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestVoidMovementRestoresLevel(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-VOID-IT-%d", stamp)
	reference := fmt.Sprintf("Seed#void-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_levels WHERE sku = $1`, sku)
	})

	inserted, err := s.AppendMovements(ctx, []domain.StockMovement{
		{ShopID: "main-shop", SKU: sku, WarehouseID: "wh-it", Direction: domain.Inbound, Quantity: 10, Reference: reference},
		{ShopID: "main-shop", SKU: sku, WarehouseID: "wh-it", Direction: domain.Outbound, Quantity: 4, Reference: reference},
	}, nil)
	if err != nil {
		t.Fatalf("append movements: %v", err)
	}

	if _, err := s.VoidMovement(ctx, inserted[1].ID, time.Now().UTC()); err != nil {
		t.Fatalf("void movement: %v", err)
	}
	level, err := s.StockLevel(ctx, sku, "wh-it")
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	if level != 10 {
		t.Fatalf("expected level 10 after void, got %d", level)
	}
	sum, err := s.SumMovements(ctx, sku, "wh-it")
	if err != nil {
		t.Fatalf("sum movements: %v", err)
	}
	if sum != level {
		t.Fatalf("expected movement sum %d to equal level %d", sum, level)
	}

	if _, err := s.VoidMovement(ctx, inserted[1].ID, time.Now().UTC()); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second void, got %v", err)
	}
}

func TestConcurrentOutboundNeverOversells(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-RACE-IT-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_levels WHERE sku = $1`, sku)
	})

	if _, err := s.AppendMovements(ctx, []domain.StockMovement{
		{ShopID: "main-shop", SKU: sku, WarehouseID: "wh-it", Direction: domain.Inbound, Quantity: 5, Reference: "Seed#race"},
	}, nil); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMovements(ctx, []domain.StockMovement{
				{ShopID: "main-shop", SKU: sku, WarehouseID: "wh-it", Direction: domain.Outbound, Quantity: 1, Reference: fmt.Sprintf("ShopCheckouts#race-%d", i)},
			}, nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected exactly 5 successful reservations, got %d", succeeded)
	}
	level, err := s.StockLevel(ctx, sku, "wh-it")
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	if level != 0 {
		t.Fatalf("expected level 0, got %d", level)
	}
}

func TestAppendMovementsRejectsStaleTransition(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-CAS-IT-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_levels WHERE sku = $1`, sku)
	})

	now := time.Now().UTC()
	checkout, err := s.CreateCheckout(ctx, domain.Checkout{
		ShopID:    "main-shop",
		Currency:  "USD",
		Status:    domain.CheckoutCompleted,
		Rounding:  domain.DefaultRoundingPolicy(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM checkouts WHERE id = $1`, checkout.ID)
	})

	_, err = s.AppendMovements(ctx, []domain.StockMovement{
		{ShopID: "main-shop", SKU: sku, WarehouseID: "wh-it", Direction: domain.Inbound, Quantity: 1, Reference: checkout.Reference()},
	}, &store.Transition{
		Entity: store.EntityCheckout,
		ID:     checkout.ID,
		From:   []string{string(domain.CheckoutProcessing)},
		To:     string(domain.CheckoutCancelled),
		At:     now,
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	sum, err := s.SumMovements(ctx, sku, "wh-it")
	if err != nil {
		t.Fatalf("sum movements: %v", err)
	}
	if sum != 0 {
		t.Fatalf("expected no movements after rejected transition, got sum %d", sum)
	}
}
