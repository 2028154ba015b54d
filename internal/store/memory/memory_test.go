package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
)

func outbound(sku string, qty int, ref string) domain.StockMovement {
	return domain.StockMovement{ShopID: "main-shop", SKU: sku, WarehouseID: "wh-main", Direction: domain.Outbound, Quantity: qty, Reference: ref}
}

func TestSeededLevelsMatchMovementSums(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	for _, sku := range []string{"SKU-COFFEE-250", "SKU-MUG-WHITE", "SKU-FILTER-100"} {
		level, err := s.StockLevel(ctx, sku, "wh-main")
		require.NoError(t, err)
		sum, err := s.SumMovements(ctx, sku, "wh-main")
		require.NoError(t, err)
		assert.Equal(t, 120, level, sku)
		assert.Equal(t, level, sum, sku)
	}
}

func TestAppendMovementsIsAllOrNothing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.AppendMovements(ctx, []domain.StockMovement{
		outbound("SKU-COFFEE-250", 3, "ShopCheckouts#a"),
		outbound("SKU-MUG-WHITE", 500, "ShopCheckouts#a"),
	}, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	moves, err := s.ListMovementsByReference(ctx, "ShopCheckouts#a")
	require.NoError(t, err)
	assert.Empty(t, moves)

	level, err := s.StockLevel(ctx, "SKU-COFFEE-250", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, 120, level)
}

func TestAppendMovementsAllowsIgnoreStockBelowZero(t *testing.T) {
	s := New()
	ctx := context.Background()

	m := outbound("SKU-ESPRESSO", 2, "ShopCheckouts#x")
	m.IgnoreStock = true
	_, err := s.AppendMovements(ctx, []domain.StockMovement{m}, nil)
	require.NoError(t, err)

	level, err := s.StockLevel(ctx, "SKU-ESPRESSO", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, -2, level)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMovements(ctx, []domain.StockMovement{
				outbound("SKU-COFFEE-250", 3, fmt.Sprintf("ShopCheckouts#c%d", i)),
			}, nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 40, succeeded)
	level, err := s.StockLevel(ctx, "SKU-COFFEE-250", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, 0, level)
}

func TestAppendMovementsAppliesTransitionAtomically(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	checkout, err := s.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", Status: domain.CheckoutPending, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	transition := &store.Transition{
		Entity: store.EntityCheckout,
		ID:     checkout.ID,
		From:   []string{string(domain.CheckoutPending)},
		To:     string(domain.CheckoutProcessing),
		At:     now,
	}
	_, err = s.AppendMovements(ctx, []domain.StockMovement{outbound("SKU-MUG-WHITE", 1, checkout.Reference())}, transition)
	require.NoError(t, err)

	stored, err := s.GetCheckout(ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutProcessing, stored.Status)
	assert.Equal(t, checkout.Version+1, stored.Version)

	// The same transition now fails and writes nothing.
	_, err = s.AppendMovements(ctx, []domain.StockMovement{outbound("SKU-MUG-WHITE", 1, checkout.Reference())}, transition)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	moves, err := s.ListMovementsByReference(ctx, checkout.Reference())
	require.NoError(t, err)
	assert.Len(t, moves, 1)
}

func TestVoidMovementRestoresLevelOnce(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	inserted, err := s.AppendMovements(ctx, []domain.StockMovement{outbound("SKU-MUG-WHITE", 7, "ShopCheckouts#v")}, nil)
	require.NoError(t, err)

	voided, err := s.VoidMovement(ctx, inserted[0].ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.MovementVoided, voided.Status)

	level, err := s.StockLevel(ctx, "SKU-MUG-WHITE", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, 120, level)

	_, err = s.VoidMovement(ctx, inserted[0].ID, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUpdateCheckoutRejectsStaleVersion(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	checkout, err := s.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", Status: domain.CheckoutPending})
	require.NoError(t, err)

	first := *checkout
	first.CustomerID = "cust-gold"
	_, err = s.UpdateCheckout(ctx, first, domain.CheckoutPending)
	require.NoError(t, err)

	stale := *checkout
	stale.CustomerID = "someone-else"
	_, err = s.UpdateCheckout(ctx, stale, domain.CheckoutPending)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateCheckoutRejectsDuplicateExternalID(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", ExternalID: "offline:t1", Status: domain.CheckoutPending})
	require.NoError(t, err)
	_, err = s.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", ExternalID: "offline:t1", Status: domain.CheckoutPending})
	require.ErrorIs(t, err, domain.ErrConflict)

	found, err := s.FindCheckoutByExternalID(ctx, "main-shop", "offline:t1")
	require.NoError(t, err)
	assert.Equal(t, "offline:t1", found.ExternalID)
}

func TestPaymentAttemptLifecycle(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	checkout, err := s.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", Status: domain.CheckoutProcessing})
	require.NoError(t, err)
	invoice, err := s.CreateInvoice(ctx, domain.OrderInvoice{ShopID: "main-shop", CheckoutID: checkout.ID, Total: decimal.RequireFromString("20.00"), Status: domain.InvoicePending})
	require.NoError(t, err)

	attempt := domain.PaymentAttempt{
		IdempotencyKey: "key-1", ShopID: "main-shop", CheckoutID: checkout.ID, InvoiceID: invoice.ID,
		Provider: "cash", Amount: decimal.RequireFromString("25.00"), CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	begun, err := s.BeginPaymentAttempt(ctx, attempt)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceProcessing, begun.Status)

	_, err = s.BeginPaymentAttempt(ctx, attempt)
	require.ErrorIs(t, err, domain.ErrConflict)

	settled, stored, err := s.SettlePaymentAttempt(ctx, store.PaymentSettlement{
		IdempotencyKey: "key-1", Status: domain.AttemptSucceeded, ProviderRef: "cash-1", PaidAmount: attempt.Amount, At: now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptSucceeded, stored.Status)
	assert.Equal(t, domain.InvoiceOverpaid, settled.Status)
	assert.True(t, settled.Change.Equal(decimal.RequireFromString("5.00")))

	_, err = s.CreateRefund(ctx, domain.Refund{InvoiceID: invoice.ID, AttemptKey: "key-1", Amount: decimal.RequireFromString("21.00"), CreatedAt: now})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	refunded, err := s.CreateRefund(ctx, domain.Refund{InvoiceID: invoice.ID, AttemptKey: "key-1", Amount: decimal.RequireFromString("20.00"), CreatedAt: now})
	require.NoError(t, err)
	assert.True(t, refunded.TotalRefund.Equal(decimal.RequireFromString("20.00")))

	purged, err := s.PurgeExpiredAttempts(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestNextSequenceIsPerShopAndType(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, _ := s.NextSequence(ctx, "shop-a", domain.DocumentOrder)
	b, _ := s.NextSequence(ctx, "shop-a", domain.DocumentOrder)
	c, _ := s.NextSequence(ctx, "shop-a", domain.DocumentDeliveryNote)
	d, _ := s.NextSequence(ctx, "shop-b", domain.DocumentOrder)
	assert.Equal(t, []int64{1, 2, 1, 1}, []int64{a, b, c, d})
}
