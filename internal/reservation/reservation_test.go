package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/ledger"
	"checkoutengine/backend/internal/store/memory"
)

type fixture struct {
	repo    *memory.Store
	manager *Manager
	shop    domain.Shop
	catalog *domain.Catalog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.NewSeeded()
	ctx := context.Background()
	shop, err := repo.GetShop(ctx, "main-shop")
	require.NoError(t, err)
	cat, err := repo.GetCatalog(ctx, "main-shop")
	require.NoError(t, err)
	return fixture{
		repo:    repo,
		manager: New(ledger.New(repo, zap.NewNop(), nil), zap.NewNop()),
		shop:    *shop,
		catalog: cat,
	}
}

func (f fixture) checkout(t *testing.T, items ...domain.CheckoutItem) domain.Checkout {
	t.Helper()
	now := time.Now().UTC()
	for i := range items {
		items[i].ID = "item-" + items[i].RefID
		items[i].Position = i
		items[i].UnitPrice = decimal.NewFromInt(1)
	}
	created, err := f.repo.CreateCheckout(context.Background(), domain.Checkout{
		ShopID: "main-shop", Status: domain.CheckoutPending, Items: items, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	return *created
}

func line(kind domain.LineKind, ref string, qty int) domain.CheckoutItem {
	return domain.CheckoutItem{Kind: kind, RefID: ref, Quantity: qty}
}

func TestPlanExpandsBundlesAndSkipsIgnoredStock(t *testing.T) {
	f := newFixture(t)
	chk := f.checkout(t,
		line(domain.LineBundle, "bundle-starter", 2),
		line(domain.LineVariation, "var-espresso", 1),
		line(domain.LineService, "svc-gift-wrap", 1),
		line(domain.LineVariation, "var-filter-100", 3),
	)

	plan, err := f.manager.Plan(chk, f.shop, f.catalog)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, "SKU-COFFEE-250", plan[0].SKU)
	assert.Equal(t, 2, plan[0].Quantity)
	assert.Equal(t, "SKU-MUG-WHITE", plan[1].SKU)
	assert.Equal(t, "SKU-FILTER-100", plan[2].SKU)
	for _, m := range plan {
		assert.Equal(t, "wh-main", m.WarehouseID)
		assert.Equal(t, domain.Outbound, m.Direction)
		assert.Equal(t, "ShopCheckouts#"+chk.ID, m.Reference)
	}
}

func TestPlanFallsBackToProductLocation(t *testing.T) {
	f := newFixture(t)
	f.shop.StockWarehouseID = ""
	chk := f.checkout(t, line(domain.LineVariation, "var-filter-100", 1))

	plan, err := f.manager.Plan(chk, f.shop, f.catalog)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "wh-backroom", plan[0].WarehouseID)

	chk = f.checkout(t, line(domain.LineVariation, "var-mug-white", 1))
	_, err = f.manager.Plan(chk, f.shop, f.catalog)
	require.ErrorIs(t, err, domain.ErrWarehouseUnresolved)
}

func TestReserveInsufficientStockWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chk := f.checkout(t,
		line(domain.LineVariation, "var-coffee-250", 1),
		line(domain.LineVariation, "var-mug-white", 500),
	)

	_, err := f.manager.Reserve(ctx, chk, f.shop, f.catalog, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	moves, err := f.repo.ListMovementsByReference(ctx, chk.Reference())
	require.NoError(t, err)
	assert.Empty(t, moves)
	stored, err := f.repo.GetCheckout(ctx, chk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutPending, stored.Status)
}

func TestReserveThenReleaseRestoresStockExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chk := f.checkout(t, line(domain.LineBundle, "bundle-starter", 4), line(domain.LineVariation, "var-coffee-250", 1))

	_, err := f.manager.Reserve(ctx, chk, f.shop, f.catalog, time.Now().UTC())
	require.NoError(t, err)
	coffee, _ := f.repo.StockLevel(ctx, "SKU-COFFEE-250", "wh-main")
	assert.Equal(t, 115, coffee)

	released, err := f.manager.Release(ctx, chk, domain.CheckoutCancelled, "customer left", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, released, 2)

	coffee, _ = f.repo.StockLevel(ctx, "SKU-COFFEE-250", "wh-main")
	mug, _ := f.repo.StockLevel(ctx, "SKU-MUG-WHITE", "wh-main")
	assert.Equal(t, 120, coffee)
	assert.Equal(t, 120, mug)

	stored, err := f.repo.GetCheckout(ctx, chk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutCancelled, stored.Status)
	assert.Equal(t, "customer left", stored.CancelReason)

	_, err = f.manager.Release(ctx, chk, domain.CheckoutCancelled, "again", time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrInvalidState)
	coffee, _ = f.repo.StockLevel(ctx, "SKU-COFFEE-250", "wh-main")
	assert.Equal(t, 120, coffee)
}

func TestReserveIsGuardedByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chk := f.checkout(t, line(domain.LineVariation, "var-mug-white", 2))

	_, err := f.manager.Reserve(ctx, chk, f.shop, f.catalog, time.Now().UTC())
	require.NoError(t, err)
	_, err = f.manager.Reserve(ctx, chk, f.shop, f.catalog, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrInvalidState)

	mug, _ := f.repo.StockLevel(ctx, "SKU-MUG-WHITE", "wh-main")
	assert.Equal(t, 118, mug)
}

func TestReleaseBackToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chk := f.checkout(t, line(domain.LineVariation, "var-mug-white", 2))

	_, err := f.manager.Reserve(ctx, chk, f.shop, f.catalog, time.Now().UTC())
	require.NoError(t, err)
	_, err = f.manager.Release(ctx, chk, domain.CheckoutPending, "", time.Now().UTC())
	require.NoError(t, err)

	stored, err := f.repo.GetCheckout(ctx, chk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutPending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)

	// Reserving again after a release only holds the current quantity.
	_, err = f.manager.Reserve(ctx, *stored, f.shop, f.catalog, time.Now().UTC())
	require.NoError(t, err)
	mug, _ := f.repo.StockLevel(ctx, "SKU-MUG-WHITE", "wh-main")
	assert.Equal(t, 118, mug)
}
