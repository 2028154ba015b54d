package fulfillment

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
	"checkoutengine/backend/internal/order"
	"checkoutengine/backend/internal/store/memory"
)

type fixture struct {
	repo    *memory.Store
	ledger  *ledger.Ledger
	orders  *order.Projector
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
	l := ledger.New(repo, zap.NewNop(), nil)
	orders := order.New(repo, zap.NewNop())
	return fixture{
		repo:    repo,
		ledger:  l,
		orders:  orders,
		manager: New(repo, l, orders, zap.NewNop()),
		shop:    *shop,
		catalog: cat,
	}
}

func (f fixture) level(t *testing.T, sku string, warehouse string) int {
	t.Helper()
	qty, err := f.ledger.QuantityOf(context.Background(), sku, warehouse)
	require.NoError(t, err)
	return qty
}

// shippedOrder projects a completed checkout for two starter bundles.
func (f fixture) shippedOrder(t *testing.T) domain.ShopOrder {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	checkout, err := f.repo.CreateCheckout(ctx, domain.Checkout{
		ShopID:          "main-shop",
		Currency:        "USD",
		Status:          domain.CheckoutProcessing,
		ShippingAddress: &domain.Address{Country: "US"},
		Items: []domain.CheckoutItem{
			{ID: "i1", Kind: domain.LineBundle, RefID: "bundle-starter", Quantity: 2, UnitPrice: decimal.RequireFromString("13.50")},
		},
		Pricing:   domain.PriceBreakdown{Total: decimal.RequireFromString("27")},
		CreatedAt: now,
	})
	require.NoError(t, err)
	o, err := f.orders.Project(ctx, order.ProjectInput{Checkout: *checkout, Shop: f.shop, Catalog: f.catalog, At: now})
	require.NoError(t, err)
	return *o
}

func TestReceivePurchaseAddsStockOnCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:  domain.DocumentReceivePurchase,
		Lines: []domain.DocumentLine{{SKU: "SKU-MUG-WHITE", Quantity: 30}},
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "wh-main", doc.WarehouseID)
	assert.Equal(t, 120, f.level(t, "SKU-MUG-WHITE", "wh-main"))

	_, err = f.manager.Start(ctx, doc.ID)
	require.NoError(t, err)
	done, err := f.manager.Complete(ctx, f.shop, f.catalog, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentCompleted, done.Status)
	assert.Equal(t, "RP000001", done.ReferenceNo)
	assert.Equal(t, 150, f.level(t, "SKU-MUG-WHITE", "wh-main"))

	_, err = f.manager.Complete(ctx, f.shop, f.catalog, doc.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.manager.Cancel(ctx, doc.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTransferMovesBetweenWarehouses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:              domain.DocumentStockTransfer,
		WarehouseID:       "wh-main",
		TargetWarehouseID: "wh-backroom",
		Lines:             []domain.DocumentLine{{SKU: "SKU-FILTER-100", Quantity: 20}},
	}, "alice")
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, f.shop, f.catalog, doc.ID)
	require.NoError(t, err)

	assert.Equal(t, 100, f.level(t, "SKU-FILTER-100", "wh-main"))
	assert.Equal(t, 20, f.level(t, "SKU-FILTER-100", "wh-backroom"))

	movements, err := f.ledger.MovementsByReference(ctx, doc.Reference())
	require.NoError(t, err)
	assert.Len(t, movements, 2)
}

func TestTransferBeyondStockLeavesDocumentOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:              domain.DocumentStockTransfer,
		TargetWarehouseID: "wh-backroom",
		Lines:             []domain.DocumentLine{{SKU: "SKU-COFFEE-250", Quantity: 500}},
	}, "alice")
	require.NoError(t, err)

	_, err = f.manager.Complete(ctx, f.shop, f.catalog, doc.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	stored, err := f.manager.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentPending, stored.Status)
	assert.Equal(t, 120, f.level(t, "SKU-COFFEE-250", "wh-main"))
	assert.Equal(t, 0, f.level(t, "SKU-COFFEE-250", "wh-backroom"))
}

func TestStocktakeWritesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type: domain.DocumentStocktake,
		Lines: []domain.DocumentLine{
			{SKU: "SKU-COFFEE-250", Quantity: 112},
			{SKU: "SKU-MUG-WHITE", Quantity: 125},
			{SKU: "SKU-FILTER-100", Quantity: 120},
		},
	}, "alice")
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, f.shop, f.catalog, doc.ID)
	require.NoError(t, err)

	assert.Equal(t, 112, f.level(t, "SKU-COFFEE-250", "wh-main"))
	assert.Equal(t, 125, f.level(t, "SKU-MUG-WHITE", "wh-main"))
	movements, err := f.ledger.MovementsByReference(ctx, doc.Reference())
	require.NoError(t, err)
	assert.Len(t, movements, 2)
}

func TestOrderDeliveryNoteMarksDeliveredWithoutMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.shippedOrder(t)

	doc, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:    domain.DocumentDeliveryNote,
		OrderID: o.ID,
		Lines:   []domain.DocumentLine{{SKU: "SKU-COFFEE-250", Quantity: 2}, {SKU: "SKU-MUG-WHITE", Quantity: 2}},
	}, "alice")
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, f.shop, f.catalog, doc.ID)
	require.NoError(t, err)

	movements, err := f.ledger.MovementsByReference(ctx, doc.Reference())
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Equal(t, 120, f.level(t, "SKU-COFFEE-250", "wh-main"))

	updated, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShippingDelivered, updated.ShippingStatus)
}

func TestReturnNoteBoundedByOrderedQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.shippedOrder(t)

	_, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:    domain.DocumentReturnNote,
		OrderID: o.ID,
		Lines:   []domain.DocumentLine{{SKU: "SKU-MUG-WHITE", Quantity: 3}},
	}, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	first, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:    domain.DocumentReturnNote,
		OrderID: o.ID,
		Lines:   []domain.DocumentLine{{SKU: "SKU-MUG-WHITE", Quantity: 2}},
	}, "alice")
	require.NoError(t, err)

	_, err = f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:    domain.DocumentReturnNote,
		OrderID: o.ID,
		Lines:   []domain.DocumentLine{{SKU: "SKU-MUG-WHITE", Quantity: 1}},
	}, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.manager.Complete(ctx, f.shop, f.catalog, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 122, f.level(t, "SKU-MUG-WHITE", "wh-main"))
}

func TestCreateRejectsUnknownSKUAndSameWarehouseTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:  domain.DocumentReceivePurchase,
		Lines: []domain.DocumentLine{{SKU: "SKU-NOPE", Quantity: 1}},
	}, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.manager.Create(ctx, f.shop, f.catalog, domain.StockDocumentCreateRequest{
		Type:              domain.DocumentStockTransfer,
		TargetWarehouseID: "wh-main",
		Lines:             []domain.DocumentLine{{SKU: "SKU-MUG-WHITE", Quantity: 1}},
	}, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}
