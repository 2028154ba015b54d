package order

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store/memory"
)

func TestFormatReference(t *testing.T) {
	ref, err := FormatReference(domain.ReferenceNoFormat{Prefix: "SO-", Digits: 4}, 42)
	require.NoError(t, err)
	assert.Equal(t, "SO-0042", ref)

	ref, err = FormatReference(domain.ReferenceNoFormat{Prefix: "INV"}, 7)
	require.NoError(t, err)
	assert.Equal(t, "INV000007", ref)

	_, err = FormatReference(domain.ReferenceNoFormat{Prefix: "SO-", Digits: 2}, 100)
	require.ErrorIs(t, err, domain.ErrReferenceNoExhausted)
}

func TestPaymentStatusOf(t *testing.T) {
	total := decimal.RequireFromString("30")
	inv := func(paid, change, refund string) domain.OrderInvoice {
		return domain.OrderInvoice{
			Status:      domain.InvoiceCompleted,
			TotalPaid:   decimal.RequireFromString(paid),
			Change:      decimal.RequireFromString(change),
			TotalRefund: decimal.RequireFromString(refund),
		}
	}
	assert.Equal(t, domain.PaymentPending, PaymentStatusOf(total, nil))
	assert.Equal(t, domain.PaymentPartiallyPaid, PaymentStatusOf(total, []domain.OrderInvoice{inv("10", "0", "0")}))
	assert.Equal(t, domain.PaymentPaid, PaymentStatusOf(total, []domain.OrderInvoice{inv("40", "10", "0")}))
	assert.Equal(t, domain.PaymentPartiallyRefunded, PaymentStatusOf(total, []domain.OrderInvoice{inv("30", "0", "5")}))
	assert.Equal(t, domain.PaymentRefunded, PaymentStatusOf(total, []domain.OrderInvoice{inv("40", "10", "30")}))
}

type fixture struct {
	repo      *memory.Store
	projector *Projector
	shop      domain.Shop
	catalog   *domain.Catalog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.NewSeeded()
	ctx := context.Background()
	shop, err := repo.GetShop(ctx, "main-shop")
	require.NoError(t, err)
	cat, err := repo.GetCatalog(ctx, "main-shop")
	require.NoError(t, err)
	return fixture{repo: repo, projector: New(repo, zap.NewNop()), shop: *shop, catalog: cat}
}

func (f fixture) paidCheckout(t *testing.T, shipping bool, items ...domain.CheckoutItem) (domain.Checkout, domain.OrderInvoice) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	checkout := domain.Checkout{
		ShopID:   "main-shop",
		Currency: "USD",
		Status:   domain.CheckoutProcessing,
		Items:    items,
		Pricing: domain.PriceBreakdown{
			Subtotal: decimal.RequireFromString("15"),
			Total:    decimal.RequireFromString("15"),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if shipping {
		checkout.ShippingAddress = &domain.Address{Country: "US", City: "Austin"}
	}
	created, err := f.repo.CreateCheckout(ctx, checkout)
	require.NoError(t, err)
	invoice, err := f.repo.CreateInvoice(ctx, domain.OrderInvoice{
		ShopID:     "main-shop",
		CheckoutID: created.ID,
		Currency:   "USD",
		Total:      decimal.RequireFromString("15"),
		TotalPaid:  decimal.RequireFromString("15"),
		Status:     domain.InvoiceCompleted,
		CreatedAt:  now,
	})
	require.NoError(t, err)
	return *created, *invoice
}

func TestProjectCreatesOrderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checkout, invoice := f.paidCheckout(t, true,
		domain.CheckoutItem{ID: "i1", Kind: domain.LineVariation, RefID: "var-coffee-250", Name: "Coffee", Quantity: 1, UnitPrice: decimal.RequireFromString("10")},
		domain.CheckoutItem{ID: "i2", Kind: domain.LineVariation, RefID: "var-espresso", Name: "Espresso", Quantity: 1, UnitPrice: decimal.RequireFromString("5")},
	)

	in := ProjectInput{Checkout: checkout, Shop: f.shop, Catalog: f.catalog, Invoices: []domain.OrderInvoice{invoice}, At: time.Now().UTC()}
	order, err := f.projector.Project(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, "SO000001", order.ReferenceNo)
	assert.Len(t, order.Items, 2)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, domain.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, domain.ShippingPending, order.ShippingStatus)
	assert.Equal(t, domain.KitchenPending, order.KitchenStatus)
	assert.Equal(t, []string{invoice.ID}, order.InvoiceIDs)

	stored, err := f.repo.GetCheckout(ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutCompleted, stored.Status)

	linked, err := f.repo.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, linked.OrderID)
	assert.NotEmpty(t, linked.ReferenceNo)

	again, err := f.projector.Project(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)

	events, err := f.repo.FetchPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload domain.OrderCompletedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, order.ReferenceNo, payload.ReferenceNo)
}

func TestOrderSubStatusesEvolveIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checkout, invoice := f.paidCheckout(t, false,
		domain.CheckoutItem{ID: "i1", Kind: domain.LineVariation, RefID: "var-espresso", Name: "Espresso", Quantity: 3, UnitPrice: decimal.RequireFromString("5")},
	)
	order, err := f.projector.Project(ctx, ProjectInput{Checkout: checkout, Shop: f.shop, Catalog: f.catalog, Invoices: []domain.OrderInvoice{invoice}, At: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, domain.ShippingNotRequired, order.ShippingStatus)

	now := time.Now().UTC()
	order, err = f.projector.SetKitchenStatus(ctx, order.ID, domain.KitchenPreparing, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)

	_, err = f.projector.SetKitchenStatus(ctx, order.ID, domain.KitchenServed, now)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	order, err = f.projector.Confirm(ctx, order.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, order.Status)
	assert.Equal(t, domain.KitchenPreparing, order.KitchenStatus)

	_, err = f.projector.SetShippingStatus(ctx, order.ID, domain.ShippingShipped, now)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	order, err = f.projector.Cancel(ctx, order.ID, "customer left", now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.Status)
	assert.Equal(t, domain.KitchenCancelled, order.KitchenStatus)
	assert.Equal(t, domain.PaymentPaid, order.PaymentStatus)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("15")))

	_, err = f.projector.Complete(ctx, order.ID, now)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUpdateKeepsTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checkout, invoice := f.paidCheckout(t, true,
		domain.CheckoutItem{ID: "i1", Kind: domain.LineVariation, RefID: "var-mug-white", Name: "Mug", Quantity: 3, UnitPrice: decimal.RequireFromString("5")},
	)
	order, err := f.projector.Project(ctx, ProjectInput{Checkout: checkout, Shop: f.shop, Catalog: f.catalog, Invoices: []domain.OrderInvoice{invoice}, At: time.Now().UTC()})
	require.NoError(t, err)

	remark := "  leave at door "
	updated, err := f.projector.Update(ctx, order.ID, domain.OrderUpdateRequest{
		Remark:          &remark,
		ShippingAddress: &domain.Address{Country: "US", City: "Dallas"},
	}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "leave at door", updated.Remark)
	assert.Equal(t, "Dallas", updated.ShippingAddress.City)
	assert.True(t, updated.Total.Equal(order.Total))
	assert.Equal(t, order.Version+1, updated.Version)
}
