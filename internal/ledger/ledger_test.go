package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/store/memory"
)

func newTestLedger() (*Ledger, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, zap.NewNop(), metrics.New("ledger_test")), repo
}

func TestRecordMovementUpdatesQuantity(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	id, err := l.RecordMovement(ctx, domain.StockMovement{
		ShopID: "main-shop", SKU: "SKU-MUG-WHITE", WarehouseID: "wh-main",
		Direction: domain.Outbound, Quantity: 20, Reference: "ShopCheckouts#t1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	qty, err := l.QuantityOf(ctx, "SKU-MUG-WHITE", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, 100, qty)
	require.NoError(t, l.Verify(ctx, "SKU-MUG-WHITE", "wh-main"))
}

func TestRecordMovementNeverClamps(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.RecordMovement(ctx, domain.StockMovement{
		ShopID: "main-shop", SKU: "SKU-MUG-WHITE", WarehouseID: "wh-main",
		Direction: domain.Outbound, Quantity: 121, Reference: "ShopCheckouts#t2",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	qty, err := l.QuantityOf(ctx, "SKU-MUG-WHITE", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, 120, qty)
}

func TestVoidRestoresQuantity(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	id, err := l.RecordMovement(ctx, domain.StockMovement{
		ShopID: "main-shop", SKU: "SKU-COFFEE-250", WarehouseID: "wh-main",
		Direction: domain.Outbound, Quantity: 5, Reference: "ShopCheckouts#t3",
	})
	require.NoError(t, err)

	voided, err := l.Void(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MovementVoided, voided.Status)

	qty, err := l.QuantityOf(ctx, "SKU-COFFEE-250", "wh-main")
	require.NoError(t, err)
	assert.Equal(t, 120, qty)
	require.NoError(t, l.Verify(ctx, "SKU-COFFEE-250", "wh-main"))
}

func TestConcurrentMovementsKeepSumsEqual(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := domain.Outbound
			if i%3 == 0 {
				dir = domain.Inbound
			}
			_, _ = l.RecordMovement(ctx, domain.StockMovement{
				ShopID: "main-shop", SKU: "SKU-FILTER-100", WarehouseID: "wh-main",
				Direction: dir, Quantity: 7, Reference: "Stocktakes#race",
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, l.Verify(ctx, "SKU-FILTER-100", "wh-main"))
	qty, err := l.QuantityOf(ctx, "SKU-FILTER-100", "wh-main")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, qty, 0)
}

func TestNetByReference(t *testing.T) {
	movements := []domain.StockMovement{
		{SKU: "A", WarehouseID: "w", Direction: domain.Outbound, Quantity: 3, Status: domain.MovementNormal},
		{SKU: "B", WarehouseID: "w", Direction: domain.Outbound, Quantity: 1, Status: domain.MovementNormal},
		{SKU: "A", WarehouseID: "w", Direction: domain.Inbound, Quantity: 1, Status: domain.MovementNormal},
		{SKU: "B", WarehouseID: "w", Direction: domain.Outbound, Quantity: 9, Status: domain.MovementVoided},
	}

	net := NetByReference(movements)
	require.Len(t, net, 2)
	assert.Equal(t, "A", net[0].SKU)
	assert.Equal(t, -2, net[0].Quantity)
	assert.Equal(t, "B", net[1].SKU)
	assert.Equal(t, -1, net[1].Quantity)
}
