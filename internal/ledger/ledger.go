// Package ledger is the append-only stock-movement log. On-hand quantity for
// a (sku, warehouse) is the signed sum of its NORMAL movements.
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/store"
)

type Ledger struct {
	store   store.LedgerStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(st store.LedgerStore, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:   st,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordMovement appends one movement and returns its id.
func (l *Ledger) RecordMovement(ctx context.Context, movement domain.StockMovement) (string, error) {
	inserted, err := l.Append(ctx, []domain.StockMovement{movement}, nil)
	if err != nil {
		return "", err
	}
	return inserted[0].ID, nil
}

// Append writes a batch of movements all-or-nothing, optionally together with
// a status transition on the owning checkout or document.
func (l *Ledger) Append(ctx context.Context, movements []domain.StockMovement, transition *store.Transition) ([]domain.StockMovement, error) {
	at := l.now()
	if transition != nil && transition.At.IsZero() {
		transition.At = at
	}
	for i := range movements {
		if movements[i].CreatedAt.IsZero() {
			movements[i].CreatedAt = at
		}
	}

	inserted, err := l.store.AppendMovements(ctx, movements, transition)
	if err != nil {
		l.logger.Info("ledger append rejected",
			zap.Int("movements", len(movements)),
			zap.Error(err),
		)
		return nil, err
	}

	var in, out int
	for _, m := range inserted {
		if m.Direction == domain.Outbound {
			out++
		} else {
			in++
		}
	}
	if in > 0 {
		l.metrics.ObserveMovement(string(domain.Inbound), in)
	}
	if out > 0 {
		l.metrics.ObserveMovement(string(domain.Outbound), out)
	}
	return inserted, nil
}

func (l *Ledger) QuantityOf(ctx context.Context, sku string, warehouseID string) (int, error) {
	if sku == "" || warehouseID == "" {
		return 0, domain.ErrInvalidRequest
	}
	return l.store.StockLevel(ctx, sku, warehouseID)
}

// Void marks a movement VOIDED. Voiding an INBOUND that stock has since been
// drawn from is rejected with ErrInsufficientStock.
func (l *Ledger) Void(ctx context.Context, movementID string) (*domain.StockMovement, error) {
	if movementID == "" {
		return nil, domain.ErrInvalidRequest
	}
	voided, err := l.store.VoidMovement(ctx, movementID, l.now())
	if err != nil {
		return nil, err
	}
	l.logger.Info("stock movement voided",
		zap.String("movement_id", voided.ID),
		zap.String("sku", voided.SKU),
		zap.String("warehouse_id", voided.WarehouseID),
		zap.Int("quantity", voided.Quantity),
	)
	return voided, nil
}

func (l *Ledger) Movement(ctx context.Context, movementID string) (*domain.StockMovement, error) {
	return l.store.GetMovement(ctx, movementID)
}

func (l *Ledger) MovementsByReference(ctx context.Context, reference string) ([]domain.StockMovement, error) {
	return l.store.ListMovementsByReference(ctx, reference)
}

// Verify recomputes on-hand from the movement log and compares it with the
// stored level.
func (l *Ledger) Verify(ctx context.Context, sku string, warehouseID string) error {
	level, err := l.store.StockLevel(ctx, sku, warehouseID)
	if err != nil {
		return err
	}
	sum, err := l.store.SumMovements(ctx, sku, warehouseID)
	if err != nil {
		return err
	}
	if level != sum {
		l.logger.Error("ledger drift",
			zap.String("sku", sku),
			zap.String("warehouse_id", warehouseID),
			zap.Int("level", level),
			zap.Int("sum", sum),
		)
		return fmt.Errorf("%w: %s level %d differs from movement sum %d", domain.ErrConflict, domain.StockKey(sku, warehouseID), level, sum)
	}
	return nil
}

// NetByReference returns the outstanding signed quantity per (sku, warehouse)
// for movements carrying reference, in first-seen order.
func NetByReference(movements []domain.StockMovement) []domain.StockMovement {
	order := make([]string, 0, len(movements))
	net := make(map[string]*domain.StockMovement, len(movements))
	for _, m := range movements {
		if m.Status != domain.MovementNormal {
			continue
		}
		key := domain.StockKey(m.SKU, m.WarehouseID)
		entry, ok := net[key]
		if !ok {
			entry = &domain.StockMovement{ShopID: m.ShopID, SKU: m.SKU, WarehouseID: m.WarehouseID, Reference: m.Reference, IgnoreStock: m.IgnoreStock}
			net[key] = entry
			order = append(order, key)
		}
		entry.Quantity += m.Delta()
	}

	out := make([]domain.StockMovement, 0, len(order))
	for _, key := range order {
		out = append(out, *net[key])
	}
	return out
}
