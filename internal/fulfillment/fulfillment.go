// Package fulfillment manages stock documents: delivery and return notes,
// transfers, stocktakes and purchase receipts. Completing a document emits
// its ledger movements together with the status change.
package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/ledger"
	"checkoutengine/backend/internal/order"
	"checkoutengine/backend/internal/store"
)

type Manager struct {
	docs   store.DocumentStore
	ledger *ledger.Ledger
	orders *order.Projector
	logger *zap.Logger
	now    func() time.Time
}

func New(docs store.DocumentStore, l *ledger.Ledger, orders *order.Projector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		docs:   docs,
		ledger: l,
		orders: orders,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var openStatuses = []string{string(domain.DocumentPending), string(domain.DocumentProcessing)}

func (m *Manager) Get(ctx context.Context, documentID string) (*domain.StockDocument, error) {
	return m.docs.GetDocument(ctx, documentID)
}

func (m *Manager) ListByOrder(ctx context.Context, orderID string) ([]domain.StockDocument, error) {
	return m.docs.ListDocumentsByOrder(ctx, orderID)
}

// Create validates and stores a PENDING document.
func (m *Manager) Create(ctx context.Context, shop domain.Shop, cat *domain.Catalog, req domain.StockDocumentCreateRequest, createdBy string) (*domain.StockDocument, error) {
	if !req.Type.StockDocument() {
		return nil, fmt.Errorf("%w: %q is not a stock document type", domain.ErrInvalidRequest, req.Type)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: document needs at least one line", domain.ErrInvalidRequest)
	}
	warehouseID := strings.TrimSpace(req.WarehouseID)
	if warehouseID == "" {
		warehouseID = shop.StockWarehouseID
	}
	if warehouseID == "" {
		return nil, domain.ErrWarehouseUnresolved
	}

	skus := skuIndex(cat)
	lines := make([]domain.DocumentLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		sku := strings.TrimSpace(line.SKU)
		if _, ok := skus[sku]; !ok {
			return nil, fmt.Errorf("%w: unknown sku %q", domain.ErrInvalidRequest, line.SKU)
		}
		if line.Quantity < 0 || (line.Quantity == 0 && req.Type != domain.DocumentStocktake) {
			return nil, fmt.Errorf("%w: sku %s quantity %d", domain.ErrInvalidRequest, sku, line.Quantity)
		}
		lines = append(lines, domain.DocumentLine{SKU: sku, Quantity: line.Quantity})
	}

	switch req.Type {
	case domain.DocumentStockTransfer:
		if req.TargetWarehouseID == "" || req.TargetWarehouseID == warehouseID {
			return nil, fmt.Errorf("%w: transfer needs a different target warehouse", domain.ErrInvalidRequest)
		}
	case domain.DocumentReturnNote:
		if req.OrderID == "" {
			return nil, fmt.Errorf("%w: return note needs an order", domain.ErrInvalidRequest)
		}
	}

	if req.OrderID != "" {
		if req.Type != domain.DocumentDeliveryNote && req.Type != domain.DocumentReturnNote {
			return nil, fmt.Errorf("%w: %s cannot reference an order", domain.ErrInvalidRequest, req.Type)
		}
		o, err := m.orders.Get(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if o.ShopID != shop.ID {
			return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, req.OrderID)
		}
		if req.Type == domain.DocumentReturnNote {
			if err := m.checkReturnable(ctx, *o, cat, lines); err != nil {
				return nil, err
			}
		}
	}

	now := m.now()
	doc, err := m.docs.CreateDocument(ctx, domain.StockDocument{
		ShopID:            shop.ID,
		Type:              req.Type,
		Status:            domain.DocumentPending,
		OrderID:           req.OrderID,
		WarehouseID:       warehouseID,
		TargetWarehouseID: req.TargetWarehouseID,
		Lines:             lines,
		Remark:            strings.TrimSpace(req.Remark),
		CreatedBy:         createdBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("stock document created",
		zap.String("document_id", doc.ID),
		zap.String("type", string(doc.Type)),
		zap.String("warehouse_id", doc.WarehouseID),
	)
	return doc, nil
}

// checkReturnable bounds return quantities by what the order contained,
// less what open or completed return notes already cover.
func (m *Manager) checkReturnable(ctx context.Context, o domain.ShopOrder, cat *domain.Catalog, lines []domain.DocumentLine) error {
	ordered := make(map[string]int, len(o.Items))
	for _, item := range o.Items {
		line, err := domain.NewLineItem(item.Kind, item.RefID)
		if err != nil {
			continue
		}
		reqs, err := line.StockRequirements(cat, item.Quantity)
		if err != nil {
			continue
		}
		for _, r := range reqs {
			ordered[r.SKU] += r.Quantity
		}
	}

	existing, err := m.docs.ListDocumentsByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, doc := range existing {
		if doc.Type != domain.DocumentReturnNote || doc.Status == domain.DocumentCancelled {
			continue
		}
		for _, line := range doc.Lines {
			ordered[line.SKU] -= line.Quantity
		}
	}

	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		requested[line.SKU] += line.Quantity
	}
	for sku, qty := range requested {
		if qty > ordered[sku] {
			return fmt.Errorf("%w: return of %d %s exceeds the %d still returnable", domain.ErrInvalidRequest, qty, sku, max(ordered[sku], 0))
		}
	}
	return nil
}

func (m *Manager) Start(ctx context.Context, documentID string) (*domain.StockDocument, error) {
	return m.docs.UpdateDocumentStatus(ctx, documentID,
		[]domain.DocumentStatus{domain.DocumentPending}, domain.DocumentProcessing, m.now())
}

func (m *Manager) Cancel(ctx context.Context, documentID string) (*domain.StockDocument, error) {
	doc, err := m.docs.UpdateDocumentStatus(ctx, documentID,
		[]domain.DocumentStatus{domain.DocumentPending, domain.DocumentProcessing}, domain.DocumentCancelled, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Info("stock document cancelled", zap.String("document_id", doc.ID))
	return doc, nil
}

// Complete allocates the document's reference number and writes its
// movements atomically with the COMPLETED transition. Order-linked
// delivery notes write no movements: the checkout reservation already took
// the stock.
func (m *Manager) Complete(ctx context.Context, shop domain.Shop, cat *domain.Catalog, documentID string) (*domain.StockDocument, error) {
	doc, err := m.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.DocumentPending && doc.Status != domain.DocumentProcessing {
		return nil, fmt.Errorf("%w: document %s is %s", domain.ErrInvalidState, doc.ID, doc.Status)
	}

	movements, err := m.movementsFor(ctx, *doc, cat)
	if err != nil {
		return nil, err
	}
	referenceNo, err := m.orders.AllocateReference(ctx, shop, doc.Type)
	if err != nil {
		return nil, err
	}

	at := m.now()
	if _, err := m.ledger.Append(ctx, movements, &store.Transition{
		Entity:      store.EntityDocument,
		ID:          doc.ID,
		From:        openStatuses,
		To:          string(domain.DocumentCompleted),
		ReferenceNo: referenceNo,
		At:          at,
	}); err != nil {
		return nil, err
	}

	completed, err := m.docs.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("stock document completed",
		zap.String("document_id", completed.ID),
		zap.String("reference_no", completed.ReferenceNo),
		zap.Int("movements", len(movements)),
	)

	if completed.OrderID != "" {
		target := domain.ShippingDelivered
		if completed.Type == domain.DocumentReturnNote {
			target = domain.ShippingReturned
		}
		if _, err := m.orders.SetShippingStatus(ctx, completed.OrderID, target, at); err != nil {
			// The document is final; a shipping status that cannot follow is
			// reported but does not undo it.
			m.logger.Warn("order shipping status not updated",
				zap.String("order_id", completed.OrderID),
				zap.String("document_id", completed.ID),
				zap.Error(err),
			)
		}
	}
	return completed, nil
}

func (m *Manager) movementsFor(ctx context.Context, doc domain.StockDocument, cat *domain.Catalog) ([]domain.StockMovement, error) {
	skus := skuIndex(cat)
	movement := func(sku string, warehouseID string, dir domain.MovementDirection, qty int) domain.StockMovement {
		return domain.StockMovement{
			ShopID:      doc.ShopID,
			SKU:         sku,
			WarehouseID: warehouseID,
			Direction:   dir,
			Quantity:    qty,
			Reference:   doc.Reference(),
			IgnoreStock: skus[sku].IgnoreStock,
		}
	}

	out := make([]domain.StockMovement, 0, len(doc.Lines)*2)
	switch doc.Type {
	case domain.DocumentDeliveryNote:
		if doc.OrderID != "" {
			return out, nil
		}
		for _, line := range doc.Lines {
			out = append(out, movement(line.SKU, doc.WarehouseID, domain.Outbound, line.Quantity))
		}
	case domain.DocumentReturnNote, domain.DocumentReceivePurchase:
		for _, line := range doc.Lines {
			out = append(out, movement(line.SKU, doc.WarehouseID, domain.Inbound, line.Quantity))
		}
	case domain.DocumentStockTransfer:
		for _, line := range doc.Lines {
			out = append(out,
				movement(line.SKU, doc.WarehouseID, domain.Outbound, line.Quantity),
				movement(line.SKU, doc.TargetWarehouseID, domain.Inbound, line.Quantity),
			)
		}
	case domain.DocumentStocktake:
		for _, line := range doc.Lines {
			onHand, err := m.ledger.QuantityOf(ctx, line.SKU, doc.WarehouseID)
			if err != nil {
				return nil, err
			}
			delta := line.Quantity - onHand
			switch {
			case delta > 0:
				out = append(out, movement(line.SKU, doc.WarehouseID, domain.Inbound, delta))
			case delta < 0:
				out = append(out, movement(line.SKU, doc.WarehouseID, domain.Outbound, -delta))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, doc.Type)
	}
	return out, nil
}

func skuIndex(cat *domain.Catalog) map[string]domain.Product {
	out := map[string]domain.Product{}
	if cat == nil {
		return out
	}
	for _, p := range cat.Products {
		if p.SKU != "" {
			out[p.SKU] = p
		}
	}
	return out
}
