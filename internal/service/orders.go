package service

import (
	"context"
	"fmt"
	"strings"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/payment"
)

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (domain.OrderInvoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.OrderInvoice{}, err
	}
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, checkoutID string) ([]domain.OrderInvoice, error) {
	if _, err := s.repo.GetCheckout(ctx, checkoutID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoicesByCheckout(ctx, checkoutID)
}

// CancelInvoice voids an invoice nothing has been paid against.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID string) (domain.OrderInvoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.OrderInvoice{}, err
	}
	release, err := s.lockCheckout(ctx, invoice.CheckoutID)
	if err != nil {
		return domain.OrderInvoice{}, err
	}
	defer release()

	if err := s.ensureNoPayments(ctx, invoice.CheckoutID); err != nil {
		return domain.OrderInvoice{}, err
	}
	cancelled, err := s.repo.CancelInvoice(ctx, invoice.ID, s.now())
	if err != nil {
		return domain.OrderInvoice{}, err
	}
	s.logAudit(ctx, cancelled.ShopID, "invoice_cancel", "invoice", cancelled.ID, "")
	return *cancelled, nil
}

// RefundInvoice returns money from a paid invoice and updates the payment
// status of its order. Stock is not touched; returned goods come back
// through a return note.
func (s *Service) RefundInvoice(ctx context.Context, invoiceID string, req domain.InvoiceRefundRequest) (domain.InvoiceRefundResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.InvoiceRefundResponse{}, fmt.Errorf("%w: refund reason is required", domain.ErrInvalidRequest)
	}
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.InvoiceRefundResponse{}, err
	}
	release, err := s.lockCheckout(ctx, invoice.CheckoutID)
	if err != nil {
		return domain.InvoiceRefundResponse{}, err
	}
	defer release()

	createdBy := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		createdBy = actor.Username
	}
	updated, refunds, err := s.payments.Refund(ctx, payment.RefundCommand{
		InvoiceID: invoice.ID,
		Amount:    req.Amount,
		Reason:    reason,
		CreatedBy: createdBy,
	})
	if err != nil {
		return domain.InvoiceRefundResponse{}, err
	}

	if updated.OrderID != "" {
		invoices, err := s.repo.ListInvoicesByCheckout(ctx, updated.CheckoutID)
		if err != nil {
			return domain.InvoiceRefundResponse{}, err
		}
		if _, err := s.orders.SyncPayment(ctx, updated.OrderID, invoices, s.now()); err != nil {
			return domain.InvoiceRefundResponse{}, err
		}
	}
	s.logAudit(ctx, updated.ShopID, "invoice_refund", "invoice", updated.ID,
		fmt.Sprintf("amount=%s,reason=%s", req.Amount, reason))
	return domain.InvoiceRefundResponse{Invoice: *updated, Refunds: refunds}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.ShopOrder, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.ShopOrder{}, err
	}
	return *o, nil
}

func (s *Service) GetOrderByCheckout(ctx context.Context, checkoutID string) (domain.ShopOrder, error) {
	o, err := s.orders.ByCheckout(ctx, checkoutID)
	if err != nil {
		return domain.ShopOrder{}, err
	}
	return *o, nil
}

func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (domain.ShopOrder, error) {
	o, err := s.orders.Confirm(ctx, orderID, s.now())
	if err != nil {
		return domain.ShopOrder{}, err
	}
	s.logAudit(ctx, o.ShopID, "order_confirm", "order", o.ID, "")
	return *o, nil
}

func (s *Service) CompleteOrder(ctx context.Context, orderID string) (domain.ShopOrder, error) {
	o, err := s.orders.Complete(ctx, orderID, s.now())
	if err != nil {
		return domain.ShopOrder{}, err
	}
	s.logAudit(ctx, o.ShopID, "order_complete", "order", o.ID, "")
	return *o, nil
}

// CancelOrder cancels the order record only. Money goes back through
// RefundInvoice and goods through a return note.
func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.OrderCancelRequest) (domain.ShopOrder, error) {
	reason := strings.TrimSpace(req.Reason)
	o, err := s.orders.Cancel(ctx, orderID, reason, s.now())
	if err != nil {
		return domain.ShopOrder{}, err
	}
	s.logAudit(ctx, o.ShopID, "order_cancel", "order", o.ID, "reason="+reason)
	return *o, nil
}

func (s *Service) SetOrderKitchenStatus(ctx context.Context, orderID string, req domain.OrderKitchenStatusRequest) (domain.ShopOrder, error) {
	o, err := s.orders.SetKitchenStatus(ctx, orderID, req.Status, s.now())
	if err != nil {
		return domain.ShopOrder{}, err
	}
	s.logAudit(ctx, o.ShopID, "order_kitchen_status", "order", o.ID, "status="+string(o.KitchenStatus))
	return *o, nil
}

// SetOrderShippingStatus moves shipping forward by hand. DELIVERED and
// RETURNED are normally reached by completing a delivery or return note.
func (s *Service) SetOrderShippingStatus(ctx context.Context, orderID string, req domain.OrderShippingStatusRequest) (domain.ShopOrder, error) {
	o, err := s.orders.SetShippingStatus(ctx, orderID, req.Status, s.now())
	if err != nil {
		return domain.ShopOrder{}, err
	}
	s.logAudit(ctx, o.ShopID, "order_shipping_status", "order", o.ID, "status="+string(o.ShippingStatus))
	return *o, nil
}

func (s *Service) UpdateOrder(ctx context.Context, orderID string, req domain.OrderUpdateRequest) (domain.ShopOrder, error) {
	req.ShippingAddress = normalizeAddress(req.ShippingAddress)
	o, err := s.orders.Update(ctx, orderID, req, s.now())
	if err != nil {
		return domain.ShopOrder{}, err
	}
	s.logAudit(ctx, o.ShopID, "order_update", "order", o.ID, "")
	return *o, nil
}

func (s *Service) CreateStockDocument(ctx context.Context, req domain.StockDocumentCreateRequest) (domain.StockDocument, error) {
	shop, err := s.loadShop(ctx, req.ShopID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	cat, err := s.repo.GetCatalog(ctx, shop.ID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	createdBy := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		createdBy = actor.Username
	}
	doc, err := s.documents.Create(ctx, *shop, cat, req, createdBy)
	if err != nil {
		return domain.StockDocument{}, err
	}
	s.logAudit(ctx, doc.ShopID, "document_create", "document", doc.ID, "type="+string(doc.Type))
	return *doc, nil
}

func (s *Service) GetStockDocument(ctx context.Context, documentID string) (domain.StockDocument, error) {
	doc, err := s.documents.Get(ctx, documentID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	return *doc, nil
}

func (s *Service) ListOrderDocuments(ctx context.Context, orderID string) ([]domain.StockDocument, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.documents.ListByOrder(ctx, orderID)
}

func (s *Service) StartStockDocument(ctx context.Context, documentID string) (domain.StockDocument, error) {
	doc, err := s.documents.Start(ctx, documentID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	s.logAudit(ctx, doc.ShopID, "document_start", "document", doc.ID, "")
	return *doc, nil
}

func (s *Service) CompleteStockDocument(ctx context.Context, documentID string) (domain.StockDocument, error) {
	doc, err := s.documents.Get(ctx, documentID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	shop, err := s.repo.GetShop(ctx, doc.ShopID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	cat, err := s.repo.GetCatalog(ctx, doc.ShopID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	completed, err := s.documents.Complete(ctx, *shop, cat, documentID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	s.logAudit(ctx, completed.ShopID, "document_complete", "document", completed.ID, "reference_no="+completed.ReferenceNo)
	return *completed, nil
}

func (s *Service) CancelStockDocument(ctx context.Context, documentID string) (domain.StockDocument, error) {
	doc, err := s.documents.Cancel(ctx, documentID)
	if err != nil {
		return domain.StockDocument{}, err
	}
	s.logAudit(ctx, doc.ShopID, "document_cancel", "document", doc.ID, "")
	return *doc, nil
}

func (s *Service) StockLevel(ctx context.Context, sku string, warehouseID string) (domain.StockLevel, error) {
	sku = strings.TrimSpace(sku)
	warehouseID = strings.TrimSpace(warehouseID)
	if warehouseID == "" {
		shop, err := s.loadShop(ctx, "")
		if err != nil {
			return domain.StockLevel{}, err
		}
		warehouseID = shop.StockWarehouseID
	}
	qty, err := s.ledger.QuantityOf(ctx, sku, warehouseID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	return domain.StockLevel{SKU: sku, WarehouseID: warehouseID, Quantity: qty}, nil
}

func (s *Service) MovementsByReference(ctx context.Context, reference string) ([]domain.StockMovement, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", domain.ErrInvalidRequest)
	}
	return s.ledger.MovementsByReference(ctx, reference)
}

// VoidMovement retracts a ledger movement recorded in error.
func (s *Service) VoidMovement(ctx context.Context, movementID string, req domain.MovementVoidRequest) (domain.StockMovement, error) {
	voided, err := s.ledger.Void(ctx, movementID)
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.logAudit(ctx, voided.ShopID, "movement_void", "movement", voided.ID, "reason="+strings.TrimSpace(req.Reason))
	return *voided, nil
}

// VerifyStock compares the stored level with the movement log.
func (s *Service) VerifyStock(ctx context.Context, sku string, warehouseID string) error {
	if err := requireRole(ctx, "admin"); err != nil {
		return err
	}
	return s.ledger.Verify(ctx, sku, warehouseID)
}
