package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

func (s *Store) NextSequence(_ context.Context, shopID string, docType domain.DocumentType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := shopID + "/" + string(docType)
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) CompleteCheckout(_ context.Context, completion store.OrderCompletion) (*domain.ShopOrder, error) {
	order := completion.Order
	if order.ID == "" || order.CheckoutID == "" {
		return nil, domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	checkout, ok := s.checkouts[order.CheckoutID]
	if !ok {
		return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, order.CheckoutID)
	}
	if checkout.Status != domain.CheckoutProcessing {
		return nil, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}
	if _, exists := s.ordersByCheckout[order.CheckoutID]; exists {
		return nil, fmt.Errorf("%w: checkout %s already has an order", domain.ErrConflict, order.CheckoutID)
	}
	for invoiceID := range completion.InvoiceRefs {
		if _, ok := s.invoices[invoiceID]; !ok {
			return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, invoiceID)
		}
	}
	for _, id := range completion.MovementIDs {
		if _, ok := s.movementIndex[id]; !ok {
			return nil, fmt.Errorf("%w: movement %s", domain.ErrNotFound, id)
		}
	}

	order.Version = 1
	s.orders[order.ID] = cloneOrder(&order)
	s.ordersByCheckout[order.CheckoutID] = order.ID

	for invoiceID, ref := range completion.InvoiceRefs {
		invoice := s.invoices[invoiceID]
		invoice.OrderID = order.ID
		if invoice.ReferenceNo == "" {
			invoice.ReferenceNo = ref
		}
		invoice.UpdatedAt = completion.At
	}
	for _, id := range completion.MovementIDs {
		m := &s.movements[s.movementIndex[id]]
		if m.OrderID == "" {
			m.OrderID = order.ID
		}
	}
	if completion.Event.ID != "" {
		s.outbox = append(s.outbox, completion.Event)
	}
	checkout.ApplyTransition(domain.CheckoutCompleted, "", completion.At)

	return cloneOrder(&order), nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.ShopOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return cloneOrder(order), nil
}

func (s *Store) GetOrderByCheckout(_ context.Context, checkoutID string) (*domain.ShopOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersByCheckout[checkoutID]
	if !ok {
		return nil, fmt.Errorf("%w: order for checkout %s", domain.ErrNotFound, checkoutID)
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) UpdateOrder(_ context.Context, order domain.ShopOrder) (*domain.ShopOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orders[order.ID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, order.ID)
	}
	if stored.Version != order.Version {
		return nil, fmt.Errorf("%w: order %s version %d, have %d", domain.ErrConflict, order.ID, stored.Version, order.Version)
	}
	stored.Status = order.Status
	stored.PaymentStatus = order.PaymentStatus
	stored.ShippingStatus = order.ShippingStatus
	stored.KitchenStatus = order.KitchenStatus
	stored.Remark = order.Remark
	stored.ShippingAddress = cloneAddress(order.ShippingAddress)
	stored.UpdatedAt = order.UpdatedAt
	stored.Version++
	return cloneOrder(stored), nil
}

func (s *Store) CreateDocument(_ context.Context, doc domain.StockDocument) (*domain.StockDocument, error) {
	if doc.ShopID == "" || !doc.Type.StockDocument() {
		return nil, domain.ErrInvalidRequest
	}
	if doc.ID == "" {
		doc.ID = xid.New("doc")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documents[doc.ID] = cloneDocument(&doc)
	return cloneDocument(&doc), nil
}

func (s *Store) GetDocument(_ context.Context, documentID string) (*domain.StockDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, documentID)
	}
	return cloneDocument(doc), nil
}

func (s *Store) ListDocumentsByOrder(_ context.Context, orderID string) ([]domain.StockDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockDocument, 0, 2)
	for _, doc := range s.documents {
		if doc.OrderID == orderID {
			out = append(out, *cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateDocumentStatus(_ context.Context, documentID string, from []domain.DocumentStatus, to domain.DocumentStatus, at time.Time) (*domain.StockDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, documentID)
	}
	if !slices.Contains(from, doc.Status) {
		return nil, fmt.Errorf("%w: document %s is %s", domain.ErrInvalidState, documentID, doc.Status)
	}
	doc.ApplyStatus(to, "", at)
	return cloneDocument(doc), nil
}

func (s *Store) FetchPendingOutbox(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	out := make([]domain.OutboxEvent, 0, limit)
	for _, event := range s.outbox {
		if event.Status != domain.OutboxPending {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == eventID {
			s.outbox[i].Status = domain.OutboxSent
			s.outbox[i].SentAt = &at
			return nil
		}
	}
	return fmt.Errorf("%w: outbox event %s", domain.ErrNotFound, eventID)
}

func (s *Store) MarkOutboxFailed(_ context.Context, eventID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == eventID {
			s.outbox[i].Attempts++
			s.outbox[i].LastError = reason
			return nil
		}
	}
	return fmt.Errorf("%w: outbox event %s", domain.ErrNotFound, eventID)
}
