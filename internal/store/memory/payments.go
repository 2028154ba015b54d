package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

func (s *Store) CreateInvoice(_ context.Context, invoice domain.OrderInvoice) (*domain.OrderInvoice, error) {
	if invoice.CheckoutID == "" || invoice.Total.IsNegative() {
		return nil, domain.ErrInvalidRequest
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkouts[invoice.CheckoutID]; !ok {
		return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, invoice.CheckoutID)
	}
	stored := invoice
	s.invoices[invoice.ID] = &stored
	return &invoice, nil
}

func (s *Store) GetInvoice(_ context.Context, invoiceID string) (*domain.OrderInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, invoiceID)
	}
	out := *invoice
	return &out, nil
}

func (s *Store) ListInvoicesByCheckout(_ context.Context, checkoutID string) ([]domain.OrderInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OrderInvoice, 0, 2)
	for _, invoice := range s.invoices {
		if invoice.CheckoutID == checkoutID {
			out = append(out, *invoice)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CancelInvoice(_ context.Context, invoiceID string, at time.Time) (*domain.OrderInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, invoiceID)
	}
	if invoice.Status != domain.InvoicePending || !invoice.TotalPaid.IsZero() {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvalidState, invoiceID, invoice.Status)
	}
	invoice.Status = domain.InvoiceCancelled
	invoice.UpdatedAt = at
	out := *invoice
	return &out, nil
}

func (s *Store) GetPaymentAttempt(_ context.Context, idempotencyKey string) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.attempts[idempotencyKey]
	if !ok {
		return nil, fmt.Errorf("%w: payment attempt %s", domain.ErrNotFound, idempotencyKey)
	}
	out := *attempt
	return &out, nil
}

func (s *Store) ListPaymentAttempts(_ context.Context, invoiceID string) ([]domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PaymentAttempt, 0, 2)
	for _, attempt := range s.attempts {
		if attempt.InvoiceID == invoiceID {
			out = append(out, *attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out, nil
}

func (s *Store) BeginPaymentAttempt(_ context.Context, attempt domain.PaymentAttempt) (*domain.OrderInvoice, error) {
	if attempt.IdempotencyKey == "" || attempt.InvoiceID == "" {
		return nil, domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[attempt.IdempotencyKey]; exists {
		return nil, fmt.Errorf("%w: idempotency key %s", domain.ErrConflict, attempt.IdempotencyKey)
	}
	checkout, ok := s.checkouts[attempt.CheckoutID]
	if !ok {
		return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, attempt.CheckoutID)
	}
	if checkout.Status != domain.CheckoutProcessing {
		return nil, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}
	invoice, ok := s.invoices[attempt.InvoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, attempt.InvoiceID)
	}
	if invoice.Status != domain.InvoicePending || invoice.CheckoutID != checkout.ID {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvalidState, invoice.ID, invoice.Status)
	}

	invoice.Status = domain.InvoiceProcessing
	invoice.UpdatedAt = attempt.CreatedAt
	stored := attempt
	stored.Status = domain.AttemptPending
	s.attempts[attempt.IdempotencyKey] = &stored

	out := *invoice
	return &out, nil
}

func (s *Store) SettlePaymentAttempt(_ context.Context, settlement store.PaymentSettlement) (*domain.OrderInvoice, *domain.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[settlement.IdempotencyKey]
	if !ok {
		return nil, nil, fmt.Errorf("%w: payment attempt %s", domain.ErrNotFound, settlement.IdempotencyKey)
	}
	invoice, ok := s.invoices[attempt.InvoiceID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, attempt.InvoiceID)
	}
	if attempt.Status != domain.AttemptPending {
		return nil, nil, fmt.Errorf("%w: payment attempt %s already %s", domain.ErrInvalidState, attempt.IdempotencyKey, attempt.Status)
	}

	attempt.Status = settlement.Status
	attempt.ProviderRef = settlement.ProviderRef
	attempt.FailureClass = settlement.FailureClass
	attempt.FailureMessage = settlement.FailureMessage
	attempt.UpdatedAt = settlement.At

	switch settlement.Status {
	case domain.AttemptSucceeded:
		invoice.ApplyPayment(settlement.PaidAmount, attempt.Provider, settlement.At)
	case domain.AttemptFailed:
		if invoice.Status == domain.InvoiceProcessing {
			invoice.Status = domain.InvoicePending
			invoice.UpdatedAt = settlement.At
		}
	}

	outInvoice := *invoice
	outAttempt := *attempt
	return &outInvoice, &outAttempt, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund) (*domain.OrderInvoice, error) {
	if !refund.Amount.IsPositive() {
		return nil, domain.ErrInvalidRequest
	}
	if refund.ID == "" {
		refund.ID = xid.New("rfd")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoices[refund.InvoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, refund.InvoiceID)
	}
	attempt, ok := s.attempts[refund.AttemptKey]
	if !ok || attempt.InvoiceID != invoice.ID || attempt.Status != domain.AttemptSucceeded {
		return nil, fmt.Errorf("%w: payment attempt %s", domain.ErrNotFound, refund.AttemptKey)
	}
	if refund.Amount.GreaterThan(invoice.Refundable()) || refund.Amount.GreaterThan(attempt.Amount.Sub(attempt.Refunded)) {
		return nil, fmt.Errorf("%w: refund exceeds refundable amount", domain.ErrInvalidRequest)
	}

	invoice.TotalRefund = invoice.TotalRefund.Add(refund.Amount)
	invoice.UpdatedAt = refund.CreatedAt
	attempt.Refunded = attempt.Refunded.Add(refund.Amount)
	s.refunds[invoice.ID] = append(s.refunds[invoice.ID], refund)

	out := *invoice
	return &out, nil
}

func (s *Store) ListRefunds(_ context.Context, invoiceID string) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.Refund(nil), s.refunds[invoiceID]...), nil
}

func (s *Store) PurgeExpiredAttempts(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, attempt := range s.attempts {
		if attempt.Status != domain.AttemptFailed || !attempt.ExpiresAt.Before(before) {
			continue
		}
		delete(s.attempts, key)
		purged++
	}
	return purged, nil
}
