package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/order"
	"checkoutengine/backend/internal/payment"
	"checkoutengine/backend/internal/store"
)

// ProcessCheckout freezes the cart: it reprices, reserves stock for every
// line and opens the invoice. Processing an already PROCESSING checkout
// returns it unchanged.
func (s *Service) ProcessCheckout(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	release, err := s.lockCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	defer release()

	checkout, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	switch checkout.Status {
	case domain.CheckoutProcessing:
		return *checkout, nil
	case domain.CheckoutPending:
	default:
		return domain.Checkout{}, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}
	if len(checkout.ActiveItems()) == 0 {
		return domain.Checkout{}, fmt.Errorf("%w: checkout %s has no items", domain.ErrInvalidRequest, checkout.ID)
	}

	pc, err := s.snapshot(ctx, checkout.ShopID, checkout.CustomerID)
	if err != nil {
		return domain.Checkout{}, err
	}
	breakdown, err := s.price(ctx, *checkout, pc)
	if err != nil {
		return domain.Checkout{}, err
	}
	if breakdown.Total.IsNegative() {
		return domain.Checkout{}, fmt.Errorf("%w: total %s is negative", domain.ErrInvalidRequest, breakdown.Total)
	}
	checkout.Pricing = breakdown
	checkout.UpdatedAt = s.now()
	priced, err := s.repo.UpdateCheckout(ctx, *checkout, domain.CheckoutPending)
	if err != nil {
		return domain.Checkout{}, err
	}

	if _, err := s.reservations.Reserve(ctx, *priced, *pc.shop, pc.catalog, s.now()); err != nil {
		return domain.Checkout{}, err
	}
	processed, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	invoice, err := s.payments.OpenInvoice(ctx, *processed)
	if err != nil {
		return domain.Checkout{}, err
	}

	s.metrics.ObserveTransition(string(domain.CheckoutPending), string(domain.CheckoutProcessing))
	s.logger.Info("checkout processed",
		zap.String("checkout_id", processed.ID),
		zap.String("invoice_id", invoice.ID),
		zap.String("total", processed.Pricing.Total.String()),
	)
	s.logAudit(ctx, processed.ShopID, "checkout_process", "checkout", processed.ID, "invoice="+invoice.ID)
	return *processed, nil
}

// Pay captures payment on a PROCESSING checkout. When the invoice settles
// the order is projected and the checkout completes. Retrying with the same
// idempotency key never charges twice, including after completion.
func (s *Service) Pay(ctx context.Context, checkoutID string, req domain.PayRequest) (domain.PayResponse, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return domain.PayResponse{}, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	}
	if req.Amount.IsNegative() {
		return domain.PayResponse{}, fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidRequest)
	}

	release, err := s.lockCheckout(ctx, checkoutID)
	if err != nil {
		return domain.PayResponse{}, err
	}
	defer release()

	checkout, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.PayResponse{}, err
	}
	if checkout.Status == domain.CheckoutCompleted {
		return s.replayCompleted(ctx, *checkout, key)
	}
	if checkout.Status != domain.CheckoutProcessing {
		return domain.PayResponse{}, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}
	if req.ExpectedTotal != nil && !sameAmount(*req.ExpectedTotal, checkout.Pricing.Total) {
		return domain.PayResponse{}, fmt.Errorf("%w: expected %s, checkout total is %s", domain.ErrPricingInconsistency, req.ExpectedTotal, checkout.Pricing.Total)
	}

	var invoice *domain.OrderInvoice
	if req.InvoiceID != "" {
		invoice, err = s.repo.GetInvoice(ctx, req.InvoiceID)
	} else {
		invoice, err = s.payments.OpenInvoice(ctx, *checkout)
	}
	if err != nil {
		return domain.PayResponse{}, err
	}
	if invoice.CheckoutID != checkout.ID {
		return domain.PayResponse{}, fmt.Errorf("%w: invoice %s", domain.ErrNotFound, invoice.ID)
	}
	if !invoice.Settled() && invoice.TotalPaid.IsZero() && !invoice.Total.Equal(checkout.Pricing.Total) {
		return domain.PayResponse{}, fmt.Errorf("%w: invoice %s is for %s, checkout total is %s",
			domain.ErrPricingInconsistency, invoice.ID, invoice.Total, checkout.Pricing.Total)
	}

	resp := domain.PayResponse{Invoice: *invoice}
	if !invoice.Settled() {
		result, err := s.payments.Pay(ctx, payment.PayCommand{
			ShopID:         checkout.ShopID,
			CheckoutID:     checkout.ID,
			InvoiceID:      invoice.ID,
			Provider:       req.Provider,
			Token:          req.Token,
			IdempotencyKey: key,
			Amount:         req.Amount,
			Currency:       checkout.Currency,
		})
		if err != nil {
			s.logAudit(ctx, checkout.ShopID, "checkout_pay_failed", "invoice", invoice.ID, fmt.Sprintf("key=%s,err=%v", key, err))
			if current, getErr := s.repo.GetCheckout(ctx, checkoutID); getErr == nil {
				resp.Checkout = *current
			}
			if result.Invoice.ID != "" {
				resp.Invoice = result.Invoice
			}
			resp.Replayed = result.Replayed
			return resp, err
		}
		resp.Invoice = result.Invoice
		resp.Replayed = result.Replayed
		s.logAudit(ctx, checkout.ShopID, "checkout_pay", "invoice", invoice.ID,
			fmt.Sprintf("key=%s,amount=%s,status=%s", key, result.Attempt.Amount, result.Invoice.Status))
	}

	if resp.Invoice.Settled() {
		created, err := s.completeCheckout(ctx, *checkout)
		if err != nil {
			return resp, err
		}
		resp.Order = created
	}

	current, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return resp, err
	}
	resp.Checkout = *current
	return resp, nil
}

// replayCompleted answers a pay retry that arrives after the checkout has
// already become an order.
func (s *Service) replayCompleted(ctx context.Context, checkout domain.Checkout, key string) (domain.PayResponse, error) {
	attempt, err := s.repo.GetPaymentAttempt(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PayResponse{}, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
		}
		return domain.PayResponse{}, err
	}
	if attempt.CheckoutID != checkout.ID {
		return domain.PayResponse{}, fmt.Errorf("%w: idempotency key %s belongs to checkout %s", domain.ErrConflict, key, attempt.CheckoutID)
	}
	invoice, err := s.repo.GetInvoice(ctx, attempt.InvoiceID)
	if err != nil {
		return domain.PayResponse{}, err
	}
	created, err := s.orders.ByCheckout(ctx, checkout.ID)
	if err != nil {
		return domain.PayResponse{}, err
	}
	return domain.PayResponse{Checkout: checkout, Invoice: *invoice, Order: created, Replayed: true}, nil
}

// completeCheckout projects the order for a checkout whose invoice settled.
func (s *Service) completeCheckout(ctx context.Context, checkout domain.Checkout) (*domain.ShopOrder, error) {
	shop, err := s.repo.GetShop(ctx, checkout.ShopID)
	if err != nil {
		return nil, err
	}
	cat, err := s.repo.GetCatalog(ctx, checkout.ShopID)
	if err != nil {
		return nil, err
	}
	invoices, err := s.repo.ListInvoicesByCheckout(ctx, checkout.ID)
	if err != nil {
		return nil, err
	}
	movements, err := s.ledger.MovementsByReference(ctx, checkout.Reference())
	if err != nil {
		return nil, err
	}

	created, err := s.orders.Project(ctx, order.ProjectInput{
		Checkout:  checkout,
		Shop:      *shop,
		Catalog:   cat,
		Invoices:  invoices,
		Movements: movements,
		At:        s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(domain.CheckoutProcessing), string(domain.CheckoutCompleted))
	s.logAudit(ctx, checkout.ShopID, "checkout_complete", "order", created.ID, "reference_no="+created.ReferenceNo)
	return created, nil
}

// ReleaseCheckout returns a PROCESSING checkout to PENDING, giving its
// reserved stock back so the cart can be edited again.
func (s *Service) ReleaseCheckout(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	release, err := s.lockCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	defer release()

	checkout, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	if checkout.Status != domain.CheckoutProcessing {
		return domain.Checkout{}, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}
	if err := s.ensureNoPayments(ctx, checkout.ID); err != nil {
		return domain.Checkout{}, err
	}
	if err := s.payments.CancelOpenInvoices(ctx, checkout.ID); err != nil {
		return domain.Checkout{}, err
	}
	if _, err := s.reservations.Release(ctx, *checkout, domain.CheckoutPending, "", s.now()); err != nil {
		return domain.Checkout{}, err
	}

	current, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	s.metrics.ObserveTransition(string(domain.CheckoutProcessing), string(domain.CheckoutPending))
	s.logAudit(ctx, current.ShopID, "checkout_release", "checkout", current.ID, "")
	return *current, nil
}

func (s *Service) CancelCheckout(ctx context.Context, checkoutID string, req domain.CheckoutCancelRequest) (domain.Checkout, error) {
	return s.cancelCheckout(ctx, checkoutID, defaultString(strings.TrimSpace(req.Reason), "cancelled"))
}

// ExpireCheckout cancels a checkout that sat in PROCESSING past the shop's
// order expiry.
func (s *Service) ExpireCheckout(ctx context.Context, checkoutID string) error {
	_, err := s.cancelCheckout(ctx, checkoutID, "expired")
	return err
}

func (s *Service) cancelCheckout(ctx context.Context, checkoutID string, reason string) (domain.Checkout, error) {
	release, err := s.lockCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	defer release()

	checkout, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	from := checkout.Status
	now := s.now()

	switch checkout.Status {
	case domain.CheckoutPending:
		if _, err := s.ledger.Append(ctx, nil, &store.Transition{
			Entity: store.EntityCheckout,
			ID:     checkout.ID,
			From:   []string{string(domain.CheckoutPending)},
			To:     string(domain.CheckoutCancelled),
			Reason: reason,
			At:     now,
		}); err != nil {
			return domain.Checkout{}, err
		}
	case domain.CheckoutProcessing:
		if err := s.ensureNoPayments(ctx, checkout.ID); err != nil {
			return domain.Checkout{}, err
		}
		if err := s.payments.CancelOpenInvoices(ctx, checkout.ID); err != nil {
			return domain.Checkout{}, err
		}
		if _, err := s.reservations.Release(ctx, *checkout, domain.CheckoutCancelled, reason, now); err != nil {
			return domain.Checkout{}, err
		}
	default:
		return domain.Checkout{}, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}

	current, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	s.metrics.ObserveTransition(string(from), string(domain.CheckoutCancelled))
	s.logger.Info("checkout cancelled",
		zap.String("checkout_id", current.ID),
		zap.String("from", string(from)),
		zap.String("reason", reason),
	)
	s.logAudit(ctx, current.ShopID, "checkout_cancel", "checkout", current.ID, "reason="+reason)
	return *current, nil
}

// ensureNoPayments rejects transitions that would strand captured or
// in-flight money.
func (s *Service) ensureNoPayments(ctx context.Context, checkoutID string) error {
	busy, err := s.payments.HasCaptureOrInFlight(ctx, checkoutID)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%w: checkout %s has captured or pending payments", domain.ErrInvalidState, checkoutID)
	}
	return nil
}
