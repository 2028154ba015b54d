package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
)

const (
	OfflineAccepted  = "accepted"
	OfflineDuplicate = "duplicate"
	OfflineRejected  = "rejected"
)

// ImportOffline replays checkouts captured while a register was offline.
// Each entry is keyed by its client checkout id, so sending an envelope
// again never creates a second order; an entry interrupted part way
// resumes where it stopped.
func (s *Service) ImportOffline(ctx context.Context, req domain.OfflineImportRequest) (domain.OfflineImportResponse, error) {
	if len(req.Checkouts) == 0 {
		return domain.OfflineImportResponse{}, fmt.Errorf("%w: envelope has no checkouts", domain.ErrInvalidRequest)
	}
	shopID := defaultString(req.ShopID, s.defaultShopID)
	if _, err := s.loadShop(ctx, shopID); err != nil {
		return domain.OfflineImportResponse{}, err
	}

	resp := domain.OfflineImportResponse{
		EnvelopeID: req.EnvelopeID,
		Statuses:   make([]domain.OfflineImportStatus, 0, len(req.Checkouts)),
	}
	counts := map[string]int{}
	for _, entry := range req.Checkouts {
		status := s.importOne(ctx, shopID, entry)
		counts[status.Status]++
		resp.Statuses = append(resp.Statuses, status)
	}

	s.logger.Info("offline envelope imported",
		zap.String("envelope_id", req.EnvelopeID),
		zap.Int("accepted", counts[OfflineAccepted]),
		zap.Int("duplicate", counts[OfflineDuplicate]),
		zap.Int("rejected", counts[OfflineRejected]),
	)
	s.logAudit(ctx, shopID, "offline_import", "envelope", req.EnvelopeID,
		fmt.Sprintf("accepted=%d,duplicate=%d,rejected=%d", counts[OfflineAccepted], counts[OfflineDuplicate], counts[OfflineRejected]))
	return resp, nil
}

func (s *Service) importOne(ctx context.Context, shopID string, entry domain.OfflineCheckout) domain.OfflineImportStatus {
	clientID := strings.TrimSpace(entry.ClientCheckoutID)
	status := domain.OfflineImportStatus{ClientCheckoutID: clientID}
	reject := func(err error) domain.OfflineImportStatus {
		status.Status = OfflineRejected
		status.Reason = err.Error()
		return status
	}
	if clientID == "" {
		return reject(fmt.Errorf("%w: client checkout id is required", domain.ErrInvalidRequest))
	}

	checkout, duplicate, err := s.createCheckout(ctx, domain.CheckoutCreateRequest{
		ShopID:     shopID,
		ExternalID: clientID,
		CustomerID: entry.CustomerID,
		Items:      entry.Items,
		Coupons:    entry.Coupons,
	})
	if err != nil {
		return reject(err)
	}
	status.CheckoutID = checkout.ID

	if duplicate {
		switch checkout.Status {
		case domain.CheckoutCompleted:
			status.Status = OfflineDuplicate
			if o, err := s.orders.ByCheckout(ctx, checkout.ID); err == nil {
				status.OrderID = o.ID
			}
			return status
		case domain.CheckoutCancelled:
			status.Status = OfflineRejected
			status.Reason = defaultString(checkout.CancelReason, "checkout was cancelled")
			return status
		}
	}

	if _, err := s.ProcessCheckout(ctx, checkout.ID); err != nil {
		s.discardOffline(ctx, checkout.ID, err)
		return reject(err)
	}

	paid, err := s.Pay(ctx, checkout.ID, domain.PayRequest{
		Provider:       defaultString(entry.Provider, "cash"),
		Token:          entry.Token,
		IdempotencyKey: "offline:" + clientID,
		Amount:         entry.Amount,
	})
	if err != nil {
		// A timeout may still settle at the provider; the checkout is kept so
		// the next import of this entry reconciles under the same key.
		if !errors.Is(err, domain.ErrProviderTimeout) {
			s.discardOffline(ctx, checkout.ID, err)
		}
		return reject(err)
	}
	if paid.Order == nil {
		return reject(fmt.Errorf("%w: payment of %s does not settle invoice %s", domain.ErrInvalidRequest, paid.Invoice.TotalPaid, paid.Invoice.ID))
	}
	status.Status = OfflineAccepted
	status.OrderID = paid.Order.ID
	return status
}

// discardOffline cancels an offline checkout that could not be imported.
// Checkouts holding money stay for manual review.
func (s *Service) discardOffline(ctx context.Context, checkoutID string, cause error) {
	if _, err := s.cancelCheckout(ctx, checkoutID, "offline import rejected"); err != nil {
		s.logger.Warn("offline checkout left open",
			zap.String("checkout_id", checkoutID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}
