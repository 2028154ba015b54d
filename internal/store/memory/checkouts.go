package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/xid"
)

func (s *Store) CreateCheckout(_ context.Context, checkout domain.Checkout) (*domain.Checkout, error) {
	if checkout.ShopID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if checkout.ID == "" {
		checkout.ID = xid.New("chk")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkouts[checkout.ID]; exists {
		return nil, fmt.Errorf("%w: checkout %s exists", domain.ErrConflict, checkout.ID)
	}
	if checkout.ExternalID != "" {
		key := checkout.ShopID + "/" + checkout.ExternalID
		if _, exists := s.checkoutsByExternal[key]; exists {
			return nil, fmt.Errorf("%w: external id %s exists", domain.ErrConflict, checkout.ExternalID)
		}
		s.checkoutsByExternal[key] = checkout.ID
	}
	checkout.Version = 1
	s.checkouts[checkout.ID] = cloneCheckout(&checkout)
	return cloneCheckout(&checkout), nil
}

func (s *Store) GetCheckout(_ context.Context, checkoutID string) (*domain.Checkout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkout, ok := s.checkouts[checkoutID]
	if !ok {
		return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, checkoutID)
	}
	return cloneCheckout(checkout), nil
}

func (s *Store) FindCheckoutByExternalID(_ context.Context, shopID string, externalID string) (*domain.Checkout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.checkoutsByExternal[shopID+"/"+externalID]
	if !ok {
		return nil, fmt.Errorf("%w: checkout external id %s", domain.ErrNotFound, externalID)
	}
	return cloneCheckout(s.checkouts[id]), nil
}

func (s *Store) UpdateCheckout(_ context.Context, checkout domain.Checkout, expected domain.CheckoutStatus) (*domain.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.checkouts[checkout.ID]
	if !ok {
		return nil, fmt.Errorf("%w: checkout %s", domain.ErrNotFound, checkout.ID)
	}
	if stored.Status != expected {
		return nil, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, stored.Status)
	}
	if stored.Version != checkout.Version {
		return nil, fmt.Errorf("%w: checkout %s version %d, have %d", domain.ErrConflict, checkout.ID, stored.Version, checkout.Version)
	}
	checkout.Version++
	s.checkouts[checkout.ID] = cloneCheckout(&checkout)
	return cloneCheckout(&checkout), nil
}

func (s *Store) ListCheckoutsByStatus(_ context.Context, status domain.CheckoutStatus, processedBefore time.Time, limit int) ([]domain.Checkout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	out := make([]domain.Checkout, 0, limit)
	for _, c := range s.checkouts {
		if c.Status != status {
			continue
		}
		at := c.UpdatedAt
		if c.ProcessedAt != nil {
			at = *c.ProcessedAt
		}
		if !at.Before(processedBefore) {
			continue
		}
		out = append(out, *cloneCheckout(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
