package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/pricing"
	"checkoutengine/backend/internal/xid"
)

// pricingContext is the snapshot a checkout is priced against.
type pricingContext struct {
	shop       *domain.Shop
	catalog    *domain.Catalog
	customer   *domain.Customer
	promotions []domain.Promotion
}

func (s *Service) snapshot(ctx context.Context, shopID string, customerID string) (pricingContext, error) {
	shop, err := s.loadShop(ctx, shopID)
	if err != nil {
		return pricingContext{}, err
	}
	cat, err := s.repo.GetCatalog(ctx, shop.ID)
	if err != nil {
		return pricingContext{}, err
	}
	promotions, err := s.repo.ListPromotions(ctx, shop.ID)
	if err != nil {
		return pricingContext{}, err
	}
	pc := pricingContext{shop: shop, catalog: cat, promotions: promotions}
	if customerID != "" {
		customer, err := s.repo.GetCustomer(ctx, shop.ID, customerID)
		if err != nil {
			return pricingContext{}, err
		}
		pc.customer = customer
	}
	return pc, nil
}

// price computes the breakdown for the checkout's current contents.
func (s *Service) price(ctx context.Context, checkout domain.Checkout, pc pricingContext) (domain.PriceBreakdown, error) {
	in := pricing.Input{
		Checkout:   checkout,
		Shop:       *pc.shop,
		Catalog:    pc.catalog,
		Customer:   pc.customer,
		Promotions: pc.promotions,
		At:         s.now(),
	}

	if zone, ok := pc.shop.ShippingZoneByID(checkout.ShippingProviderID); ok && zone.Method == domain.ShippingQuote {
		if s.quoter == nil {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: shipping zone %s needs a rate provider", domain.ErrInvalidRequest, zone.ID)
		}
		quote, err := s.quoter.Quote(ctx, zone, checkout.Country(pc.shop.Country), weightOf(checkout, pc.catalog))
		if err != nil {
			return domain.PriceBreakdown{}, err
		}
		in.ShippingQuote = &quote
	}

	breakdown, err := s.pricing.Price(in)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}
	for _, note := range breakdown.Skipped {
		s.logger.Info("promotion skipped",
			zap.String("checkout_id", checkout.ID),
			zap.String("note", note))
	}
	return breakdown, nil
}

func weightOf(checkout domain.Checkout, cat *domain.Catalog) int {
	total := 0
	for _, item := range checkout.ActiveItems() {
		line, err := item.Line()
		if err != nil {
			continue
		}
		total += line.WeightGrams(cat) * item.Quantity
	}
	return total
}

func (s *Service) CreateCheckout(ctx context.Context, req domain.CheckoutCreateRequest) (domain.Checkout, error) {
	checkout, _, err := s.createCheckout(ctx, req)
	return checkout, err
}

// createCheckout reports duplicate=true when a checkout with the same
// external id already exists; that checkout is returned unchanged.
func (s *Service) createCheckout(ctx context.Context, req domain.CheckoutCreateRequest) (domain.Checkout, bool, error) {
	req.ShopID = defaultString(req.ShopID, s.defaultShopID)
	req.ExternalID = strings.TrimSpace(req.ExternalID)

	if req.ExternalID != "" {
		existing, err := s.repo.FindCheckoutByExternalID(ctx, req.ShopID, req.ExternalID)
		if err == nil {
			return *existing, true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Checkout{}, false, err
		}
	}

	pc, err := s.snapshot(ctx, req.ShopID, strings.TrimSpace(req.CustomerID))
	if err != nil {
		return domain.Checkout{}, false, err
	}

	now := s.now()
	checkout := domain.Checkout{
		ID:                 xid.New("chk"),
		ShopID:             pc.shop.ID,
		ExternalID:         req.ExternalID,
		Currency:           pc.shop.Currency,
		Status:             domain.CheckoutPending,
		CustomerID:         strings.TrimSpace(req.CustomerID),
		ShippingAddress:    normalizeAddress(req.ShippingAddress),
		BillingAddress:     normalizeAddress(req.BillingAddress),
		ShippingProviderID: strings.TrimSpace(req.ShippingProviderID),
		Rounding:           pc.shop.Rounding,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if !checkout.Rounding.Valid() {
		checkout.Rounding = domain.DefaultRoundingPolicy()
	}
	if actor, ok := ActorFromContext(ctx); ok {
		checkout.StaffID = actor.Username
	}
	if err := addItems(&checkout, pc.catalog, req.Items); err != nil {
		return domain.Checkout{}, false, err
	}
	for _, handle := range req.Coupons {
		if err := addCoupon(&checkout, pc.promotions, handle); err != nil {
			return domain.Checkout{}, false, err
		}
	}

	breakdown, err := s.price(ctx, checkout, pc)
	if err != nil {
		return domain.Checkout{}, false, err
	}
	checkout.Pricing = breakdown

	created, err := s.repo.CreateCheckout(ctx, checkout)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && req.ExternalID != "" {
			existing, findErr := s.repo.FindCheckoutByExternalID(ctx, req.ShopID, req.ExternalID)
			if findErr == nil {
				return *existing, true, nil
			}
		}
		return domain.Checkout{}, false, err
	}

	s.logAudit(ctx, created.ShopID, "checkout_create", "checkout", created.ID, fmt.Sprintf("items=%d,total=%s", len(created.Items), created.Pricing.Total))
	return *created, false, nil
}

func (s *Service) GetCheckout(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	checkout, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	return *checkout, nil
}

// mutate applies an edit to a checkout under its transition lock and
// reprices it. Only the listed statuses accept the edit.
func (s *Service) mutate(ctx context.Context, checkoutID string, action string, allowed []domain.CheckoutStatus, fn func(*domain.Checkout, pricingContext) error) (domain.Checkout, error) {
	release, err := s.lockCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	defer release()

	checkout, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	if !slices.Contains(allowed, checkout.Status) {
		return domain.Checkout{}, fmt.Errorf("%w: checkout %s is %s", domain.ErrInvalidState, checkout.ID, checkout.Status)
	}
	expected := checkout.Status

	pc, err := s.snapshot(ctx, checkout.ShopID, checkout.CustomerID)
	if err != nil {
		return domain.Checkout{}, err
	}
	if err := fn(checkout, pc); err != nil {
		return domain.Checkout{}, err
	}
	if pc.customer == nil || pc.customer.ID != checkout.CustomerID {
		pc.customer = nil
		if checkout.CustomerID != "" {
			if pc.customer, err = s.repo.GetCustomer(ctx, checkout.ShopID, checkout.CustomerID); err != nil {
				return domain.Checkout{}, err
			}
		}
	}

	checkout.UpdatedAt = s.now()
	breakdown, err := s.price(ctx, *checkout, pc)
	if err != nil {
		return domain.Checkout{}, err
	}
	if expected == domain.CheckoutProcessing && breakdown.Total.IsNegative() {
		return domain.Checkout{}, fmt.Errorf("%w: total %s is negative", domain.ErrInvalidRequest, breakdown.Total)
	}
	checkout.Pricing = breakdown

	updated, err := s.repo.UpdateCheckout(ctx, *checkout, expected)
	if err != nil {
		return domain.Checkout{}, err
	}
	if expected == domain.CheckoutProcessing {
		// Replaces an unpaid invoice opened at the old total.
		invoice, err := s.payments.OpenInvoice(ctx, *updated)
		if err != nil {
			return domain.Checkout{}, err
		}
		s.logger.Info("invoice reopened after reprice",
			zap.String("checkout_id", updated.ID),
			zap.String("invoice_id", invoice.ID),
			zap.String("total", invoice.Total.String()))
	}
	s.logAudit(ctx, updated.ShopID, action, "checkout", updated.ID, "total="+updated.Pricing.Total.String())
	return *updated, nil
}

var pendingOnly = []domain.CheckoutStatus{domain.CheckoutPending}

func (s *Service) AddItems(ctx context.Context, checkoutID string, req domain.CheckoutItemsCreateRequest) (domain.Checkout, error) {
	if len(req.Items) == 0 {
		return domain.Checkout{}, fmt.Errorf("%w: no items", domain.ErrInvalidRequest)
	}
	return s.mutate(ctx, checkoutID, "checkout_items_create", pendingOnly, func(c *domain.Checkout, pc pricingContext) error {
		return addItems(c, pc.catalog, req.Items)
	})
}

// SetItem changes an item's quantity or remark. Quantity zero soft-deletes
// the item.
func (s *Service) SetItem(ctx context.Context, checkoutID string, itemID string, req domain.CheckoutItemSetRequest) (domain.Checkout, error) {
	if req.Quantity == nil && req.Remark == nil {
		return domain.Checkout{}, fmt.Errorf("%w: nothing to change", domain.ErrInvalidRequest)
	}
	return s.mutate(ctx, checkoutID, "checkout_item_set", pendingOnly, func(c *domain.Checkout, _ pricingContext) error {
		item := findItem(c, itemID)
		if item == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
		}
		now := s.now()
		if req.Quantity != nil {
			if *req.Quantity < 0 {
				return fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
			}
			item.Quantity = *req.Quantity
			if item.Quantity == 0 {
				item.DeletedAt = &now
			}
		}
		if req.Remark != nil {
			item.Remark = strings.TrimSpace(*req.Remark)
		}
		item.UpdatedAt = now
		return nil
	})
}

func (s *Service) DeleteItems(ctx context.Context, checkoutID string, req domain.CheckoutItemsDeleteRequest) (domain.Checkout, error) {
	if len(req.ItemIDs) == 0 {
		return domain.Checkout{}, fmt.Errorf("%w: no items", domain.ErrInvalidRequest)
	}
	return s.mutate(ctx, checkoutID, "checkout_items_delete", pendingOnly, func(c *domain.Checkout, _ pricingContext) error {
		now := s.now()
		for _, id := range req.ItemIDs {
			item := findItem(c, id)
			if item == nil {
				return fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
			}
			item.Quantity = 0
			item.DeletedAt = &now
			item.UpdatedAt = now
		}
		return nil
	})
}

func (s *Service) AddCoupon(ctx context.Context, checkoutID string, req domain.CouponRequest) (domain.Checkout, error) {
	return s.mutate(ctx, checkoutID, "checkout_coupon_add", pendingOnly, func(c *domain.Checkout, pc pricingContext) error {
		return addCoupon(c, pc.promotions, req.Handle)
	})
}

func (s *Service) RemoveCoupon(ctx context.Context, checkoutID string, req domain.CouponRequest) (domain.Checkout, error) {
	handle := normalizeHandle(req.Handle)
	return s.mutate(ctx, checkoutID, "checkout_coupon_remove", pendingOnly, func(c *domain.Checkout, _ pricingContext) error {
		idx := slices.Index(c.Coupons, handle)
		if idx < 0 {
			return fmt.Errorf("%w: coupon %s is not applied", domain.ErrNotFound, handle)
		}
		c.Coupons = slices.Delete(c.Coupons, idx, idx+1)
		return nil
	})
}

func (s *Service) SetAdjustments(ctx context.Context, checkoutID string, req domain.AdjustmentsSetRequest) (domain.Checkout, error) {
	return s.mutate(ctx, checkoutID, "checkout_adjustments_set", pendingOnly, func(c *domain.Checkout, _ pricingContext) error {
		adjustments := make([]domain.Adjustment, 0, len(req.Adjustments))
		for _, adj := range req.Adjustments {
			adj.Label = strings.TrimSpace(adj.Label)
			if adj.Label == "" {
				return fmt.Errorf("%w: adjustment label is required", domain.ErrInvalidRequest)
			}
			if adj.ID == "" {
				adj.ID = xid.New("adj")
			}
			adjustments = append(adjustments, adj)
		}
		sort.SliceStable(adjustments, func(i, j int) bool {
			return adjustments[i].SortIndex < adjustments[j].SortIndex
		})
		c.Adjustments = adjustments
		return nil
	})
}

func (s *Service) SetAddress(ctx context.Context, checkoutID string, req domain.AddressSetRequest) (domain.Checkout, error) {
	if req.ShippingAddress == nil && req.BillingAddress == nil {
		return domain.Checkout{}, fmt.Errorf("%w: no address given", domain.ErrInvalidRequest)
	}
	return s.mutate(ctx, checkoutID, "checkout_address_set", pendingOnly, func(c *domain.Checkout, _ pricingContext) error {
		if req.ShippingAddress != nil {
			c.ShippingAddress = normalizeAddress(req.ShippingAddress)
		}
		if req.BillingAddress != nil {
			c.BillingAddress = normalizeAddress(req.BillingAddress)
		}
		return nil
	})
}

// SetShippingProvider selects a shipping zone; an empty id clears it.
func (s *Service) SetShippingProvider(ctx context.Context, checkoutID string, req domain.ShippingProviderSetRequest) (domain.Checkout, error) {
	providerID := strings.TrimSpace(req.ShippingProviderID)
	return s.mutate(ctx, checkoutID, "checkout_shipping_provider_set", pendingOnly, func(c *domain.Checkout, pc pricingContext) error {
		if providerID != "" {
			zone, ok := pc.shop.ShippingZoneByID(providerID)
			if !ok || !zone.Active {
				return fmt.Errorf("%w: shipping zone %s", domain.ErrInvalidRequest, providerID)
			}
		}
		c.ShippingProviderID = providerID
		return nil
	})
}

func (s *Service) SetCustomer(ctx context.Context, checkoutID string, req domain.CustomerSetRequest) (domain.Checkout, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	return s.mutate(ctx, checkoutID, "checkout_customer_set", pendingOnly, func(c *domain.Checkout, _ pricingContext) error {
		if customerID != "" {
			if _, err := s.repo.GetCustomer(ctx, c.ShopID, customerID); err != nil {
				return err
			}
		}
		c.CustomerID = customerID
		return nil
	})
}

// RecalculatePrices refreshes every item's unit price from the catalog and
// reprices. A PROCESSING checkout may only be recalculated before any money
// has been taken.
func (s *Service) RecalculatePrices(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	allowed := []domain.CheckoutStatus{domain.CheckoutPending, domain.CheckoutProcessing}
	return s.mutate(ctx, checkoutID, "checkout_price_recalculate", allowed, func(c *domain.Checkout, pc pricingContext) error {
		if c.Status == domain.CheckoutProcessing {
			busy, err := s.payments.HasCaptureOrInFlight(ctx, c.ID)
			if err != nil {
				return err
			}
			if busy {
				return fmt.Errorf("%w: checkout %s has payments", domain.ErrInvalidState, c.ID)
			}
		}
		for i := range c.Items {
			item := &c.Items[i]
			if !item.Active() {
				continue
			}
			line, err := item.Line()
			if err != nil {
				return err
			}
			price, err := line.UnitPrice(pc.catalog)
			if err != nil {
				s.logger.Info("item price not refreshed", zap.String("checkout_id", c.ID), zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			item.UnitPrice = price
			item.Name = line.Name(pc.catalog)
		}
		return nil
	})
}

// addItems appends new lines, merging into an existing active line with
// the same reference and remark. Unit prices are snapshotted here.
func addItems(c *domain.Checkout, cat *domain.Catalog, inputs []domain.CheckoutItemInput) error {
	now := c.UpdatedAt
	for _, in := range inputs {
		if in.Quantity < 1 {
			return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidRequest)
		}
		line, err := domain.NewLineItem(in.Kind, strings.TrimSpace(in.RefID))
		if err != nil {
			return err
		}
		price, err := line.UnitPrice(cat)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
			}
			return err
		}
		remark := strings.TrimSpace(in.Remark)

		merged := false
		for i := range c.Items {
			item := &c.Items[i]
			if item.Active() && item.Kind == in.Kind && item.RefID == strings.TrimSpace(in.RefID) && item.Remark == remark {
				item.Quantity += in.Quantity
				item.UpdatedAt = now
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		c.Items = append(c.Items, domain.CheckoutItem{
			ID:         xid.New("cit"),
			CheckoutID: c.ID,
			Kind:       line.Kind(),
			RefID:      strings.TrimSpace(in.RefID),
			Name:       line.Name(cat),
			Quantity:   in.Quantity,
			UnitPrice:  price,
			Remark:     remark,
			Position:   len(c.Items),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return nil
}

func addCoupon(c *domain.Checkout, promotions []domain.Promotion, raw string) error {
	handle := normalizeHandle(raw)
	if handle == "" {
		return fmt.Errorf("%w: coupon handle is required", domain.ErrInvalidRequest)
	}
	if slices.Contains(c.Coupons, handle) {
		return nil
	}
	for _, p := range promotions {
		if p.Kind == domain.PromotionCoupon && strings.EqualFold(p.Handle, handle) && p.Live() {
			c.Coupons = append(c.Coupons, handle)
			return nil
		}
	}
	return fmt.Errorf("%w: coupon %s", domain.ErrNotFound, handle)
}

func findItem(c *domain.Checkout, itemID string) *domain.CheckoutItem {
	for i := range c.Items {
		if c.Items[i].ID == itemID && c.Items[i].DeletedAt == nil {
			return &c.Items[i]
		}
	}
	return nil
}

func normalizeHandle(handle string) string {
	return strings.ToUpper(strings.TrimSpace(handle))
}

func normalizeAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	out := *addr
	out.Country = strings.ToUpper(strings.TrimSpace(out.Country))
	out.City = strings.TrimSpace(out.City)
	out.Line1 = strings.TrimSpace(out.Line1)
	return &out
}

func sameAmount(a decimal.Decimal, b decimal.Decimal) bool {
	return a.Equal(b)
}
