package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

// Store is an in-memory Repository. Map access is guarded by mu; ledger
// writes are additionally serialized per (sku, warehouse) through keys.
type Store struct {
	mu   sync.RWMutex
	keys *keyLocks

	shops      map[string]domain.Shop
	catalogs   map[string]*domain.Catalog
	customers  map[string]domain.Customer
	promotions map[string]domain.Promotion

	checkouts           map[string]*domain.Checkout
	checkoutsByExternal map[string]string

	movements     []domain.StockMovement
	movementIndex map[string]int
	levels        map[string]int

	invoices map[string]*domain.OrderInvoice
	attempts map[string]*domain.PaymentAttempt
	refunds  map[string][]domain.Refund

	sequences        map[string]int64
	orders           map[string]*domain.ShopOrder
	ordersByCheckout map[string]string
	documents        map[string]*domain.StockDocument
	outbox           []domain.OutboxEvent
	auditLogs        []domain.AuditLog
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		keys:                newKeyLocks(),
		shops:               map[string]domain.Shop{},
		catalogs:            map[string]*domain.Catalog{},
		customers:           map[string]domain.Customer{},
		promotions:          map[string]domain.Promotion{},
		checkouts:           map[string]*domain.Checkout{},
		checkoutsByExternal: map[string]string{},
		movementIndex:       map[string]int{},
		levels:              map[string]int{},
		invoices:            map[string]*domain.OrderInvoice{},
		attempts:            map[string]*domain.PaymentAttempt{},
		refunds:             map[string][]domain.Refund{},
		sequences:           map[string]int64{},
		orders:              map[string]*domain.ShopOrder{},
		ordersByCheckout:    map[string]string{},
		documents:           map[string]*domain.StockDocument{},
	}
}

// NewSeeded returns a store with a demo shop, catalog and opening stock for
// local development.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	money := decimal.RequireFromString

	shop := domain.Shop{
		ID:                 "main-shop",
		Name:               "Main Shop",
		Currency:           "USD",
		Country:            "US",
		StockWarehouseID:   "wh-main",
		OrderExpiryMinutes: 30,
		Rounding:           domain.DefaultRoundingPolicy(),
		TaxZones: []domain.TaxZone{
			{Country: "US", RatePercent: decimal.Zero},
			{Country: "ID", RatePercent: money("11"), TaxShipping: true},
		},
		ShippingZones: []domain.ShippingZone{
			{ID: "local-flat", Name: "Local courier", Method: domain.ShippingFlat, BaseFee: money("5.00"), Active: true},
			{ID: "parcel-weight", Name: "Parcel", Method: domain.ShippingWeight, BaseFee: money("3.00"), PerKg: money("1.50"), Active: true},
			{ID: "courier-quote", Name: "Courier partner", Method: domain.ShippingQuote, Active: true},
		},
		Active: true,
	}
	_ = s.SaveShop(ctx, shop)

	products := []domain.Product{
		{ID: "var-coffee-250", ProductID: "prod-coffee", SKU: "SKU-COFFEE-250", Name: "House Blend 250g", Price: money("10.00"), CollectionIDs: []string{"col-coffee"}, Tags: []string{"coffee"}, WeightGrams: 250},
		{ID: "var-mug-white", ProductID: "prod-mug", SKU: "SKU-MUG-WHITE", Name: "Enamel Mug", Price: money("5.00"), CollectionIDs: []string{"col-gear"}, WeightGrams: 300},
		{ID: "var-filter-100", ProductID: "prod-filter", SKU: "SKU-FILTER-100", Name: "Paper Filters x100", Price: money("4.50"), CollectionIDs: []string{"col-gear"}, WeightGrams: 120, StockLocations: []string{"wh-backroom"}},
		{ID: "var-espresso", ProductID: "prod-espresso", SKU: "SKU-ESPRESSO", Name: "Espresso", Price: money("3.20"), IgnoreStock: true, Kitchen: true},
		{ID: "var-gift-card", ProductID: "prod-gift-card", SKU: "SKU-GIFT-25", Name: "Gift Card 25", Price: money("25.00"), IgnoreStock: true},
	}
	for _, p := range products {
		p.ShopID = shop.ID
		p.Active = true
		_ = s.SaveProduct(ctx, p)
	}
	_ = s.SaveBundle(ctx, domain.Bundle{
		ID: "bundle-starter", ShopID: shop.ID, Name: "Starter Kit", Price: money("13.50"), Active: true,
		Components: []domain.BundleComponent{{VariationID: "var-coffee-250", Quantity: 1}, {VariationID: "var-mug-white", Quantity: 1}},
	})
	_ = s.SaveService(ctx, domain.ServiceBundle{ID: "svc-gift-wrap", ShopID: shop.ID, Name: "Gift Wrap", Price: money("2.00"), Active: true})
	_ = s.SaveCustomer(ctx, domain.Customer{ID: "cust-gold", ShopID: shop.ID, Name: "Gold Member", MemberTier: "GOLD", Tags: []string{"vip"}})

	_ = s.SavePromotion(ctx, domain.Promotion{
		ID: "promo-welcome5", ShopID: shop.ID, Kind: domain.PromotionCoupon, Handle: "WELCOME5", Name: "Welcome 5 off",
		Active: true, SortIndex: 10,
		Action: domain.PromotionAction{Type: domain.ActionOrder},
		Value:  domain.PromotionValue{Type: domain.ValueAmount, Amount: money("5.00")},
		CreatedAt: now,
	})
	_ = s.SavePromotion(ctx, domain.Promotion{
		ID: "promo-freeship", ShopID: shop.ID, Kind: domain.PromotionCoupon, Handle: "FREESHIP", Name: "Free shipping",
		Active: true, SortIndex: 20,
		Action:    domain.PromotionAction{Type: domain.ActionFreeShip},
		CreatedAt: now,
	})

	seed := make([]domain.StockMovement, 0, 3)
	for _, p := range products[:2] {
		seed = append(seed, domain.StockMovement{ShopID: shop.ID, SKU: p.SKU, WarehouseID: "wh-main", Direction: domain.Inbound, Quantity: 120, Reference: "Seed#opening"})
	}
	seed = append(seed, domain.StockMovement{ShopID: shop.ID, SKU: "SKU-FILTER-100", WarehouseID: "wh-main", Direction: domain.Inbound, Quantity: 120, Reference: "Seed#opening"})
	if _, err := s.AppendMovements(ctx, seed, nil); err != nil {
		panic(fmt.Sprintf("seed movements: %v", err))
	}

	return s
}

func (s *Store) GetShop(_ context.Context, shopID string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shop, ok := s.shops[shopID]
	if !ok {
		return nil, fmt.Errorf("%w: shop %s", domain.ErrNotFound, shopID)
	}
	cloned := cloneShop(shop)
	return &cloned, nil
}

func (s *Store) SaveShop(_ context.Context, shop domain.Shop) error {
	if shop.ID == "" {
		return domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shops[shop.ID] = cloneShop(shop)
	if _, ok := s.catalogs[shop.ID]; !ok {
		s.catalogs[shop.ID] = domain.NewCatalog(shop.ID)
	}
	return nil
}

func (s *Store) GetCatalog(_ context.Context, shopID string) (*domain.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cat, ok := s.catalogs[shopID]
	if !ok {
		return nil, fmt.Errorf("%w: catalog %s", domain.ErrNotFound, shopID)
	}
	return cloneCatalog(cat), nil
}

func (s *Store) catalogFor(shopID string) *domain.Catalog {
	cat, ok := s.catalogs[shopID]
	if !ok {
		cat = domain.NewCatalog(shopID)
		s.catalogs[shopID] = cat
	}
	return cat
}

func (s *Store) SaveProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" || product.ShopID == "" || product.SKU == "" {
		return domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	product.StockLocations = slices.Clone(product.StockLocations)
	product.CollectionIDs = slices.Clone(product.CollectionIDs)
	product.Tags = slices.Clone(product.Tags)
	s.catalogFor(product.ShopID).Products[product.ID] = product
	return nil
}

func (s *Store) SaveBundle(_ context.Context, bundle domain.Bundle) error {
	if bundle.ID == "" || bundle.ShopID == "" || len(bundle.Components) == 0 {
		return domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle.Components = slices.Clone(bundle.Components)
	s.catalogFor(bundle.ShopID).Bundles[bundle.ID] = bundle
	return nil
}

func (s *Store) SaveService(_ context.Context, service domain.ServiceBundle) error {
	if service.ID == "" || service.ShopID == "" {
		return domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalogFor(service.ShopID).Services[service.ID] = service
	return nil
}

func (s *Store) GetCustomer(_ context.Context, shopID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[shopID+"/"+customerID]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
	}
	customer.Tags = slices.Clone(customer.Tags)
	return &customer, nil
}

func (s *Store) SaveCustomer(_ context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.ShopID == "" {
		return domain.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	customer.Tags = slices.Clone(customer.Tags)
	s.customers[customer.ShopID+"/"+customer.ID] = customer
	return nil
}

func (s *Store) ListPromotions(_ context.Context, shopID string) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		if p.ShopID == shopID {
			out = append(out, clonePromotion(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortIndex != out[j].SortIndex {
			return out[i].SortIndex < out[j].SortIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) SavePromotion(_ context.Context, promotion domain.Promotion) error {
	if promotion.ID == "" || promotion.ShopID == "" {
		return domain.ErrInvalidRequest
	}
	if promotion.CreatedAt.IsZero() {
		promotion.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.promotions[promotion.ID] = clonePromotion(promotion)
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.ShopID != shopID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func cloneShop(src domain.Shop) domain.Shop {
	dst := src
	if src.ReferenceFormats != nil {
		dst.ReferenceFormats = make(map[domain.DocumentType]domain.ReferenceNoFormat, len(src.ReferenceFormats))
		for k, v := range src.ReferenceFormats {
			dst.ReferenceFormats[k] = v
		}
	}
	dst.TaxZones = slices.Clone(src.TaxZones)
	dst.ShippingZones = make([]domain.ShippingZone, len(src.ShippingZones))
	for i, zone := range src.ShippingZones {
		zone.Countries = slices.Clone(zone.Countries)
		dst.ShippingZones[i] = zone
	}
	return dst
}

func cloneCatalog(src *domain.Catalog) *domain.Catalog {
	dst := domain.NewCatalog(src.ShopID)
	for id, p := range src.Products {
		p.StockLocations = slices.Clone(p.StockLocations)
		p.CollectionIDs = slices.Clone(p.CollectionIDs)
		p.Tags = slices.Clone(p.Tags)
		dst.Products[id] = p
	}
	for id, b := range src.Bundles {
		b.Components = slices.Clone(b.Components)
		dst.Bundles[id] = b
	}
	for id, svc := range src.Services {
		dst.Services[id] = svc
	}
	return dst
}

func clonePromotion(src domain.Promotion) domain.Promotion {
	dst := src
	dst.Triggers = slices.Clone(src.Triggers)
	dst.Action.TargetIDs = slices.Clone(src.Action.TargetIDs)
	dst.ExcludedDiscountIDs = slices.Clone(src.ExcludedDiscountIDs)
	dst.ExcludedProductIDs = slices.Clone(src.ExcludedProductIDs)
	return dst
}

func cloneAddress(src *domain.Address) *domain.Address {
	if src == nil {
		return nil
	}
	dst := *src
	return &dst
}

func cloneCheckout(src *domain.Checkout) *domain.Checkout {
	dst := *src
	dst.Items = slices.Clone(src.Items)
	dst.Coupons = slices.Clone(src.Coupons)
	dst.Adjustments = slices.Clone(src.Adjustments)
	dst.ShippingAddress = cloneAddress(src.ShippingAddress)
	dst.BillingAddress = cloneAddress(src.BillingAddress)
	dst.Pricing.Discounts = slices.Clone(src.Pricing.Discounts)
	dst.Pricing.Coupons = slices.Clone(src.Pricing.Coupons)
	dst.Pricing.Skipped = slices.Clone(src.Pricing.Skipped)
	return &dst
}

func cloneOrder(src *domain.ShopOrder) *domain.ShopOrder {
	dst := *src
	dst.Items = slices.Clone(src.Items)
	dst.InvoiceIDs = slices.Clone(src.InvoiceIDs)
	dst.ShippingAddress = cloneAddress(src.ShippingAddress)
	dst.BillingAddress = cloneAddress(src.BillingAddress)
	return &dst
}

func cloneDocument(src *domain.StockDocument) *domain.StockDocument {
	dst := *src
	dst.Lines = slices.Clone(src.Lines)
	return &dst
}
