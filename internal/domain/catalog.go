package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable product variation.
type Product struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	ShopID         string          `json:"shop_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	IgnoreStock    bool            `json:"ignore_stock"`
	StockLocations []string        `json:"stock_locations,omitempty"`
	CollectionIDs  []string        `json:"collection_ids,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	WeightGrams    int             `json:"weight_grams"`
	Kitchen        bool            `json:"kitchen"`
	Active         bool            `json:"active"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

func (p Product) Available() bool {
	return p.Active && p.DeletedAt == nil
}

type BundleComponent struct {
	VariationID string `json:"variation_id"`
	Quantity    int    `json:"quantity"`
}

type Bundle struct {
	ID         string            `json:"id"`
	ShopID     string            `json:"shop_id"`
	Name       string            `json:"name"`
	Price      decimal.Decimal   `json:"price"`
	Components []BundleComponent `json:"components"`
	Active     bool              `json:"active"`
}

type ServiceBundle struct {
	ID      string          `json:"id"`
	ShopID  string          `json:"shop_id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Kitchen bool            `json:"kitchen"`
	Active  bool            `json:"active"`
}

type Customer struct {
	ID         string   `json:"id"`
	ShopID     string   `json:"shop_id"`
	Name       string   `json:"name"`
	MemberTier string   `json:"member_tier,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Catalog is a read-only snapshot of a shop's sellable entries.
type Catalog struct {
	ShopID   string
	Products map[string]Product
	Bundles  map[string]Bundle
	Services map[string]ServiceBundle
}

func NewCatalog(shopID string) *Catalog {
	return &Catalog{
		ShopID:   shopID,
		Products: map[string]Product{},
		Bundles:  map[string]Bundle{},
		Services: map[string]ServiceBundle{},
	}
}

func (c *Catalog) Product(id string) (Product, bool) {
	p, ok := c.Products[id]
	if !ok || !p.Available() {
		return Product{}, false
	}
	return p, true
}

func (c *Catalog) Bundle(id string) (Bundle, bool) {
	b, ok := c.Bundles[id]
	if !ok || !b.Active {
		return Bundle{}, false
	}
	return b, true
}

func (c *Catalog) Service(id string) (ServiceBundle, bool) {
	s, ok := c.Services[id]
	if !ok || !s.Active {
		return ServiceBundle{}, false
	}
	return s, true
}

type LineKind string

const (
	LineVariation LineKind = "VARIATION"
	LineBundle    LineKind = "BUNDLE"
	LineService   LineKind = "SERVICE"
)

// StockRequirement is the stock a line consumes for a given quantity.
type StockRequirement struct {
	SKU         string
	Quantity    int
	IgnoreStock bool
	Locations   []string
}

// LineItem resolves a checkout line against the catalog. Implementations are
// VariationLine, BundleLine and ServiceLine.
type LineItem interface {
	Kind() LineKind
	Name(cat *Catalog) string
	UnitPrice(cat *Catalog) (decimal.Decimal, error)
	StockRequirements(cat *Catalog, quantity int) ([]StockRequirement, error)
	Products(cat *Catalog) []Product
	WeightGrams(cat *Catalog) int
	Kitchen(cat *Catalog) bool
}

func NewLineItem(kind LineKind, refID string) (LineItem, error) {
	if refID == "" {
		return nil, fmt.Errorf("%w: line reference is required", ErrInvalidRequest)
	}
	switch kind {
	case LineVariation:
		return VariationLine{VariationID: refID}, nil
	case LineBundle:
		return BundleLine{BundleID: refID}, nil
	case LineService:
		return ServiceLine{ServiceID: refID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown line kind %q", ErrInvalidRequest, kind)
	}
}

type VariationLine struct {
	VariationID string
}

func (l VariationLine) Kind() LineKind { return LineVariation }

func (l VariationLine) Name(cat *Catalog) string {
	p, _ := cat.Product(l.VariationID)
	return p.Name
}

func (l VariationLine) UnitPrice(cat *Catalog) (decimal.Decimal, error) {
	p, ok := cat.Product(l.VariationID)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: variation %s", ErrNotFound, l.VariationID)
	}
	return p.Price, nil
}

func (l VariationLine) StockRequirements(cat *Catalog, quantity int) ([]StockRequirement, error) {
	p, ok := cat.Product(l.VariationID)
	if !ok {
		return nil, fmt.Errorf("%w: variation %s", ErrNotFound, l.VariationID)
	}
	return []StockRequirement{{SKU: p.SKU, Quantity: quantity, IgnoreStock: p.IgnoreStock, Locations: p.StockLocations}}, nil
}

func (l VariationLine) Products(cat *Catalog) []Product {
	if p, ok := cat.Product(l.VariationID); ok {
		return []Product{p}
	}
	return nil
}

func (l VariationLine) WeightGrams(cat *Catalog) int {
	p, _ := cat.Product(l.VariationID)
	return p.WeightGrams
}

func (l VariationLine) Kitchen(cat *Catalog) bool {
	p, _ := cat.Product(l.VariationID)
	return p.Kitchen
}

type BundleLine struct {
	BundleID string
}

func (l BundleLine) Kind() LineKind { return LineBundle }

func (l BundleLine) Name(cat *Catalog) string {
	b, _ := cat.Bundle(l.BundleID)
	return b.Name
}

func (l BundleLine) UnitPrice(cat *Catalog) (decimal.Decimal, error) {
	b, ok := cat.Bundle(l.BundleID)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: bundle %s", ErrNotFound, l.BundleID)
	}
	return b.Price, nil
}

// StockRequirements expands the bundle into its component variations, in
// component order.
func (l BundleLine) StockRequirements(cat *Catalog, quantity int) ([]StockRequirement, error) {
	b, ok := cat.Bundle(l.BundleID)
	if !ok {
		return nil, fmt.Errorf("%w: bundle %s", ErrNotFound, l.BundleID)
	}
	reqs := make([]StockRequirement, 0, len(b.Components))
	for _, component := range b.Components {
		p, ok := cat.Product(component.VariationID)
		if !ok {
			return nil, fmt.Errorf("%w: bundle %s component %s", ErrNotFound, l.BundleID, component.VariationID)
		}
		reqs = append(reqs, StockRequirement{
			SKU:         p.SKU,
			Quantity:    component.Quantity * quantity,
			IgnoreStock: p.IgnoreStock,
			Locations:   p.StockLocations,
		})
	}
	return reqs, nil
}

func (l BundleLine) Products(cat *Catalog) []Product {
	b, ok := cat.Bundle(l.BundleID)
	if !ok {
		return nil
	}
	out := make([]Product, 0, len(b.Components))
	for _, component := range b.Components {
		if p, ok := cat.Product(component.VariationID); ok {
			out = append(out, p)
		}
	}
	return out
}

func (l BundleLine) WeightGrams(cat *Catalog) int {
	b, ok := cat.Bundle(l.BundleID)
	if !ok {
		return 0
	}
	total := 0
	for _, component := range b.Components {
		if p, ok := cat.Product(component.VariationID); ok {
			total += p.WeightGrams * component.Quantity
		}
	}
	return total
}

func (l BundleLine) Kitchen(cat *Catalog) bool {
	for _, p := range l.Products(cat) {
		if p.Kitchen {
			return true
		}
	}
	return false
}

// ServiceLine is a service bundle; it never consumes stock.
type ServiceLine struct {
	ServiceID string
}

func (l ServiceLine) Kind() LineKind { return LineService }

func (l ServiceLine) Name(cat *Catalog) string {
	s, _ := cat.Service(l.ServiceID)
	return s.Name
}

func (l ServiceLine) UnitPrice(cat *Catalog) (decimal.Decimal, error) {
	s, ok := cat.Service(l.ServiceID)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: service %s", ErrNotFound, l.ServiceID)
	}
	return s.Price, nil
}

func (l ServiceLine) StockRequirements(cat *Catalog, _ int) ([]StockRequirement, error) {
	if _, ok := cat.Service(l.ServiceID); !ok {
		return nil, fmt.Errorf("%w: service %s", ErrNotFound, l.ServiceID)
	}
	return nil, nil
}

func (l ServiceLine) Products(_ *Catalog) []Product { return nil }

func (l ServiceLine) WeightGrams(_ *Catalog) int { return 0 }

func (l ServiceLine) Kitchen(cat *Catalog) bool {
	s, _ := cat.Service(l.ServiceID)
	return s.Kitchen
}
