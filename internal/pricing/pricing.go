// Package pricing computes checkout totals. Price is pure: the same input
// always yields the same breakdown.
package pricing

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Input is everything Price needs. ShippingQuote carries the external rate
// for QUOTE shipping zones and is ignored otherwise.
type Input struct {
	Checkout      domain.Checkout
	Shop          domain.Shop
	Catalog       *domain.Catalog
	Customer      *domain.Customer
	Promotions    []domain.Promotion
	ShippingQuote *decimal.Decimal
	At            time.Time
}

type Engine struct{}

func New() *Engine {
	return &Engine{}
}

type pricedLine struct {
	item      domain.CheckoutItem
	products  []domain.Product
	total     decimal.Decimal
	remaining decimal.Decimal
}

func (l *pricedLine) matchesProduct(ids []string) bool {
	if slices.Contains(ids, l.item.RefID) {
		return true
	}
	for _, p := range l.products {
		if slices.Contains(ids, p.ID) || slices.Contains(ids, p.ProductID) {
			return true
		}
	}
	return false
}

func (l *pricedLine) inCollection(ids []string) bool {
	for _, p := range l.products {
		for _, c := range p.CollectionIDs {
			if slices.Contains(ids, c) {
				return true
			}
		}
	}
	return false
}

func (l *pricedLine) hasTag(tags []string) bool {
	for _, p := range l.products {
		for _, tag := range p.Tags {
			if containsFold(tags, tag) {
				return true
			}
		}
	}
	return false
}

type run struct {
	in        Input
	lines     []*pricedLine
	breakdown domain.PriceBreakdown
	applied   map[string]bool
}

// Price applies, in order: subtotal, automatic discounts and coupons by
// ascending sort index, shipping, tax, adjustments, and a single rounding of
// the total.
func (e *Engine) Price(in Input) (domain.PriceBreakdown, error) {
	if in.Catalog == nil {
		in.Catalog = domain.NewCatalog(in.Shop.ID)
	}
	if in.At.IsZero() {
		in.At = in.Checkout.UpdatedAt
	}

	r := &run{in: in, applied: map[string]bool{}}
	r.breakdown = domain.PriceBreakdown{
		Subtotal:         decimal.Zero,
		ShopDiscount:     decimal.Zero,
		CouponDiscount:   decimal.Zero,
		ShippingFee:      decimal.Zero,
		TaxFee:           decimal.Zero,
		AdjustmentsTotal: decimal.Zero,
	}

	if err := r.subtotal(); err != nil {
		return domain.PriceBreakdown{}, err
	}
	r.promotions()

	discounts := r.breakdown.ShopDiscount.Add(r.breakdown.CouponDiscount)
	if discounts.GreaterThan(r.breakdown.Subtotal) {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: discounts %s exceed subtotal %s", domain.ErrPricingInconsistency, discounts, r.breakdown.Subtotal)
	}

	if err := r.shipping(); err != nil {
		return domain.PriceBreakdown{}, err
	}
	r.tax()
	r.adjustments()

	b := &r.breakdown
	b.Unrounded = b.Subtotal.
		Sub(b.CouponDiscount).
		Sub(b.ShopDiscount).
		Add(b.ShippingFee).
		Add(b.TaxFee).
		Add(b.AdjustmentsTotal)
	b.Total = roundingFor(in.Checkout, in.Shop).Apply(b.Unrounded)
	return *b, nil
}

func roundingFor(checkout domain.Checkout, shop domain.Shop) domain.RoundingPolicy {
	if checkout.Rounding.Valid() {
		return checkout.Rounding
	}
	if shop.Rounding.Valid() {
		return shop.Rounding
	}
	return domain.DefaultRoundingPolicy()
}

func (r *run) subtotal() error {
	for _, item := range r.in.Checkout.ActiveItems() {
		line, err := item.Line()
		if err != nil {
			return err
		}
		total := item.LineTotal()
		r.lines = append(r.lines, &pricedLine{
			item:      item,
			products:  line.Products(r.in.Catalog),
			total:     total,
			remaining: total,
		})
		r.breakdown.Subtotal = r.breakdown.Subtotal.Add(total)
		r.breakdown.WeightGrams += line.WeightGrams(r.in.Catalog) * item.Quantity
	}
	return nil
}

// ordered returns the live promotions that take part in this checkout, sorted
// by sort index. Ties go to discounts before coupons, then to the older
// promotion, then to the lower id.
func (r *run) ordered() []domain.Promotion {
	out := make([]domain.Promotion, 0, len(r.in.Promotions))
	redeemed := map[string]bool{}
	for _, p := range r.in.Promotions {
		if p.ShopID != "" && p.ShopID != r.in.Shop.ID {
			continue
		}
		if p.Kind == domain.PromotionCoupon {
			if !containsFold(r.in.Checkout.Coupons, p.Handle) {
				continue
			}
			redeemed[strings.ToUpper(p.Handle)] = true
		}
		if !p.Live() {
			r.skip("promotion %s is inactive", p.ID)
			continue
		}
		out = append(out, p)
	}
	for _, handle := range r.in.Checkout.Coupons {
		if !redeemed[strings.ToUpper(handle)] {
			r.skip("coupon %s not found", handle)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SortIndex != b.SortIndex {
			return a.SortIndex < b.SortIndex
		}
		if a.Kind != b.Kind {
			return a.Kind == domain.PromotionDiscount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (r *run) promotions() {
	for _, p := range r.ordered() {
		if !r.triggersMatch(p) {
			continue
		}
		if p.Kind == domain.PromotionCoupon && r.excludedByDiscount(p) {
			r.skip("coupon %s excluded by an applied discount", p.Handle)
			continue
		}

		applied, ok := r.apply(p)
		if !ok {
			continue
		}
		r.applied[p.ID] = true
		if p.Kind == domain.PromotionCoupon {
			r.breakdown.Coupons = append(r.breakdown.Coupons, applied)
			r.breakdown.CouponDiscount = r.breakdown.CouponDiscount.Add(applied.Amount)
		} else {
			r.breakdown.Discounts = append(r.breakdown.Discounts, applied)
			r.breakdown.ShopDiscount = r.breakdown.ShopDiscount.Add(applied.Amount)
		}
		if p.DiscardSubsequent {
			return
		}
	}
}

func (r *run) excludedByDiscount(p domain.Promotion) bool {
	for _, id := range p.ExcludedDiscountIDs {
		if r.applied[id] {
			return true
		}
	}
	return false
}

func (r *run) triggersMatch(p domain.Promotion) bool {
	for _, t := range p.Triggers {
		if !r.triggerMatches(t) {
			return false
		}
	}
	return true
}

func (r *run) triggerMatches(t domain.Trigger) bool {
	switch t.Type {
	case domain.TriggerShop:
		return len(t.Values) == 0 || slices.Contains(t.Values, r.in.Shop.ID)
	case domain.TriggerProduct:
		for _, l := range r.lines {
			if l.matchesProduct(t.Values) {
				return true
			}
		}
		return false
	case domain.TriggerCollection:
		for _, l := range r.lines {
			if l.inCollection(t.Values) {
				return true
			}
		}
		return false
	case domain.TriggerTag:
		for _, l := range r.lines {
			if l.hasTag(t.Values) {
				return true
			}
		}
		if r.in.Customer != nil {
			for _, tag := range r.in.Customer.Tags {
				if containsFold(t.Values, tag) {
					return true
				}
			}
		}
		return false
	case domain.TriggerMemberTier:
		return r.in.Customer != nil && containsFold(t.Values, r.in.Customer.MemberTier)
	case domain.TriggerTimeWindow:
		if t.From != nil && r.in.At.Before(*t.From) {
			return false
		}
		if t.To != nil && !r.in.At.Before(*t.To) {
			return false
		}
		return true
	default:
		return false
	}
}

// eligible returns the lines an action targets, minus excluded products.
func (r *run) eligible(p domain.Promotion) []*pricedLine {
	for _, id := range p.Action.TargetIDs {
		if p.Action.Type == domain.ActionProduct && !r.targetAvailable(id) {
			r.skip("promotion %s target %s is unavailable", p.ID, id)
		}
	}

	out := make([]*pricedLine, 0, len(r.lines))
	for _, l := range r.lines {
		switch p.Action.Type {
		case domain.ActionProduct:
			if !l.matchesProduct(p.Action.TargetIDs) {
				continue
			}
		case domain.ActionCollection:
			if !l.inCollection(p.Action.TargetIDs) {
				continue
			}
		}
		if len(p.ExcludedProductIDs) > 0 && l.matchesProduct(p.ExcludedProductIDs) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (r *run) targetAvailable(id string) bool {
	if _, ok := r.in.Catalog.Product(id); ok {
		return true
	}
	if _, ok := r.in.Catalog.Bundle(id); ok {
		return true
	}
	if _, ok := r.in.Catalog.Service(id); ok {
		return true
	}
	for _, p := range r.in.Catalog.Products {
		if p.ProductID == id && p.Available() {
			return true
		}
	}
	return false
}

func (r *run) apply(p domain.Promotion) (domain.AppliedPromotion, bool) {
	applied := domain.AppliedPromotion{PromotionID: p.ID, Name: p.Name, Kind: p.Kind, Amount: decimal.Zero}

	switch p.Action.Type {
	case domain.ActionFreeShip:
		applied.FreeShipping = true
		r.breakdown.FreeShipping = true
		return applied, true
	case domain.ActionMemberPoints:
		if r.in.Customer == nil || p.Value.Points < 1 {
			return applied, false
		}
		applied.Points = p.Value.Points
		r.breakdown.MemberPoints += p.Value.Points
		return applied, true
	case domain.ActionOrder, domain.ActionProduct, domain.ActionCollection:
	default:
		r.skip("promotion %s has unknown action %s", p.ID, p.Action.Type)
		return applied, false
	}

	lines := r.eligible(p)
	if len(lines) == 0 {
		return applied, false
	}

	base := decimal.Zero
	units := 0
	for _, l := range lines {
		base = base.Add(l.remaining)
		units += l.item.Quantity
	}

	var amount decimal.Decimal
	switch p.Value.Type {
	case domain.ValueAmount:
		amount = decimal.Min(p.Value.Amount, base)
	case domain.ValuePercentage:
		amount = base.Mul(p.Value.Percent).Div(hundred)
	case domain.ValueFormula:
		if p.Value.Step < 1 {
			r.skip("promotion %s has no formula step", p.ID)
			return applied, false
		}
		amount = decimal.Min(p.Value.Amount.Mul(decimal.NewFromInt(int64(units/p.Value.Step))), base)
	case domain.ValueGift:
		gift := r.giftLine(p, lines)
		if gift == nil {
			return applied, false
		}
		qty := p.Value.GiftQuantity
		if qty < 1 {
			qty = 1
		}
		if qty > gift.item.Quantity {
			qty = gift.item.Quantity
		}
		lines = []*pricedLine{gift}
		amount = decimal.Min(gift.item.UnitPrice.Mul(decimal.NewFromInt(int64(qty))), gift.remaining)
	default:
		r.skip("promotion %s has unknown value %s", p.ID, p.Value.Type)
		return applied, false
	}
	if !amount.IsPositive() {
		return applied, false
	}

	applied.Amount = allocate(lines, amount)
	return applied, applied.Amount.IsPositive()
}

func (r *run) giftLine(p domain.Promotion, lines []*pricedLine) *pricedLine {
	for _, l := range lines {
		if l.item.Kind == domain.LineVariation && l.item.RefID == p.Value.GiftVariationID {
			return l
		}
	}
	return nil
}

// allocate takes amount from lines in order, never leaving a line negative,
// and returns what was actually taken.
func allocate(lines []*pricedLine, amount decimal.Decimal) decimal.Decimal {
	left := amount
	for _, l := range lines {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, l.remaining)
		l.remaining = l.remaining.Sub(take)
		left = left.Sub(take)
	}
	return amount.Sub(left)
}

func (r *run) shipping() error {
	providerID := r.in.Checkout.ShippingProviderID
	if providerID == "" {
		return nil
	}
	zone, ok := r.in.Shop.ShippingZoneByID(providerID)
	if !ok || !zone.Active {
		return fmt.Errorf("%w: shipping zone %s", domain.ErrInvalidRequest, providerID)
	}
	country := r.in.Checkout.Country(r.in.Shop.Country)
	if !zone.Serves(country) {
		return fmt.Errorf("%w: shipping zone %s does not serve %s", domain.ErrInvalidRequest, providerID, country)
	}
	if r.breakdown.FreeShipping {
		return nil
	}

	switch zone.Method {
	case domain.ShippingFlat:
		r.breakdown.ShippingFee = zone.BaseFee
	case domain.ShippingWeight:
		kg := (r.breakdown.WeightGrams + 999) / 1000
		r.breakdown.ShippingFee = zone.BaseFee.Add(zone.PerKg.Mul(decimal.NewFromInt(int64(kg))))
	case domain.ShippingUnit:
		units := 0
		for _, l := range r.lines {
			if l.item.Kind != domain.LineService {
				units += l.item.Quantity
			}
		}
		r.breakdown.ShippingFee = zone.BaseFee.Add(zone.PerUnit.Mul(decimal.NewFromInt(int64(units))))
	case domain.ShippingQuote:
		if r.in.ShippingQuote == nil {
			return fmt.Errorf("%w: no shipping quote for zone %s", domain.ErrInvalidRequest, providerID)
		}
		r.breakdown.ShippingFee = *r.in.ShippingQuote
	default:
		return fmt.Errorf("%w: shipping method %s", domain.ErrInvalidRequest, zone.Method)
	}
	return nil
}

func (r *run) tax() {
	zone, ok := r.in.Shop.TaxZoneFor(r.in.Checkout.Country(r.in.Shop.Country))
	if !ok || !zone.RatePercent.IsPositive() {
		return
	}
	b := &r.breakdown
	base := b.Subtotal.Sub(b.ShopDiscount).Sub(b.CouponDiscount)
	if zone.TaxShipping {
		base = base.Add(b.ShippingFee)
	}
	if !base.IsPositive() {
		return
	}
	b.TaxFee = base.Mul(zone.RatePercent).Div(hundred)
}

func (r *run) adjustments() {
	adjustments := append([]domain.Adjustment(nil), r.in.Checkout.Adjustments...)
	sort.SliceStable(adjustments, func(i, j int) bool {
		return adjustments[i].SortIndex < adjustments[j].SortIndex
	})
	for _, adj := range adjustments {
		r.breakdown.AdjustmentsTotal = r.breakdown.AdjustmentsTotal.Add(adj.Amount)
	}
}

func (r *run) skip(format string, args ...any) {
	r.breakdown.Skipped = append(r.breakdown.Skipped, fmt.Sprintf(format, args...))
}

func containsFold(values []string, needle string) bool {
	for _, v := range values {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}
