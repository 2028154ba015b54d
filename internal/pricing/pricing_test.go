package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkoutengine/backend/internal/domain"
)

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testShop() domain.Shop {
	return domain.Shop{
		ID:       "shop-1",
		Currency: "USD",
		Country:  "US",
		Rounding: domain.DefaultRoundingPolicy(),
		TaxZones: []domain.TaxZone{
			{Country: "ID", RatePercent: money("11"), TaxShipping: true},
		},
		ShippingZones: []domain.ShippingZone{
			{ID: "flat", Method: domain.ShippingFlat, BaseFee: money("5.00"), Active: true},
			{ID: "weight", Method: domain.ShippingWeight, BaseFee: money("3.00"), PerKg: money("1.50"), Active: true},
			{ID: "unit", Method: domain.ShippingUnit, BaseFee: money("1.00"), PerUnit: money("0.50"), Active: true},
			{ID: "quote", Method: domain.ShippingQuote, Active: true},
			{ID: "id-only", Method: domain.ShippingFlat, BaseFee: money("9.00"), Countries: []string{"ID"}, Active: true},
		},
		Active: true,
	}
}

func testCatalog() *domain.Catalog {
	cat := domain.NewCatalog("shop-1")
	cat.Products["var-a"] = domain.Product{ID: "var-a", ProductID: "prod-a", ShopID: "shop-1", SKU: "A", Price: money("10.00"), CollectionIDs: []string{"col-x"}, Tags: []string{"coffee"}, WeightGrams: 600, Active: true}
	cat.Products["var-b"] = domain.Product{ID: "var-b", ProductID: "prod-b", ShopID: "shop-1", SKU: "B", Price: money("5.00"), WeightGrams: 500, Active: true}
	cat.Products["var-gone"] = domain.Product{ID: "var-gone", ProductID: "prod-gone", ShopID: "shop-1", SKU: "G", Price: money("1.00"), Active: false}
	cat.Services["svc-wrap"] = domain.ServiceBundle{ID: "svc-wrap", ShopID: "shop-1", Name: "Wrap", Price: money("2.00"), Active: true}
	return cat
}

func item(id string, kind domain.LineKind, ref string, qty int, price string) domain.CheckoutItem {
	return domain.CheckoutItem{ID: id, Kind: kind, RefID: ref, Quantity: qty, UnitPrice: money(price)}
}

func checkoutAB() domain.Checkout {
	return domain.Checkout{
		ID:       "chk-1",
		ShopID:   "shop-1",
		Currency: "USD",
		Status:   domain.CheckoutPending,
		Items: []domain.CheckoutItem{
			item("i1", domain.LineVariation, "var-a", 3, "10.00"),
			item("i2", domain.LineVariation, "var-b", 1, "5.00"),
		},
		Rounding: domain.RoundingPolicy{MaximumFractionDigits: 2, Strategy: domain.RoundingFloor},
	}
}

func discount(id string, sortIndex int, action domain.ActionType, value domain.PromotionValue) domain.Promotion {
	return domain.Promotion{
		ID: id, ShopID: "shop-1", Kind: domain.PromotionDiscount, Name: id, Active: true, SortIndex: sortIndex,
		Action: domain.PromotionAction{Type: action}, Value: value,
	}
}

func price(t *testing.T, in Input) domain.PriceBreakdown {
	t.Helper()
	if in.Catalog == nil {
		in.Catalog = testCatalog()
	}
	if in.Shop.ID == "" {
		in.Shop = testShop()
	}
	b, err := New().Price(in)
	require.NoError(t, err)
	return b
}

func TestPriceSimpleScenario(t *testing.T) {
	b := price(t, Input{Checkout: checkoutAB()})

	assert.True(t, b.Subtotal.Equal(money("35")))
	assert.True(t, b.Total.Equal(money("35.00")))
	assert.True(t, b.ShopDiscount.IsZero())
	assert.True(t, b.TaxFee.IsZero())
}

func TestPriceIsDeterministic(t *testing.T) {
	in := Input{
		Checkout: checkoutAB(),
		Promotions: []domain.Promotion{
			discount("d2", 5, domain.ActionOrder, domain.PromotionValue{Type: domain.ValuePercentage, Percent: money("10")}),
			discount("d1", 5, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("1.00")}),
		},
	}
	first := price(t, in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, price(t, in))
	}
	require.Len(t, first.Discounts, 2)
	assert.Equal(t, "d1", first.Discounts[0].PromotionID)
}

func TestDiscardSubsequentBlocksLaterDiscounts(t *testing.T) {
	first := discount("d1", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("2.00")})
	first.DiscardSubsequent = true
	second := discount("d2", 2, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("3.00")})

	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{second, first}})

	assert.True(t, b.ShopDiscount.Equal(money("2.00")))
	require.Len(t, b.Discounts, 1)
	assert.Equal(t, "d1", b.Discounts[0].PromotionID)
	assert.True(t, b.Total.Equal(money("33.00")))
}

func TestDiscardSubsequentCouponBlocksLaterDiscounts(t *testing.T) {
	coupon := domain.Promotion{
		ID: "c1", ShopID: "shop-1", Kind: domain.PromotionCoupon, Handle: "FIRST", Name: "first", Active: true, SortIndex: 1,
		DiscardSubsequent: true,
		Action:            domain.PromotionAction{Type: domain.ActionOrder},
		Value:             domain.PromotionValue{Type: domain.ValueAmount, Amount: money("2.00")},
	}
	later := discount("d2", 2, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("3.00")})
	chk := checkoutAB()
	chk.Coupons = []string{"FIRST"}

	b := price(t, Input{Checkout: chk, Promotions: []domain.Promotion{later, coupon}})

	assert.True(t, b.CouponDiscount.Equal(money("2.00")))
	assert.True(t, b.ShopDiscount.IsZero())
	assert.Empty(t, b.Discounts)
	require.Len(t, b.Coupons, 1)
	assert.Equal(t, "c1", b.Coupons[0].PromotionID)
	assert.True(t, b.Total.Equal(money("33.00")))
}

func TestTriggersAreAnded(t *testing.T) {
	promo := discount("d1", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("4.00")})
	promo.Triggers = []domain.Trigger{
		{Type: domain.TriggerCollection, Values: []string{"col-x"}},
		{Type: domain.TriggerMemberTier, Values: []string{"gold"}},
	}

	without := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{promo}})
	assert.True(t, without.ShopDiscount.IsZero())

	with := price(t, Input{
		Checkout:   checkoutAB(),
		Customer:   &domain.Customer{ID: "c1", MemberTier: "GOLD"},
		Promotions: []domain.Promotion{promo},
	})
	assert.True(t, with.ShopDiscount.Equal(money("4.00")))
}

func TestTimeWindowTrigger(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	promo := discount("d1", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("1.00")})
	promo.Triggers = []domain.Trigger{{Type: domain.TriggerTimeWindow, From: &from, To: &to}}

	inside := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{promo}, At: from.Add(time.Hour)})
	outside := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{promo}, At: to})

	assert.True(t, inside.ShopDiscount.Equal(money("1.00")))
	assert.True(t, outside.ShopDiscount.IsZero())
}

func TestProductPercentageOnlyTouchesTargets(t *testing.T) {
	promo := discount("d1", 1, domain.ActionProduct, domain.PromotionValue{Type: domain.ValuePercentage, Percent: money("50")})
	promo.Action.TargetIDs = []string{"prod-b"}

	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{promo}})
	assert.True(t, b.ShopDiscount.Equal(money("2.50")))
}

func TestFormulaDiscount(t *testing.T) {
	promo := discount("d1", 1, domain.ActionCollection, domain.PromotionValue{Type: domain.ValueFormula, Amount: money("3.00"), Step: 2})
	promo.Action.TargetIDs = []string{"col-x"}

	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{promo}})
	// 3 eligible units, one full step of 2.
	assert.True(t, b.ShopDiscount.Equal(money("3.00")))
}

func TestGiftDiscountRequiresGiftInCart(t *testing.T) {
	gift := discount("gift", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueGift, GiftVariationID: "var-b", GiftQuantity: 2})
	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{gift}})
	assert.True(t, b.ShopDiscount.Equal(money("5.00")), "gift is capped by the quantity in the cart")

	missing := discount("gift", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueGift, GiftVariationID: "var-zzz"})
	b = price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{missing}})
	assert.True(t, b.ShopDiscount.IsZero())
}

func TestDiscountsNeverExceedSubtotal(t *testing.T) {
	big := discount("d1", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("100.00")})
	more := discount("d2", 2, domain.ActionOrder, domain.PromotionValue{Type: domain.ValuePercentage, Percent: money("50")})

	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{big, more}})
	assert.True(t, b.ShopDiscount.Equal(money("35.00")))
	assert.Len(t, b.Discounts, 1)
	assert.True(t, b.Total.IsZero())
}

func TestCouponsRespectExclusions(t *testing.T) {
	auto := discount("d1", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("1.00")})
	coupon := domain.Promotion{
		ID: "c1", ShopID: "shop-1", Kind: domain.PromotionCoupon, Handle: "SAVE", Name: "save", Active: true, SortIndex: 2,
		Action:              domain.PromotionAction{Type: domain.ActionOrder},
		Value:               domain.PromotionValue{Type: domain.ValuePercentage, Percent: money("10")},
		ExcludedDiscountIDs: []string{"d1"},
	}
	chk := checkoutAB()
	chk.Coupons = []string{"save"}

	b := price(t, Input{Checkout: chk, Promotions: []domain.Promotion{auto, coupon}})
	assert.True(t, b.CouponDiscount.IsZero())
	assert.NotEmpty(t, b.Skipped)

	coupon.ExcludedDiscountIDs = nil
	coupon.ExcludedProductIDs = []string{"prod-a"}
	b = price(t, Input{Checkout: chk, Promotions: []domain.Promotion{auto, coupon}})
	// 10% of the remaining B line after the order discount took 1.00 from A.
	assert.True(t, b.CouponDiscount.Equal(money("0.50")))
}

func TestCouponWithoutHandleOnCheckoutIsIgnored(t *testing.T) {
	coupon := domain.Promotion{
		ID: "c1", ShopID: "shop-1", Kind: domain.PromotionCoupon, Handle: "SAVE", Active: true,
		Action: domain.PromotionAction{Type: domain.ActionOrder},
		Value:  domain.PromotionValue{Type: domain.ValueAmount, Amount: money("5.00")},
	}
	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{coupon}})
	assert.True(t, b.CouponDiscount.IsZero())
}

func TestUnavailableTargetIsSkippedAndNoted(t *testing.T) {
	promo := discount("d1", 1, domain.ActionProduct, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("1.00")})
	promo.Action.TargetIDs = []string{"var-gone"}

	b := price(t, Input{Checkout: checkoutAB(), Promotions: []domain.Promotion{promo}})
	assert.True(t, b.ShopDiscount.IsZero())
	assert.Contains(t, b.Skipped, "promotion d1 target var-gone is unavailable")
}

func TestShippingMethods(t *testing.T) {
	quote := money("7.25")
	cases := map[string]string{
		"flat":   "5",
		"weight": "7.5", // 2.3kg rounds up to 3kg
		"unit":   "3",
		"quote":  "7.25",
	}
	for zoneID, want := range cases {
		chk := checkoutAB()
		chk.ShippingProviderID = zoneID
		b := price(t, Input{Checkout: chk, ShippingQuote: &quote})
		assert.True(t, b.ShippingFee.Equal(money(want)), "%s: got %s", zoneID, b.ShippingFee)
	}
}

func TestShippingZoneMustServeCountry(t *testing.T) {
	chk := checkoutAB()
	chk.ShippingProviderID = "id-only"
	_, err := New().Price(Input{Checkout: chk, Shop: testShop(), Catalog: testCatalog()})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestFreeShippingCoupon(t *testing.T) {
	chk := checkoutAB()
	chk.ShippingProviderID = "flat"
	chk.Coupons = []string{"FREESHIP"}
	coupon := domain.Promotion{
		ID: "c-ship", ShopID: "shop-1", Kind: domain.PromotionCoupon, Handle: "FREESHIP", Active: true,
		Action: domain.PromotionAction{Type: domain.ActionFreeShip},
	}

	b := price(t, Input{Checkout: chk, Promotions: []domain.Promotion{coupon}})
	assert.True(t, b.FreeShipping)
	assert.True(t, b.ShippingFee.IsZero())
	assert.True(t, b.Total.Equal(money("35.00")))
}

func TestTaxAppliesToDiscountedSubtotalAndShipping(t *testing.T) {
	chk := checkoutAB()
	chk.ShippingProviderID = "flat"
	chk.ShippingAddress = &domain.Address{Country: "ID"}
	chk.Rounding = domain.DefaultRoundingPolicy()
	promo := discount("d1", 1, domain.ActionOrder, domain.PromotionValue{Type: domain.ValueAmount, Amount: money("5.00")})

	b := price(t, Input{Checkout: chk, Promotions: []domain.Promotion{promo}})
	// (35 - 5 + 5) * 11% = 3.85
	assert.True(t, b.TaxFee.Equal(money("3.85")))
	assert.True(t, b.Total.Equal(money("38.85")))
}

func TestAdjustmentsAndRoundingOnce(t *testing.T) {
	chk := checkoutAB()
	chk.Adjustments = []domain.Adjustment{
		{ID: "a2", Amount: money("-0.333"), SortIndex: 2},
		{ID: "a1", Amount: money("1.004"), SortIndex: 1},
	}
	b := price(t, Input{Checkout: chk})
	assert.True(t, b.AdjustmentsTotal.Equal(money("0.671")))
	assert.True(t, b.Unrounded.Equal(money("35.671")))
	assert.True(t, b.Total.Equal(money("35.67")))

	chk.Rounding = domain.RoundingPolicy{MaximumFractionDigits: 2, Strategy: domain.RoundingCeiling}
	b = price(t, Input{Checkout: chk})
	assert.True(t, b.Total.Equal(money("35.68")))
}

func TestDeletedItemsAreNotPriced(t *testing.T) {
	chk := checkoutAB()
	now := time.Now()
	chk.Items[1].DeletedAt = &now
	chk.Items[1].Quantity = 0
	chk.Items = append(chk.Items, item("i3", domain.LineService, "svc-wrap", 1, "2.00"))

	b := price(t, Input{Checkout: chk})
	assert.True(t, b.Subtotal.Equal(money("32.00")))
	assert.Equal(t, 1800, b.WeightGrams)
}
