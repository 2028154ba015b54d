package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PromotionKind string

const (
	PromotionDiscount PromotionKind = "DISCOUNT"
	PromotionCoupon   PromotionKind = "COUPON"
)

type TriggerType string

const (
	TriggerShop       TriggerType = "SHOP"
	TriggerProduct    TriggerType = "PRODUCT"
	TriggerCollection TriggerType = "COLLECTION"
	TriggerTag        TriggerType = "TAG"
	TriggerMemberTier TriggerType = "MEMBER_TIER"
	TriggerTimeWindow TriggerType = "TIME_WINDOW"
)

// Trigger is one predicate of a promotion. All triggers of a promotion must
// match for it to apply.
type Trigger struct {
	Type   TriggerType `json:"type"`
	Values []string    `json:"values,omitempty"`
	From   *time.Time  `json:"from,omitempty"`
	To     *time.Time  `json:"to,omitempty"`
}

type ActionType string

const (
	ActionOrder        ActionType = "ORDER"
	ActionProduct      ActionType = "PRODUCT"
	ActionCollection   ActionType = "COLLECTION"
	ActionFreeShip     ActionType = "FREE_SHIP"
	ActionMemberPoints ActionType = "MEMBER_POINTS"
)

type ValueType string

const (
	ValueAmount     ValueType = "AMOUNT"
	ValuePercentage ValueType = "PERCENTAGE"
	ValueFormula    ValueType = "FORMULA"
	ValueGift       ValueType = "GIFT"
)

type PromotionAction struct {
	Type      ActionType `json:"type"`
	TargetIDs []string   `json:"target_ids,omitempty"`
}

// PromotionValue describes how much a promotion is worth.
//
//	AMOUNT      Amount off the eligible base
//	PERCENTAGE  Percent of the eligible base
//	FORMULA     Amount off for every Step eligible units
//	GIFT        GiftQuantity units of GiftVariationID free when present in the cart
//
// MEMBER_POINTS actions award Points instead of money.
type PromotionValue struct {
	Type            ValueType       `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Percent         decimal.Decimal `json:"percent"`
	Step            int             `json:"step,omitempty"`
	GiftVariationID string          `json:"gift_variation_id,omitempty"`
	GiftQuantity    int             `json:"gift_quantity,omitempty"`
	Points          int64           `json:"points,omitempty"`
}

// Promotion is either an automatic discount or a coupon redeemed by handle.
// Discounts and coupons share one SortIndex ordering.
type Promotion struct {
	ID                  string          `json:"id"`
	ShopID              string          `json:"shop_id"`
	Kind                PromotionKind   `json:"kind"`
	Handle              string          `json:"handle,omitempty"`
	Name                string          `json:"name"`
	Active              bool            `json:"active"`
	SortIndex           int             `json:"sort_index"`
	DiscardSubsequent   bool            `json:"discard_subsequent"`
	Triggers            []Trigger       `json:"triggers,omitempty"`
	Action              PromotionAction `json:"action"`
	Value               PromotionValue  `json:"value"`
	ExcludedDiscountIDs []string        `json:"excluded_discount_ids,omitempty"`
	ExcludedProductIDs  []string        `json:"excluded_product_ids,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	DeletedAt           *time.Time      `json:"deleted_at,omitempty"`
}

func (p Promotion) Live() bool {
	return p.Active && p.DeletedAt == nil
}

type AppliedPromotion struct {
	PromotionID  string          `json:"promotion_id"`
	Name         string          `json:"name"`
	Kind         PromotionKind   `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	FreeShipping bool            `json:"free_shipping,omitempty"`
	Points       int64           `json:"points,omitempty"`
}

// PriceBreakdown is the persisted pricing of a checkout. Only Total is rounded.
type PriceBreakdown struct {
	Subtotal         decimal.Decimal    `json:"subtotal"`
	ShopDiscount     decimal.Decimal    `json:"shop_discount"`
	CouponDiscount   decimal.Decimal    `json:"coupon_discount"`
	ShippingFee      decimal.Decimal    `json:"shipping_fee"`
	TaxFee           decimal.Decimal    `json:"tax_fee"`
	AdjustmentsTotal decimal.Decimal    `json:"adjustments_total"`
	Unrounded        decimal.Decimal    `json:"unrounded_total"`
	Total            decimal.Decimal    `json:"total"`
	Discounts        []AppliedPromotion `json:"discounts,omitempty"`
	Coupons          []AppliedPromotion `json:"coupons,omitempty"`
	FreeShipping     bool               `json:"free_shipping"`
	MemberPoints     int64              `json:"member_points"`
	WeightGrams      int                `json:"weight_grams"`
	Skipped          []string           `json:"skipped,omitempty"`
}
