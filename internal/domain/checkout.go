package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CheckoutStatus string

const (
	CheckoutPending    CheckoutStatus = "PENDING"
	CheckoutProcessing CheckoutStatus = "PROCESSING"
	CheckoutCompleted  CheckoutStatus = "COMPLETED"
	CheckoutCancelled  CheckoutStatus = "CANCELLED"
)

func CheckoutReference(checkoutID string) string {
	return "ShopCheckouts#" + checkoutID
}

type CheckoutItem struct {
	ID         string          `json:"id"`
	CheckoutID string          `json:"checkout_id"`
	Kind       LineKind        `json:"kind"`
	RefID      string          `json:"ref_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Remark     string          `json:"remark,omitempty"`
	Position   int             `json:"position"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}

func (i CheckoutItem) Active() bool {
	return i.DeletedAt == nil && i.Quantity > 0
}

func (i CheckoutItem) Line() (LineItem, error) {
	return NewLineItem(i.Kind, i.RefID)
}

func (i CheckoutItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Adjustment struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	Amount    decimal.Decimal `json:"amount"`
	SortIndex int             `json:"sort_index"`
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type Checkout struct {
	ID                 string         `json:"id"`
	ShopID             string         `json:"shop_id"`
	ExternalID         string         `json:"external_id,omitempty"`
	Currency           string         `json:"currency"`
	Status             CheckoutStatus `json:"status"`
	StaffID            string         `json:"staff_id,omitempty"`
	CustomerID         string         `json:"customer_id,omitempty"`
	Items              []CheckoutItem `json:"items"`
	Coupons            []string       `json:"coupons,omitempty"`
	Adjustments        []Adjustment   `json:"adjustments,omitempty"`
	ShippingAddress    *Address       `json:"shipping_address,omitempty"`
	BillingAddress     *Address       `json:"billing_address,omitempty"`
	ShippingProviderID string         `json:"shipping_provider_id,omitempty"`
	Rounding           RoundingPolicy `json:"rounding"`
	Pricing            PriceBreakdown `json:"pricing"`
	CancelReason       string         `json:"cancel_reason,omitempty"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
}

func (c Checkout) Reference() string {
	return CheckoutReference(c.ID)
}

// ActiveItems returns non-deleted items in insertion order.
func (c Checkout) ActiveItems() []CheckoutItem {
	out := make([]CheckoutItem, 0, len(c.Items))
	for _, item := range c.Items {
		if item.Active() {
			out = append(out, item)
		}
	}
	return out
}

// Country is the destination used for tax and shipping resolution.
func (c Checkout) Country(fallback string) string {
	if c.ShippingAddress != nil && c.ShippingAddress.Country != "" {
		return c.ShippingAddress.Country
	}
	if c.BillingAddress != nil && c.BillingAddress.Country != "" {
		return c.BillingAddress.Country
	}
	return fallback
}

func (c Checkout) RequiresShipping() bool {
	return c.ShippingProviderID != "" || c.ShippingAddress != nil
}

// ApplyTransition moves the checkout to a new status and stamps the
// matching timestamp.
func (c *Checkout) ApplyTransition(to CheckoutStatus, reason string, at time.Time) {
	c.Status = to
	c.UpdatedAt = at
	c.Version++
	switch to {
	case CheckoutProcessing:
		c.ProcessedAt = &at
	case CheckoutPending:
		c.ProcessedAt = nil
	case CheckoutCompleted:
		c.CompletedAt = &at
	case CheckoutCancelled:
		c.CancelledAt = &at
		c.CancelReason = reason
	}
}
