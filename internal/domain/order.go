package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderCompleted  OrderStatus = "COMPLETED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPartiallyPaid     PaymentStatus = "PARTIALLY_PAID"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

type ShippingStatus string

const (
	ShippingNotRequired ShippingStatus = "NOT_REQUIRED"
	ShippingPending     ShippingStatus = "PENDING"
	ShippingProcessing  ShippingStatus = "PROCESSING"
	ShippingShipped     ShippingStatus = "SHIPPED"
	ShippingDelivered   ShippingStatus = "DELIVERED"
	ShippingReturned    ShippingStatus = "RETURNED"
	ShippingCancelled   ShippingStatus = "CANCELLED"
)

type KitchenStatus string

const (
	KitchenNone      KitchenStatus = "NONE"
	KitchenPending   KitchenStatus = "PENDING"
	KitchenPreparing KitchenStatus = "PREPARING"
	KitchenReady     KitchenStatus = "READY"
	KitchenServed    KitchenStatus = "SERVED"
	KitchenCancelled KitchenStatus = "CANCELLED"
)

type OrderItem struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	CheckoutItemID string          `json:"checkout_item_id"`
	Kind           LineKind        `json:"kind"`
	RefID          string          `json:"ref_id"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	LineTotal      decimal.Decimal `json:"line_total"`
	Remark         string          `json:"remark,omitempty"`
}

// ShopOrder is created once per completed checkout. Monetary fields never
// change after creation; the four status fields evolve independently.
type ShopOrder struct {
	ID                 string          `json:"id"`
	ShopID             string          `json:"shop_id"`
	CheckoutID         string          `json:"checkout_id"`
	ReferenceNo        string          `json:"reference_no"`
	Currency           string          `json:"currency"`
	CustomerID         string          `json:"customer_id,omitempty"`
	StaffID            string          `json:"staff_id,omitempty"`
	Items              []OrderItem     `json:"items"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	ShopDiscount       decimal.Decimal `json:"shop_discount"`
	CouponDiscount     decimal.Decimal `json:"coupon_discount"`
	ShippingFee        decimal.Decimal `json:"shipping_fee"`
	TaxFee             decimal.Decimal `json:"tax_fee"`
	AdjustmentsTotal   decimal.Decimal `json:"adjustments_total"`
	Total              decimal.Decimal `json:"total"`
	MemberPoints       int64           `json:"member_points"`
	Status             OrderStatus     `json:"status"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	ShippingStatus     ShippingStatus  `json:"shipping_status"`
	KitchenStatus      KitchenStatus   `json:"kitchen_status"`
	ShippingAddress    *Address        `json:"shipping_address,omitempty"`
	BillingAddress     *Address        `json:"billing_address,omitempty"`
	ShippingProviderID string          `json:"shipping_provider_id,omitempty"`
	Remark             string          `json:"remark,omitempty"`
	InvoiceIDs         []string        `json:"invoice_ids"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
)

type OutboxEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

const EventOrderCompleted = "order.completed.v1"

type OrderCompletedEvent struct {
	OrderID     string          `json:"order_id"`
	ShopID      string          `json:"shop_id"`
	CheckoutID  string          `json:"checkout_id"`
	ReferenceNo string          `json:"reference_no"`
	CustomerID  string          `json:"customer_id,omitempty"`
	Currency    string          `json:"currency"`
	Total       decimal.Decimal `json:"total"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
