package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ShopID        string    `json:"shop_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CheckoutItemInput struct {
	Kind     LineKind `json:"kind"`
	RefID    string   `json:"ref_id"`
	Quantity int      `json:"quantity"`
	Remark   string   `json:"remark,omitempty"`
}

type CheckoutCreateRequest struct {
	ShopID             string              `json:"shop_id"`
	ExternalID         string              `json:"external_id,omitempty"`
	CustomerID         string              `json:"customer_id,omitempty"`
	Items              []CheckoutItemInput `json:"items,omitempty"`
	Coupons            []string            `json:"coupons,omitempty"`
	ShippingAddress    *Address            `json:"shipping_address,omitempty"`
	BillingAddress     *Address            `json:"billing_address,omitempty"`
	ShippingProviderID string              `json:"shipping_provider_id,omitempty"`
}

type CheckoutItemsCreateRequest struct {
	Items []CheckoutItemInput `json:"items"`
}

type CheckoutItemSetRequest struct {
	Quantity *int    `json:"quantity,omitempty"`
	Remark   *string `json:"remark,omitempty"`
}

type CheckoutItemsDeleteRequest struct {
	ItemIDs []string `json:"item_ids"`
}

type CouponRequest struct {
	Handle string `json:"handle"`
}

type AdjustmentsSetRequest struct {
	Adjustments []Adjustment `json:"adjustments"`
}

type AddressSetRequest struct {
	ShippingAddress *Address `json:"shipping_address,omitempty"`
	BillingAddress  *Address `json:"billing_address,omitempty"`
}

type ShippingProviderSetRequest struct {
	ShippingProviderID string `json:"shipping_provider_id"`
}

type CustomerSetRequest struct {
	CustomerID string `json:"customer_id"`
}

type CheckoutCancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PayRequest captures payment for a PROCESSING checkout. Amount defaults to
// the outstanding balance. ExpectedTotal, when set, must equal the total
// the checkout was processed with.
type PayRequest struct {
	InvoiceID      string           `json:"invoice_id,omitempty"`
	Provider       string           `json:"provider"`
	Token          string           `json:"token,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Amount         decimal.Decimal  `json:"amount"`
	ExpectedTotal  *decimal.Decimal `json:"expected_total,omitempty"`
}

type PayResponse struct {
	Checkout Checkout     `json:"checkout"`
	Invoice  OrderInvoice `json:"invoice"`
	Order    *ShopOrder   `json:"order,omitempty"`
	Replayed bool         `json:"replayed"`
}

type InvoiceRefundRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	ManagerPIN string          `json:"manager_pin,omitempty"`
}

type InvoiceRefundResponse struct {
	Invoice OrderInvoice `json:"invoice"`
	Refunds []Refund     `json:"refunds"`
}

type OrderCancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type OrderKitchenStatusRequest struct {
	Status KitchenStatus `json:"status"`
}

type OrderShippingStatusRequest struct {
	Status ShippingStatus `json:"status"`
}

type OrderUpdateRequest struct {
	Remark          *string  `json:"remark,omitempty"`
	ShippingAddress *Address `json:"shipping_address,omitempty"`
}

type StockDocumentCreateRequest struct {
	ShopID            string         `json:"shop_id"`
	Type              DocumentType   `json:"type"`
	OrderID           string         `json:"order_id,omitempty"`
	WarehouseID       string         `json:"warehouse_id"`
	TargetWarehouseID string         `json:"target_warehouse_id,omitempty"`
	Lines             []DocumentLine `json:"lines"`
	Remark            string         `json:"remark,omitempty"`
}

type StockLevel struct {
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

type MovementVoidRequest struct {
	ManagerPIN string `json:"manager_pin,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type OfflineCheckout struct {
	ClientCheckoutID string              `json:"client_checkout_id"`
	CustomerID       string              `json:"customer_id,omitempty"`
	Items            []CheckoutItemInput `json:"items"`
	Coupons          []string            `json:"coupons,omitempty"`
	Provider         string              `json:"provider"`
	Token            string              `json:"token,omitempty"`
	Amount           decimal.Decimal     `json:"amount"`
}

type OfflineImportRequest struct {
	ShopID     string            `json:"shop_id"`
	EnvelopeID string            `json:"envelope_id"`
	Checkouts  []OfflineCheckout `json:"checkouts"`
}

type OfflineImportStatus struct {
	ClientCheckoutID string `json:"client_checkout_id"`
	Status           string `json:"status"`
	CheckoutID       string `json:"checkout_id,omitempty"`
	OrderID          string `json:"order_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type OfflineImportResponse struct {
	EnvelopeID string                `json:"envelope_id"`
	Statuses   []OfflineImportStatus `json:"statuses"`
}
