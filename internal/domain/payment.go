package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending    InvoiceStatus = "PENDING"
	InvoiceProcessing InvoiceStatus = "PROCESSING"
	InvoiceCompleted  InvoiceStatus = "COMPLETED"
	InvoiceOverpaid   InvoiceStatus = "OVERPAID"
	InvoiceCancelled  InvoiceStatus = "CANCELLED"
)

type OrderInvoice struct {
	ID            string          `json:"id"`
	ShopID        string          `json:"shop_id"`
	CheckoutID    string          `json:"checkout_id"`
	OrderID       string          `json:"order_id,omitempty"`
	ReferenceNo   string          `json:"reference_no,omitempty"`
	Currency      string          `json:"currency"`
	Total         decimal.Decimal `json:"total"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	TotalRefund   decimal.Decimal `json:"total_refund"`
	Change        decimal.Decimal `json:"change"`
	Status        InvoiceStatus   `json:"status"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

func (i OrderInvoice) Settled() bool {
	return i.Status == InvoiceCompleted || i.Status == InvoiceOverpaid
}

func (i OrderInvoice) Outstanding() decimal.Decimal {
	remaining := i.Total.Sub(i.TotalPaid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Refundable is what can still be returned to the customer. Cash change has
// already been handed back and is excluded.
func (i OrderInvoice) Refundable() decimal.Decimal {
	left := i.TotalPaid.Sub(i.Change).Sub(i.TotalRefund)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptFailed    AttemptStatus = "FAILED"
)

type FailureClass string

const (
	FailureDeclined  FailureClass = "DECLINED"
	FailureTimeout   FailureClass = "TIMEOUT"
	FailurePermanent FailureClass = "PERMANENT"
)

// PaymentAttempt is the persisted idempotency record of one pay call. It is
// written before the provider is contacted.
type PaymentAttempt struct {
	IdempotencyKey string          `json:"idempotency_key"`
	ShopID         string          `json:"shop_id"`
	CheckoutID     string          `json:"checkout_id"`
	InvoiceID      string          `json:"invoice_id"`
	Provider       string          `json:"provider"`
	Amount         decimal.Decimal `json:"amount"`
	Status         AttemptStatus   `json:"status"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	FailureClass   FailureClass    `json:"failure_class,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	Refunded       decimal.Decimal `json:"refunded"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

type Refund struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	AttemptKey  string          `json:"attempt_key"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApplyPayment adds a captured amount and derives the invoice status from
// the new paid total.
func (i *OrderInvoice) ApplyPayment(amount decimal.Decimal, method string, at time.Time) {
	i.TotalPaid = i.TotalPaid.Add(amount)
	switch {
	case i.PaymentMethod == "":
		i.PaymentMethod = method
	case i.PaymentMethod != method:
		i.PaymentMethod = "split"
	}
	i.UpdatedAt = at

	switch i.TotalPaid.Cmp(i.Total) {
	case 1:
		i.Status = InvoiceOverpaid
		i.Change = i.TotalPaid.Sub(i.Total)
		i.PaidAt = &at
	case 0:
		i.Status = InvoiceCompleted
		i.Change = decimal.Zero
		i.PaidAt = &at
	default:
		i.Status = InvoicePending
	}
}
