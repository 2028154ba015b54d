package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
)

type Entity string

const (
	EntityCheckout Entity = "checkout"
	EntityDocument Entity = "document"
)

// Transition is a compare-and-swap status change applied in the same
// transaction as a batch of stock movements.
type Transition struct {
	Entity      Entity
	ID          string
	From        []string
	To          string
	ReferenceNo string
	Reason      string
	At          time.Time
}

func (t *Transition) Allows(current string) bool {
	for _, from := range t.From {
		if from == current {
			return true
		}
	}
	return false
}

// OrderCompletion is everything written when a checkout becomes an order.
type OrderCompletion struct {
	Order       domain.ShopOrder
	InvoiceRefs map[string]string
	MovementIDs []string
	Event       domain.OutboxEvent
	At          time.Time
}

// PaymentSettlement records the outcome of a payment attempt together with
// its effect on the invoice.
type PaymentSettlement struct {
	IdempotencyKey string
	Status         domain.AttemptStatus
	ProviderRef    string
	FailureClass   domain.FailureClass
	FailureMessage string
	PaidAmount     decimal.Decimal
	At             time.Time
}

type CatalogStore interface {
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
	SaveShop(ctx context.Context, shop domain.Shop) error
	GetCatalog(ctx context.Context, shopID string) (*domain.Catalog, error)
	SaveProduct(ctx context.Context, product domain.Product) error
	SaveBundle(ctx context.Context, bundle domain.Bundle) error
	SaveService(ctx context.Context, service domain.ServiceBundle) error
	GetCustomer(ctx context.Context, shopID string, customerID string) (*domain.Customer, error)
	SaveCustomer(ctx context.Context, customer domain.Customer) error
	ListPromotions(ctx context.Context, shopID string) ([]domain.Promotion, error)
	SavePromotion(ctx context.Context, promotion domain.Promotion) error
}

type CheckoutStore interface {
	CreateCheckout(ctx context.Context, checkout domain.Checkout) (*domain.Checkout, error)
	GetCheckout(ctx context.Context, checkoutID string) (*domain.Checkout, error)
	FindCheckoutByExternalID(ctx context.Context, shopID string, externalID string) (*domain.Checkout, error)
	// UpdateCheckout persists the aggregate when both the stored version and
	// status still match; it returns ErrConflict otherwise.
	UpdateCheckout(ctx context.Context, checkout domain.Checkout, expected domain.CheckoutStatus) (*domain.Checkout, error)
	ListCheckoutsByStatus(ctx context.Context, status domain.CheckoutStatus, processedBefore time.Time, limit int) ([]domain.Checkout, error)
}

type LedgerStore interface {
	// AppendMovements inserts all movements or none. Each (sku, warehouse) is
	// serialized and checked against going negative. The optional transition
	// is applied atomically with the insert.
	AppendMovements(ctx context.Context, movements []domain.StockMovement, transition *Transition) ([]domain.StockMovement, error)
	VoidMovement(ctx context.Context, movementID string, at time.Time) (*domain.StockMovement, error)
	GetMovement(ctx context.Context, movementID string) (*domain.StockMovement, error)
	StockLevel(ctx context.Context, sku string, warehouseID string) (int, error)
	SumMovements(ctx context.Context, sku string, warehouseID string) (int, error)
	ListMovementsByReference(ctx context.Context, reference string) ([]domain.StockMovement, error)
}

type PaymentStore interface {
	CreateInvoice(ctx context.Context, invoice domain.OrderInvoice) (*domain.OrderInvoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*domain.OrderInvoice, error)
	ListInvoicesByCheckout(ctx context.Context, checkoutID string) ([]domain.OrderInvoice, error)
	CancelInvoice(ctx context.Context, invoiceID string, at time.Time) (*domain.OrderInvoice, error)
	GetPaymentAttempt(ctx context.Context, idempotencyKey string) (*domain.PaymentAttempt, error)
	ListPaymentAttempts(ctx context.Context, invoiceID string) ([]domain.PaymentAttempt, error)
	// BeginPaymentAttempt verifies the checkout is PROCESSING, marks the
	// invoice PROCESSING and inserts the attempt in one transaction. A
	// duplicate key yields ErrConflict.
	BeginPaymentAttempt(ctx context.Context, attempt domain.PaymentAttempt) (*domain.OrderInvoice, error)
	SettlePaymentAttempt(ctx context.Context, settlement PaymentSettlement) (*domain.OrderInvoice, *domain.PaymentAttempt, error)
	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.OrderInvoice, error)
	ListRefunds(ctx context.Context, invoiceID string) ([]domain.Refund, error)
	// PurgeExpiredAttempts drops FAILED attempts past their expiry. Succeeded
	// attempts back refunds and are kept.
	PurgeExpiredAttempts(ctx context.Context, before time.Time) (int, error)
}

type OrderStore interface {
	NextSequence(ctx context.Context, shopID string, docType domain.DocumentType) (int64, error)
	CompleteCheckout(ctx context.Context, completion OrderCompletion) (*domain.ShopOrder, error)
	GetOrder(ctx context.Context, orderID string) (*domain.ShopOrder, error)
	GetOrderByCheckout(ctx context.Context, checkoutID string) (*domain.ShopOrder, error)
	// UpdateOrder writes statuses, remark and shipping address only.
	UpdateOrder(ctx context.Context, order domain.ShopOrder) (*domain.ShopOrder, error)
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc domain.StockDocument) (*domain.StockDocument, error)
	GetDocument(ctx context.Context, documentID string) (*domain.StockDocument, error)
	ListDocumentsByOrder(ctx context.Context, orderID string) ([]domain.StockDocument, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, from []domain.DocumentStatus, to domain.DocumentStatus, at time.Time) (*domain.StockDocument, error)
}

type OutboxStore interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, eventID string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, eventID string, reason string) error
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	CatalogStore
	CheckoutStore
	LedgerStore
	PaymentStore
	OrderStore
	DocumentStore
	OutboxStore
	AuditStore
}
