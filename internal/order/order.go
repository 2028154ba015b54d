// Package order projects completed checkouts into immutable orders and
// drives the order sub-statuses afterwards.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

const maxUpdateRetries = 3

type Projector struct {
	store  store.OrderStore
	logger *zap.Logger
}

func New(st store.OrderStore, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{store: st, logger: logger}
}

// FormatReference renders a sequence as prefix plus zero-padded digits.
func FormatReference(format domain.ReferenceNoFormat, seq int64) (string, error) {
	digits := format.Digits
	if digits < 1 {
		digits = 6
	}
	if seq < 1 {
		return "", fmt.Errorf("%w: sequence %d", domain.ErrInvalidRequest, seq)
	}
	number := strconv.FormatInt(seq, 10)
	if len(number) > digits {
		return "", fmt.Errorf("%w: %s sequence %d needs more than %d digits", domain.ErrReferenceNoExhausted, format.Prefix, seq, digits)
	}
	return format.Prefix + strings.Repeat("0", digits-len(number)) + number, nil
}

// AllocateReference draws the next reference number for a document type.
// Numbers are never reused; an aborted caller leaves a gap.
func (p *Projector) AllocateReference(ctx context.Context, shop domain.Shop, docType domain.DocumentType) (string, error) {
	seq, err := p.store.NextSequence(ctx, shop.ID, docType)
	if err != nil {
		return "", err
	}
	return FormatReference(shop.ReferenceFormat(docType), seq)
}

type ProjectInput struct {
	Checkout  domain.Checkout
	Shop      domain.Shop
	Catalog   *domain.Catalog
	Invoices  []domain.OrderInvoice
	Movements []domain.StockMovement
	At        time.Time
}

// Project writes the order for a checkout whose invoice has settled and
// completes the checkout in the same store transaction.
func (p *Projector) Project(ctx context.Context, in ProjectInput) (*domain.ShopOrder, error) {
	if existing, err := p.store.GetOrderByCheckout(ctx, in.Checkout.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	referenceNo, err := p.AllocateReference(ctx, in.Shop, domain.DocumentOrder)
	if err != nil {
		return nil, err
	}
	order := p.build(in, referenceNo)

	invoiceRefs := make(map[string]string, len(in.Invoices))
	for _, inv := range in.Invoices {
		if inv.Status == domain.InvoiceCancelled {
			continue
		}
		ref := inv.ReferenceNo
		if ref == "" {
			ref, err = p.AllocateReference(ctx, in.Shop, domain.DocumentInvoice)
			if err != nil {
				return nil, err
			}
		}
		invoiceRefs[inv.ID] = ref
		order.InvoiceIDs = append(order.InvoiceIDs, inv.ID)
	}

	movementIDs := make([]string, 0, len(in.Movements))
	for _, m := range in.Movements {
		if m.Status == domain.MovementNormal {
			movementIDs = append(movementIDs, m.ID)
		}
	}

	event, err := completedEvent(order, in.At)
	if err != nil {
		return nil, err
	}

	created, err := p.store.CompleteCheckout(ctx, store.OrderCompletion{
		Order:       order,
		InvoiceRefs: invoiceRefs,
		MovementIDs: movementIDs,
		Event:       event,
		At:          in.At,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("order projected",
		zap.String("order_id", created.ID),
		zap.String("checkout_id", in.Checkout.ID),
		zap.String("reference_no", created.ReferenceNo),
		zap.Int("movements", len(movementIDs)),
	)
	return created, nil
}

func (p *Projector) build(in ProjectInput, referenceNo string) domain.ShopOrder {
	c := in.Checkout
	orderID := xid.New("ord")
	kitchen := false
	items := make([]domain.OrderItem, 0, len(c.Items))
	for _, item := range c.ActiveItems() {
		if line, err := item.Line(); err == nil && in.Catalog != nil && line.Kitchen(in.Catalog) {
			kitchen = true
		}
		items = append(items, domain.OrderItem{
			ID:             xid.New("oit"),
			OrderID:        orderID,
			CheckoutItemID: item.ID,
			Kind:           item.Kind,
			RefID:          item.RefID,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			LineTotal:      item.LineTotal(),
			Remark:         item.Remark,
		})
	}

	shipping := domain.ShippingNotRequired
	if c.RequiresShipping() {
		shipping = domain.ShippingPending
	}
	kitchenStatus := domain.KitchenNone
	if kitchen {
		kitchenStatus = domain.KitchenPending
	}

	return domain.ShopOrder{
		ID:                 orderID,
		ShopID:             c.ShopID,
		CheckoutID:         c.ID,
		ReferenceNo:        referenceNo,
		Currency:           c.Currency,
		CustomerID:         c.CustomerID,
		StaffID:            c.StaffID,
		Items:              items,
		Subtotal:           c.Pricing.Subtotal,
		ShopDiscount:       c.Pricing.ShopDiscount,
		CouponDiscount:     c.Pricing.CouponDiscount,
		ShippingFee:        c.Pricing.ShippingFee,
		TaxFee:             c.Pricing.TaxFee,
		AdjustmentsTotal:   c.Pricing.AdjustmentsTotal,
		Total:              c.Pricing.Total,
		MemberPoints:       c.Pricing.MemberPoints,
		Status:             domain.OrderPending,
		PaymentStatus:      PaymentStatusOf(c.Pricing.Total, in.Invoices),
		ShippingStatus:     shipping,
		KitchenStatus:      kitchenStatus,
		ShippingAddress:    c.ShippingAddress,
		BillingAddress:     c.BillingAddress,
		ShippingProviderID: c.ShippingProviderID,
		InvoiceIDs:         make([]string, 0, len(in.Invoices)),
		CreatedAt:          in.At,
		UpdatedAt:          in.At,
	}
}

func completedEvent(order domain.ShopOrder, at time.Time) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(domain.OrderCompletedEvent{
		OrderID:     order.ID,
		ShopID:      order.ShopID,
		CheckoutID:  order.CheckoutID,
		ReferenceNo: order.ReferenceNo,
		CustomerID:  order.CustomerID,
		Currency:    order.Currency,
		Total:       order.Total,
		OccurredAt:  at,
	})
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	return domain.OutboxEvent{
		ID:            xid.New("evt"),
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     domain.EventOrderCompleted,
		Payload:       payload,
		Status:        domain.OutboxPending,
		CreatedAt:     at,
	}, nil
}

func (p *Projector) Get(ctx context.Context, orderID string) (*domain.ShopOrder, error) {
	return p.store.GetOrder(ctx, orderID)
}

func (p *Projector) ByCheckout(ctx context.Context, checkoutID string) (*domain.ShopOrder, error) {
	return p.store.GetOrderByCheckout(ctx, checkoutID)
}

// mutate re-reads the order and retries when a concurrent writer bumped
// its version.
func (p *Projector) mutate(ctx context.Context, orderID string, at time.Time, fn func(*domain.ShopOrder) error) (*domain.ShopOrder, error) {
	var lastErr error
	for i := 0; i < maxUpdateRetries; i++ {
		order, err := p.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := fn(order); err != nil {
			return nil, err
		}
		order.UpdatedAt = at
		updated, err := p.store.UpdateOrder(ctx, *order)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Projector) Confirm(ctx context.Context, orderID string, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		if err := checkTransition("order", orderTransitions, o.Status, domain.OrderProcessing); err != nil {
			return err
		}
		o.Status = domain.OrderProcessing
		return nil
	})
}

func (p *Projector) Complete(ctx context.Context, orderID string, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		if err := checkTransition("order", orderTransitions, o.Status, domain.OrderCompleted); err != nil {
			return err
		}
		o.Status = domain.OrderCompleted
		return nil
	})
}

// Cancel stops the order. Shipping and kitchen work not yet under way is
// cancelled with it; payment status is left to refunds.
func (p *Projector) Cancel(ctx context.Context, orderID string, reason string, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		if err := checkTransition("order", orderTransitions, o.Status, domain.OrderCancelled); err != nil {
			return err
		}
		o.Status = domain.OrderCancelled
		if allowed(shippingTransitions, o.ShippingStatus, domain.ShippingCancelled) {
			o.ShippingStatus = domain.ShippingCancelled
		}
		if allowed(kitchenTransitions, o.KitchenStatus, domain.KitchenCancelled) {
			o.KitchenStatus = domain.KitchenCancelled
		}
		if reason != "" {
			o.Remark = strings.TrimSpace(o.Remark + "\ncancelled: " + reason)
		}
		return nil
	})
}

func (p *Projector) SetKitchenStatus(ctx context.Context, orderID string, to domain.KitchenStatus, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		if o.Status == domain.OrderCancelled {
			return fmt.Errorf("%w: order %s is cancelled", domain.ErrInvalidState, o.ID)
		}
		if err := checkTransition("kitchen", kitchenTransitions, o.KitchenStatus, to); err != nil {
			return err
		}
		o.KitchenStatus = to
		return nil
	})
}

func (p *Projector) SetShippingStatus(ctx context.Context, orderID string, to domain.ShippingStatus, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		if o.ShippingStatus == to {
			return nil
		}
		if err := checkTransition("shipping", shippingTransitions, o.ShippingStatus, to); err != nil {
			return err
		}
		o.ShippingStatus = to
		return nil
	})
}

// SyncPayment recomputes the payment status after refunds.
func (p *Projector) SyncPayment(ctx context.Context, orderID string, invoices []domain.OrderInvoice, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		o.PaymentStatus = PaymentStatusOf(o.Total, invoices)
		return nil
	})
}

// Update edits the remark and shipping address. Totals are fixed.
func (p *Projector) Update(ctx context.Context, orderID string, req domain.OrderUpdateRequest, at time.Time) (*domain.ShopOrder, error) {
	return p.mutate(ctx, orderID, at, func(o *domain.ShopOrder) error {
		if o.Status == domain.OrderCancelled || o.Status == domain.OrderCompleted {
			return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidState, o.ID, o.Status)
		}
		if req.Remark != nil {
			o.Remark = strings.TrimSpace(*req.Remark)
		}
		if req.ShippingAddress != nil {
			switch o.ShippingStatus {
			case domain.ShippingShipped, domain.ShippingDelivered, domain.ShippingReturned:
				return fmt.Errorf("%w: order %s already %s", domain.ErrInvalidState, o.ID, o.ShippingStatus)
			}
			address := *req.ShippingAddress
			o.ShippingAddress = &address
		}
		return nil
	})
}
