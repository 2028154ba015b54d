package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
)

var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderPending:    {domain.OrderProcessing, domain.OrderCancelled},
	domain.OrderProcessing: {domain.OrderCompleted, domain.OrderCancelled},
}

var shippingTransitions = map[domain.ShippingStatus][]domain.ShippingStatus{
	domain.ShippingPending:    {domain.ShippingProcessing, domain.ShippingShipped, domain.ShippingDelivered, domain.ShippingCancelled},
	domain.ShippingProcessing: {domain.ShippingShipped, domain.ShippingDelivered, domain.ShippingCancelled},
	domain.ShippingShipped:    {domain.ShippingDelivered, domain.ShippingReturned},
	domain.ShippingDelivered:  {domain.ShippingReturned},
}

var kitchenTransitions = map[domain.KitchenStatus][]domain.KitchenStatus{
	domain.KitchenPending:   {domain.KitchenPreparing, domain.KitchenReady, domain.KitchenCancelled},
	domain.KitchenPreparing: {domain.KitchenReady, domain.KitchenCancelled},
	domain.KitchenReady:     {domain.KitchenServed},
}

func allowed[S ~string](table map[S][]S, from S, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition[S ~string](machine string, table map[S][]S, from S, to S) error {
	if !allowed(table, from, to) {
		return fmt.Errorf("%w: %s status cannot move from %s to %s", domain.ErrInvalidState, machine, from, to)
	}
	return nil
}

// PaymentStatusOf derives the order payment status from its invoices.
// Change handed back in cash does not count as paid.
func PaymentStatusOf(total decimal.Decimal, invoices []domain.OrderInvoice) domain.PaymentStatus {
	paid := decimal.Zero
	refunded := decimal.Zero
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceCancelled {
			continue
		}
		paid = paid.Add(inv.TotalPaid.Sub(inv.Change))
		refunded = refunded.Add(inv.TotalRefund)
	}

	switch {
	case refunded.IsPositive() && refunded.GreaterThanOrEqual(paid):
		return domain.PaymentRefunded
	case refunded.IsPositive():
		return domain.PaymentPartiallyRefunded
	case paid.IsPositive() && paid.GreaterThanOrEqual(total):
		return domain.PaymentPaid
	case paid.IsPositive():
		return domain.PaymentPartiallyPaid
	case total.IsZero():
		return domain.PaymentPaid
	default:
		return domain.PaymentPending
	}
}
