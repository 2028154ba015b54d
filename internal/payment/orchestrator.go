// Package payment captures invoice payments exactly once per idempotency
// key, issues refunds and reconciles ambiguous provider outcomes.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/metrics"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/xid"
)

type Options struct {
	// Timeout bounds each provider call.
	Timeout time.Duration
	// AttemptTTL is how long a failed attempt is kept for replay.
	AttemptTTL time.Duration
}

type Orchestrator struct {
	store     store.PaymentStore
	providers *Registry
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

func NewOrchestrator(st store.PaymentStore, providers *Registry, logger *zap.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.AttemptTTL <= 0 {
		opts.AttemptTTL = 24 * time.Hour
	}
	return &Orchestrator{
		store:     st,
		providers: providers,
		logger:    logger,
		metrics:   m,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type PayCommand struct {
	ShopID         string
	CheckoutID     string
	InvoiceID      string
	Provider       string
	Token          string
	IdempotencyKey string
	// Amount defaults to the invoice's outstanding amount.
	Amount   decimal.Decimal
	Currency string
}

type PayResult struct {
	Invoice  domain.OrderInvoice
	Attempt  domain.PaymentAttempt
	Replayed bool
}

// OpenInvoice returns the checkout's live invoice, creating one for the
// current total when none exists. An unpaid invoice whose total no longer
// matches is cancelled and replaced.
func (o *Orchestrator) OpenInvoice(ctx context.Context, checkout domain.Checkout) (*domain.OrderInvoice, error) {
	invoices, err := o.store.ListInvoicesByCheckout(ctx, checkout.ID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	for _, inv := range invoices {
		if inv.Status == domain.InvoiceCancelled {
			continue
		}
		if inv.Total.Equal(checkout.Pricing.Total) || !inv.TotalPaid.IsZero() || inv.Status != domain.InvoicePending {
			return &inv, nil
		}
		if _, err := o.store.CancelInvoice(ctx, inv.ID, now); err != nil {
			return nil, err
		}
	}

	return o.store.CreateInvoice(ctx, domain.OrderInvoice{
		ShopID:      checkout.ShopID,
		CheckoutID:  checkout.ID,
		Currency:    checkout.Currency,
		Total:       checkout.Pricing.Total,
		TotalPaid:   decimal.Zero,
		TotalRefund: decimal.Zero,
		Change:      decimal.Zero,
		Status:      domain.InvoicePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// CancelOpenInvoices cancels every unpaid invoice of a checkout.
func (o *Orchestrator) CancelOpenInvoices(ctx context.Context, checkoutID string) error {
	invoices, err := o.store.ListInvoicesByCheckout(ctx, checkoutID)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		if inv.Status != domain.InvoicePending || !inv.TotalPaid.IsZero() {
			continue
		}
		if _, err := o.store.CancelInvoice(ctx, inv.ID, o.now()); err != nil {
			return err
		}
	}
	return nil
}

// HasCaptureOrInFlight reports whether any money was taken, or may have been
// taken, for the checkout.
func (o *Orchestrator) HasCaptureOrInFlight(ctx context.Context, checkoutID string) (bool, error) {
	invoices, err := o.store.ListInvoicesByCheckout(ctx, checkoutID)
	if err != nil {
		return false, err
	}
	for _, inv := range invoices {
		if inv.TotalPaid.IsPositive() || inv.Status == domain.InvoiceProcessing {
			return true, nil
		}
		attempts, err := o.store.ListPaymentAttempts(ctx, inv.ID)
		if err != nil {
			return false, err
		}
		for _, a := range attempts {
			if a.Status != domain.AttemptFailed {
				return true, nil
			}
		}
	}
	return false, nil
}

// Pay captures a payment for an invoice. A key that was already used
// replays its stored outcome instead of charging again.
func (o *Orchestrator) Pay(ctx context.Context, cmd PayCommand) (PayResult, error) {
	if cmd.IdempotencyKey == "" || cmd.InvoiceID == "" || cmd.CheckoutID == "" {
		return PayResult{}, fmt.Errorf("%w: invoice, checkout and idempotency key are required", domain.ErrInvalidRequest)
	}
	provider, err := o.providers.Get(cmd.Provider)
	if err != nil {
		return PayResult{}, err
	}

	existing, err := o.store.GetPaymentAttempt(ctx, cmd.IdempotencyKey)
	switch {
	case err == nil:
		return o.replay(ctx, provider, *existing, cmd)
	case !errors.Is(err, domain.ErrNotFound):
		return PayResult{}, err
	}

	if err := o.settleOthers(ctx, cmd.InvoiceID); err != nil {
		return PayResult{}, err
	}

	invoice, err := o.store.GetInvoice(ctx, cmd.InvoiceID)
	if err != nil {
		return PayResult{}, err
	}
	if invoice.CheckoutID != cmd.CheckoutID {
		return PayResult{}, fmt.Errorf("%w: invoice %s belongs to another checkout", domain.ErrInvalidRequest, invoice.ID)
	}
	amount := cmd.Amount
	if amount.IsZero() {
		amount = invoice.Outstanding()
	}
	if !amount.IsPositive() {
		return PayResult{}, fmt.Errorf("%w: nothing to pay on invoice %s", domain.ErrInvalidState, invoice.ID)
	}
	if amount.GreaterThan(invoice.Outstanding()) && !provider.SupportsChange() {
		return PayResult{}, fmt.Errorf("%w: amount %s exceeds outstanding %s", domain.ErrInvalidRequest, amount, invoice.Outstanding())
	}

	now := o.now()
	attempt := domain.PaymentAttempt{
		IdempotencyKey: cmd.IdempotencyKey,
		ShopID:         cmd.ShopID,
		CheckoutID:     cmd.CheckoutID,
		InvoiceID:      cmd.InvoiceID,
		Provider:       provider.Name(),
		Amount:         amount,
		Status:         domain.AttemptPending,
		Refunded:       decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(o.opts.AttemptTTL),
	}
	if _, err := o.store.BeginPaymentAttempt(ctx, attempt); err != nil {
		return PayResult{}, err
	}
	currency := cmd.Currency
	if currency == "" {
		currency = invoice.Currency
	}
	return o.charge(ctx, provider, attempt, cmd.Token, currency)
}

func (o *Orchestrator) replay(ctx context.Context, provider Provider, attempt domain.PaymentAttempt, cmd PayCommand) (PayResult, error) {
	if attempt.InvoiceID != cmd.InvoiceID {
		return PayResult{}, fmt.Errorf("%w: idempotency key %s belongs to invoice %s", domain.ErrConflict, attempt.IdempotencyKey, attempt.InvoiceID)
	}
	o.logger.Info("payment replayed",
		zap.String("idempotency_key", attempt.IdempotencyKey),
		zap.String("invoice_id", attempt.InvoiceID),
		zap.String("status", string(attempt.Status)),
	)

	switch attempt.Status {
	case domain.AttemptSucceeded:
		invoice, err := o.store.GetInvoice(ctx, attempt.InvoiceID)
		if err != nil {
			return PayResult{}, err
		}
		return PayResult{Invoice: *invoice, Attempt: attempt, Replayed: true}, nil
	case domain.AttemptFailed:
		return PayResult{Attempt: attempt, Replayed: true}, &ProviderError{Class: attempt.FailureClass, Message: attempt.FailureMessage}
	}

	// Still pending: ask the provider what happened before charging again.
	status, err := o.queryStatus(ctx, provider, attempt)
	if err != nil {
		return PayResult{}, fmt.Errorf("%w: reconcile %s: %v", domain.ErrProviderTimeout, attempt.IdempotencyKey, err)
	}
	switch status.Status {
	case ChargeCaptured:
		result, err := o.settleSuccess(ctx, provider, attempt, status.ProviderRef, status.Amount)
		result.Replayed = true
		return result, err
	case ChargePending:
		return PayResult{Attempt: attempt}, fmt.Errorf("%w: payment %s is still pending at the provider", domain.ErrProviderTimeout, attempt.IdempotencyKey)
	default:
		// The provider never captured this key; charging again under the same
		// key cannot double-charge.
		invoice, err := o.store.GetInvoice(ctx, attempt.InvoiceID)
		if err != nil {
			return PayResult{}, err
		}
		return o.charge(ctx, provider, attempt, cmd.Token, invoice.Currency)
	}
}

// settleOthers resolves pending attempts under other keys on the same
// invoice so a new attempt can start.
func (o *Orchestrator) settleOthers(ctx context.Context, invoiceID string) error {
	attempts, err := o.store.ListPaymentAttempts(ctx, invoiceID)
	if err != nil {
		return err
	}
	for _, attempt := range attempts {
		if attempt.Status != domain.AttemptPending {
			continue
		}
		if _, err := o.Reconcile(ctx, attempt.IdempotencyKey); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile resolves a pending attempt from the provider's view of it.
// Charges the provider never saw are marked failed.
func (o *Orchestrator) Reconcile(ctx context.Context, idempotencyKey string) (*domain.PaymentAttempt, error) {
	attempt, err := o.store.GetPaymentAttempt(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if attempt.Status != domain.AttemptPending {
		return attempt, nil
	}
	provider, err := o.providers.Get(attempt.Provider)
	if err != nil {
		return nil, err
	}
	status, err := o.queryStatus(ctx, provider, *attempt)
	if err != nil {
		return nil, fmt.Errorf("%w: reconcile %s: %v", domain.ErrProviderTimeout, idempotencyKey, err)
	}

	switch status.Status {
	case ChargeCaptured:
		result, err := o.settleSuccess(ctx, provider, *attempt, status.ProviderRef, status.Amount)
		if err != nil {
			return nil, err
		}
		return &result.Attempt, nil
	case ChargePending:
		return nil, fmt.Errorf("%w: payment %s is still pending at the provider", domain.ErrProviderTimeout, idempotencyKey)
	default:
		_, settled, err := o.store.SettlePaymentAttempt(ctx, store.PaymentSettlement{
			IdempotencyKey: attempt.IdempotencyKey,
			Status:         domain.AttemptFailed,
			FailureClass:   domain.FailureTimeout,
			FailureMessage: "not captured by provider",
			At:             o.now(),
		})
		if err != nil {
			return nil, err
		}
		o.metrics.ObservePayment(attempt.Provider, "reconciled_failed")
		return settled, nil
	}
}

func (o *Orchestrator) queryStatus(ctx context.Context, provider Provider, attempt domain.PaymentAttempt) (StatusResult, error) {
	ref := attempt.ProviderRef
	if ref == "" {
		ref = attempt.IdempotencyKey
	}
	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	return provider.QueryStatus(callCtx, ref)
}

func (o *Orchestrator) charge(ctx context.Context, provider Provider, attempt domain.PaymentAttempt, token string, currency string) (PayResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	result, err := provider.Charge(callCtx, ChargeRequest{
		IdempotencyKey: attempt.IdempotencyKey,
		InvoiceID:      attempt.InvoiceID,
		Amount:         attempt.Amount,
		Currency:       currency,
		Token:          token,
	})
	cancel()
	if err == nil {
		return o.settleSuccess(ctx, provider, attempt, result.ProviderRef, result.Amount)
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			perr = Timeout(err.Error())
		} else {
			perr = Permanent("", err.Error())
		}
	}

	if perr.Class == domain.FailureTimeout {
		o.logger.Warn("payment outcome unknown, querying provider",
			zap.String("idempotency_key", attempt.IdempotencyKey),
			zap.String("invoice_id", attempt.InvoiceID),
			zap.Error(perr),
		)
		status, qerr := o.queryStatus(ctx, provider, attempt)
		if qerr == nil {
			switch status.Status {
			case ChargeCaptured:
				return o.settleSuccess(ctx, provider, attempt, status.ProviderRef, status.Amount)
			case ChargeFailed:
				perr = Declined("", "provider reports the charge failed")
			}
		}
		if perr.Class == domain.FailureTimeout {
			o.metrics.ObservePayment(provider.Name(), "timeout")
			return PayResult{Attempt: attempt}, perr
		}
	}

	_, settled, serr := o.store.SettlePaymentAttempt(ctx, store.PaymentSettlement{
		IdempotencyKey: attempt.IdempotencyKey,
		Status:         domain.AttemptFailed,
		FailureClass:   perr.Class,
		FailureMessage: perr.Message,
		At:             o.now(),
	})
	if serr != nil {
		return PayResult{}, serr
	}
	o.metrics.ObservePayment(provider.Name(), string(perr.Class))
	o.logger.Info("payment failed",
		zap.String("idempotency_key", attempt.IdempotencyKey),
		zap.String("invoice_id", attempt.InvoiceID),
		zap.String("class", string(perr.Class)),
	)
	return PayResult{Attempt: *settled}, perr
}

func (o *Orchestrator) settleSuccess(ctx context.Context, provider Provider, attempt domain.PaymentAttempt, providerRef string, amount decimal.Decimal) (PayResult, error) {
	if !amount.IsPositive() {
		amount = attempt.Amount
	}
	invoice, settled, err := o.store.SettlePaymentAttempt(ctx, store.PaymentSettlement{
		IdempotencyKey: attempt.IdempotencyKey,
		Status:         domain.AttemptSucceeded,
		ProviderRef:    providerRef,
		PaidAmount:     amount,
		At:             o.now(),
	})
	if err != nil {
		return PayResult{}, err
	}
	o.metrics.ObservePayment(provider.Name(), "succeeded")
	o.logger.Info("payment captured",
		zap.String("idempotency_key", attempt.IdempotencyKey),
		zap.String("invoice_id", invoice.ID),
		zap.String("amount", amount.String()),
		zap.String("invoice_status", string(invoice.Status)),
	)
	return PayResult{Invoice: *invoice, Attempt: *settled}, nil
}

type RefundCommand struct {
	InvoiceID string
	Amount    decimal.Decimal
	Reason    string
	CreatedBy string
}

// Refund returns money to the customer, drawing from successful captures
// newest first. The total never exceeds what was paid net of change.
func (o *Orchestrator) Refund(ctx context.Context, cmd RefundCommand) (*domain.OrderInvoice, []domain.Refund, error) {
	invoice, err := o.store.GetInvoice(ctx, cmd.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	if !cmd.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: refund amount must be positive", domain.ErrInvalidRequest)
	}
	if cmd.Amount.GreaterThan(invoice.Refundable()) {
		return nil, nil, fmt.Errorf("%w: refund %s exceeds refundable %s", domain.ErrInvalidRequest, cmd.Amount, invoice.Refundable())
	}

	attempts, err := o.store.ListPaymentAttempts(ctx, invoice.ID)
	if err != nil {
		return nil, nil, err
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
	})

	left := cmd.Amount
	refunds := make([]domain.Refund, 0, 2)
	for _, attempt := range attempts {
		if !left.IsPositive() {
			break
		}
		if attempt.Status != domain.AttemptSucceeded {
			continue
		}
		available := attempt.Amount.Sub(attempt.Refunded)
		if !available.IsPositive() {
			continue
		}
		part := decimal.Min(left, available, invoice.Refundable())
		if !part.IsPositive() {
			break
		}

		provider, err := o.providers.Get(attempt.Provider)
		if err != nil {
			return nil, refunds, err
		}
		refundID := xid.New("rfd")
		callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		result, err := provider.Refund(callCtx, RefundRequest{
			IdempotencyKey: refundID,
			ProviderRef:    attempt.ProviderRef,
			Amount:         part,
			Currency:       invoice.Currency,
		})
		cancel()
		if err != nil {
			o.logger.Warn("refund failed",
				zap.String("invoice_id", invoice.ID),
				zap.String("idempotency_key", attempt.IdempotencyKey),
				zap.Error(err),
			)
			return nil, refunds, err
		}

		refund := domain.Refund{
			ID:          refundID,
			InvoiceID:   invoice.ID,
			AttemptKey:  attempt.IdempotencyKey,
			ProviderRef: result.ProviderRef,
			Amount:      part,
			Reason:      cmd.Reason,
			CreatedBy:   cmd.CreatedBy,
			CreatedAt:   o.now(),
		}
		invoice, err = o.store.CreateRefund(ctx, refund)
		if err != nil {
			return nil, refunds, err
		}
		refunds = append(refunds, refund)
		left = left.Sub(part)
	}

	if left.IsPositive() {
		return invoice, refunds, fmt.Errorf("%w: %s could not be matched to a capture", domain.ErrInvalidState, left)
	}
	o.metrics.ObservePayment(invoice.PaymentMethod, "refunded")
	return invoice, refunds, nil
}

// PurgeExpired drops failed attempts whose replay window has passed.
func (o *Orchestrator) PurgeExpired(ctx context.Context) (int, error) {
	return o.store.PurgeExpiredAttempts(ctx, o.now())
}
