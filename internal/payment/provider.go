package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
)

type ChargeRequest struct {
	IdempotencyKey string
	InvoiceID      string
	Amount         decimal.Decimal
	Currency       string
	Token          string
}

type ChargeResult struct {
	ProviderRef string
	Amount      decimal.Decimal
}

type RefundRequest struct {
	IdempotencyKey string
	ProviderRef    string
	Amount         decimal.Decimal
	Currency       string
}

type RefundResult struct {
	ProviderRef string
}

type ChargeStatus string

const (
	ChargeCaptured ChargeStatus = "CAPTURED"
	ChargeFailed   ChargeStatus = "FAILED"
	ChargePending  ChargeStatus = "PENDING"
	ChargeNotFound ChargeStatus = "NOT_FOUND"
)

type StatusResult struct {
	Status      ChargeStatus
	ProviderRef string
	Amount      decimal.Decimal
}

// Provider is a payment gateway adapter. Charge must be idempotent on
// IdempotencyKey. QueryStatus accepts either a provider reference or the
// idempotency key of the charge.
type Provider interface {
	Name() string
	// SupportsChange reports whether a charge may exceed the amount due.
	SupportsChange() bool
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	QueryStatus(ctx context.Context, ref string) (StatusResult, error)
}

// ProviderError is a classified provider failure. It matches the domain
// provider sentinels with errors.Is.
type ProviderError struct {
	Class   domain.FailureClass
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment provider %s: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("payment provider %s (%s): %s", e.Class, e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	switch e.Class {
	case domain.FailureDeclined:
		return target == domain.ErrProviderDeclined
	case domain.FailureTimeout:
		return target == domain.ErrProviderTimeout
	case domain.FailurePermanent:
		return target == domain.ErrProviderPermanentFailure
	default:
		return false
	}
}

func Declined(code string, message string) *ProviderError {
	return &ProviderError{Class: domain.FailureDeclined, Code: code, Message: message}
}

func Permanent(code string, message string) *ProviderError {
	return &ProviderError{Class: domain.FailurePermanent, Code: code, Message: message}
}

func Timeout(message string) *ProviderError {
	return &ProviderError{Class: domain.FailureTimeout, Message: message}
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: payment provider %q", domain.ErrInvalidRequest, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
