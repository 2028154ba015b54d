package payment

import (
	"context"
	"sync"

	"checkoutengine/backend/internal/xid"
)

// CashProvider settles tendered cash at the till. Overpayment is allowed and
// becomes change on the invoice.
type CashProvider struct {
	mu      sync.Mutex
	charges map[string]ChargeResult
}

func NewCashProvider() *CashProvider {
	return &CashProvider{charges: map[string]ChargeResult{}}
}

func (p *CashProvider) Name() string { return "cash" }

func (p *CashProvider) SupportsChange() bool { return true }

func (p *CashProvider) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if !req.Amount.IsPositive() {
		return ChargeResult{}, Declined("invalid_amount", "tendered amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.charges[req.IdempotencyKey]; ok {
		return existing, nil
	}
	result := ChargeResult{ProviderRef: xid.New("cash"), Amount: req.Amount}
	p.charges[req.IdempotencyKey] = result
	p.charges[result.ProviderRef] = result
	return result, nil
}

func (p *CashProvider) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.charges[req.ProviderRef]; !ok {
		return RefundResult{}, Permanent("unknown_charge", "cash charge "+req.ProviderRef+" not found")
	}
	return RefundResult{ProviderRef: xid.New("cashrf")}, nil
}

func (p *CashProvider) QueryStatus(_ context.Context, ref string) (StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.charges[ref]
	if !ok {
		return StatusResult{Status: ChargeNotFound}, nil
	}
	return StatusResult{Status: ChargeCaptured, ProviderRef: result.ProviderRef, Amount: result.Amount}, nil
}
