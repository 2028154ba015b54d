package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store/memory"
)

// scriptedProvider answers charges from a queue of outcomes and records
// what it captured so QueryStatus can report it.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes []error
	captured map[string]decimal.Decimal
	charges  int
	pending  bool
}

func newScripted(outcomes ...error) *scriptedProvider {
	return &scriptedProvider{outcomes: outcomes, captured: map[string]decimal.Decimal{}}
}

func (p *scriptedProvider) Name() string         { return "card" }
func (p *scriptedProvider) SupportsChange() bool { return false }

func (p *scriptedProvider) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	var outcome error
	if len(p.outcomes) > 0 {
		outcome = p.outcomes[0]
		p.outcomes = p.outcomes[1:]
	}
	if errors.Is(outcome, errCaptureThenTimeout) {
		p.captured[req.IdempotencyKey] = req.Amount
		return ChargeResult{}, Timeout("read timeout")
	}
	if outcome != nil {
		return ChargeResult{}, outcome
	}
	p.captured[req.IdempotencyKey] = req.Amount
	return ChargeResult{ProviderRef: "ref-" + req.IdempotencyKey, Amount: req.Amount}, nil
}

func (p *scriptedProvider) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{ProviderRef: "rf-" + req.ProviderRef}, nil
}

func (p *scriptedProvider) QueryStatus(_ context.Context, ref string) (StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return StatusResult{Status: ChargePending}, nil
	}
	if amount, ok := p.captured[ref]; ok {
		return StatusResult{Status: ChargeCaptured, ProviderRef: "ref-" + ref, Amount: amount}, nil
	}
	return StatusResult{Status: ChargeNotFound}, nil
}

var errCaptureThenTimeout = errors.New("capture then timeout")

type payFixture struct {
	repo     *memory.Store
	orch     *Orchestrator
	checkout domain.Checkout
	invoice  domain.OrderInvoice
}

func newPayFixture(t *testing.T, total string, providers ...Provider) payFixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewSeeded()
	now := time.Now().UTC()
	checkout, err := repo.CreateCheckout(ctx, domain.Checkout{
		ShopID:    "main-shop",
		Currency:  "USD",
		Status:    domain.CheckoutProcessing,
		Pricing:   domain.PriceBreakdown{Total: decimal.RequireFromString(total)},
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	orch := NewOrchestrator(repo, NewRegistry(providers...), zap.NewNop(), nil, Options{Timeout: time.Second})
	invoice, err := orch.OpenInvoice(ctx, *checkout)
	require.NoError(t, err)
	return payFixture{repo: repo, orch: orch, checkout: *checkout, invoice: *invoice}
}

func (f payFixture) pay(provider string, key string, amount string) (PayResult, error) {
	cmd := PayCommand{
		ShopID:         "main-shop",
		CheckoutID:     f.checkout.ID,
		InvoiceID:      f.invoice.ID,
		Provider:       provider,
		IdempotencyKey: key,
	}
	if amount != "" {
		cmd.Amount = decimal.RequireFromString(amount)
	}
	return f.orch.Pay(context.Background(), cmd)
}

func TestCashOverpaymentRecordsChange(t *testing.T) {
	f := newPayFixture(t, "35.00", NewCashProvider())

	result, err := f.pay("cash", "k-cash", "40.00")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceOverpaid, result.Invoice.Status)
	assert.True(t, result.Invoice.Change.Equal(decimal.RequireFromString("5.00")))
	assert.True(t, result.Invoice.Refundable().Equal(decimal.RequireFromString("35.00")))
}

func TestSameKeyChargesOnce(t *testing.T) {
	provider := newScripted()
	f := newPayFixture(t, "20.00", provider)

	first, err := f.pay("card", "k-1", "")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.pay("card", "k-1", "")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, provider.charges)
	assert.True(t, second.Invoice.TotalPaid.Equal(decimal.RequireFromString("20.00")))
	assert.Equal(t, domain.InvoiceCompleted, second.Invoice.Status)
}

func TestCardCannotOverpay(t *testing.T) {
	f := newPayFixture(t, "20.00", newScripted())

	_, err := f.pay("card", "k-over", "25.00")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestDeclinedOutcomeIsReplayed(t *testing.T) {
	provider := newScripted(Declined("insufficient_funds", "card declined"))
	f := newPayFixture(t, "20.00", provider)

	_, err := f.pay("card", "k-decl", "")
	require.ErrorIs(t, err, domain.ErrProviderDeclined)

	_, err = f.pay("card", "k-decl", "")
	require.ErrorIs(t, err, domain.ErrProviderDeclined)
	assert.Equal(t, 1, provider.charges)

	// A fresh key may try again.
	result, err := f.pay("card", "k-retry", "")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCompleted, result.Invoice.Status)
}

func TestTimeoutResolvedByStatusQuery(t *testing.T) {
	provider := newScripted(errCaptureThenTimeout)
	f := newPayFixture(t, "20.00", provider)

	result, err := f.pay("card", "k-to", "")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptSucceeded, result.Attempt.Status)
	assert.Equal(t, 1, provider.charges)
}

func TestTimeoutLeavesAttemptPendingUntilRetry(t *testing.T) {
	provider := newScripted(Timeout("gateway unreachable"))
	f := newPayFixture(t, "20.00", provider)

	_, err := f.pay("card", "k-pend", "")
	require.ErrorIs(t, err, domain.ErrProviderTimeout)

	attempt, err := f.repo.GetPaymentAttempt(context.Background(), "k-pend")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptPending, attempt.Status)

	// The provider never saw the charge, so a retry with the same key charges.
	result, err := f.pay("card", "k-pend", "")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCompleted, result.Invoice.Status)
	assert.Equal(t, 2, provider.charges)
	assert.True(t, result.Invoice.TotalPaid.Equal(decimal.RequireFromString("20.00")))
}

func TestStillPendingAtProviderBlocksNewKey(t *testing.T) {
	provider := newScripted(Timeout("gateway unreachable"))
	f := newPayFixture(t, "20.00", provider)

	_, err := f.pay("card", "k-a", "")
	require.ErrorIs(t, err, domain.ErrProviderTimeout)

	provider.pending = true
	_, err = f.pay("card", "k-b", "")
	require.ErrorIs(t, err, domain.ErrProviderTimeout)
	assert.Equal(t, 1, provider.charges)
}

func TestKeyReusedForOtherInvoiceConflicts(t *testing.T) {
	f := newPayFixture(t, "20.00", newScripted())
	_, err := f.pay("card", "k-x", "")
	require.NoError(t, err)

	_, err = f.orch.Pay(context.Background(), PayCommand{
		CheckoutID: f.checkout.ID, InvoiceID: "inv-other", Provider: "card", IdempotencyKey: "k-x",
	})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRefundSplitsAcrossCapturesNewestFirst(t *testing.T) {
	provider := newScripted()
	f := newPayFixture(t, "30.00", provider)
	ctx := context.Background()

	_, err := f.pay("card", "k-first", "10.00")
	require.NoError(t, err)
	f.orch.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	_, err = f.pay("card", "k-second", "20.00")
	require.NoError(t, err)

	invoice, refunds, err := f.orch.Refund(ctx, RefundCommand{InvoiceID: f.invoice.ID, Amount: decimal.RequireFromString("25.00")})
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, "k-second", refunds[0].AttemptKey)
	assert.True(t, refunds[0].Amount.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, refunds[1].Amount.Equal(decimal.RequireFromString("5.00")))
	assert.True(t, invoice.Refundable().Equal(decimal.RequireFromString("5.00")))

	_, _, err = f.orch.Refund(ctx, RefundCommand{InvoiceID: f.invoice.ID, Amount: decimal.RequireFromString("6.00")})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestOpenInvoiceReplacesStaleTotal(t *testing.T) {
	f := newPayFixture(t, "20.00", newScripted())
	ctx := context.Background()

	again, err := f.orch.OpenInvoice(ctx, f.checkout)
	require.NoError(t, err)
	assert.Equal(t, f.invoice.ID, again.ID)

	changed := f.checkout
	changed.Pricing.Total = decimal.RequireFromString("22.00")
	replaced, err := f.orch.OpenInvoice(ctx, changed)
	require.NoError(t, err)
	assert.NotEqual(t, f.invoice.ID, replaced.ID)

	old, err := f.repo.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCancelled, old.Status)
}

func TestGatewayProviderMapsResponses(t *testing.T) {
	var lastKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/charges":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			lastKey = r.Header.Get("Idempotency-Key")
			if body["token"] == "tok_decline" {
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(map[string]string{"code": "card_declined", "message": "declined"})
				return
			}
			if body["token"] == "tok_slow" {
				w.WriteHeader(http.StatusGatewayTimeout)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "ch_1", "status": "captured", "amount": body["amount"]})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/charges/ch_missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	gw := NewGatewayProvider("card", srv.URL, "secret", time.Second)
	ctx := context.Background()

	result, err := gw.Charge(ctx, ChargeRequest{IdempotencyKey: "k-gw", Amount: decimal.RequireFromString("12.50"), Currency: "USD", Token: "tok_ok"})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", result.ProviderRef)
	assert.Equal(t, "k-gw", lastKey)

	_, err = gw.Charge(ctx, ChargeRequest{IdempotencyKey: "k-d", Amount: decimal.NewFromInt(1), Token: "tok_decline"})
	require.ErrorIs(t, err, domain.ErrProviderDeclined)

	_, err = gw.Charge(ctx, ChargeRequest{IdempotencyKey: "k-s", Amount: decimal.NewFromInt(1), Token: "tok_slow"})
	require.ErrorIs(t, err, domain.ErrProviderTimeout)

	status, err := gw.QueryStatus(ctx, "ch_missing")
	require.NoError(t, err)
	assert.Equal(t, ChargeNotFound, status.Status)
}
