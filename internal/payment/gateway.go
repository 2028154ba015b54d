package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayProvider talks to a card gateway over its JSON HTTP API.
type GatewayProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGatewayProvider(name string, baseURL string, apiKey string, timeout time.Duration) *GatewayProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GatewayProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *GatewayProvider) Name() string { return g.name }

func (g *GatewayProvider) SupportsChange() bool { return false }

type gatewayCharge struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Amount  decimal.Decimal `json:"amount"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *GatewayProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	body := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"invoice_id":      req.InvoiceID,
		"amount":          req.Amount.String(),
		"currency":        req.Currency,
		"token":           req.Token,
	}
	var charge gatewayCharge
	if err := g.do(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, body, &charge); err != nil {
		return ChargeResult{}, err
	}

	switch strings.ToLower(charge.Status) {
	case "captured", "succeeded":
		amount := charge.Amount
		if amount.IsZero() {
			amount = req.Amount
		}
		return ChargeResult{ProviderRef: charge.ID, Amount: amount}, nil
	case "failed", "declined":
		return ChargeResult{}, Declined(charge.Code, charge.Message)
	default:
		// Accepted but not settled yet; the caller reconciles via QueryStatus.
		return ChargeResult{}, Timeout("charge " + charge.ID + " is " + charge.Status)
	}
}

func (g *GatewayProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	body := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"charge_id":       req.ProviderRef,
		"amount":          req.Amount.String(),
		"currency":        req.Currency,
	}
	var refund struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, body, &refund); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{ProviderRef: refund.ID}, nil
}

func (g *GatewayProvider) QueryStatus(ctx context.Context, ref string) (StatusResult, error) {
	var charge gatewayCharge
	err := g.do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(ref), "", nil, &charge)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Code == "not_found" {
			return StatusResult{Status: ChargeNotFound}, nil
		}
		return StatusResult{}, err
	}

	status := ChargePending
	switch strings.ToLower(charge.Status) {
	case "captured", "succeeded":
		status = ChargeCaptured
	case "failed", "declined":
		status = ChargeFailed
	}
	return StatusResult{Status: status, ProviderRef: charge.ID, Amount: charge.Amount}, nil
}

func (g *GatewayProvider) do(ctx context.Context, method string, path string, idempotencyKey string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Permanent("encode", err.Error())
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return Permanent("request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Connection resets and deadlines leave the outcome unknown.
		return Timeout(err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return Timeout(fmt.Sprintf("undecodable gateway response: %v", err))
		}
		return nil
	}

	var gwErr gatewayError
	_ = json.Unmarshal(raw, &gwErr)
	if gwErr.Message == "" {
		gwErr.Message = fmt.Sprintf("status %d", resp.StatusCode)
	}
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return Declined(gwErr.Code, gwErr.Message)
	case resp.StatusCode == http.StatusNotFound:
		return Permanent("not_found", gwErr.Message)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Timeout(gwErr.Message)
	default:
		return Permanent(gwErr.Code, gwErr.Message)
	}
}
