// Package shipping fetches carrier rates for zones priced by quote.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/cache"
	"checkoutengine/backend/internal/domain"
)

type Quoter interface {
	Quote(ctx context.Context, zone domain.ShippingZone, country string, weightGrams int) (decimal.Decimal, error)
}

// HTTPQuoter asks an external rate service for a price.
type HTTPQuoter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPQuoter(baseURL string, timeout time.Duration) *HTTPQuoter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPQuoter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type quoteRequest struct {
	ZoneID      string `json:"zone_id"`
	Country     string `json:"country"`
	WeightGrams int    `json:"weight_grams"`
}

type quoteResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

func (q *HTTPQuoter) Quote(ctx context.Context, zone domain.ShippingZone, country string, weightGrams int) (decimal.Decimal, error) {
	payload, err := json.Marshal(quoteRequest{ZoneID: zone.ID, Country: country, WeightGrams: weightGrams})
	if err != nil {
		return decimal.Zero, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/v1/quotes", bytes.NewReader(payload))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("shipping quote: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("shipping quote: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out quoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return decimal.Zero, fmt.Errorf("shipping quote: %w", err)
	}
	if out.Amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative shipping quote %s", domain.ErrPricingInconsistency, out.Amount)
	}
	return out.Amount, nil
}

// CachedQuoter memoizes quotes so repricing a cart on every mutation does
// not call the carrier each time.
type CachedQuoter struct {
	next   Quoter
	cache  cache.QuoteCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedQuoter(next Quoter, c cache.QuoteCache, ttl time.Duration, logger *zap.Logger) *CachedQuoter {
	if c == nil {
		c = cache.NoopQuoteCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedQuoter{next: next, cache: c, ttl: ttl, logger: logger}
}

func quoteKey(zone domain.ShippingZone, country string, weightGrams int) string {
	return fmt.Sprintf("%s/%s/%d", zone.ID, strings.ToUpper(country), weightGrams)
}

func (q *CachedQuoter) Quote(ctx context.Context, zone domain.ShippingZone, country string, weightGrams int) (decimal.Decimal, error) {
	key := quoteKey(zone, country, weightGrams)
	if amount, ok, err := q.cache.Get(ctx, key); err != nil {
		q.logger.Warn("quote cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return amount, nil
	}

	amount, err := q.next.Quote(ctx, zone, country, weightGrams)
	if err != nil {
		return decimal.Zero, err
	}
	if err := q.cache.Set(ctx, key, amount, q.ttl); err != nil {
		q.logger.Warn("quote cache write failed", zap.String("key", key), zap.Error(err))
	}
	return amount, nil
}
