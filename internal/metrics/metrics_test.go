package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsCount(t *testing.T) {
	m := New("test")

	m.ObserveTransition("PENDING", "PROCESSING")
	m.ObserveTransition("PENDING", "PROCESSING")
	m.ObservePayment("cash", "succeeded")
	m.ObserveMovement("OUTBOUND", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CheckoutTransitions.WithLabelValues("PENDING", "PROCESSING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PaymentOutcomes.WithLabelValues("cash", "succeeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StockMovements.WithLabelValues("OUTBOUND")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("PENDING", "CANCELLED")
		m.ObserveRequest("checkout_get", "200", 1)
		m.ObserveOutbox("sent")
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New("test")
	m.ObserveRequest("checkout_get", "200", 12)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "checkout_test_http_requests_total"))
}
