package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Requests            *prometheus.CounterVec
	LatencyMS           *prometheus.HistogramVec
	CheckoutTransitions *prometheus.CounterVec
	PaymentOutcomes     *prometheus.CounterVec
	StockMovements      *prometheus.CounterVec
	OutboxRelayed       *prometheus.CounterVec
}

func New(service string) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "transitions_total",
		Help:      "Checkout status transitions.",
	}, []string{"from", "to"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "payment_outcomes_total",
		Help:      "Payment attempts by provider and outcome.",
	}, []string{"provider", "outcome"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "stock_movements_total",
		Help:      "Stock movements appended to the ledger.",
	}, []string{"direction"})
	outbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "outbox_relayed_total",
		Help:      "Outbox events handed to the publisher.",
	}, []string{"result"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		requests, latency, transitions, payments, movements, outbox,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:            registry,
		Requests:            requests,
		LatencyMS:           latency,
		CheckoutTransitions: transitions,
		PaymentOutcomes:     payments,
		StockMovements:      movements,
		OutboxRelayed:       outbox,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(handler string, status string, latencyMS float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, status).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(latencyMS)
}

func (m *Metrics) ObserveTransition(from string, to string) {
	if m == nil {
		return
	}
	m.CheckoutTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObservePayment(provider string, outcome string) {
	if m == nil {
		return
	}
	m.PaymentOutcomes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveMovement(direction string, count int) {
	if m == nil {
		return
	}
	m.StockMovements.WithLabelValues(direction).Add(float64(count))
}

func (m *Metrics) ObserveOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxRelayed.WithLabelValues(result).Inc()
}
