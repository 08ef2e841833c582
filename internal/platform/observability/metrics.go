package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds all application metrics.
// A nil *Metrics, or one built with enabled=false, records nothing.
type Metrics struct {
	meter metric.Meter

	// Quote metrics
	QuoteRequests metric.Int64Counter
	QuoteDuration metric.Float64Histogram

	// External provider metrics
	ProviderCalls    metric.Int64Counter
	ProviderDuration metric.Float64Histogram
	OracleFallbacks  metric.Int64Counter
	TokenPriceUSD    metric.Float64Gauge

	// Cache metrics
	CacheRequests metric.Int64Counter

	// Live input metrics
	SupersededResponses metric.Int64Counter

	// Chain metrics
	RPCEndpointHealth metric.Int64Gauge
	Transactions      metric.Int64Counter

	// Position metrics
	PositionsTracked metric.Int64Gauge

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	m.QuoteRequests, err = m.meter.Int64Counter(
		"swap.quote.requests",
		metric.WithDescription("Total swap quotes computed, by source and status"),
	)
	if err != nil {
		return err
	}

	m.QuoteDuration, err = m.meter.Float64Histogram(
		"swap.quote.duration",
		metric.WithDescription("Swap quote duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.ProviderCalls, err = m.meter.Int64Counter(
		"swap.provider.calls",
		metric.WithDescription("Total external price provider calls"),
	)
	if err != nil {
		return err
	}

	m.ProviderDuration, err = m.meter.Float64Histogram(
		"swap.provider.duration",
		metric.WithDescription("External price provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.OracleFallbacks, err = m.meter.Int64Counter(
		"swap.oracle.fallbacks",
		metric.WithDescription("Price oracle fallbacks (next provider, stale cache, not found)"),
	)
	if err != nil {
		return err
	}

	m.TokenPriceUSD, err = m.meter.Float64Gauge(
		"swap.token.price.usd",
		metric.WithDescription("Last fetched token price in USD"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return err
	}

	m.CacheRequests, err = m.meter.Int64Counter(
		"swap.cache.requests",
		metric.WithDescription("Cache requests (hit/miss) by cache name"),
	)
	if err != nil {
		return err
	}

	m.SupersededResponses, err = m.meter.Int64Counter(
		"swap.live.superseded",
		metric.WithDescription("Responses discarded because a newer request was issued for the same key"),
	)
	if err != nil {
		return err
	}

	m.RPCEndpointHealth, err = m.meter.Int64Gauge(
		"swap.rpc.endpoint.health",
		metric.WithDescription("RPC endpoint health status (1=healthy, 0=unhealthy)"),
	)
	if err != nil {
		return err
	}

	m.Transactions, err = m.meter.Int64Counter(
		"swap.transactions",
		metric.WithDescription("Transactions submitted through the chain gateway"),
	)
	if err != nil {
		return err
	}

	m.PositionsTracked, err = m.meter.Int64Gauge(
		"swap.positions.tracked",
		metric.WithDescription("Liquidity positions currently tracked"),
	)
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"swap.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = m.meter.Int64Counter(
		"swap.errors",
		metric.WithDescription("Total errors encountered"),
	)
	if err != nil {
		return err
	}

	return nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.meter != nil
}

// RecordQuote records a computed (or failed) swap quote
func (m *Metrics) RecordQuote(ctx context.Context, source, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	)
	m.QuoteRequests.Add(ctx, 1, attrs)
	m.QuoteDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordProviderCall records an external provider call
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.ProviderCalls.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordOracleFallback records a fallback step taken by the price oracle
func (m *Metrics) RecordOracleFallback(ctx context.Context, reason string) {
	if !m.enabled() {
		return
	}
	m.OracleFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTokenPrice records the latest price for a token key
func (m *Metrics) RecordTokenPrice(ctx context.Context, tokenKey string, priceUSD float64) {
	if !m.enabled() {
		return
	}
	m.TokenPriceUSD.Record(ctx, priceUSD, metric.WithAttributes(attribute.String("token", tokenKey)))
}

// RecordCacheRequest records a cache lookup
func (m *Metrics) RecordCacheRequest(ctx context.Context, cacheName string, hit bool) {
	if !m.enabled() {
		return
	}
	status := "miss"
	if hit {
		status = "hit"
	}
	m.CacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cacheName),
		attribute.String("status", status),
	))
}

// RecordSuperseded records a discarded out-of-order response
func (m *Metrics) RecordSuperseded(ctx context.Context, kind string) {
	if !m.enabled() {
		return
	}
	m.SupersededResponses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRPCEndpointHealth records RPC endpoint health status
func (m *Metrics) RecordRPCEndpointHealth(ctx context.Context, url string, healthy bool) {
	if !m.enabled() {
		return
	}
	val := int64(0)
	if healthy {
		val = 1
	}
	m.RPCEndpointHealth.Record(ctx, val, metric.WithAttributes(attribute.String("url", url)))
}

// RecordTransaction records a gateway transaction step
func (m *Metrics) RecordTransaction(ctx context.Context, kind, step, status string) {
	if !m.enabled() {
		return
	}
	m.Transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

// SetPositionsTracked sets the number of tracked positions for an owner
func (m *Metrics) SetPositionsTracked(ctx context.Context, owner string, n int) {
	if !m.enabled() {
		return
	}
	m.PositionsTracked.Record(ctx, int64(n), metric.WithAttributes(attribute.String("owner", owner)))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if !m.enabled() {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	if !m.enabled() {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the HTTP handler for Prometheus metrics.
// The OpenTelemetry Prometheus exporter registers with the default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
