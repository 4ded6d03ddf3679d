// Package gateway wraps the read-only REST lookups the reconciler needs from
// payment gateways.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/resilience"
)

const mercadoPagoName = "mercadopago"

var (
	// ErrNotFound is returned when the gateway does not know the resource.
	ErrNotFound = errors.New("gateway: resource not found")
	// ErrUnauthorized is returned when the access token is rejected.
	ErrUnauthorized = errors.New("gateway: unauthorized")
	// ErrInvalidResponse is returned when the payload misses required fields.
	ErrInvalidResponse = errors.New("gateway: invalid response")
)

// MercadoPagoConfig configures the MercadoPago client.
type MercadoPagoConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	Breaker     *resilience.Breaker
	Transport   http.RoundTripper
}

// MercadoPago fetches payments, merchant orders and pre-approvals.
type MercadoPago struct {
	baseURL  string
	token    string
	http     resilience.HTTPClient
	validate *validator.Validate
	latency  metric.Float64Histogram
}

// NewMercadoPago builds a client with a single attempt per call, bounded by
// cfg.Timeout and guarded by cfg.Breaker.
func NewMercadoPago(cfg MercadoPagoConfig) *MercadoPago {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	latency, _ := otel.Meter("gateway.client").Float64Histogram(
		"gateway.request.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of outbound gateway lookups."),
	)
	return &MercadoPago{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   cfg.AccessToken,
		http: resilience.HTTPClient{
			Client:  &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker: cfg.Breaker,
			Timeout: timeout,
		},
		validate: validator.New(),
		latency:  latency,
	}
}

// GetPayment fetches a payment by gateway id.
func (c *MercadoPago) GetPayment(ctx context.Context, id string) (PaymentDetail, error) {
	var out PaymentDetail
	err := c.get(ctx, "payment", "/v1/payments/"+url.PathEscape(id), &out)
	return out, err
}

// GetMerchantOrder fetches a merchant order by gateway id.
func (c *MercadoPago) GetMerchantOrder(ctx context.Context, id string) (MerchantOrder, error) {
	var out MerchantOrder
	err := c.get(ctx, "merchant_order", "/merchant_orders/"+url.PathEscape(id), &out)
	return out, err
}

// GetPreapproval fetches a subscription pre-approval by gateway id.
func (c *MercadoPago) GetPreapproval(ctx context.Context, id string) (Preapproval, error) {
	var out Preapproval
	err := c.get(ctx, "preapproval", "/preapproval/"+url.PathEscape(id), &out)
	return out, err
}

func (c *MercadoPago) get(ctx context.Context, operation, path string, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = resultLabel(err)
		}
		obs.CountGatewayRequest(mercadoPagoName, operation, result)
		if c.latency != nil {
			c.latency.Record(ctx, obs.DurationMillis(time.Since(start)), metric.WithAttributes(
				attribute.String("gateway", mercadoPagoName),
				attribute.String("operation", operation),
				attribute.String("result", result),
			))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", operation, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		return fmt.Errorf("gateway: %s %s: unexpected status %d", operation, path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gateway: read %s: %w", operation, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidResponse, operation, err)
	}
	if err := c.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, operation, err)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, resilience.ErrOpenCircuit):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid"
	default:
		return "error"
	}
}
