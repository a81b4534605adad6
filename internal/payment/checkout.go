package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paymongo-bridge/internal/obs"
	"github.com/noah-isme/paymongo-bridge/internal/resilience"
)

const (
	// DefaultCurrency applies to line items that omit a currency.
	DefaultCurrency = "PHP"
	// DefaultBaseURL is PayMongo's public API host.
	DefaultBaseURL = "https://api.paymongo.com"

	checkoutSessionsPath = "/v1/checkout_sessions"
	taxAndFeesName       = "Tax & Fees"
)

// DefaultPaymentMethodTypes is offered when the caller does not choose.
var DefaultPaymentMethodTypes = []string{"gcash", "card"}

// LineItem is one purchasable entry. Amount is in minor units (centavos).
type LineItem struct {
	Name     string `json:"name"`
	Amount   int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency,omitempty"`
	Quantity int64  `json:"quantity" validate:"gte=1"`
}

// CheckoutRequest is the body accepted by the checkout endpoint.
type CheckoutRequest struct {
	OrderID            string     `json:"order_id" validate:"required"`
	OrderNumber        string     `json:"order_number" validate:"required"`
	LineItems          []LineItem `json:"line_items" validate:"required,min=1,dive"`
	SuccessURL         string     `json:"success_url" validate:"required"`
	CancelURL          string     `json:"cancel_url" validate:"required"`
	PaymentMethodTypes []string   `json:"payment_method_types,omitempty"`
	// PaymentMethod is a single-method shortcut used when PaymentMethodTypes is empty.
	PaymentMethod string `json:"payment_method,omitempty"`
	// TotalAmount, when larger than the line item sum, adds a "Tax & Fees" line.
	TotalAmount int64 `json:"total_amount,omitempty" validate:"gte=0"`
}

// CheckoutResult is returned to the caller for both created and rejected sessions.
type CheckoutResult struct {
	OK          bool            `json:"ok"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Status      int             `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// MarshalJSON keeps status and error on rejections even when PayMongo sent
// an empty body, and leaves them out of successful results.
func (r CheckoutResult) MarshalJSON() ([]byte, error) {
	if r.OK {
		type created CheckoutResult
		return json.Marshal(created(r))
	}
	return json.Marshal(struct {
		OK     bool   `json:"ok"`
		Status int    `json:"status"`
		Error  string `json:"error"`
	}{OK: false, Status: r.Status, Error: r.Error})
}

// ErrInvalidResponse is returned when PayMongo answers 2xx with a body that is not JSON.
var ErrInvalidResponse = errors.New("payment: invalid checkout session response")

// CheckoutClient creates PayMongo hosted checkout sessions.
type CheckoutClient struct {
	BaseURL   string
	SecretKey string
	HTTP      resilience.HTTPClient
	Logger    zerolog.Logger
}

// CreateSession performs a single POST to the checkout sessions endpoint.
// A status >= 400 is not an error: it produces a result with OK=false and the
// processor's raw response text. Transport faults, timeouts and an open
// circuit are returned as errors.
func (c *CheckoutClient) CreateSession(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	ctx, span := otel.Tracer("payment.CheckoutClient").Start(ctx, "CheckoutClient.CreateSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int("checkout.line_items", len(req.LineItems)),
	)
	start := time.Now()

	body, err := json.Marshal(buildSessionPayload(req))
	if err != nil {
		span.RecordError(err)
		return CheckoutResult{}, fmt.Errorf("encode checkout session: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return CheckoutResult{}, fmt.Errorf("build checkout session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.SecretKey, "")

	resp, err := c.HTTP.Do(ctx, httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout session call failed")
		observeCheckout("error", start)
		return CheckoutResult{}, fmt.Errorf("create checkout session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		observeCheckout("error", start)
		return CheckoutResult{}, fmt.Errorf("read checkout session response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	logger := c.loggerFor(ctx)
	if resp.StatusCode >= http.StatusBadRequest {
		observeCheckout("rejected", start)
		logger.Warn().
			Str("order_id", req.OrderID).
			Int("status", resp.StatusCode).
			Msg("paymongo rejected checkout session")
		return CheckoutResult{OK: false, Status: resp.StatusCode, Error: string(respBody)}, nil
	}

	if !json.Valid(respBody) {
		span.RecordError(ErrInvalidResponse)
		observeCheckout("error", start)
		return CheckoutResult{}, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}
	var decoded any
	_ = json.Unmarshal(respBody, &decoded)
	checkoutURL, _ := LookupString(decoded, "data", "attributes", "checkout_url")

	observeCheckout("created", start)
	logger.Info().
		Str("order_id", req.OrderID).
		Int("status", resp.StatusCode).
		Bool("has_checkout_url", checkoutURL != "").
		Msg("checkout session created")
	return CheckoutResult{OK: true, CheckoutURL: checkoutURL, Raw: json.RawMessage(respBody)}, nil
}

func (c *CheckoutClient) endpoint() string {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + checkoutSessionsPath
}

func (c *CheckoutClient) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &c.Logger
}

type sessionPayload struct {
	Data sessionData `json:"data"`
}

type sessionData struct {
	Attributes sessionAttributes `json:"attributes"`
}

type sessionAttributes struct {
	Description        string            `json:"description"`
	LineItems          []LineItem        `json:"line_items"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	SuccessURL         string            `json:"success_url"`
	CancelURL          string            `json:"cancel_url"`
	Metadata           map[string]string `json:"metadata"`
}

// buildSessionPayload produces the PayMongo request document for req.
func buildSessionPayload(req CheckoutRequest) sessionPayload {
	items := make([]LineItem, 0, len(req.LineItems)+1)
	for _, item := range req.LineItems {
		if strings.TrimSpace(item.Currency) == "" {
			item.Currency = DefaultCurrency
		}
		items = append(items, item)
	}
	if fees := feesLine(req.TotalAmount, items); fees != nil {
		items = append(items, *fees)
	}
	return sessionPayload{Data: sessionData{Attributes: sessionAttributes{
		Description:        "Order " + req.OrderNumber,
		LineItems:          items,
		PaymentMethodTypes: ResolvePaymentMethodTypes(req.PaymentMethodTypes, req.PaymentMethod),
		SuccessURL:         req.SuccessURL,
		CancelURL:          req.CancelURL,
		Metadata: map[string]string{
			"order_id":     req.OrderID,
			"order_number": req.OrderNumber,
		},
	}}}
}

// ResolvePaymentMethodTypes picks the offered payment methods. Explicit types
// win; otherwise the single-method shortcut is expanded, falling back to
// DefaultPaymentMethodTypes.
func ResolvePaymentMethodTypes(types []string, method string) []string {
	if len(types) > 0 {
		return append([]string(nil), types...)
	}
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "card":
		return []string{"card"}
	case "gcash", "ewallet":
		return []string{"gcash"}
	default:
		return append([]string(nil), DefaultPaymentMethodTypes...)
	}
}

// feesLine returns the balancing line item when total exceeds the sum of items.
func feesLine(total int64, items []LineItem) *LineItem {
	if total <= 0 || len(items) == 0 {
		return nil
	}
	var sum int64
	for _, item := range items {
		sum += item.Amount * item.Quantity
	}
	delta := total - sum
	if delta <= 0 {
		return nil
	}
	return &LineItem{Name: taxAndFeesName, Amount: delta, Currency: items[0].Currency, Quantity: 1}
}

func observeCheckout(result string, start time.Time) {
	if obs.CheckoutSessionTotal != nil {
		obs.CheckoutSessionTotal.WithLabelValues(result).Inc()
	}
	if obs.CheckoutSessionLatency != nil {
		obs.CheckoutSessionLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}
