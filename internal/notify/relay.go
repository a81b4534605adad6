package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paymongo-bridge/internal/obs"
	"github.com/noah-isme/paymongo-bridge/internal/resilience"
)

// DefaultTimeout bounds a single confirmation relay call.
const DefaultTimeout = 20 * time.Second

const userAgent = "paymongo-bridge/1.0"

// ErrRejected is returned by Send when the confirmation endpoint answers non-2xx.
var ErrRejected = errors.New("notify: confirmation rejected")

// Confirmation is the payment status update forwarded to the order service.
type Confirmation struct {
	OrderID       string
	EventType     string
	PaymentStatus string
	// Raw is the original webhook body. It must be valid JSON; it is embedded
	// as-is apart from whitespace compaction.
	Raw []byte
}

type confirmationBody struct {
	OrderID       string          `json:"orderId"`
	EventType     *string         `json:"eventType"`
	PaymentStatus string          `json:"paymentStatus"`
	Raw           json.RawMessage `json:"raw"`
}

// Relay forwards normalized payment events to the internal confirmation
// endpoint. Each call is a single attempt; failures are logged and counted
// and never reported back to the webhook sender.
type Relay struct {
	URL           string
	HTTP          resilience.HTTPClient
	SigningSecret string
	Timeout       time.Duration
	Logger        zerolog.Logger

	wg sync.WaitGroup
}

// Dispatch relays c in the background. The call is detached from the
// caller's cancellation but keeps its values (request logger, trace), and is
// bounded by the relay timeout. Wait blocks until dispatched calls finish.
func (r *Relay) Dispatch(ctx context.Context, c Confirmation) {
	logger := r.loggerFor(ctx)
	if c.OrderID == "" {
		logger.Info().Str("event_type", c.EventType).Msg("confirmation without order_id, skipping")
		return
	}
	detached := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		callCtx, cancel := context.WithTimeout(detached, r.timeout())
		defer cancel()
		start := time.Now()
		status, body, err := r.Send(callCtx, c)
		result := relayResult(err)
		if obs.ConfirmRelayTotal != nil {
			obs.ConfirmRelayTotal.WithLabelValues(result).Inc()
		}
		if obs.ConfirmRelayLatency != nil {
			obs.ConfirmRelayLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
		}
		if err != nil {
			logger.Error().Err(err).
				Str("order_id", c.OrderID).
				Str("payment_status", c.PaymentStatus).
				Int("status", status).
				Str("response", truncate(body, 512)).
				Msg("confirmation relay failed")
			return
		}
		logger.Info().
			Str("order_id", c.OrderID).
			Str("payment_status", c.PaymentStatus).
			Int("status", status).
			Msg("confirmation relayed")
	}()
}

// Wait blocks until all dispatched relays have finished or ctx is done.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send performs one confirmation call and returns the response status and
// body. A non-2xx status is reported as ErrRejected.
func (r *Relay) Send(ctx context.Context, c Confirmation) (int, string, error) {
	ctx, span := otel.Tracer("notify.Relay").Start(ctx, "Relay.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", c.OrderID),
		attribute.String("payment.status", c.PaymentStatus),
	)

	body, err := encodeConfirmation(c)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	relayID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Relay-ID", relayID)
	if r.SigningSecret != "" {
		ts := time.Now().Unix()
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Signature", ComputeSignature(r.SigningSecret, ts, relayID, body))
	}

	resp, err := r.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		span.RecordError(err)
		return resp.StatusCode, string(responseBody), err
	}
	return resp.StatusCode, string(responseBody), nil
}

func encodeConfirmation(c Confirmation) ([]byte, error) {
	payload := confirmationBody{
		OrderID:       c.OrderID,
		PaymentStatus: c.PaymentStatus,
		Raw:           json.RawMessage(c.Raw),
	}
	if c.EventType != "" {
		eventType := c.EventType
		payload.EventType = &eventType
	}
	if len(c.Raw) == 0 {
		payload.Raw = json.RawMessage("null")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode confirmation: %w", err)
	}
	return body, nil
}

// ComputeSignature calculates the relay signature. The format is
// HMAC-SHA256 over "<ts>.<relayID>.<body>" using the shared secret.
func ComputeSignature(secret string, ts int64, relayID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(relayID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHTTPClient returns an HTTP client with an OpenTelemetry transport, used
// for outbound calls to PayMongo and the confirmation endpoint.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
	}
}

func (r *Relay) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Relay) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &r.Logger
}

func relayResult(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, resilience.ErrOpenCircuit):
		return "circuit_open"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
