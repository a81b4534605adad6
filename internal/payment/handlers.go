package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paymongo-bridge/internal/common"
	"github.com/noah-isme/paymongo-bridge/internal/notify"
	"github.com/noah-isme/paymongo-bridge/internal/obs"
)

// SessionCreator creates hosted checkout sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (CheckoutResult, error)
}

// Confirmer forwards payment confirmations to the order service.
type Confirmer interface {
	Dispatch(ctx context.Context, c notify.Confirmation)
}

// Handler exposes the checkout and webhook endpoints.
type Handler struct {
	Sessions      SessionCreator
	Confirmer     Confirmer
	WebhookSecret string
	Validate      *validator.Validate
	Logger        zerolog.Logger
}

// NewValidator returns a validator that reports JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Checkout creates a PayMongo checkout session for the posted order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Sessions == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "checkout unavailable", nil)
		return
	}
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.validator().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]fieldError, 0, len(verrs))
			for _, fe := range verrs {
				_, field, _ := strings.Cut(fe.Namespace(), ".")
				details = append(details, fieldError{Field: field, Rule: fe.Tag()})
			}
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid checkout request", details)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}

	result, err := h.Sessions.CreateSession(r.Context(), req)
	if err != nil {
		h.loggerFor(r.Context()).Error().Err(err).Str("order_id", req.OrderID).Msg("checkout session failed")
		common.WriteError(w, checkoutError(err))
		return
	}
	common.JSON(w, http.StatusOK, result)
}

// checkoutError maps a transport fault to the client-facing error.
func checkoutError(err error) *common.AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.NewAppError("CHECKOUT_TIMEOUT", "payment processor timed out", http.StatusGatewayTimeout, err)
	}
	return common.NewAppError("CHECKOUT_UNAVAILABLE", "payment processor unavailable", http.StatusBadGateway, err)
}

// Webhook verifies a PayMongo webhook against the raw body, normalizes it and
// relays the resulting status. Relay failures never change the response.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("payment.Handler").Start(r.Context(), "Handler.Webhook")
	defer span.End()
	logger := h.loggerFor(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		observeWebhook("bad_request", "")
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read body", nil)
		return
	}
	digest := common.Sha256Hex(body)

	if !VerifySignature(body, r.Header.Get(SignatureHeader), h.WebhookSecret) {
		observeWebhook("invalid_signature", "")
		logger.Warn().Str("body_sha256", digest).Msg("webhook signature rejected")
		common.JSONError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "invalid signature", nil)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		observeWebhook("bad_request", "")
		logger.Warn().Str("body_sha256", digest).Msg("webhook body is not a JSON object")
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}

	event := Normalize(payload)
	span.SetAttributes(
		attribute.String("payment.event_type", event.EventType),
		attribute.String("payment.status", string(event.Status)),
		attribute.Bool("payment.has_order", event.HasOrder()),
	)
	logger.Info().
		Str("event_type", event.EventType).
		Str("payment_status", string(event.Status)).
		Str("order_id", event.OrderID).
		Str("body_sha256", digest).
		Msg("paymongo webhook received")

	result := "skipped"
	if event.HasOrder() && h.Confirmer != nil {
		result = "relayed"
		h.Confirmer.Dispatch(ctx, notify.Confirmation{
			OrderID:       event.OrderID,
			EventType:     event.EventType,
			PaymentStatus: string(event.Status),
			Raw:           body,
		})
	} else {
		logger.Info().Str("event_type", event.EventType).Msg("no order_id in webhook, skipping confirmation")
	}
	observeWebhook(result, string(event.Status))
	common.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var defaultValidator = NewValidator()

func (h *Handler) validator() *validator.Validate {
	if h.Validate != nil {
		return h.Validate
	}
	return defaultValidator
}

func (h *Handler) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &h.Logger
}

func observeWebhook(result, status string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(result, status).Inc()
	}
}
