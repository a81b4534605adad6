package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paymongo-bridge/internal/notify"
	"github.com/noah-isme/paymongo-bridge/internal/payment"
	"github.com/noah-isme/paymongo-bridge/internal/resilience"
	"github.com/noah-isme/paymongo-bridge/internal/security"
)

type stubSessions struct {
	result payment.CheckoutResult
	err    error
	got    []payment.CheckoutRequest
}

func (s *stubSessions) CreateSession(_ context.Context, req payment.CheckoutRequest) (payment.CheckoutResult, error) {
	s.got = append(s.got, req)
	return s.result, s.err
}

type recordingConfirmer struct {
	mu    sync.Mutex
	calls []notify.Confirmation
}

func (r *recordingConfirmer) Dispatch(_ context.Context, c notify.Confirmation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recordingConfirmer) Calls() []notify.Confirmation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Confirmation(nil), r.calls...)
}

const checkoutBody = `{
	"order_id": "ORD-1",
	"order_number": "1001",
	"line_items": [{"name": "Widget", "amount": 10000, "quantity": 1}],
	"success_url": "https://shop.example/success",
	"cancel_url": "https://shop.example/cancel"
}`

func postJSON(handler http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestCheckoutHandlerReturnsResult(t *testing.T) {
	sessions := &stubSessions{result: payment.CheckoutResult{OK: true, CheckoutURL: "https://pay/cs_1", Raw: json.RawMessage(`{"data":{}}`)}}
	h := &payment.Handler{Sessions: sessions}

	rec := postJSON(h.Checkout, checkoutBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"checkout_url":"https://pay/cs_1","raw":{"data":{}}}`, rec.Body.String())
	require.Len(t, sessions.got, 1)
	require.Equal(t, "ORD-1", sessions.got[0].OrderID)
	require.Equal(t, int64(1), sessions.got[0].LineItems[0].Quantity)
}

func TestCheckoutHandlerPassesThroughRejection(t *testing.T) {
	sessions := &stubSessions{result: payment.CheckoutResult{OK: false, Status: 402, Error: `{"errors":[]}`}}
	h := &payment.Handler{Sessions: sessions}

	rec := postJSON(h.Checkout, checkoutBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":false,"status":402,"error":"{\"errors\":[]}"}`, rec.Body.String())
}

func TestCheckoutHandlerRejectsInvalidBody(t *testing.T) {
	h := &payment.Handler{Sessions: &stubSessions{}}

	rec := postJSON(h.Checkout, `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	rec = postJSON(h.Checkout, `{"order_id":"ORD-1","order_number":"1","line_items":[],"success_url":"s","cancel_url":"c"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))

	rec = postJSON(h.Checkout, `{"order_id":"ORD-1","order_number":"1","line_items":[{"name":"x","amount":100,"quantity":0}],"success_url":"s","cancel_url":"c"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "line_items[0].quantity")
}

func TestCheckoutHandlerMapsNetworkFaults(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("create checkout session: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "CHECKOUT_TIMEOUT"},
		{fmt.Errorf("create checkout session: %w", errors.New("connection refused")), http.StatusBadGateway, "CHECKOUT_UNAVAILABLE"},
		{fmt.Errorf("create checkout session: %w", resilience.ErrOpenCircuit), http.StatusBadGateway, "CHECKOUT_UNAVAILABLE"},
	}
	for _, tc := range cases {
		h := &payment.Handler{Sessions: &stubSessions{err: tc.err}}
		rec := postJSON(h.Checkout, checkoutBody, nil)
		require.Equal(t, tc.status, rec.Code)
		require.Equal(t, tc.code, errorCode(t, rec))
	}
}

const paidWebhook = `{"data":{"id":"evt_1","attributes":{"type":"checkout_session.payment.paid","data":{"id":"cs_1","attributes":{"metadata":{"order_id":"ORD-1","order_number":"1001"}}}}}}`

func TestWebhookValidSignatureRelays(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := &payment.Handler{Confirmer: confirmer, WebhookSecret: testSecret}

	header := signedHeader(testSecret, "1700000000", []byte(paidWebhook))
	rec := postJSON(h.Webhook, paidWebhook, map[string]string{payment.SignatureHeader: header})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	calls := confirmer.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "ORD-1", calls[0].OrderID)
	require.Equal(t, "checkout_session.payment.paid", calls[0].EventType)
	require.Equal(t, "paid", calls[0].PaymentStatus)
	require.Equal(t, paidWebhook, string(calls[0].Raw))
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := &payment.Handler{Confirmer: confirmer, WebhookSecret: testSecret}

	header := signedHeader("other-secret", "1700000000", []byte(paidWebhook))
	rec := postJSON(h.Webhook, paidWebhook, map[string]string{payment.SignatureHeader: header})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))

	rec = postJSON(h.Webhook, paidWebhook, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))

	require.Empty(t, confirmer.Calls())
}

func TestWebhookVerifiesRawBytesNotReencoding(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := &payment.Handler{Confirmer: confirmer, WebhookSecret: testSecret}

	spaced := "{ \"data\" : { \"attributes\" : { \"type\" : \"payment.failed\" } } }"
	header := signedHeader(testSecret, "1700000000", []byte(spaced))
	rec := postJSON(h.Webhook, spaced, map[string]string{payment.SignatureHeader: header})
	require.Equal(t, http.StatusOK, rec.Code)

	compact := `{"data":{"attributes":{"type":"payment.failed"}}}`
	rec = postJSON(h.Webhook, compact, map[string]string{payment.SignatureHeader: header})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookWithoutOrderAcknowledged(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := &payment.Handler{Confirmer: confirmer}

	body := `{"data":{"attributes":{"type":"payment.paid","data":{"attributes":{"metadata":{}}}}}}`
	rec := postJSON(h.Webhook, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	require.Empty(t, confirmer.Calls())
}

func TestWebhookRejectsNonObjectBody(t *testing.T) {
	h := &payment.Handler{Confirmer: &recordingConfirmer{}}

	for _, body := range []string{`not json`, `[1,2]`, `null`, `"text"`} {
		rec := postJSON(h.Webhook, body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, "BAD_REQUEST", errorCode(t, rec))
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	h := &payment.Handler{Confirmer: &recordingConfirmer{}}
	limited := security.BodyLimit{Max: 64}.Middleware(http.HandlerFunc(h.Webhook))

	body := `{"data":{"attributes":{"type":"payment.paid","padding":"` + strings.Repeat("x", 128) + `"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "PAYLOAD_TOO_LARGE", errorCode(t, rec))
}

func TestWebhookUnreadableBody(t *testing.T) {
	confirmer := &recordingConfirmer{}
	h := &payment.Handler{Confirmer: confirmer}

	req := httptest.NewRequest(http.MethodPost, "/webhook", iotest.ErrReader(errors.New("connection reset")))
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, rec))
	require.Empty(t, confirmer.Calls())
}

func TestWebhookRelayFailureStillAcknowledged(t *testing.T) {
	var hits int
	var mu sync.Mutex
	confirm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(confirm.Close)

	relay := &notify.Relay{
		URL: confirm.URL,
		HTTP: resilience.HTTPClient{
			Client:  confirm.Client(),
			Breaker: resilience.NewBreaker(10, 1, time.Second),
			Timeout: time.Second,
			Target:  "confirm-test",
		},
	}
	h := &payment.Handler{Confirmer: relay, WebhookSecret: testSecret}

	header := signedHeader(testSecret, "1700000000", []byte(paidWebhook))
	rec := postJSON(h.Webhook, paidWebhook, map[string]string{payment.SignatureHeader: header})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, relay.Wait(ctx))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, hits)
}

func TestWebhookRelaysRawBodyToConfirmation(t *testing.T) {
	received := make(chan []byte, 1)
	confirm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(confirm.Close)

	relay := &notify.Relay{
		URL:  confirm.URL,
		HTTP: resilience.HTTPClient{Client: confirm.Client(), Timeout: time.Second},
	}
	h := &payment.Handler{Confirmer: relay}

	rec := postJSON(h.Webhook, paidWebhook, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case body := <-received:
		require.JSONEq(t, `{"orderId":"ORD-1","eventType":"checkout_session.payment.paid","paymentStatus":"paid","raw":`+paidWebhook+`}`, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation not relayed")
	}
	require.NoError(t, relay.Wait(context.Background()))
}
