package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoBody(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		*captured = string(data)
		w.WriteHeader(http.StatusOK)
	})
}

func TestBodyLimitAllowsWithinLimit(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 10}.Middleware(echoBody(&captured))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("hello"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "hello", captured)
}

func TestBodyLimitPreservesExactBytes(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 1024}.Middleware(echoBody(&captured))

	raw := "{ \"a\" :\n 1 }\n"
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(raw))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, raw, captured)
}

func TestBodyLimitRejectsOversized(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 5}.Middleware(echoBody(&captured))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("excessive"))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Contains(t, rr.Body.String(), "PAYLOAD_TOO_LARGE")
	require.Empty(t, captured)
}

func TestBodyLimitRejectsContentLength(t *testing.T) {
	var captured string
	handler := BodyLimit{Max: 5}.Middleware(echoBody(&captured))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("content"))
	req.ContentLength = 100
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestBodyLimitDisabled(t *testing.T) {
	var captured string
	handler := BodyLimit{}.Middleware(echoBody(&captured))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(strings.Repeat("x", 4096)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, captured, 4096)
}
