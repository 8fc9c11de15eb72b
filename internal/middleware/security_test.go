package middleware

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestSecurityHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/checkout/return?paymentId=PAYID-1&PayerID=P1", nil)
	w := httptest.NewRecorder()

	SecurityHeaders()(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "no HSTS without TLS")
}

func TestSecurityHeaders_HSTSOverTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/42/payment/status", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()

	SecurityHeaders()(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func callbackRequest(remoteAddr, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/checkout/return?"+query, nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestCallbackRateLimit_RejectsReplaysOverLimit(t *testing.T) {
	h := CallbackRateLimit(2)(http.HandlerFunc(okHandler))

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for range 3 {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, callbackRequest("10.0.0.1:1234", "paymentId=PAYID-1&PayerID=P1"))
		codes = append(codes, last.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	var body map[string]string
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit", body["code"])
	assert.Equal(t, "application/json", last.Header().Get("Content-Type"))
}

func TestCallbackRateLimit_KeysByPaymentReference(t *testing.T) {
	h := CallbackRateLimit(1)(http.HandlerFunc(okHandler))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, callbackRequest("10.0.0.1:1234", "paymentId=PAYID-1"))
	other := httptest.NewRecorder()
	h.ServeHTTP(other, callbackRequest("10.0.0.1:1234", "paymentReference=PAYID-2"))
	replay := httptest.NewRecorder()
	h.ServeHTTP(replay, callbackRequest("10.0.0.1:1234", "token=PAYID-1"))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, other.Code, "a different checkout from the same address is not limited")
	assert.Equal(t, http.StatusTooManyRequests, replay.Code)
}

func TestKeyByPaymentReference(t *testing.T) {
	key, err := keyByPaymentReference(callbackRequest("10.0.0.1:1", "PayerID=P1&paymentId=%20PAYID-9%20"))
	require.NoError(t, err)
	assert.Equal(t, "PAYID-9", key)

	key, err = keyByPaymentReference(callbackRequest("10.0.0.1:1", ""))
	require.NoError(t, err)
	assert.Empty(t, key)
}
