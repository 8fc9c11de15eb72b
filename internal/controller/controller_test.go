package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/auth"
	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/config"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/checkoutsync/internal/middleware"
	"github.com/cassiomorais/checkoutsync/internal/service"
	"github.com/cassiomorais/checkoutsync/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// fakeReconciler records the session each call arrived with.
type fakeReconciler struct {
	lastSession  string
	lastParams   service.CallbackParams
	lastIdentity auth.Identity

	InitiateFunc       func(req service.InitiateRequest) (*checkout.Transaction, error)
	HandleCallbackFunc func(params service.CallbackParams) (*service.CheckoutResult, error)
	IdentityFunc       func() (*service.DrainResult, error)
	FixFunc            func(appointmentID string) (*checkout.AppointmentSnapshot, error)
	StatusFunc         func(appointmentID string) (*service.ReconciliationStatus, error)
	EndSessionFunc     func() error
}

func (f *fakeReconciler) Initiate(_ context.Context, req service.InitiateRequest) (*checkout.Transaction, error) {
	f.lastSession = req.SessionID
	return f.InitiateFunc(req)
}

func (f *fakeReconciler) HandleCallback(_ context.Context, sessionID string, params service.CallbackParams) (*service.CheckoutResult, error) {
	f.lastSession, f.lastParams = sessionID, params
	return f.HandleCallbackFunc(params)
}

func (f *fakeReconciler) OnIdentityAvailable(ctx context.Context, sessionID string) (*service.DrainResult, error) {
	f.lastSession = sessionID
	f.lastIdentity, _ = auth.FromContext(ctx)
	return f.IdentityFunc()
}

func (f *fakeReconciler) FixAppointment(ctx context.Context, sessionID, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	f.lastSession = sessionID
	f.lastIdentity, _ = auth.FromContext(ctx)
	return f.FixFunc(appointmentID)
}

func (f *fakeReconciler) Status(_ context.Context, sessionID, appointmentID string) (*service.ReconciliationStatus, error) {
	f.lastSession = sessionID
	return f.StatusFunc(appointmentID)
}

func (f *fakeReconciler) EndSession(_ context.Context, sessionID string) error {
	f.lastSession = sessionID
	return f.EndSessionFunc()
}

func newTestRouter(t *testing.T, rec Reconciler, checks ...HealthCheck) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRouter(RouterDeps{
		Reconciler:        rec,
		HealthChecks:      checks,
		Metrics:           observability.NewMetrics("test", reg),
		Gatherer:          reg,
		CORSConfig:        config.CORSConfig{AllowedOrigins: []string{"*"}},
		Session:           customMW.SessionConfig{CookieName: "checkout_session", TTL: time.Hour},
		JWTSecret:         testJWTSecret,
		CallbackRateLimit: 100,
	})
}

func bearer(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID:           "patient-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// --- Checkout Return ---

func TestCheckoutReturn_Synced(t *testing.T) {
	txID := uuid.New()
	rec := &fakeReconciler{
		HandleCallbackFunc: func(service.CallbackParams) (*service.CheckoutResult, error) {
			return &service.CheckoutResult{
				PaymentSucceeded: true,
				TransactionID:    txID,
				AppointmentID:    "42",
				Status:           checkout.StatusReconciled,
				Verification:     service.Verification{Outcome: service.OutcomeSynced},
			}, nil
		},
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/checkout/return?paymentId=PAYID-1&PayerID=PAYER-1&appointmentId=42", nil)
	req.Header.Set(customMW.SessionHeader, "sess-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "sess-1", rec.lastSession)
	assert.Equal(t, service.CallbackParams{PaymentReference: "PAYID-1", PayerReference: "PAYER-1", AppointmentID: "42"}, rec.lastParams)

	var resp CheckoutResultResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.PaymentSucceeded)
	assert.Equal(t, txID.String(), resp.TransactionID)
	assert.Equal(t, "synced", resp.Outcome)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestCheckoutReturn_IssuesSessionCookie(t *testing.T) {
	rec := &fakeReconciler{
		HandleCallbackFunc: func(service.CallbackParams) (*service.CheckoutResult, error) {
			return &service.CheckoutResult{PaymentSucceeded: true, Status: checkout.StatusReconciliationPending}, nil
		},
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/checkout/return?paymentReference=PAYID-1&payerReference=PAYER-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookies[0].Value, rec.lastSession)
}

func TestCheckoutReturn_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"invalid callback", domainErrors.NewInvalidCallbackError("payerReference"), http.StatusBadRequest, "invalid_checkout_callback", "missing or empty payerReference"},
		{"capture failed", domainErrors.NewCaptureFailedError("INSTRUMENT_DECLINED"), http.StatusPaymentRequired, "capture_failed", "INSTRUMENT_DECLINED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{
				HandleCallbackFunc: func(service.CallbackParams) (*service.CheckoutResult, error) { return nil, tt.err },
			}
			router := newTestRouter(t, rec)

			req := httptest.NewRequest(http.MethodGet, "/checkout/return?paymentReference=PAYID-1", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Error)
		})
	}
}

// --- Initiate ---

func TestInitiateCheckout(t *testing.T) {
	rec := &fakeReconciler{
		InitiateFunc: func(req service.InitiateRequest) (*checkout.Transaction, error) {
			tx := testutil.NewTestTransaction(req.PaymentReference, req.AppointmentID, checkout.StatusInitiated)
			tx.Amount = &checkout.Amount{ValueCents: req.AmountCents, Currency: req.Currency}
			return tx, nil
		},
	}
	router := newTestRouter(t, rec)

	body, _ := json.Marshal(InitiateCheckoutRequest{PaymentReference: "PAYID-1", AppointmentID: "42", AmountCents: 15000, Currency: "EUR"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", bytes.NewReader(body))
	req.Header.Set(customMW.SessionHeader, "sess-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "sess-1", rec.lastSession)

	var resp TransactionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "initiated", resp.Status)
	require.NotNil(t, resp.AmountCents)
	assert.Equal(t, int64(15000), *resp.AmountCents)
}

func TestInitiateCheckout_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing reference", `{"appointment_id":"42"}`},
		{"bad currency", `{"payment_reference":"PAYID-1","appointment_id":"42","amount_cents":100,"currency":"EURO"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &fakeReconciler{})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", decodeError(t, w).Code)
		})
	}
}

// --- Session ---

func TestSessionIdentity_RequiresAuth(t *testing.T) {
	router := newTestRouter(t, &fakeReconciler{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/identity", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionIdentity_Drains(t *testing.T) {
	rec := &fakeReconciler{
		IdentityFunc: func() (*service.DrainResult, error) {
			return &service.DrainResult{
				Entry:     &checkout.PendingSyncEntry{AppointmentID: "42", Reason: "status_unpaid"},
				Corrected: true,
				Removed:   true,
				Snapshot:  testutil.PaidSnapshot("42"),
			}, nil
		},
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/identity", nil)
	req.Header.Set("Authorization", bearer(t))
	req.Header.Set(customMW.SessionHeader, "sess-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "sess-1", rec.lastSession)
	assert.Equal(t, "patient-1", rec.lastIdentity.UserID)

	var resp DrainResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Drained)
	assert.True(t, resp.Corrected)
	assert.Equal(t, "paid", resp.Snapshot.Status)
}

func TestSessionIdentity_CorrectionFailed(t *testing.T) {
	rec := &fakeReconciler{
		IdentityFunc: func() (*service.DrainResult, error) {
			return &service.DrainResult{Entry: &checkout.PendingSyncEntry{AppointmentID: "42"}},
				domainErrors.NewCorrectionFailedError("maintenance")
		},
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/identity", nil)
	req.Header.Set("Authorization", bearer(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "correction_failed", decodeError(t, w).Code)
}

func TestEndSession(t *testing.T) {
	rec := &fakeReconciler{EndSessionFunc: func() error { return nil }}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: "checkout_session", Value: "sess-9"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "sess-9", rec.lastSession)
}

// --- Appointments ---

func TestFixAppointment(t *testing.T) {
	rec := &fakeReconciler{
		FixFunc: func(id string) (*checkout.AppointmentSnapshot, error) { return testutil.PaidSnapshot(id), nil },
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/42/payment/fix", nil)
	req.Header.Set("Authorization", bearer(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SnapshotResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, SnapshotResponse{AppointmentID: "42", Status: "paid"}, resp)
}

func TestFixAppointment_BackendUnavailable(t *testing.T) {
	rec := &fakeReconciler{
		FixFunc: func(string) (*checkout.AppointmentSnapshot, error) {
			return nil, domainErrors.NewCorrectionFailedError("circuit breaker is open")
		},
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/42/payment/fix", nil)
	req.Header.Set("Authorization", bearer(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "circuit breaker is open", decodeError(t, w).Error)
}

func TestAppointmentStatus(t *testing.T) {
	rec := &fakeReconciler{
		StatusFunc: func(id string) (*service.ReconciliationStatus, error) {
			return &service.ReconciliationStatus{
				AppointmentID:  id,
				Transaction:    testutil.NewTestTransaction("PAYID-1", id, checkout.StatusFailed),
				Pending:        &checkout.PendingSyncEntry{AppointmentID: id},
				NeedsManualFix: true,
			}, nil
		},
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/42/payment/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.NeedsManualFix)
	assert.Equal(t, "failed", resp.Transaction.Status)
	assert.Equal(t, "42", resp.Pending.AppointmentID)
}

func TestAppointmentStatus_NotFound(t *testing.T) {
	rec := &fakeReconciler{
		StatusFunc: func(string) (*service.ReconciliationStatus, error) { return nil, domainErrors.ErrTransactionNotFound },
	}
	router := newTestRouter(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/99/payment/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Health ---

func TestHealthReadiness(t *testing.T) {
	healthy := HealthCheck{Name: "database", Check: func(context.Context) error { return nil }}
	broken := HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}

	w := httptest.NewRecorder()
	newTestRouter(t, &fakeReconciler{}, healthy).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	newTestRouter(t, &fakeReconciler{}, healthy, broken).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis unavailable")
}

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(t, &fakeReconciler{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
