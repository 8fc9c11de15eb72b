package controller

import (
	"context"
	"net/http"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	customMW "github.com/cassiomorais/checkoutsync/internal/middleware"
	"github.com/cassiomorais/checkoutsync/internal/service"
)

// Reconciler is the reconciliation surface the HTTP API drives.
type Reconciler interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*checkout.Transaction, error)
	HandleCallback(ctx context.Context, sessionID string, params service.CallbackParams) (*service.CheckoutResult, error)
	OnIdentityAvailable(ctx context.Context, sessionID string) (*service.DrainResult, error)
	FixAppointment(ctx context.Context, sessionID, appointmentID string) (*checkout.AppointmentSnapshot, error)
	Status(ctx context.Context, sessionID, appointmentID string) (*service.ReconciliationStatus, error)
	EndSession(ctx context.Context, sessionID string) error
}

// CheckoutController handles the processor redirect and checkout
// registration.
type CheckoutController struct {
	reconciler Reconciler
}

func NewCheckoutController(reconciler Reconciler) *CheckoutController {
	return &CheckoutController{reconciler: reconciler}
}

// Return handles GET /checkout/return
func (h *CheckoutController) Return(w http.ResponseWriter, r *http.Request) {
	sessionID := customMW.SessionFromContext(r.Context())

	result, err := h.reconciler.HandleCallback(r.Context(), sessionID, callbackQuery(r.URL.Query()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromCheckoutResult(result))
}

// Initiate handles POST /api/v1/checkouts
func (h *CheckoutController) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateCheckoutRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.reconciler.Initiate(r.Context(), service.InitiateRequest{
		PaymentReference: req.PaymentReference,
		AppointmentID:    req.AppointmentID,
		SessionID:        customMW.SessionFromContext(r.Context()),
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromTransaction(tx))
}
