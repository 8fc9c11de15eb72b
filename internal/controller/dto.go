package controller

import (
	"net/url"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	"github.com/cassiomorais/checkoutsync/internal/service"
)

// --- Request DTOs ---

// InitiateCheckoutRequest registers a checkout before the patient is sent
// to the processor.
type InitiateCheckoutRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required"`
	AppointmentID    string `json:"appointment_id" validate:"required"`
	AmountCents      int64  `json:"amount_cents" validate:"omitempty,gt=0"`
	Currency         string `json:"currency" validate:"omitempty,len=3"`
}

// callbackQuery reads the processor redirect. Processors name the same
// parameters differently, so aliases are accepted.
func callbackQuery(q url.Values) service.CallbackParams {
	return service.CallbackParams{
		PaymentReference: firstParam(q, "paymentReference", "paymentId", "token"),
		PayerReference:   firstParam(q, "payerReference", "PayerID", "payerId"),
		AppointmentID:    firstParam(q, "appointmentId", "appointment_id"),
	}
}

func firstParam(q url.Values, names ...string) string {
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// --- Response DTOs ---

// CheckoutResultResponse is returned to the patient after the processor
// redirect.
type CheckoutResultResponse struct {
	PaymentSucceeded bool   `json:"payment_succeeded"`
	TransactionID    string `json:"transaction_id"`
	AppointmentID    string `json:"appointment_id,omitempty"`
	Status           string `json:"status"`
	Outcome          string `json:"outcome,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Notice           string `json:"notice,omitempty"`
	PollerStarted    bool   `json:"poller_started"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

// TransactionResponse represents a checkout transaction in API responses.
type TransactionResponse struct {
	ID               string     `json:"id"`
	PaymentReference string     `json:"payment_reference"`
	AppointmentID    string     `json:"appointment_id,omitempty"`
	Status           string     `json:"status"`
	AmountCents      *int64     `json:"amount_cents,omitempty"`
	Currency         *string    `json:"currency,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ReconciledAt     *time.Time `json:"reconciled_at,omitempty"`
}

// SnapshotResponse is the backend's view of an appointment's payment.
type SnapshotResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"payment_status"`
}

// PendingEntryResponse describes a queued recheck.
type PendingEntryResponse struct {
	AppointmentID string    `json:"appointment_id"`
	Reason        string    `json:"reason,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// DrainResponse reports what an identity event did with the session's
// pending entry.
type DrainResponse struct {
	Drained   bool                  `json:"drained"`
	Busy      bool                  `json:"busy,omitempty"`
	Corrected bool                  `json:"corrected"`
	Entry     *PendingEntryResponse `json:"entry,omitempty"`
	Snapshot  *SnapshotResponse     `json:"snapshot,omitempty"`
}

// StatusResponse is the reconciliation view of one appointment.
type StatusResponse struct {
	AppointmentID  string                `json:"appointment_id"`
	Transaction    *TransactionResponse  `json:"transaction,omitempty"`
	Pending        *PendingEntryResponse `json:"pending,omitempty"`
	PollerRunning  bool                  `json:"poller_running"`
	PollerReads    int                   `json:"poller_reads"`
	NeedsManualFix bool                  `json:"needs_manual_fix"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func FromCheckoutResult(r *service.CheckoutResult) *CheckoutResultResponse {
	return &CheckoutResultResponse{
		PaymentSucceeded: r.PaymentSucceeded,
		TransactionID:    r.TransactionID.String(),
		AppointmentID:    r.AppointmentID,
		Status:           string(r.Status),
		Outcome:          string(r.Verification.Outcome),
		Reason:           r.Verification.Reason,
		Notice:           r.Notice,
		PollerStarted:    r.PollerStarted,
		Duplicate:        r.Duplicate,
	}
}

func FromTransaction(t *checkout.Transaction) *TransactionResponse {
	resp := &TransactionResponse{
		ID:               t.ID.String(),
		PaymentReference: t.PaymentReference,
		AppointmentID:    t.AppointmentID,
		Status:           string(t.Status),
		LastError:        t.LastError,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		ReconciledAt:     t.ReconciledAt,
	}
	if t.Amount != nil {
		cents, currency := t.Amount.ValueCents, t.Amount.Currency
		resp.AmountCents = &cents
		resp.Currency = &currency
	}
	return resp
}

func FromSnapshot(s *checkout.AppointmentSnapshot) *SnapshotResponse {
	if s == nil {
		return nil
	}
	return &SnapshotResponse{AppointmentID: s.ID, Status: string(s.Status)}
}

func FromPendingEntry(e *checkout.PendingSyncEntry) *PendingEntryResponse {
	if e == nil {
		return nil
	}
	return &PendingEntryResponse{AppointmentID: e.AppointmentID, Reason: e.Reason, EnqueuedAt: e.EnqueuedAt}
}

func FromDrainResult(r *service.DrainResult) *DrainResponse {
	if r == nil {
		return &DrainResponse{}
	}
	return &DrainResponse{
		Drained:   r.Entry != nil,
		Busy:      r.Busy,
		Corrected: r.Corrected,
		Entry:     FromPendingEntry(r.Entry),
		Snapshot:  FromSnapshot(r.Snapshot),
	}
}

func FromStatus(s *service.ReconciliationStatus) *StatusResponse {
	resp := &StatusResponse{
		AppointmentID:  s.AppointmentID,
		Pending:        FromPendingEntry(s.Pending),
		PollerRunning:  s.PollerRunning,
		PollerReads:    s.PollerReads,
		NeedsManualFix: s.NeedsManualFix,
	}
	if s.Transaction != nil {
		resp.Transaction = FromTransaction(s.Transaction)
	}
	return resp
}
