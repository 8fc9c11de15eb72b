package testutil

import (
	"encoding/json"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	"github.com/google/uuid"
)

func NewTestTransaction(paymentReference, appointmentID string, status checkout.TransactionStatus) *checkout.Transaction {
	now := time.Now()
	tx := &checkout.Transaction{
		ID:               uuid.New(),
		PaymentReference: paymentReference,
		PayerReference:   "PAYER-" + paymentReference,
		AppointmentID:    appointmentID,
		SessionID:        "sess-test",
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if status == checkout.StatusReconciled {
		tx.ReconciledAt = &now
	}
	return tx
}

func PaidSnapshot(appointmentID string) *checkout.AppointmentSnapshot {
	return &checkout.AppointmentSnapshot{ID: appointmentID, Status: checkout.PaymentPaid}
}

func UnpaidSnapshot(appointmentID string) *checkout.AppointmentSnapshot {
	return &checkout.AppointmentSnapshot{ID: appointmentID, Status: checkout.PaymentUnpaid}
}

// CaptureResponse builds a capture payload with an optional snapshot.
func CaptureResponse(paymentReference string, snapshot *checkout.AppointmentSnapshot) *checkout.CaptureResponse {
	record, _ := json.Marshal(map[string]any{
		"id":          paymentReference,
		"state":       "approved",
		"amountCents": 12000,
		"currency":    "USD",
	})
	return &checkout.CaptureResponse{ProcessorRecord: record, Appointment: snapshot}
}
