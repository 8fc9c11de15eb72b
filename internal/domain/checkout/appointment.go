package checkout

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the backend-owned payment state of an appointment.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// AppointmentSnapshot is the backend's view of an appointment's payment state.
// It is a cache of the backend value and is never authored locally.
type AppointmentSnapshot struct {
	ID               string        `json:"id"`
	Status           PaymentStatus `json:"status"`
	PaymentReference string        `json:"paymentReference,omitempty"`
	UpdatedAt        *time.Time    `json:"updatedAt,omitempty"`
}

// IsPaid reports whether the mirror has reached the paid state.
func (s *AppointmentSnapshot) IsPaid() bool {
	return s != nil && s.Status == PaymentPaid
}

// IsResolved reports whether the mirror no longer disagrees with a captured
// payment. A refund is an authoritative backend outcome too.
func (s *AppointmentSnapshot) IsResolved() bool {
	return s != nil && (s.Status == PaymentPaid || s.Status == PaymentRefunded)
}

// CaptureResponse is the capture endpoint payload. ProcessorRecord is kept
// opaque; only the snapshot is inspected.
type CaptureResponse struct {
	ProcessorRecord json.RawMessage      `json:"processorRecord,omitempty"`
	Appointment     *AppointmentSnapshot `json:"appointmentSnapshot,omitempty"`
}

// ProcessorRecordSummary holds the few processor fields used for logging and
// for filling in the transaction amount.
type ProcessorRecordSummary struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	AppointmentID string `json:"appointmentId"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
}

// Summary decodes the known processor fields. Unknown or malformed records
// yield an empty summary.
func (r *CaptureResponse) Summary() ProcessorRecordSummary {
	var s ProcessorRecordSummary
	if r == nil || len(r.ProcessorRecord) == 0 {
		return s
	}
	_ = json.Unmarshal(r.ProcessorRecord, &s)
	return s
}

// PendingSyncEntry marks an appointment whose mirror must be rechecked.
type PendingSyncEntry struct {
	AppointmentID string    `json:"appointmentId"`
	Reason        string    `json:"reason"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}
