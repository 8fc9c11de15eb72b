package service

import (
	"context"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
)

// TransactionManager defines the interface for transaction management.
// Services use this to wrap multiple repository operations in a single transaction.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// Otherwise, it is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Capturer issues the capture call for an approved processor payment.
type Capturer interface {
	Capture(ctx context.Context, paymentReference, payerReference string) (*checkout.CaptureResponse, error)
}

// StatusReader reads the backend's payment state for an appointment.
type StatusReader interface {
	GetPaymentStatus(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error)
}

// Corrector invokes the backend's force-correct operation.
type Corrector interface {
	CorrectPayment(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error)
}

// SessionStore is a session-scoped key-value store. CompareAndDelete must
// remove the key atomically and only while it still holds expected.
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
}

// Locker hands out non-blocking per-key locks.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

// EventPublisher publishes reconciliation outcomes.
type EventPublisher interface {
	PublishReconciliationEvent(ctx context.Context, appointmentID string, eventType string, data map[string]any) error
}

// Reconciliation event types.
const (
	EventReconciled            = "payment.reconciled"
	EventReconciliationPending = "payment.reconciliation_pending"
	EventReconciliationFailed  = "payment.reconciliation_failed"
	EventCorrectionFailed      = "payment.correction_failed"
)
