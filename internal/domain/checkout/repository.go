package checkout

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for transaction persistence
type Repository interface {
	// Create stores a new transaction
	Create(ctx context.Context, tx *Transaction) error

	// GetByID retrieves a transaction by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// GetByPaymentReference retrieves the transaction for a processor payment reference
	GetByPaymentReference(ctx context.Context, paymentReference string) (*Transaction, error)

	// GetLatestByAppointment retrieves the most recent transaction for an appointment
	GetLatestByAppointment(ctx context.Context, appointmentID string) (*Transaction, error)

	// Update updates an existing transaction
	Update(ctx context.Context, tx *Transaction) error

	// AddEvent appends an audit event for a transaction
	AddEvent(ctx context.Context, event *TransactionEvent) error
}
