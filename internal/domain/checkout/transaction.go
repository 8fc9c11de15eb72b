package checkout

import (
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/google/uuid"
)

// TransactionStatus represents the checkout attempt in the reconciliation state machine
type TransactionStatus string

const (
	StatusInitiated             TransactionStatus = "initiated"
	StatusAuthorized            TransactionStatus = "authorized"
	StatusCaptured              TransactionStatus = "captured"
	StatusReconciliationPending TransactionStatus = "reconciliation_pending"
	StatusReconciled            TransactionStatus = "reconciled"
	StatusFailed                TransactionStatus = "failed"
	StatusAbandoned             TransactionStatus = "abandoned"
)

// Transaction represents one checkout attempt
type Transaction struct {
	ID               uuid.UUID
	PaymentReference string
	PayerReference   string
	AppointmentID    string
	SessionID        string
	Amount           *Amount
	Status           TransactionStatus
	LastError        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ReconciledAt     *time.Time
}

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	if a.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if len(a.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}

// NewTransaction creates a transaction in the initiated state.
func NewTransaction(paymentReference, appointmentID, sessionID string, amount *Amount) (*Transaction, error) {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return nil, errors.NewValidationError("payment_reference", "cannot be empty")
	}
	if amount != nil {
		if err := amount.Validate(); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	return &Transaction{
		ID:               uuid.New(),
		PaymentReference: paymentReference,
		AppointmentID:    strings.TrimSpace(appointmentID),
		SessionID:        sessionID,
		Amount:           amount,
		Status:           StatusInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated: {
		StatusAuthorized,
		StatusAbandoned,
	},
	StatusAuthorized: {
		StatusCaptured,
		StatusAbandoned, // Capture rejected, no money moved
	},
	StatusCaptured: {
		StatusReconciled,
		StatusReconciliationPending,
	},
	StatusReconciliationPending: {
		StatusReconciled,
		StatusFailed,
	},
	StatusFailed: {
		StatusReconciled, // Late correction
	},
	StatusReconciled: {}, // Terminal state
	StatusAbandoned:  {}, // Terminal state
}

// CanTransitionTo checks if the transaction can transition to the given status
func (t *Transaction) CanTransitionTo(newStatus TransactionStatus) bool {
	for _, allowed := range transitions[t.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo transitions the transaction to a new status
func (t *Transaction) TransitionTo(newStatus TransactionStatus) error {
	if !t.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(t.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}

	now := time.Now()
	t.Status = newStatus
	t.UpdatedAt = now
	if newStatus == StatusReconciled {
		t.ReconciledAt = &now
	}
	return nil
}

// MarkAuthorized records the payer reference returned by the processor redirect.
func (t *Transaction) MarkAuthorized(payerReference string) error {
	if err := t.TransitionTo(StatusAuthorized); err != nil {
		return err
	}
	t.PayerReference = payerReference
	return nil
}

// MarkCaptured transitions the transaction to captured status
func (t *Transaction) MarkCaptured() error {
	return t.TransitionTo(StatusCaptured)
}

// MarkReconciled transitions the transaction to reconciled status
func (t *Transaction) MarkReconciled() error {
	if err := t.TransitionTo(StatusReconciled); err != nil {
		return err
	}
	t.LastError = nil
	return nil
}

// MarkReconciliationPending records why the mirror could not be confirmed.
func (t *Transaction) MarkReconciliationPending(reason string) error {
	if err := t.TransitionTo(StatusReconciliationPending); err != nil {
		return err
	}
	t.LastError = &reason
	return nil
}

// MarkFailed transitions the transaction to failed status
func (t *Transaction) MarkFailed(reason string) error {
	if err := t.TransitionTo(StatusFailed); err != nil {
		return err
	}
	t.LastError = &reason
	return nil
}

// MarkAbandoned transitions the transaction to abandoned status
func (t *Transaction) MarkAbandoned(reason string) error {
	if err := t.TransitionTo(StatusAbandoned); err != nil {
		return err
	}
	t.LastError = &reason
	return nil
}

// SetAmount fills the amount once; later calls are ignored.
func (t *Transaction) SetAmount(amount Amount) {
	if t.Amount != nil {
		return
	}
	t.Amount = &amount
}

// IsTerminal checks if the transaction is in a terminal state
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusReconciled || t.Status == StatusAbandoned
}

// IsCaptured reports whether money has moved for this attempt.
func (t *Transaction) IsCaptured() bool {
	switch t.Status {
	case StatusCaptured, StatusReconciliationPending, StatusReconciled, StatusFailed:
		return true
	default:
		return false
	}
}

// TransactionEvent is an audit record of a transaction state change.
type TransactionEvent struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	EventType     string
	EventData     map[string]any
	CreatedAt     time.Time
}

// NewTransactionEvent records a change of t under eventType.
func NewTransactionEvent(t *Transaction, eventType string, data map[string]any) *TransactionEvent {
	if data == nil {
		data = make(map[string]any)
	}
	data["status"] = string(t.Status)
	return &TransactionEvent{
		ID:            uuid.New(),
		TransactionID: t.ID,
		EventType:     eventType,
		EventData:     data,
		CreatedAt:     time.Now(),
	}
}
