package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/google/uuid"
)

// --- Transaction Repository Mock ---

// MockTransactionRepository is an in-memory checkout.Repository. It stores
// copies so callers never share a *Transaction with the repository.
type MockTransactionRepository struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]checkout.Transaction
	byReference  map[string]uuid.UUID
	events       []*checkout.TransactionEvent

	CreateFunc                 func(ctx context.Context, tx *checkout.Transaction) error
	GetByIDFunc                func(ctx context.Context, id uuid.UUID) (*checkout.Transaction, error)
	GetByPaymentReferenceFunc  func(ctx context.Context, ref string) (*checkout.Transaction, error)
	GetLatestByAppointmentFunc func(ctx context.Context, appointmentID string) (*checkout.Transaction, error)
	UpdateFunc                 func(ctx context.Context, tx *checkout.Transaction) error
	AddEventFunc               func(ctx context.Context, event *checkout.TransactionEvent) error
}

func NewMockTransactionRepository() *MockTransactionRepository {
	return &MockTransactionRepository{
		transactions: make(map[uuid.UUID]checkout.Transaction),
		byReference:  make(map[string]uuid.UUID),
	}
}

func (m *MockTransactionRepository) Create(ctx context.Context, tx *checkout.Transaction) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byReference[tx.PaymentReference]; exists {
		return domainErrors.ErrDuplicatePaymentReference
	}
	m.transactions[tx.ID] = *tx
	m.byReference[tx.PaymentReference] = tx.ID
	return nil
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*checkout.Transaction, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, domainErrors.ErrTransactionNotFound
	}
	return &tx, nil
}

func (m *MockTransactionRepository) GetByPaymentReference(ctx context.Context, ref string) (*checkout.Transaction, error) {
	if m.GetByPaymentReferenceFunc != nil {
		return m.GetByPaymentReferenceFunc(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byReference[ref]
	if !ok {
		return nil, domainErrors.ErrTransactionNotFound
	}
	tx := m.transactions[id]
	return &tx, nil
}

func (m *MockTransactionRepository) GetLatestByAppointment(ctx context.Context, appointmentID string) (*checkout.Transaction, error) {
	if m.GetLatestByAppointmentFunc != nil {
		return m.GetLatestByAppointmentFunc(ctx, appointmentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *checkout.Transaction
	for _, tx := range m.transactions {
		if tx.AppointmentID != appointmentID {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) {
			c := tx
			latest = &c
		}
	}
	if latest == nil {
		return nil, domainErrors.ErrTransactionNotFound
	}
	return latest, nil
}

func (m *MockTransactionRepository) Update(ctx context.Context, tx *checkout.Transaction) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.ID]; !ok {
		return domainErrors.ErrTransactionNotFound
	}
	m.transactions[tx.ID] = *tx
	return nil
}

func (m *MockTransactionRepository) AddEvent(ctx context.Context, event *checkout.TransactionEvent) error {
	if m.AddEventFunc != nil {
		return m.AddEventFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Put stores tx directly, bypassing Create.
func (m *MockTransactionRepository) Put(tx *checkout.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = *tx
	m.byReference[tx.PaymentReference] = tx.ID
}

// Find returns the stored copy for a payment reference, or nil.
func (m *MockTransactionRepository) Find(ref string) *checkout.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byReference[ref]
	if !ok {
		return nil
	}
	tx := m.transactions[id]
	return &tx
}

// EventTypes returns the recorded audit event types in order.
func (m *MockTransactionRepository) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.EventType)
	}
	return types
}

// --- Transaction Manager Mock ---

type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Backend Mock ---

// MockBackend implements the capture, status and correction calls of the
// clinic backend. Unset funcs return a zero response.
type MockBackend struct {
	mu           sync.Mutex
	captureCalls int
	statusCalls  int
	correctCalls []string

	CaptureFunc          func(ctx context.Context, paymentReference, payerReference string) (*checkout.CaptureResponse, error)
	GetPaymentStatusFunc func(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error)
	CorrectPaymentFunc   func(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error)
}

func (m *MockBackend) Capture(ctx context.Context, paymentReference, payerReference string) (*checkout.CaptureResponse, error) {
	m.mu.Lock()
	m.captureCalls++
	m.mu.Unlock()
	if m.CaptureFunc != nil {
		return m.CaptureFunc(ctx, paymentReference, payerReference)
	}
	return &checkout.CaptureResponse{}, nil
}

func (m *MockBackend) GetPaymentStatus(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	m.mu.Lock()
	m.statusCalls++
	m.mu.Unlock()
	if m.GetPaymentStatusFunc != nil {
		return m.GetPaymentStatusFunc(ctx, appointmentID)
	}
	return UnpaidSnapshot(appointmentID), nil
}

func (m *MockBackend) CorrectPayment(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	m.mu.Lock()
	m.correctCalls = append(m.correctCalls, appointmentID)
	m.mu.Unlock()
	if m.CorrectPaymentFunc != nil {
		return m.CorrectPaymentFunc(ctx, appointmentID)
	}
	return PaidSnapshot(appointmentID), nil
}

func (m *MockBackend) CaptureCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureCalls
}

func (m *MockBackend) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

func (m *MockBackend) CorrectCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.correctCalls...)
}

// --- Event Publisher Mock ---

type PublishedEvent struct {
	AppointmentID string
	EventType     string
	Data          map[string]any
}

type MockEventPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent

	PublishFunc func(ctx context.Context, appointmentID, eventType string, data map[string]any) error
}

func (m *MockEventPublisher) PublishReconciliationEvent(ctx context.Context, appointmentID, eventType string, data map[string]any) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, appointmentID, eventType, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, PublishedEvent{AppointmentID: appointmentID, EventType: eventType, Data: data})
	return nil
}

func (m *MockEventPublisher) Events() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedEvent(nil), m.events...)
}

// EventTypes returns the published event types in order.
func (m *MockEventPublisher) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.EventType)
	}
	return types
}

// --- Manual Ticker ---

// ManualTicker delivers ticks only when a test sends them.
type ManualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time)}
}

func (t *ManualTicker) C() <-chan time.Time { return t.ch }

func (t *ManualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *ManualTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// TrySend delivers one tick, giving up after wait when nobody receives it.
func (t *ManualTicker) TrySend(wait time.Duration) bool {
	select {
	case t.ch <- time.Now():
		return true
	case <-time.After(wait):
		return false
	}
}
