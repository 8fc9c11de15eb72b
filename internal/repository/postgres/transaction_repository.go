package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const transactionColumns = `id, payment_reference, payer_reference, appointment_id, session_id,
	amount_cents, currency, status, last_error, created_at, updated_at, reconciled_at`

// TransactionRepository implements checkout.Repository using PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func (r *TransactionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new transaction. A second transaction for the same
// payment reference is rejected.
func (r *TransactionRepository) Create(ctx context.Context, t *checkout.Transaction) error {
	amountCents, currency := amountColumns(t.Amount)

	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO checkout_transactions (`+transactionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.PaymentReference, t.PayerReference, t.AppointmentID, t.SessionID,
		amountCents, currency, string(t.Status), t.LastError, t.CreatedAt, t.UpdatedAt, t.ReconciledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domainErrors.ErrDuplicatePaymentReference
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*checkout.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM checkout_transactions WHERE id = $1`, id))
}

func (r *TransactionRepository) GetByPaymentReference(ctx context.Context, paymentReference string) (*checkout.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM checkout_transactions WHERE payment_reference = $1`, paymentReference))
}

func (r *TransactionRepository) GetLatestByAppointment(ctx context.Context, appointmentID string) (*checkout.Transaction, error) {
	return scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM checkout_transactions
		 WHERE appointment_id = $1 ORDER BY created_at DESC LIMIT 1`, appointmentID))
}

// Update persists the mutable fields of a transaction.
func (r *TransactionRepository) Update(ctx context.Context, t *checkout.Transaction) error {
	amountCents, currency := amountColumns(t.Amount)

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE checkout_transactions SET
		  payer_reference=$1, appointment_id=$2, amount_cents=$3, currency=$4,
		  status=$5, last_error=$6, updated_at=$7, reconciled_at=$8
		 WHERE id=$9`,
		t.PayerReference, t.AppointmentID, amountCents, currency,
		string(t.Status), t.LastError, t.UpdatedAt, t.ReconciledAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrTransactionNotFound
	}
	return nil
}

// AddEvent inserts a transaction audit event.
func (r *TransactionRepository) AddEvent(ctx context.Context, event *checkout.TransactionEvent) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO checkout_transaction_events (id, transaction_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.TransactionID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction event: %w", err)
	}
	return nil
}

func amountColumns(a *checkout.Amount) (*int64, *string) {
	if a == nil {
		return nil, nil
	}
	return &a.ValueCents, &a.Currency
}

func scanTransaction(s scanner) (*checkout.Transaction, error) {
	t := &checkout.Transaction{}
	var (
		status      string
		amountCents *int64
		currency    *string
	)
	err := s.Scan(
		&t.ID, &t.PaymentReference, &t.PayerReference, &t.AppointmentID, &t.SessionID,
		&amountCents, &currency, &status, &t.LastError, &t.CreatedAt, &t.UpdatedAt, &t.ReconciledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Status = checkout.TransactionStatus(status)
	if amountCents != nil && currency != nil {
		t.Amount = &checkout.Amount{ValueCents: *amountCents, Currency: *currency}
	}
	return t, nil
}
