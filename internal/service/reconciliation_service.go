package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// NoticeStatusUpdating tells the patient the payment went through while
	// the appointment record catches up.
	NoticeStatusUpdating = "Your payment was received. Appointment status is updating."
	// NoticeManualFix is shown once automatic reconciliation has given up.
	NoticeManualFix = "Your payment was received but the appointment status could not be confirmed. Use Fix payment status to retry."
	// NoticeInProgress answers a repeated redirect while the first is still
	// capturing.
	NoticeInProgress = "Your payment is being processed."
)

const captureLockPrefix = "capture:"

// Reconciliation paths, used as metric and event labels.
const (
	pathVerify = "verify"
	pathPoller = "poller"
	pathDrain  = "drain"
	pathFix    = "fix"
)

// CheckoutResult is what the patient sees after returning from the processor.
type CheckoutResult struct {
	PaymentSucceeded bool
	TransactionID    uuid.UUID
	AppointmentID    string
	Status           checkout.TransactionStatus
	Verification     Verification
	Notice           string
	PollerStarted    bool
	// Duplicate is set when the callback was already processed.
	Duplicate bool
}

// InitiateRequest registers a checkout before redirecting to the processor.
type InitiateRequest struct {
	PaymentReference string
	AppointmentID    string
	SessionID        string
	AmountCents      int64
	Currency         string
}

// ReconciliationStatus is the reconciliation view of one appointment.
type ReconciliationStatus struct {
	AppointmentID  string
	Transaction    *checkout.Transaction
	Pending        *checkout.PendingSyncEntry
	PollerRunning  bool
	PollerReads    int
	NeedsManualFix bool
}

// ReconciliationDeps groups the collaborators of ReconciliationService.
// Locker serializes callbacks per payment reference.
type ReconciliationDeps struct {
	Repository  checkout.Repository
	TxManager   TransactionManager
	Capture     *CaptureClient
	Verifier    *SyncVerifier
	Queue       *PendingSyncQueue
	Pollers     *PollerRegistry
	Corrections *CorrectionGateway
	Locker      Locker
	Events      EventPublisher
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// ReconciliationService drives one checkout attempt from the processor
// redirect to an agreed appointment payment state.
type ReconciliationService struct {
	repo        checkout.Repository
	txManager   TransactionManager
	capture     *CaptureClient
	verifier    *SyncVerifier
	queue       *PendingSyncQueue
	pollers     *PollerRegistry
	corrections *CorrectionGateway
	locker      Locker
	events      EventPublisher
	metrics     *observability.Metrics
	logger      zerolog.Logger
	tracer      trace.Tracer
}

func NewReconciliationService(deps ReconciliationDeps) *ReconciliationService {
	return &ReconciliationService{
		repo:        deps.Repository,
		txManager:   deps.TxManager,
		capture:     deps.Capture,
		verifier:    deps.Verifier,
		queue:       deps.Queue,
		pollers:     deps.Pollers,
		corrections: deps.Corrections,
		locker:      deps.Locker,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		tracer:      otel.Tracer("checkoutsync/service"),
	}
}

// Initiate records an initiated transaction. Registering the same payment
// reference twice returns the existing transaction.
func (s *ReconciliationService) Initiate(ctx context.Context, req InitiateRequest) (*checkout.Transaction, error) {
	existing, err := s.repo.GetByPaymentReference(ctx, req.PaymentReference)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domainErrors.ErrTransactionNotFound) {
		return nil, err
	}

	var amount *checkout.Amount
	if req.AmountCents != 0 || req.Currency != "" {
		amount = &checkout.Amount{ValueCents: req.AmountCents, Currency: req.Currency}
	}
	tx, err := checkout.NewTransaction(req.PaymentReference, req.AppointmentID, req.SessionID, amount)
	if err != nil {
		return nil, err
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, tx); err != nil {
			return err
		}
		return s.repo.AddEvent(txCtx, checkout.NewTransactionEvent(tx, "transaction.initiated", nil))
	})
	if errors.Is(err, domainErrors.ErrDuplicatePaymentReference) {
		return s.repo.GetByPaymentReference(ctx, req.PaymentReference)
	}
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return tx, nil
}

// HandleCallback captures the payment named by the redirect and verifies the
// backend mirrored it. Only an invalid callback or a failed capture produce
// an error; once money has moved every later problem is reported through
// the result.
func (s *ReconciliationService) HandleCallback(ctx context.Context, sessionID string, params CallbackParams) (result *CheckoutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.HandleCallback")
	defer func() { endSpan(span, err) }()

	params, err = params.Normalize()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.reference", params.PaymentReference))
	logger := observability.ForSession(s.logger, sessionID, params.AppointmentID)

	unlock, acquired, err := s.locker.TryLock(ctx, captureLockPrefix+params.PaymentReference)
	if err != nil {
		return nil, fmt.Errorf("%w: capture lock: %v", domainErrors.ErrBackendUnavailable, err)
	}
	if !acquired {
		logger.Info().Str("payment_reference", params.PaymentReference).Msg("callback already in progress")
		return s.inProgressResult(ctx, params), nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Str("payment_reference", params.PaymentReference).Msg("failed to release capture lock")
		}
	}()

	tx, isNew, err := s.loadOrCreate(ctx, sessionID, params)
	if err != nil {
		return nil, err
	}
	if tx.IsCaptured() {
		logger.Info().Str("payment_reference", tx.PaymentReference).Str("status", string(tx.Status)).Msg("callback already processed")
		res := s.resultFor(tx)
		res.Duplicate = true
		return res, nil
	}
	if tx.Status == checkout.StatusAbandoned {
		msg := "capture previously failed"
		if tx.LastError != nil {
			msg = *tx.LastError
		}
		return nil, domainErrors.NewCaptureFailedError(msg)
	}

	if tx.Status == checkout.StatusInitiated {
		if err := tx.MarkAuthorized(params.PayerReference); err != nil {
			return nil, err
		}
	}
	if isNew {
		if err := s.create(ctx, tx); err != nil {
			if errors.Is(err, domainErrors.ErrDuplicatePaymentReference) {
				// A concurrent callback for the same payment won the race.
				if winner, lookupErr := s.repo.GetByPaymentReference(ctx, tx.PaymentReference); lookupErr == nil {
					res := s.resultFor(winner)
					res.Duplicate = true
					return res, nil
				}
			}
			logger.Error().Err(err).Msg("failed to record transaction")
		}
	} else {
		s.save(ctx, tx, "transaction.authorized", nil)
	}

	resp, err := s.capture.Capture(ctx, params)
	if err != nil {
		if markErr := tx.MarkAbandoned(domainMessage(err)); markErr == nil {
			s.save(ctx, tx, "transaction.capture_failed", nil)
		}
		return nil, err
	}

	if err := tx.MarkCaptured(); err != nil {
		return nil, err
	}
	summary := resp.Summary()
	if summary.AmountCents > 0 && len(summary.Currency) == 3 {
		tx.SetAmount(checkout.Amount{ValueCents: summary.AmountCents, Currency: summary.Currency})
	}
	expected := firstNonEmpty(tx.AppointmentID, summary.AppointmentID, params.AppointmentID)
	verification := s.verifier.Verify(resp, expected)
	tx.AppointmentID = expected
	if tx.AppointmentID == "" && resp.Appointment != nil {
		tx.AppointmentID = resp.Appointment.ID
	}
	span.SetAttributes(attribute.String("appointment.id", tx.AppointmentID))
	logger = observability.ForSession(s.logger, sessionID, tx.AppointmentID)

	if verification.Synced() {
		if err := tx.MarkReconciled(); err != nil {
			return nil, err
		}
		s.save(ctx, tx, "transaction.reconciled", map[string]any{"path": pathVerify})
		s.publish(ctx, tx.AppointmentID, EventReconciled, map[string]any{
			"path":              pathVerify,
			"payment_reference": tx.PaymentReference,
		})
		s.recordReconciliation(pathVerify, "reconciled")
		logger.Info().Msg("payment captured and appointment confirmed paid")

		res := s.resultFor(tx)
		res.Verification = verification
		return res, nil
	}

	if err := tx.MarkReconciliationPending(verification.Reason); err != nil {
		return nil, err
	}
	s.save(ctx, tx, "transaction.reconciliation_pending", map[string]any{"reason": verification.Reason})
	s.publish(ctx, tx.AppointmentID, EventReconciliationPending, map[string]any{
		"reason":            verification.Reason,
		"payment_reference": tx.PaymentReference,
	})
	s.recordReconciliation(pathVerify, "pending")
	logger.Warn().Str("reason", verification.Reason).Msg("payment captured but appointment status unconfirmed")

	res := s.resultFor(tx)
	res.Verification = verification
	res.PollerStarted = s.trackPending(ctx, sessionID, tx, verification.Reason, logger)
	return res, nil
}

// trackPending enqueues the pending entry and starts the session's poller.
// Failures here are logged only; the payment has already succeeded.
func (s *ReconciliationService) trackPending(ctx context.Context, sessionID string, tx *checkout.Transaction, reason string, logger zerolog.Logger) bool {
	if tx.AppointmentID == "" {
		logger.Error().Str("payment_reference", tx.PaymentReference).Msg("captured payment has no appointment to reconcile")
		return false
	}
	if sessionID == "" {
		logger.Warn().Msg("no session for captured payment; skipping pending sync")
		return false
	}

	if err := s.queue.Enqueue(ctx, sessionID, tx.AppointmentID, reason); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue pending sync entry")
	}

	poller := s.pollers.Get(sessionID)
	if poller.Running() && poller.Target() != tx.AppointmentID {
		// The slot now belongs to the newer checkout.
		poller.Stop()
	}

	txID, appointmentID := tx.ID, tx.AppointmentID
	bg := context.WithoutCancel(ctx)
	started := poller.Start(ctx, appointmentID,
		func(*checkout.AppointmentSnapshot) {
			s.onConverged(bg, sessionID, txID, appointmentID)
		},
		func() {
			s.onGiveUp(bg, sessionID, txID, appointmentID)
		},
	)
	return started || poller.Target() == appointmentID
}

func (s *ReconciliationService) onConverged(ctx context.Context, sessionID string, txID uuid.UUID, appointmentID string) {
	defer s.pollers.Release(sessionID)

	if _, err := s.queue.Resolve(ctx, sessionID, appointmentID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to resolve pending entry")
	}

	tx, err := s.repo.GetByID(ctx, txID)
	if err != nil {
		s.logger.Error().Err(err).Str("transaction_id", txID.String()).Msg("failed to load converged transaction")
		return
	}
	s.reconcile(ctx, tx, pathPoller)
}

func (s *ReconciliationService) onGiveUp(ctx context.Context, sessionID string, txID uuid.UUID, appointmentID string) {
	defer s.pollers.Release(sessionID)

	s.recordReconciliation(pathPoller, "gave_up")
	s.publish(ctx, appointmentID, EventReconciliationFailed, map[string]any{"reason": "poller_exhausted"})

	tx, err := s.repo.GetByID(ctx, txID)
	if err != nil {
		s.logger.Error().Err(err).Str("transaction_id", txID.String()).Msg("failed to load transaction after poller gave up")
		return
	}
	if tx.CanTransitionTo(checkout.StatusFailed) {
		if err := tx.MarkFailed("status poller exhausted"); err == nil {
			s.save(ctx, tx, "transaction.failed", map[string]any{"path": pathPoller})
		}
	}
}

// OnIdentityAvailable drains the session's pending entry through the
// correction gateway. A failed correction leaves the entry for the next
// identity event.
func (s *ReconciliationService) OnIdentityAvailable(ctx context.Context, sessionID string) (result *DrainResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.OnIdentityAvailable")
	defer func() { endSpan(span, err) }()

	result, err = s.queue.Drain(ctx, sessionID, s.corrections.Correct)
	if result == nil || result.Entry == nil {
		return result, err
	}

	appointmentID := result.Entry.AppointmentID
	if err != nil {
		s.correctionFailed(ctx, pathDrain, appointmentID, err)
		return result, err
	}

	s.recordCorrection(pathDrain, "corrected")
	s.stopPollerFor(sessionID, appointmentID)
	s.reconcileAppointment(ctx, appointmentID, pathDrain)
	return result, nil
}

// FixAppointment is the user-triggered correction.
func (s *ReconciliationService) FixAppointment(ctx context.Context, sessionID, appointmentID string) (snap *checkout.AppointmentSnapshot, err error) {
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.FixAppointment",
		trace.WithAttributes(attribute.String("appointment.id", appointmentID)))
	defer func() { endSpan(span, err) }()

	snap, err = s.corrections.Correct(ctx, appointmentID)
	if err != nil {
		s.correctionFailed(ctx, pathFix, appointmentID, err)
		return snap, err
	}

	s.recordCorrection(pathFix, "corrected")
	if sessionID != "" {
		if _, err := s.queue.Resolve(ctx, sessionID, appointmentID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to resolve pending entry")
		}
		s.stopPollerFor(sessionID, appointmentID)
	}
	s.reconcileAppointment(ctx, appointmentID, pathFix)
	return snap, nil
}

// Status reports the reconciliation state of appointmentID as seen from
// the session.
func (s *ReconciliationService) Status(ctx context.Context, sessionID, appointmentID string) (*ReconciliationStatus, error) {
	status := &ReconciliationStatus{AppointmentID: appointmentID}

	tx, err := s.repo.GetLatestByAppointment(ctx, appointmentID)
	switch {
	case err == nil:
		status.Transaction = tx
		status.NeedsManualFix = tx.Status == checkout.StatusFailed
	case !errors.Is(err, domainErrors.ErrTransactionNotFound):
		return nil, err
	}

	if sessionID != "" {
		entry, err := s.queue.Peek(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if entry != nil && entry.AppointmentID == appointmentID {
			status.Pending = entry
		}
		if p, ok := s.pollers.Lookup(sessionID); ok && p.Target() == appointmentID {
			status.PollerRunning = p.Running()
			status.PollerReads = p.Reads()
		}
	}

	if status.Transaction == nil && status.Pending == nil {
		return nil, domainErrors.ErrTransactionNotFound
	}
	return status, nil
}

// EndSession stops the session's poller and drops its pending entry.
func (s *ReconciliationService) EndSession(ctx context.Context, sessionID string) error {
	s.pollers.Stop(sessionID)
	return s.queue.Clear(ctx, sessionID)
}

// Shutdown stops every poller.
func (s *ReconciliationService) Shutdown() {
	s.pollers.StopAll()
}

func (s *ReconciliationService) loadOrCreate(ctx context.Context, sessionID string, params CallbackParams) (*checkout.Transaction, bool, error) {
	tx, err := s.repo.GetByPaymentReference(ctx, params.PaymentReference)
	if err == nil {
		if tx.AppointmentID == "" {
			tx.AppointmentID = params.AppointmentID
		}
		return tx, false, nil
	}
	if !errors.Is(err, domainErrors.ErrTransactionNotFound) {
		// Persistence is best effort once the patient is back from the
		// processor; still capture.
		s.logger.Error().Err(err).Str("payment_reference", params.PaymentReference).Msg("failed to look up transaction")
	}

	tx, err = checkout.NewTransaction(params.PaymentReference, params.AppointmentID, sessionID, nil)
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

func (s *ReconciliationService) create(ctx context.Context, tx *checkout.Transaction) error {
	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, tx); err != nil {
			return err
		}
		return s.repo.AddEvent(txCtx, checkout.NewTransactionEvent(tx, "transaction.authorized", nil))
	})
}

// save persists tx with an audit event. Errors are logged only.
func (s *ReconciliationService) save(ctx context.Context, tx *checkout.Transaction, eventType string, data map[string]any) {
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.Update(txCtx, tx); err != nil {
			return err
		}
		return s.repo.AddEvent(txCtx, checkout.NewTransactionEvent(tx, eventType, data))
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("transaction_id", tx.ID.String()).
			Str("status", string(tx.Status)).
			Msg("failed to persist transaction")
	}
}

// reconcileAppointment marks the latest transaction of appointmentID as
// reconciled after a successful correction.
func (s *ReconciliationService) reconcileAppointment(ctx context.Context, appointmentID, path string) {
	tx, err := s.repo.GetLatestByAppointment(ctx, appointmentID)
	if err != nil {
		if !errors.Is(err, domainErrors.ErrTransactionNotFound) {
			s.logger.Error().Err(err).Str("appointment_id", appointmentID).Msg("failed to load transaction")
		}
		s.recordReconciliation(path, "reconciled")
		s.publish(ctx, appointmentID, EventReconciled, map[string]any{"path": path})
		return
	}
	s.reconcile(ctx, tx, path)
}

func (s *ReconciliationService) reconcile(ctx context.Context, tx *checkout.Transaction, path string) {
	if tx.CanTransitionTo(checkout.StatusReconciled) {
		if err := tx.MarkReconciled(); err == nil {
			s.save(ctx, tx, "transaction.reconciled", map[string]any{"path": path})
		}
	}
	s.recordReconciliation(path, "reconciled")
	s.publish(ctx, tx.AppointmentID, EventReconciled, map[string]any{
		"path":              path,
		"payment_reference": tx.PaymentReference,
	})
}

func (s *ReconciliationService) correctionFailed(ctx context.Context, path, appointmentID string, err error) {
	s.recordCorrection(path, "failed")
	s.logger.Warn().Err(err).Str("appointment_id", appointmentID).Str("trigger", path).Msg("correction did not resolve appointment")
	s.publish(ctx, appointmentID, EventCorrectionFailed, map[string]any{
		"trigger": path,
		"error":   err.Error(),
	})
}

func (s *ReconciliationService) stopPollerFor(sessionID, appointmentID string) {
	if p, ok := s.pollers.Lookup(sessionID); ok && p.Target() == appointmentID {
		p.Stop()
		s.pollers.Release(sessionID)
	}
}

// inProgressResult reports a callback whose capture another request holds.
func (s *ReconciliationService) inProgressResult(ctx context.Context, params CallbackParams) *CheckoutResult {
	res := &CheckoutResult{
		AppointmentID: params.AppointmentID,
		Notice:        NoticeInProgress,
	}
	if tx, err := s.repo.GetByPaymentReference(ctx, params.PaymentReference); err == nil {
		res = s.resultFor(tx)
		if !tx.IsCaptured() {
			res.Notice = NoticeInProgress
		}
	}
	res.Duplicate = true
	return res
}

func (s *ReconciliationService) resultFor(tx *checkout.Transaction) *CheckoutResult {
	res := &CheckoutResult{
		PaymentSucceeded: tx.IsCaptured(),
		TransactionID:    tx.ID,
		AppointmentID:    tx.AppointmentID,
		Status:           tx.Status,
	}
	switch tx.Status {
	case checkout.StatusReconciled:
		res.Verification = Verification{Outcome: OutcomeSynced}
	case checkout.StatusReconciliationPending:
		res.Verification = Verification{Outcome: OutcomeSyncUncertain}
		if tx.LastError != nil {
			res.Verification.Reason = *tx.LastError
		}
		res.Notice = NoticeStatusUpdating
	case checkout.StatusFailed:
		res.Verification = Verification{Outcome: OutcomeSyncUncertain}
		res.Notice = NoticeManualFix
	}
	return res
}

func (s *ReconciliationService) publish(ctx context.Context, appointmentID, eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishReconciliationEvent(ctx, appointmentID, eventType, data); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Str("appointment_id", appointmentID).Msg("failed to publish reconciliation event")
	}
}

func (s *ReconciliationService) recordReconciliation(path, result string) {
	if s.metrics != nil {
		s.metrics.ReconciliationsTotal.WithLabelValues(path, result).Inc()
	}
}

func (s *ReconciliationService) recordCorrection(trigger, result string) {
	if s.metrics != nil {
		s.metrics.CorrectionsTotal.WithLabelValues(trigger, result).Inc()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// domainMessage returns the message of a DomainError without its sentinel.
func domainMessage(err error) string {
	var de *domainErrors.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
