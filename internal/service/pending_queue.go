package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

const (
	pendingSyncKeyPrefix = "pending_sync:"
	drainLockPrefix      = "drain:"
)

// CorrectionFunc resolves a pending appointment, typically through the
// correction gateway.
type CorrectionFunc func(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error)

// DrainResult describes one drain attempt.
type DrainResult struct {
	// Entry is the entry that was found, nil when the slot was empty.
	Entry *checkout.PendingSyncEntry
	// Busy is set when another drain of the same session held the lock.
	Busy bool
	// Corrected is set when the correction succeeded.
	Corrected bool
	// Removed is false after a successful correction when the slot was
	// overwritten by a newer entry meanwhile.
	Removed  bool
	Snapshot *checkout.AppointmentSnapshot
}

// PendingSyncQueue keeps at most one pending entry per session.
type PendingSyncQueue struct {
	store   SessionStore
	locker  Locker
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewPendingSyncQueue(store SessionStore, locker Locker, metrics *observability.Metrics, logger zerolog.Logger) *PendingSyncQueue {
	return &PendingSyncQueue{
		store:   store,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func pendingSyncKey(sessionID string) string {
	return pendingSyncKeyPrefix + sessionID
}

// Enqueue records appointmentID as needing a recheck. An existing entry for
// the session is overwritten.
func (q *PendingSyncQueue) Enqueue(ctx context.Context, sessionID, appointmentID, reason string) error {
	if sessionID == "" {
		return domainErrors.ErrMissingSession
	}
	if appointmentID == "" {
		return domainErrors.NewValidationError("appointment_id", "cannot be empty")
	}

	raw, err := json.Marshal(checkout.PendingSyncEntry{
		AppointmentID: appointmentID,
		Reason:        reason,
		EnqueuedAt:    q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal pending entry: %w", err)
	}

	if err := q.store.Set(ctx, pendingSyncKey(sessionID), raw); err != nil {
		q.record("enqueue", "error")
		return err
	}
	q.record("enqueue", "ok")
	return nil
}

// Peek returns the session's entry, or nil when there is none.
func (q *PendingSyncQueue) Peek(ctx context.Context, sessionID string) (*checkout.PendingSyncEntry, error) {
	entry, _, err := q.load(ctx, sessionID)
	return entry, err
}

func (q *PendingSyncQueue) load(ctx context.Context, sessionID string) (*checkout.PendingSyncEntry, []byte, error) {
	if sessionID == "" {
		return nil, nil, domainErrors.ErrMissingSession
	}
	raw, ok, err := q.store.Get(ctx, pendingSyncKey(sessionID))
	if err != nil || !ok {
		return nil, nil, err
	}

	var entry checkout.PendingSyncEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// An unreadable slot can never be drained; drop it.
		q.logger.Warn().Err(err).Str("session_id", sessionID).Msg("discarding malformed pending entry")
		_, _ = q.store.CompareAndDelete(ctx, pendingSyncKey(sessionID), raw)
		return nil, nil, nil
	}
	return &entry, raw, nil
}

// Drain reads the session's entry and invokes correct exactly once. The entry
// is removed only when correct succeeds and nothing replaced it meanwhile.
func (q *PendingSyncQueue) Drain(ctx context.Context, sessionID string, correct CorrectionFunc) (*DrainResult, error) {
	if sessionID == "" {
		return nil, domainErrors.ErrMissingSession
	}

	unlock, acquired, err := q.locker.TryLock(ctx, drainLockPrefix+sessionID)
	if err != nil {
		q.record("drain", "error")
		return nil, err
	}
	if !acquired {
		q.record("drain", "busy")
		return &DrainResult{Busy: true}, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			q.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to release drain lock")
		}
	}()

	entry, raw, err := q.load(ctx, sessionID)
	if err != nil {
		q.record("drain", "error")
		return nil, err
	}
	if entry == nil {
		q.record("drain", "empty")
		return &DrainResult{}, nil
	}

	result := &DrainResult{Entry: entry}
	snap, err := correct(ctx, entry.AppointmentID)
	if err != nil {
		q.record("drain", "failed")
		return result, err
	}
	result.Corrected = true
	result.Snapshot = snap

	removed, err := q.store.CompareAndDelete(ctx, pendingSyncKey(sessionID), raw)
	if err != nil {
		q.record("drain", "error")
		return result, fmt.Errorf("remove drained entry: %w", err)
	}
	result.Removed = removed
	q.record("drain", "corrected")
	return result, nil
}

// Resolve removes the session's entry if it still targets appointmentID.
func (q *PendingSyncQueue) Resolve(ctx context.Context, sessionID, appointmentID string) (bool, error) {
	entry, raw, err := q.load(ctx, sessionID)
	if err != nil || entry == nil || entry.AppointmentID != appointmentID {
		return false, err
	}

	removed, err := q.store.CompareAndDelete(ctx, pendingSyncKey(sessionID), raw)
	if err != nil {
		q.record("resolve", "error")
		return false, err
	}
	if removed {
		q.record("resolve", "ok")
	}
	return removed, nil
}

// Clear drops the session's entry unconditionally.
func (q *PendingSyncQueue) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return domainErrors.ErrMissingSession
	}
	if err := q.store.Delete(ctx, pendingSyncKey(sessionID)); err != nil {
		q.record("clear", "error")
		return err
	}
	q.record("clear", "ok")
	return nil
}

func (q *PendingSyncQueue) record(operation, result string) {
	if q.metrics != nil {
		q.metrics.PendingSyncOperations.WithLabelValues(operation, result).Inc()
	}
}
