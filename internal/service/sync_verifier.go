package service

import (
	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
)

type Outcome string

const (
	OutcomeSynced        Outcome = "synced"
	OutcomeSyncUncertain Outcome = "sync_uncertain"
)

// Reasons a capture could not be confirmed against the backend record.
const (
	ReasonSnapshotMissing     = "snapshot_missing"
	ReasonStatusUnpaid        = "status_unpaid"
	ReasonStatusRefunded      = "status_refunded"
	ReasonAppointmentMismatch = "appointment_mismatch"
)

// Verification is the result of checking a capture response for an
// authoritative paid confirmation.
type Verification struct {
	Outcome  Outcome
	Reason   string
	Snapshot *checkout.AppointmentSnapshot
}

func (v Verification) Synced() bool {
	return v.Outcome == OutcomeSynced
}

// SyncVerifier never reports a failure: once capture succeeded money has
// moved, so the worst outcome is uncertain.
type SyncVerifier struct {
	metrics *observability.Metrics
}

func NewSyncVerifier(metrics *observability.Metrics) *SyncVerifier {
	return &SyncVerifier{metrics: metrics}
}

// Verify inspects resp for targetAppointmentID. An empty target accepts the
// snapshot's own appointment.
func (v *SyncVerifier) Verify(resp *checkout.CaptureResponse, targetAppointmentID string) Verification {
	result := verify(resp, targetAppointmentID)
	if v.metrics != nil {
		v.metrics.VerificationOutcomes.WithLabelValues(string(result.Outcome), result.Reason).Inc()
	}
	return result
}

func verify(resp *checkout.CaptureResponse, target string) Verification {
	if resp == nil || resp.Appointment == nil {
		return Verification{Outcome: OutcomeSyncUncertain, Reason: ReasonSnapshotMissing}
	}

	snap := resp.Appointment
	uncertain := Verification{Outcome: OutcomeSyncUncertain, Snapshot: snap}
	switch {
	case target != "" && snap.ID != "" && snap.ID != target:
		uncertain.Reason = ReasonAppointmentMismatch
	case snap.IsPaid():
		return Verification{Outcome: OutcomeSynced, Snapshot: snap}
	case snap.Status == checkout.PaymentRefunded:
		uncertain.Reason = ReasonStatusRefunded
	default:
		uncertain.Reason = ReasonStatusUnpaid
	}
	return uncertain
}
