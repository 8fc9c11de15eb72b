package service

import (
	"testing"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	"github.com/cassiomorais/checkoutsync/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestSyncVerifier_Verify(t *testing.T) {
	refunded := &checkout.AppointmentSnapshot{ID: "42", Status: checkout.PaymentRefunded}

	tests := []struct {
		name        string
		resp        *checkout.CaptureResponse
		target      string
		wantOutcome Outcome
		wantReason  string
	}{
		{"paid snapshot", testutil.CaptureResponse("P", testutil.PaidSnapshot("42")), "42", OutcomeSynced, ""},
		{"paid snapshot no target", testutil.CaptureResponse("P", testutil.PaidSnapshot("42")), "", OutcomeSynced, ""},
		{"missing snapshot", testutil.CaptureResponse("P", nil), "42", OutcomeSyncUncertain, ReasonSnapshotMissing},
		{"nil response", nil, "42", OutcomeSyncUncertain, ReasonSnapshotMissing},
		{"unpaid snapshot", testutil.CaptureResponse("P", testutil.UnpaidSnapshot("42")), "42", OutcomeSyncUncertain, ReasonStatusUnpaid},
		{"refunded snapshot", testutil.CaptureResponse("P", refunded), "42", OutcomeSyncUncertain, ReasonStatusRefunded},
		{"stale snapshot for other appointment", testutil.CaptureResponse("P", testutil.PaidSnapshot("41")), "42", OutcomeSyncUncertain, ReasonAppointmentMismatch},
	}

	verifier := NewSyncVerifier(observability.NewMetrics("test", prometheus.NewRegistry()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := verifier.Verify(tt.resp, tt.target)
			assert.Equal(t, tt.wantOutcome, v.Outcome)
			assert.Equal(t, tt.wantReason, v.Reason)
			assert.Equal(t, tt.wantOutcome == OutcomeSynced, v.Synced())
		})
	}
}
