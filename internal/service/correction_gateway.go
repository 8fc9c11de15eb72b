package service

import (
	"context"
	"strings"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/rs/zerolog"
)

// CorrectionGateway asks the backend to re-derive an appointment's payment
// state from the processor. The backend operation is idempotent, so the
// gateway never retries on its own.
type CorrectionGateway struct {
	backend Corrector
	logger  zerolog.Logger
}

func NewCorrectionGateway(backend Corrector, logger zerolog.Logger) *CorrectionGateway {
	return &CorrectionGateway{backend: backend, logger: logger}
}

// Correct returns the corrected snapshot. A backend failure, or a snapshot
// that is still unpaid, is reported as a correction failure.
func (g *CorrectionGateway) Correct(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		return nil, domainErrors.NewValidationError("appointment_id", "cannot be empty")
	}

	snap, err := g.backend.CorrectPayment(ctx, appointmentID)
	if err != nil {
		g.logger.Warn().Err(err).Str("appointment_id", appointmentID).Msg("payment correction failed")
		return nil, domainErrors.NewCorrectionFailedError(rawMessage(err))
	}
	if !snap.IsResolved() {
		status := "missing"
		if snap != nil {
			status = string(snap.Status)
		}
		g.logger.Warn().Str("appointment_id", appointmentID).Str("status", status).Msg("correction left appointment unresolved")
		return snap, domainErrors.NewCorrectionFailedError("appointment payment status is " + status + " after correction")
	}

	g.logger.Info().Str("appointment_id", appointmentID).Str("status", string(snap.Status)).Msg("payment corrected")
	return snap, nil
}
