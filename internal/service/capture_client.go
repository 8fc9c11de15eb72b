package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/backend"
	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// CallbackParams are the query parameters of the processor redirect.
type CallbackParams struct {
	PaymentReference string
	PayerReference   string
	// AppointmentID is an optional hint carried on the return URL.
	AppointmentID string
}

// Normalize trims the references and rejects a callback missing either.
func (p CallbackParams) Normalize() (CallbackParams, error) {
	p.PaymentReference = strings.TrimSpace(p.PaymentReference)
	p.PayerReference = strings.TrimSpace(p.PayerReference)
	p.AppointmentID = strings.TrimSpace(p.AppointmentID)

	if p.PaymentReference == "" {
		return p, domainErrors.NewInvalidCallbackError("paymentReference")
	}
	if p.PayerReference == "" {
		return p, domainErrors.NewInvalidCallbackError("payerReference")
	}
	return p, nil
}

// CaptureClient turns an approved authorization into captured funds. It
// issues exactly one capture request per call and never retries.
type CaptureClient struct {
	backend Capturer
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCaptureClient(backend Capturer, metrics *observability.Metrics, logger zerolog.Logger) *CaptureClient {
	return &CaptureClient{backend: backend, metrics: metrics, logger: logger}
}

func (c *CaptureClient) Capture(ctx context.Context, params CallbackParams) (*checkout.CaptureResponse, error) {
	params, err := params.Normalize()
	if err != nil {
		c.observe("invalid", 0)
		return nil, err
	}

	start := time.Now()
	resp, err := c.backend.Capture(ctx, params.PaymentReference, params.PayerReference)
	elapsed := time.Since(start)
	if err != nil {
		c.observe("failed", elapsed)
		c.logger.Warn().Err(err).Str("payment_reference", params.PaymentReference).Msg("capture failed")
		return nil, domainErrors.NewCaptureFailedError(rawMessage(err))
	}
	if resp == nil {
		resp = &checkout.CaptureResponse{}
	}

	c.observe("captured", elapsed)
	summary := resp.Summary()
	c.logger.Info().
		Str("payment_reference", params.PaymentReference).
		Str("processor_id", summary.ID).
		Str("processor_state", summary.State).
		Bool("has_snapshot", resp.Appointment != nil).
		Msg("capture succeeded")
	return resp, nil
}

func (c *CaptureClient) observe(result string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.CapturesTotal.WithLabelValues(result).Inc()
	if elapsed > 0 {
		c.metrics.CaptureDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	}
}

// rawMessage is the message the backend reported, or the error text when
// the failure never reached it.
func rawMessage(err error) string {
	var be *backend.Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return err.Error()
}
