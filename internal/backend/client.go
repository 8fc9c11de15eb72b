// Package backend is the HTTP client for the clinic backend, which owns
// appointments and talks to the payment processor.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/auth"
	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/config"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 1 << 20

// Breaker names. Each backend operation trips independently so a failing
// read path cannot block captures.
const (
	breakerCapture = "clinic-backend-capture"
	breakerRead    = "clinic-backend-read"
	breakerCorrect = "clinic-backend-correct"
)

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client calls the clinic backend through one circuit breaker per operation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker[[]byte]
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func New(cfg config.BackendConfig, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "backend_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	threshold := uint32(cfg.CircuitBreakerThreshold)
	if threshold == 0 {
		threshold = 10
	}
	timeout := cfg.CircuitBreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c.breakers = make(map[string]*gobreaker.CircuitBreaker[[]byte])
	for _, name := range []string{breakerCapture, breakerRead, breakerCorrect} {
		c.breakers[name] = c.newBreaker(name, threshold, timeout)
	}

	return c
}

func (c *Client) newBreaker(name string, threshold uint32, timeout time.Duration) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A 4xx is the backend answering; only transport failures and 5xx trip.
		IsSuccessful: func(err error) bool {
			var be *Error
			if errors.As(err, &be) {
				return be.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if c.metrics != nil {
				c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
}

type captureRequest struct {
	PaymentReference string `json:"paymentReference"`
	PayerReference   string `json:"payerReference"`
}

// Capture asks the backend to capture the approved processor payment.
func (c *Client) Capture(ctx context.Context, paymentReference, payerReference string) (*checkout.CaptureResponse, error) {
	body, err := json.Marshal(captureRequest{PaymentReference: paymentReference, PayerReference: payerReference})
	if err != nil {
		return nil, fmt.Errorf("marshal capture request: %w", err)
	}

	raw, err := c.do(ctx, breakerCapture, http.MethodPost, "/payments/capture", body)
	if err != nil {
		return nil, err
	}
	return c.decodeCapture(paymentReference, raw), nil
}

// decodeCapture reads a 2xx capture body. The funds have moved by now, so an
// empty or unreadable body only loses the snapshot, never the capture.
func (c *Client) decodeCapture(paymentReference string, raw []byte) *checkout.CaptureResponse {
	resp := &checkout.CaptureResponse{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp
	}

	var body struct {
		ProcessorRecord json.RawMessage `json:"processorRecord"`
		Appointment     json.RawMessage `json:"appointmentSnapshot"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		c.logger.Warn().Err(err).Str("payment_reference", paymentReference).Msg("unreadable capture response body")
		return resp
	}
	resp.ProcessorRecord = body.ProcessorRecord

	if len(body.Appointment) == 0 || bytes.Equal(bytes.TrimSpace(body.Appointment), []byte("null")) {
		return resp
	}
	var snap checkout.AppointmentSnapshot
	if err := json.Unmarshal(body.Appointment, &snap); err != nil {
		c.logger.Warn().Err(err).Str("payment_reference", paymentReference).Msg("unreadable appointment snapshot in capture response")
		return resp
	}
	resp.Appointment = &snap
	return resp
}

// GetPaymentStatus reads the backend's payment state for an appointment.
func (c *Client) GetPaymentStatus(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	return c.snapshot(ctx, breakerRead, http.MethodGet, "/appointments/"+url.PathEscape(appointmentID)+"/payment-status")
}

// CorrectPayment invokes the backend's idempotent force-correct operation.
func (c *Client) CorrectPayment(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	return c.snapshot(ctx, breakerCorrect, http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/payment/correct")
}

func (c *Client) snapshot(ctx context.Context, breaker, method, path string) (*checkout.AppointmentSnapshot, error) {
	raw, err := c.do(ctx, breaker, method, path, nil)
	if err != nil {
		var be *Error
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			be.Err = domainErrors.ErrAppointmentNotFound
		}
		return nil, err
	}

	var snap checkout.AppointmentSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode appointment snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Client) do(ctx context.Context, breaker, method, path string, body []byte) ([]byte, error) {
	raw, err := c.breakers[breaker].Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	c.recordBreakerResult(breaker, err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrBackendUnavailable, err)
	}
	return raw, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := auth.FromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &Error{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			be.Err = domainErrors.ErrUnauthorized
		}
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend error response")
		return nil, be
	}
	return raw, nil
}

func (c *Client) recordBreakerResult(breaker string, err error) {
	if c.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	case err != nil:
		result = "failure"
	}
	c.metrics.CircuitBreakerRequests.WithLabelValues(breaker, result).Inc()
}

// errorMessage extracts the backend's message from an error body, which is
// either {"error": "..."}, {"message": "..."} or plain text.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
		return text
	}
	return http.StatusText(status)
}
