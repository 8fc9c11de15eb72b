package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cassiomorais/checkoutsync/internal/backend"
	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/cassiomorais/checkoutsync/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackParams_Normalize(t *testing.T) {
	tests := []struct {
		name      string
		params    CallbackParams
		wantField string
	}{
		{"valid", CallbackParams{PaymentReference: " PAYID-1 ", PayerReference: "PAYER-1"}, ""},
		{"missing payment reference", CallbackParams{PayerReference: "PAYER-1"}, "paymentReference"},
		{"blank payer reference", CallbackParams{PaymentReference: "PAYID-1", PayerReference: "   "}, "payerReference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.params.Normalize()
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "PAYID-1", got.PaymentReference)
				return
			}
			var de *domainErrors.DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "invalid_checkout_callback", de.Code)
			assert.Contains(t, de.Message, tt.wantField)
			assert.ErrorIs(t, err, domainErrors.ErrInvalidCheckoutCallback)
		})
	}
}

func TestCaptureClient_InvalidCallbackMakesNoNetworkCall(t *testing.T) {
	mock := &testutil.MockBackend{}
	client := NewCaptureClient(mock, nil, zerolog.Nop())

	_, err := client.Capture(context.Background(), CallbackParams{PaymentReference: "PAYID-1"})
	assert.ErrorIs(t, err, domainErrors.ErrInvalidCheckoutCallback)
	assert.Equal(t, 0, mock.CaptureCalls())
}

func TestCaptureClient_Success(t *testing.T) {
	mock := &testutil.MockBackend{
		CaptureFunc: func(_ context.Context, paymentRef, payerRef string) (*checkout.CaptureResponse, error) {
			assert.Equal(t, "PAYID-1", paymentRef)
			assert.Equal(t, "PAYER-1", payerRef)
			return testutil.CaptureResponse(paymentRef, testutil.PaidSnapshot("42")), nil
		},
	}
	client := NewCaptureClient(mock, nil, zerolog.Nop())

	resp, err := client.Capture(context.Background(), CallbackParams{PaymentReference: "PAYID-1", PayerReference: " PAYER-1 "})
	require.NoError(t, err)
	assert.True(t, resp.Appointment.IsPaid())
	assert.Equal(t, 1, mock.CaptureCalls())
}

func TestCaptureClient_FailuresCarryRawMessage(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"processor decline", &backend.Error{StatusCode: 422, Message: "INSTRUMENT_DECLINED"}, "INSTRUMENT_DECLINED"},
		{"network failure", errors.New("dial tcp: connection refused"), "dial tcp: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &testutil.MockBackend{
				CaptureFunc: func(context.Context, string, string) (*checkout.CaptureResponse, error) {
					return nil, tt.err
				},
			}
			client := NewCaptureClient(mock, nil, zerolog.Nop())

			_, err := client.Capture(context.Background(), CallbackParams{PaymentReference: "PAYID-1", PayerReference: "PAYER-1"})
			var de *domainErrors.DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "capture_failed", de.Code)
			assert.Equal(t, tt.wantMsg, de.Message)
			assert.ErrorIs(t, err, domainErrors.ErrCaptureFailed)
			assert.Equal(t, 1, mock.CaptureCalls(), "capture must not be retried")
		})
	}
}
