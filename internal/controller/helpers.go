package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

// Matched in order; the first sentinel found in the chain wins.
var errorMappings = []errorMapping{
	{domainErrors.ErrInvalidCheckoutCallback, http.StatusBadRequest, "invalid_checkout_callback"},
	{domainErrors.ErrCaptureFailed, http.StatusPaymentRequired, "capture_failed"},
	{domainErrors.ErrCorrectionFailed, http.StatusConflict, "correction_failed"},
	{domainErrors.ErrMissingSession, http.StatusBadRequest, "missing_session"},
	{domainErrors.ErrMissingIdentity, http.StatusUnauthorized, "auth_required"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrAppointmentNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrTransactionNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{domainErrors.ErrBackendUnavailable, http.StatusServiceUnavailable, "backend_unavailable"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		// Capture and correction failures surface the raw upstream message.
		resp.Error = domainErr.Message
	}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	if domainErr != nil {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}
