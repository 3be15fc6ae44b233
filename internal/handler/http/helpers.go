package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/errs"
)

// ErrorResponse is the envelope for every error the API returns. Code
// and context come straight from the kernel's structured errors so
// clients can react without parsing messages.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

// respondWithDomainError renders a kernel error with its machine code
// and context; anything else becomes an opaque 500.
func respondWithDomainError(w http.ResponseWriter, err error) {
	var domainErr *errs.Error
	if !errors.As(err, &domainErr) {
		log.Error().Err(err).Msg("Unhandled internal error")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, mapErrorToStatusCode(domainErr), ErrorResponse{
		Error:   domainErr.Message,
		Code:    domainErr.Code,
		Context: domainErr.Context,
	})
}

func mapErrorToStatusCode(err *errs.Error) int {
	switch err.Kind {
	case errs.KindSession:
		if err.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errs.KindValidation:
		return http.StatusUnprocessableEntity
	case errs.KindCommit:
		return http.StatusConflict
	case errs.KindResolve:
		switch err.Code {
		case "issue_not_found", "action_not_found":
			return http.StatusNotFound
		case "stale_action":
			return http.StatusConflict
		default:
			return http.StatusUnprocessableEntity
		}
	case errs.KindTransition:
		if err.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errs.KindDirective:
		if err.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errs.KindChannel:
		if err.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func formatValidationErrors(validationErrors validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = "failed on the '" + fieldErr.Tag() + "' tag"
	}
	return details
}

// decodeAndValidate decodes the request body into dst and runs
// struct validation, writing the error response itself. Returns false
// when the caller should stop.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		// An absent body is fine; struct validation rejects it when the
		// endpoint actually requires fields.
		log.Error().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		}
		return false
	}
	return true
}
