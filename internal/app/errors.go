package app

import (
	"errors"
	"fmt"
	"net/http"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/mutation"
	"taskboard/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns a service failure into a response. Mutation failures keep
// their message since it names the field or entity at fault.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}

	var mErr *mutation.Error
	if errors.As(err, &mErr) {
		switch mErr.Kind {
		case mutation.KindValidation:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", mErr.Error(), nil
		case mutation.KindAuthorization:
			return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
		case mutation.KindNotFound:
			return http.StatusNotFound, "NOT_FOUND", mErr.Error(), nil
		case mutation.KindTransient:
			return http.StatusServiceUnavailable, "RETRYABLE", "Temporarily unavailable, retry", map[string]any{"retryable": true}
		}
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}

	switch {
	case errors.Is(err, ai.ErrUnavailable):
		return http.StatusServiceUnavailable, "RETRYABLE", "Generator unavailable, retry", map[string]any{"retryable": true}
	case errors.Is(err, ai.ErrInvalidResponse):
		return http.StatusBadGateway, "INVALID_GENERATOR_RESPONSE", "Generator returned an invalid response", nil
	case store.IsForbidden(err):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case store.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case store.IsTransient(err):
		return http.StatusServiceUnavailable, "RETRYABLE", "Temporarily unavailable, retry", map[string]any{"retryable": true}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
