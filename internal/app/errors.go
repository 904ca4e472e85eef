package app

import (
	"errors"
	"fmt"
	"net/http"

	"cashcount/api/internal/auth"
	"cashcount/api/internal/counting"
	"cashcount/api/internal/report"
	"cashcount/api/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrDuplicateDate):
		return http.StatusConflict, "DUPLICATE_DATE", "A session already exists for this date", nil
	case errors.Is(err, counting.ErrRejected):
		return http.StatusConflict, "TRANSITION_REJECTED", "Transition rejected", errorDetails(err)
	case errors.Is(err, counting.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", errorDetails(err)
	case errors.Is(err, counting.ErrInvalid):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid session", errorDetails(err)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, report.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported report format", nil
	case errors.Is(err, report.ErrPDFDependencyMissing), errors.Is(err, report.ErrArchiveDisabled):
		return http.StatusServiceUnavailable, "REPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func errorDetails(err error) map[string]any {
	return map[string]any{"reason": err.Error()}
}
