package app

import (
	"errors"
	"fmt"
	"net/http"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/timeline"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errViewNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "View not found", nil)

// mapError translates package sentinels into the HTTP error table.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, diff.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil
	case errors.Is(err, history.ErrDocumentNotFound), errors.Is(err, timeline.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, timeline.ErrOutOfOrder):
		return http.StatusConflict, "OUT_OF_ORDER", err.Error(), nil
	case errors.Is(err, history.ErrChunkNotLoaded):
		return http.StatusConflict, "CHUNK_NOT_LOADED", err.Error(), nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}

// chunkNotLoaded carries the loaded window so a client knows how far to page.
func chunkNotLoaded(err error, tl *timeline.Timeline) error {
	details := map[string]any{"loaded": tl.Len()}
	if earliest, ok := tl.Earliest(); ok {
		details["earliestIndex"] = earliest.Index
	}
	if latest, ok := tl.Latest(); ok {
		details["latestIndex"] = latest.Index
	}
	domainErr := domainError(http.StatusConflict, "CHUNK_NOT_LOADED", err.Error(), details)
	domainErr.cause = err
	return domainErr
}
