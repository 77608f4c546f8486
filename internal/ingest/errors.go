package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"telemetry-hub/internal/identity"
	"telemetry-hub/internal/parser"
)

// ValidationError is a request rejected before any message is recorded
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// StorageError wraps a persistence failure during ingestion
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// StatusCode maps an ingestion error to the HTTP status a device receives
func StatusCode(err error) int {
	var validationErr *ValidationError
	var parseErr *parser.ParseError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validationErr),
		errors.As(err, &parseErr),
		errors.Is(err, parser.ErrTooManyPairs),
		errors.Is(err, identity.ErrNoIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrDeviceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the coarse error text shown to devices. Operators get the
// detail from the message audit log.
func PublicMessage(err error) string {
	var validationErr *ValidationError

	switch {
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.Is(err, parser.ErrNoValidData):
		return "no valid telemetry data in payload"
	case errors.Is(err, parser.ErrTooManyPairs):
		return parser.ErrTooManyPairs.Error()
	case StatusCode(err) == http.StatusBadRequest:
		return "payload could not be parsed"
	case errors.Is(err, identity.ErrDeviceNotFound):
		return "device not found, check serial number"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out, retry later"
	default:
		return "internal error, retry later"
	}
}
