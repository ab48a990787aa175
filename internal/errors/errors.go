package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConflict         = errors.New("conflict")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidCode      = errors.New("invalid authorization code")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// AdapterError is a structured error for calls to an external processor
// (billing or community platform).
type AdapterError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "grant_role", "retrieve_subscription")
	Adapter    string // "stripe" or "discord"
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *AdapterError) Error() string {
	if e.Adapter != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Adapter, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AdapterError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	}

	return errors.Is(e.Err, target)
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(errorType ErrorType, op, adapter string, err error) *AdapterError {
	return &AdapterError{
		Type:      errorType,
		Op:        op,
		Adapter:   adapter,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds the HTTP status code returned by the processor.
func (e *AdapterError) WithStatusCode(code int) *AdapterError {
	e.StatusCode = code
	switch {
	case code == http.StatusNotFound:
		e.Type = ErrorTypeNotFound
		e.Retryable = false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Type = ErrorTypeAuth
		e.Retryable = false
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		e.Retryable = true
	case code >= 400 && code < 500:
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrCircuitOpen)
		}
		return true
	}
}

// WrapConnectionError wraps a transport failure against an adapter.
func WrapConnectionError(op, adapter string, err error) error {
	return NewAdapterError(ErrorTypeConnection, op, adapter, err)
}

// WrapAPIError wraps a non-2xx processor response.
func WrapAPIError(op, adapter string, err error, statusCode int) error {
	return NewAdapterError(ErrorTypeAPI, op, adapter, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var adErr *AdapterError
	if errors.As(err, &adErr) {
		return adErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsNotFound reports whether err means the remote or local object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HTTPStatus maps an error to the status code a handler should answer with.
func HTTPStatus(err error) int {
	var adErr *AdapterError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidCode):
		return http.StatusBadRequest
	case errors.As(err, &adErr) && adErr.Type == ErrorTypeAuth:
		// Our credentials were refused upstream; not the caller's session.
		return http.StatusBadGateway
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.As(err, &adErr), errors.Is(err, ErrCircuitOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
