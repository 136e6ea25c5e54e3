// Package errors provides standardized error handling for the vault service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the vault service.
type ErrorCode string

const (
	// Validation errors
	FV_VALIDATION     ErrorCode = "FV_VALIDATION"     // General validation error
	FV_BAD_REQUEST    ErrorCode = "FV_BAD_REQUEST"    // Bad request
	FV_PARSE_FAILURE  ErrorCode = "FV_PARSE_FAILURE"  // Malformed persisted or imported JSON
	FV_CAPSULE_LOCKED ErrorCode = "FV_CAPSULE_LOCKED" // Capsule unlock time has not passed

	// Authentication/Authorization errors
	FV_AUTHN            ErrorCode = "FV_AUTHN"            // Authentication failed
	FV_JWT_INVALID      ErrorCode = "FV_JWT_INVALID"      // Invalid JWT
	FV_JWT_EXPIRED      ErrorCode = "FV_JWT_EXPIRED"      // Expired JWT
	FV_JWT_MALFORMED    ErrorCode = "FV_JWT_MALFORMED"    // Malformed JWT
	FV_ADDRESS_MISMATCH ErrorCode = "FV_ADDRESS_MISMATCH" // JWT subject is not the session wallet

	// Chain and wallet errors
	FV_UNSUPPORTED_NETWORK ErrorCode = "FV_UNSUPPORTED_NETWORK" // Chain id not in the supported set
	FV_WALLET_UNAVAILABLE  ErrorCode = "FV_WALLET_UNAVAILABLE"  // No wallet session configured
	FV_TX_REJECTED         ErrorCode = "FV_TX_REJECTED"         // Transaction declined or reverted
	FV_FETCH_FAILURE       ErrorCode = "FV_FETCH_FAILURE"       // RPC or contract call failed

	// Decryption errors
	FV_INVALID_HANDLE     ErrorCode = "FV_INVALID_HANDLE"     // Handle is not 0x + 64 hex chars
	FV_INSTANCE_NOT_READY ErrorCode = "FV_INSTANCE_NOT_READY" // Decryption instance not initialized

	// Resource errors
	FV_NOT_FOUND ErrorCode = "FV_NOT_FOUND" // Resource not found
	FV_CONFLICT  ErrorCode = "FV_CONFLICT"  // Resource conflict

	// Server errors
	FV_INTERNAL        ErrorCode = "FV_INTERNAL"        // Internal server error
	FV_UNAVAILABLE     ErrorCode = "FV_UNAVAILABLE"     // Service unavailable
	FV_NOT_IMPLEMENTED ErrorCode = "FV_NOT_IMPLEMENTED" // Not implemented
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap classifies an underlying error under code. The message is the cause's text verbatim.
func Wrap(code ErrorCode, cause error) *Error {
	e := New(code, cause.Error(), "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithCorrelationID returns a copy of e stamped with the request's correlation ID.
func (e *Error) WithCorrelationID(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// HasCode reports whether any error in err's chain is an *Error carrying code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Message returns the user-facing text of err: the Message of a classified error,
// or the raw error text otherwise.
func Message(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return err.Error()
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case FV_VALIDATION, FV_BAD_REQUEST, FV_PARSE_FAILURE, FV_INVALID_HANDLE, FV_UNSUPPORTED_NETWORK:
		return http.StatusBadRequest
	case FV_ADDRESS_MISMATCH:
		return http.StatusForbidden
	case FV_AUTHN, FV_JWT_INVALID, FV_JWT_EXPIRED, FV_JWT_MALFORMED:
		return http.StatusUnauthorized
	case FV_NOT_FOUND:
		return http.StatusNotFound
	case FV_CONFLICT, FV_CAPSULE_LOCKED:
		return http.StatusConflict
	case FV_TX_REJECTED:
		return http.StatusUnprocessableEntity
	case FV_FETCH_FAILURE:
		return http.StatusBadGateway
	case FV_WALLET_UNAVAILABLE, FV_INSTANCE_NOT_READY, FV_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case FV_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
