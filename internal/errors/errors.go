// Package errors defines the API error types returned by the control surface.
package errors

import (
	"fmt"
	"net/http"
)

// APIError represents a control surface error with a machine-readable code,
// human-readable message, HTTP status code, and optional extra fields.
type APIError struct {
	// Code is the error code (e.g., "NoSuchObject", "InvalidArgument").
	Code string `json:"code"`
	// Message is a human-readable description of the error.
	Message string `json:"message"`
	// HTTPStatus is the HTTP status code to return (e.g., 404, 400).
	HTTPStatus int `json:"-"`
	// ExtraFields holds additional key-value pairs included in the response.
	ExtraFields map[string]string `json:"details,omitempty"`
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithExtra returns a copy of the APIError with the given extra field set.
func (e *APIError) WithExtra(key, value string) *APIError {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the APIError with a different message.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

// Pre-defined errors for common conditions.
var (
	// ErrNoSuchObject is returned when the object ID is not in the buffer.
	ErrNoSuchObject = &APIError{
		Code:       "NoSuchObject",
		Message:    "The specified object is not in the buffer",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrMissingOwner is returned when an ingested object lacks its owner fields.
	ErrMissingOwner = &APIError{
		Code:       "MissingOwner",
		Message:    "The object must name its patient and study",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrEntityTooLarge is returned when the body exceeds the configured limit.
	ErrEntityTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrIncompleteBody is returned when the request body could not be read.
	ErrIncompleteBody = &APIError{
		Code:       "IncompleteBody",
		Message:    "The request body could not be read completely",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrObjectRejected is returned when the buffer refused to store the object.
	ErrObjectRejected = &APIError{
		Code:       "ObjectRejected",
		Message:    "The object could not be stored and was quarantined",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	// ErrInternalError is returned when an unexpected server error occurs.
	ErrInternalError = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
