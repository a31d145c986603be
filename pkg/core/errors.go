package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error for call-session failures.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrInvalidRequest covers caller mistakes (bad arguments, wrong state).
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrToken covers token endpoint failures: unreachable, non-2xx, malformed body.
	ErrToken ErrorType = "token_error"
	// ErrCapture covers local audio device failures: permission denied, no device.
	ErrCapture ErrorType = "capture_error"
	// ErrTransport covers room session connect/teardown failures.
	ErrTransport ErrorType = "transport_error"
	// ErrTrack covers publish/subscribe failures on an already-connected session.
	ErrTrack ErrorType = "track_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewTokenError creates a token endpoint error.
func NewTokenError(message string, cause error) *Error {
	return &Error{
		Type:    ErrToken,
		Message: message,
		Cause:   cause,
	}
}

// NewCaptureError creates a capture device error.
func NewCaptureError(message string, cause error) *Error {
	return &Error{
		Type:    ErrCapture,
		Message: message,
		Cause:   cause,
	}
}

// NewTransportError creates a room transport error.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		Cause:   cause,
	}
}

// NewTrackError creates a track publish/subscribe error.
func NewTrackError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTrack,
		Message: message,
		Cause:   cause,
	}
}

// IsType reports whether err (or anything it wraps) is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}
