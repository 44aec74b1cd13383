// Package apierr defines the error taxonomy shared by every owner and the
// API surface. Owners raise a Kind; the API surface maps it to an HTTP
// status without knowing anything about the owner that raised it.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independent of transport.
type Kind string

const (
	InvalidInput         Kind = "InvalidInput"
	NotFound             Kind = "NotFound"
	StateConflict        Kind = "StateConflict"
	VerificationFailed   Kind = "VerificationFailed"
	Immutable            Kind = "Immutable"
	IntegrityError       Kind = "IntegrityError"
	DependencyUnavailable Kind = "DependencyUnavailable"
	RateLimited          Kind = "RateLimited"
	Cancelled            Kind = "Cancelled"
	Internal             Kind = "Internal"
	AlreadyExists        Kind = "AlreadyExists"
)

// statusByKind maps each Kind to the HTTP status spec.md §6.1/§7 assigns it.
var statusByKind = map[Kind]int{
	InvalidInput:          http.StatusBadRequest,
	NotFound:              http.StatusNotFound,
	StateConflict:         http.StatusConflict,
	VerificationFailed:    http.StatusUnprocessableEntity,
	Immutable:             http.StatusConflict,
	IntegrityError:        http.StatusInternalServerError,
	DependencyUnavailable: http.StatusServiceUnavailable,
	RateLimited:           http.StatusTooManyRequests,
	Cancelled:             http.StatusOK,
	Internal:              http.StatusInternalServerError,
	AlreadyExists:         http.StatusConflict,
}

// Error is the concrete error type every owner returns for expected
// failure modes. Unexpected failures should be wrapped with Wrap(Internal, ...).
type Error struct {
	Kind    Kind
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail to an existing error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Wrap classifies an arbitrary error as the given kind, preserving its
// message. If err is already an *Error, its Kind is left untouched.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus returns the status code for a Kind, defaulting to 500.
func HTTPStatus(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Response is the wire shape spec.md §6.1 mandates for every error body.
type Response struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

// ToResponse converts any error into the wire Response and matching status.
func ToResponse(err error) (Response, int) {
	var e *Error
	if errors.As(err, &e) {
		return Response{Error: e.Message, Kind: string(e.Kind), Details: e.Details}, HTTPStatus(e.Kind)
	}
	return Response{Error: err.Error(), Kind: string(Internal)}, http.StatusInternalServerError
}
