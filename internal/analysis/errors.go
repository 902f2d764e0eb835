package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass partitions adapter failures into the retry classes the
// orchestrator acts on. Classification is carried on the error value, never
// derived from message text.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
	ErrorClassBudget    ErrorClass = "budget"
)

// ProviderError wraps a failed provider call with its retry class.
type ProviderError struct {
	Service string
	Class   ErrorClass
	Status  int
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient builds a retryable provider error.
func Transient(service string, err error) *ProviderError {
	return &ProviderError{Service: service, Class: ErrorClassTransient, Err: err}
}

// Permanent builds a non-retryable provider error.
func Permanent(service string, err error) *ProviderError {
	return &ProviderError{Service: service, Class: ErrorClassPermanent, Err: err}
}

// ClassOf extracts the retry class from an error chain. Unclassified errors
// default to transient so unknown failures stay retryable.
func ClassOf(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassTransient
}

// classForStatus maps an HTTP status to a retry class. Throttling and server
// errors are transient; everything else in the 4xx range is a caller mistake.
func classForStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassTransient
	case status >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}
