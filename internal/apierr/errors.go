// Package apierr defines the gateway's error taxonomy and how each kind maps
// onto an HTTP status.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuth                  Kind = "auth"
	KindQuota                 Kind = "quota"
	KindRouteNotFound         Kind = "route_not_found"
	KindMethodMismatch        Kind = "method_mismatch"
	KindPathParameterMismatch Kind = "path_parameter_mismatch"
	KindSandbox               Kind = "sandbox"
	KindDecryption            Kind = "decryption"
)

// Error is a gateway-side failure. Message is safe to return to callers.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrMissingAPIKey = &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "API200 Error: API key is required"}
	ErrInvalidAPIKey = &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "API200 Error: Invalid API key"}
)

func Quota(current, limit int64) *Error {
	return &Error{
		Kind:    KindQuota,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("API200 Error: Monthly API call limit exceeded (%d/%d)", current, limit),
	}
}

func RouteNotFound(details string) *Error {
	return &Error{
		Kind:    KindRouteNotFound,
		Status:  http.StatusNotFound,
		Message: "API200 Error: Endpoint not found",
		Details: details,
	}
}

func MethodMismatch(method string, allowed []string) *Error {
	return &Error{
		Kind:    KindMethodMismatch,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("API200 Error: Method %s is not allowed for this endpoint", method),
		Details: fmt.Sprintf("allowed methods: %v", allowed),
	}
}

func PathParameterMismatch(path, pattern string) *Error {
	return &Error{
		Kind:    KindPathParameterMismatch,
		Status:  http.StatusNotFound,
		Message: "API200 Error: Path parameters do not match the endpoint definition",
		Details: fmt.Sprintf("path %q does not satisfy pattern %q", path, pattern),
	}
}

func Sandbox(err error) *Error {
	return &Error{
		Kind:    KindSandbox,
		Status:  http.StatusInternalServerError,
		Message: "transformation execution failed",
		Err:     err,
	}
}

func Decryption(err error) *Error {
	return &Error{
		Kind:    KindDecryption,
		Status:  http.StatusInternalServerError,
		Message: "failed to decrypt service credentials",
		Err:     err,
	}
}

// As extracts a gateway Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// UpstreamError is a transport failure (Status 0) or a non-2xx response from
// the third-party API.
type UpstreamError struct {
	Status  int
	Body    []byte
	Headers http.Header
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request failed: %s", e.Message)
	}
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Status, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus is the status surfaced to the caller for a global error: the
// upstream's own status when it is a valid error status, else 500.
func (e *UpstreamError) HTTPStatus() int {
	if e.Status >= 400 && e.Status <= 599 {
		return e.Status
	}
	return http.StatusInternalServerError
}
