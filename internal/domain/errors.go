package domain

import (
	"errors"
	"net/http"
)

// Error is the typed error carried across pipeline stages. Code is the stable,
// machine-readable identifier rendered to clients; Status is the HTTP status
// it maps to at the pipeline boundary.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so wrapped copies of a sentinel
// still satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of sentinel carrying cause.
func Wrap(sentinel *Error, cause error) *Error {
	cp := *sentinel
	cp.Err = cause
	return &cp
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func newError(status int, code, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

// Tenant resolution errors.
var (
	ErrInvalidTenantDomain       = newError(http.StatusNotFound, "INVALID_TENANT_DOMAIN", "unknown tenant domain")
	ErrTenantNotFound            = newError(http.StatusNotFound, "TENANT_NOT_FOUND", "tenant not found")
	ErrTenantInactive            = newError(http.StatusForbidden, "TENANT_INACTIVE", "tenant is not active")
	ErrTenantRegistryUnavailable = newError(http.StatusServiceUnavailable, "TENANT_REGISTRY_UNAVAILABLE", "tenant registry unavailable")
	ErrDBConnectionFailed        = newError(http.StatusServiceUnavailable, "DB_CONNECTION_FAILED", "tenant database unavailable")
)

// Authentication errors.
var (
	ErrMissingToken            = newError(http.StatusUnauthorized, "MISSING_TOKEN", "authentication token not provided")
	ErrInvalidToken            = newError(http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
	ErrUserNotFound            = newError(http.StatusUnauthorized, "USER_NOT_FOUND", "user does not exist or is disabled")
	ErrUpstreamAuthUnavailable = newError(http.StatusServiceUnavailable, "UPSTREAM_AUTH_UNAVAILABLE", "identity service unavailable")
	ErrInvalidCredentials      = newError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
	ErrMissingCredentials      = newError(http.StatusBadRequest, "MISSING_CREDENTIALS", "username and password are required")
)

// Authorization and data scope errors.
var (
	ErrForbidden              = newError(http.StatusForbidden, "FORBIDDEN", "permission denied")
	ErrInsufficientRole       = newError(http.StatusForbidden, "INSUFFICIENT_ROLE", "role not allowed")
	ErrNoKindergartenAssigned = newError(http.StatusForbidden, "NO_KINDERGARTEN_ASSIGNED", "no kindergarten assigned")
	ErrNoDataAccess           = newError(http.StatusForbidden, "NO_DATA_ACCESS", "no data access")
)

// Generic errors.
var (
	ErrBadRequest      = newError(http.StatusBadRequest, "BAD_REQUEST", "bad request")
	ErrNotFound        = newError(http.StatusNotFound, "NOT_FOUND", "not found")
	ErrPayloadTooLarge = newError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
	ErrMediaType       = newError(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "request body must be JSON")
	ErrBackend         = newError(http.StatusBadGateway, "BACKEND_UNAVAILABLE", "backend service unavailable")
	ErrInternal        = newError(http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
)

// ErrorResponse is the standard JSON error envelope returned to clients.
type ErrorResponse struct {
	Success bool           `json:"success"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
