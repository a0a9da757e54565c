package apperr

import "net/http"

// Code is a machine-readable error category.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInternal           Code = "INTERNAL"
)

// HTTPStatus maps the code onto the status used by the HTTP API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
