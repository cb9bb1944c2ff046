package errors

import (
	"fmt"
	"net/http"
)

// Engine taxonomy codes. Every execute outcome is either an event or one of these.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeAggregate      = "AGGREGATE_ERROR"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeTransaction    = "TRANSACTION_ERROR"
)

// Lookup and persistence codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeUnknownAggregate = "UNKNOWN_AGGREGATE_TYPE"
)

// Validation creates a validation_error{field, message, value}.
func Validation(field, message string, value interface{}) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Params: map[string]interface{}{
			"field": field,
			"value": value,
		},
		FieldErrors: []FieldError{{
			Field:   field,
			Code:    CodeValidation,
			Message: message,
			Value:   value,
		}},
	}
}

// Aggregate creates an aggregate_error{message, context}.
func Aggregate(message string, context map[string]interface{}) *AppError {
	return &AppError{
		Code:       CodeAggregate,
		Message:    message,
		HTTPStatus: http.StatusConflict,
		Params:     context,
	}
}

// Unauthorizedf creates an unauthorized error.
func Unauthorizedf(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusForbidden,
		Err:        ErrUnauthorized,
	}
}

// NotImplemented creates a not_implemented error for a command.
func NotImplemented(command string) *AppError {
	return &AppError{
		Code:       CodeNotImplemented,
		Message:    "no event is defined for command " + command,
		HTTPStatus: http.StatusNotImplemented,
		Params:     map[string]interface{}{"command": command},
	}
}

// Transaction creates a transaction_error{cause}.
func Transaction(cause error) *AppError {
	msg := "transaction failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &AppError{
		Code:       CodeTransaction,
		Message:    msg,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        cause,
	}
}

// ErrSnapshotNotFound creates a snapshot lookup miss.
func ErrSnapshotNotFound(sourceType, sourceID string) *AppError {
	return &AppError{
		Code:       CodeSnapshotNotFound,
		Message:    "snapshot not found",
		HTTPStatus: http.StatusNotFound,
		Params:     map[string]interface{}{"source_type": sourceType, "source_id": sourceID},
		Err:        ErrNotFound,
	}
}

// ErrVersionConflict reports an optimistic concurrency failure on append.
func ErrVersionConflict(aggregateID string, expected, actual int64) *AppError {
	return &AppError{
		Code:       CodeVersionConflict,
		Message:    "aggregate version conflict",
		HTTPStatus: http.StatusConflict,
		Params: map[string]interface{}{
			"aggregate_id": aggregateID,
			"expected":     expected,
			"actual":       actual,
		},
		Err: ErrConflict,
	}
}

// ErrUnknownAggregate reports a dispatch to an unregistered aggregate type.
func ErrUnknownAggregate(aggregateType string) *AppError {
	return NotFound(CodeUnknownAggregate, "unknown aggregate type: "+aggregateType)
}
