package kdbpush

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeCompilation ErrorType = "compilation"
	ErrorTypeStore       ErrorType = "store"
	ErrorTypeUnsupported ErrorType = "unsupported"
	ErrorTypeInsert      ErrorType = "insert"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeInternal    ErrorType = "internal"
)

// Error codes
const (
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeCompilationFailed  = "COMPILATION_FAILED"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeStoreEvaluation    = "STORE_EVALUATION_ERROR"
	ErrCodeStoreCircuitOpen   = "STORE_CIRCUIT_OPEN"
	ErrCodeUnsupportedInsert  = "UNSUPPORTED_INSERT_TARGET"
	ErrCodeTypeMismatch       = "TYPE_MISMATCH"
	ErrCodeTableNotFound      = "TABLE_NOT_FOUND"
	ErrCodeColumnNotFound     = "COLUMN_NOT_FOUND"
	ErrCodeNamespaceNotFound  = "NAMESPACE_NOT_FOUND"
	ErrCodeStatisticsFailed   = "STATISTICS_FAILED"
	ErrCodePartitionDiscovery = "PARTITION_DISCOVERY_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// KdbError is the typed error returned by the connector.
type KdbError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Query   string         `json:"query,omitempty"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *KdbError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, e.Message)
	}
	if e.Query != "" {
		msg += " (query: " + e.Query + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *KdbError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a single detail
func (e *KdbError) WithDetail(key string, value any) *KdbError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause
func (e *KdbError) WithCause(cause error) *KdbError {
	e.Cause = cause
	return e
}

// WithQuery attaches the native query text that failed
func (e *KdbError) WithQuery(query string) *KdbError {
	e.Query = query
	return e
}

// NewKdbError creates a new KdbError
func NewKdbError(errorType ErrorType, code, message string) *KdbError {
	return &KdbError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error for a field or option
func NewValidationError(field, message string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeValidationFailed,
		Message: message,
		Field:   field,
	}
}

// NewCompilationError reports a shape the compiler cannot render.
func NewCompilationError(format string, args ...any) *KdbError {
	return &KdbError{
		Type:    ErrorTypeCompilation,
		Code:    ErrCodeCompilationFailed,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewStoreUnavailableError wraps a connectivity failure.
func NewStoreUnavailableError(query string, cause error) *KdbError {
	return &KdbError{
		Type:    ErrorTypeStore,
		Code:    ErrCodeStoreUnavailable,
		Message: "store unavailable",
		Query:   query,
		Cause:   cause,
	}
}

// NewStoreEvaluationError reports an error raised by the store while evaluating query.
func NewStoreEvaluationError(query, message string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeStore,
		Code:    ErrCodeStoreEvaluation,
		Message: "store error: " + message,
		Query:   query,
	}
}

func NewCircuitOpenError(query string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeStore,
		Code:    ErrCodeStoreCircuitOpen,
		Message: "store circuit breaker is open",
		Query:   query,
	}
}

// NewUnsupportedInsertError rejects inserts into partitioned tables.
func NewUnsupportedInsertError(table string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeInsert,
		Code:    ErrCodeUnsupportedInsert,
		Message: fmt.Sprintf("kdb+ connector does not support insert into partitioned table %s", table),
		Details: map[string]any{"table": table},
	}
}

func NewTypeMismatchError(column string, value any, want ColumnType) *KdbError {
	return &KdbError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeTypeMismatch,
		Message: fmt.Sprintf("cannot convert %T to %s", value, want),
		Field:   column,
	}
}

// NewTableNotFoundError creates a not-found error for a namespace table.
func NewTableNotFoundError(namespace, table string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeTableNotFound,
		Message: fmt.Sprintf("table %s.%s not found", namespace, table),
	}
}

func NewNamespaceNotFoundError(namespace string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNamespaceNotFound,
		Message: fmt.Sprintf("namespace %s not found", namespace),
	}
}

func NewColumnNotFoundError(table, column string) *KdbError {
	return &KdbError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeColumnNotFound,
		Message: fmt.Sprintf("column %s not found in %s", column, table),
		Field:   column,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *KdbError {
	return &KdbError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

func hasType(err error, t ErrorType) bool {
	var ke *KdbError
	return errors.As(err, &ke) && ke.Type == t
}

// IsStoreError reports whether err came from talking to the store.
func IsStoreError(err error) bool { return hasType(err, ErrorTypeStore) }

// IsCompilationError reports whether err is a compilation failure.
func IsCompilationError(err error) bool { return hasType(err, ErrorTypeCompilation) }

func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// ErrorQuery returns the native query attached to err, if any.
func ErrorQuery(err error) string {
	var ke *KdbError
	if errors.As(err, &ke) {
		return ke.Query
	}
	return ""
}
