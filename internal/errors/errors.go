// Package errors provides structured error types for the schema engine.
// All errors include a category, code, message, and retryable flag so the
// edit path, the migration worker and callers can react uniformly.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryConflict   ErrorCategory = "CONFLICT"
	ErrCategoryMigration  ErrorCategory = "MIGRATION"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidSchema         = "INVALID_SCHEMA"
	CodeTooManyFields         = "TOO_MANY_FIELDS"
	CodeInvalidFieldName      = "INVALID_FIELD_NAME"
	CodeReservedFieldName     = "RESERVED_FIELD_NAME"
	CodeDuplicateFieldName    = "DUPLICATE_FIELD_NAME"
	CodeInvalidFieldType      = "INVALID_FIELD_TYPE"
	CodeInvalidFieldKeys      = "INVALID_FIELD_KEYS"
	CodeTooManyIndexes        = "TOO_MANY_INDEXES"
	CodeTooManyIndexesForType = "TOO_MANY_INDEXES_FOR_TYPE"
	CodeUniqueOnExistingField = "UNIQUE_ON_EXISTING_FIELD"
	CodeInvalidTarget         = "MISSING_OR_INVALID_TARGET"

	// Conflict codes
	CodeClassLocked    = "CLASS_LOCKED"
	CodeConcurrentEdit = "CONCURRENT_EDIT"
	CodeLockHeld       = "LOCK_HELD"

	// Migration codes
	CodeTransientDDL   = "TRANSIENT_DDL"
	CodeDDLFailed      = "DDL_FAILED"
	CodeMigrationFatal = "MIGRATION_FATAL"

	// Catalog codes
	CodeKlassNotFound  = "KLASS_NOT_FOUND"
	CodeKlassExists    = "KLASS_EXISTS"
	CodeTenantNotFound = "TENANT_NOT_FOUND"
	CodeStorageFailed  = "STORAGE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SchemaError is the structured error type used throughout the system.
type SchemaError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SchemaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SchemaError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SchemaError) Is(target error) bool {
	var t *SchemaError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SchemaError.
func New(category ErrorCategory, code, message string) *SchemaError {
	return &SchemaError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SchemaError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SchemaError {
	return &SchemaError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SchemaError) WithDetails(details map[string]interface{}) *SchemaError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SchemaError.
func GetCategory(err error) ErrorCategory {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SchemaError.
func GetCode(err error) string {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetDetails extracts the error details from an error chain.
func GetDetails(err error) map[string]interface{} {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Details
	}
	return nil
}

// isRetryable determines whether a caller may retry the failed operation as is.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryConflict:
		return true
	case category == ErrCategoryMigration && code == CodeTransientDDL:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SchemaError {
	return New(ErrCategoryValidation, code, message)
}

// NewFieldError annotates a validation error with the offending field's
// position and name.
func NewFieldError(code string, position int, name, message string) *SchemaError {
	return New(ErrCategoryValidation, code, fmt.Sprintf("field #%d (%s): %s", position, name, message)).
		WithDetails(map[string]interface{}{"position": position, "field": name})
}

func NewConflictError(code, message string) *SchemaError {
	return New(ErrCategoryConflict, code, message)
}

func NewMigrationError(code, message string, cause error) *SchemaError {
	return Wrap(ErrCategoryMigration, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *SchemaError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *SchemaError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
