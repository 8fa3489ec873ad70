// Package errors defines the sentinel and typed errors shared by patternscan
// packages, and re-exports the standard wrapping helpers.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrMissingColumn       = errors.New("missing column")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrTimeout             = errors.New("operation timed out")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrDataNotFound        = errors.New("data not found")
	ErrInputValidation     = errors.New("input validation failed")
	ErrRunNotFound         = errors.New("run not found")
	ErrUnsupportedPattern  = errors.New("unsupported pattern")
	ErrUnsupportedUniverse = errors.New("unsupported universe")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrUnsupportedInterval = errors.New("unsupported timeframe")
	ErrArtifactStore       = errors.New("artifact store unavailable")
	ErrRegistry            = errors.New("run registry unavailable")
	ErrCacheMiss           = errors.New("cache miss")
)

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RateLimitError is returned when a caller exceeds its window budget.
type RateLimitError struct {
	Operation  string
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited [%s] %s: retry after %s", e.Operation, e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(operation, key string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		Operation:  operation,
		Key:        key,
		RetryAfter: retryAfter,
	}
}

// RunError represents a fatal failure of a backtest run.
type RunError struct {
	RunID int64
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run error [%d] %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a new RunError.
func NewRunError(runID int64, stage string, err error) *RunError {
	return &RunError{
		RunID: runID,
		Stage: stage,
		Err:   err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Cause wraps both sentinel and the underlying cause with formatted context,
// so either can be matched with Is or As.
func Cause(sentinel, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", sentinel, fmt.Sprintf(format, args...), cause)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
