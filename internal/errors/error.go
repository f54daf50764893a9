package errors

import "fmt"

// Category represents the type of error.
type Category string

const (
	CategoryConfig Category = "config"
	CategoryStore  Category = "store"
	CategoryServer Category = "server"
	CategoryCLI    Category = "cli"
)

// RippleError is a structured error with a stable code, detail, and a fix
// suggestion for terminal display.
type RippleError struct {
	// Code is a unique error identifier (e.g. "E101").
	Code string

	// Category is the error type (config, store, server, cli).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// DocURL links to documentation about this error.
	DocURL string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *RippleError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *RippleError) Unwrap() error {
	return e.Wrapped
}

// WithDetail adds a detailed explanation to the error.
func (e *RippleError) WithDetail(d string) *RippleError {
	e.Detail = d
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *RippleError) WithSuggestion(s string) *RippleError {
	e.Suggestion = s
	return e
}

// Wrap wraps another error.
func (e *RippleError) Wrap(err error) *RippleError {
	e.Wrapped = err
	return e
}

// New creates a RippleError from a registered error code.
func New(code string) *RippleError {
	template, ok := registry[code]
	if !ok {
		return &RippleError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &RippleError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
		DocURL:   template.DocURL,
	}
}

// Newf creates a RippleError with a formatted message and no code.
func Newf(category Category, format string, args ...any) *RippleError {
	return &RippleError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error under a registered code. A RippleError
// passes through unchanged.
func FromError(err error, code string) *RippleError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RippleError); ok {
		return re
	}
	return New(code).Wrap(err)
}
