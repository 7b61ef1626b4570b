package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a failure for retry and reporting decisions.
type Category string

const (
	CategoryAIService          Category = "AI_SERVICE"
	CategoryNetwork            Category = "NETWORK"
	CategoryDatabase           Category = "DATABASE"
	CategoryRateLimit          Category = "RATE_LIMIT"
	CategoryTimeout            Category = "TIMEOUT"
	CategoryValidation         Category = "VALIDATION"
	CategoryAuthentication     Category = "AUTHENTICATION"
	CategoryQualityFailure     Category = "QUALITY_FAILURE"
	CategoryUsageLimitExceeded Category = "USAGE_LIMIT_EXCEEDED"
	CategoryCircuitOpen        Category = "CIRCUIT_OPEN"
	CategoryUnknown            Category = "UNKNOWN"
)

// Fatal reports whether failures of this category must never be retried.
func (c Category) Fatal() bool {
	switch c {
	case CategoryValidation, CategoryAuthentication, CategoryUsageLimitExceeded, CategoryCircuitOpen:
		return true
	}
	return false
}

// Error is the normalized failure shape every boundary converts into.
type Error struct {
	Category   Category
	Retryable  bool
	Code       string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Cause      error
}

// NewError creates a tagged error. Retryable follows the category unless overridden.
func NewError(category Category, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Retryable: !category.Fatal(),
		Message:   message,
		Cause:     cause,
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Category, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Category, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithCode sets the provider or driver specific code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithStatus sets the HTTP-like status code.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// AsError extracts a tagged error from the chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// UserMessage returns an actionable message for end users.
func UserMessage(err error, queued bool) string {
	de, ok := AsError(err)
	if !ok {
		if queued {
			return "The service is temporarily unavailable. Your request was queued for retry."
		}
		return "An unexpected error occurred. Please try again."
	}

	switch de.Category {
	case CategoryUsageLimitExceeded:
		return de.Message
	case CategoryValidation:
		return "Invalid input: " + de.Message
	case CategoryAuthentication:
		return "Authentication failed. Please log in again."
	case CategoryRateLimit:
		if de.RetryAfter > 0 {
			return fmt.Sprintf("Too many requests. Please wait %d seconds before trying again.", int(de.RetryAfter.Seconds()))
		}
		return "Too many requests. Please wait a moment before trying again."
	case CategoryCircuitOpen:
		return "The AI service is recovering from an outage. Please try again shortly."
	}

	if queued {
		return "The service is temporarily unavailable. Your request was queued for retry."
	}
	switch de.Category {
	case CategoryDatabase:
		return "We encountered a database issue. Please try again."
	case CategoryNetwork, CategoryTimeout:
		return "Network connection issue. Please try again."
	case CategoryQualityFailure:
		return "The generated content did not meet quality checks. Please try again."
	}
	return "The AI service is temporarily unavailable. Please try again in a moment."
}
