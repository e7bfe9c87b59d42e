package publish

import (
	"errors"
	"fmt"
	"time"
)

// Category is the error taxonomy used across the publish core.
type Category string

const (
	CategoryNone                 Category = ""
	CategoryTransientNetwork     Category = "transient_network"
	CategoryTransientRateLimited Category = "transient_rate_limited"
	CategoryPermanentValidation  Category = "permanent_validation"
	CategoryPermanentAuthExpired Category = "permanent_auth_expired"
	CategoryQuotaExceeded        Category = "permanent_quota_exceeded"
	CategoryDuplicateConflict    Category = "permanent_duplicate_conflict"
	CategoryExhaustedRetries     Category = "exhausted_retries"
	CategoryCancelled            Category = "cancelled"
)

// Transient reports whether the category is retried locally.
func (c Category) Transient() bool {
	return c == CategoryTransientNetwork || c == CategoryTransientRateLimited
}

var (
	ErrQuotaExceeded = errors.New("platform daily quota exceeded")
	ErrTokenExpired  = errors.New("channel token expired")
	ErrNoConnection  = errors.New("channel not connected")
	ErrNoAdapter     = errors.New("no adapter registered for platform")
	ErrNotFound      = errors.New("not found")
)

// Error is the tagged error variant: an explicit category plus the original error for logs.
type Error struct {
	Category Category
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Category, e.Reason)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Category, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError tags err with a category and reason.
func NewError(cat Category, reason string, err error) *Error {
	return &Error{Category: cat, Reason: reason, Err: err}
}

// CategoryOf extracts the category of a tagged error, or CategoryNone.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryNone
}

// StatusError is returned by adapters for HTTP-like provider failures.
type StatusError struct {
	StatusCode int
	// RetryAfter is the provider's backoff hint (0 if none).
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCodeOf returns the provider status carried by err, or 0.
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
