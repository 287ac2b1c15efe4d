package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed generation call
type ErrorKind string

const (
	// KindRateLimited is an HTTP 429 from the provider
	KindRateLimited ErrorKind = "rate_limited"
	// KindServerError is an HTTP 5xx from the provider
	KindServerError ErrorKind = "server_error"
	// KindClientError is any other non-2xx status; it is never retried
	KindClientError ErrorKind = "client_error"
	// KindTransport covers network failures and timeouts
	KindTransport ErrorKind = "transport"
)

// GenerationError is returned by Client.Generate once a call has failed terminally
type GenerationError struct {
	Kind       ErrorKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("generation %s (status %d) after %d attempt(s): %v", e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("generation %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *GenerationError) Retryable() bool {
	return e.Kind != KindClientError
}

// IsRateLimitError reports whether err is a rate limited generation failure
func IsRateLimitError(err error) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr) && genErr.Kind == KindRateLimited
}

// ValidationError marks generated content that failed structural validation
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}
