package quill

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass classifies a single failed attempt.
type ErrorClass string

// Error classes derived per failed attempt.
const (
	ClassRateLimited       ErrorClass = "rate_limited"
	ClassServerError       ErrorClass = "server_error"
	ClassNetworkError      ErrorClass = "network_error"
	ClassEmptyResponse     ErrorClass = "empty_response"
	ClassMalformedResponse ErrorClass = "malformed_response"
	ClassUserCancelled     ErrorClass = "user_cancelled"
	ClassTimeout           ErrorClass = "timeout"
)

// Retryable reports whether the executor may retry after this class of failure.
// Only user cancellation short-circuits the retry loop.
func (c ErrorClass) Retryable() bool {
	return c != ClassUserCancelled
}

// Category maps the class onto the caller-facing error taxonomy.
func (c ErrorClass) Category() string {
	switch c {
	case ClassRateLimited:
		return "Transient-RateLimit"
	case ClassServerError:
		return "Transient-ServerError"
	case ClassNetworkError, ClassTimeout:
		return "Transient-Network"
	case ClassEmptyResponse, ClassMalformedResponse:
		return "Transient-EmptyOrMalformed"
	case ClassUserCancelled:
		return "Fatal-Cancelled"
	default:
		return "Unknown"
	}
}

var (
	// ErrCancelled is returned when the caller's context ends a request.
	// It bypasses retries everywhere.
	ErrCancelled = errors.New("request cancelled by caller")

	// ErrCredentialsExhausted is matched by the aggregate error the executor returns
	// after spending its whole attempt budget.
	ErrCredentialsExhausted = errors.New("all credentials exhausted")

	// ErrNoUsableOutput is matched by errors raised when a stage produced no content.
	ErrNoUsableOutput = errors.New("no usable output")

	// ErrNoCredentials is returned when a pool holds no credentials.
	ErrNoCredentials = errors.New("credential pool is empty")

	// ErrEmptyResponse marks a well-formed reply without primary text.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// ProviderError is a classified failure reported by a provider for one attempt.
type ProviderError struct {
	Class      ErrorClass
	StatusCode int           // HTTP status, 0 when not applicable
	RetryAfter time.Duration // Server-suggested retry interval, 0 when absent
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a classified provider error.
func NewProviderError(class ErrorClass, status int, message string) *ProviderError {
	return &ProviderError{Class: class, StatusCode: status, Message: message}
}

// ClassForStatus maps an HTTP status code to an error class.
// 429 is a rate limit; every other non-2xx status is treated as a server-side
// failure, which rotates to the next credential on retry.
func ClassForStatus(status int) ErrorClass {
	if status == 429 {
		return ClassRateLimited
	}
	return ClassServerError
}

// ExhaustedError is returned once the executor's attempt budget is spent.
type ExhaustedError struct {
	Attempts  int
	LastClass ErrorClass
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: last error: %v", ErrCredentialsExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is reports ErrCredentialsExhausted so callers can match the aggregate failure.
func (*ExhaustedError) Is(target error) bool {
	return target == ErrCredentialsExhausted
}

// NoOutputError reports a stage that finished without usable content.
type NoOutputError struct {
	Stage  string // Which section or negotiation step failed
	Detail string
}

func (e *NoOutputError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Stage, ErrNoUsableOutput)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, ErrNoUsableOutput, e.Detail)
}

// Is reports ErrNoUsableOutput.
func (*NoOutputError) Is(target error) bool {
	return target == ErrNoUsableOutput
}

// IsCancelled reports whether err stems from a caller-initiated stop.
// Callers use it to suppress user-facing error displays.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Classify derives the error class of a failed attempt.
// The parent context is consulted first: if the caller cancelled, nothing else matters.
func Classify(parent context.Context, err error) ErrorClass {
	if parent != nil && parent.Err() != nil {
		return ClassUserCancelled
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Class
	}
	switch {
	case errors.Is(err, ErrEmptyResponse):
		return ClassEmptyResponse
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		// Canceled without the parent being done means an inner timeout aborted the call.
		return ClassTimeout
	}
	return ClassNetworkError
}

// retryAfter extracts a server-suggested retry interval from err, if any.
func retryAfter(err error) time.Duration {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

// cancelled wraps the context cause into ErrCancelled.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
}
