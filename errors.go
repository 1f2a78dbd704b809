package kueri

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeNetwork     = "NetworkError"
	ErrorTypeTimeout     = "TimeoutError"
	ErrorTypeHTTP        = "HttpError"
	ErrorTypeValidation  = "ValidationError"
	ErrorTypeCancelled   = "CancelledError"
	ErrorTypeConfig      = "ConfigError"
	ErrorTypeInterceptor = "InterceptorError"
	ErrorTypeRateLimit   = "RateLimitError"
	ErrorTypeCircuitOpen = "CircuitOpenError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrClientClosed is returned by every operation on a closed Client.
	ErrClientClosed = errors.New("kueri: client closed")

	// ErrInvalidKey is returned when a CacheKey is empty or has non-primitive segments.
	ErrInvalidKey = errors.New("kueri: invalid cache key")

	// ErrNilQueryFunc is returned when a query or mutation has no function to run.
	ErrNilQueryFunc = errors.New("kueri: nil query function")
)

// ClientError describes a failed request or query with enough context to
// debug it from logs alone.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	Key        string
	StatusCode int
	Body       []byte
	Attempt    int
	MaxRetries int
	RetryAfter time.Duration
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Error Type: %s\n", e.Type)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", e.RequestID)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, "Cache Key: %s\n", e.Key)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, "Method: %s\n", e.Method)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.StatusCode)
	}
	if len(e.Body) > 0 {
		fmt.Fprintf(&b, "Body: %s\n", truncate(string(e.Body), 512))
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, "Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func newError(errorType, message string, cause error) *ClientError {
	return &ClientError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// errorType returns the ClientError type of err, or "" when err is not one.
func errorType(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return ""
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	return errorType(err) == ErrorTypeTimeout
}

// IsCancelled reports whether err is a CancelledError.
func IsCancelled(err error) bool {
	return errorType(err) == ErrorTypeCancelled
}

// IsHTTPError reports whether err is an HttpError (non-2xx response).
func IsHTTPError(err error) bool {
	return errorType(err) == ErrorTypeHTTP
}

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool {
	return errorType(err) == ErrorTypeNetwork
}

// IsValidationError reports whether err is a response validation failure.
func IsValidationError(err error) bool {
	return errorType(err) == ErrorTypeValidation
}

// IsCircuitOpen reports whether err was returned without sending the request
// because the endpoint's circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errorType(err) == ErrorTypeCircuitOpen
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, rate limiting, open circuits and
// 5xx/429 responses.
// Returns false for other 4xx responses, validation, cancellation and configuration errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		// Errors from user supplied query functions are retried like network failures.
		return true
	}

	switch clientErr.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
		return true
	case ErrorTypeHTTP:
		return clientErr.StatusCode == 429 || clientErr.StatusCode >= 500
	default:
		return false
	}
}
