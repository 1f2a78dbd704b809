package kueri

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClientError(t *testing.T) {
	err := &ClientError{
		Type:    ErrorTypeNetwork,
		Message: "connection timeout",
	}

	expectedMsg := "NetworkError: connection timeout"
	if err.Error() != expectedMsg {
		t.Errorf("Expected '%s', got '%s'", expectedMsg, err.Error())
	}

	cause := errors.New("underlying error")
	errWithCause := &ClientError{
		Type:       ErrorTypeHTTP,
		Message:    "Internal Server Error",
		StatusCode: 500,
		Cause:      cause,
	}

	expectedMsgWithCause := "HttpError: Internal Server Error (status 500) (underlying error)"
	if errWithCause.Error() != expectedMsgWithCause {
		t.Errorf("Expected '%s', got '%s'", expectedMsgWithCause, errWithCause.Error())
	}
}

func TestClientErrorWithRequestIDAndAttempts(t *testing.T) {
	err := &ClientError{
		Type:       ErrorTypeTimeout,
		Message:    "request timed out",
		RequestID:  "req-1",
		Attempt:    3,
		MaxRetries: 3,
	}

	got := err.Error()
	want := "[req-1] TimeoutError: request timed out (attempt 3/3)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("original error")
	err := &ClientError{Type: ErrorTypeNetwork, Message: "test message", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Expected unwrapped error to be %v, got %v", cause, unwrapped)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	var nilErr *ClientError
	if nilErr.Unwrap() != nil {
		t.Error("nil ClientError should unwrap to nil")
	}
	if nilErr.Error() != "<nil>" {
		t.Errorf("nil ClientError Error() = %q", nilErr.Error())
	}
}

func TestClientErrorIsMatchesType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(ErrorTypeTimeout, "slow", nil))

	if !errors.Is(err, &ClientError{Type: ErrorTypeTimeout}) {
		t.Error("expected errors.Is to match on type")
	}
	if errors.Is(err, &ClientError{Type: ErrorTypeNetwork}) {
		t.Error("errors.Is should not match a different type")
	}
}

func TestErrorHelpers(t *testing.T) {
	httpErr := newError(ErrorTypeHTTP, "Not Found", nil)
	httpErr.StatusCode = 404

	tests := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"timeout", newError(ErrorTypeTimeout, "t", nil), IsTimeout, true},
		{"cancelled", newError(ErrorTypeCancelled, "c", nil), IsCancelled, true},
		{"http", httpErr, IsHTTPError, true},
		{"network", newError(ErrorTypeNetwork, "n", nil), IsNetworkError, true},
		{"validation", newError(ErrorTypeValidation, "v", nil), IsValidationError, true},
		{"plain error is not timeout", errors.New("x"), IsTimeout, false},
		{"nil is not http", nil, IsHTTPError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if StatusCode(httpErr) != 404 {
		t.Errorf("StatusCode() = %d, want 404", StatusCode(httpErr))
	}
	if StatusCode(errors.New("x")) != 0 {
		t.Error("StatusCode of a plain error should be 0")
	}
}

func TestIsTransient(t *testing.T) {
	status := func(code int) error {
		e := newError(ErrorTypeHTTP, "status", nil)
		e.StatusCode = code
		return e
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", newError(ErrorTypeNetwork, "n", nil), true},
		{"timeout", newError(ErrorTypeTimeout, "t", nil), true},
		{"rate limit", newError(ErrorTypeRateLimit, "r", nil), true},
		{"circuit open", newError(ErrorTypeCircuitOpen, "o", nil), true},
		{"500", status(500), true},
		{"503", status(503), true},
		{"429", status(429), true},
		{"404", status(404), false},
		{"400", status(400), false},
		{"validation", newError(ErrorTypeValidation, "v", nil), false},
		{"cancelled", newError(ErrorTypeCancelled, "c", context.Canceled), false},
		{"context canceled", context.Canceled, false},
		{"config", newError(ErrorTypeConfig, "c", nil), false},
		{"plain", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDebugInfo(t *testing.T) {
	err := &ClientError{
		Type:       ErrorTypeHTTP,
		Message:    "Bad Gateway",
		RequestID:  "abc",
		Key:        `["user",1]`,
		Method:     "GET",
		URL:        "http://example.com/users/1",
		StatusCode: 502,
		Body:       []byte("upstream down"),
		Cause:      errors.New("boom"),
	}

	info := err.DebugInfo()
	for _, want := range []string{
		"Error Type: HttpError",
		"Request ID: abc",
		`Cache Key: ["user",1]`,
		"Method: GET",
		"Status Code: 502",
		"Body: upstream down",
		"Cause: boom",
	} {
		if !strings.Contains(info, want) {
			t.Errorf("DebugInfo() missing %q in:\n%s", want, info)
		}
	}

	var nilErr *ClientError
	if nilErr.DebugInfo() != "Error: <nil>" {
		t.Errorf("nil DebugInfo() = %q", nilErr.DebugInfo())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("truncate long = %q", got)
	}
}
