package errors

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeNetwork,
				Operation: "connect",
				Message:   "dial failed",
				Cause:     errors.New("connection refused"),
			},
			expected: "network operation 'connect' failed: dial failed (caused by: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeProtocol,
				Operation: "subscribe",
				Message:   "invalid extranonce2 size",
			},
			expected: "protocol operation 'subscribe' failed: invalid extranonce2 size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrorTypeDevice, "run_batch", "bridge failed")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(%v, cause) = false", err)
	}

	if New(ErrorTypeDevice, "init", "no device").Unwrap() != nil {
		t.Error("Unwrap() on an error without cause should be nil")
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeStorage, "set_status", "write failed").
		WithContext("key", "miner:status").
		WithContext("attempt", 2)

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["key"] != "miner:status" || err.Context["attempt"] != 2 {
		t.Errorf("unexpected context %v", err.Context)
	}
}

func TestNewRetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeMessaging, true},
		{ErrorTypeStorage, true},
		{ErrorTypeProtocol, false},
		{ErrorTypeValidation, false},
		{ErrorTypeDevice, false},
		{ErrorTypeConfig, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("Expected nil when wrapping nil error")
	}

	err := Wrap(errors.New("bad hex"), ErrorTypeNetwork, "send", "write failed")
	if !err.Retryable {
		t.Error("network wrap should be retryable")
	}

	inner := New(ErrorTypeProtocol, "notify", "bad prevhash")
	outer := Wrap(inner, ErrorTypeNetwork, "dispatch", "handler failed")
	if outer.Cause != inner {
		t.Error("Expected wrapped ServiceError as cause")
	}
	if outer.Retryable {
		t.Error("wrapping keeps the retryable flag of the inner ServiceError")
	}
}

func TestIsType(t *testing.T) {
	err := Wrap(New(ErrorTypeTimeout, "recv", "no line"), ErrorTypeNetwork, "loop", "interrupted")

	if !IsType(err, ErrorTypeNetwork) {
		t.Error("Expected IsType to match the outer type")
	}
	if IsType(errors.New("plain"), ErrorTypeNetwork) {
		t.Error("Expected IsType to return false for a plain error")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"eof", io.EOF, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"timeout error", errors.New("i/o timeout"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := Newf(ErrorTypeConfig, "validate", "work size %d", 1000).WithContext("field", "work_size")

	if GetContext(err)["field"] != "work_size" {
		t.Errorf("unexpected context %v", GetContext(err))
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("Expected nil context for a plain error")
	}
}
