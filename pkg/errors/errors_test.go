package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeCircuitOpen, "open").Retryable {
			t.Error("CircuitOpen should be retryable by default")
		}
		if !NewError(ErrCodeNoAvailableNodes, "none").Retryable {
			t.Error("NoAvailableNodes should be retryable by default")
		}
		if NewError(ErrCodeInvalidConfig, "bad").Retryable {
			t.Error("InvalidConfig should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeNoAvailableNodes, CategoryRouting},
		{ErrCodeCircuitOpen, CategoryRouting},
		{ErrCodePoolClosed, CategoryResource},
		{ErrCodeComponentStopped, CategoryState},
		{ErrCodeResultTimeout, CategoryOperation},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeCircuitOpen, "node-1 tripped").WithNode("node-1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("errors.Is should match sentinel with the same code")
	}
	if errors.Is(err, ErrNoAvailableNodes) {
		t.Error("errors.Is should not match sentinel with a different code")
	}

	wrapped := fmt.Errorf("attempt failed: %w", err)
	if !errors.Is(wrapped, ErrCircuitOpen) {
		t.Error("errors.Is should see through fmt wrapping")
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := Wrap(cause, ErrCodeExecutionFailed, "query failed")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Error() = %q, should include cause", err.Error())
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeNoAvailableNodes, "none healthy").
		WithComponent("balancer").
		WithOperation("select").
		WithRequest("req-1").
		WithDetail("healthy", 0)

	if got := err.Error(); got != "[balancer:select] NO_AVAILABLE_NODES: none healthy" {
		t.Errorf("Error() = %q", got)
	}

	s := err.String()
	for _, want := range []string{"Code=NO_AVAILABLE_NODES", "RequestID=req-1", "Retryable=true", `"healthy":0`} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestErrorJSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeResultTimeout, "deadline").WithRequest("req-7")

	var decoded map[string]any
	if jerr := json.Unmarshal([]byte(err.JSON()), &decoded); jerr != nil {
		t.Fatalf("JSON() produced invalid json: %v", jerr)
	}
	if decoded["code"] != string(ErrCodeResultTimeout) {
		t.Errorf("code = %v, want %v", decoded["code"], ErrCodeResultTimeout)
	}
	if decoded["request_id"] != "req-7" {
		t.Errorf("request_id = %v, want req-7", decoded["request_id"])
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	if CodeOf(nil) != "" {
		t.Error("CodeOf(nil) should be empty")
	}
	if CodeOf(errors.New("boom")) != ErrCodeOperationFailed {
		t.Error("foreign errors should map to OPERATION_FAILED")
	}
	if CodeOf(fmt.Errorf("x: %w", NewError(ErrCodePoolClosed, "closed"))) != ErrCodePoolClosed {
		t.Error("CodeOf should find wrapped *Error")
	}
	if !IsRetryable(NewError(ErrCodeExecutionFailed, "x")) {
		t.Error("EXECUTION_FAILED should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors carry no retryable flag")
	}
}
