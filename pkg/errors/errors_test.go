package errors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := New(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("New returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Message != "configuration is invalid" {
			t.Errorf("Message = %q, want %q", err.Message, "configuration is invalid")
		}
		if err.Category != CategoryConfig {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfig)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		retryableErr := New(ErrCodeTransientRead, "short read")
		if !retryableErr.Retryable {
			t.Error("TransientRead should be retryable by default")
		}

		nonRetryableErr := New(ErrCodeInvalidConfig, "config invalid")
		if nonRetryableErr.Retryable {
			t.Error("InvalidConfig should not be retryable by default")
		}

		writeErr := New(ErrCodeTransientWrite, "write failed")
		if writeErr.Retryable {
			t.Error("TransientWrite should not be retryable by default (writes escalate to abort)")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfig},
		{ErrCodeRangeOverlap, CategoryConfig},
		{ErrCodeNotMarFS, CategoryNotFound},
		{ErrCodeNamespaceNotFound, CategoryNotFound},
		{ErrCodeTransientRead, CategoryTransient},
		{ErrCodeTimeout, CategoryTransient},
		{ErrCodeXattrParse, CategoryIntegrity},
		{ErrCodeVersionMismatch, CategoryIntegrity},
		{ErrCodeQuotaExceeded, CategoryQuota},
		{ErrCodePermissionDenied, CategoryPermission},
		{ErrCodeFatalRank, CategoryFatalRank},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			result := GetCategory(tt.code)
			if result != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, result, tt.expected)
			}
		})
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	t.Parallel()

	retryableCodes := []ErrorCode{ErrCodeTransientRead, ErrCodeTimeout}
	nonRetryableCodes := []ErrorCode{
		ErrCodeInvalidConfig,
		ErrCodeNamespaceNotFound,
		ErrCodePermissionDenied,
		ErrCodeTransientWrite,
	}

	for _, code := range retryableCodes {
		if !IsRetryableByDefault(code) {
			t.Errorf("%v should be retryable by default", code)
		}
	}
	for _, code := range nonRetryableCodes {
		if IsRetryableByDefault(code) {
			t.Errorf("%v should not be retryable by default", code)
		}
	}
}

func TestMarFSError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *MarFSError
		want string
	}{
		{
			name: "with component and operation",
			err: &MarFSError{
				Code:      ErrCodeRefNotFound,
				Component: "streamwalker",
				Operation: "read",
				Message:   "reference path does not exist",
			},
			want: "[streamwalker:read] REF_NOT_FOUND: reference path does not exist",
		},
		{
			name: "with component only",
			err: &MarFSError{
				Code:      ErrCodeInvalidConfig,
				Component: "config",
				Message:   "invalid value",
			},
			want: "[config] INVALID_CONFIG: invalid value",
		},
		{
			name: "minimal error",
			err: &MarFSError{
				Code:    ErrCodeInternal,
				Message: "something went wrong",
			},
			want: "INTERNAL_ERROR: something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarFSError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying cause")
	err := &MarFSError{Code: ErrCodeInternal, Message: "wrapper", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestMarFSError_Is(t *testing.T) {
	t.Parallel()

	err1 := &MarFSError{Code: ErrCodeRefNotFound, Message: "not found"}
	err2 := &MarFSError{Code: ErrCodeRefNotFound, Message: "different message"}
	err3 := &MarFSError{Code: ErrCodeInvalidConfig, Message: "invalid"}
	stdErr := errors.New("standard error")

	if !err1.Is(err2) {
		t.Error("errors with same code should match with Is()")
	}
	if err1.Is(err3) {
		t.Error("errors with different codes should not match with Is()")
	}
	if err1.Is(stdErr) {
		t.Error("MarFSError should not match standard error with Is()")
	}
}

func TestMarFSError_String(t *testing.T) {
	t.Parallel()

	err := &MarFSError{
		Code:      ErrCodeTimeout,
		Category:  CategoryTransient,
		Message:   "operation took too long",
		Component: "dal",
		Operation: "get",
		Retryable: true,
		Details:   map[string]interface{}{"duration": 30},
		Cause:     errors.New("network timeout"),
	}

	result := err.String()

	expectedParts := []string{
		"Code=TIMEOUT",
		"Category=transient_io",
		`Message="operation took too long"`,
		"Component=dal",
		"Operation=get",
		"Retryable=true",
		"Details=",
		"Cause=",
	}

	for _, part := range expectedParts {
		if !strings.Contains(result, part) {
			t.Errorf("String() missing expected part: %q\nGot: %s", part, result)
		}
	}
}

func TestMarFSError_JSON(t *testing.T) {
	t.Parallel()

	err := &MarFSError{
		Code:      ErrCodeInvalidConfig,
		Category:  CategoryConfig,
		Message:   "invalid setting",
		Component: "config",
		Retryable: false,
	}

	jsonStr := err.JSON()

	var parsed map[string]interface{}
	if parseErr := json.Unmarshal([]byte(jsonStr), &parsed); parseErr != nil {
		t.Fatalf("JSON() returned invalid JSON: %v\nJSON: %s", parseErr, jsonStr)
	}
	if parsed["code"] != "INVALID_CONFIG" {
		t.Errorf("JSON code = %v, want INVALID_CONFIG", parsed["code"])
	}
	if parsed["message"] != "invalid setting" {
		t.Errorf("JSON message = %v, want 'invalid setting'", parsed["message"])
	}
	if parsed["retryable"] != false {
		t.Errorf("JSON retryable = %v, want false", parsed["retryable"])
	}
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	stack := CaptureStack(0)

	if stack == "" {
		t.Error("CaptureStack() returned empty string")
	}
	if !strings.Contains(stack, ":") {
		t.Error("Stack trace should contain file:line format")
	}
	if strings.Contains(stack, "errors.go") {
		t.Error("Stack trace should not include errors.go frames")
	}
}

func TestIsRetryableRead(t *testing.T) {
	t.Parallel()

	retryable := New(ErrCodeTransientRead, "short read")
	if !IsRetryableRead(retryable) {
		t.Error("transient read error should be retryable")
	}

	fatal := New(ErrCodeFatalRank, "producer purge")
	if IsRetryableRead(fatal) {
		t.Error("fatal rank error should not be retryable as a read")
	}

	if IsRetryableRead(errors.New("plain error")) {
		t.Error("non-MarFSError should not be retryable")
	}
}

func TestIsFatalRank(t *testing.T) {
	t.Parallel()

	fatal := New(ErrCodeFatalRank, "producer purge")
	if !IsFatalRank(fatal) {
		t.Error("fatal rank error should report IsFatalRank")
	}

	wrapped := New(ErrCodeInternal, "wrapping").WithCause(fatal)
	if IsFatalRank(wrapped) {
		t.Error("wrapping a fatal error under a different code should not itself be fatal-rank")
	}
}
