package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStreamingError_Error(t *testing.T) {
	err := New(ErrCodeInvalidParameter, "test error")
	expected := "INVALID_PARAMETER: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}

	withProvider := err.WithProvider("agora")
	if withProvider.Error() != "agora: INVALID_PARAMETER: test error" {
		t.Errorf("Error() = %v", withProvider.Error())
	}
}

func TestStreamingError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := Wrap(originalErr, ErrCodeUnknown, "wrapped error")

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find cause")
	}
	if err.Unwrap() != originalErr {
		t.Errorf("Unwrap = %v, want %v", err.Unwrap(), originalErr)
	}
}

func TestStreamingError_WithDetailCopies(t *testing.T) {
	base := New(ErrCodeMessageSendFailed, "send failed")
	detailed := base.WithDetail("chunkIndex", 2).WithDetail("messageId", "m1")

	if base.Details != nil {
		t.Errorf("original error must not be mutated, got %v", base.Details)
	}
	if v, _ := detailed.Detail("chunkIndex"); v != 2 {
		t.Errorf("chunkIndex = %v, want 2", v)
	}
	if v, _ := detailed.Detail("messageId"); v != "m1" {
		t.Errorf("messageId = %v, want m1", v)
	}
}

func TestStreamingError_IsByCode(t *testing.T) {
	err := fmt.Errorf("connect: %w", New(ErrCodeTokenExpired, "token expired"))
	if !errors.Is(err, &StreamingError{Code: ErrCodeTokenExpired}) {
		t.Errorf("expected errors.Is to match by code")
	}
	if errors.Is(err, &StreamingError{Code: ErrCodeConnectionLost}) {
		t.Errorf("unexpected match on different code")
	}
	if !HasCode(err, ErrCodeTokenExpired) {
		t.Errorf("HasCode should see through wrapping")
	}
}

func TestGetStreamingError(t *testing.T) {
	if GetStreamingError(nil) != nil {
		t.Errorf("nil error should give nil")
	}
	if GetStreamingError(errors.New("plain")) != nil {
		t.Errorf("plain error should give nil")
	}
	se := New(ErrCodeUnknown, "x")
	if GetStreamingError(fmt.Errorf("a: %w", se)) != se {
		t.Errorf("expected wrapped StreamingError to be extracted")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeInvalidParameter, http.StatusBadRequest},
		{ErrCodeTokenExpired, http.StatusUnauthorized},
		{ErrCodeProviderNotSupported, http.StatusNotImplemented},
		{ErrCodeConnectionFailed, http.StatusBadGateway},
		{ErrCodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "").HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
