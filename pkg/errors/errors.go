package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"net/http"
)

// ErrorCode is the vendor-independent error vocabulary.
type ErrorCode string

const (
	ErrCodeConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionLost       ErrorCode = "CONNECTION_LOST"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeInvalidCredentials   ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"
	ErrCodeMediaAccessDenied    ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeMediaDeviceError     ErrorCode = "MEDIA_DEVICE_ERROR"
	ErrCodeTrackPublishFailed   ErrorCode = "TRACK_PUBLISH_FAILED"
	ErrCodeTrackUnpublishFailed ErrorCode = "TRACK_UNPUBLISH_FAILED"
	ErrCodeProviderInitFailed   ErrorCode = "PROVIDER_INIT_FAILED"
	ErrCodeProviderNotSupported ErrorCode = "PROVIDER_NOT_SUPPORTED"
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrCodeInvalidParameter     ErrorCode = "INVALID_PARAMETER"
	ErrCodeAPIRequestFailed     ErrorCode = "API_REQUEST_FAILED"
	ErrCodeMessageSendFailed    ErrorCode = "MESSAGE_SEND_FAILED"
	ErrCodeMessageTooLarge      ErrorCode = "MESSAGE_TOO_LARGE"
	ErrCodeOperationTimeout     ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeParticipantError     ErrorCode = "PARTICIPANT_ERROR"
	ErrCodeUnknown              ErrorCode = "UNKNOWN_ERROR"
)

// StreamingError is the single error currency crossing vendor boundaries.
// Values are treated as immutable; WithDetail returns a copy.
type StreamingError struct {
	Code     ErrorCode      `json:"code"`
	Message  string         `json:"message"`
	Provider string         `json:"provider,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

// Error implements error interface
func (e *StreamingError) Error() string {
	prefix := string(e.Code)
	if e.Provider != "" {
		prefix = e.Provider + ": " + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *StreamingError) Unwrap() error {
	return e.Cause
}

// Is matches another StreamingError by code so that
// errors.Is(err, &StreamingError{Code: ErrCodeTokenExpired}) works.
func (e *StreamingError) Is(target error) bool {
	t, ok := target.(*StreamingError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetail returns a copy of the error with key set in Details.
func (e *StreamingError) WithDetail(key string, value any) *StreamingError {
	cp := *e
	cp.Details = maps.Clone(e.Details)
	if cp.Details == nil {
		cp.Details = make(map[string]any, 1)
	}
	cp.Details[key] = value
	return &cp
}

// WithProvider returns a copy attributed to provider.
func (e *StreamingError) WithProvider(provider string) *StreamingError {
	cp := *e
	cp.Provider = provider
	return &cp
}

// Detail reads one entry from Details.
func (e *StreamingError) Detail(key string) (any, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// HTTPStatus maps the code to the status used by the control API.
func (e *StreamingError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidConfiguration, ErrCodeInvalidParameter, ErrCodeMessageTooLarge:
		return http.StatusBadRequest
	case ErrCodeAuthenticationFailed, ErrCodeInvalidCredentials, ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case ErrCodeMediaAccessDenied:
		return http.StatusForbidden
	case ErrCodeProviderNotSupported:
		return http.StatusNotImplemented
	case ErrCodeOperationTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeAPIRequestFailed, ErrCodeConnectionFailed, ErrCodeConnectionLost:
		return http.StatusBadGateway
	case ErrCodeProviderInitFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new streaming error
func New(code ErrorCode, message string) *StreamingError {
	return &StreamingError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a streaming error
func Wrap(err error, code ErrorCode, message string) *StreamingError {
	return &StreamingError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Common error constructors
func NewConnectionError(message string) *StreamingError {
	return New(ErrCodeConnectionFailed, message)
}

func NewInvalidConfigurationError(message string) *StreamingError {
	return New(ErrCodeInvalidConfiguration, message)
}

func NewInvalidParameterError(message string) *StreamingError {
	return New(ErrCodeInvalidParameter, message)
}

func NewProviderNotSupportedError(provider string) *StreamingError {
	return New(ErrCodeProviderNotSupported, fmt.Sprintf("provider %q is not supported", provider)).
		WithDetail("provider", provider)
}

func NewProviderInitError(provider string, cause error) *StreamingError {
	return Wrap(cause, ErrCodeProviderInitFailed, "provider initialization failed").WithProvider(provider)
}

// IsStreamingError checks if err is or wraps a StreamingError
func IsStreamingError(err error) bool {
	return GetStreamingError(err) != nil
}

// GetStreamingError extracts StreamingError from error chain
func GetStreamingError(err error) *StreamingError {
	if err == nil {
		return nil
	}
	var se *StreamingError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	se := GetStreamingError(err)
	return se != nil && se.Code == code
}
