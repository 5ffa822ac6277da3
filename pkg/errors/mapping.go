package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// VendorError is the shape native SDK adapters report failures in.
// Agora identifies errors by Code, LiveKit by Name (plus an optional
// Code reason), TRTC by NumericCode and ExtraCode.
type VendorError struct {
	Vendor      string
	Code        string
	Name        string
	NumericCode int
	ExtraCode   int
	Message     string
	Cause       error
}

func (e *VendorError) Error() string {
	id := e.Code
	if id == "" {
		id = e.Name
	}
	if id == "" && e.NumericCode != 0 {
		id = fmt.Sprintf("%d", e.NumericCode)
	}
	return fmt.Sprintf("%s error %s: %s", e.Vendor, id, e.Message)
}

func (e *VendorError) Unwrap() error {
	return e.Cause
}

// StatusError is implemented by errors carrying an HTTP status.
type StatusError interface {
	error
	StatusCode() int
}

type mapping struct {
	code    ErrorCode
	message string
}

var agoraErrors = map[string]mapping{
	"INVALID_PARAMS":                        {ErrCodeInvalidParameter, "invalid parameters"},
	"INVALID_OPERATION":                     {ErrCodeInvalidConfiguration, "operation not allowed in current state"},
	"NOT_SUPPORTED":                         {ErrCodeInvalidConfiguration, "operation not supported"},
	"OPERATION_ABORTED":                     {ErrCodeConnectionFailed, "operation aborted"},
	"NETWORK_ERROR":                         {ErrCodeConnectionFailed, "network error"},
	"NETWORK_TIMEOUT":                       {ErrCodeOperationTimeout, "network timeout"},
	"NETWORK_RESPONSE_ERROR":                {ErrCodeConnectionFailed, "unexpected network response"},
	"API_INVOKE_TIMEOUT":                    {ErrCodeOperationTimeout, "api invocation timed out"},
	"WS_ABORT":                              {ErrCodeConnectionLost, "signaling connection aborted"},
	"WS_DISCONNECT":                         {ErrCodeConnectionLost, "signaling connection lost"},
	"CAN_NOT_GET_GATEWAY_SERVER":            {ErrCodeConnectionFailed, "cannot reach gateway server"},
	"UID_CONFLICT":                          {ErrCodeInvalidCredentials, "uid already in channel"},
	"INVALID_UINT_UID_FROM_STRING_UID":      {ErrCodeInvalidCredentials, "invalid uid"},
	"TOKEN_EXPIRED":                         {ErrCodeTokenExpired, "token expired"},
	"INVALID_TOKEN":                         {ErrCodeInvalidCredentials, "invalid token"},
	"DYNAMIC_KEY_EXPIRED":                   {ErrCodeTokenExpired, "dynamic key expired"},
	"INVALID_APP_ID":                        {ErrCodeInvalidCredentials, "invalid app id"},
	"PERMISSION_DENIED":                     {ErrCodeMediaAccessDenied, "media permission denied"},
	"DEVICE_NOT_FOUND":                      {ErrCodeMediaDeviceError, "media device not found"},
	"NOT_READABLE":                          {ErrCodeMediaDeviceError, "media device not readable"},
	"ENUMERATE_DEVICES_FAILED":              {ErrCodeMediaDeviceError, "failed to enumerate devices"},
	"TRACK_IS_DISABLED":                     {ErrCodeTrackPublishFailed, "track is disabled"},
	"INVALID_LOCAL_TRACK":                   {ErrCodeTrackPublishFailed, "invalid local track"},
	"CAN_NOT_PUBLISH_MULTIPLE_VIDEO_TRACKS": {ErrCodeTrackPublishFailed, "cannot publish multiple video tracks"},
	"DATACHANNEL_NOT_READY":                 {ErrCodeMessageSendFailed, "data stream not ready"},
	"STREAM_MESSAGE_TOO_LARGE":              {ErrCodeMessageTooLarge, "stream message too large"},
}

var livekitErrors = map[string]mapping{
	"ConnectionError":           {ErrCodeConnectionFailed, "connection failed"},
	"UnsupportedServer":         {ErrCodeConnectionFailed, "unsupported server"},
	"UnexpectedConnectionState": {ErrCodeConnectionFailed, "unexpected connection state"},
	"NegotiationError":          {ErrCodeConnectionFailed, "negotiation failed"},
	"SignalRequestError":        {ErrCodeConnectionFailed, "signal request failed"},
	"PublishDataError":          {ErrCodeMessageSendFailed, "data publish failed"},
	"PublishTrackError":         {ErrCodeTrackPublishFailed, "track publish failed"},
	"TrackInvalidError":         {ErrCodeTrackPublishFailed, "invalid track"},
	"DeviceUnsupportedError":    {ErrCodeMediaDeviceError, "device not supported"},
	"NotAllowedError":           {ErrCodeMediaAccessDenied, "media permission denied"},
	"NotFoundError":             {ErrCodeMediaDeviceError, "media device not found"},
	"NotReadableError":          {ErrCodeMediaDeviceError, "media device not readable"},
	"TimeoutError":              {ErrCodeOperationTimeout, "operation timed out"},
}

// ConnectionError reasons refine the generic ConnectionError mapping.
var livekitConnectionReasons = map[string]mapping{
	"NotAllowed":        {ErrCodeInvalidCredentials, "not allowed to join room"},
	"ServerUnreachable": {ErrCodeConnectionFailed, "server unreachable"},
	"InternalError":     {ErrCodeConnectionFailed, "server internal error"},
	"Cancelled":         {ErrCodeConnectionFailed, "connection cancelled"},
	"LeaveRequest":      {ErrCodeConnectionLost, "server requested leave"},
	"TokenExpired":      {ErrCodeTokenExpired, "token expired"},
}

var trtcErrors = map[int]mapping{
	5000: {ErrCodeInvalidParameter, "invalid parameter"},
	5100: {ErrCodeInvalidConfiguration, "invalid operation"},
	5200: {ErrCodeInvalidConfiguration, "environment not supported"},
	5300: {ErrCodeMediaDeviceError, "device error"},
	5400: {ErrCodeConnectionFailed, "server error"},
	5500: {ErrCodeTrackPublishFailed, "operation failed"},
	5998: {ErrCodeConnectionFailed, "operation aborted"},
	5999: {ErrCodeUnknown, "unknown error"},
}

// Server-side extra codes that change the meaning of 5400/5300.
var trtcExtraCodes = map[int]mapping{
	-100013: {ErrCodeInvalidCredentials, "user signature invalid"},
	-100018: {ErrCodeInvalidCredentials, "user signature check failed"},
	-100022: {ErrCodeTokenExpired, "user signature expired"},
	-100024: {ErrCodeAuthenticationFailed, "room entry permission denied"},
	5302:    {ErrCodeMediaAccessDenied, "device permission denied"},
	5301:    {ErrCodeMediaDeviceError, "device not found"},
}

// MapAgoraError normalizes an Agora SDK error.
func MapAgoraError(err error) *StreamingError {
	return mapVendor(err, "agora", func(ve *VendorError) (mapping, bool) {
		m, ok := agoraErrors[strings.ToUpper(ve.Code)]
		return m, ok
	})
}

// MapLiveKitError normalizes a LiveKit SDK error.
func MapLiveKitError(err error) *StreamingError {
	return mapVendor(err, "livekit", func(ve *VendorError) (mapping, bool) {
		if ve.Name == "ConnectionError" && ve.Code != "" {
			if m, ok := livekitConnectionReasons[ve.Code]; ok {
				return m, true
			}
		}
		m, ok := livekitErrors[ve.Name]
		return m, ok
	})
}

// MapTRTCError normalizes a TRTC SDK error.
func MapTRTCError(err error) *StreamingError {
	return mapVendor(err, "trtc", func(ve *VendorError) (mapping, bool) {
		if ve.ExtraCode != 0 {
			if m, ok := trtcExtraCodes[ve.ExtraCode]; ok {
				return m, true
			}
		}
		m, ok := trtcErrors[ve.NumericCode]
		return m, ok
	})
}

func mapVendor(err error, vendor string, lookup func(*VendorError) (mapping, bool)) *StreamingError {
	if err == nil {
		return New(ErrCodeUnknown, "unknown error").WithProvider(vendor)
	}
	if se := GetStreamingError(err); se != nil {
		if se.Provider == "" {
			return se.WithProvider(vendor)
		}
		return se
	}

	var ve *VendorError
	if !stderrors.As(err, &ve) {
		return MapGenericError(err).WithProvider(vendor)
	}

	m, ok := lookup(ve)
	if !ok {
		m = mapping{ErrCodeUnknown, "unknown error"}
	}
	msg := ve.Message
	if msg == "" {
		msg = m.message
	}

	out := &StreamingError{
		Code:     m.code,
		Message:  msg,
		Provider: vendor,
		Cause:    err,
		Details:  map[string]any{},
	}
	if ve.Code != "" {
		out.Details["vendorCode"] = ve.Code
	}
	if ve.Name != "" {
		out.Details["vendorName"] = ve.Name
	}
	if ve.NumericCode != 0 {
		out.Details["vendorCode"] = ve.NumericCode
	}
	if ve.ExtraCode != 0 {
		out.Details["extraCode"] = ve.ExtraCode
	}
	return out
}

// MapGenericError normalizes an arbitrary error.
func MapGenericError(err error) *StreamingError {
	if err == nil {
		return New(ErrCodeUnknown, "unknown error")
	}
	if se := GetStreamingError(err); se != nil {
		return se
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeOperationTimeout, "operation timed out")
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeConnectionFailed, "operation cancelled").WithDetail("cancelled", true)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(err, ErrCodeOperationTimeout, "network timeout")
		}
		return Wrap(err, ErrCodeConnectionFailed, "network error")
	}

	var ve *VendorError
	if stderrors.As(err, &ve) {
		switch ve.Vendor {
		case "agora":
			return MapAgoraError(err)
		case "livekit":
			return MapLiveKitError(err)
		case "trtc":
			return MapTRTCError(err)
		}
	}

	return Wrap(err, ErrCodeUnknown, err.Error())
}

// MapAPIError normalizes a REST API failure.
func MapAPIError(err error) *StreamingError {
	if err == nil {
		return New(ErrCodeAPIRequestFailed, "api request failed")
	}
	if se := GetStreamingError(err); se != nil {
		return se
	}

	var se StatusError
	if !stderrors.As(err, &se) {
		mapped := MapGenericError(err)
		if mapped.Code == ErrCodeUnknown {
			return Wrap(err, ErrCodeAPIRequestFailed, "api request failed")
		}
		return mapped
	}

	status := se.StatusCode()
	var out *StreamingError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out = Wrap(err, ErrCodeAuthenticationFailed, "api authentication failed")
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		out = Wrap(err, ErrCodeInvalidParameter, "api rejected request parameters")
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		out = Wrap(err, ErrCodeOperationTimeout, "api request timed out")
	default:
		out = Wrap(err, ErrCodeAPIRequestFailed, fmt.Sprintf("api request failed with status %d", status))
	}
	return out.WithDetail("status", status)
}
