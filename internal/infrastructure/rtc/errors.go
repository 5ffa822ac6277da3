package rtc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotJoined         = errors.New("session not joined")
	ErrAlreadyJoined     = errors.New("session already joined")
	ErrDataNotReady      = errors.New("data channel not open")
	ErrNoRemoteTrack     = errors.New("no remote track of that kind")
	ErrTrackPublished    = errors.New("track already published")
	ErrTrackNotPublished = errors.New("track not published")
)

// RemoteError is a failure reported by the vendor gateway.
type RemoteError struct {
	Code      int    `json:"code"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	ExtraCode int    `json:"extra_code,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// HTTPStatus reports the status of a rejected signaling upgrade.
func (e *RemoteError) HTTPStatus() (int, bool) {
	return e.Code, strings.HasPrefix(e.Name, "HTTP_")
}
