package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// AgoraChannelRegex matches the characters agora accepts in channel names
	AgoraChannelRegex = regexp.MustCompile(`^[a-zA-Z0-9 !#$%&()+\-:;<=.>?@\[\]^_{}|~,]+$`)

	// AgoraAppIDRegex matches a 32 character hex app id
	AgoraAppIDRegex = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

	// TRTCUserIDRegex validates trtc user ids
	TRTCUserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// SessionIDRegex validates REST session ids
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateAgoraAppID validates an agora app id
func ValidateAgoraAppID(appID string) error {
	if appID == "" {
		return fmt.Errorf("app ID is required")
	}
	if !AgoraAppIDRegex.MatchString(appID) {
		return fmt.Errorf("invalid app ID format (expected 32 hex characters)")
	}
	return nil
}

// ValidateAgoraChannel validates an agora channel name
func ValidateAgoraChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if len(channel) > 64 {
		return fmt.Errorf("channel is too long (max 64 bytes)")
	}
	if !AgoraChannelRegex.MatchString(channel) {
		return fmt.Errorf("channel contains invalid characters")
	}
	return nil
}

// ValidateAgoraUID validates a numeric agora user id. Zero lets the server
// assign one.
func ValidateAgoraUID(uid int64) error {
	if uid < 0 || uid > 1<<32-1 {
		return fmt.Errorf("uid out of range (0 to 2^32-1)")
	}
	return nil
}

// ValidateToken validates that a token is present and printable
func ValidateToken(token, fieldName string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(token) > 4096 {
		return fmt.Errorf("%s is too long (max 4096 characters)", fieldName)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return fmt.Errorf("%s contains whitespace", fieldName)
	}
	return nil
}

// ValidateJWT checks the three-segment shape of a JWT without verifying it
func ValidateJWT(token string) error {
	if err := ValidateToken(token, "token"); err != nil {
		return err
	}
	if strings.Count(token, ".") != 2 {
		return fmt.Errorf("token is not a JWT")
	}
	return nil
}

// ValidateRoomName validates a livekit room name
func ValidateRoomName(room string) error {
	return ValidateStringLength(room, 1, 128, "room")
}

// ValidateTRTCSDKAppID validates a trtc sdk app id
func ValidateTRTCSDKAppID(sdkAppID int) error {
	if sdkAppID <= 0 {
		return fmt.Errorf("SDK app ID must be positive")
	}
	return nil
}

// ValidateTRTCUserID validates a trtc user id
func ValidateTRTCUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 32 {
		return fmt.Errorf("user ID is too long (max 32 characters)")
	}
	if !TRTCUserIDRegex.MatchString(userID) {
		return fmt.Errorf("user ID contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateTRTCRoomID validates a numeric trtc room id
func ValidateTRTCRoomID(roomID uint32) error {
	if roomID == 0 || roomID == 1<<32-1 {
		return fmt.Errorf("room ID out of range (1 to 4294967294)")
	}
	return nil
}

// ValidateSessionID validates a REST session id
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("session ID is too long (max 100 characters)")
	}
	if !SessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateMessage validates outbound chat text
func ValidateMessage(content string, maxRunes int) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message is required")
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		return fmt.Errorf("message is too long (max %d characters)", maxRunes)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		if min == 1 {
			return fmt.Errorf("%s is required", fieldName)
		}
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
