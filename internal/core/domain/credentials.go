package domain

import (
	"time"

	"avatarlink/pkg/errors"
	"avatarlink/pkg/validation"
)

// Credentials is the vendor-specific join material taken from a session.
type Credentials interface {
	ProviderType() ProviderType
	Validate() error
}

// AgoraCredentials joins an agora channel.
type AgoraCredentials struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	UID     int64  `json:"uid"`

	// ExpiresAt is optional; agora tokens are opaque.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (c AgoraCredentials) ProviderType() ProviderType { return ProviderAgora }

func (c AgoraCredentials) Validate() error {
	return firstInvalid(ProviderAgora,
		validation.ValidateAgoraAppID(c.AppID),
		validation.ValidateAgoraChannel(c.Channel),
		validation.ValidateToken(c.Token, "token"),
		validation.ValidateAgoraUID(c.UID),
	)
}

// LiveKitCredentials joins a livekit room. Expiry is read from the token.
type LiveKitCredentials struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	Room  string `json:"room"`
}

func (c LiveKitCredentials) ProviderType() ProviderType { return ProviderLiveKit }

func (c LiveKitCredentials) Validate() error {
	return firstInvalid(ProviderLiveKit,
		validation.ValidateURL(c.URL),
		validation.ValidateJWT(c.Token),
		validation.ValidateRoomName(c.Room),
	)
}

// TRTCCredentials enters a trtc room.
type TRTCCredentials struct {
	SDKAppID int    `json:"sdk_app_id"`
	UserID   string `json:"user_id"`
	UserSig  string `json:"user_sig"`
	RoomID   uint32 `json:"room_id"`

	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (c TRTCCredentials) ProviderType() ProviderType { return ProviderTRTC }

func (c TRTCCredentials) Validate() error {
	return firstInvalid(ProviderTRTC,
		validation.ValidateTRTCSDKAppID(c.SDKAppID),
		validation.ValidateTRTCUserID(c.UserID),
		validation.ValidateToken(c.UserSig, "user signature"),
		validation.ValidateTRTCRoomID(c.RoomID),
	)
}

func firstInvalid(p ProviderType, errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidCredentials, err.Error()).WithProvider(string(p))
		}
	}
	return nil
}
