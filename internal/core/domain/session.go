package domain

import "fmt"

// SessionOptions are sent to the REST session API to start an avatar session.
type SessionOptions struct {
	AvatarID   string       `json:"avatar_id"`
	VoiceID    string       `json:"voice_id,omitempty"`
	Language   string       `json:"language,omitempty"`
	StreamType ProviderType `json:"stream_type"`
}

// Session is the REST API's view of a running avatar session.
type Session struct {
	ID          string             `json:"_id"`
	Credentials SessionCredentials `json:"credentials"`
	StreamType  ProviderType       `json:"stream_type"`
}

// SessionCredentials carries whichever vendor fields the API filled in.
type SessionCredentials struct {
	AgoraAppID   string `json:"agora_app_id,omitempty"`
	AgoraChannel string `json:"agora_channel,omitempty"`
	AgoraToken   string `json:"agora_token,omitempty"`
	AgoraUID     int64  `json:"agora_uid,omitempty"`

	LiveKitURL   string `json:"livekit_url,omitempty"`
	LiveKitToken string `json:"livekit_client_token,omitempty"`
	LiveKitRoom  string `json:"livekit_room,omitempty"`

	TRTCSDKAppID int    `json:"trtc_app_id,omitempty"`
	TRTCUserID   string `json:"trtc_user_id,omitempty"`
	TRTCUserSig  string `json:"trtc_user_sig,omitempty"`
	TRTCRoomID   uint32 `json:"trtc_room_id,omitempty"`
}

// CredentialsFor maps the session's credentials to the native shape of p.
func (c SessionCredentials) CredentialsFor(p ProviderType) (Credentials, error) {
	switch p {
	case ProviderAgora:
		return AgoraCredentials{AppID: c.AgoraAppID, Channel: c.AgoraChannel, Token: c.AgoraToken, UID: c.AgoraUID}, nil
	case ProviderLiveKit:
		return LiveKitCredentials{URL: c.LiveKitURL, Token: c.LiveKitToken, Room: c.LiveKitRoom}, nil
	case ProviderTRTC:
		return TRTCCredentials{SDKAppID: c.TRTCSDKAppID, UserID: c.TRTCUserID, UserSig: c.TRTCUserSig, RoomID: c.TRTCRoomID}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", p)
}

type Avatar struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type Voice struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
