package domain

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the only envelope version accepted on the wire.
const ProtocolVersion = 2

type MessageType string

const (
	MessageTypeChat    MessageType = "chat"
	MessageTypeEvent   MessageType = "event"
	MessageTypeCommand MessageType = "command"
)

// StreamMessage is the data channel envelope.
type StreamMessage struct {
	V    int             `json:"v"`
	Type MessageType     `json:"type"`
	MID  string          `json:"mid"`
	Idx  *int            `json:"idx,omitempty"`
	Fin  *bool           `json:"fin,omitempty"`
	Pld  json.RawMessage `json:"pld"`
}

type ChatPayload struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

type EventPayload struct {
	Event string `json:"event"`
}

type CommandPayload struct {
	Cmd  string         `json:"cmd"`
	Code *int           `json:"code,omitempty"`
	Msg  string         `json:"msg,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	CommandInterrupt = "interrupt"
	CommandSetParams = "set-params"

	// AckSuccessCode marks a successful command acknowledgement.
	AckSuccessCode = 1000
)

// Inbound event names on the wire.
const (
	WireEventAudioStart = "audio_start"
	WireEventAudioEnd   = "audio_end"
)

// System message event types.
const (
	EventTypeAvatarAudioStart = "avatar_audio_start"
	EventTypeAvatarAudioEnd   = "avatar_audio_end"
	EventTypeInterruptAck     = "interrupt_ack"
	EventTypeSetParamsAck     = "set_params_ack"
	EventTypeSetParams        = "set_params"
)

const (
	SenderAvatar = "avatar"
	SenderSystem = "system"
	SenderUser   = "user"
)

// ChatMessage is one complete inbound chat message.
type ChatMessage struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	From      string `json:"from"`
}

// SystemMessage is a human readable notice derived from an event or command.
type SystemMessage struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	EventType string         `json:"event_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CommandEvent reports a command acknowledgement or notification.
type CommandEvent struct {
	Command string         `json:"command"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ReceivedMessage is raw inbound content that did not parse as an envelope.
type ReceivedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}
