package services

import (
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
)

// Provider-internal topics. Controllers publish, ProviderCore forwards.
var (
	TopicChatMessage     = eventbus.Topic[domain.ChatMessage]("chat-message")
	TopicSystemMessage   = eventbus.Topic[domain.SystemMessage]("system-message")
	TopicCommand         = eventbus.Topic[domain.CommandEvent]("command")
	TopicMessageReceived = eventbus.Topic[domain.ReceivedMessage]("message-received")
	TopicSpeaking        = eventbus.Topic[bool]("speaking-state-changed")

	TopicParticipantJoined  = eventbus.Topic[domain.Participant]("participant-joined")
	TopicParticipantLeft    = eventbus.Topic[domain.Participant]("participant-left")
	TopicParticipantUpdated = eventbus.Topic[domain.Participant]("participant-updated")

	TopicQuality       = eventbus.Topic[domain.ConnectionQuality]("connection-quality-changed")
	TopicDetailedStats = eventbus.Topic[domain.NetworkStats]("network-stats")

	TopicConnection      = eventbus.Topic[domain.ConnectionChange]("connection-state-changed")
	TopicTokenWillExpire = eventbus.Topic[time.Duration]("token-will-expire")
	TopicTokenExpired    = eventbus.Topic[struct{}]("token-expired")
	TopicError           = eventbus.Topic[*errors.StreamingError]("error")
)
