package agora

import (
	"strconv"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/services"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
)

// speakingLevel is the volume-indicator level above which a user speaks.
const speakingLevel = 5

// Exception codes that only report degraded media and are logged.
func advisoryException(code int) bool {
	return (code >= 2001 && code <= 2003) || code >= 3000
}

func (p *Provider) eventHandler() EventHandler {
	log := p.Logger()
	return EventHandler{
		OnUserJoined: func(u RemoteUser) {
			if err := p.Participants.Upsert(p.converter.ToParticipant(u, false)); err != nil {
				log.Warnw("failed to register remote user", "uid", u.UID, "error", err)
			}
		},
		OnUserLeft: func(u RemoteUser, reason string) {
			log.Debugw("remote user left", "uid", u.UID, "reason", reason)
			p.Participants.Remove(uidString(u.UID))
			if p.avatarUID.Load() == u.UID {
				p.avatarUID.Store(0)
			}
		},
		OnUserPublished: func(u RemoteUser, mediaType string) {
			if mediaType == "video" {
				p.avatarUID.Store(u.UID)
			}
			p.refreshUser(u, mediaType, true)
		},
		OnUserUnpublished: func(u RemoteUser, mediaType string) {
			p.refreshUser(u, mediaType, false)
		},
		OnNetworkQuality: func(q NetworkQuality) {
			var rtt, loss float64
			if s := p.lastStats.Load(); s != nil {
				rtt = s.RTT
				loss = max(s.AudioPacketLossRate, s.VideoPacketLossRate)
			}
			quality, ok := qualityFromNetwork(q, rtt, loss)
			if !ok {
				return
			}
			p.Participants.Update(p.localID(), func(pp *domain.Participant) { pp.ConnectionQuality = quality })
			eventbus.Emit(p.Bus, services.TopicQuality, quality)
		},
		OnVolumeIndicator: func(levels []VolumeLevel) {
			for _, l := range levels {
				speaking := l.Level > speakingLevel
				p.Participants.Update(uidString(l.UID), func(pp *domain.Participant) { pp.IsSpeaking = speaking })
			}
		},
		OnStreamMessage: func(_ int64, data []byte) {
			p.Messages.HandleFrame(data)
		},
		OnConnectionStateChange: func(cur, prev, reason string) {
			p.Connection.SetStatus(connectionStatus(cur), reason)
		},
		OnTokenPrivilegeWillExpire: func() {
			p.Connection.TokenWillExpire(30 * time.Second)
		},
		OnTokenPrivilegeDidExpire: func() {
			p.Connection.TokenExpired()
		},
		OnException: func(code int, msg string, uid int64) {
			if advisoryException(code) {
				log.Infow("agora exception", "code", code, "msg", msg, "uid", uid)
				return
			}
			eventbus.Emit(p.Bus, services.TopicError,
				errors.New(errors.ErrCodeMediaDeviceError, msg).
					WithDetail("vendorCode", code).
					WithDetail("uid", uid))
		},
	}
}

func (p *Provider) refreshUser(u RemoteUser, mediaType string, published bool) {
	updated := p.Participants.Update(uidString(u.UID), func(pp *domain.Participant) {
		next := p.converter.ToParticipant(RemoteUser{
			UID:      u.UID,
			HasAudio: mediaType == "audio" && published || mediaType != "audio" && len(pp.AudioTracks) > 0,
			HasVideo: mediaType == "video" && published || mediaType != "video" && len(pp.VideoTracks) > 0,
		}, false)
		pp.AudioTracks = next.AudioTracks
		pp.VideoTracks = next.VideoTracks
	})
	if !updated && published {
		u.HasAudio = u.HasAudio || mediaType == "audio"
		u.HasVideo = u.HasVideo || mediaType == "video"
		_ = p.Participants.Upsert(p.converter.ToParticipant(u, false))
	}
}

func connectionStatus(state string) domain.ConnectionStatus {
	switch state {
	case StateConnecting:
		return domain.ConnectionConnecting
	case StateConnected:
		return domain.ConnectionConnected
	case StateReconnecting:
		return domain.ConnectionReconnecting
	case StateDisconnecting:
		return domain.ConnectionDisconnecting
	default:
		return domain.ConnectionDisconnected
	}
}

func uidString(uid int64) string { return strconv.FormatInt(uid, 10) }

// participantConverter maps agora users to participants.
type participantConverter struct{}

func (participantConverter) ToParticipant(u RemoteUser, local bool) domain.Participant {
	id := uidString(u.UID)
	p := domain.Participant{
		ID:                id,
		DisplayName:       "user-" + id,
		IsLocal:           local,
		ConnectionQuality: domain.UnknownQuality(),
		JoinedAt:          time.Now(),
	}
	if local {
		p.DisplayName = "local"
	}
	if u.HasAudio {
		p.AudioTracks = []domain.AudioTrack{domain.NewAudioTrack(id+"-audio", 100)}
	}
	if u.HasVideo {
		p.VideoTracks = []domain.VideoTrack{domain.NewVideoTrack(id+"-video", domain.VideoSourceCamera)}
	}
	return p
}
