package trtc

import (
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/services"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
)

// qualityScores maps trtc's 1-6 network quality to a 0-100 score.
var qualityScores = map[int]int{1: 100, 2: 80, 3: 60, 4: 40, 5: 20, 6: 0}

// speakingVolume is the audio-volume level above which a user speaks.
const speakingVolume = 10

func (p *Provider) eventHandler() EventHandler {
	log := p.Logger()
	return EventHandler{
		OnRemoteUserEnter: func(userID string) {
			p.registerRemote(RemoteUser{UserID: userID})
		},
		OnRemoteUserExit: func(userID string) {
			p.Participants.Remove(userID)
			if u := p.avatarUser.Load(); u != nil && *u == userID {
				p.avatarUser.Store(nil)
			}
		},
		OnRemoteAudioAvailable: func(userID string, available bool) {
			p.setRemoteMedia(userID, domain.TrackKindAudio, available)
		},
		OnRemoteVideoAvailable: func(userID string, available bool) {
			if available {
				p.avatarUser.Store(&userID)
			}
			p.setRemoteMedia(userID, domain.TrackKindVideo, available)
		},
		OnNetworkQuality: func(q NetworkQuality) {
			quality, ok := qualityFromNetwork(q)
			if !ok {
				return
			}
			p.Participants.Update(p.localID(), func(pp *domain.Participant) { pp.ConnectionQuality = quality })
			eventbus.Emit(p.Bus, services.TopicQuality, quality)
		},
		OnAudioVolume: func(results []VolumeResult) {
			for _, r := range results {
				speaking := r.Volume > speakingVolume
				id := r.UserID
				if id == "" {
					id = p.localID()
				}
				p.Participants.Update(id, func(pp *domain.Participant) { pp.IsSpeaking = speaking })
			}
		},
		OnCustomMessage: func(_ string, cmdID int, data []byte) {
			if cmdID != p.cmdID {
				return
			}
			p.Messages.HandleFrame(data)
		},
		OnConnectionStateChanged: func(prev, state string) {
			p.Connection.SetStatus(connectionStatus(prev, state), "")
		},
		OnKickedOut: func(reason string) {
			log.Warnw("removed from room", "reason", reason)
			p.Connection.SetStatus(domain.ConnectionDisconnected, "kicked_out:"+reason)
		},
		OnAutoplayFailed: func(userID string) {
			log.Infow("remote media autoplay blocked", "user_id", userID)
		},
		OnError: func(code, extraCode int, message string) {
			eventbus.Emit(p.Bus, services.TopicError, errors.MapTRTCError(&errors.VendorError{
				Vendor:      "trtc",
				NumericCode: code,
				ExtraCode:   extraCode,
				Message:     message,
			}))
		},
	}
}

// connectionStatus treats CONNECTING after CONNECTED as a reconnect.
func connectionStatus(prev, state string) domain.ConnectionStatus {
	switch state {
	case StateConnected:
		return domain.ConnectionConnected
	case StateConnecting:
		if prev == StateConnected {
			return domain.ConnectionReconnecting
		}
		return domain.ConnectionConnecting
	default:
		return domain.ConnectionDisconnected
	}
}

func (p *Provider) registerRemote(u RemoteUser) {
	if u.UserID == "" || u.UserID == p.localID() {
		return
	}
	if _, ok := p.Participants.Get(u.UserID); ok {
		return
	}
	if err := p.Participants.Upsert(toParticipant(u, false)); err != nil {
		p.Logger().Warnw("failed to register remote user", "user_id", u.UserID, "error", err)
	}
	if u.HasVideo {
		id := u.UserID
		p.avatarUser.Store(&id)
	}
}

func (p *Provider) setRemoteMedia(userID string, kind domain.TrackKind, available bool) {
	p.Participants.Update(userID, func(pp *domain.Participant) {
		switch {
		case kind == domain.TrackKindAudio && available:
			pp.AudioTracks = []domain.AudioTrack{domain.NewAudioTrack(userID+"-main-audio", 100)}
		case kind == domain.TrackKindAudio:
			pp.AudioTracks = nil
		case available:
			pp.VideoTracks = []domain.VideoTrack{domain.NewVideoTrack(userID+"-main-video", domain.VideoSourceCamera)}
		default:
			pp.VideoTracks = nil
		}
	})
}

// qualityFromNetwork uses the worse direction as the score and the pushed
// RTT and loss as-is.
func qualityFromNetwork(q NetworkQuality) (domain.ConnectionQuality, bool) {
	up, upOK := qualityScores[q.Uplink]
	down, downOK := qualityScores[q.Downlink]
	switch {
	case upOK && downOK:
	case upOK:
		down = up
	case downOK:
		up = down
	default:
		return domain.ConnectionQuality{}, false
	}
	rtt := max(q.UplinkRTT, q.DownlinkRTT)
	loss := max(q.UplinkLoss, q.DownlinkLoss)
	return domain.NewConnectionQuality(min(up, down), domain.LevelForScore(up), domain.LevelForScore(down), rtt, loss), true
}

func toParticipant(u RemoteUser, local bool) domain.Participant {
	p := domain.Participant{
		ID:                u.UserID,
		DisplayName:       u.UserID,
		IsLocal:           local,
		ConnectionQuality: domain.UnknownQuality(),
		JoinedAt:          time.Now(),
	}
	if u.HasAudio {
		p.AudioTracks = []domain.AudioTrack{domain.NewAudioTrack(u.UserID+"-main-audio", 100)}
	}
	if u.HasVideo {
		p.VideoTracks = []domain.VideoTrack{domain.NewVideoTrack(u.UserID+"-main-video", domain.VideoSourceCamera)}
	}
	return p
}
