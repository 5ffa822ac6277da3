package agora

import (
	"time"

	"avatarlink/internal/core/domain"
)

// qualityScores maps agora's 1-6 network quality to a 0-100 score.
var qualityScores = map[int]int{1: 100, 2: 80, 3: 60, 4: 40, 5: 20, 6: 0}

// qualityFromNetwork converts one network-quality report. The overall
// score is the worse of the two directions; an unknown direction (0) is
// ignored and a report with both unknown is dropped.
func qualityFromNetwork(q NetworkQuality, rtt, loss float64) (domain.ConnectionQuality, bool) {
	up, upOK := qualityScores[q.Uplink]
	down, downOK := qualityScores[q.Downlink]

	var score int
	switch {
	case upOK && downOK:
		score = min(up, down)
	case upOK:
		score, down = up, up
	case downOK:
		score, up = down, down
	default:
		return domain.ConnectionQuality{}, false
	}
	return domain.NewConnectionQuality(score, domain.LevelForScore(up), domain.LevelForScore(down), rtt, loss), true
}

func toNetworkStats(s RTCStats, now time.Time) domain.NetworkStats {
	return domain.NetworkStats{
		Audio: domain.MediaStats{
			Bitrate:    s.RecvAudioBitrate,
			PacketLoss: s.AudioPacketLossRate,
			Jitter:     s.AudioJitter,
		},
		Video: domain.MediaStats{
			Bitrate:    s.RecvVideoBitrate,
			PacketLoss: s.VideoPacketLossRate,
			Jitter:     s.VideoJitter,
		},
		RTT:       s.RTT,
		Bandwidth: s.OutgoingAvailableBandwidth,
		UpdatedAt: now,
	}
}
