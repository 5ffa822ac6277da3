package services

import (
	"avatarlink/internal/core/domain"
)

// QualityThreshold is the worst network a level tolerates.
type QualityThreshold struct {
	RTT        float64 // ms
	PacketLoss float64 // percent
	Jitter     float64 // ms
	Bandwidth  float64 // kbps, available outgoing
}

// QualityService estimates a ConnectionQuality from raw transport stats for
// vendors that do not push a quality score of their own.
type QualityService struct {
	thresholds map[domain.QualityLevel]QualityThreshold
}

// GetThresholds returns the per-level thresholds.
func (qs *QualityService) GetThresholds() map[domain.QualityLevel]QualityThreshold {
	return qs.thresholds
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[domain.QualityLevel]QualityThreshold{
			domain.QualityExcellent: {
				RTT:        100,
				PacketLoss: 1,
				Jitter:     30,
				Bandwidth:  1000,
			},
			domain.QualityGood: {
				RTT:        200,
				PacketLoss: 5,
				Jitter:     50,
				Bandwidth:  500,
			},
			domain.QualityFair: {
				RTT:        300,
				PacketLoss: 10,
				Jitter:     100,
				Bandwidth:  256,
			},
		},
	}
}

// Level returns the best level whose thresholds the stats meet.
func (qs *QualityService) Level(stats domain.NetworkStats) domain.QualityLevel {
	for _, level := range []domain.QualityLevel{domain.QualityExcellent, domain.QualityGood, domain.QualityFair} {
		if qs.meets(stats, qs.thresholds[level]) {
			return level
		}
	}
	return domain.QualityPoor
}

func (qs *QualityService) meets(stats domain.NetworkStats, t QualityThreshold) bool {
	loss := max(stats.Audio.PacketLoss, stats.Video.PacketLoss)
	jitter := max(stats.Audio.Jitter, stats.Video.Jitter)
	return stats.RTT <= t.RTT && loss <= t.PacketLoss && jitter <= t.Jitter
}

// Score folds RTT, loss and jitter into a 0-100 score.
func (qs *QualityService) Score(rtt, packetLoss, jitter float64) int {
	penalty := min(rtt/10, 40) + min(packetLoss*4, 40) + min(jitter/5, 20)
	return min(max(int(100-penalty), 0), 100)
}

// Estimate builds a ConnectionQuality. Downlink follows the inbound score,
// uplink follows available outgoing bandwidth when it is known.
func (qs *QualityService) Estimate(stats domain.NetworkStats) domain.ConnectionQuality {
	loss := max(stats.Audio.PacketLoss, stats.Video.PacketLoss)
	jitter := max(stats.Audio.Jitter, stats.Video.Jitter)
	score := qs.Score(stats.RTT, loss, jitter)

	downlink := domain.LevelForScore(score)
	uplink := downlink
	if stats.Bandwidth > 0 {
		uplink = qs.bandwidthLevel(stats.Bandwidth)
	}
	return domain.NewConnectionQuality(score, uplink, downlink, stats.RTT, loss)
}

func (qs *QualityService) bandwidthLevel(kbps float64) domain.QualityLevel {
	for _, level := range []domain.QualityLevel{domain.QualityExcellent, domain.QualityGood, domain.QualityFair} {
		if kbps >= qs.thresholds[level].Bandwidth {
			return level
		}
	}
	return domain.QualityPoor
}

// ShouldWarn reports a drop of at least one level between two readings.
func (qs *QualityService) ShouldWarn(prev, next domain.ConnectionQuality) bool {
	return levelRank(domain.LevelForScore(next.Score)) < levelRank(domain.LevelForScore(prev.Score))
}

func levelRank(l domain.QualityLevel) int {
	switch l {
	case domain.QualityExcellent:
		return 3
	case domain.QualityGood:
		return 2
	case domain.QualityFair:
		return 1
	}
	return 0
}
