package rtc

import (
	"time"

	"avatarlink/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// LinkStats is the reduction of one batch of RTCP receiver reports about
// an outgoing track.
type LinkStats struct {
	PacketLoss float64 // percent
	Jitter     float64 // RTP timestamp units
	Reports    int
}

// ReduceRTCP averages the reception reports in packets. It reports false
// when the batch carried none.
func ReduceRTCP(packets []rtcp.Packet) (LinkStats, bool) {
	var (
		totalLoss   float64
		totalJitter float64
		count       int
	)
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalLoss += float64(report.FractionLost)
				totalJitter += float64(report.Jitter)
				count++
			}
		case *rtcp.SenderReport:
			for _, report := range p.Reports {
				totalLoss += float64(report.FractionLost)
				totalJitter += float64(report.Jitter)
				count++
			}
		}
	}
	if count == 0 {
		return LinkStats{}, false
	}
	return LinkStats{
		PacketLoss: totalLoss / float64(count) / 256 * 100,
		Jitter:     totalJitter / float64(count),
		Reports:    count,
	}, true
}

type mediaCounter struct {
	bytes uint64
	at    time.Time
}

type statsBaseline struct {
	audio mediaCounter
	video mediaCounter
}

// NetworkStats reads the peer connection's stats report and converts it
// into unified units. Bitrates are computed against the previous call.
func (s *Session) NetworkStats(now time.Time) (domain.NetworkStats, error) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return domain.NetworkStats{}, ErrNotJoined
	}

	report := pc.GetStats()

	s.mu.Lock()
	defer s.mu.Unlock()
	return ReduceStats(report, &s.baseline, now), nil
}

// ReduceStats converts a pion stats report. RTT and jitter become
// milliseconds, bitrates kbps and loss a percentage.
func ReduceStats(report webrtc.StatsReport, baseline *statsBaseline, now time.Time) domain.NetworkStats {
	out := domain.NetworkStats{UpdatedAt: now}

	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated && st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			out.RTT = st.CurrentRoundTripTime * 1000
			out.Bandwidth = st.AvailableOutgoingBitrate / 1000

		case webrtc.InboundRTPStreamStats:
			ms := domain.MediaStats{
				Jitter:     st.Jitter * 1000,
				PacketLoss: lossPercent(st.PacketsReceived, st.PacketsLost),
			}
			var counter *mediaCounter
			if st.Kind == KindVideo {
				counter = &baseline.video
			} else {
				counter = &baseline.audio
			}
			ms.Bitrate = bitrateKbps(counter, st.BytesReceived, now)

			if st.Kind == KindVideo {
				out.Video = ms
			} else {
				out.Audio = ms
			}
		}
	}
	return out
}

func lossPercent(received uint32, lost int32) float64 {
	if lost <= 0 {
		return 0
	}
	total := float64(received) + float64(lost)
	if total == 0 {
		return 0
	}
	return float64(lost) / total * 100
}

func bitrateKbps(prev *mediaCounter, bytes uint64, now time.Time) float64 {
	defer func() { prev.bytes, prev.at = bytes, now }()
	if prev.at.IsZero() || bytes < prev.bytes {
		return 0
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes-prev.bytes) * 8 / 1000 / elapsed
}
