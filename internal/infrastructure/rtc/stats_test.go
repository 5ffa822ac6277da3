package rtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceRTCP(t *testing.T) {
	packets := []rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{
			{SSRC: 1, FractionLost: 64, Jitter: 480},
			{SSRC: 2, FractionLost: 0, Jitter: 160},
		}},
		&rtcp.PictureLossIndication{MediaSSRC: 3},
	}

	stats, ok := ReduceRTCP(packets)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Reports)
	assert.InDelta(t, 12.5, stats.PacketLoss, 0.001)
	assert.InDelta(t, 320, stats.Jitter, 0.001)

	_, ok = ReduceRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{}})
	assert.False(t, ok)
}

func TestReduceStats(t *testing.T) {
	base := &statsBaseline{}
	t0 := time.Unix(1700000000, 0)

	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Nominated:                true,
			CurrentRoundTripTime:     0.045,
			AvailableOutgoingBitrate: 1_200_000,
		},
		"audio": webrtc.InboundRTPStreamStats{
			Kind:            "audio",
			PacketsReceived: 990,
			PacketsLost:     10,
			Jitter:          0.012,
			BytesReceived:   10_000,
		},
		"video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			PacketsReceived: 500,
			BytesReceived:   100_000,
		},
	}

	first := ReduceStats(report, base, t0)
	assert.InDelta(t, 45, first.RTT, 0.001)
	assert.InDelta(t, 1200, first.Bandwidth, 0.001)
	assert.InDelta(t, 1, first.Audio.PacketLoss, 0.001)
	assert.InDelta(t, 12, first.Audio.Jitter, 0.001)
	assert.Zero(t, first.Audio.Bitrate, "no baseline yet")

	report["video"] = webrtc.InboundRTPStreamStats{Kind: "video", PacketsReceived: 600, BytesReceived: 225_000}
	second := ReduceStats(report, base, t0.Add(time.Second))
	assert.InDelta(t, 1000, second.Video.Bitrate, 0.001)
	assert.Zero(t, second.Video.PacketLoss)
	assert.Equal(t, t0.Add(time.Second), second.UpdatedAt)
}
