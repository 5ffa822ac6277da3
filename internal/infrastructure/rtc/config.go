package rtc

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// Config configures one vendor session.
type Config struct {
	SignalingURL string
	ICEServers   []string
	PortRange    struct {
		Min uint16
		Max uint16
	}

	// DataChannelLabel names the unreliable message channel.
	DataChannelLabel string
	// JoinReply is the signaling message type that acknowledges a join.
	JoinReply string

	PingInterval       time.Duration
	WriteTimeout       time.Duration
	NegotiationTimeout time.Duration
}

// DefaultConfig returns the settings used when a vendor leaves a field unset.
func DefaultConfig() Config {
	return Config{
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		DataChannelLabel:   "messages",
		JoinReply:          "joined",
		PingInterval:       15 * time.Second,
		WriteTimeout:       10 * time.Second,
		NegotiationTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.ICEServers) == 0 {
		c.ICEServers = d.ICEServers
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = d.DataChannelLabel
	}
	if c.JoinReply == "" {
		c.JoinReply = d.JoinReply
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = d.NegotiationTimeout
	}
	return c
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}
