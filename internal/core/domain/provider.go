package domain

import (
	"fmt"
	"strings"
)

// ProviderType tags one of the supported real-time vendors.
type ProviderType string

const (
	ProviderAgora   ProviderType = "agora"
	ProviderLiveKit ProviderType = "livekit"
	ProviderTRTC    ProviderType = "trtc"
)

// ProviderTypes lists every supported vendor in a stable order.
func ProviderTypes() []ProviderType {
	return []ProviderType{ProviderAgora, ProviderLiveKit, ProviderTRTC}
}

func (p ProviderType) Valid() bool {
	switch p {
	case ProviderAgora, ProviderLiveKit, ProviderTRTC:
		return true
	}
	return false
}

func (p ProviderType) String() string { return string(p) }

// ParseProviderType accepts a vendor tag in any case.
func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// ConnectionStatus is the transport state reported by a connection controller.
type ConnectionStatus string

const (
	ConnectionDisconnected  ConnectionStatus = "disconnected"
	ConnectionConnecting    ConnectionStatus = "connecting"
	ConnectionConnected     ConnectionStatus = "connected"
	ConnectionReconnecting  ConnectionStatus = "reconnecting"
	ConnectionDisconnecting ConnectionStatus = "disconnecting"
)

// ConnectionChange describes one transport state transition.
type ConnectionChange struct {
	Status   ConnectionStatus `json:"status"`
	Previous ConnectionStatus `json:"previous"`
	Reason   string           `json:"reason,omitempty"`
}
