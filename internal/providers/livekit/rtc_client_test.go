package livekit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sfu is a scripted room server. It answers join with joinedPayload,
// answers offers with a real SDP answer and records every message type it
// receives.
type sfu struct {
	mu       sync.Mutex
	received []string
}

func (s *sfu) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func startSFU(t *testing.T, joinedPayload string) (*sfu, string) {
	t.Helper()
	room := &sfu{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var pc *webrtc.PeerConnection
		defer func() {
			if pc != nil {
				pc.Close()
			}
		}()

		for {
			var msg rtc.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			room.mu.Lock()
			room.received = append(room.received, msg.Type)
			room.mu.Unlock()

			switch msg.Type {
			case msgJoin:
				_ = conn.WriteJSON(rtc.Message{Type: msgJoined, Payload: json.RawMessage(joinedPayload)})
			case "offer":
				var offer struct{ SDP string }
				if err := json.Unmarshal(msg.Payload, &offer); err != nil {
					return
				}
				if pc, err = webrtc.NewPeerConnection(webrtc.Configuration{}); err != nil {
					return
				}
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
					return
				}
				answer, err := pc.CreateAnswer(nil)
				if err != nil {
					return
				}
				if err := pc.SetLocalDescription(answer); err != nil {
					return
				}
				payload, _ := json.Marshal(map[string]string{"type": "answer", "sdp": answer.SDP})
				_ = conn.WriteJSON(rtc.Message{Type: "answer", Payload: payload})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return room, strings.TrimPrefix(srv.URL, "http://")
}

func TestRTCClient_MalformedJoinReplyLeavesRoom(t *testing.T) {
	room, addr := startSFU(t, `{"participant":"not-an-object"}`)
	client := NewClient(rtc.Config{NegotiationTimeout: 5 * time.Second}, nil)

	_, err := client.Connect(context.Background(), "ws://"+addr, "token", RoomCallback{})
	require.Error(t, err)
	var ve *errors.VendorError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "SignalRequestError", ve.Name)

	assert.Eventually(t, func() bool {
		for _, typ := range room.types() {
			if typ == msgLeave {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "room was never left")

	// The client is free for a fresh attempt instead of reporting a live
	// session.
	_, err = client.Connect(context.Background(), "ws://"+addr, "token", RoomCallback{})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "SignalRequestError", ve.Name)
	assert.NotContains(t, ve.Message, "already connected")

	assert.NoError(t, client.Disconnect(context.Background()))
}
