package rtc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateway is a scripted signaling peer: for every inbound message type it
// replies with the configured message.
func gateway(t *testing.T, replies map[string]Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if reply, ok := replies[msg.Type]; ok {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSignalClient_RoundTrip(t *testing.T) {
	srv := gateway(t, map[string]Message{
		"ping-app": {Type: "pong-app", Payload: json.RawMessage(`{"n":1}`)},
	})

	got := make(chan Message, 1)
	c, err := DialSignal(context.Background(), wsURL(srv), nil, Config{}, func(m Message) { got <- m }, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send("ping-app", map[string]int{"n": 1}))

	select {
	case msg := <-got:
		assert.Equal(t, "pong-app", msg.Type)
		var p struct{ N int }
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, 1, p.N)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from gateway")
	}
}

func TestSignalClient_SendAfterClose(t *testing.T) {
	srv := gateway(t, nil)
	c, err := DialSignal(context.Background(), wsURL(srv), nil, Config{}, func(Message) {}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Send("anything", nil), ErrSignalClosed)
}

func TestSession_JoinRejected(t *testing.T) {
	srv := gateway(t, map[string]Message{
		"join": {Type: "error", Payload: json.RawMessage(`{"code":401,"name":"INVALID_TOKEN","message":"token rejected"}`)},
	})

	s := NewSession(Config{SignalingURL: wsURL(srv), ICEServers: []string{}}, Events{}, nil)
	_, err := s.Join(context.Background(), nil, "join", map[string]string{"token": "bad"})
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 401, remote.Code)
	assert.Equal(t, "INVALID_TOKEN", remote.Name)
	assert.False(t, s.Joined())
	assert.False(t, s.DataReady())
	assert.ErrorIs(t, s.SendData([]byte("x")), ErrDataNotReady)
}

func TestSession_NotJoined(t *testing.T) {
	s := NewSession(Config{}, Events{}, nil)
	assert.ErrorIs(t, s.SendSignal("x", nil), ErrNotJoined)
	_, err := s.NetworkStats(time.Now())
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.NoError(t, s.Leave(context.Background(), "leave"))
}
