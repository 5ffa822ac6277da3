package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	ready   []bool // consumed one per IsReady call; last value sticks
	failAt  int    // 1-based frame number to fail; 0 never
	sendErr error
}

func (t *fakeTransport) SendFrame(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAt > 0 && len(t.frames)+1 == t.failAt {
		return t.sendErr
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ready) == 0 {
		return true
	}
	v := t.ready[0]
	if len(t.ready) > 1 {
		t.ready = t.ready[1:]
	}
	return v
}

func (t *fakeTransport) sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

type recorder struct {
	mu       sync.Mutex
	chats    []domain.ChatMessage
	systems  []domain.SystemMessage
	commands []domain.CommandEvent
	received []domain.ReceivedMessage
	speaking []bool
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats) + len(r.systems) + len(r.commands) + len(r.received) + len(r.speaking)
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{}
	eventbus.On(bus, TopicChatMessage, func(m domain.ChatMessage) { r.mu.Lock(); r.chats = append(r.chats, m); r.mu.Unlock() })
	eventbus.On(bus, TopicSystemMessage, func(m domain.SystemMessage) { r.mu.Lock(); r.systems = append(r.systems, m); r.mu.Unlock() })
	eventbus.On(bus, TopicCommand, func(m domain.CommandEvent) { r.mu.Lock(); r.commands = append(r.commands, m); r.mu.Unlock() })
	eventbus.On(bus, TopicMessageReceived, func(m domain.ReceivedMessage) { r.mu.Lock(); r.received = append(r.received, m); r.mu.Unlock() })
	eventbus.On(bus, TopicSpeaking, func(v bool) { r.mu.Lock(); r.speaking = append(r.speaking, v); r.mu.Unlock() })
	return r
}

func newTestMessageController(t *testing.T, transport *fakeTransport, cfg MessageConfig) (*MessageController, *eventbus.Bus, *[]time.Duration) {
	t.Helper()
	bus := eventbus.New(nil)
	mc := NewMessageController(domain.ProviderAgora, transport, bus, cfg, nil, nil)

	fixed := time.Unix(1700000000, 0)
	mc.now = func() time.Time { return fixed }
	mc.newID = func() string { return "m1" }

	var sleeps []time.Duration
	mc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return mc, bus, &sleeps
}

func decodeChunks(t *testing.T, frames [][]byte) ([]domain.StreamMessage, string) {
	t.Helper()
	var (
		msgs []domain.StreamMessage
		text strings.Builder
	)
	for _, f := range frames {
		var msg domain.StreamMessage
		require.NoError(t, json.Unmarshal(f, &msg))
		var pld domain.ChatPayload
		require.NoError(t, json.Unmarshal(msg.Pld, &pld))
		text.WriteString(pld.Text)
		msgs = append(msgs, msg)
	}
	return msgs, text.String()
}

func TestSendMessage_SingleChunk(t *testing.T) {
	transport := &fakeTransport{}
	mc, _, sleeps := newTestMessageController(t, transport, DefaultMessageConfig())

	require.NoError(t, mc.SendMessage(context.Background(), "hello"))

	msgs, text := decodeChunks(t, transport.sent())
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", text)
	assert.Equal(t, 2, msgs[0].V)
	assert.Equal(t, domain.MessageTypeChat, msgs[0].Type)
	assert.Equal(t, "m1", msgs[0].MID)
	assert.Equal(t, 0, *msgs[0].Idx)
	assert.True(t, *msgs[0].Fin)
	assert.Empty(t, *sleeps, "no delay follows the final chunk")
}

func TestSendMessage_ChunksLongASCII(t *testing.T) {
	transport := &fakeTransport{}
	cfg := DefaultMessageConfig()
	mc, _, sleeps := newTestMessageController(t, transport, cfg)

	input := strings.Repeat("abcdefghij", 200)
	require.NoError(t, mc.SendMessage(context.Background(), input))

	frames := transport.sent()
	msgs, text := decodeChunks(t, frames)
	require.Greater(t, len(msgs), 1)
	assert.Equal(t, input, text)

	for i, msg := range msgs {
		assert.Equal(t, i, *msg.Idx)
		assert.Equal(t, i == len(msgs)-1, *msg.Fin)
		assert.Equal(t, "m1", msg.MID)
		assert.LessOrEqual(t, len(frames[i]), cfg.MaxEncodedSize)
	}

	require.Len(t, *sleeps, len(msgs)-1)
	for i, d := range *sleeps {
		want := time.Duration((1000*len(frames[i])+cfg.BytesPerSecond-1)/cfg.BytesPerSecond) * time.Millisecond
		assert.Equal(t, want, d, "pacing delay after chunk %d", i)
	}
}

func TestSendMessage_WideCharactersStayWithinLimit(t *testing.T) {
	transport := &fakeTransport{}
	cfg := DefaultMessageConfig()
	cfg.MaxEncodedSize = 200
	mc, _, _ := newTestMessageController(t, transport, cfg)

	input := strings.Repeat("héllo 😀 мир <&> \"quoted\"\n", 40)
	require.NoError(t, mc.SendMessage(context.Background(), input))

	frames := transport.sent()
	_, text := decodeChunks(t, frames)
	assert.Equal(t, input, text)
	for _, f := range frames {
		assert.LessOrEqual(t, len(f), cfg.MaxEncodedSize)
	}
}

func TestSendMessage_SingleCharacterTooLarge(t *testing.T) {
	transport := &fakeTransport{}
	cfg := DefaultMessageConfig()
	empty, err := encodeChatChunk("m1", 0, false, "")
	require.NoError(t, err)

	cfg.MaxEncodedSize = len(empty) + 1
	mc, _, _ := newTestMessageController(t, transport, cfg)

	err = mc.SendMessage(context.Background(), "😀")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
	assert.Contains(t, err.Error(), "message content too large for chunking")
	assert.Empty(t, transport.sent())
}

func TestSendMessage_ChunkFailureAborts(t *testing.T) {
	cause := stderrors.New("datachannel closed")
	transport := &fakeTransport{failAt: 2, sendErr: cause}
	mc, _, _ := newTestMessageController(t, transport, DefaultMessageConfig())

	err := mc.SendMessage(context.Background(), strings.Repeat("x", 3000))
	require.Error(t, err)

	se := errors.GetStreamingError(err)
	require.NotNil(t, se)
	assert.Equal(t, errors.ErrCodeMessageSendFailed, se.Code)
	idx, _ := se.Detail("chunkIndex")
	mid, _ := se.Detail("messageId")
	assert.Equal(t, 1, idx)
	assert.Equal(t, "m1", mid)
	assert.ErrorIs(t, err, cause)
	assert.Len(t, transport.sent(), 1, "chunks already sent are not rolled back")
}

func TestSendMessage_CancelledDuringPacing(t *testing.T) {
	transport := &fakeTransport{}
	mc, _, _ := newTestMessageController(t, transport, DefaultMessageConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mc.SendMessage(ctx, strings.Repeat("y", 3000))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMessageSendFailed))
	assert.Len(t, transport.sent(), 1)
}

func TestSendMessage_RejectsEmptyAndNotReady(t *testing.T) {
	transport := &fakeTransport{ready: []bool{false}}
	mc, _, _ := newTestMessageController(t, transport, DefaultMessageConfig())

	assert.True(t, errors.HasCode(mc.SendMessage(context.Background(), ""), errors.ErrCodeInvalidParameter))
	assert.True(t, errors.HasCode(mc.SendMessage(context.Background(), "hi"), errors.ErrCodeConnectionFailed))
	assert.Empty(t, transport.sent())
}

func TestHandleFrame_InterruptAck(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	mc.HandleFrame([]byte(`{"v":2,"type":"command","mid":"m1","pld":{"cmd":"interrupt","code":1000}}`))

	require.Len(t, rec.systems, 1)
	assert.True(t, strings.HasPrefix(rec.systems[0].Text, "✅"))
	assert.Equal(t, domain.EventTypeInterruptAck, rec.systems[0].EventType)
	require.Len(t, rec.commands, 1)
	assert.Equal(t, domain.CommandEvent{Command: "interrupt", Success: true}, rec.commands[0])
}

func TestHandleFrame_SetParamsAckFailure(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	mc.HandleFrame([]byte(`{"v":2,"type":"command","mid":"m2","pld":{"cmd":"set-params","code":4001,"msg":"bad voice"}}`))

	require.Len(t, rec.systems, 1)
	assert.True(t, strings.HasPrefix(rec.systems[0].Text, "❌"))
	assert.Contains(t, rec.systems[0].Text, "bad voice")
	assert.Equal(t, domain.EventTypeSetParamsAck, rec.systems[0].EventType)
	require.Len(t, rec.commands, 1)
	assert.False(t, rec.commands[0].Success)
}

func TestHandleFrame_CommandNotification(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	mc.HandleFrame([]byte(`{"v":2,"type":"command","mid":"m3","pld":{"cmd":"set-params","data":{"voice_id":"v1"}}}`))

	require.Len(t, rec.systems, 1)
	assert.Equal(t, domain.EventTypeSetParams, rec.systems[0].EventType)
	assert.Equal(t, "v1", rec.systems[0].Metadata["voice_id"])
	require.Len(t, rec.commands, 1)
	assert.Equal(t, "set-params", rec.commands[0].Command)
	assert.Equal(t, "v1", rec.commands[0].Data["voice_id"])
}

func TestHandleFrame_AudioEvents(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	mc.HandleFrame([]byte(`{"v":2,"type":"event","pld":{"event":"audio_start"}}`))
	mc.HandleFrame([]byte(`{"v":2,"type":"event","pld":{"event":"audio_end"}}`))
	mc.HandleFrame([]byte(`{"v":2,"type":"event","pld":{"event":"gesture"}}`))

	require.Len(t, rec.systems, 2)
	assert.Equal(t, domain.EventTypeAvatarAudioStart, rec.systems[0].EventType)
	assert.Equal(t, domain.EventTypeAvatarAudioEnd, rec.systems[1].EventType)
	assert.NotEmpty(t, rec.systems[0].ID)
	assert.Equal(t, []bool{true, false}, rec.speaking)
}

func TestHandleFrame_Chat(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	mc.HandleFrame([]byte(`{"v":2,"type":"chat","mid":"c1","idx":0,"fin":true,"pld":{"text":"hi there","from":"bot"}}`))

	require.Len(t, rec.chats, 1)
	assert.Equal(t, domain.ChatMessage{MessageID: "c1", Text: "hi there", From: domain.SenderAvatar}, rec.chats[0])
}

func TestHandleFrame_NonJSONFallback(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	mc.HandleFrame([]byte("plain hello"))

	require.Len(t, rec.received, 1)
	assert.Equal(t, "plain hello", rec.received[0].Content)
	assert.Equal(t, domain.SenderSystem, rec.received[0].Sender)
	assert.NotEmpty(t, rec.received[0].ID)
}

func TestHandleFrame_IgnoredFrames(t *testing.T) {
	mc, bus, _ := newTestMessageController(t, &fakeTransport{}, DefaultMessageConfig())
	rec := record(bus)

	frames := []string{
		`{"v":1,"type":"chat","mid":"x","pld":{"text":"old"}}`,
		`{"v":3,"type":"event","pld":{"event":"audio_start"}}`,
		`{"type":"command","pld":{"cmd":"interrupt","code":1000}}`,
		`{"v":2,"type":"bogus","mid":"x","pld":{}}`,
		`123`,
		`["v",2]`,
	}
	for _, f := range frames {
		assert.NotPanics(t, func() { mc.HandleFrame([]byte(f)) })
	}
	assert.Equal(t, 0, rec.total())
}

func TestSetAvatarParams_RetriesUntilReady(t *testing.T) {
	transport := &fakeTransport{ready: []bool{false, false, true}}
	cfg := DefaultMessageConfig()
	cfg.ParamsRetry = retry.Fixed(3, time.Millisecond)
	mc, _, _ := newTestMessageController(t, transport, cfg)

	err := mc.SetAvatarParams(context.Background(), map[string]any{
		"voice_id": "v1",
		"language": "",
		"avatar":   nil,
		"extra":    map[string]any{"empty": ""},
		"speed":    1.2,
	})
	require.NoError(t, err)

	frames := transport.sent()
	require.Len(t, frames, 1)
	var msg domain.StreamMessage
	require.NoError(t, json.Unmarshal(frames[0], &msg))
	assert.Equal(t, domain.MessageTypeCommand, msg.Type)

	var pld domain.CommandPayload
	require.NoError(t, json.Unmarshal(msg.Pld, &pld))
	assert.Equal(t, domain.CommandSetParams, pld.Cmd)
	assert.Equal(t, map[string]any{"voice_id": "v1", "speed": 1.2}, pld.Data)
}

func TestSetAvatarParams_NeverReady(t *testing.T) {
	transport := &fakeTransport{ready: []bool{false}}
	cfg := DefaultMessageConfig()
	cfg.ParamsRetry = retry.Fixed(3, time.Millisecond)
	mc, _, _ := newTestMessageController(t, transport, cfg)

	err := mc.SetAvatarParams(context.Background(), map[string]any{"voice_id": "v1"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))
	assert.Empty(t, transport.sent())
}

func TestSendInterrupt(t *testing.T) {
	transport := &fakeTransport{}
	mc, _, _ := newTestMessageController(t, transport, DefaultMessageConfig())

	require.NoError(t, mc.SendInterrupt(context.Background()))
	frames := transport.sent()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"v":2,"type":"command","mid":"m1","pld":{"cmd":"interrupt"}}`, string(frames[0]))
}
