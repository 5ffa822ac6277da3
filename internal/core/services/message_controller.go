package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/retry"
	"avatarlink/pkg/utils"

	"go.uber.org/zap"
)

// MessageConfig bounds outbound frames.
type MessageConfig struct {
	MaxEncodedSize int
	BytesPerSecond int
	ParamsRetry    retry.Config
}

// DefaultMessageConfig matches the observed data channel limits.
func DefaultMessageConfig() MessageConfig {
	return MessageConfig{
		MaxEncodedSize: 960,
		BytesPerSecond: 5700,
		ParamsRetry:    retry.Fixed(3, 100*time.Millisecond),
	}
}

// Frame is one encoded chunk of an outbound chat message.
type Frame struct {
	Index int
	Final bool
	Text  string
	Data  []byte
}

// MessageController implements the chat and command protocol over a
// vendor's data channel.
type MessageController struct {
	provider  domain.ProviderType
	transport ports.MessageTransport
	bus       *eventbus.Bus
	config    MessageConfig
	metrics   ports.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	logger *zap.SugaredLogger
}

func NewMessageController(
	provider domain.ProviderType,
	transport ports.MessageTransport,
	bus *eventbus.Bus,
	config MessageConfig,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *MessageController {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MessageController{
		provider:  provider,
		transport: transport,
		bus:       bus,
		config:    config,
		metrics:   metrics,
		now:       time.Now,
		sleep:     sleepContext,
		newID:     utils.NewMessageID,
		logger:    logger,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *MessageController) fail(code errors.ErrorCode, msg string, cause error) *errors.StreamingError {
	var se *errors.StreamingError
	if cause != nil {
		se = errors.Wrap(cause, code, msg)
	} else {
		se = errors.New(code, msg)
	}
	return se.WithProvider(string(c.provider))
}

// SendMessage splits content into frames and sends them in order, pacing
// every non-final frame to the configured byte rate.
func (c *MessageController) SendMessage(ctx context.Context, content string) error {
	if content == "" {
		return c.fail(errors.ErrCodeInvalidParameter, "message content is empty", nil)
	}

	mid := c.newID()
	frames, err := c.Chunk(mid, content)
	if err != nil {
		c.metrics.MessageSent(string(c.provider), 0, err)
		return err
	}
	if !c.transport.IsReady() {
		err := c.fail(errors.ErrCodeConnectionFailed, "data channel not ready", nil).WithDetail("messageId", mid)
		c.metrics.MessageSent(string(c.provider), 0, err)
		return err
	}

	for _, f := range frames {
		start := c.now()
		if err := c.transport.SendFrame(ctx, f.Data); err != nil {
			se := c.fail(errors.ErrCodeMessageSendFailed, fmt.Sprintf("failed to send chunk %d", f.Index), err).
				WithDetail("chunkIndex", f.Index).
				WithDetail("messageId", mid)
			c.logger.Warnw("chunk send failed",
				"provider", c.provider,
				"message_id", mid,
				"chunk_index", f.Index,
				"error", err,
			)
			c.metrics.MessageSent(string(c.provider), f.Index, se)
			return se
		}
		c.metrics.ChunkSent(string(c.provider), len(f.Data))

		if f.Final {
			break
		}
		minimum := time.Duration(utils.MillisCeil(time.Duration(len(f.Data))*time.Second/time.Duration(c.config.BytesPerSecond))) * time.Millisecond
		if elapsed := c.now().Sub(start); elapsed < minimum {
			if err := c.sleep(ctx, minimum-elapsed); err != nil {
				se := c.fail(errors.ErrCodeMessageSendFailed, "message send interrupted", err).
					WithDetail("chunkIndex", f.Index+1).
					WithDetail("messageId", mid)
				c.metrics.MessageSent(string(c.provider), f.Index+1, se)
				return se
			}
		}
	}

	c.logger.Debugw("message sent", "provider", c.provider, "message_id", mid, "chunks", len(frames), "preview", utils.TruncateRunes(content, 40))
	c.metrics.MessageSent(string(c.provider), len(frames), nil)
	return nil
}

// Chunk encodes content as a sequence of chat frames sharing mid. Every
// frame's encoded size is at most MaxEncodedSize.
func (c *MessageController) Chunk(mid, content string) ([]Frame, error) {
	limit := c.config.MaxEncodedSize

	empty, err := encodeChatChunk(mid, 0, false, "")
	if err != nil {
		return nil, c.fail(errors.ErrCodeInvalidConfiguration, "failed to encode chunk", err)
	}
	budget := (limit - len(empty)) / 4
	if budget < 1 {
		budget = 1
	}

	runes := []rune(content)
	var frames []Frame
	for pos := 0; pos < len(runes) || len(frames) == 0; {
		n := min(budget, len(runes)-pos)
		for {
			fin := pos+n == len(runes)
			text := string(runes[pos : pos+n])
			data, err := encodeChatChunk(mid, len(frames), fin, text)
			if err != nil {
				return nil, c.fail(errors.ErrCodeInvalidConfiguration, "failed to encode chunk", err)
			}
			if len(data) <= limit {
				frames = append(frames, Frame{Index: len(frames), Final: fin, Text: text, Data: data})
				pos += n
				break
			}
			if n <= 1 {
				return nil, c.fail(errors.ErrCodeInvalidConfiguration, "message content too large for chunking", nil).
					WithDetail("maxEncodedSize", limit).
					WithDetail("encodedSize", len(data))
			}
			n /= 2
		}
	}
	return frames, nil
}

func encodeChatChunk(mid string, idx int, fin bool, text string) ([]byte, error) {
	pld, err := json.Marshal(domain.ChatPayload{Text: text})
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.StreamMessage{
		V:    domain.ProtocolVersion,
		Type: domain.MessageTypeChat,
		MID:  mid,
		Idx:  &idx,
		Fin:  &fin,
		Pld:  pld,
	})
}

func (c *MessageController) encodeCommand(cmd string, data map[string]any) ([]byte, string, error) {
	mid := c.newID()
	pld, err := json.Marshal(domain.CommandPayload{Cmd: cmd, Data: data})
	if err != nil {
		return nil, mid, err
	}
	frame, err := json.Marshal(domain.StreamMessage{
		V:    domain.ProtocolVersion,
		Type: domain.MessageTypeCommand,
		MID:  mid,
		Pld:  pld,
	})
	return frame, mid, err
}

// SendInterrupt asks the avatar to stop speaking.
func (c *MessageController) SendInterrupt(ctx context.Context) error {
	if !c.transport.IsReady() {
		return c.fail(errors.ErrCodeConnectionFailed, "data channel not ready", nil)
	}
	frame, mid, err := c.encodeCommand(domain.CommandInterrupt, nil)
	if err != nil {
		return c.fail(errors.ErrCodeInvalidParameter, "failed to encode interrupt", err)
	}
	if err := c.transport.SendFrame(ctx, frame); err != nil {
		return c.fail(errors.ErrCodeMessageSendFailed, "failed to send interrupt", err).WithDetail("messageId", mid)
	}
	c.logger.Debugw("interrupt sent", "provider", c.provider, "message_id", mid)
	return nil
}

// SetAvatarParams sends a set-params command. Nil and empty-string values
// are dropped first. A transport that is not ready is retried on a fixed
// schedule before giving up with a connection error.
func (c *MessageController) SetAvatarParams(ctx context.Context, metadata map[string]any) error {
	data := CleanMetadata(metadata)
	frame, mid, err := c.encodeCommand(domain.CommandSetParams, data)
	if err != nil {
		return c.fail(errors.ErrCodeInvalidParameter, "failed to encode avatar parameters", err)
	}

	policy := c.config.ParamsRetry
	policy.Retryable = func(err error) bool { return stderrors.Is(err, retry.ErrNotReady) }

	err = retry.Retry(ctx, policy, func() error {
		if !c.transport.IsReady() {
			return retry.ErrNotReady
		}
		return c.transport.SendFrame(ctx, frame)
	})
	switch {
	case err == nil:
		c.logger.Debugw("avatar parameters sent", "provider", c.provider, "message_id", mid, "keys", len(data))
		return nil
	case stderrors.Is(err, retry.ErrNotReady):
		return c.fail(errors.ErrCodeConnectionFailed, "data channel not ready for set-params", err).WithDetail("messageId", mid)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.MapGenericError(err).WithProvider(string(c.provider)).WithDetail("messageId", mid)
	default:
		return c.fail(errors.ErrCodeMessageSendFailed, "failed to send avatar parameters", err).WithDetail("messageId", mid)
	}
}

// CleanMetadata drops nil values and empty strings, recursing into nested
// maps. Nested maps left empty are dropped too.
func CleanMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
		case map[string]any:
			nested := CleanMetadata(val)
			if len(nested) == 0 {
				continue
			}
			v = nested
		}
		out[k] = v
	}
	return out
}

// HandleFrame interprets one inbound data channel payload.
func (c *MessageController) HandleFrame(data []byte) {
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "�"))
	}
	if !json.Valid(data) {
		eventbus.Emit(c.bus, TopicMessageReceived, domain.ReceivedMessage{
			ID:        utils.NewSyntheticID(),
			Content:   string(data),
			Sender:    domain.SenderSystem,
			Timestamp: c.now(),
		})
		return
	}

	var msg domain.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debugw("ignoring non-envelope frame", "provider", c.provider, "error", err)
		return
	}
	if msg.V != domain.ProtocolVersion {
		return
	}

	switch msg.Type {
	case domain.MessageTypeChat:
		c.handleChat(msg)
	case domain.MessageTypeEvent:
		c.handleEvent(msg)
	case domain.MessageTypeCommand:
		c.handleCommand(msg)
	default:
		c.logger.Debugw("ignoring unknown message type", "provider", c.provider, "type", msg.Type)
	}
}

func (c *MessageController) handleChat(msg domain.StreamMessage) {
	var pld domain.ChatPayload
	if err := json.Unmarshal(msg.Pld, &pld); err != nil {
		c.logger.Debugw("malformed chat payload", "provider", c.provider, "message_id", msg.MID, "error", err)
		return
	}
	from := pld.From
	if from == "" || from == "bot" {
		from = domain.SenderAvatar
	}
	eventbus.Emit(c.bus, TopicChatMessage, domain.ChatMessage{MessageID: msg.MID, Text: pld.Text, From: from})
}

func (c *MessageController) handleEvent(msg domain.StreamMessage) {
	var pld domain.EventPayload
	if err := json.Unmarshal(msg.Pld, &pld); err != nil {
		return
	}

	var (
		text      string
		eventType string
		speaking  bool
	)
	switch pld.Event {
	case domain.WireEventAudioStart:
		text, eventType, speaking = "Avatar started speaking", domain.EventTypeAvatarAudioStart, true
	case domain.WireEventAudioEnd:
		text, eventType, speaking = "Avatar stopped speaking", domain.EventTypeAvatarAudioEnd, false
	default:
		return
	}

	eventbus.Emit(c.bus, TopicSystemMessage, domain.SystemMessage{
		ID:        c.idOr(msg.MID),
		Text:      text,
		EventType: eventType,
	})
	eventbus.Emit(c.bus, TopicSpeaking, speaking)
}

func (c *MessageController) handleCommand(msg domain.StreamMessage) {
	var pld domain.CommandPayload
	if err := json.Unmarshal(msg.Pld, &pld); err != nil || pld.Cmd == "" {
		return
	}

	if pld.Code != nil {
		success := *pld.Code == domain.AckSuccessCode
		eventType := ackEventType(pld.Cmd)

		text := "✅ " + commandLabel(pld.Cmd) + " succeeded"
		if !success {
			text = fmt.Sprintf("❌ %s failed (code %d)", commandLabel(pld.Cmd), *pld.Code)
		}
		if pld.Msg != "" {
			text += ": " + pld.Msg
		}

		eventbus.Emit(c.bus, TopicSystemMessage, domain.SystemMessage{
			ID:        c.idOr(msg.MID),
			Text:      text,
			EventType: eventType,
			Metadata:  map[string]any{"code": *pld.Code},
		})
		eventbus.Emit(c.bus, TopicCommand, domain.CommandEvent{
			Command: pld.Cmd,
			Success: success,
			Message: pld.Msg,
		})
		return
	}

	eventbus.Emit(c.bus, TopicSystemMessage, domain.SystemMessage{
		ID:        c.idOr(msg.MID),
		Text:      "Command: " + pld.Cmd,
		EventType: strings.ReplaceAll(pld.Cmd, "-", "_"),
		Metadata:  pld.Data,
	})
	eventbus.Emit(c.bus, TopicCommand, domain.CommandEvent{
		Command: pld.Cmd,
		Success: true,
		Message: pld.Msg,
		Data:    pld.Data,
	})
}

func ackEventType(cmd string) string {
	if cmd == domain.CommandInterrupt {
		return domain.EventTypeInterruptAck
	}
	return domain.EventTypeSetParamsAck
}

func commandLabel(cmd string) string {
	switch cmd {
	case domain.CommandInterrupt:
		return "Interrupt"
	case domain.CommandSetParams:
		return "Set parameters"
	}
	return cmd
}

func (c *MessageController) idOr(mid string) string {
	if mid != "" {
		return mid
	}
	return utils.NewSyntheticID()
}
