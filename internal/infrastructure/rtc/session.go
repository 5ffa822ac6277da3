package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Events are the callbacks a vendor adapter registers on a Session. They
// run on pion or signaling goroutines and must not block.
type Events struct {
	// OnMessage receives vendor signaling messages the engine does not
	// consume itself.
	OnMessage         func(Message)
	OnData            func([]byte)
	OnDataOpen        func()
	OnConnectionState func(webrtc.PeerConnectionState)
	OnRemoteTrack     func(kind string, id string)
	OnLinkStats       func(LinkStats)
	// OnClosed fires when signaling ends without Leave being called.
	OnClosed func(err error)
}

// Session is one peer connection to a vendor media gateway, negotiated over
// a SignalClient, with a single unreliable data channel.
type Session struct {
	cfg    Config
	events Events

	mu      sync.Mutex
	signal  *SignalClient
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	waiters map[string][]chan Message
	remote  map[string]*remoteTrack
	local   map[string]*LocalTrack
	joined  bool
	leaving atomic.Bool

	baseline statsBaseline

	logger *zap.SugaredLogger
}

func NewSession(cfg Config, events Events, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		cfg:     cfg.withDefaults(),
		events:  events,
		waiters: make(map[string][]chan Message),
		remote:  make(map[string]*remoteTrack),
		local:   make(map[string]*LocalTrack),
		logger:  logger,
	}
}

// createPeerConnection creates a new WebRTC connection
func (s *Session) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   s.cfg.iceServers(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	settingEngine := webrtc.SettingEngine{}
	if s.cfg.PortRange.Min > 0 && s.cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(s.cfg.PortRange.Min, s.cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// Join dials signaling, sends joinType with payload, waits for the join
// reply and negotiates the peer connection. The reply payload is returned
// for the vendor adapter to interpret.
func (s *Session) Join(ctx context.Context, header http.Header, joinType string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	s.mu.Unlock()
	s.leaving.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
	defer cancel()

	signal, err := DialSignal(ctx, s.cfg.SignalingURL, header, s.cfg, s.onSignal, s.logger)
	if err != nil {
		return nil, err
	}

	pc, err := s.createPeerConnection()
	if err != nil {
		signal.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(s.cfg.DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		pc.Close()
		signal.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	s.mu.Lock()
	s.signal, s.pc, s.dc = signal, pc, dc
	s.mu.Unlock()

	s.wirePeerConnection(pc, dc)
	go s.watchSignal(signal)

	reply, err := s.request(ctx, joinType, payload, s.cfg.JoinReply)
	if err != nil {
		s.teardown()
		return nil, err
	}
	if err := s.negotiate(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	s.logger.Infow("rtc session joined", "label", s.cfg.DataChannelLabel)
	return reply.Payload, nil
}

func (s *Session) wirePeerConnection(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.logger.Debugw("data channel open", "label", dc.Label())
		if s.events.OnDataOpen != nil {
			s.events.OnDataOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.events.OnData != nil {
			s.events.OnData(msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.SendSignal("candidate", c.ToJSON()); err != nil {
			s.logger.Debugw("failed to send ice candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed", "connection_state", state)
		if s.events.OnConnectionState != nil {
			s.events.OnConnectionState(state)
		}
	})
	pc.OnTrack(s.handleRemoteTrack)
}

func (s *Session) watchSignal(signal *SignalClient) {
	<-signal.Done()
	if s.leaving.Load() {
		return
	}
	s.logger.Warnw("signaling closed unexpectedly", "error", signal.Err())
	if s.events.OnClosed != nil {
		s.events.OnClosed(signal.Err())
	}
}

func (s *Session) onSignal(msg Message) {
	switch msg.Type {
	case "candidate":
		var init webrtc.ICECandidateInit
		if err := msg.Decode(&init); err != nil {
			s.logger.Debugw("bad remote candidate", "error", err)
			return
		}
		s.mu.Lock()
		pc := s.pc
		s.mu.Unlock()
		if pc != nil {
			if err := pc.AddICECandidate(init); err != nil {
				s.logger.Debugw("failed to add remote candidate", "error", err)
			}
		}
		return
	case "error":
		if s.deliverAll(msg) {
			return
		}
	default:
		if s.deliver(msg) {
			return
		}
	}
	if s.events.OnMessage != nil {
		s.events.OnMessage(msg)
	}
}

func (s *Session) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chs := s.waiters[msg.Type]
	if len(chs) == 0 {
		return false
	}
	ch := chs[0]
	s.waiters[msg.Type] = chs[1:]
	ch <- msg
	return true
}

func (s *Session) deliverAll(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := false
	for typ, chs := range s.waiters {
		for _, ch := range chs {
			ch <- msg
			delivered = true
		}
		delete(s.waiters, typ)
	}
	return delivered
}

func (s *Session) await(replyType string) (chan Message, func()) {
	ch := make(chan Message, 1)
	s.mu.Lock()
	s.waiters[replyType] = append(s.waiters[replyType], ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chs := s.waiters[replyType]
		for i, c := range chs {
			if c == ch {
				s.waiters[replyType] = append(chs[:i:i], chs[i+1:]...)
				return
			}
		}
	}
}

// request sends one message and waits for replyType or a remote error.
func (s *Session) request(ctx context.Context, msgType string, payload any, replyType string) (Message, error) {
	ch, cancel := s.await(replyType)
	defer cancel()

	if err := s.SendSignal(msgType, payload); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	signal := s.signal
	s.mu.Unlock()

	select {
	case msg := <-ch:
		if msg.Type == "error" {
			remote := &RemoteError{}
			if err := msg.Decode(remote); err != nil {
				return Message{}, err
			}
			return Message{}, remote
		}
		return msg, nil
	case <-signal.Done():
		if err := signal.Err(); err != nil {
			return Message{}, fmt.Errorf("signaling closed waiting for %s: %w", replyType, err)
		}
		return Message{}, ErrSignalClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s *Session) negotiate(ctx context.Context) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrNotJoined
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	reply, err := s.request(ctx, "offer", sdpPayload{Type: offer.Type.String(), SDP: offer.SDP}, "answer")
	if err != nil {
		return err
	}
	var answer sdpPayload
	if err := reply.Decode(&answer); err != nil {
		return err
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

// SendSignal writes a vendor message on the signaling connection.
func (s *Session) SendSignal(msgType string, payload any) error {
	s.mu.Lock()
	signal := s.signal
	s.mu.Unlock()
	if signal == nil {
		return ErrNotJoined
	}
	return signal.Send(msgType, payload)
}

// SendData writes one frame to the data channel.
func (s *Session) SendData(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataNotReady
	}
	return dc.Send(data)
}

// DataReady reports whether the data channel is open.
func (s *Session) DataReady() bool {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Joined reports whether Join completed and Leave has not been called.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Leave tells the gateway the session is over and closes everything. It is
// safe to call on a session that never joined.
func (s *Session) Leave(ctx context.Context, leaveType string) error {
	s.leaving.Store(true)

	var sendErr error
	if s.Joined() && leaveType != "" {
		sendErr = s.SendSignal(leaveType, nil)
	}
	closeErr := s.teardown()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

func (s *Session) teardown() error {
	s.leaving.Store(true)

	s.mu.Lock()
	signal, pc, dc := s.signal, s.pc, s.dc
	s.signal, s.pc, s.dc = nil, nil, nil
	locals := s.local
	s.local = make(map[string]*LocalTrack)
	s.remote = make(map[string]*remoteTrack)
	s.joined = false
	s.baseline = statsBaseline{}
	s.mu.Unlock()

	for _, t := range locals {
		t.stopPump()
	}

	var firstErr error
	if dc != nil {
		if err := dc.Close(); err != nil {
			firstErr = err
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if signal != nil {
		signal.Close()
	}
	return firstErr
}

// renegotiate runs a fresh offer/answer round after a track change.
func (s *Session) renegotiate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
	defer cancel()
	start := time.Now()
	err := s.negotiate(ctx)
	s.logger.Debugw("renegotiated", "duration", time.Since(start), "error", err)
	return err
}
