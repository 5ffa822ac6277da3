package rtc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// PacketSink receives RTP packets from a remote track.
type PacketSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// LocalTrack is a locally produced track that can be published into a
// Session. Audio tracks send Opus silence while published and no source
// has written samples.
type LocalTrack struct {
	kind   string
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	muted  atomic.Bool
	fed    atomic.Bool

	pumpMu sync.Mutex
	stop   chan struct{}
}

// NewLocalTrack creates an Opus audio or VP8 video track.
func NewLocalTrack(kind, id string) (*LocalTrack, error) {
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "avatarlink-"+kind)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &LocalTrack{kind: kind, track: track}, nil
}

func (t *LocalTrack) ID() string   { return t.track.ID() }
func (t *LocalTrack) Kind() string { return t.kind }

// SetMuted stops the track from emitting samples without unpublishing.
func (t *LocalTrack) SetMuted(muted bool) { t.muted.Store(muted) }

func (t *LocalTrack) Muted() bool { return t.muted.Load() }

// WriteSample forwards one encoded media sample.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	t.fed.Store(true)
	if t.muted.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *LocalTrack) startPump() {
	if t.kind != KindAudio {
		return
	}
	t.pumpMu.Lock()
	defer t.pumpMu.Unlock()
	if t.stop != nil {
		return
	}
	stop := make(chan struct{})
	t.stop = stop

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if t.fed.Load() || t.muted.Load() {
					continue
				}
				_ = t.track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()
}

func (t *LocalTrack) stopPump() {
	t.pumpMu.Lock()
	defer t.pumpMu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Publish adds t to the peer connection and renegotiates.
func (s *Session) Publish(ctx context.Context, t *LocalTrack) error {
	s.mu.Lock()
	pc := s.pc
	if pc == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if _, ok := s.local[t.ID()]; ok {
		s.mu.Unlock()
		return ErrTrackPublished
	}
	s.mu.Unlock()

	sender, err := pc.AddTrack(t.track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	t.sender = sender
	go s.readSenderRTCP(sender)

	if err := s.renegotiate(ctx); err != nil {
		_ = pc.RemoveTrack(sender)
		t.sender = nil
		return err
	}

	s.mu.Lock()
	s.local[t.ID()] = t
	s.mu.Unlock()
	t.startPump()
	return nil
}

// Unpublish removes t from the peer connection and renegotiates.
func (s *Session) Unpublish(ctx context.Context, t *LocalTrack) error {
	s.mu.Lock()
	pc := s.pc
	_, ok := s.local[t.ID()]
	delete(s.local, t.ID())
	s.mu.Unlock()

	t.stopPump()
	if !ok || t.sender == nil {
		return ErrTrackNotPublished
	}
	if pc == nil {
		return ErrNotJoined
	}

	if err := pc.RemoveTrack(t.sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	t.sender = nil
	return s.renegotiate(ctx)
}

// readSenderRTCP drains receiver reports about an outgoing track and turns
// them into uplink stats.
func (s *Session) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if stats, ok := ReduceRTCP(packets); ok && s.events.OnLinkStats != nil {
			s.events.OnLinkStats(stats)
		}
	}
}

type remoteTrack struct {
	kind  string
	track *webrtc.TrackRemote

	mu    sync.RWMutex
	sinks map[uint64]PacketSink
	next  uint64
	ended chan struct{}
}

func (r *remoteTrack) attach(sink PacketSink) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.sinks[r.next] = sink
	return r.next
}

func (r *remoteTrack) detach(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}
	s.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)

	rt := &remoteTrack{kind: kind, track: track, sinks: make(map[uint64]PacketSink), ended: make(chan struct{})}
	s.mu.Lock()
	s.remote[kind] = rt
	s.mu.Unlock()

	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	go s.forwardRemote(rt)

	if s.events.OnRemoteTrack != nil {
		s.events.OnRemoteTrack(kind, track.ID())
	}
}

// forwardRemote copies packets from the remote track to every attached sink.
func (s *Session) forwardRemote(rt *remoteTrack) {
	defer close(rt.ended)
	packetCount := 0

	for {
		pkt, _, err := rt.track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				s.logger.Debugw("error reading remote track", "kind", rt.kind, "error", err)
			}
			return
		}

		rt.mu.RLock()
		for id, sink := range rt.sinks {
			if err := sink.WriteRTP(pkt); err != nil {
				s.logger.Debugw("remote sink write failed", "kind", rt.kind, "sink", id, "error", err)
			}
		}
		rt.mu.RUnlock()

		packetCount++
		if packetCount%500 == 0 {
			s.logger.Debugw("forwarding remote track", "kind", rt.kind, "packets_forwarded", packetCount)
		}
	}
}

func (s *Session) remoteOf(kind string) (*remoteTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.remote[kind]
	return rt, ok
}

// AttachRemote streams the remote track of kind into sink and returns a
// function that detaches it. Video attachments request a keyframe.
func (s *Session) AttachRemote(kind string, sink PacketSink) (func(), error) {
	rt, ok := s.remoteOf(kind)
	if !ok {
		return nil, ErrNoRemoteTrack
	}
	id := rt.attach(sink)
	if kind == KindVideo {
		if err := s.RequestKeyframe(); err != nil {
			s.logger.Debugw("keyframe request failed", "error", err)
		}
	}
	var once sync.Once
	return func() { once.Do(func() { rt.detach(id) }) }, nil
}

// RequestKeyframe sends a PLI for the remote video track.
func (s *Session) RequestKeyframe() error {
	rt, ok := s.remoteOf(KindVideo)
	if !ok {
		return ErrNoRemoteTrack
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrNotJoined
	}
	return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(rt.track.SSRC())}})
}

// DumpAudio writes the remote audio track to w as Ogg/Opus until ctx is
// done or the track ends. w is closed with the writer if it is a Closer.
func (s *Session) DumpAudio(ctx context.Context, w io.Writer) error {
	rt, ok := s.remoteOf(KindAudio)
	if !ok {
		return ErrNoRemoteTrack
	}

	ogg, err := oggwriter.NewWith(w, 48000, 2)
	if err != nil {
		return fmt.Errorf("create ogg writer: %w", err)
	}
	detach, err := s.AttachRemote(KindAudio, ogg)
	if err != nil {
		ogg.Close()
		return err
	}
	defer detach()

	select {
	case <-ctx.Done():
	case <-rt.ended:
	}
	detach()
	return ogg.Close()
}
