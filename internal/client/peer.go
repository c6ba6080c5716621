package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
)

// Peer is one connection to one remote participant. Signals are the JSON
// encodings the relay carries without looking at them.
type Peer interface {
	Offer() (json.RawMessage, error)
	Answer(offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	ReplaceVideo(track *LocalTrack) error
	Close() error
}

type PeerFactory interface {
	NewPeer(remote domain.ConnID, stream *LocalStream, onCandidate func(json.RawMessage)) (Peer, error)
}

var errNoVideoSender = errors.New("peer has no outgoing video")

func negotiationErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrPeerNegotiation, step, err)
}

type ICEConfig struct {
	STUN     []string
	TURN     []string
	TURNUser string
	TURNPass string
}

func (c ICEConfig) servers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURN,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// PionFactory builds peers on pion/webrtc with pion's own logs routed into
// zerolog.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    zerolog.Logger
}

func NewPionFactory(ice ICEConfig, logger zerolog.Logger) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = &loggerFactory{log: logger.With().Str("component", "pion").Logger()}

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: ice.servers()},
		log:    logger.With().Str("component", "peer").Logger(),
	}, nil
}

func (f *PionFactory) NewPeer(remote domain.ConnID, stream *LocalStream, onCandidate func(json.RawMessage)) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, negotiationErr("new peer connection", err)
	}
	l := f.log.With().Str("remote", remote.String()).Logger()
	p := &pionPeer{pc: pc, log: l}

	var tracks []*LocalTrack
	if stream != nil {
		tracks = stream.Tracks()
	}
	hasAudio, hasVideo := false, false
	for _, t := range tracks {
		sender, err := pc.AddTrack(t.Track())
		if err != nil {
			pc.Close()
			return nil, negotiationErr("add "+t.Source()+" track", err)
		}
		go drainRTCP(sender)
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			hasVideo = true
			p.video = sender
		}
	}
	// Still receive the kinds this side does not send.
	for kind, sending := range map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: hasAudio,
		webrtc.RTPCodecTypeVideo: hasVideo,
	} {
		if sending {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, negotiationErr("add transceiver", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.Error().Err(err).Msg("failed to marshal candidate")
			return
		}
		onCandidate(raw)
	})
	pc.OnTrack(func(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.Debug().Str("kind", remoteTrack.Kind().String()).Str("codec", remoteTrack.Codec().MimeType).Msg("remote track")
		buf := make([]byte, 1500)
		for {
			if _, _, err := remoteTrack.Read(buf); err != nil {
				return
			}
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.Debug().Str("state", s.String()).Msg("peer connection state")
	})
	return p, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	video *webrtc.RTPSender
	log   zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (p *pionPeer) Offer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, negotiationErr("create offer", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, negotiationErr("set local offer", err)
	}
	return json.Marshal(offer)
}

func (p *pionPeer) Answer(raw json.RawMessage) (json.RawMessage, error) {
	if err := p.setRemote(raw, webrtc.SDPTypeOffer); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, negotiationErr("create answer", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, negotiationErr("set local answer", err)
	}
	return json.Marshal(answer)
}

func (p *pionPeer) AcceptAnswer(raw json.RawMessage) error {
	return p.setRemote(raw, webrtc.SDPTypeAnswer)
}

func (p *pionPeer) setRemote(raw json.RawMessage, want webrtc.SDPType) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return negotiationErr("decode description", err)
	}
	if sd.Type != want {
		return negotiationErr("remote description", fmt.Errorf("got %s, want %s", sd.Type, want))
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return negotiationErr("set remote "+want.String(), err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	return nil
}

// AddCandidate queues candidates that arrive before the remote description.
func (p *pionPeer) AddCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return negotiationErr("decode candidate", err)
	}
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return negotiationErr("add candidate", err)
	}
	return nil
}

func (p *pionPeer) ReplaceVideo(t *LocalTrack) error {
	if p.video == nil {
		return errNoVideoSender
	}
	if err := p.video.ReplaceTrack(t.Track()); err != nil {
		return negotiationErr("replace video", err)
	}
	return nil
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// loggerFactory hands pion a zerolog backed logger per scope.
type loggerFactory struct {
	log zerolog.Logger
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l *leveledLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
func (l *leveledLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
func (l *leveledLogger) Info(msg string) { l.log.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}
func (l *leveledLogger) Warn(msg string) { l.log.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
func (l *leveledLogger) Error(msg string) { l.log.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}
