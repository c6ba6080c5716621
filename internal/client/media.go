package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Wyydra/huddle/internal/core/domain"
)

type MediaFailure string

const (
	PermissionDenied MediaFailure = "permission-denied"
	NotFound         MediaFailure = "not-found"
	Busy             MediaFailure = "busy"
)

// MediaAccessError matches domain.ErrMediaAccess under errors.Is.
type MediaAccessError struct {
	Reason MediaFailure
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	msg := fmt.Sprintf("media access: %s %s", e.Device, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

func (e *MediaAccessError) Is(target error) bool {
	t, ok := target.(*domain.Error)
	return ok && t.Code == domain.CodeMediaAccessError
}

// Message is what a user sees for each failure.
func (e *MediaAccessError) Message() string {
	switch e.Reason {
	case PermissionDenied:
		return fmt.Sprintf("Access to the %s was denied. Allow it in your system settings and try again.", e.Device)
	case NotFound:
		return fmt.Sprintf("No %s was found.", e.Device)
	case Busy:
		return fmt.Sprintf("The %s is in use by another application.", e.Device)
	}
	return e.Error()
}

func reasonOf(err error) MediaFailure {
	var me *MediaAccessError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ""
}

type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Audio:
		return "audio"
	case c.Video:
		return "video"
	}
	return "none"
}

// MediaDevices hands out local capture tracks.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
	GetDisplayMedia(ctx context.Context) (*LocalTrack, error)
}

// AcquireUserMedia asks for audio and video and degrades to one of them when
// a device class is missing or busy. A denied permission is final.
func AcquireUserMedia(ctx context.Context, devices MediaDevices) (*LocalStream, error) {
	attempts := []Constraints{
		{Audio: true, Video: true},
		{Audio: true},
		{Video: true},
	}
	var err error
	for _, c := range attempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var stream *LocalStream
		stream, err = devices.GetUserMedia(ctx, c)
		if err == nil {
			return stream, nil
		}
		if reasonOf(err) == PermissionDenied || errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	return nil, err
}

// LocalTrack is a capture track. Disabling it mutes locally: samples are
// dropped before they reach any peer.
type LocalTrack struct {
	kind   webrtc.RTPCodecType
	source string
	track  *webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	ended    chan struct{}
	stopOnce sync.Once
}

func NewLocalTrack(kind webrtc.RTPCodecType, source, streamID string) (*LocalTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, source+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", source, err)
	}
	t := &LocalTrack{kind: kind, source: source, track: track, ended: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *LocalTrack) Source() string            { return t.source }
func (t *LocalTrack) Track() webrtc.TrackLocal  { return t.track }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)        { t.enabled.Store(on) }
func (t *LocalTrack) Ended() <-chan struct{}    { return t.ended }

func (t *LocalTrack) WriteSample(s media.Sample) error {
	select {
	case <-t.ended:
		return errors.New("track ended")
	default:
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop ends the track. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() { close(t.ended) })
}

type LocalStream struct {
	ID    string
	Audio *LocalTrack
	Video *LocalTrack
}

func (s *LocalStream) Tracks() []*LocalTrack {
	var out []*LocalTrack
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// SyntheticDevices produces tracks without capture hardware. Headless
// clients use it to take part in negotiation and feed their own samples.
type SyntheticDevices struct {
	Microphone bool
	Camera     bool
	Screen     bool
	// Denied simulates a refused permission prompt.
	Denied bool
}

func (d SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Denied {
		return nil, &MediaAccessError{Reason: PermissionDenied, Device: c.String()}
	}
	if (c.Audio && !d.Microphone) || (c.Video && !d.Camera) || (!c.Audio && !c.Video) {
		return nil, &MediaAccessError{Reason: NotFound, Device: c.String()}
	}

	stream := &LocalStream{ID: uuid.NewString()}
	var err error
	if c.Audio {
		if stream.Audio, err = NewLocalTrack(webrtc.RTPCodecTypeAudio, "microphone", stream.ID); err != nil {
			return nil, err
		}
	}
	if c.Video {
		if stream.Video, err = NewLocalTrack(webrtc.RTPCodecTypeVideo, "camera", stream.ID); err != nil {
			return nil, err
		}
	}
	return stream, nil
}

func (d SyntheticDevices) GetDisplayMedia(ctx context.Context) (*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Denied {
		return nil, &MediaAccessError{Reason: PermissionDenied, Device: "screen"}
	}
	if !d.Screen {
		return nil, &MediaAccessError{Reason: NotFound, Device: "screen"}
	}
	return NewLocalTrack(webrtc.RTPCodecTypeVideo, "screen", uuid.NewString())
}
