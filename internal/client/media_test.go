package client

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Wyydra/huddle/internal/core/domain"
)

func TestAcquireUserMediaFallback(t *testing.T) {
	tests := []struct {
		name      string
		devices   SyntheticDevices
		wantAudio bool
		wantVideo bool
		wantErr   MediaFailure
		attempts  int
	}{
		{"both", SyntheticDevices{Microphone: true, Camera: true}, true, true, "", 1},
		{"microphone only", SyntheticDevices{Microphone: true}, true, false, "", 2},
		{"camera only", SyntheticDevices{Camera: true}, false, true, "", 3},
		{"nothing", SyntheticDevices{}, false, false, NotFound, 3},
		{"denied", SyntheticDevices{Microphone: true, Camera: true, Denied: true}, false, false, PermissionDenied, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDevices{SyntheticDevices: tt.devices}
			stream, err := AcquireUserMedia(context.Background(), d)
			if len(d.calls) != tt.attempts {
				t.Fatalf("attempts = %d (%v), want %d", len(d.calls), d.calls, tt.attempts)
			}
			if tt.wantErr != "" {
				if reasonOf(err) != tt.wantErr {
					t.Fatalf("err = %v, want %s", err, tt.wantErr)
				}
				if !errors.Is(err, domain.ErrMediaAccess) {
					t.Fatal("not a media access error")
				}
				return
			}
			if err != nil {
				t.Fatalf("AcquireUserMedia: %v", err)
			}
			if (stream.Audio != nil) != tt.wantAudio || (stream.Video != nil) != tt.wantVideo {
				t.Fatalf("audio=%v video=%v", stream.Audio != nil, stream.Video != nil)
			}
		})
	}
}

func TestAcquireUserMediaCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AcquireUserMedia(ctx, SyntheticDevices{Microphone: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestLocalTrackMute(t *testing.T) {
	track, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, "microphone", "s1")
	if err != nil {
		t.Fatalf("NewLocalTrack: %v", err)
	}
	if track.Track().Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kind = %s", track.Track().Kind())
	}

	track.SetEnabled(false)
	if err := track.WriteSample(media.Sample{Data: []byte{0xf8}}); err != nil {
		t.Fatalf("muted write: %v", err)
	}

	track.Stop()
	track.Stop()
	if err := track.WriteSample(media.Sample{Data: []byte{0xf8}}); err == nil {
		t.Fatal("write after stop succeeded")
	}
}

func TestMediaAccessErrorMessages(t *testing.T) {
	for _, reason := range []MediaFailure{PermissionDenied, NotFound, Busy} {
		e := &MediaAccessError{Reason: reason, Device: "camera"}
		if e.Message() == e.Error() {
			t.Errorf("%s has no user facing message", reason)
		}
	}
}
