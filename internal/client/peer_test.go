package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
)

func TestPionPeersNegotiate(t *testing.T) {
	f, err := NewPionFactory(ICEConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPionFactory: %v", err)
	}
	stream, err := SyntheticDevices{Microphone: true, Camera: true}.GetUserMedia(t.Context(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}

	noop := func(json.RawMessage) {}
	caller, err := f.NewPeer("answerer", stream, noop)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer caller.Close()
	callee, err := f.NewPeer("offerer", nil, noop)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer callee.Close()

	// Candidates that beat the offer are held back, not rejected.
	if err := callee.AddCandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)); err != nil {
		t.Fatalf("early candidate: %v", err)
	}

	offer, err := caller.Offer()
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(offer, &sd); err != nil || sd.Type != webrtc.SDPTypeOffer {
		t.Fatalf("offer = %s", offer)
	}
	if !strings.Contains(sd.SDP, "m=audio") || !strings.Contains(sd.SDP, "m=video") {
		t.Fatal("offer is missing a media section")
	}

	answer, err := callee.Answer(offer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := caller.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}

	screen, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "screen", stream.ID)
	if err != nil {
		t.Fatalf("NewLocalTrack: %v", err)
	}
	if err := caller.ReplaceVideo(screen); err != nil {
		t.Fatalf("ReplaceVideo: %v", err)
	}
	if err := callee.ReplaceVideo(screen); !errors.Is(err, errNoVideoSender) {
		t.Fatalf("ReplaceVideo without camera = %v", err)
	}
}

func TestPionPeerRejectsWrongDescription(t *testing.T) {
	f, err := NewPionFactory(ICEConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPionFactory: %v", err)
	}
	p, err := f.NewPeer("x", nil, func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"answer passed as offer", `{"type":"answer","sdp":"v=0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Answer(json.RawMessage(tt.raw))
			if !errors.Is(err, domain.ErrPeerNegotiation) {
				t.Fatalf("Answer = %v, want PeerNegotiationError", err)
			}
		})
	}
}

func TestICEConfigServers(t *testing.T) {
	cfg := ICEConfig{
		STUN:     []string{"stun:stun.example.com:3478"},
		TURN:     []string{"turn:turn.example.com:3478?transport=udp"},
		TURNUser: "u",
		TURNPass: "p",
	}
	servers := cfg.servers()
	if len(servers) != 2 {
		t.Fatalf("servers = %+v", servers)
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("turn credentials = %+v", servers[1])
	}
	if got := (ICEConfig{}).servers(); len(got) != 0 {
		t.Fatalf("empty config gave %+v", got)
	}
}

func TestPionLogsGoThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	f := &loggerFactory{log: zerolog.New(&buf)}
	l := f.NewLogger("ice")
	l.Warnf("candidate %d failed", 3)

	out := buf.String()
	if !strings.Contains(out, `"scope":"ice"`) || !strings.Contains(out, "candidate 3 failed") || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("log line = %s", out)
	}
}
