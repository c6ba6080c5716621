package client

import (
	"context"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateCreatingRoom
	StateRequestingJoin
	StateWaitingApproval
	StateJoined
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreatingRoom:
		return "creating-room"
	case StateRequestingJoin:
		return "requesting-join"
	case StateWaitingApproval:
		return "waiting-approval"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// RemoteParticipant is what the controller knows about another member.
type RemoteParticipant struct {
	ConnID  domain.ConnID
	User    protocol.User
	MicOn   bool
	VideoOn bool
	// Outbound is true when this side sent the offer.
	Outbound bool
}

// session is the controller's mutable state. It is only touched with
// Controller.mu held.
type session struct {
	state  State
	roomID domain.RoomID
	host   bool

	// epoch changes whenever the session is torn down. Work started under an
	// older epoch must discard its result.
	epoch     uint64
	cancel    context.CancelFunc
	// submitted is set once the server has been sent our membership request.
	submitted bool

	stream  *LocalStream
	screen  *LocalTrack
	micOn   bool
	videoOn bool

	participants map[domain.ConnID]*RemoteParticipant
	requests     map[domain.ConnID]protocol.User
}

func newSession() session {
	return session{
		participants: make(map[domain.ConnID]*RemoteParticipant),
		requests:     make(map[domain.ConnID]protocol.User),
	}
}

// Snapshot is a copy of the session safe to hand out.
type Snapshot struct {
	State        State
	RoomID       domain.RoomID
	Host         bool
	MicOn        bool
	VideoOn      bool
	Sharing      bool
	Participants []RemoteParticipant
	Requests     map[domain.ConnID]protocol.User
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		State:    s.state,
		RoomID:   s.roomID,
		Host:     s.host,
		MicOn:    s.micOn,
		VideoOn:  s.videoOn,
		Sharing:  s.screen != nil,
		Requests: make(map[domain.ConnID]protocol.User, len(s.requests)),
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	for id, u := range s.requests {
		snap.Requests[id] = u
	}
	return snap
}

// inRoom reports whether the session holds a membership intent that a
// reconnect should resubmit.
func (s *session) inRoom() bool {
	switch s.state {
	case StateCreatingRoom, StateWaitingApproval, StateJoined, StateReconnecting:
		return s.roomID != ""
	}
	return false
}
