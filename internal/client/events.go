package client

import (
	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

// Event is anything the controller reports to its owner.
type Event interface {
	event()
}

type StateChanged struct {
	From, To State
}

type JoinRequested struct {
	From domain.ConnID
	User protocol.User
}

type JoinRequestCancelled struct {
	From domain.ConnID
}

// Declined is reported when a join request is refused or expires.
type Declined struct {
	RoomID domain.RoomID
	Reason string
}

type ParticipantJoined struct {
	Participant RemoteParticipant
}

type ParticipantLeft struct {
	ConnID domain.ConnID
}

type MediaToggled struct {
	ConnID  domain.ConnID
	Kind    domain.MediaKind
	Enabled bool
}

type Removed struct {
	RoomID domain.RoomID
}

type HostLeft struct {
	RoomID domain.RoomID
}

type Error struct {
	Err error
}

func (StateChanged) event()         {}
func (JoinRequested) event()        {}
func (JoinRequestCancelled) event() {}
func (Declined) event()             {}
func (ParticipantJoined) event()    {}
func (ParticipantLeft) event()      {}
func (MediaToggled) event()         {}
func (Removed) event()              {}
func (HostLeft) event()             {}
func (Error) event()                {}

const eventBuffer = 64

// emit never blocks the controller. A consumer that falls behind loses
// events rather than stalling signaling.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", eventName(ev)).Msg("event dropped, consumer too slow")
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case StateChanged:
		return "state-changed"
	case JoinRequested:
		return "join-requested"
	case JoinRequestCancelled:
		return "join-request-cancelled"
	case Declined:
		return "declined"
	case ParticipantJoined:
		return "participant-joined"
	case ParticipantLeft:
		return "participant-left"
	case MediaToggled:
		return "media-toggled"
	case Removed:
		return "removed"
	case HostLeft:
		return "host-left"
	case Error:
		return "error"
	}
	return "unknown"
}
