package domain

import "time"

type RoomState int

const (
	RoomOpen RoomState = iota
	RoomClosed
)

func (s RoomState) String() string {
	switch s {
	case RoomOpen:
		return "open"
	case RoomClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type MediaKind string

const (
	MediaMic   MediaKind = "mic"
	MediaVideo MediaKind = "video"
)

// User is the profile a client presents. ID always comes from the token.
type User struct {
	ID    UserID
	Name  string
	Photo string
}

type Participant struct {
	ConnID   ConnID
	User     User
	MicOn    bool
	VideoOn  bool
	JoinedAt time.Time
}

type JoinRequest struct {
	RequesterConnID ConnID
	Requester       User
	SubmittedAt     time.Time
}

// Admission is what an accepted JoinRequest turns into. join-room consumes it.
type Admission struct {
	RoomID    RoomID
	ConnID    ConnID
	Requester User
	GrantedAt time.Time
}

type Room struct {
	ID        RoomID
	HostID    ConnID
	State     RoomState
	CreatedAt time.Time

	participants []*Participant
	pending      []JoinRequest
}

func NewRoom(id RoomID, host Participant, now time.Time) *Room {
	p := host
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	return &Room{
		ID:           id,
		HostID:       host.ConnID,
		State:        RoomOpen,
		CreatedAt:    now,
		participants: []*Participant{&p},
	}
}

func (r *Room) IsHost(id ConnID) bool {
	return r.HostID == id
}

func (r *Room) Participant(id ConnID) (*Participant, bool) {
	for _, p := range r.participants {
		if p.ConnID == id {
			return p, true
		}
	}
	return nil, false
}

func (r *Room) HasParticipant(id ConnID) bool {
	_, ok := r.Participant(id)
	return ok
}

// Participants returns copies in join order.
func (r *Room) Participants() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

func (r *Room) Len() int {
	return len(r.participants)
}

// AddParticipant is a no-op when the connection is already a member.
func (r *Room) AddParticipant(p Participant) {
	if r.HasParticipant(p.ConnID) {
		return
	}
	r.participants = append(r.participants, &p)
}

func (r *Room) RemoveParticipant(id ConnID) (Participant, bool) {
	for i, p := range r.participants {
		if p.ConnID == id {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return *p, true
		}
	}
	return Participant{}, false
}

func (r *Room) PendingRequests() []JoinRequest {
	out := make([]JoinRequest, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *Room) PendingFrom(id ConnID) (JoinRequest, bool) {
	for _, req := range r.pending {
		if req.RequesterConnID == id {
			return req, true
		}
	}
	return JoinRequest{}, false
}

func (r *Room) Enqueue(req JoinRequest) {
	r.pending = append(r.pending, req)
}

// TakeRequest removes and returns the pending request from id.
func (r *Room) TakeRequest(id ConnID) (JoinRequest, bool) {
	for i, req := range r.pending {
		if req.RequesterConnID == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return req, true
		}
	}
	return JoinRequest{}, false
}

// DrainRequests empties the pending queue and returns what was in it.
func (r *Room) DrainRequests() []JoinRequest {
	out := r.pending
	r.pending = nil
	return out
}

func (r *Room) Close() {
	r.State = RoomClosed
}
