package service

import (
	"time"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
)

type RegistryConfig struct {
	// JoinRequestTTL bounds how long a request waits for the host. Zero disables expiry.
	JoinRequestTTL time.Duration
	// AdmissionTTL bounds the gap between request-accepted and join-room.
	AdmissionTTL time.Duration
}

// Registry owns room, participant and join request lifetimes. It is not safe
// for concurrent use: the hub calls it from its single event loop.
type Registry struct {
	rooms port.RoomRepository
	clock port.Clock
	cfg   RegistryConfig

	membership map[domain.ConnID]domain.RoomID
	admissions map[domain.ConnID]domain.Admission
}

func NewRegistry(rooms port.RoomRepository, clock port.Clock, cfg RegistryConfig) *Registry {
	if clock == nil {
		clock = port.SystemClock{}
	}
	return &Registry{
		rooms:      rooms,
		clock:      clock,
		cfg:        cfg,
		membership: make(map[domain.ConnID]domain.RoomID),
		admissions: make(map[domain.ConnID]domain.Admission),
	}
}

// CancelledRequest is a pending request removed without a host decision.
type CancelledRequest struct {
	RoomID  domain.RoomID
	HostID  domain.ConnID
	Request domain.JoinRequest
}

type LeaveResult struct {
	RoomID   domain.RoomID
	Departed domain.Participant
	WasHost  bool
	// Closed is set when the host left and the room was torn down.
	Closed    bool
	Remaining []domain.Participant
	// Cancelled holds requests and admissions voided by the room closing.
	Cancelled []domain.JoinRequest
	Revoked   []domain.Admission
}

type DisconnectResult struct {
	Leave     *LeaveResult
	Cancelled []CancelledRequest
}

type ExpireResult struct {
	Requests   []CancelledRequest
	Admissions []domain.Admission
}

type RoomSummary struct {
	ID           domain.RoomID
	HostID       domain.ConnID
	State        domain.RoomState
	CreatedAt    time.Time
	Participants []domain.Participant
	Pending      int
}

// CreateRoom also withdraws the host's pending requests to other rooms; those
// hosts have to be told.
func (r *Registry) CreateRoom(id domain.RoomID, host domain.Participant) (*domain.Room, []CancelledRequest, error) {
	if _, ok := r.membership[host.ConnID]; ok {
		return nil, nil, domain.ErrAlreadyInRoom
	}
	if id == "" {
		id = r.freshRoomID()
	} else if _, ok := r.rooms.Get(id); ok {
		return nil, nil, domain.ErrRoomAlreadyExists
	}
	cancelled := r.takeRequests(host.ConnID)

	now := r.clock.Now()
	host.JoinedAt = now
	room := domain.NewRoom(id, host, now)
	r.rooms.Save(room)
	r.membership[host.ConnID] = id
	delete(r.admissions, host.ConnID)
	return room, cancelled, nil
}

func (r *Registry) freshRoomID() domain.RoomID {
	for {
		id := domain.NewRoomID()
		if _, taken := r.rooms.Get(id); !taken {
			return id
		}
	}
}

func (r *Registry) Exists(id domain.RoomID) bool {
	_, ok := r.rooms.Get(id)
	return ok
}

// RequestJoin queues a request for the host. A repeated request from the same
// connection returns the original one with fresh set to false.
func (r *Registry) RequestJoin(id domain.RoomID, conn domain.ConnID, user domain.User) (req domain.JoinRequest, host domain.ConnID, fresh bool, err error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return domain.JoinRequest{}, "", false, domain.ErrRoomNotFound
	}
	if _, member := r.membership[conn]; member {
		return domain.JoinRequest{}, "", false, domain.ErrAlreadyInRoom
	}
	if existing, ok := room.PendingFrom(conn); ok {
		return existing, room.HostID, false, nil
	}

	req = domain.JoinRequest{
		RequesterConnID: conn,
		Requester:       user,
		SubmittedAt:     r.clock.Now(),
	}
	room.Enqueue(req)
	return req, room.HostID, true, nil
}

func (r *Registry) AcceptRequest(id domain.RoomID, responder, requester domain.ConnID) (domain.JoinRequest, error) {
	return r.respond(id, responder, requester, true)
}

func (r *Registry) DeclineRequest(id domain.RoomID, responder, requester domain.ConnID) (domain.JoinRequest, error) {
	return r.respond(id, responder, requester, false)
}

func (r *Registry) respond(id domain.RoomID, responder, requester domain.ConnID, accept bool) (domain.JoinRequest, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return domain.JoinRequest{}, domain.ErrRoomNotFound
	}
	if !room.IsHost(responder) {
		return domain.JoinRequest{}, domain.NewError(domain.CodeNotAuthorized, "only the host can answer join requests")
	}
	req, ok := room.TakeRequest(requester)
	if !ok {
		return domain.JoinRequest{}, domain.ErrRequestNotFound
	}
	if accept {
		r.admissions[requester] = domain.Admission{
			RoomID:    id,
			ConnID:    requester,
			Requester: req.Requester,
			GrantedAt: r.clock.Now(),
		}
	}
	return req, nil
}

// JoinRoom consumes the caller's admission and returns the other participants.
func (r *Registry) JoinRoom(id domain.RoomID, conn domain.ConnID, user domain.User) ([]domain.Participant, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if _, member := r.membership[conn]; member {
		return nil, domain.ErrAlreadyInRoom
	}
	adm, ok := r.admissions[conn]
	if !ok || adm.RoomID != id {
		return nil, domain.NewError(domain.CodeNotAuthorized, "join request for %s was not accepted", id)
	}
	delete(r.admissions, conn)

	if user.Name == "" {
		user.Name = adm.Requester.Name
	}
	if user.Photo == "" {
		user.Photo = adm.Requester.Photo
	}
	others := room.Participants()
	room.AddParticipant(domain.Participant{
		ConnID:   conn,
		User:     user,
		MicOn:    true,
		VideoOn:  true,
		JoinedAt: r.clock.Now(),
	})
	r.membership[conn] = id
	return others, nil
}

func (r *Registry) LeaveRoom(id domain.RoomID, conn domain.ConnID) (LeaveResult, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return LeaveResult{}, domain.ErrRoomNotFound
	}
	departed, ok := room.RemoveParticipant(conn)
	if !ok {
		return LeaveResult{}, domain.NewError(domain.CodeNotAuthorized, "not a participant of %s", id)
	}
	delete(r.membership, conn)

	res := LeaveResult{
		RoomID:   id,
		Departed: departed,
		WasHost:  room.IsHost(conn),
	}

	if res.WasHost {
		res.Remaining = room.Participants()
		for _, p := range res.Remaining {
			room.RemoveParticipant(p.ConnID)
			delete(r.membership, p.ConnID)
		}
		res.Cancelled = room.DrainRequests()
		for c, adm := range r.admissions {
			if adm.RoomID == id {
				res.Revoked = append(res.Revoked, adm)
				delete(r.admissions, c)
			}
		}
		r.closeRoom(room)
		res.Closed = true
		return res, nil
	}

	res.Remaining = room.Participants()
	if room.Len() == 0 {
		r.closeRoom(room)
		res.Closed = true
	}
	return res, nil
}

func (r *Registry) closeRoom(room *domain.Room) {
	room.Close()
	r.rooms.Delete(room.ID)
}

// Disconnect removes every trace of a connection: pending requests,
// admissions and membership.
func (r *Registry) Disconnect(conn domain.ConnID) DisconnectResult {
	res := DisconnectResult{Cancelled: r.takeRequests(conn)}
	delete(r.admissions, conn)

	if id, ok := r.membership[conn]; ok {
		if leave, err := r.LeaveRoom(id, conn); err == nil {
			res.Leave = &leave
		}
	}
	return res
}

// takeRequests removes every pending request conn has queued.
func (r *Registry) takeRequests(conn domain.ConnID) []CancelledRequest {
	var out []CancelledRequest
	for _, room := range r.rooms.List() {
		if req, ok := room.TakeRequest(conn); ok {
			out = append(out, CancelledRequest{
				RoomID:  room.ID,
				HostID:  room.HostID,
				Request: req,
			})
		}
	}
	return out
}

// Withdraw drops conn's pending request or unused admission for room id.
// The request is returned when the host has to be told.
func (r *Registry) Withdraw(id domain.RoomID, conn domain.ConnID) (*CancelledRequest, bool) {
	if adm, ok := r.admissions[conn]; ok && adm.RoomID == id {
		delete(r.admissions, conn)
		return nil, true
	}
	room, ok := r.rooms.Get(id)
	if !ok {
		return nil, false
	}
	req, ok := room.TakeRequest(conn)
	if !ok {
		return nil, false
	}
	return &CancelledRequest{RoomID: id, HostID: room.HostID, Request: req}, true
}

func (r *Registry) ToggleMedia(id domain.RoomID, conn domain.ConnID, kind domain.MediaKind, enabled bool) (domain.Participant, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return domain.Participant{}, domain.ErrRoomNotFound
	}
	p, ok := room.Participant(conn)
	if !ok {
		return domain.Participant{}, domain.NewError(domain.CodeNotAuthorized, "not a participant of %s", id)
	}
	switch kind {
	case domain.MediaMic:
		p.MicOn = enabled
	case domain.MediaVideo:
		p.VideoOn = enabled
	default:
		return domain.Participant{}, domain.NewError(domain.CodeValidationFailed, "unknown media kind %q", kind)
	}
	return *p, nil
}

func (r *Registry) RemoveParticipant(id domain.RoomID, host, target domain.ConnID) (LeaveResult, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return LeaveResult{}, domain.ErrRoomNotFound
	}
	if !room.IsHost(host) {
		return LeaveResult{}, domain.NewError(domain.CodeNotAuthorized, "only the host can remove participants")
	}
	if target == host {
		return LeaveResult{}, domain.NewError(domain.CodeValidationFailed, "the host cannot remove itself")
	}
	return r.LeaveRoom(id, target)
}

func (r *Registry) Participants(id domain.RoomID) ([]domain.Participant, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room.Participants(), nil
}

func (r *Registry) Participant(id domain.RoomID, conn domain.ConnID) (domain.Participant, bool) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return domain.Participant{}, false
	}
	p, ok := room.Participant(conn)
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (r *Registry) RoomOf(conn domain.ConnID) (domain.RoomID, bool) {
	id, ok := r.membership[conn]
	return id, ok
}

// SameRoom reports whether both connections are current participants of id.
func (r *Registry) SameRoom(id domain.RoomID, a, b domain.ConnID) bool {
	room, ok := r.rooms.Get(id)
	if !ok || room.State != domain.RoomOpen {
		return false
	}
	return room.HasParticipant(a) && room.HasParticipant(b)
}

func (r *Registry) PendingRequests(id domain.RoomID) ([]domain.JoinRequest, error) {
	room, ok := r.rooms.Get(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room.PendingRequests(), nil
}

// Expire drops join requests and admissions older than their TTL.
func (r *Registry) Expire(now time.Time) ExpireResult {
	var res ExpireResult

	if ttl := r.cfg.JoinRequestTTL; ttl > 0 {
		for _, room := range r.rooms.List() {
			for _, req := range room.PendingRequests() {
				if now.Sub(req.SubmittedAt) < ttl {
					continue
				}
				room.TakeRequest(req.RequesterConnID)
				res.Requests = append(res.Requests, CancelledRequest{
					RoomID:  room.ID,
					HostID:  room.HostID,
					Request: req,
				})
			}
		}
	}

	if ttl := r.cfg.AdmissionTTL; ttl > 0 {
		for conn, adm := range r.admissions {
			if now.Sub(adm.GrantedAt) >= ttl {
				res.Admissions = append(res.Admissions, adm)
				delete(r.admissions, conn)
			}
		}
	}
	return res
}

func (r *Registry) Rooms() []RoomSummary {
	rooms := r.rooms.List()
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomSummary{
			ID:           room.ID,
			HostID:       room.HostID,
			State:        room.State,
			CreatedAt:    room.CreatedAt,
			Participants: room.Participants(),
			Pending:      len(room.PendingRequests()),
		})
	}
	return out
}
