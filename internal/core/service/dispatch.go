package service

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

// Outbound is one envelope addressed to one connection.
type Outbound struct {
	To       domain.ConnID
	Envelope protocol.Envelope
}

func send(to domain.ConnID, event protocol.Event, data any) Outbound {
	return Outbound{To: to, Envelope: protocol.Envelope{Event: event, Data: data}}
}

func reply(c Caller, req protocol.Request, event protocol.Event, data any) Outbound {
	return Outbound{To: c.ConnID, Envelope: protocol.Envelope{Event: event, ID: req.ID, Data: data}}
}

// Caller identifies the authenticated connection an event came from.
type Caller struct {
	ConnID domain.ConnID
	UserID domain.UserID
	Name   string
}

// user merges the client supplied profile with the identity from the token.
func (c Caller) user(u protocol.User) domain.User {
	du := u.Domain()
	du.ID = c.UserID
	if du.Name == "" {
		du.Name = c.Name
	}
	return du
}

// profile keeps the client supplied profile as is, apart from the token id.
func (c Caller) profile(u protocol.User) domain.User {
	du := u.Domain()
	du.ID = c.UserID
	return du
}

type handlerFunc func(d *Dispatcher, c Caller, req protocol.Request) ([]Outbound, error)

var handlers = map[protocol.Event]handlerFunc{
	protocol.EventCreateRoom:        (*Dispatcher).createRoom,
	protocol.EventCheckRoom:         (*Dispatcher).checkRoom,
	protocol.EventRequestToJoin:     (*Dispatcher).requestToJoin,
	protocol.EventRespondToRequest:  (*Dispatcher).respondToRequest,
	protocol.EventJoinRoom:          (*Dispatcher).joinRoom,
	protocol.EventGetUsers:          (*Dispatcher).getUsers,
	protocol.EventSendingSignal:     (*Dispatcher).sendingSignal,
	protocol.EventReturningSignal:   (*Dispatcher).returningSignal,
	protocol.EventSignal:            (*Dispatcher).signal,
	protocol.EventLeaveRoom:         (*Dispatcher).leaveRoom,
	protocol.EventToggleMic:         (*Dispatcher).toggleMic,
	protocol.EventToggleVideo:       (*Dispatcher).toggleVideo,
	protocol.EventRemoveParticipant: (*Dispatcher).removeParticipant,
}

// Dispatcher routes validated requests to the registry and relay and turns
// their results into outbound envelopes. Errors go back to the caller only.
type Dispatcher struct {
	registry *Registry
	relay    *Relay
	log      zerolog.Logger
}

func NewDispatcher(registry *Registry, relay *Relay, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		relay:    relay,
		log:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) Handle(c Caller, req protocol.Request) []Outbound {
	h, ok := handlers[req.Event]
	if !ok {
		return d.Reject(c, req, domain.NewError(domain.CodeValidationFailed, "unknown event %q", req.Event))
	}
	out, err := h(d, c, req)
	if err != nil {
		d.log.Debug().
			Str("conn", c.ConnID.String()).
			Str("event", string(req.Event)).
			Err(err).
			Msg("request rejected")
		return d.Reject(c, req, err)
	}
	return out
}

// Reject builds the error envelope for the caller.
func (d *Dispatcher) Reject(c Caller, req protocol.Request, err error) []Outbound {
	return []Outbound{reply(c, req, protocol.EventError, protocol.ErrorFrom(req.Event, err))}
}

// Disconnect cleans up after a closed socket.
func (d *Dispatcher) Disconnect(conn domain.ConnID) []Outbound {
	res := d.registry.Disconnect(conn)

	var out []Outbound
	for _, cr := range res.Cancelled {
		out = append(out, send(cr.HostID, protocol.EventJoinRequestCancelled,
			protocol.JoinRequestCancelled{From: conn.String()}))
	}
	if res.Leave != nil {
		out = append(out, d.leaveOutbound(*res.Leave)...)
	}
	return out
}

// Expire runs the TTL sweep and notifies everyone affected.
func (d *Dispatcher) Expire(now time.Time) []Outbound {
	res := d.registry.Expire(now)

	var out []Outbound
	for _, cr := range res.Requests {
		req := cr.Request
		out = append(out,
			send(req.RequesterConnID, protocol.EventRequestDeclined,
				protocol.RequestOutcome{RoomID: cr.RoomID.String(), Reason: protocol.DeclineExpired}),
			send(cr.HostID, protocol.EventJoinRequestCancelled,
				protocol.JoinRequestCancelled{From: req.RequesterConnID.String()}),
		)
	}
	for _, adm := range res.Admissions {
		out = append(out, send(adm.ConnID, protocol.EventRequestDeclined,
			protocol.RequestOutcome{RoomID: adm.RoomID.String(), Reason: protocol.DeclineExpired}))
	}
	if n := len(res.Requests) + len(res.Admissions); n > 0 {
		d.log.Info().
			Int("requests", len(res.Requests)).
			Int("admissions", len(res.Admissions)).
			Msg("expired stale join state")
	}
	return out
}

func (d *Dispatcher) createRoom(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.CreateRoom)
	room, cancelled, err := d.registry.CreateRoom(domain.RoomID(p.RoomID), domain.Participant{
		ConnID:  c.ConnID,
		User:    c.user(p.User),
		MicOn:   true,
		VideoOn: true,
	})
	if err != nil {
		return nil, err
	}
	d.log.Info().
		Str("room_id", room.ID.String()).
		Str("host", c.ConnID.String()).
		Msg("room created")
	out := []Outbound{reply(c, req, protocol.EventRoomCreated, protocol.RoomCreated{RoomID: room.ID.String()})}
	for _, cr := range cancelled {
		out = append(out, send(cr.HostID, protocol.EventJoinRequestCancelled,
			protocol.JoinRequestCancelled{From: c.ConnID.String()}))
	}
	return out, nil
}

func (d *Dispatcher) checkRoom(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.RoomRef)
	exists := d.registry.Exists(domain.RoomID(p.RoomID))
	return []Outbound{reply(c, req, protocol.EventCheckRoom, protocol.RoomStatus{RoomID: p.RoomID, Exists: exists})}, nil
}

func (d *Dispatcher) getUsers(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.RoomRef)
	id := domain.RoomID(p.RoomID)
	if cur, ok := d.registry.RoomOf(c.ConnID); !ok || cur != id {
		return nil, domain.NewError(domain.CodeNotAuthorized, "not a participant of %s", id)
	}
	all, err := d.registry.Participants(id)
	if err != nil {
		return nil, err
	}
	return []Outbound{reply(c, req, protocol.EventAllUsers, snapshot(all, c.ConnID))}, nil
}

func (d *Dispatcher) leaveRoom(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.RoomRef)
	id := domain.RoomID(p.RoomID)
	if _, member := d.registry.Participant(id, c.ConnID); !member {
		// Leaving before admission withdraws the request.
		if cr, ok := d.registry.Withdraw(id, c.ConnID); ok {
			if cr == nil {
				return nil, nil
			}
			return []Outbound{send(cr.HostID, protocol.EventJoinRequestCancelled,
				protocol.JoinRequestCancelled{From: c.ConnID.String()})}, nil
		}
	}
	res, err := d.registry.LeaveRoom(id, c.ConnID)
	if err != nil {
		return nil, err
	}
	return d.leaveOutbound(res), nil
}

func (d *Dispatcher) toggleMic(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.ToggleMic)
	id := domain.RoomID(p.RoomID)
	if _, err := d.registry.ToggleMedia(id, c.ConnID, domain.MediaMic, p.MicOn); err != nil {
		return nil, err
	}
	return d.relay.BroadcastPresence(id, c.ConnID, protocol.EventUserToggledMic,
		protocol.UserToggledMic{UserID: c.ConnID.String(), MicOn: p.MicOn}), nil
}

func (d *Dispatcher) toggleVideo(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.ToggleVideo)
	id := domain.RoomID(p.RoomID)
	if _, err := d.registry.ToggleMedia(id, c.ConnID, domain.MediaVideo, p.VideoOn); err != nil {
		return nil, err
	}
	return d.relay.BroadcastPresence(id, c.ConnID, protocol.EventUserToggledVideo,
		protocol.UserToggledVideo{UserID: c.ConnID.String(), VideoOn: p.VideoOn}), nil
}

func (d *Dispatcher) removeParticipant(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.RemoveParticipant)
	id := domain.RoomID(p.RoomID)
	res, err := d.registry.RemoveParticipant(id, c.ConnID, domain.ConnID(p.PeerID))
	if err != nil {
		return nil, err
	}
	d.log.Info().
		Str("room_id", id.String()).
		Str("removed", p.PeerID).
		Msg("participant removed by host")
	out := []Outbound{send(res.Departed.ConnID, protocol.EventRemovedFromRoom, protocol.RemovedFromRoom{RoomID: id.String()})}
	return append(out, d.leaveOutbound(res)...), nil
}

func (d *Dispatcher) leaveOutbound(res LeaveResult) []Outbound {
	var out []Outbound
	room := res.RoomID.String()

	if res.WasHost {
		for _, p := range res.Remaining {
			out = append(out, send(p.ConnID, protocol.EventHostLeft, protocol.HostLeft{RoomID: room}))
		}
		for _, req := range res.Cancelled {
			out = append(out, send(req.RequesterConnID, protocol.EventRequestDeclined,
				protocol.RequestOutcome{RoomID: room, Reason: protocol.DeclineClosed}))
		}
		for _, adm := range res.Revoked {
			out = append(out, send(adm.ConnID, protocol.EventRequestDeclined,
				protocol.RequestOutcome{RoomID: room, Reason: protocol.DeclineClosed}))
		}
		d.log.Info().Str("room_id", room).Int("participants", len(res.Remaining)).Msg("host left, room closed")
		return out
	}

	for _, p := range res.Remaining {
		out = append(out, send(p.ConnID, protocol.EventUserDisconnected,
			protocol.UserDisconnected{ID: res.Departed.ConnID.String()}))
	}
	return out
}

func snapshot(all []domain.Participant, exclude domain.ConnID) protocol.AllUsers {
	users := make(protocol.AllUsers, len(all))
	for _, p := range all {
		if p.ConnID == exclude {
			continue
		}
		users[p.ConnID.String()] = protocol.ParticipantFrom(p)
	}
	return users
}
