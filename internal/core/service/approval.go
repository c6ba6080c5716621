package service

import (
	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

// request-to-join -> new-join-request (host)
// respond-to-request -> request-accepted | request-declined (requester)
// join-room -> all-users (joiner)

func (d *Dispatcher) requestToJoin(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.RequestToJoin)
	id := domain.RoomID(p.RoomID)
	jr, host, fresh, err := d.registry.RequestJoin(id, c.ConnID, c.user(p.User))
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, nil
	}
	d.log.Info().
		Str("room_id", id.String()).
		Str("requester", c.ConnID.String()).
		Msg("join requested")
	return []Outbound{send(host, protocol.EventNewJoinRequest, protocol.NewJoinRequest{
		From: c.ConnID.String(),
		User: protocol.UserFrom(jr.Requester),
	})}, nil
}

func (d *Dispatcher) respondToRequest(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.RespondToRequest)
	id := domain.RoomID(p.RoomID)
	requester := domain.ConnID(p.To)

	if p.Accepted {
		if _, err := d.registry.AcceptRequest(id, c.ConnID, requester); err != nil {
			return nil, err
		}
		d.log.Info().Str("room_id", id.String()).Str("requester", p.To).Msg("join request accepted")
		return []Outbound{send(requester, protocol.EventRequestAccepted, protocol.RequestOutcome{RoomID: p.RoomID})}, nil
	}

	if _, err := d.registry.DeclineRequest(id, c.ConnID, requester); err != nil {
		return nil, err
	}
	d.log.Info().Str("room_id", id.String()).Str("requester", p.To).Msg("join request declined")
	return []Outbound{send(requester, protocol.EventRequestDeclined, protocol.RequestOutcome{
		RoomID: p.RoomID,
		Reason: protocol.DeclineByHost,
	})}, nil
}

func (d *Dispatcher) joinRoom(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.JoinRoom)
	id := domain.RoomID(p.RoomID)
	others, err := d.registry.JoinRoom(id, c.ConnID, c.profile(p.User))
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("room_id", id.String()).Str("conn", c.ConnID.String()).Int("others", len(others)).Msg("participant joined")
	return []Outbound{reply(c, req, protocol.EventAllUsers, snapshot(others, c.ConnID))}, nil
}
