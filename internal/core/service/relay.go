package service

import (
	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
	"github.com/Wyydra/huddle/internal/protocol"
)

// Relay forwards negotiation messages between two members of the same room.
// Payloads are opaque and never logged.
type Relay struct {
	registry *Registry
	clock    port.Clock
	audit    zerolog.Logger
}

func NewRelay(registry *Registry, clock port.Clock, logger zerolog.Logger) *Relay {
	if clock == nil {
		clock = port.SystemClock{}
	}
	return &Relay{
		registry: registry,
		clock:    clock,
		audit:    logger.With().Str("component", "relay").Logger(),
	}
}

// Relay returns the envelope to deliver to msg.TargetID.
func (r *Relay) Relay(roomID domain.RoomID, msg domain.SignalMessage) (Outbound, error) {
	if !r.registry.SameRoom(roomID, msg.SenderID, msg.TargetID) {
		r.audit.Warn().
			Str("room_id", roomID.String()).
			Str("sender", msg.SenderID.String()).
			Str("target", msg.TargetID.String()).
			Str("kind", string(msg.Kind)).
			Msg("signal dropped, peers not in the same room")
		return Outbound{}, domain.NewError(domain.CodeNotAuthorized, "%s is not in room %s", msg.TargetID, roomID)
	}

	var out Outbound
	switch msg.Kind {
	case domain.SignalOffer:
		sender, _ := r.registry.Participant(roomID, msg.SenderID)
		out = send(msg.TargetID, protocol.EventUserJoined, protocol.UserJoined{
			Signal:   msg.Payload,
			CallerID: msg.SenderID.String(),
			User:     protocol.UserFrom(sender.User),
		})
	case domain.SignalAnswer:
		out = send(msg.TargetID, protocol.EventReceivingReturnedSignal, protocol.ReturnedSignal{
			Signal: msg.Payload,
			ID:     msg.SenderID.String(),
		})
	default:
		out = send(msg.TargetID, protocol.EventSignal, protocol.RelayedSignal{
			From:    msg.SenderID.String(),
			Kind:    string(msg.Kind),
			Payload: msg.Payload,
		})
	}

	r.audit.Info().
		Str("room_id", roomID.String()).
		Str("sender", msg.SenderID.String()).
		Str("target", msg.TargetID.String()).
		Str("kind", string(msg.Kind)).
		Time("at", r.clock.Now()).
		Msg("signal relayed")
	return out, nil
}

// BroadcastPresence fans an event out to every participant except origin.
func (r *Relay) BroadcastPresence(roomID domain.RoomID, origin domain.ConnID, event protocol.Event, data any) []Outbound {
	all, err := r.registry.Participants(roomID)
	if err != nil {
		return nil
	}
	out := make([]Outbound, 0, len(all))
	for _, p := range all {
		if p.ConnID == origin {
			continue
		}
		out = append(out, send(p.ConnID, event, data))
	}
	return out
}

func (d *Dispatcher) sendingSignal(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.SendingSignal)
	if p.CallerID != "" && domain.ConnID(p.CallerID) != c.ConnID {
		return nil, domain.NewError(domain.CodeNotAuthorized, "callerID does not match the sending connection")
	}
	return d.forward(c, "", domain.ConnID(p.UserToSignal), domain.SignalOffer, p.Signal)
}

func (d *Dispatcher) returningSignal(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.ReturningSignal)
	return d.forward(c, "", domain.ConnID(p.CallerID), domain.SignalAnswer, p.Signal)
}

func (d *Dispatcher) signal(c Caller, req protocol.Request) ([]Outbound, error) {
	p := req.Payload.(*protocol.Signal)
	return d.forward(c, domain.RoomID(p.RoomID), domain.ConnID(p.Target), domain.SignalKind(p.Kind), p.Payload)
}

// forward resolves the sender's room when the event does not name one.
func (d *Dispatcher) forward(c Caller, roomID domain.RoomID, target domain.ConnID, kind domain.SignalKind, payload []byte) ([]Outbound, error) {
	if roomID == "" {
		cur, ok := d.registry.RoomOf(c.ConnID)
		if !ok {
			return nil, domain.NewError(domain.CodeNotAuthorized, "not in a room")
		}
		roomID = cur
	}
	msg, err := domain.NewSignal(c.ConnID, target, kind, payload)
	if err != nil {
		return nil, err
	}
	out, err := d.relay.Relay(roomID, msg)
	if err != nil {
		return nil, err
	}
	return []Outbound{out}, nil
}
