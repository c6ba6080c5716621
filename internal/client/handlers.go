package client

import (
	"encoding/json"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

type frameHandler func(c *Controller, f protocol.Frame) error

var frameHandlers = map[protocol.Event]frameHandler{
	protocol.EventRoomCreated:             (*Controller).onRoomCreated,
	protocol.EventNewJoinRequest:          (*Controller).onNewJoinRequest,
	protocol.EventJoinRequestCancelled:    (*Controller).onJoinRequestCancelled,
	protocol.EventRequestAccepted:         (*Controller).onRequestAccepted,
	protocol.EventRequestDeclined:         (*Controller).onRequestDeclined,
	protocol.EventAllUsers:                (*Controller).onAllUsers,
	protocol.EventUserJoined:              (*Controller).onUserJoined,
	protocol.EventReceivingReturnedSignal: (*Controller).onReturnedSignal,
	protocol.EventSignal:                  (*Controller).onSignal,
	protocol.EventUserDisconnected:        (*Controller).onUserDisconnected,
	protocol.EventHostLeft:                (*Controller).onHostLeft,
	protocol.EventUserToggledMic:          (*Controller).onToggledMic,
	protocol.EventUserToggledVideo:        (*Controller).onToggledVideo,
	protocol.EventRemovedFromRoom:         (*Controller).onRemoved,
	protocol.EventError:                   (*Controller).onError,
}

func (c *Controller) handle(f protocol.Frame) {
	if f.ID != 0 && c.resolve(f) {
		return
	}
	h, ok := frameHandlers[f.Event]
	if !ok {
		c.log.Debug().Str("event", string(f.Event)).Msg("ignoring unknown event")
		return
	}
	if err := h(c, f); err != nil {
		c.log.Warn().Err(err).Str("event", string(f.Event)).Msg("event handling failed")
		c.emit(Error{Err: err})
	}
}

// resolve hands a reply to the call waiting on its id.
func (c *Controller) resolve(f protocol.Frame) bool {
	c.mu.Lock()
	ch, ok := c.waiting[f.ID]
	delete(c.waiting, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

func (c *Controller) onRoomCreated(f protocol.Frame) error {
	var p protocol.RoomCreated
	if err := f.Decode(&p); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.s.host || (c.s.state != StateCreatingRoom && c.s.state != StateReconnecting) {
		return nil
	}
	c.s.roomID = domain.RoomID(p.RoomID)
	c.setStateLocked(StateJoined)
	return nil
}

func (c *Controller) onNewJoinRequest(f protocol.Frame) error {
	var p protocol.NewJoinRequest
	if err := f.Decode(&p); err != nil {
		return err
	}
	from := domain.ConnID(p.From)
	c.mu.Lock()
	if !c.s.host {
		c.mu.Unlock()
		return nil
	}
	c.s.requests[from] = p.User
	c.mu.Unlock()
	c.emit(JoinRequested{From: from, User: p.User})
	return nil
}

func (c *Controller) onJoinRequestCancelled(f protocol.Frame) error {
	var p protocol.JoinRequestCancelled
	if err := f.Decode(&p); err != nil {
		return err
	}
	from := domain.ConnID(p.From)
	c.mu.Lock()
	_, known := c.s.requests[from]
	delete(c.s.requests, from)
	c.mu.Unlock()
	if known {
		c.emit(JoinRequestCancelled{From: from})
	}
	return nil
}

func (c *Controller) onRequestAccepted(f protocol.Frame) error {
	var p protocol.RequestOutcome
	if err := f.Decode(&p); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.host || c.s.roomID != domain.RoomID(p.RoomID) {
		return nil
	}
	if c.s.state != StateWaitingApproval && c.s.state != StateReconnecting {
		return nil
	}
	if err := c.sendLocked(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: p.RoomID, User: c.user}); err != nil {
		return err
	}
	c.setStateLocked(StateJoined)
	return nil
}

func (c *Controller) onRequestDeclined(f protocol.Frame) error {
	var p protocol.RequestOutcome
	if err := f.Decode(&p); err != nil {
		return err
	}
	c.mu.Lock()
	if c.s.host || c.s.state == StateIdle || c.s.roomID != domain.RoomID(p.RoomID) {
		c.mu.Unlock()
		return nil
	}
	stale := c.teardownLocked()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	closePeers(stale)
	c.emit(Declined{RoomID: domain.RoomID(p.RoomID), Reason: p.Reason})
	return nil
}

// onAllUsers offers to every member that was there before us.
func (c *Controller) onAllUsers(f protocol.Frame) error {
	var p protocol.AllUsers
	if err := f.Decode(&p); err != nil {
		return err
	}
	for id, member := range p {
		remote := domain.ConnID(id)
		if err := c.offerTo(remote, member); err != nil {
			c.emit(Error{Err: err})
		}
	}
	return nil
}

func (c *Controller) offerTo(remote domain.ConnID, member protocol.Participant) error {
	c.mu.Lock()
	if c.s.state != StateJoined {
		c.mu.Unlock()
		return nil
	}
	if _, exists := c.remote[remote]; exists {
		c.mu.Unlock()
		return nil
	}
	epoch := c.s.epoch
	stream := c.outgoingLocked()
	c.holdLocked(remote)
	c.mu.Unlock()

	peer, err := c.peers.NewPeer(remote, stream, func(raw json.RawMessage) {
		c.sendSignal(remote, domain.SignalCandidate, raw)
	})
	if err != nil {
		c.unhold(remote)
		return err
	}
	offer, err := peer.Offer()
	if err != nil {
		c.unhold(remote)
		peer.Close()
		return err
	}

	c.mu.Lock()
	if c.s.epoch != epoch || c.s.state != StateJoined {
		delete(c.held, remote)
		c.mu.Unlock()
		peer.Close()
		return nil
	}
	c.remote[remote] = peer
	rp := &RemoteParticipant{ConnID: remote, User: member.User, MicOn: member.MicOn, VideoOn: member.VideoOn, Outbound: true}
	c.s.participants[remote] = rp
	err = c.sendLocked(protocol.EventSendingSignal, protocol.SendingSignal{UserToSignal: remote.String(), Signal: offer})
	c.releaseLocked(remote)
	c.mu.Unlock()

	c.emit(ParticipantJoined{Participant: *rp})
	return err
}

// onUserJoined answers a newcomer's offer.
func (c *Controller) onUserJoined(f protocol.Frame) error {
	var p protocol.UserJoined
	if err := f.Decode(&p); err != nil {
		return err
	}
	remote := domain.ConnID(p.CallerID)

	c.mu.Lock()
	if c.s.state != StateJoined {
		c.mu.Unlock()
		return nil
	}
	// A second offer from the same connection replaces the old peer.
	old := c.remote[remote]
	delete(c.remote, remote)
	epoch := c.s.epoch
	stream := c.outgoingLocked()
	early := c.early[remote]
	delete(c.early, remote)
	c.holdLocked(remote)
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	peer, err := c.peers.NewPeer(remote, stream, func(raw json.RawMessage) {
		c.sendSignal(remote, domain.SignalCandidate, raw)
	})
	if err != nil {
		c.unhold(remote)
		return err
	}
	answer, err := peer.Answer(p.Signal)
	if err != nil {
		c.unhold(remote)
		peer.Close()
		return err
	}
	for _, raw := range early {
		if err := peer.AddCandidate(raw); err != nil {
			c.log.Debug().Err(err).Str("remote", remote.String()).Msg("early candidate rejected")
		}
	}

	c.mu.Lock()
	if c.s.epoch != epoch || c.s.state != StateJoined {
		delete(c.held, remote)
		c.mu.Unlock()
		peer.Close()
		return nil
	}
	c.remote[remote] = peer
	rp := &RemoteParticipant{ConnID: remote, User: p.User, MicOn: true, VideoOn: true}
	c.s.participants[remote] = rp
	err = c.sendLocked(protocol.EventReturningSignal, protocol.ReturningSignal{CallerID: remote.String(), Signal: answer})
	c.releaseLocked(remote)
	c.mu.Unlock()

	c.emit(ParticipantJoined{Participant: *rp})
	return err
}

func (c *Controller) peer(id domain.ConnID) (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.remote[id]
	return p, ok
}

func (c *Controller) onReturnedSignal(f protocol.Frame) error {
	var p protocol.ReturnedSignal
	if err := f.Decode(&p); err != nil {
		return err
	}
	peer, ok := c.peer(domain.ConnID(p.ID))
	if !ok {
		return nil
	}
	return peer.AcceptAnswer(p.Signal)
}

func (c *Controller) onSignal(f protocol.Frame) error {
	var p protocol.RelayedSignal
	if err := f.Decode(&p); err != nil {
		return err
	}
	from := domain.ConnID(p.From)
	peer, ok := c.peer(from)
	if !ok {
		if domain.SignalKind(p.Kind) == domain.SignalCandidate {
			c.keepEarly(from, p.Payload)
		}
		return nil
	}
	switch domain.SignalKind(p.Kind) {
	case domain.SignalCandidate:
		return peer.AddCandidate(p.Payload)
	case domain.SignalAnswer:
		return peer.AcceptAnswer(p.Payload)
	case domain.SignalOffer:
		answer, err := peer.Answer(p.Payload)
		if err != nil {
			return err
		}
		c.sendSignal(from, domain.SignalAnswer, answer)
	}
	return nil
}

const maxEarlyCandidates = 64

// keepEarly holds a candidate that arrived before the sender's offer.
func (c *Controller) keepEarly(from domain.ConnID, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.state != StateJoined || len(c.early[from]) >= maxEarlyCandidates {
		return
	}
	c.early[from] = append(c.early[from], raw)
}

func (c *Controller) onUserDisconnected(f protocol.Frame) error {
	var p protocol.UserDisconnected
	if err := f.Decode(&p); err != nil {
		return err
	}
	id := domain.ConnID(p.ID)
	c.mu.Lock()
	peer := c.remote[id]
	delete(c.remote, id)
	delete(c.early, id)
	delete(c.held, id)
	_, known := c.s.participants[id]
	delete(c.s.participants, id)
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	if known {
		c.emit(ParticipantLeft{ConnID: id})
	}
	return nil
}

func (c *Controller) onHostLeft(f protocol.Frame) error {
	var p protocol.HostLeft
	if err := f.Decode(&p); err != nil {
		return err
	}
	if !c.endRemotely(domain.RoomID(p.RoomID)) {
		return nil
	}
	c.emit(HostLeft{RoomID: domain.RoomID(p.RoomID)})
	return nil
}

func (c *Controller) onRemoved(f protocol.Frame) error {
	var p protocol.RemovedFromRoom
	if err := f.Decode(&p); err != nil {
		return err
	}
	if !c.endRemotely(domain.RoomID(p.RoomID)) {
		return nil
	}
	c.emit(Removed{RoomID: domain.RoomID(p.RoomID)})
	c.emit(Error{Err: domain.ErrRemovedByHost})
	return nil
}

// endRemotely tears the session down when the server ends it.
func (c *Controller) endRemotely(id domain.RoomID) bool {
	c.mu.Lock()
	if c.s.state == StateIdle || c.s.roomID != id {
		c.mu.Unlock()
		return false
	}
	stale := c.teardownLocked()
	c.endLocked()
	c.mu.Unlock()
	closePeers(stale)
	return true
}

func (c *Controller) onToggledMic(f protocol.Frame) error {
	var p protocol.UserToggledMic
	if err := f.Decode(&p); err != nil {
		return err
	}
	return c.remoteToggle(domain.ConnID(p.UserID), domain.MediaMic, p.MicOn)
}

func (c *Controller) onToggledVideo(f protocol.Frame) error {
	var p protocol.UserToggledVideo
	if err := f.Decode(&p); err != nil {
		return err
	}
	return c.remoteToggle(domain.ConnID(p.UserID), domain.MediaVideo, p.VideoOn)
}

func (c *Controller) remoteToggle(id domain.ConnID, kind domain.MediaKind, on bool) error {
	c.mu.Lock()
	rp, ok := c.s.participants[id]
	if ok {
		switch kind {
		case domain.MediaMic:
			rp.MicOn = on
		case domain.MediaVideo:
			rp.VideoOn = on
		}
	}
	c.mu.Unlock()
	if ok {
		c.emit(MediaToggled{ConnID: id, Kind: kind, Enabled: on})
	}
	return nil
}

// onError handles errors nobody is waiting on. A rejected membership
// request sends the session back to idle.
func (c *Controller) onError(f protocol.Frame) error {
	var p protocol.ErrorPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	err := p.Err()

	c.mu.Lock()
	var abort bool
	switch protocol.Event(p.Event) {
	case protocol.EventCreateRoom:
		abort = c.s.host && (c.s.state == StateCreatingRoom || c.s.state == StateReconnecting)
	case protocol.EventRequestToJoin, protocol.EventJoinRoom:
		abort = !c.s.host && (c.s.state == StateWaitingApproval || c.s.state == StateReconnecting || c.s.state == StateJoined)
	}
	var stale map[domain.ConnID]Peer
	if abort {
		stale = c.teardownLocked()
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	closePeers(stale)

	c.emit(Error{Err: err})
	return nil
}
