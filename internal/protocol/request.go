package protocol

// Request is a validated inbound event.
type Request struct {
	Event   Event
	ID      uint64
	Payload Payload
}

var inbound = map[Event]func() Payload{
	EventCreateRoom:        func() Payload { return &CreateRoom{} },
	EventCheckRoom:         func() Payload { return &RoomRef{} },
	EventRequestToJoin:     func() Payload { return &RequestToJoin{} },
	EventRespondToRequest:  func() Payload { return &RespondToRequest{} },
	EventJoinRoom:          func() Payload { return &JoinRoom{} },
	EventGetUsers:          func() Payload { return &RoomRef{} },
	EventSendingSignal:     func() Payload { return &SendingSignal{} },
	EventReturningSignal:   func() Payload { return &ReturningSignal{} },
	EventSignal:            func() Payload { return &Signal{} },
	EventLeaveRoom:         func() Payload { return &RoomRef{} },
	EventToggleMic:         func() Payload { return &ToggleMic{} },
	EventToggleVideo:       func() Payload { return &ToggleVideo{} },
	EventRemoveParticipant: func() Payload { return &RemoveParticipant{} },
}

// DecodeRequest turns a raw frame into a typed, validated Request. Unknown
// events and malformed shapes fail with ValidationFailed. The event is
// returned even on failure so the error can name it.
func DecodeRequest(c Codec, raw []byte) (Request, error) {
	frame, err := c.Decode(raw)
	if err != nil {
		return Request{}, err
	}
	req := Request{Event: frame.Event, ID: frame.ID}
	newPayload, ok := inbound[frame.Event]
	if !ok {
		return req, invalid("unknown event %q", frame.Event)
	}
	p := newPayload()
	if err := frame.Decode(p); err != nil {
		return req, err
	}
	if err := p.Validate(); err != nil {
		return req, err
	}
	req.Payload = p
	return req, nil
}

// Encode builds a client-side request frame. Used by the session controller.
func Encode(c Codec, event Event, id uint64, data any) ([]byte, error) {
	return c.Encode(Envelope{Event: event, ID: id, Data: data})
}
