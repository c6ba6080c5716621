package domain

import "fmt"

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// SignalMessage is the envelope the relay checks. Payload is never inspected.
type SignalMessage struct {
	SenderID ConnID
	TargetID ConnID
	Kind     SignalKind
	Payload  []byte
}

func NewSignal(sender, target ConnID, kind SignalKind, payload []byte) (SignalMessage, error) {
	if !kind.Valid() {
		return SignalMessage{}, NewError(CodeValidationFailed, "unknown signal kind %q", kind)
	}
	if sender == "" || target == "" {
		return SignalMessage{}, NewError(CodeValidationFailed, "signal needs a sender and a target")
	}
	if len(payload) == 0 {
		return SignalMessage{}, NewError(CodeValidationFailed, "empty signal payload")
	}
	return SignalMessage{
		SenderID: sender,
		TargetID: target,
		Kind:     kind,
		Payload:  payload,
	}, nil
}

func (m SignalMessage) String() string {
	return fmt.Sprintf("%s %s->%s (%d bytes)", m.Kind, m.SenderID, m.TargetID, len(m.Payload))
}
