package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Wyydra/huddle/internal/core/domain"
)

const (
	maxRoomIDLen = 128
	maxNameLen   = 128
	maxPhotoLen  = 2048
	// SDP blobs with many candidates stay well under this.
	maxSignalLen = 64 * 1024
)

// Payload is implemented by every inbound payload type. Validate runs at the
// boundary so handlers only ever see well-formed values.
type Payload interface {
	Validate() error
}

// User is the wire profile. The server overwrites ID with the token subject.
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
}

func (u User) Validate() error {
	if len(u.Name) > maxNameLen {
		return invalid("user name longer than %d bytes", maxNameLen)
	}
	if len(u.Photo) > maxPhotoLen {
		return invalid("user photo longer than %d bytes", maxPhotoLen)
	}
	return nil
}

func (u User) Domain() domain.User {
	return domain.User{ID: domain.UserID(u.ID), Name: strings.TrimSpace(u.Name), Photo: u.Photo}
}

func UserFrom(u domain.User) User {
	return User{ID: u.ID.String(), Name: u.Name, Photo: u.Photo}
}

// Participant is one entry of the all-users snapshot.
type Participant struct {
	User    User `json:"user"`
	MicOn   bool `json:"micOn"`
	VideoOn bool `json:"videoOn"`
}

func ParticipantFrom(p domain.Participant) Participant {
	return Participant{User: UserFrom(p.User), MicOn: p.MicOn, VideoOn: p.VideoOn}
}

type CreateRoom struct {
	RoomID string `json:"roomID"`
	User   User   `json:"user"`
}

func (p *CreateRoom) Validate() error {
	if p.RoomID != "" {
		if err := validRoomID(p.RoomID); err != nil {
			return err
		}
	}
	return p.User.Validate()
}

type RoomRef struct {
	RoomID string `json:"roomID"`
}

func (p *RoomRef) Validate() error {
	return validRoomID(p.RoomID)
}

type RequestToJoin struct {
	RoomID string `json:"roomID"`
	User   User   `json:"user"`
}

func (p *RequestToJoin) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	return p.User.Validate()
}

type RespondToRequest struct {
	RoomID   string `json:"roomID"`
	To       string `json:"to"`
	Accepted bool   `json:"accepted"`
}

func (p *RespondToRequest) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	return required("to", p.To)
}

type JoinRoom struct {
	RoomID string `json:"roomID"`
	User   User   `json:"user"`
}

func (p *JoinRoom) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	return p.User.Validate()
}

type SendingSignal struct {
	UserToSignal string          `json:"userToSignal"`
	CallerID     string          `json:"callerID"`
	Signal       json.RawMessage `json:"signal"`
}

func (p *SendingSignal) Validate() error {
	if err := required("userToSignal", p.UserToSignal); err != nil {
		return err
	}
	return validSignal(p.Signal)
}

type ReturningSignal struct {
	CallerID string          `json:"callerID"`
	Signal   json.RawMessage `json:"signal"`
}

func (p *ReturningSignal) Validate() error {
	if err := required("callerID", p.CallerID); err != nil {
		return err
	}
	return validSignal(p.Signal)
}

// Signal carries trickled candidates and renegotiation between two members.
type Signal struct {
	RoomID  string          `json:"roomID"`
	Target  string          `json:"target"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (p *Signal) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if err := required("target", p.Target); err != nil {
		return err
	}
	if !domain.SignalKind(p.Kind).Valid() {
		return invalid("unknown signal kind %q", p.Kind)
	}
	return validSignal(p.Payload)
}

type ToggleMic struct {
	RoomID string `json:"roomID"`
	MicOn  bool   `json:"micOn"`
}

func (p *ToggleMic) Validate() error {
	return validRoomID(p.RoomID)
}

type ToggleVideo struct {
	RoomID  string `json:"roomID"`
	VideoOn bool   `json:"videoOn"`
}

func (p *ToggleVideo) Validate() error {
	return validRoomID(p.RoomID)
}

type RemoveParticipant struct {
	RoomID string `json:"roomID"`
	PeerID string `json:"peerID"`
}

func (p *RemoveParticipant) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	return required("peerID", p.PeerID)
}

// Outbound payloads.

type RoomCreated struct {
	RoomID string `json:"roomID"`
}

type RoomStatus struct {
	RoomID string `json:"roomID"`
	Exists bool   `json:"exists"`
}

type NewJoinRequest struct {
	From string `json:"from"`
	User User   `json:"user"`
}

type JoinRequestCancelled struct {
	From string `json:"from"`
}

type RequestOutcome struct {
	RoomID string `json:"roomID"`
	Reason string `json:"reason,omitempty"`
}

// AllUsers maps connection id to participant.
type AllUsers map[string]Participant

type UserJoined struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerID"`
	User     User            `json:"user"`
}

type ReturnedSignal struct {
	Signal json.RawMessage `json:"signal"`
	ID     string          `json:"id"`
}

type RelayedSignal struct {
	From    string          `json:"from"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type UserDisconnected struct {
	ID string `json:"id"`
}

type HostLeft struct {
	RoomID string `json:"roomID"`
}

type UserToggledMic struct {
	UserID string `json:"userID"`
	MicOn  bool   `json:"micOn"`
}

type UserToggledVideo struct {
	UserID  string `json:"userID"`
	VideoOn bool   `json:"videoOn"`
}

type RemovedFromRoom struct {
	RoomID string `json:"roomID"`
}

type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Event             string `json:"event,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// ErrorFrom converts any error into the wire error, keeping the domain code
// when there is one.
func ErrorFrom(event Event, err error) ErrorPayload {
	p := ErrorPayload{Event: string(event), Code: string(domain.CodeValidationFailed), Message: err.Error()}
	var e *domain.Error
	if errors.As(err, &e) {
		p.Code = string(e.Code)
		p.Message = e.Message
		p.RetryAfterSeconds = e.RetryAfterSeconds()
	}
	return p
}

func (p ErrorPayload) Err() *domain.Error {
	e := domain.NewError(domain.ErrorCode(p.Code), "%s", p.Message)
	if p.RetryAfterSeconds > 0 {
		e.RetryAfter = time.Duration(p.RetryAfterSeconds) * time.Second
	}
	return e
}

func invalid(format string, args ...any) error {
	return domain.NewError(domain.CodeValidationFailed, format, args...)
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid("%s is required", field)
	}
	return nil
}

func validRoomID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("roomID is required")
	}
	if len(id) > maxRoomIDLen {
		return invalid("roomID longer than %d bytes", maxRoomIDLen)
	}
	for _, r := range id {
		if r < 0x21 || r == 0x7f {
			return invalid("roomID contains %s", fmt.Sprintf("%q", r))
		}
	}
	return nil
}

func validSignal(raw json.RawMessage) error {
	if len(raw) == 0 {
		return invalid("signal is required")
	}
	if len(raw) > maxSignalLen {
		return invalid("signal larger than %d bytes", maxSignalLen)
	}
	if !json.Valid(raw) {
		return invalid("signal is not valid JSON")
	}
	// Session descriptions and candidates are always objects.
	if !strings.HasPrefix(strings.TrimLeft(string(raw), " \t\r\n"), "{") {
		return invalid("signal must be a JSON object")
	}
	return nil
}
