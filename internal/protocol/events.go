// Package protocol defines the signaling wire format: the event catalog,
// one validated payload type per event, and the codecs that frame them.
package protocol

type Event string

// Client to server.
const (
	EventCreateRoom        Event = "create-room"
	EventCheckRoom         Event = "check-room"
	EventRequestToJoin     Event = "request-to-join"
	EventRespondToRequest  Event = "respond-to-request"
	EventJoinRoom          Event = "join-room"
	EventGetUsers          Event = "get-users"
	EventSendingSignal     Event = "sending-signal"
	EventReturningSignal   Event = "returning-signal"
	EventSignal            Event = "signal"
	EventLeaveRoom         Event = "leave-room"
	EventToggleMic         Event = "toggle-mic"
	EventToggleVideo       Event = "toggle-video"
	EventRemoveParticipant Event = "remove-participant"
)

// Server to client.
const (
	EventRoomCreated             Event = "room-created"
	EventNewJoinRequest          Event = "new-join-request"
	EventJoinRequestCancelled    Event = "join-request-cancelled"
	EventRequestAccepted         Event = "request-accepted"
	EventRequestDeclined         Event = "request-declined"
	EventAllUsers                Event = "all-users"
	EventUserJoined              Event = "user-joined"
	EventReceivingReturnedSignal Event = "receiving-returned-signal"
	EventUserDisconnected        Event = "user-disconnected"
	EventHostLeft                Event = "host-left"
	EventUserToggledMic          Event = "user-toggled-mic"
	EventUserToggledVideo        Event = "user-toggled-video"
	EventRemovedFromRoom         Event = "removed-from-room"
	EventError                   Event = "error"
)

// Reasons carried by request-declined.
const (
	DeclineByHost  = "declined"
	DeclineExpired = "expired"
	DeclineClosed  = "room-closed"
)
