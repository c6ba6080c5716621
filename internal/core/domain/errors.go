package domain

import (
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

const (
	CodeAuthenticationFailed ErrorCode = "AuthenticationFailed"
	CodeValidationFailed     ErrorCode = "ValidationFailed"
	CodeRateLimitExceeded    ErrorCode = "RateLimitExceeded"
	CodeTooManyConnections   ErrorCode = "TooManyConnections"
	CodeIPNotAllowed         ErrorCode = "IPNotAllowed"
	CodeRoomNotFound         ErrorCode = "RoomNotFound"
	CodeRoomAlreadyExists    ErrorCode = "RoomAlreadyExists"
	CodeRequestNotFound      ErrorCode = "RequestNotFound"
	CodeNotAuthorized        ErrorCode = "NotAuthorized"
	CodeAlreadyInRoom        ErrorCode = "AlreadyInRoom"
	CodeMediaAccessError     ErrorCode = "MediaAccessError"
	CodePeerNegotiationError ErrorCode = "PeerNegotiationError"
	CodeReconnectExhausted   ErrorCode = "ReconnectExhausted"
	CodeRemovedByHost        ErrorCode = "RemovedByHost"
)

// Error is the error type shared by the server and the client controller.
// Two errors match under errors.Is when their codes match.
type Error struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// RetryAfterSeconds rounds up so a client never retries too early.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed, Message: "authentication failed"}
	ErrValidationFailed     = &Error{Code: CodeValidationFailed, Message: "malformed payload"}
	ErrRateLimitExceeded    = &Error{Code: CodeRateLimitExceeded, Message: "too many requests"}
	ErrTooManyConnections   = &Error{Code: CodeTooManyConnections, Message: "too many connections from this address"}
	ErrIPNotAllowed         = &Error{Code: CodeIPNotAllowed, Message: "address not allowed"}
	ErrRoomNotFound         = &Error{Code: CodeRoomNotFound, Message: "room not found"}
	ErrRoomAlreadyExists    = &Error{Code: CodeRoomAlreadyExists, Message: "room already exists"}
	ErrRequestNotFound      = &Error{Code: CodeRequestNotFound, Message: "join request not found"}
	ErrNotAuthorized        = &Error{Code: CodeNotAuthorized, Message: "not authorized"}
	ErrAlreadyInRoom        = &Error{Code: CodeAlreadyInRoom, Message: "connection is already in a room"}
	ErrMediaAccess          = &Error{Code: CodeMediaAccessError, Message: "media device unavailable"}
	ErrPeerNegotiation      = &Error{Code: CodePeerNegotiationError, Message: "peer negotiation failed"}
	ErrReconnectExhausted   = &Error{Code: CodeReconnectExhausted, Message: "could not reconnect to the signaling server"}
	ErrRemovedByHost        = &Error{Code: CodeRemovedByHost, Message: "the host removed you from the room"}
)

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
