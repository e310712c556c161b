package types

import "errors"

// Validation errors, rejected before any network call.
var (
	ErrMissingAccessCode  = errors.New("access code cannot be empty")
	ErrMissingDisplayName = errors.New("display name cannot be empty")
	ErrMissingRoomID      = errors.New("room ID cannot be empty")
)

// Request-level errors returned to callers as typed results.
var (
	ErrNotConnected        = errors.New("not connected to coordination server")
	ErrRoomNotFound        = errors.New("room not found")
	ErrUnauthorized        = errors.New("not authorized for this room")
	ErrInvalidAccessCode   = errors.New("invalid access code")
	ErrJoinRejected        = errors.New("join request rejected")
	ErrParticipantNotFound = errors.New("participant not found in roster")
	ErrActionPending       = errors.New("moderation action already pending for this participant")
	ErrKickTimedOut        = errors.New("kick acknowledgment not received before timeout")
	ErrKickRejected        = errors.New("kick request rejected by server")
	ErrSessionTerminated   = errors.New("session terminated: removed from room")
)

// Ack error codes used by the coordination server.
const (
	CodeRoomNotFound      = "room_not_found"
	CodeUnauthorized      = "unauthorized"
	CodeInvalidAccessCode = "invalid_access_code"
)

// JoinError maps a join rejection code to its sentinel error.
func JoinError(code string) error {
	switch code {
	case CodeRoomNotFound:
		return ErrRoomNotFound
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeInvalidAccessCode:
		return ErrInvalidAccessCode
	default:
		return ErrJoinRejected
	}
}
