package presence

import (
	"errors"

	"cipherchat/pkg/types"
)

// Presence error types
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomInactive     = errors.New("room is not active")
	ErrWrongPassword    = errors.New("room password does not match")
	ErrNotParticipant   = errors.New("identity is not a participant of this room")
	ErrNotRoomCreator   = errors.New("only the room creator can delete it")
	ErrUnknownOperation = errors.New("unknown operation")

	ErrMissingDependency = errors.New("coordinator dependency is nil")
)

// Code classifies err for clients
func Code(err error) types.ErrorCode {
	switch {
	case types.IsValidationError(err), errors.Is(err, ErrUnknownOperation):
		return types.CodeInvalidArgument
	case errors.Is(err, types.ErrUnauthenticated):
		return types.CodeUnauthenticated
	case errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrWrongPassword),
		errors.Is(err, ErrNotRoomCreator),
		errors.Is(err, types.ErrForbidden):
		return types.CodePermissionDenied
	case errors.Is(err, ErrRoomNotFound):
		return types.CodeNotFound
	case errors.Is(err, ErrRoomInactive):
		return types.CodeFailedPrecondition
	case errors.Is(err, types.ErrRateLimited):
		return types.CodeRateLimited
	default:
		return types.CodeInternal
	}
}

// PublicMessage returns the client-facing text for err; internal causes are hidden
func PublicMessage(err error) string {
	if Code(err) == types.CodeInternal {
		return "internal error"
	}
	return err.Error()
}
