package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorCode classifies failures returned to callers
type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeUnauthenticated    ErrorCode = "UNAUTHENTICATED"
	CodeFailedPrecondition ErrorCode = "FAILED_PRECONDITION"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidRoomID      = errors.New("room id must be greater than 0")
	ErrInvalidRoomName    = errors.New("room name must be 2-100 characters: letters, numbers, spaces, underscores and hyphens")
	ErrInvalidPassword    = errors.New("password must be 3-50 characters")
	ErrInvalidContent     = errors.New("message content must be 1-1000 characters and not blank")
	ErrInvalidDisplayName = errors.New("display name must be 3-30 characters: letters, numbers, underscores and hyphens")
	ErrInvalidHandle      = errors.New("identity handle must be 3-50 characters")
)

// Error taxonomy sentinels
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("permission denied")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// RateLimitError is returned when a throttle policy rejects an operation
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %ds", e.RetryAfterSeconds())
}

// Is makes errors.Is(err, ErrRateLimited) hold for every RateLimitError
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, minimum 1
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// IsValidationError reports whether err is one of the input validation sentinels
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRoomID),
		errors.Is(err, ErrInvalidRoomName),
		errors.Is(err, ErrInvalidPassword),
		errors.Is(err, ErrInvalidContent),
		errors.Is(err, ErrInvalidDisplayName),
		errors.Is(err, ErrInvalidHandle):
		return true
	default:
		return false
	}
}
