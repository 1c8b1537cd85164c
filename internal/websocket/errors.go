package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotRegistered    = errors.New("connection is not registered")
	ErrConnectionNotAuthenticated = errors.New("connection has no resolved identity")
)

// Handler-related errors
var (
	ErrInvalidToken = errors.New("invalid access token")
)
