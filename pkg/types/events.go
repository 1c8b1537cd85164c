package types

import "time"

// Client operations carried in ClientFrame.Type
const (
	OpJoinRoom    = "joinRoom"
	OpLeaveRoom   = "leaveRoom"
	OpSendMessage = "sendMessage"
)

// Server-emitted event types
const (
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventReceiveMessage = "receiveMessage"
	EventError          = "error"
	EventAck            = "ack"
	EventRoomDeleted    = "roomDeleted"
)

// ClientFrame is a client-invoked operation read from a live connection
type ClientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	RoomID    int64  `json:"roomId"`
	Password  string `json:"password,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Event is the envelope for everything the server writes to a connection
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// IdentityRef identifies the subject of an event
type IdentityRef struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
}

// PresenceEvent is the payload of userJoined and userLeft
type PresenceEvent struct {
	Identity IdentityRef `json:"identity"`
	RoomID   int64       `json:"roomId"`
}

// MessageEvent is the plaintext payload of receiveMessage
// ARCHITECTURAL DISCOVERY: Wire form carries plaintext, persisted form carries ciphertext
type MessageEvent struct {
	ID      int64       `json:"id"`
	RoomID  int64       `json:"roomId"`
	Author  IdentityRef `json:"author"`
	Content string      `json:"content"`
	SentAt  time.Time   `json:"sentAt"`
}

// HistoryEntry is a decrypted history record. Undecryptable entries carry no content.
type HistoryEntry struct {
	ID            int64       `json:"id"`
	RoomID        int64       `json:"roomId"`
	Author        IdentityRef `json:"author"`
	Content       string      `json:"content,omitempty"`
	Undecryptable bool        `json:"undecryptable,omitempty"`
	SentAt        time.Time   `json:"sentAt"`
}

// ErrorEvent is the payload of an error frame
type ErrorEvent struct {
	RequestID         string    `json:"requestId,omitempty"`
	Op                string    `json:"op,omitempty"`
	Code              ErrorCode `json:"code"`
	Message           string    `json:"message"`
	RetryAfterSeconds int       `json:"retryAfterSeconds,omitempty"`
}

// AckEvent confirms a completed client operation
type AckEvent struct {
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op"`
	RoomID    int64  `json:"roomId"`
}

// RoomDeletedEvent tells subscribers their room no longer exists
type RoomDeletedEvent struct {
	RoomID int64 `json:"roomId"`
}

// NewUserJoined builds a userJoined event
func NewUserJoined(identity IdentityRef, roomID int64) *Event {
	return &Event{Type: EventUserJoined, Data: PresenceEvent{Identity: identity, RoomID: roomID}}
}

// NewUserLeft builds a userLeft event
func NewUserLeft(identity IdentityRef, roomID int64) *Event {
	return &Event{Type: EventUserLeft, Data: PresenceEvent{Identity: identity, RoomID: roomID}}
}

// NewReceiveMessage builds a receiveMessage event
func NewReceiveMessage(msg MessageEvent) *Event {
	return &Event{Type: EventReceiveMessage, Data: msg}
}

// NewRoomDeleted builds a roomDeleted event
func NewRoomDeleted(roomID int64) *Event {
	return &Event{Type: EventRoomDeleted, Data: RoomDeletedEvent{RoomID: roomID}}
}
