package interfaces

import (
	"context"

	"cipherchat/pkg/types"
)

// RoomStore is the durable store for identities, rooms, participants and messages
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type RoomStore interface {
	// Identity operations
	CreateIdentity(ctx context.Context, identity *types.Identity) error
	GetIdentity(ctx context.Context, identityID int64) (*types.Identity, error)
	GetIdentityByHandle(ctx context.Context, handle string) (*types.Identity, error)
	UpdateDisplayName(ctx context.Context, identityID int64, displayName string) error

	// CreateRoom persists the room, its key material and the creator's online
	// participant row in one transaction. Assigns room.ID.
	CreateRoom(ctx context.Context, room *types.ChatRoom, key *types.RoomKey) error
	GetRoom(ctx context.Context, roomID int64) (*types.ChatRoom, error)
	// GetRoomKey returns the key material stored apart from the password hash
	GetRoomKey(ctx context.Context, roomID int64) (*types.RoomKey, error)
	// ListActiveRooms returns every active room with IsJoined set for viewerID
	ListActiveRooms(ctx context.Context, viewerID int64) ([]*types.RoomSummary, error)
	// ListIdentityRooms returns the active rooms the identity participates in
	ListIdentityRooms(ctx context.Context, identityID int64) ([]*types.RoomSummary, error)
	DeactivateRoom(ctx context.Context, roomID int64) error
	// DeleteRoom removes the room; participants, messages and key material cascade
	DeleteRoom(ctx context.Context, roomID int64) error

	// Participant operations
	// FUNCTIONAL DISCOVERY: UpsertParticipant is atomic against the unique
	// (room, identity) pair; a conflicting insert becomes an update
	UpsertParticipant(ctx context.Context, roomID, identityID int64, online bool) (*types.Participant, error)
	GetParticipant(ctx context.Context, roomID, identityID int64) (*types.Participant, error)
	SetParticipantOnline(ctx context.Context, roomID, identityID int64, online bool) error
	CountParticipants(ctx context.Context, roomID int64) (int, error)
	// MarkAllOffline clears presence left behind by a previous process
	MarkAllOffline(ctx context.Context) (int64, error)

	// Message operations
	// StoreMessage appends a message and assigns message.ID
	StoreMessage(ctx context.Context, message *types.Message) error
	// GetRoomHistory returns up to limit most recent messages in chronological order
	GetRoomHistory(ctx context.Context, roomID int64, limit int) ([]*types.Message, error)

	// Health and lifecycle operations
	HealthCheck(ctx context.Context) error
	Close() error
}
