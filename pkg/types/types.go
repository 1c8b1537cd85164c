package types

import (
	"time"
)

// Permission levels carried by an Identity
const (
	PermissionUser  = "user"
	PermissionAdmin = "admin"
)

// Identity is an authenticated principal
// FUNCTIONAL DISCOVERY: Only DisplayName is mutable after issuance; ID and Handle
// are referenced by tokens and participant rows
type Identity struct {
	ID          int64     `json:"id"`
	Handle      string    `json:"-"`
	DisplayName string    `json:"displayName"`
	Permission  string    `json:"permission"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ref returns the public reference used in broadcast events
func (i *Identity) Ref() IdentityRef {
	return IdentityRef{ID: i.ID, DisplayName: i.DisplayName}
}

// ChatRoom is a named, password-gated broadcast group
// ARCHITECTURAL DISCOVERY: PasswordHash authenticates joins only; message keys live
// in RoomKey and never derive from it
type ChatRoom struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedBy    int64     `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoomKey is the key material persisted for a room, separate from its password hash
type RoomKey struct {
	RoomID    int64
	Salt      []byte
	Version   int
	CreatedAt time.Time
}

// RoomSummary is a room listing entry
type RoomSummary struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	CreatedBy        int64     `json:"createdBy"`
	CreatedByName    string    `json:"createdByName"`
	CreatedAt        time.Time `json:"createdAt"`
	ParticipantCount int       `json:"participantCount"`
	IsJoined         bool      `json:"isJoined"`
}

// Participant links an identity to a room
// FUNCTIONAL DISCOVERY: (RoomID, IdentityID) is unique; Online flips on presence changes
type Participant struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"roomId"`
	IdentityID int64     `json:"identityId"`
	JoinedAt   time.Time `json:"joinedAt"`
	Online     bool      `json:"online"`
}

// Message is a persisted chat message; Ciphertext is the only stored form of the body
type Message struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"roomId"`
	AuthorID   int64     `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Ciphertext string    `json:"-"`
	SentAt     time.Time `json:"sentAt"`
}

// TokenClaims are the private claims of a signature-verified token.
// Both values are still ClaimCipher ciphertexts.
type TokenClaims struct {
	EncryptedUserID string
	EncryptedName   string
}
