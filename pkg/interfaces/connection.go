package interfaces

import "cipherchat/pkg/types"

// Connection represents a live realtime client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details keeps
// presence coordination testable with in-memory connections
type Connection interface {
	// ID returns the process-unique connection id
	ID() string

	// WriteJSON queues a JSON frame for the client (thread-safe, non-blocking)
	// FUNCTIONAL DISCOVERY: Implementations must use a single writer per connection
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// Identity returns the resolved identity, or nil while anonymous
	Identity() *types.Identity

	// SetIdentity records the identity resolved from token claims
	// TECHNICAL DISCOVERY: Resolution happens after upgrade so a failed
	// claim decrypt degrades to an anonymous connection instead of a refused one
	SetIdentity(identity *types.Identity)
}

// Broadcaster delivers events to every live connection subscribed to a room
type Broadcaster interface {
	Publish(roomID int64, event *types.Event) error
}
