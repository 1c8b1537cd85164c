package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"cipherchat/internal/crypto"
	"cipherchat/internal/ratelimit"
	"cipherchat/internal/websocket"
	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

// DefaultHistoryLimit bounds History when the caller passes no limit
const DefaultHistoryLimit = 100

// Limiter admits or throttles keyed actions
type Limiter interface {
	AllowPolicy(key string, p ratelimit.Policy) ratelimit.Decision
}

// Config holds coordinator policy
type Config struct {
	SendPolicy   ratelimit.Policy
	HistoryLimit int
}

// DefaultConfig returns 5 sends per 30 seconds per identity
func DefaultConfig() Config {
	return Config{
		SendPolicy:   ratelimit.Policy{Max: 5, Window: 30 * time.Second},
		HistoryLimit: DefaultHistoryLimit,
	}
}

// Dependencies wires the coordinator to its collaborators
type Dependencies struct {
	Store       interfaces.RoomStore
	Registry    *websocket.Registry
	Broadcaster interfaces.Broadcaster
	Claims      *crypto.ClaimCipher
	Keyring     *crypto.Keyring
	Passwords   *crypto.PasswordHasher
	Limiter     Limiter
}

// Coordinator keeps connection-to-room membership consistent with participant
// rows and emits presence and message events.
// ARCHITECTURAL DISCOVERY: Presence is reference counted per (identity, room) so a
// second tab closing does not mark the identity offline
type Coordinator struct {
	store       interfaces.RoomStore
	registry    *websocket.Registry
	broadcaster interfaces.Broadcaster
	claims      *crypto.ClaimCipher
	keyring     *crypto.Keyring
	passwords   *crypto.PasswordHasher
	rooms       crypto.RoomCipher
	limiter     Limiter
	cfg         Config
	locks       *keyedMutex
	now         func() time.Time
}

// NewCoordinator creates a coordinator; every dependency is required
func NewCoordinator(deps Dependencies, cfg Config) (*Coordinator, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Broadcaster == nil ||
		deps.Claims == nil || deps.Keyring == nil || deps.Passwords == nil || deps.Limiter == nil {
		return nil, ErrMissingDependency
	}
	if cfg.SendPolicy.Max <= 0 || cfg.SendPolicy.Window <= 0 {
		return nil, fmt.Errorf("invalid send policy %d/%s", cfg.SendPolicy.Max, cfg.SendPolicy.Window)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	return &Coordinator{
		store:       deps.Store,
		registry:    deps.Registry,
		broadcaster: deps.Broadcaster,
		claims:      deps.Claims,
		keyring:     deps.Keyring,
		passwords:   deps.Passwords,
		limiter:     deps.Limiter,
		cfg:         cfg,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// ResolveIdentity decrypts token claims and loads the identity they name.
// Any decrypt, parse or lookup miss is ErrUnauthenticated; store failures pass through.
func (c *Coordinator) ResolveIdentity(ctx context.Context, claims *types.TokenClaims) (*types.Identity, error) {
	if claims == nil {
		return nil, types.ErrUnauthenticated
	}

	rawID, err := c.claims.Decrypt(claims.EncryptedUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: identity claim: %v", types.ErrUnauthenticated, err)
	}
	identityID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || identityID <= 0 {
		return nil, fmt.Errorf("%w: malformed identity claim", types.ErrUnauthenticated)
	}
	if _, err := c.claims.Decrypt(claims.EncryptedName); err != nil {
		return nil, fmt.Errorf("%w: name claim: %v", types.ErrUnauthenticated, err)
	}

	identity, err := c.store.GetIdentity(ctx, identityID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: identity %d no longer exists", types.ErrUnauthenticated, identityID)
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// Connect authenticates conn and subscribes it to every persisted room of its identity.
// Identity resolution failure leaves the connection anonymous.
func (c *Coordinator) Connect(ctx context.Context, conn interfaces.Connection, claims *types.TokenClaims) error {
	if claims == nil {
		log.Debug().Str("module", "presence").Str("conn_id", conn.ID()).Msg("Anonymous connection")
		return nil
	}

	identity, err := c.ResolveIdentity(ctx, claims)
	if errors.Is(err, types.ErrUnauthenticated) {
		log.Warn().Str("module", "presence").Str("conn_id", conn.ID()).Err(err).
			Msg("Identity resolution failed, connection stays anonymous")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	conn.SetIdentity(identity)

	rooms, err := c.store.ListIdentityRooms(ctx, identity.ID)
	if err != nil {
		conn.SetIdentity(nil)
		return fmt.Errorf("list rooms of identity %d: %w", identity.ID, err)
	}

	for _, room := range rooms {
		err := c.attach(ctx, conn, identity, room.ID)
		if errors.Is(err, interfaces.ErrNotFound) {
			// deleted after listing; the other rooms are unaffected
			log.Debug().Str("module", "presence").Str("conn_id", conn.ID()).
				Int64("room_id", room.ID).Msg("Room vanished during connect")
			continue
		}
		if err != nil {
			c.Disconnect(ctx, conn, err)
			conn.SetIdentity(nil)
			return fmt.Errorf("subscribe room %d: %w", room.ID, err)
		}
	}

	log.Info().Str("module", "presence").Str("conn_id", conn.ID()).
		Int64("identity_id", identity.ID).Int("rooms", len(rooms)).Msg("Connection authenticated")
	return nil
}

// JoinRoom verifies the room password, marks the identity online and subscribes conn
func (c *Coordinator) JoinRoom(ctx context.Context, conn interfaces.Connection, roomID int64, password string) error {
	identity := conn.Identity()
	if identity == nil {
		return types.ErrUnauthenticated
	}
	if err := c.admit(ctx, roomID, password); err != nil {
		return err
	}

	unlock := c.locks.Lock(presenceKey{identityID: identity.ID, roomID: roomID})
	defer unlock()

	// subscribe before the participant write: a delete committed after the write
	// runs DropRoom after this subscription and removes it
	added, count, err := c.registry.Subscribe(conn, roomID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if _, err := c.store.UpsertParticipant(ctx, roomID, identity.ID, true); err != nil {
		if added {
			c.registry.Unsubscribe(conn, roomID)
		}
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("upsert participant: %w", err)
	}
	if added && count == 1 {
		c.publish(roomID, types.NewUserJoined(identity.Ref(), roomID))
	}

	log.Info().Str("module", "presence").Int64("identity_id", identity.ID).
		Int64("room_id", roomID).Int("connections", count).Msg("Joined room")
	return nil
}

// LeaveRoom unsubscribes conn; the identity goes offline once its last connection leaves
func (c *Coordinator) LeaveRoom(ctx context.Context, conn interfaces.Connection, roomID int64) error {
	identity := conn.Identity()
	if identity == nil {
		return types.ErrUnauthenticated
	}
	if err := types.ValidateRoomID(roomID); err != nil {
		return err
	}

	unlock := c.locks.Lock(presenceKey{identityID: identity.ID, roomID: roomID})
	defer unlock()

	if _, err := c.store.GetParticipant(ctx, roomID, identity.ID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrNotParticipant
		}
		return fmt.Errorf("load participant: %w", err)
	}

	_, remaining := c.registry.Unsubscribe(conn, roomID)
	if remaining > 0 {
		return nil
	}
	return c.markOffline(ctx, identity, roomID)
}

// SendMessage throttles, authorizes, encrypts, persists and broadcasts one message
func (c *Coordinator) SendMessage(ctx context.Context, conn interfaces.Connection, roomID int64, content string) (*types.MessageEvent, error) {
	return c.send(ctx, conn.Identity(), roomID, content)
}

func (c *Coordinator) send(ctx context.Context, identity *types.Identity, roomID int64, content string) (*types.MessageEvent, error) {
	if identity == nil {
		return nil, types.ErrUnauthenticated
	}
	if err := types.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if err := types.ValidateContent(content); err != nil {
		return nil, err
	}

	decision := c.limiter.AllowPolicy(sendKey(identity.ID), c.cfg.SendPolicy)
	if !decision.Allowed {
		return nil, &types.RateLimitError{RetryAfter: decision.RetryAfter}
	}

	if _, err := c.store.GetParticipant(ctx, roomID, identity.ID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if _, err := c.activeRoom(ctx, roomID); err != nil {
		return nil, err
	}

	key, err := c.roomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := c.rooms.Encrypt(content, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	msg := &types.Message{
		RoomID:     roomID,
		AuthorID:   identity.ID,
		AuthorName: identity.DisplayName,
		Ciphertext: ciphertext,
		SentAt:     c.now(),
	}
	if err := c.store.StoreMessage(ctx, msg); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("store message: %w", err)
	}

	event := types.MessageEvent{
		ID:      msg.ID,
		RoomID:  roomID,
		Author:  identity.Ref(),
		Content: content,
		SentAt:  msg.SentAt,
	}
	c.publish(roomID, types.NewReceiveMessage(event))

	log.Debug().Str("module", "presence").Int64("room_id", roomID).
		Int64("message_id", msg.ID).Msg("Message delivered")
	return &event, nil
}

// Disconnect releases every subscription held by conn. Failures are logged, never returned.
func (c *Coordinator) Disconnect(ctx context.Context, conn interfaces.Connection, cause error) {
	identity := conn.Identity()
	if identity == nil {
		return
	}

	for _, roomID := range c.registry.ConnectionRooms(conn) {
		if err := c.detach(ctx, conn, identity, roomID); err != nil {
			log.Error().Str("module", "presence").Str("conn_id", conn.ID()).
				Int64("room_id", roomID).Err(err).Msg("Presence cleanup failed")
		}
	}

	event := log.Info().Str("module", "presence").Str("conn_id", conn.ID()).Int64("identity_id", identity.ID)
	if cause != nil {
		event = event.AnErr("cause", cause)
	}
	event.Msg("Connection disconnected")
}

// CreateRoom creates an active room owned by identity and subscribes its live connections
func (c *Coordinator) CreateRoom(ctx context.Context, identity *types.Identity, name, password string) (*types.RoomSummary, error) {
	if identity == nil {
		return nil, types.ErrUnauthenticated
	}
	if err := types.ValidateRoomName(name); err != nil {
		return nil, err
	}
	if err := types.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := c.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash room password: %w", err)
	}
	material, err := c.keyring.NewKeyMaterial()
	if err != nil {
		return nil, fmt.Errorf("room key material: %w", err)
	}

	room := &types.ChatRoom{
		Name:         name,
		PasswordHash: hash,
		CreatedBy:    identity.ID,
		CreatedAt:    c.now(),
	}
	if err := c.store.CreateRoom(ctx, room, material); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, types.ErrUnauthenticated
		}
		return nil, fmt.Errorf("create room: %w", err)
	}

	for _, conn := range c.registry.IdentityConnections(identity.ID) {
		if err := c.attach(ctx, conn, identity, room.ID); err != nil {
			log.Error().Str("module", "presence").Str("conn_id", conn.ID()).
				Int64("room_id", room.ID).Err(err).Msg("Failed to subscribe creator connection")
		}
	}

	log.Info().Str("module", "presence").Int64("room_id", room.ID).
		Int64("identity_id", identity.ID).Msg("Room created")

	return &types.RoomSummary{
		ID:               room.ID,
		Name:             room.Name,
		CreatedBy:        identity.ID,
		CreatedByName:    identity.DisplayName,
		CreatedAt:        room.CreatedAt,
		ParticipantCount: 1,
		IsJoined:         true,
	}, nil
}

// History returns up to limit decrypted messages of a room the identity participates in
func (c *Coordinator) History(ctx context.Context, identity *types.Identity, roomID int64, limit int) ([]types.HistoryEntry, error) {
	if identity == nil {
		return nil, types.ErrUnauthenticated
	}
	if err := types.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > c.cfg.HistoryLimit {
		limit = c.cfg.HistoryLimit
	}

	if _, err := c.loadRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if _, err := c.store.GetParticipant(ctx, roomID, identity.ID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("load participant: %w", err)
	}

	key, err := c.roomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	messages, err := c.store.GetRoomHistory(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	entries := make([]types.HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		entry := types.HistoryEntry{
			ID:     msg.ID,
			RoomID: msg.RoomID,
			Author: types.IdentityRef{ID: msg.AuthorID, DisplayName: msg.AuthorName},
			SentAt: msg.SentAt,
		}
		content, err := c.rooms.Decrypt(msg.Ciphertext, key)
		if err != nil {
			log.Warn().Str("module", "presence").Int64("room_id", roomID).
				Int64("message_id", msg.ID).Err(err).Msg("Undecryptable message in history")
			entry.Undecryptable = true
		} else {
			entry.Content = content
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListRooms returns the active rooms identity participates in
func (c *Coordinator) ListRooms(ctx context.Context, identity *types.Identity) ([]*types.RoomSummary, error) {
	if identity == nil {
		return nil, types.ErrUnauthenticated
	}
	return c.store.ListIdentityRooms(ctx, identity.ID)
}

// ListPublicRooms returns every active room annotated for identity
func (c *Coordinator) ListPublicRooms(ctx context.Context, identity *types.Identity) ([]*types.RoomSummary, error) {
	if identity == nil {
		return nil, types.ErrUnauthenticated
	}
	return c.store.ListActiveRooms(ctx, identity.ID)
}

// DeleteRoom removes a room and its history. Only the creator or an admin may delete.
func (c *Coordinator) DeleteRoom(ctx context.Context, identity *types.Identity, roomID int64) error {
	if identity == nil {
		return types.ErrUnauthenticated
	}
	if err := types.ValidateRoomID(roomID); err != nil {
		return err
	}

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatedBy != identity.ID && identity.Permission != types.PermissionAdmin {
		return ErrNotRoomCreator
	}

	if err := c.store.DeleteRoom(ctx, roomID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("delete room: %w", err)
	}

	event := types.NewRoomDeleted(roomID)
	for _, conn := range c.registry.DropRoom(roomID) {
		if err := conn.WriteJSON(event); err != nil {
			log.Debug().Str("module", "presence").Str("conn_id", conn.ID()).Err(err).
				Msg("Could not notify subscriber of room deletion")
		}
	}

	log.Info().Str("module", "presence").Int64("room_id", roomID).
		Int64("identity_id", identity.ID).Msg("Room deleted")
	return nil
}

// attach subscribes conn and marks the identity online on its first connection in the room
func (c *Coordinator) attach(ctx context.Context, conn interfaces.Connection, identity *types.Identity, roomID int64) error {
	unlock := c.locks.Lock(presenceKey{identityID: identity.ID, roomID: roomID})
	defer unlock()

	added, count, err := c.registry.Subscribe(conn, roomID)
	if err != nil {
		return err
	}
	if !added || count > 1 {
		return nil
	}

	if _, err := c.store.UpsertParticipant(ctx, roomID, identity.ID, true); err != nil {
		c.registry.Unsubscribe(conn, roomID)
		return err
	}
	c.publish(roomID, types.NewUserJoined(identity.Ref(), roomID))
	return nil
}

// detach unsubscribes conn and marks the identity offline when no connection remains
func (c *Coordinator) detach(ctx context.Context, conn interfaces.Connection, identity *types.Identity, roomID int64) error {
	unlock := c.locks.Lock(presenceKey{identityID: identity.ID, roomID: roomID})
	defer unlock()

	removed, remaining := c.registry.Unsubscribe(conn, roomID)
	if !removed || remaining > 0 {
		return nil
	}
	return c.markOffline(ctx, identity, roomID)
}

// markOffline must run under the presence lock of (identity, roomID)
func (c *Coordinator) markOffline(ctx context.Context, identity *types.Identity, roomID int64) error {
	err := c.store.SetParticipantOnline(ctx, roomID, identity.ID, false)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("mark participant offline: %w", err)
	}
	c.publish(roomID, types.NewUserLeft(identity.Ref(), roomID))
	return nil
}

// admit checks the room is active and password opens it; bcrypt runs outside any presence lock
func (c *Coordinator) admit(ctx context.Context, roomID int64, password string) error {
	if err := types.ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := types.ValidatePassword(password); err != nil {
		return err
	}

	room, err := c.activeRoom(ctx, roomID)
	if err != nil {
		return err
	}
	ok, err := c.passwords.Verify(room.PasswordHash, password)
	if err != nil {
		return fmt.Errorf("verify room password: %w", err)
	}
	if !ok {
		return ErrWrongPassword
	}
	return nil
}

func (c *Coordinator) loadRoom(ctx context.Context, roomID int64) (*types.ChatRoom, error) {
	room, err := c.store.GetRoom(ctx, roomID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return room, nil
}

func (c *Coordinator) activeRoom(ctx context.Context, roomID int64) (*types.ChatRoom, error) {
	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, ErrRoomInactive
	}
	return room, nil
}

func (c *Coordinator) roomKey(ctx context.Context, roomID int64) (crypto.RoomKey, error) {
	material, err := c.store.GetRoomKey(ctx, roomID)
	if err != nil {
		return crypto.RoomKey{}, fmt.Errorf("load room key: %w", err)
	}
	key, err := c.keyring.Derive(material)
	if err != nil {
		return crypto.RoomKey{}, fmt.Errorf("derive room key: %w", err)
	}
	return key, nil
}

// publish hands an event to the broadcaster; delivery failure never fails the operation
func (c *Coordinator) publish(roomID int64, event *types.Event) {
	if err := c.broadcaster.Publish(roomID, event); err != nil {
		log.Error().Str("module", "presence").Int64("room_id", roomID).
			Str("event", event.Type).Err(err).Msg("Failed to publish event")
	}
}

func sendKey(identityID int64) string {
	return "send:" + strconv.FormatInt(identityID, 10)
}
