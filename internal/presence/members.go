package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

// JoinRoomAs joins roomID on behalf of identity outside any connection.
// Live connections of identity are subscribed; with none the participant is recorded offline.
func (c *Coordinator) JoinRoomAs(ctx context.Context, identity *types.Identity, roomID int64, password string) error {
	if identity == nil {
		return types.ErrUnauthenticated
	}
	if err := c.admit(ctx, roomID, password); err != nil {
		return err
	}

	conns := c.registry.IdentityConnections(identity.ID)
	if len(conns) == 0 {
		unlock := c.locks.Lock(presenceKey{identityID: identity.ID, roomID: roomID})
		online := c.registry.PresenceCount(identity.ID, roomID) > 0
		_, err := c.store.UpsertParticipant(ctx, roomID, identity.ID, online)
		unlock()
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
	}

	for _, conn := range conns {
		if err := c.attach(ctx, conn, identity, roomID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return ErrRoomNotFound
			}
			return fmt.Errorf("subscribe connection %s: %w", conn.ID(), err)
		}
	}

	log.Info().Str("module", "presence").Int64("identity_id", identity.ID).
		Int64("room_id", roomID).Int("connections", len(conns)).Msg("Joined room")
	return nil
}

// LeaveRoomAs takes every live connection of identity out of roomID and marks it offline
func (c *Coordinator) LeaveRoomAs(ctx context.Context, identity *types.Identity, roomID int64) error {
	if identity == nil {
		return types.ErrUnauthenticated
	}
	if err := types.ValidateRoomID(roomID); err != nil {
		return err
	}
	if _, err := c.store.GetParticipant(ctx, roomID, identity.ID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrNotParticipant
		}
		return fmt.Errorf("load participant: %w", err)
	}

	left := 0
	for _, conn := range c.registry.IdentityConnections(identity.ID) {
		if !c.registry.IsSubscribed(conn, roomID) {
			continue
		}
		if err := c.detach(ctx, conn, identity, roomID); err != nil {
			return err
		}
		left++
	}
	if left > 0 {
		return nil
	}

	// no live presence to release; only the participant row changes
	unlock := c.locks.Lock(presenceKey{identityID: identity.ID, roomID: roomID})
	defer unlock()
	if c.registry.PresenceCount(identity.ID, roomID) > 0 {
		return nil
	}
	err := c.store.SetParticipantOnline(ctx, roomID, identity.ID, false)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("mark participant offline: %w", err)
	}
	return nil
}

// SendMessageAs is SendMessage for a caller without a connection. The send throttle is shared.
func (c *Coordinator) SendMessageAs(ctx context.Context, identity *types.Identity, roomID int64, content string) (*types.MessageEvent, error) {
	return c.send(ctx, identity, roomID, content)
}

// UpdateDisplayName renames identity and refreshes its live connections
// so later presence and message events carry the new name
func (c *Coordinator) UpdateDisplayName(ctx context.Context, identity *types.Identity, displayName string) (*types.Identity, error) {
	if identity == nil {
		return nil, types.ErrUnauthenticated
	}
	if err := types.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}

	if err := c.store.UpdateDisplayName(ctx, identity.ID, displayName); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, types.ErrUnauthenticated
		}
		return nil, fmt.Errorf("update display name: %w", err)
	}

	updated := *identity
	updated.DisplayName = displayName
	conns := c.registry.IdentityConnections(identity.ID)
	for _, conn := range conns {
		conn.SetIdentity(&updated)
	}

	log.Info().Str("module", "presence").Int64("identity_id", identity.ID).
		Int("connections", len(conns)).Msg("Display name updated")
	return &updated, nil
}
