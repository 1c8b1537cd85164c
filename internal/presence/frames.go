package presence

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

// HandleFrame runs one client operation and answers with an ack or error frame
func (c *Coordinator) HandleFrame(ctx context.Context, conn interfaces.Connection, frame *types.ClientFrame) {
	var err error
	switch frame.Type {
	case types.OpJoinRoom:
		err = c.JoinRoom(ctx, conn, frame.RoomID, frame.Password)
	case types.OpLeaveRoom:
		err = c.LeaveRoom(ctx, conn, frame.RoomID)
	case types.OpSendMessage:
		_, err = c.SendMessage(ctx, conn, frame.RoomID, frame.Content)
	default:
		err = ErrUnknownOperation
	}

	if err != nil {
		c.replyError(conn, frame, err)
		return
	}

	ack := &types.Event{
		Type: types.EventAck,
		Data: types.AckEvent{RequestID: frame.RequestID, Op: frame.Type, RoomID: frame.RoomID},
	}
	if err := conn.WriteJSON(ack); err != nil {
		log.Debug().Str("module", "presence").Str("conn_id", conn.ID()).Err(err).Msg("Failed to write ack")
	}
}

// ErrorEvent converts err into the client-facing error payload
func ErrorEvent(requestID, op string, err error) types.ErrorEvent {
	payload := types.ErrorEvent{
		RequestID: requestID,
		Op:        op,
		Code:      Code(err),
		Message:   PublicMessage(err),
	}
	var limited *types.RateLimitError
	if errors.As(err, &limited) {
		payload.RetryAfterSeconds = limited.RetryAfterSeconds()
	}
	return payload
}

func (c *Coordinator) replyError(conn interfaces.Connection, frame *types.ClientFrame, err error) {
	payload := ErrorEvent(frame.RequestID, frame.Type, err)

	if payload.Code == types.CodeInternal {
		log.Error().Str("module", "presence").Str("conn_id", conn.ID()).
			Str("op", frame.Type).Err(err).Msg("Operation failed")
	} else {
		log.Debug().Str("module", "presence").Str("conn_id", conn.ID()).
			Str("op", frame.Type).Str("code", string(payload.Code)).Msg("Operation rejected")
	}

	if werr := conn.WriteJSON(&types.Event{Type: types.EventError, Data: payload}); werr != nil {
		log.Debug().Str("module", "presence").Str("conn_id", conn.ID()).Err(werr).Msg("Failed to write error frame")
	}
}
