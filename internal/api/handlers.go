package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

// Request/Response types for JSON serialization
type CreateIdentityRequest struct {
	DisplayName string `json:"displayName"`
}

type TokenRequest struct {
	Handle string `json:"handle"`
}

type UpdateMeRequest struct {
	DisplayName string `json:"displayName"`
}

type CreateRoomRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type JoinRoomRequest struct {
	Password string `json:"password"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// TokenResponse carries a freshly issued token. Handle is only returned on identity creation.
type TokenResponse struct {
	Identity  *types.Identity `json:"identity"`
	Handle    string          `json:"handle,omitempty"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Database:    "healthy",
		Connections: s.registry.GetStats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	status := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		log.Error().Str("module", "api").Err(err).Msg("database health check failed")
		response.Status = "unhealthy"
		response.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, Response{Success: status == http.StatusOK, Data: response})
}

// POST /api/identities - create an identity and return its first token
func (s *Server) createIdentity(c *gin.Context) {
	var req CreateIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "invalid JSON body")
		return
	}
	if err := types.ValidateDisplayName(req.DisplayName); err != nil {
		failErr(c, err)
		return
	}

	identity := &types.Identity{
		Handle:      uuid.NewString(),
		DisplayName: req.DisplayName,
		Permission:  types.PermissionUser,
	}
	if err := s.store.CreateIdentity(c.Request.Context(), identity); err != nil {
		failErr(c, err)
		return
	}

	token, expires, err := s.issuer.Issue(identity)
	if err != nil {
		failErr(c, err)
		return
	}

	log.Info().Str("module", "api").Int64("identity_id", identity.ID).Msg("identity created")
	ok(c, http.StatusCreated, TokenResponse{
		Identity:  identity,
		Handle:    identity.Handle,
		Token:     token,
		ExpiresAt: expires,
	})
}

// POST /api/auth/token - exchange a handle for a token
func (s *Server) issueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "invalid JSON body")
		return
	}
	if err := types.ValidateHandle(req.Handle); err != nil {
		failErr(c, err)
		return
	}

	identity, err := s.store.GetIdentityByHandle(c.Request.Context(), req.Handle)
	if errors.Is(err, interfaces.ErrNotFound) {
		failErr(c, types.ErrUnauthenticated)
		return
	}
	if err != nil {
		failErr(c, err)
		return
	}

	token, expires, err := s.issuer.Issue(identity)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, TokenResponse{Identity: identity, Token: token, ExpiresAt: expires})
}

// GET /api/me
func (s *Server) me(c *gin.Context) {
	ok(c, http.StatusOK, currentIdentity(c))
}

// PUT /api/me - change the display name
func (s *Server) updateMe(c *gin.Context) {
	identity := currentIdentity(c)

	var req UpdateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "invalid JSON body")
		return
	}

	updated, err := s.chat.UpdateDisplayName(c.Request.Context(), identity, req.DisplayName)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, updated)
}

// GET /api/rooms - rooms the caller participates in
func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.chat.ListRooms(c.Request.Context(), currentIdentity(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, nonNil(rooms))
}

// GET /api/rooms/public - every active room
func (s *Server) listPublicRooms(c *gin.Context) {
	rooms, err := s.chat.ListPublicRooms(c.Request.Context(), currentIdentity(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, nonNil(rooms))
}

// POST /api/rooms
func (s *Server) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "invalid JSON body")
		return
	}

	room, err := s.chat.CreateRoom(c.Request.Context(), currentIdentity(c), req.Name, req.Password)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, room)
}

// GET /api/rooms/:id/messages?limit=n
func (s *Server) roomHistory(c *gin.Context) {
	roomID, valid := roomIDParam(c)
	if !valid {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.chat.History(c.Request.Context(), currentIdentity(c), roomID, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, entries)
}

// POST /api/rooms/:id/messages - send under the same per-identity throttle as the websocket
func (s *Server) sendMessage(c *gin.Context) {
	roomID, valid := roomIDParam(c)
	if !valid {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "invalid JSON body")
		return
	}

	msg, err := s.chat.SendMessageAs(c.Request.Context(), currentIdentity(c), roomID, req.Content)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, msg)
}

// POST /api/rooms/:id/join
func (s *Server) joinRoom(c *gin.Context) {
	roomID, valid := roomIDParam(c)
	if !valid {
		return
	}

	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(types.CodeInvalidArgument), "invalid JSON body")
		return
	}

	if err := s.chat.JoinRoomAs(c.Request.Context(), currentIdentity(c), roomID, req.Password); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "joined room"})
}

// POST /api/rooms/:id/leave
func (s *Server) leaveRoom(c *gin.Context) {
	roomID, valid := roomIDParam(c)
	if !valid {
		return
	}

	if err := s.chat.LeaveRoomAs(c.Request.Context(), currentIdentity(c), roomID); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "left room"})
}

// DELETE /api/rooms/:id
func (s *Server) deleteRoom(c *gin.Context) {
	roomID, valid := roomIDParam(c)
	if !valid {
		return
	}

	if err := s.chat.DeleteRoom(c.Request.Context(), currentIdentity(c), roomID); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "room deleted"})
}

func roomIDParam(c *gin.Context) (int64, bool) {
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		failErr(c, types.ErrInvalidRoomID)
		return 0, false
	}
	if err := types.ValidateRoomID(roomID); err != nil {
		failErr(c, err)
		return 0, false
	}
	return roomID, true
}

func nonNil(rooms []*types.RoomSummary) []*types.RoomSummary {
	if rooms == nil {
		return []*types.RoomSummary{}
	}
	return rooms
}
