package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"cipherchat/internal/ratelimit"
	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

// Chat is the room and identity surface exposed over REST
type Chat interface {
	ResolveIdentity(ctx context.Context, claims *types.TokenClaims) (*types.Identity, error)
	CreateRoom(ctx context.Context, identity *types.Identity, name, password string) (*types.RoomSummary, error)
	History(ctx context.Context, identity *types.Identity, roomID int64, limit int) ([]types.HistoryEntry, error)
	ListRooms(ctx context.Context, identity *types.Identity) ([]*types.RoomSummary, error)
	ListPublicRooms(ctx context.Context, identity *types.Identity) ([]*types.RoomSummary, error)
	DeleteRoom(ctx context.Context, identity *types.Identity, roomID int64) error
	JoinRoomAs(ctx context.Context, identity *types.Identity, roomID int64, password string) error
	LeaveRoomAs(ctx context.Context, identity *types.Identity, roomID int64) error
	SendMessageAs(ctx context.Context, identity *types.Identity, roomID int64, content string) (*types.MessageEvent, error)
	UpdateDisplayName(ctx context.Context, identity *types.Identity, displayName string) (*types.Identity, error)
}

// TokenIssuer signs and verifies bearer tokens
type TokenIssuer interface {
	Issue(identity *types.Identity) (string, time.Time, error)
	Verify(token string) (*types.TokenClaims, error)
}

// Limiter admits or throttles keyed requests
type Limiter interface {
	AllowPolicy(key string, p ratelimit.Policy) ratelimit.Decision
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// Dependencies wires the server; WebSocket may be nil to disable /ws
type Dependencies struct {
	Chat      Chat
	Store     interfaces.RoomStore
	Issuer    TokenIssuer
	Limiter   Limiter
	Registry  Registry
	WebSocket http.Handler
}

// Options tunes the HTTP surface
type Options struct {
	Mode          string
	RequestPolicy ratelimit.Policy
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	chat     Chat
	store    interfaces.RoomStore
	issuer   TokenIssuer
	limiter  Limiter
	registry Registry
	policy   ratelimit.Policy
	engine   *gin.Engine
	started  time.Time
}

// ErrMissingDependency is returned when a required collaborator is nil
var ErrMissingDependency = errors.New("api dependency is nil")

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
// Dependency injection pattern maintains architectural boundaries
func NewServer(deps Dependencies, opts Options) (*Server, error) {
	if deps.Chat == nil || deps.Store == nil || deps.Issuer == nil || deps.Limiter == nil || deps.Registry == nil {
		return nil, ErrMissingDependency
	}

	switch opts.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(opts.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		chat:     deps.Chat,
		store:    deps.Store,
		issuer:   deps.Issuer,
		limiter:  deps.Limiter,
		registry: deps.Registry,
		policy:   opts.RequestPolicy,
		engine:   gin.New(),
		started:  time.Now(),
	}

	s.setupRoutes(deps.WebSocket)
	return s, nil
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS applied to all routes for web client compatibility
func (s *Server) setupRoutes(ws http.Handler) {
	s.engine.Use(gin.Recovery(), requestLogger(), corsMiddleware())

	s.engine.GET("/health", s.healthCheck)
	if ws != nil {
		s.engine.GET("/ws", gin.WrapH(ws))
	}

	api := s.engine.Group("/api")

	public := api.Group("", s.rateLimit(clientIPKey))
	public.POST("/identities", s.createIdentity)
	public.POST("/auth/token", s.issueToken)

	authed := api.Group("", s.authenticate(), s.rateLimit(identityKey))
	authed.GET("/me", s.me)
	authed.PUT("/me", s.updateMe)
	authed.GET("/rooms", s.listRooms)
	authed.GET("/rooms/public", s.listPublicRooms)
	authed.POST("/rooms", s.createRoom)
	authed.GET("/rooms/:id/messages", s.roomHistory)
	authed.POST("/rooms/:id/messages", s.sendMessage)
	authed.POST("/rooms/:id/join", s.joinRoom)
	authed.POST("/rooms/:id/leave", s.leaveRoom)
	authed.DELETE("/rooms/:id", s.deleteRoom)

	s.engine.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, string(types.CodeNotFound), "route not found")
	})

	log.Info().Str("module", "api").Msg("router setup")
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}
