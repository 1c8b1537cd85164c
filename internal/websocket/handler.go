package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

// Coordinator drives presence for live connections
type Coordinator interface {
	// Connect resolves the identity from claims (nil claims means anonymous)
	// and auto-subscribes persisted rooms. An error aborts the connection.
	Connect(ctx context.Context, conn interfaces.Connection, claims *types.TokenClaims) error
	// HandleFrame executes one client operation and writes its ack or error frame
	HandleFrame(ctx context.Context, conn interfaces.Connection, frame *types.ClientFrame)
	// Disconnect is best-effort cleanup; it never fails
	Disconnect(ctx context.Context, conn interfaces.Connection, cause error)
}

// TokenVerifier checks a bearer token's signature and returns its still-encrypted claims
type TokenVerifier interface {
	Verify(token string) (*types.TokenClaims, error)
}

// HandlerConfig holds transport tuning
type HandlerConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

// DefaultHandlerConfig returns the production transport settings
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// provides reliable connection health monitoring
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
		ReadLimit:    8192,
	}
}

// Handler upgrades authenticated requests and pumps client frames to the coordinator
type Handler struct {
	registry    *Registry
	verifier    TokenVerifier
	coordinator Coordinator
	cfg         HandlerConfig
	upgrader    websocket.Upgrader
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, verifier TokenVerifier, coordinator Coordinator, cfg HandlerConfig) *Handler {
	return &Handler{
		registry:    registry,
		verifier:    verifier,
		coordinator: coordinator,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Bearer tokens, not cookies, authenticate the upgrade
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// TokenFromRequest returns the access_token query parameter or the Authorization bearer token
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// HandleWebSocket upgrades the request and runs the connection until it closes.
// A missing token yields an anonymous connection; a token failing signature
// checks is refused before upgrade.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *types.TokenClaims
	if token := TokenFromRequest(r); token != "" {
		verified, err := h.verifier.Verify(token)
		if err != nil {
			log.Warn().Str("module", "websocket").Err(err).Msg("rejected upgrade with invalid token")
			http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}
		claims = verified
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Str("module", "websocket").Err(err).Msg("upgrade failed")
		return
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	wsConn := NewConnection(conn, h.cfg.BufferSize, h.cfg.WriteTimeout)
	if err := h.registry.Register(wsConn); err != nil {
		log.Error().Str("module", "websocket").Err(err).Msg("register connection")
		_ = wsConn.Close()
		return
	}

	ctx := context.Background()
	if err := h.coordinator.Connect(ctx, wsConn, claims); err != nil {
		log.Error().Str("module", "websocket").Str("conn", wsConn.ID()).Err(err).Msg("connect aborted")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"),
			time.Now().Add(time.Second))
		h.registry.Unregister(wsConn)
		_ = wsConn.Close()
		return
	}

	h.handleConnection(ctx, wsConn)
}

// handleConnection runs the read pump; frames of one connection are handled in order
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles both heartbeat
// and message reading to prevent goroutine proliferation and resource leaks
func (h *Handler) handleConnection(ctx context.Context, conn *Connection) {
	var cause error
	defer func() {
		h.coordinator.Disconnect(ctx, conn, cause)
		h.registry.Unregister(conn)
		_ = conn.Close()
	}()

	readTimeout := h.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultHandlerConfig().ReadTimeout
	}
	pingInterval := h.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultHandlerConfig().PingInterval
	}

	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		cause = err
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cause = err
				log.Warn().Str("module", "websocket").Str("conn", conn.ID()).Err(err).Msg("connection error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			writeErr := conn.WriteJSON(&types.Event{Type: types.EventError, Data: types.ErrorEvent{
				Code:    types.CodeInvalidArgument,
				Message: "malformed frame",
			}})
			if errors.Is(writeErr, ErrSlowConsumer) {
				cause = writeErr
				return
			}
			continue
		}

		h.coordinator.HandleFrame(ctx, conn, &frame)
	}
}
