package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cipherchat/internal/api"
	"cipherchat/internal/auth"
	"cipherchat/internal/config"
	"cipherchat/internal/crypto"
	"cipherchat/internal/database"
	"cipherchat/internal/hub"
	"cipherchat/internal/presence"
	"cipherchat/internal/ratelimit"
	"cipherchat/internal/websocket"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	registry    *websocket.Registry
	limiter     *ratelimit.Limiter
	messageHub  *hub.Hub
	coordinator *presence.Coordinator
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Crypto → Registry → Hub → Limiter → Presence → Auth → WebSocket → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize database manager (foundation layer) and apply embedded migrations
	if dir := filepath.Dir(cfg.Database.DatabasePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbManager, err := database.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	// STEP 1.5: No connection survives a restart, so no participant is online yet
	if cleared, err := dbManager.MarkAllOffline(context.Background()); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to reset presence: %w", err)
	} else if cleared > 0 {
		log.Info().Str("module", "app").Int64("participants", cleared).Msg("Cleared stale presence")
	}

	// STEP 2: Derive crypto components from the server secret
	secret := []byte(cfg.Auth.Secret)
	claims, err := crypto.NewClaimCipher(secret)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize claim cipher: %w", err)
	}
	keyring, err := crypto.NewKeyring(secret)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize keyring: %w", err)
	}

	// STEP 3: Registry, hub and limiter
	registry := websocket.NewRegistry()
	messageHub := hub.NewHub(registry, cfg.WebSocket.HubBuffer)
	limiter := ratelimit.New(cfg.Throttle.Limiter())

	// STEP 4: Presence coordinator
	coordinator, err := presence.NewCoordinator(presence.Dependencies{
		Store:       dbManager,
		Registry:    registry,
		Broadcaster: messageHub,
		Claims:      claims,
		Keyring:     keyring,
		Passwords:   crypto.NewPasswordHasher(cfg.Auth.BcryptCost),
		Limiter:     limiter,
	}, presence.Config{
		SendPolicy:   cfg.Throttle.SendPolicy(),
		HistoryLimit: presence.DefaultHistoryLimit,
	})
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize presence coordinator: %w", err)
	}

	// STEP 5: Token issuer
	issuer, err := auth.NewIssuer(secret, claims, auth.Config{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TTL:      cfg.Auth.TokenTTL,
	})
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	// STEP 6: WebSocket handler and API server
	wsHandler := websocket.NewHandler(registry, issuer, coordinator, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
		ReadLimit:    cfg.WebSocket.ReadLimit,
	})

	apiServer, err := api.NewServer(api.Dependencies{
		Chat:      coordinator,
		Store:     dbManager,
		Issuer:    issuer,
		Limiter:   limiter,
		Registry:  registry,
		WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket),
	}, api.Options{
		Mode:          cfg.HTTP.Mode,
		RequestPolicy: cfg.Throttle.RequestPolicy(),
	})
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize API server: %w", err)
	}

	// STEP 7: Setup HTTP server
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		dbManager:   dbManager,
		registry:    registry,
		limiter:     limiter,
		messageHub:  messageHub,
		coordinator: coordinator,
		apiServer:   apiServer,
		httpServer:  httpServer,
		serveErr:    make(chan error, 1),
	}, nil
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hub and limiter start first, then the HTTP listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	log.Info().Str("module", "app").Str("addr", app.httpServer.Addr).Msg("Starting cipherchat")

	// STEP 1: Start message hub (background event fan-out)
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Start limiter sweeper
	if err := app.limiter.Start(ctx); err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to start rate limiter: %w", err)
	}

	// STEP 3: Bind before serving so address errors surface here
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.limiter.Stop()
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("module", "app").Err(err).Msg("HTTP server error")
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	log.Info().Str("module", "app").Str("addr", listener.Addr().String()).Msg("cipherchat started")
	return nil
}

// Errors reports a fatal serve error; it is closed when the server stops
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop gracefully shuts down the application
// Shutdown coordination ensures proper resource cleanup
// Reverse dependency order: HTTP → WebSocket connections → Hub → Limiter → Database
func (app *Application) Stop(ctx context.Context) error {
	log.Info().Str("module", "app").Msg("Shutting down cipherchat")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Error().Str("module", "app").Err(err).Msg("HTTP server shutdown error")
	}

	// STEP 2: Hijacked websocket connections are not tracked by Shutdown
	for _, conn := range app.registry.Connections() {
		_ = conn.Close()
	}
	app.waitForDrain(ctx)

	// STEP 3: Stop event processing and the sweeper
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Error().Str("module", "app").Err(err).Msg("Message hub shutdown error")
	}
	app.limiter.Stop()

	// STEP 4: Close database connections
	if err := app.dbManager.Close(); err != nil {
		log.Error().Str("module", "app").Err(err).Msg("Database shutdown error")
		return err
	}

	log.Info().Str("module", "app").Msg("cipherchat shutdown complete")
	return nil
}

// waitForDrain gives read loops time to run their disconnect cleanup
func (app *Application) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(app.registry.Connections()) > 0 {
		select {
		case <-ctx.Done():
			log.Warn().Str("module", "app").Int("connections", len(app.registry.Connections())).
				Msg("Shutdown deadline reached with connections still registered")
			return
		case <-ticker.C:
		}
	}
}

// GetAddr returns the bound address once started, else the configured one
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
