package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"cipherchat/internal/app"
	"cipherchat/internal/config"
	"cipherchat/internal/logging"
)

// ConfigFileEnv names an optional YAML file layered under CIPHERCHAT_* variables
const ConfigFileEnv = "CIPHERCHAT_CONFIG_FILE"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("cipherchat exited")
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run() error {
	// STEP 1: Load configuration with precedence (env > file > defaults)
	cfg, err := config.Load(os.Getenv(ConfigFileEnv))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// STEP 2: Logging follows configuration so level and format apply from the start
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// serve runs the application until ctx is cancelled or the server fails
func serve(ctx context.Context, cfg *config.Config) error {
	// STEP 3: Create and start application
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 4: Wait for shutdown signal or server error
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Str("module", "main").Msg("Shutdown requested")
	case err, ok := <-application.Errors():
		if ok {
			serveErr = fmt.Errorf("application error: %w", err)
		}
	}

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil && serveErr == nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return serveErr
}
