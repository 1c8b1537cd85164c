package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/config"
)

func TestRun_RequiresSecret(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("CIPHERCHAT_AUTH_SECRET", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth secret")
}

func TestRun_MissingConfigFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Secret = "main-test-secret-0123456789abcdefghijkl"
	cfg.Auth.BcryptCost = 4
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "cipherchat.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.Mode = "test"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	err := serve(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create application")
}
