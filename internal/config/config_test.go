package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "asynq", cfg.Queue.Driver)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Worker.CallTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Worker.JobTimeout)
	assert.False(t, cfg.Worker.PartialAssembly)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_CALL_TIMEOUT", "15s")
	t.Setenv("WORKER_PARTIAL_ASSEMBLY", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 15*time.Second, cfg.Worker.CallTimeout)
	assert.True(t, cfg.Worker.PartialAssembly)
}

func TestLoad_SecretFromFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	secretPath := filepath.Join(dir, "webhook_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret\n"), 0o600))
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("WEBHOOK_SECRET_FILE", secretPath)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("QUEUE_DRIVER", "")
	os.Unsetenv("QUEUE_DRIVER")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("QUEUE_DRIVER=local\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("QUEUE_DRIVER") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Queue.Driver)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
