package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 25*time.Second, c.Heartbeat)
	assert.Equal(t, 30*time.Second, c.MaxDelay)
	assert.Equal(t, time.Second, c.BaseDelay)
	assert.Equal(t, 5*time.Second, c.TypingExpiry)
	assert.Equal(t, "rest", c.History.Backend)
	assert.Equal(t, []string{"localhost:9092"}, c.Kafka.Brokers)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte(`
ws:
  url: ws://chat.example.com/ws
  heartbeat_seconds: 10
engine:
  typing_expiry_seconds: 2
history:
  backend: mongo
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("CHATSYNC_WS_MAX_RECONNECT_ATTEMPTS", "4")
	t.Setenv("CHATSYNC_AUTH_TOKEN", "tok")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example.com/ws", c.WS.URL)
	assert.Equal(t, 10*time.Second, c.Heartbeat)
	assert.Equal(t, 2*time.Second, c.TypingExpiry)
	assert.Equal(t, 4, c.WS.MaxReconnectAttempts)
	assert.Equal(t, "tok", c.Auth.Token)
	assert.Equal(t, "mongo", c.History.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CHATSYNC_HISTORY_BACKEND", "sqlite")
	_, err := Load("")
	assert.ErrorContains(t, err, "history.backend")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
