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
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 60*time.Second, cfg.Chat.HeartbeatTTL)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingTTL)
	assert.LessOrEqual(t, cfg.Chat.SweepInterval, 200*time.Millisecond, "stop_typing lands within 200ms of the TTL")
	assert.Equal(t, PolicyDropOldest, cfg.Chat.QueuePolicy)
	assert.Zero(t, cfg.Chat.EditWindow, "edit window is unlimited by default")
	assert.Equal(t, 256, cfg.WS.SendBufferSize)
	assert.Equal(t, 20, cfg.DBMaxConnections())
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	yml := []byte("server_addr: \":9000\"\nqueue_policy: disconnect\nsaturation_limit: 5\nedit_window_seconds: 900\ntyping_ttl_ms: 2500\n")
	require.NoError(t, os.WriteFile(path, yml, 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERVER_ADDR", ":9100")

	cfg := Load()
	assert.Equal(t, ":9100", cfg.ServerAddr, "env wins over yaml")
	assert.Equal(t, PolicyDisconnect, cfg.Chat.QueuePolicy)
	assert.Equal(t, 5, cfg.Chat.SaturationLimit)
	assert.Equal(t, 15*time.Minute, cfg.Chat.EditWindow)
	assert.Equal(t, 2500*time.Millisecond, cfg.Chat.TypingTTL)
}

func TestUnknownQueuePolicyFallsBack(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("QUEUE_POLICY", "block")

	cfg := Load()
	assert.Equal(t, PolicyDropOldest, cfg.Chat.QueuePolicy)
}

func TestLoadReadsDotEnvFromParentDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"),
		[]byte("# local overrides\nSERVER_ADDR=\":9200\"\nQUEUE_POLICY=disconnect\n"), 0o600))
	sub := filepath.Join(root, "services", "chat")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(sub))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("CONFIG_PATH", filepath.Join(root, "missing.yaml"))
	t.Setenv("QUEUE_POLICY", "drop_oldest")
	// registered so the value .env sets is restored afterwards
	t.Setenv("SERVER_ADDR", "")
	require.NoError(t, os.Unsetenv("SERVER_ADDR"))

	cfg := Load()
	assert.Equal(t, ":9200", cfg.ServerAddr)
	assert.Equal(t, PolicyDropOldest, cfg.Chat.QueuePolicy, "the environment wins over .env")
}
