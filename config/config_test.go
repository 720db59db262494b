package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 10_000, cfg.Execution.TimeoutMs)
	assert.Equal(t, 64*1024, cfg.Execution.MaxOutputBytes)
	assert.Equal(t, 2, cfg.Execution.RoomQueueDepth)
	assert.Equal(t, SandboxBackendProcess, cfg.Sandbox.Backend)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	err := os.WriteFile(path, []byte(`
server:
  port: 9001
  secret: hunter2
execution:
  timeout_ms: 2500
  max_concurrent: 8
  room_queue_depth: 0
  workspace_root: /var/lib/codesync
sandbox:
  backend: docker
`), 0o600)
	require.NoError(t, err)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(9001), cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Server.Secret)
	assert.Equal(t, 2500, cfg.Execution.TimeoutMs)
	assert.Equal(t, 8, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 0, cfg.Execution.RoomQueueDepth)
	assert.Equal(t, "/var/lib/codesync", cfg.Execution.WorkspaceRoot)
	assert.Equal(t, SandboxBackendDocker, cfg.Sandbox.Backend)
	// untouched fields keep their defaults
	assert.Equal(t, 15_000, cfg.Execution.BuildTimeoutMs)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CODESYNC_TIMEOUT_MS":        "1500",
		"CODESYNC_MAX_CONCURRENT":    "2",
		"CODESYNC_WORKSPACE_ROOT":    "/scratch",
		"CODESYNC_SERVER_PORT":       "7000",
		"CODESYNC_SANDBOX_BACKEND":   "DOCKER",
		"CODESYNC_SANDBOX_ISOLATION": "User",
		"CODESYNC_ROOM_QUEUE_DEPTH":  " ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, 1500, cfg.Execution.TimeoutMs)
	assert.Equal(t, 2, cfg.Execution.MaxConcurrent)
	assert.Equal(t, "/scratch", cfg.Execution.WorkspaceRoot)
	assert.Equal(t, uint16(7000), cfg.Server.Port)
	assert.Equal(t, SandboxBackendDocker, cfg.Sandbox.Backend)
	assert.Equal(t, 2, cfg.Execution.RoomQueueDepth)
	assert.Equal(t, IsolationUser, cfg.Sandbox.Isolation)

	env["CODESYNC_TIMEOUT_MS"] = "soon"
	assert.Error(t, Default().applyEnv(lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero timeout", func(c *Config) { c.Execution.TimeoutMs = 0 }},
		{"tiny output", func(c *Config) { c.Execution.MaxOutputBytes = 10 }},
		{"no concurrency", func(c *Config) { c.Execution.MaxConcurrent = 0 }},
		{"negative queue", func(c *Config) { c.Execution.RoomQueueDepth = -1 }},
		{"no root", func(c *Config) { c.Execution.WorkspaceRoot = "" }},
		{"bad backend", func(c *Config) { c.Sandbox.Backend = "vm" }},
		{"bad isolation", func(c *Config) { c.Sandbox.Isolation = "jail" }},
		{"empty uid pool", func(c *Config) { c.Sandbox.UIDCount = 0 }},
		{"bad node", func(c *Config) { c.NodeID = 4096 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
