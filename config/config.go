package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

type LoggerConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type ServerConfig struct {
	Host                 string   `yaml:"host"`
	Port                 uint16   `yaml:"port"`
	Secret               string   `yaml:"secret"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	SubmitRatePerSec     float64  `yaml:"submit_rate_per_sec"`
	SubmitBurst          int      `yaml:"submit_burst"`
	MaxHandlersPerSocket int      `yaml:"max_handlers_per_socket"`
}

type Config struct {
	NodeID    int64           `yaml:"node_id"`
	Server    ServerConfig    `yaml:"server"`
	Execution ExecutionConfig `yaml:"execution"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// Default
//
//	Returns a configuration populated with the default for every field.
func Default() *Config {
	return &Config{
		NodeID: 1,
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			AllowedOrigins:       []string{"*"},
			SubmitRatePerSec:     1,
			SubmitBurst:          3,
			MaxHandlersPerSocket: 5,
		},
		Execution: ExecutionConfig{
			TimeoutMs:      10_000,
			BuildTimeoutMs: 15_000,
			MaxOutputBytes: 64 * 1024,
			MaxConcurrent:  4,
			RoomQueueDepth: 2,
			WorkspaceRoot:  filepath.Join(os.TempDir(), "codesync"),
			KillGraceMs:    500,
		},
		Sandbox: SandboxConfig{
			Backend:         SandboxBackendProcess,
			Isolation:       IsolationAuto,
			UIDBase:         60000,
			UIDCount:        64,
			IsolateNetwork:  false,
			MemoryLimitMB:   512,
			CPUTimeLimitSec: 10,
			MaxFileSizeMB:   16,
			MaxProcesses:    64,
		},
		Logger: LoggerConfig{
			Level:      "info",
			File:       filepath.Join(os.TempDir(), "codesync.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// LoadConfig
//
//	Loads the yaml configuration at the passed path on top of the defaults,
//	applies environment overrides and validates the result. An empty path
//	skips the file and only uses defaults and the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if len(path) > 0 {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config file: %w", err)
		}

		err = yaml.Unmarshal(b, cfg)
		if err != nil {
			return nil, xerrors.Errorf("failed to decode config file: %w", err)
		}
	}

	err := cfg.applyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides individual fields from CODESYNC_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"CODESYNC_TIMEOUT_MS", &c.Execution.TimeoutMs},
		{"CODESYNC_BUILD_TIMEOUT_MS", &c.Execution.BuildTimeoutMs},
		{"CODESYNC_MAX_OUTPUT_BYTES", &c.Execution.MaxOutputBytes},
		{"CODESYNC_MAX_CONCURRENT", &c.Execution.MaxConcurrent},
		{"CODESYNC_ROOM_QUEUE_DEPTH", &c.Execution.RoomQueueDepth},
	}
	for _, i := range ints {
		raw, ok := lookup(i.key)
		if !ok || len(strings.TrimSpace(raw)) == 0 {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return xerrors.Errorf("invalid %s %q: %w", i.key, raw, err)
		}
		*i.dst = v
	}

	if v, ok := lookup("CODESYNC_WORKSPACE_ROOT"); ok && len(v) > 0 {
		c.Execution.WorkspaceRoot = v
	}
	if v, ok := lookup("CODESYNC_SECRET"); ok {
		c.Server.Secret = v
	}
	if v, ok := lookup("CODESYNC_SANDBOX_BACKEND"); ok && len(v) > 0 {
		c.Sandbox.Backend = SandboxBackend(strings.ToLower(v))
	}
	if v, ok := lookup("CODESYNC_SANDBOX_ISOLATION"); ok && len(v) > 0 {
		c.Sandbox.Isolation = SandboxIsolation(strings.ToLower(v))
	}
	if v, ok := lookup("CODESYNC_SERVER_PORT"); ok && len(v) > 0 {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return xerrors.Errorf("invalid CODESYNC_SERVER_PORT %q: %w", v, err)
		}
		c.Server.Port = uint16(port)
	}

	return nil
}

// Validate
//
//	Ensures the configuration can be used to start the service.
func (c *Config) Validate() error {
	err := c.Execution.Validate()
	if err != nil {
		return xerrors.Errorf("execution: %w", err)
	}

	err = c.Sandbox.Validate()
	if err != nil {
		return xerrors.Errorf("sandbox: %w", err)
	}

	if c.NodeID < 0 || c.NodeID > 1023 {
		return xerrors.Errorf("node_id must be within [0, 1023], got %d", c.NodeID)
	}

	if c.Server.SubmitRatePerSec < 0 || c.Server.SubmitBurst < 0 {
		return xerrors.New("server: submit rate limits must not be negative")
	}

	return nil
}
