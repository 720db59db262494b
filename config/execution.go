package config

import (
	"time"

	"golang.org/x/xerrors"
)

type ExecutionConfig struct {
	// TimeoutMs bounds the wall clock time of the run phase
	TimeoutMs int `yaml:"timeout_ms"`
	// BuildTimeoutMs bounds the wall clock time of the build phase
	BuildTimeoutMs int `yaml:"build_timeout_ms"`
	// MaxOutputBytes is the capture ceiling applied to each output stream
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// MaxConcurrent is the process wide ceiling of simultaneous executions
	MaxConcurrent int `yaml:"max_concurrent"`
	// RoomQueueDepth is the number of pending submissions a room may hold
	// behind its in-flight execution
	RoomQueueDepth int `yaml:"room_queue_depth"`
	// WorkspaceRoot is the directory under which per-request workspaces live
	WorkspaceRoot string `yaml:"workspace_root"`
	// KillGraceMs bounds how long output pipes are drained after a kill
	KillGraceMs int `yaml:"kill_grace_ms"`
}

func (c ExecutionConfig) RunTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ExecutionConfig) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutMs) * time.Millisecond
}

func (c ExecutionConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceMs) * time.Millisecond
}

func (c ExecutionConfig) Validate() error {
	if c.TimeoutMs <= 0 {
		return xerrors.Errorf("timeout_ms must be positive, got %d", c.TimeoutMs)
	}
	if c.BuildTimeoutMs <= 0 {
		return xerrors.Errorf("build_timeout_ms must be positive, got %d", c.BuildTimeoutMs)
	}
	if c.MaxOutputBytes < 1024 {
		return xerrors.Errorf("max_output_bytes must be at least 1024, got %d", c.MaxOutputBytes)
	}
	if c.MaxConcurrent <= 0 {
		return xerrors.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.RoomQueueDepth < 0 {
		return xerrors.Errorf("room_queue_depth must not be negative, got %d", c.RoomQueueDepth)
	}
	if len(c.WorkspaceRoot) == 0 {
		return xerrors.New("workspace_root must be set")
	}
	if c.KillGraceMs < 0 {
		return xerrors.Errorf("kill_grace_ms must not be negative, got %d", c.KillGraceMs)
	}
	return nil
}
