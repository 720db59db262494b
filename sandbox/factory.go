package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"

	"codesync/config"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

const mib = 1024 * 1024

// LimitsFromConfig converts the configured ceilings into launcher limits
func LimitsFromConfig(c config.SandboxConfig) Limits {
	return Limits{
		MemoryBytes:   uint64(c.MemoryLimitMB) * mib,
		CPUSeconds:    uint64(c.CPUTimeLimitSec),
		FileSizeBytes: uint64(c.MaxFileSizeMB) * mib,
		Processes:     uint64(c.MaxProcesses),
	}
}

type FactoryParams struct {
	Sandbox   config.SandboxConfig
	Execution config.ExecutionConfig
	// ReapLock is shared with the zombie reaper when one runs
	ReapLock *sync.RWMutex
	// Images are pulled up front when the docker backend is configured to
	Images []string
	Logger slog.Logger
}

// FromConfig
//
//	Builds the configured sandbox backend. The docker backend verifies the
//	daemon is reachable and optionally pulls the toolchain images.
func FromConfig(ctx context.Context, params FactoryParams) (Sandbox, error) {
	limits := LimitsFromConfig(params.Sandbox)

	switch params.Sandbox.Backend {
	case config.SandboxBackendProcess, "":
		p, err := NewProcessSandbox(ProcessOptions{
			Isolation:      params.Sandbox.Isolation,
			UIDBase:        params.Sandbox.UIDBase,
			UIDCount:       params.Sandbox.UIDCount,
			IsolateNetwork: params.Sandbox.IsolateNetwork,
			Limits:         limits,
			KillGrace:      params.Execution.KillGrace(),
			ReapLock:       params.ReapLock,
			Logger:         params.Logger,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.SandboxBackendDocker:
		user, err := dockerUser(params.Sandbox.DockerUser)
		if err != nil {
			return nil, err
		}

		cli, err := NewDockerClient(params.Sandbox.DockerHost)
		if err != nil {
			return nil, err
		}

		_, err = cli.Ping(ctx)
		if err != nil {
			return nil, xerrors.Errorf("failed to reach docker daemon: %w", err)
		}

		d := NewDockerSandbox(DockerOptions{
			Client:    cli,
			User:      user,
			Limits:    limits,
			NanoCPUs:  1e9,
			Mirrors:   params.Sandbox.RegistryMirrors,
			KillGrace: params.Execution.KillGrace(),
			Logger:    params.Logger,
		})

		if params.Sandbox.PullImages {
			err = d.EnsureImages(ctx, params.Images)
			if err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, xerrors.Errorf("unknown sandbox backend %q", params.Sandbox.Backend)
	}
}

// dockerUser
//
//	Picks the container user. Without root the service cannot re-own a
//	workspace, so containers must run as the service's own ids or the
//	service could not clean up what they write.
func dockerUser(configured string) (string, error) {
	euid, egid := os.Geteuid(), os.Getegid()
	if len(configured) == 0 {
		if euid == 0 {
			return "65534:65534", nil
		}
		return fmt.Sprintf("%d:%d", euid, egid), nil
	}

	uid, _, ok := parseUser(configured)
	if !ok {
		return "", xerrors.Errorf("docker_user must be a numeric uid:gid, got %q", configured)
	}
	if euid != 0 && uid != euid {
		return "", xerrors.Errorf("docker_user %q must match the service uid %d when not running as root", configured, euid)
	}
	return configured, nil
}
