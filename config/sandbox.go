package config

import "golang.org/x/xerrors"

type SandboxBackend string

const (
	SandboxBackendProcess SandboxBackend = "process"
	SandboxBackendDocker  SandboxBackend = "docker"
)

// SandboxIsolation selects how the process backend keeps programs apart
type SandboxIsolation string

const (
	// IsolationAuto prefers namespaces and falls back to dedicated uids when root
	IsolationAuto SandboxIsolation = "auto"
	// IsolationNamespace runs every program as pid 1's child in fresh pid and
	// mount namespaces that only expose its own workspace
	IsolationNamespace SandboxIsolation = "namespace"
	// IsolationUser runs every program under a dedicated uid that owns its
	// workspace, requires root
	IsolationUser SandboxIsolation = "user"
	// IsolationNone only separates programs by process group
	IsolationNone SandboxIsolation = "none"
)

type SandboxConfig struct {
	Backend SandboxBackend `yaml:"backend"`

	// process backend

	Isolation SandboxIsolation `yaml:"isolation"`
	// UIDBase and UIDCount form the pool of dedicated uids programs run as
	// when the service runs as root. Each concurrent program holds one.
	UIDBase  uint32 `yaml:"uid_base"`
	UIDCount int    `yaml:"uid_count"`
	// IsolateNetwork runs each program in fresh user and network namespaces
	IsolateNetwork  bool `yaml:"isolate_network"`
	MemoryLimitMB   int  `yaml:"memory_limit_mb"`
	CPUTimeLimitSec int  `yaml:"cpu_time_limit_sec"`
	MaxFileSizeMB   int  `yaml:"max_file_size_mb"`
	MaxProcesses    int  `yaml:"max_processes"`

	// docker backend

	DockerHost string `yaml:"docker_host"`
	// DockerUser is the uid:gid programs run as in a container, it defaults
	// to 65534:65534 as root and to the service's own ids otherwise
	DockerUser      string           `yaml:"docker_user"`
	PullImages      bool             `yaml:"pull_images"`
	RegistryMirrors []RegistryMirror `yaml:"registry_mirrors"`
}

type RegistryMirror struct {
	Source string `yaml:"source"`
	Mirror string `yaml:"mirror"`
}

func (c SandboxConfig) Validate() error {
	switch c.Backend {
	case SandboxBackendProcess, SandboxBackendDocker:
	default:
		return xerrors.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Isolation {
	case "", IsolationAuto, IsolationNamespace, IsolationUser, IsolationNone:
	default:
		return xerrors.Errorf("unknown isolation %q", c.Isolation)
	}
	if c.UIDBase == 0 || c.UIDCount <= 0 {
		return xerrors.New("uid_base and uid_count must be positive")
	}
	if c.MemoryLimitMB < 0 || c.CPUTimeLimitSec < 0 || c.MaxFileSizeMB < 0 || c.MaxProcesses < 0 {
		return xerrors.New("resource limits must not be negative")
	}
	return nil
}
