package sandbox

import (
	"context"
	"os"
	"sync"
	"time"

	"codesync/config"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

const defaultUIDBase = 60000

type ProcessOptions struct {
	// Isolation is resolved once at construction, auto picks the strongest
	// mode the host supports
	Isolation config.SandboxIsolation

	// UIDBase and UIDCount form the pool of dedicated uids programs run as
	// when the service runs as root
	UIDBase  uint32
	UIDCount int

	// IsolateNetwork runs programs in a new network namespace so they only
	// see a loopback interface
	IsolateNetwork bool

	Limits Limits

	// KillGrace bounds how long output is drained after the program exits
	KillGrace time.Duration

	// ReapLock is held for reading while a program runs so that a PID 1
	// zombie reaper cannot collect its exit status
	ReapLock *sync.RWMutex

	Logger slog.Logger
}

// ProcessSandbox
//
//	Runs programs as host subprocesses with resource limits, a minimal
//	environment and no capabilities. In namespace isolation every program
//	gets its own pid and mount namespaces: killing the namespace init takes
//	down every descendant, and the workspace root is replaced by a tmpfs
//	holding only the program's own workspace. In user isolation every
//	program runs under a dedicated uid that exclusively owns its workspace
//	and all processes of that uid are killed when the run ends.
type ProcessSandbox struct {
	opts ProcessOptions
	mode config.SandboxIsolation
	// pool hands out dedicated uids, nil unless the service runs as root
	pool *uidPool
}

// NewProcessSandbox
//
//	Resolves the isolation mode against what the host supports and fails
//	when the requested mode is unavailable.
func NewProcessSandbox(opts ProcessOptions) (*ProcessSandbox, error) {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 500 * time.Millisecond
	}
	if opts.UIDBase == 0 {
		opts.UIDBase = defaultUIDBase
	}
	if opts.UIDCount <= 0 {
		opts.UIDCount = 64
	}
	opts.Logger = opts.Logger.Named("sandbox.process")

	mode, err := resolveIsolation(opts)
	if err != nil {
		return nil, err
	}

	p := &ProcessSandbox{opts: opts, mode: mode}
	if mode != config.IsolationNone && os.Geteuid() == 0 {
		p.pool = newUIDPool(opts.UIDBase, opts.UIDCount)
	}

	if mode == config.IsolationNone {
		p.opts.Logger.Warn(context.Background(), "process isolation disabled, programs can reach each other and outlive their run")
	}
	p.opts.Logger.Info(context.Background(), "process sandbox ready",
		slog.F("isolation", mode),
		slog.F("dedicated_uids", p.pool != nil),
	)

	return p, nil
}

func (p *ProcessSandbox) Name() string {
	return "process"
}

// Isolation returns the mode the sandbox resolved to
func (p *ProcessSandbox) Isolation() config.SandboxIsolation {
	return p.mode
}

func (p *ProcessSandbox) Workdir(hostDir string) string {
	return hostDir
}

// uidPool
//
//	Hands out each uid to at most one running program at a time.
type uidPool struct {
	free chan uint32
}

func newUIDPool(base uint32, n int) *uidPool {
	pool := &uidPool{free: make(chan uint32, n)}
	for i := 0; i < n; i++ {
		pool.free <- base + uint32(i)
	}
	return pool
}

func (u *uidPool) acquire(ctx context.Context) (uint32, error) {
	select {
	case uid := <-u.free:
		return uid, nil
	case <-ctx.Done():
		return 0, xerrors.Errorf("waiting for a sandbox uid: %w", ctx.Err())
	}
}

func (u *uidPool) release(uid uint32) {
	u.free <- uid
}
