//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codesync/config"

	"cdr.dev/slog"
	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Run
//
//	Launches the program through the sandbox stages and waits for it under
//	the spec's deadline. When the deadline passes or the context ends the
//	program is killed along with everything it started, whether or not it
//	left its process group.
func (p *ProcessSandbox) Run(ctx context.Context, spec Spec) (*Outcome, error) {
	if err := validate(spec); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrSpawn, err)
	}
	path, err := lookProgram(spec)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrSpawn, err)
	}
	stdout, stderr := writers(spec)

	cfg := stageConfig{
		Path: path,
		Argv: spec.Argv,
		Env:  minimalEnv(spec.Dir, spec.Env),
		Dir:  spec.Dir,
		Hide: p.mode == config.IsolationNamespace,
	}

	if p.pool != nil {
		uid, err := p.pool.acquire(ctx)
		if err != nil {
			return nil, xerrors.Errorf("run canceled: %w", err)
		}
		defer p.pool.release(uid)
		cfg.SetUser, cfg.UID, cfg.GID = true, uid, uid

		err = handOver(spec.Dir, int(uid), int(uid))
		if err != nil {
			return nil, xerrors.Errorf("%w: %v", ErrSpawn, err)
		}
	}
	cfg.Limits = p.stageLimits(spec, cfg.SetUser)

	// we own the pipes so Wait returns as soon as the program exits
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, xerrors.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	defer outR.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outW.Close()
		return nil, xerrors.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}
	defer errR.Close()

	if p.opts.ReapLock != nil {
		p.opts.ReapLock.RLock()
		defer p.opts.ReapLock.RUnlock()
	}

	start := time.Now()
	cmd, statusR, err := p.start(cfg, spec.Stdin, outW, errW)

	// the child holds its own copies of the write ends
	_ = outW.Close()
	_ = errW.Close()

	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrSpawn, err)
	}
	defer statusR.Close()
	pid := cmd.Process.Pid

	// drain output concurrently so a full pipe never blocks the program
	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		_, _ = io.Copy(stdout, outR)
	}()
	go func() {
		defer drain.Done()
		_, _ = io.Copy(stderr, errR)
	}()

	// in namespace mode pid is the namespace init and killing it takes
	// the whole namespace down
	var timedOut atomic.Bool
	timer := time.AfterFunc(spec.Timeout, func() {
		timedOut.Store(true)
		killGroup(pid)
	})
	defer timer.Stop()

	stopCtx := make(chan struct{})
	defer close(stopCtx)
	go func() {
		select {
		case <-ctx.Done():
			killGroup(pid)
		case <-stopCtx:
		}
	}()

	// EOF means the program replaced the exec stage
	status, _ := io.ReadAll(statusR)
	if len(status) > 0 {
		killGroup(pid)
		_ = cmd.Wait()
		p.killLeftovers(ctx, pid, cfg)
		p.drain(&drain, outR, errR)
		return nil, xerrors.Errorf("%w: %s", ErrSpawn, strings.TrimSpace(string(status)))
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	timer.Stop()

	// take down anything the program left running
	p.killLeftovers(ctx, pid, cfg)
	p.drain(&drain, outR, errR)

	outcome := &Outcome{
		ExitCode: exitCode(cmd.ProcessState),
		TimedOut: timedOut.Load(),
		Elapsed:  elapsed,
	}

	// an exit error is the program failing which is reported through the outcome
	var exitErr *exec.ExitError
	if waitErr != nil && !xerrors.As(waitErr, &exitErr) && !xerrors.Is(waitErr, exec.ErrWaitDelay) {
		p.opts.Logger.Warn(ctx, "unexpected wait error", slog.F("pid", pid), slog.Error(waitErr))
	}

	if ctx.Err() != nil && !outcome.TimedOut {
		return outcome, xerrors.Errorf("run canceled: %w", ctx.Err())
	}

	return outcome, nil
}

// start re-executes the binary as the first sandbox stage of the program
func (p *ProcessSandbox) start(cfg stageConfig, stdin io.Reader, stdout, stderr *os.File) (*exec.Cmd, *os.File, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, xerrors.Errorf("encode stage config: %w", err)
	}

	stage := stageExec
	if p.mode == config.IsolationNamespace {
		stage = stageInit
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, nil, xerrors.Errorf("status pipe: %w", err)
	}
	defer statusW.Close()

	cmd := reexec.Command(stage, string(raw))
	cmd.Env = cfg.Env
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{statusW}
	cmd.SysProcAttr = p.sysProcAttr()
	cmd.WaitDelay = p.opts.KillGrace
	// the init stage enters the workspace once it is mounted
	if stage == stageExec {
		cmd.Dir = cfg.Dir
	}

	err = cmd.Start()
	if err != nil {
		_ = statusR.Close()
		return nil, nil, err
	}
	return cmd, statusR, nil
}

func (p *ProcessSandbox) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		// a fresh group lets the whole tree be killed through -pgid
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	var flags uintptr
	if p.mode == config.IsolationNamespace {
		flags |= syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	}
	if p.opts.IsolateNetwork {
		flags |= syscall.CLONE_NEWNET | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	}

	// without root the namespaces need a user namespace that maps us to its root
	if flags != 0 && os.Geteuid() != 0 {
		flags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Geteuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getegid(), Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	attr.Cloneflags = flags

	return attr
}

// stageLimits orders the limits so the address space limit is applied last
func (p *ProcessSandbox) stageLimits(spec Spec, dedicatedUID bool) []stageLimit {
	l := p.opts.Limits

	// core dumps are always disabled
	limits := []stageLimit{{unix.RLIMIT_CORE, 0}}
	add := func(resource int, value uint64) {
		if value > 0 {
			limits = append(limits, stageLimit{resource, value})
		}
	}

	add(unix.RLIMIT_CPU, l.CPUSeconds)
	add(unix.RLIMIT_FSIZE, l.FileSizeBytes)
	// the process count limit is per user so it is only safe for a dedicated uid
	if dedicatedUID {
		add(unix.RLIMIT_NPROC, l.Processes)
	}
	if !spec.UnboundedAddressSpace {
		add(unix.RLIMIT_AS, l.MemoryBytes)
	}
	return limits
}

// killLeftovers kills whatever the program started that is still running
func (p *ProcessSandbox) killLeftovers(ctx context.Context, pid int, cfg stageConfig) {
	switch {
	case p.mode == config.IsolationNamespace:
		// the namespace died with its init
	case cfg.SetUser:
		p.killUser(ctx, cfg.UID, cfg.GID)
	default:
		killGroup(pid)
	}
}

// killUser kills every process of a dedicated uid, including ones that left the group
func (p *ProcessSandbox) killUser(ctx context.Context, uid, gid uint32) {
	cmd := reexec.Command(stageKill)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid, Groups: []uint32{}},
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		p.opts.Logger.Error(ctx, "failed to kill leftover processes",
			slog.F("uid", uid),
			slog.F("output", strings.TrimSpace(string(out))),
			slog.Error(err),
		)
	}
}

// drain waits for the output copies and cuts them off after the kill grace
func (p *ProcessSandbox) drain(wg *sync.WaitGroup, readers ...*os.File) {
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.opts.KillGrace):
		for _, r := range readers {
			_ = r.Close()
		}
		<-drained
	}
}

// lookProgram resolves the program the way a shell would, relative to the workspace
func lookProgram(spec Spec) (string, error) {
	name := spec.Argv[0]
	if strings.Contains(name, "/") {
		if !filepath.IsAbs(name) {
			name = filepath.Join(spec.Dir, name)
		}
		// a missing file is reported by the exec stage
		return name, nil
	}
	return exec.LookPath(name)
}

// killGroup sends SIGKILL to every process in the group led by pid
func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// resolveIsolation picks the isolation mode the host can provide
func resolveIsolation(opts ProcessOptions) (config.SandboxIsolation, error) {
	root := os.Geteuid() == 0

	switch opts.Isolation {
	case config.IsolationNone:
		return config.IsolationNone, nil
	case config.IsolationUser:
		if !root {
			return "", xerrors.New("user isolation requires the service to run as root")
		}
		return config.IsolationUser, nil
	case config.IsolationNamespace:
		err := checkNamespaces(opts)
		if err != nil {
			return "", xerrors.Errorf("namespace isolation is unavailable: %w", err)
		}
		return config.IsolationNamespace, nil
	case config.IsolationAuto, "":
		err := checkNamespaces(opts)
		if err == nil {
			return config.IsolationNamespace, nil
		}
		if root {
			opts.Logger.Warn(context.Background(), "namespaces unavailable, falling back to dedicated uids", slog.Error(err))
			return config.IsolationUser, nil
		}
		return "", xerrors.Errorf("no process isolation available, use the docker backend or set isolation to none: %w", err)
	default:
		return "", xerrors.Errorf("unknown isolation %q", opts.Isolation)
	}
}

// checkNamespaces runs the namespace stages against a scratch workspace
// without starting a program
func checkNamespaces(opts ProcessOptions) error {
	parent, err := os.MkdirTemp("", "codesync-nscheck-")
	if err != nil {
		return xerrors.Errorf("create namespace check dir: %w", err)
	}
	defer os.RemoveAll(parent)
	dir := filepath.Join(parent, "ws")
	err = os.Mkdir(dir, 0o755)
	if err != nil {
		return xerrors.Errorf("create namespace check dir: %w", err)
	}

	p := &ProcessSandbox{opts: opts, mode: config.IsolationNamespace}
	cfg := stageConfig{Dir: dir, Hide: true, DryRun: true}
	if os.Geteuid() == 0 {
		cfg.SetUser, cfg.UID, cfg.GID = true, opts.UIDBase, opts.UIDBase
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return xerrors.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd, statusR, err := p.start(cfg, nil, devNull, devNull)
	if err != nil {
		return err
	}
	defer statusR.Close()

	timer := time.AfterFunc(10*time.Second, func() {
		killGroup(cmd.Process.Pid)
	})
	defer timer.Stop()

	status, _ := io.ReadAll(statusR)
	err = cmd.Wait()
	if len(status) > 0 {
		return xerrors.New(strings.TrimSpace(string(status)))
	}
	if err != nil {
		return err
	}
	return nil
}
