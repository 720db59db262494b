//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/moby/sys/capability"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// The process sandbox re-executes its own binary under these names to set
// up a program before it starts. Init dispatches on os.Args[0].
const (
	stageInit = "codesync-sandbox-init"
	stageExec = "codesync-sandbox-exec"
	stageKill = "codesync-sandbox-kill"
)

// statusFd is where a stage reports why the program could not be started.
// It is close-on-exec so the parent reads EOF once the program runs.
const statusFd = 3

type stageLimit struct {
	Resource int    `json:"resource"`
	Value    uint64 `json:"value"`
}

type stageConfig struct {
	// Path is the resolved program, Argv keeps the name it was invoked as
	Path string   `json:"path"`
	Argv []string `json:"argv"`
	Env  []string `json:"env"`
	Dir  string   `json:"dir"`

	// Hide replaces the parent of Dir with a tmpfs that only holds Dir and
	// gives the program private scratch directories
	Hide bool `json:"hide"`

	SetUser bool   `json:"set_user"`
	UID     uint32 `json:"uid"`
	GID     uint32 `json:"gid"`

	Limits []stageLimit `json:"limits"`

	// DryRun stops right before the program would be started
	DryRun bool `json:"dry_run"`
}

func init() {
	reexec.Register(stageInit, func() { os.Exit(initStage()) })
	reexec.Register(stageExec, func() { os.Exit(execStage()) })
	reexec.Register(stageKill, func() { os.Exit(killStage()) })
}

// Init
//
//	Runs a sandbox stage when the binary was re-executed by the process
//	sandbox, in which case it never returns. It must be the first call in
//	main and in TestMain of any package that runs programs through the
//	process sandbox.
func Init() {
	reexec.Init()
}

func readStageConfig() (stageConfig, error) {
	var cfg stageConfig
	if len(os.Args) < 2 {
		return cfg, xerrors.New("missing stage config")
	}
	err := json.Unmarshal([]byte(os.Args[1]), &cfg)
	if err != nil {
		return cfg, xerrors.Errorf("decode stage config: %w", err)
	}
	return cfg, nil
}

// stageFail reports a setup failure to the parent and returns the exit code
func stageFail(format string, args ...interface{}) int {
	status := os.NewFile(statusFd, "status")
	_, _ = fmt.Fprintf(status, format, args...)
	return 127
}

// initStage
//
//	Runs as pid 1 of a fresh pid namespace. It hides the sibling workspaces,
//	starts the exec stage and exits with the program's status. The kernel
//	kills every process left in the namespace when it exits, including
//	ones that called setsid or daemonized.
func initStage() int {
	cfg, err := readStageConfig()
	if err != nil {
		return stageFail("%v", err)
	}

	if cfg.Hide {
		err = hideSiblings(cfg.Dir)
		if err != nil {
			return stageFail("%v", err)
		}
	}

	status := os.NewFile(statusFd, "status")
	cmd := reexec.Command(stageExec, os.Args[1])
	cmd.Dir = cfg.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{status}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	err = cmd.Start()
	if err != nil {
		return stageFail("start exec stage: %v", err)
	}
	_ = status.Close()

	_ = cmd.Wait()
	return exitCode(cmd.ProcessState)
}

// hideSiblings
//
//	Mounts a tmpfs over the workspace root and binds only dir back into
//	it, then mounts a proc that shows this namespace alone. Scratch
//	directories get fresh tmpfs mounts so runs cannot meet there either.
func hideSiblings(dir string) error {
	parent := filepath.Dir(dir)
	if parent == dir || parent == "/" {
		return xerrors.Errorf("workspace %s has no parent to hide", dir)
	}

	err := mount.MakeRPrivate("/")
	if err != nil {
		return xerrors.Errorf("make mounts private: %w", err)
	}

	// keep a handle on the workspace before its path is covered
	fd, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return xerrors.Errorf("open workspace: %w", err)
	}
	defer unix.Close(fd)

	for _, scratch := range []string{"/tmp", "/var/tmp", "/dev/shm"} {
		fi, err := os.Stat(scratch)
		if err != nil || !fi.IsDir() {
			continue
		}
		err = mount.Mount("tmpfs", scratch, "tmpfs", "nosuid,nodev,mode=1777,size=64m")
		if err != nil {
			return xerrors.Errorf("mount %s: %w", scratch, err)
		}
	}

	// the parent may have been covered by a scratch mount above
	err = os.MkdirAll(parent, 0o755)
	if err != nil {
		return xerrors.Errorf("recreate workspace root: %w", err)
	}
	err = mount.Mount("tmpfs", parent, "tmpfs", "nosuid,nodev,mode=755,size=1m")
	if err != nil {
		return xerrors.Errorf("mount over workspace root: %w", err)
	}
	err = os.Mkdir(dir, 0o755)
	if err != nil {
		return xerrors.Errorf("recreate workspace: %w", err)
	}
	err = mount.Mount(fmt.Sprintf("/proc/self/fd/%d", fd), dir, "", "rbind")
	if err != nil {
		return xerrors.Errorf("bind workspace: %w", err)
	}

	// the host proc would expose the cwd of every other run
	err = mount.Mount("proc", "/proc", "proc", "nosuid,nodev,noexec")
	if err != nil {
		return xerrors.Errorf("mount proc: %w", err)
	}

	return nil
}

// execStage
//
//	Drops every privilege, applies the resource limits and replaces itself
//	with the program.
func execStage() int {
	// capabilities are per thread so they are dropped on the one that execs
	runtime.LockOSThread()

	cfg, err := readStageConfig()
	if err != nil {
		return stageFail("%v", err)
	}

	err = dropPrivileges(cfg)
	if err != nil {
		return stageFail("%v", err)
	}

	// everything execve needs is built up front since the address space
	// limit may leave no room to allocate
	path, err := syscall.BytePtrFromString(cfg.Path)
	if err != nil {
		return stageFail("program path: %v", err)
	}
	argv, err := syscall.SlicePtrFromStrings(cfg.Argv)
	if err != nil {
		return stageFail("program arguments: %v", err)
	}
	env, err := syscall.SlicePtrFromStrings(cfg.Env)
	if err != nil {
		return stageFail("program environment: %v", err)
	}

	_, err = unix.FcntlInt(statusFd, unix.F_SETFD, unix.FD_CLOEXEC)
	if err != nil {
		return stageFail("status pipe: %v", err)
	}

	if cfg.DryRun {
		return 0
	}

	for _, l := range cfg.Limits {
		err = unix.Setrlimit(l.Resource, &unix.Rlimit{Cur: l.Value, Max: l.Value})
		if err != nil {
			return stageFail("set limit %d: %v", l.Resource, err)
		}
	}

	_, _, errno := unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&env[0])),
	)
	return stageFail("exec %s: %v", cfg.Path, errno)
}

func dropPrivileges(cfg stageConfig) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return xerrors.Errorf("read capabilities: %w", err)
	}

	// the bounding set needs CAP_SETPCAP so it goes before the uid change.
	// Nothing started later can regain a capability outside it.
	caps.Clear(capability.BOUNDS)
	err = caps.Apply(capability.BOUNDS)
	if err != nil {
		return xerrors.Errorf("drop bounding set: %w", err)
	}

	if cfg.SetUser {
		err = syscall.Setgroups([]int{})
		if err != nil {
			return xerrors.Errorf("setgroups: %w", err)
		}
		err = syscall.Setresgid(int(cfg.GID), int(cfg.GID), int(cfg.GID))
		if err != nil {
			return xerrors.Errorf("setresgid %d: %w", cfg.GID, err)
		}
		err = syscall.Setresuid(int(cfg.UID), int(cfg.UID), int(cfg.UID))
		if err != nil {
			return xerrors.Errorf("setresuid %d: %w", cfg.UID, err)
		}
		// changing credentials clears the parent death signal
		err = unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0)
		if err != nil {
			return xerrors.Errorf("set parent death signal: %w", err)
		}
	}

	caps.Clear(capability.CAPS | capability.AMBS)
	err = caps.Apply(capability.CAPS | capability.AMBS)
	if err != nil {
		return xerrors.Errorf("clear capabilities: %w", err)
	}

	err = unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
	if err != nil {
		return xerrors.Errorf("set no_new_privs: %w", err)
	}
	return nil
}

// killStage
//
//	Runs under a dedicated sandbox uid and kills every process of that uid.
//	Repeated passes catch processes forked while the previous pass ran.
func killStage() int {
	for i := 0; i < 16; i++ {
		err := unix.Kill(-1, unix.SIGKILL)
		if xerrors.Is(err, unix.ESRCH) {
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "kill: %v\n", err)
			return 1
		}
	}
	return 0
}
