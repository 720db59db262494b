package sandbox

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"codesync/config"
	"codesync/utils"

	"cdr.dev/slog"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/xerrors"
)

// containerWorkdir is where the workspace is mounted inside every container
const containerWorkdir = "/workspace"

// DockerAPI is the subset of the docker client used by the sandbox
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type DockerOptions struct {
	Client DockerAPI

	// User is the uid:gid programs run as inside the container
	User string

	Limits Limits

	// NanoCPUs caps the cpu share of a container, 1e9 is one core
	NanoCPUs int64

	// Mirrors rewrite image references to pull through registry caches
	Mirrors []config.RegistryMirror

	KillGrace time.Duration

	Logger slog.Logger
}

// DockerSandbox
//
//	Runs every phase in a throw-away container with no network, no
//	capabilities, a read-only root filesystem and cgroup resource limits.
//	The workspace is the only writable mount.
type DockerSandbox struct {
	opts DockerOptions
}

// NewDockerClient creates a docker client from the environment or an explicit host
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if len(host) > 0 {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

func NewDockerSandbox(opts DockerOptions) *DockerSandbox {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 500 * time.Millisecond
	}
	if len(opts.User) == 0 {
		opts.User, _ = dockerUser("")
	}
	opts.Logger = opts.Logger.Named("sandbox.docker")
	return &DockerSandbox{opts: opts}
}

func (d *DockerSandbox) Name() string {
	return "docker"
}

func (d *DockerSandbox) Workdir(string) string {
	return containerWorkdir
}

// EnsureImages
//
//	Pulls every image that is not present locally. Pull progress is
//	discarded.
func (d *DockerSandbox) EnsureImages(ctx context.Context, images []string) error {
	seen := make(map[string]struct{}, len(images))
	for _, img := range images {
		if len(img) == 0 {
			continue
		}
		ref := utils.ResolveImage(img, d.opts.Mirrors)
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		_, err := d.opts.Client.ImageInspect(ctx, ref)
		if err == nil {
			continue
		}
		if !cerrdefs.IsNotFound(err) {
			return xerrors.Errorf("failed to inspect image %s: %w", ref, err)
		}

		d.opts.Logger.Info(ctx, "pulling image", slog.F("image", ref))
		rc, err := d.opts.Client.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return xerrors.Errorf("failed to pull image %s: %w", ref, err)
		}
		_, err = io.Copy(io.Discard, rc)
		_ = rc.Close()
		if err != nil {
			return xerrors.Errorf("failed to pull image %s: %w", ref, err)
		}
	}
	return nil
}

func (d *DockerSandbox) hostConfig(spec Spec) *container.HostConfig {
	l := d.opts.Limits

	hc := &container.HostConfig{
		Binds:          []string{spec.Dir + ":" + containerWorkdir + ":rw"},
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,nodev,size=64m"},
		AutoRemove:     false,
	}

	if l.MemoryBytes > 0 {
		hc.Memory = int64(l.MemoryBytes)
		// equal to memory disables swap
		hc.MemorySwap = int64(l.MemoryBytes)
	}
	if l.Processes > 0 {
		pids := int64(l.Processes)
		hc.PidsLimit = &pids
	}
	if d.opts.NanoCPUs > 0 {
		hc.NanoCPUs = d.opts.NanoCPUs
	}
	if l.FileSizeBytes > 0 {
		hc.Ulimits = append(hc.Ulimits, &container.Ulimit{Name: "fsize", Soft: int64(l.FileSizeBytes), Hard: int64(l.FileSizeBytes)})
	}
	if l.CPUSeconds > 0 {
		hc.Ulimits = append(hc.Ulimits, &container.Ulimit{Name: "cpu", Soft: int64(l.CPUSeconds), Hard: int64(l.CPUSeconds)})
	}
	hc.Ulimits = append(hc.Ulimits, &container.Ulimit{Name: "core", Soft: 0, Hard: 0})

	return hc
}

// Run
//
//	Creates, attaches to and starts a container for the phase. The
//	container is killed on the deadline and is always force removed.
func (d *DockerSandbox) Run(ctx context.Context, spec Spec) (*Outcome, error) {
	if err := validate(spec); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrSpawn, err)
	}
	if len(spec.Image) == 0 {
		return nil, xerrors.Errorf("%w: no image for the docker sandbox", ErrSpawn)
	}
	stdout, stderr := writers(spec)

	// as root the workspace is handed to the container user so it can
	// write there and nobody else can
	if uid, gid, ok := parseUser(d.opts.User); ok && os.Geteuid() == 0 {
		err := handOver(spec.Dir, uid, gid)
		if err != nil {
			return nil, xerrors.Errorf("%w: %v", ErrSpawn, err)
		}
	}

	// environment is built for the container path, not the host path
	env := minimalEnv(containerWorkdir, spec.Env)
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			env[i] = "PATH=" + defaultPath
		}
	}

	cfg := &container.Config{
		Image:           utils.ResolveImage(spec.Image, d.opts.Mirrors),
		Cmd:             spec.Argv,
		Entrypoint:      []string{},
		Env:             env,
		WorkingDir:      containerWorkdir,
		User:            d.opts.User,
		AttachStdin:     spec.Stdin != nil,
		OpenStdin:       spec.Stdin != nil,
		StdinOnce:       spec.Stdin != nil,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}

	created, err := d.opts.Client.ContainerCreate(ctx, cfg, d.hostConfig(spec), nil, nil, "")
	if err != nil {
		return nil, xerrors.Errorf("%w: create container: %v", ErrSpawn, err)
	}
	id := created.ID

	// removal uses a fresh context so it still happens when ctx is done
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := d.opts.Client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			d.opts.Logger.Error(rmCtx, "failed to remove container", slog.F("container", id), slog.Error(err))
		}
	}()

	attach, err := d.opts.Client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  spec.Stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("%w: attach container: %v", ErrSpawn, err)
	}
	defer attach.Close()

	var streams sync.WaitGroup
	streams.Add(1)
	go func() {
		defer streams.Done()
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	start := time.Now()
	err = d.opts.Client.ContainerStart(ctx, id, container.StartOptions{})
	if err != nil {
		attach.Close()
		streams.Wait()
		return nil, xerrors.Errorf("%w: start container: %v", ErrSpawn, err)
	}

	if spec.Stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, spec.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	// the wait uses a fresh context so a kill can still be observed after ctx ends
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	waitCh, errCh := d.opts.Client.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	deadline := time.NewTimer(spec.Timeout)
	defer deadline.Stop()

	outcome := &Outcome{ExitCode: -1}
	var runErr error

	select {
	case resp := <-waitCh:
		outcome.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		runErr = xerrors.Errorf("wait container: %w", err)
	case <-deadline.C:
		outcome.TimedOut = true
		d.kill(id)
	case <-ctx.Done():
		runErr = xerrors.Errorf("run canceled: %w", ctx.Err())
		d.kill(id)
	}
	outcome.Elapsed = time.Since(start)

	// give the output stream a moment to flush then cut it off
	drained := make(chan struct{})
	go func() {
		streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.opts.KillGrace):
		attach.Close()
		<-drained
	}

	return outcome, runErr
}

func (d *DockerSandbox) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.opts.Client.ContainerKill(ctx, id, "SIGKILL")
	if err != nil && !cerrdefs.IsNotFound(err) {
		d.opts.Logger.Warn(ctx, "failed to kill container", slog.F("container", id), slog.Error(err))
	}
}
