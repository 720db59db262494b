package sandbox

import (
	"context"
	"io"
	"time"

	"golang.org/x/xerrors"
)

// ErrSpawn marks failures to launch a program, as opposed to the program failing
var ErrSpawn = xerrors.New("failed to spawn program")

// Spec
//
//	One phase of an execution: a single argument vector run inside a
//	workspace under a deadline.
type Spec struct {
	// Dir is the workspace directory on the host
	Dir string
	// Argv is the command to run. It is never passed through a shell.
	Argv []string
	// Env holds extra KEY=VALUE pairs on top of the minimal environment
	Env []string
	// Stdin is connected to the program's standard input. Nil means empty input.
	Stdin io.Reader
	// Stdout and Stderr receive the program's output streams
	Stdout io.Writer
	Stderr io.Writer
	// Timeout is the wall clock deadline of the phase
	Timeout time.Duration
	// Image is the container image for container based sandboxes
	Image string
	// UnboundedAddressSpace skips the virtual memory ceiling
	UnboundedAddressSpace bool
}

// Outcome
//
//	How a phase ended. A program that ran and failed is an Outcome, not an error.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Elapsed  time.Duration
}

// Sandbox
//
//	Launches untrusted programs with isolation and kills the whole process
//	tree when the deadline passes or the context ends.
type Sandbox interface {
	// Name identifies the sandbox in logs and metrics
	Name() string
	// Workdir returns the path the program sees for a host workspace directory
	Workdir(hostDir string) string
	// Run executes one phase. The error is non-nil only when the program
	// could not be launched or supervised.
	Run(ctx context.Context, spec Spec) (*Outcome, error)
}

func validate(spec Spec) error {
	if len(spec.Argv) == 0 || len(spec.Argv[0]) == 0 {
		return xerrors.New("empty command")
	}
	if len(spec.Dir) == 0 {
		return xerrors.New("no working directory")
	}
	if spec.Timeout <= 0 {
		return xerrors.New("no timeout")
	}
	return nil
}

func writers(spec Spec) (io.Writer, io.Writer) {
	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return stdout, stderr
}
