package utils

import (
	"context"
	"strings"
	"time"

	"github.com/go-cmd/cmd"
	"golang.org/x/xerrors"
)

// ErrCommandCanceled is returned when the context ends before the command exits
var ErrCommandCanceled = xerrors.New("command canceled")

type CommandResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Start    time.Time
	End      time.Time
	Cost     time.Duration
}

// Output returns stdout followed by stderr, trimmed
func (r *CommandResult) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// ExecuteCommand
//
//	Runs a trusted, short lived helper command (toolchain version probes,
//	image checks) via the github.com/go-cmd/cmd library. Output is fully
//	buffered so it must never be used for submitted programs.
func ExecuteCommand(ctx context.Context, env []string, dir string, binary string, args ...string) (*CommandResult, error) {
	// create a new command
	c := cmd.NewCmd(binary, args...)
	c.Env = env

	// conditionally set the working directory
	if len(dir) > 0 {
		c.Dir = dir
	}

	// start command
	statusChan := c.Start()

	// wait for command or context
	select {
	case <-ctx.Done():
		// stop command since we are exiting early
		err := c.Stop()
		if err != nil {
			return nil, xerrors.Errorf("%w: %v (stop: %v)", ErrCommandCanceled, ctx.Err(), err)
		}
		return nil, xerrors.Errorf("%w: %v", ErrCommandCanceled, ctx.Err())
	case status := <-statusChan:
		// a command that never started reports its error on the status
		if status.Error != nil {
			return nil, xerrors.Errorf("failed to run %s: %w", binary, status.Error)
		}

		// go-cmd splits output by line so we rejoin it
		start := time.Unix(0, status.StartTs)
		end := time.Unix(0, status.StopTs)

		return &CommandResult{
			Command:  strings.Join(append([]string{binary}, args...), " "),
			Stdout:   strings.Join(status.Stdout, "\n"),
			Stderr:   strings.Join(status.Stderr, "\n"),
			ExitCode: status.Exit,
			Start:    start,
			End:      end,
			Cost:     end.Sub(start),
		}, nil
	}
}
