//go:build !linux

package sandbox

import (
	"context"

	"codesync/config"

	"golang.org/x/xerrors"
)

func resolveIsolation(ProcessOptions) (config.SandboxIsolation, error) {
	return "", xerrors.New("the process sandbox requires linux")
}

// Run is only supported on linux where namespaces and rlimits are available
func (p *ProcessSandbox) Run(_ context.Context, _ Spec) (*Outcome, error) {
	return nil, xerrors.Errorf("%w: the process sandbox requires linux", ErrSpawn)
}
