package executor

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"codesync/config"
	"codesync/metrics"
	"codesync/models"
	"codesync/sandbox"
	"codesync/toolchain"
	"codesync/workspace"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// stdinFile is the companion file holding the newline-joined inputs
const stdinFile = ".stdin"

// Executor turns one request into exactly one result
type Executor interface {
	Execute(ctx context.Context, req models.ExecutionRequest) models.ExecutionResult
}

type EngineParams struct {
	Registry   *toolchain.Registry
	Workspaces *workspace.Manager
	Sandbox    sandbox.Sandbox
	Config     config.ExecutionConfig
	Logger     slog.Logger
}

// Engine
//
//	Materializes a request into a workspace, builds and runs it inside the
//	sandbox and classifies the outcome. Execute never panics or returns an
//	error: every failure is expressed as a result variant.
type Engine struct {
	registry   *toolchain.Registry
	workspaces *workspace.Manager
	sandbox    sandbox.Sandbox
	cfg        config.ExecutionConfig
	logger     slog.Logger
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Registry == nil || params.Workspaces == nil || params.Sandbox == nil {
		return nil, xerrors.New("registry, workspaces and sandbox are required")
	}

	err := params.Config.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid execution config: %w", err)
	}

	return &Engine{
		registry:   params.Registry,
		workspaces: params.Workspaces,
		sandbox:    params.Sandbox,
		cfg:        params.Config,
		logger:     params.Logger.Named("executor"),
	}, nil
}

// Execute
//
//	Runs a request to completion. Unsupported languages return before any
//	workspace is created and the workspace of every other request is
//	released before Execute returns, whatever the outcome.
func (e *Engine) Execute(ctx context.Context, req models.ExecutionRequest) (res models.ExecutionResult) {
	logger := e.logger.With(
		slog.F("request_id", req.ID),
		slog.F("room_id", req.RoomID),
		slog.F("language", req.Language),
	)

	// metric label for the language, bounded to known recipes
	label := "unsupported"

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic during execution",
				slog.F("panic", fmt.Sprint(r)),
				slog.F("stack", string(debug.Stack())),
			)
			res = models.InternalFault()
		}

		metrics.ExecutionsTotal.WithLabelValues(label, string(res.Status)).Inc()
		if res.Internal {
			metrics.InternalFaults.Inc()
		}
		if res.Truncated {
			metrics.OutputTruncations.WithLabelValues(label).Inc()
		}
	}()

	recipe, ok := e.registry.Resolve(req.Language)
	if !ok {
		logger.Debug(ctx, "unsupported language")
		return models.UnsupportedLanguage(req.Language)
	}
	label = recipe.Language.String()

	ran := false
	err := e.workspaces.With(ctx, req.ID, func(ws *workspace.Workspace) error {
		ran = true
		res = e.execute(ctx, logger, recipe, req, ws)
		return nil
	})
	if err != nil && !ran {
		logger.Error(ctx, "failed to acquire workspace", slog.Error(xerrors.Unwrap(err)))
		return models.InternalFault()
	}

	logger.Debug(ctx, "execution finished",
		slog.F("status", res.Status),
		slog.F("exit_code", res.ExitCode),
		slog.F("execution_time_ms", res.ExecutionTimeMs),
	)

	return res
}

func (e *Engine) execute(ctx context.Context, logger slog.Logger, recipe toolchain.Recipe, req models.ExecutionRequest,
	ws *workspace.Workspace) models.ExecutionResult {
	workdir := e.sandbox.Workdir(ws.Path)

	files, err := e.materialize(recipe, req, ws)
	if err != nil {
		logger.Error(ctx, "failed to materialize request", slog.Error(err))
		return models.InternalFault()
	}

	env := recipe.Environment(workdir)

	// build phase
	if recipe.HasBuild() {
		stdout, stderr := newCapture(e.cfg.MaxOutputBytes), newCapture(e.cfg.MaxOutputBytes)
		outcome, err := e.sandbox.Run(ctx, sandbox.Spec{
			Dir:                   ws.Path,
			Argv:                  recipe.BuildCommand(workdir, req.ID),
			Env:                   env,
			Stdout:                stdout,
			Stderr:                stderr,
			Timeout:               e.cfg.BuildTimeout(),
			Image:                 recipe.Image,
			UnboundedAddressSpace: recipe.UnboundedAddressSpace,
		})
		if err != nil {
			logger.Error(ctx, "failed to run build phase", slog.Error(err))
			return models.InternalFault()
		}
		metrics.ExecutionDuration.WithLabelValues(recipe.Language.String(), "build").Observe(float64(outcome.Elapsed.Milliseconds()))

		truncated := stdout.Truncated() || stderr.Truncated()
		if outcome.TimedOut {
			msg := joinNonEmpty(stderr.String(), fmt.Sprintf("compilation timed out after %dms", outcome.Elapsed.Milliseconds()))
			return models.CompileError(msg, truncated)
		}
		if outcome.ExitCode != 0 {
			// some compilers report diagnostics on stdout
			return models.CompileError(joinNonEmpty(stderr.String(), stdout.String()), truncated)
		}
	}

	// run phase
	var stdin io.Reader
	if files.Stdin != nil {
		f, err := ws.Open(stdinFile)
		if err != nil {
			logger.Error(ctx, "failed to open stdin file", slog.Error(err))
			return models.InternalFault()
		}
		defer f.Close()
		stdin = f
	}

	stdout, stderr := newCapture(e.cfg.MaxOutputBytes), newCapture(e.cfg.MaxOutputBytes)
	outcome, err := e.sandbox.Run(ctx, sandbox.Spec{
		Dir:                   ws.Path,
		Argv:                  recipe.RunCommand(workdir, req.ID),
		Env:                   env,
		Stdin:                 stdin,
		Stdout:                stdout,
		Stderr:                stderr,
		Timeout:               e.cfg.RunTimeout(),
		Image:                 recipe.Image,
		UnboundedAddressSpace: recipe.UnboundedAddressSpace,
	})
	if err != nil {
		logger.Error(ctx, "failed to run program", slog.Error(err))
		return models.InternalFault()
	}

	elapsedMs := outcome.Elapsed.Milliseconds()
	metrics.ExecutionDuration.WithLabelValues(recipe.Language.String(), "run").Observe(float64(elapsedMs))

	truncated := stdout.Truncated() || stderr.Truncated()
	switch {
	case outcome.TimedOut:
		return models.Timeout(stdout.String(), stderr.String(), elapsedMs, truncated)
	case outcome.ExitCode == 0:
		return models.Success(stdout.String(), stderr.String(), elapsedMs, truncated)
	default:
		return models.RuntimeError(stdout.String(), stderr.String(), outcome.ExitCode, elapsedMs, truncated)
	}
}

// materialize writes the source and the input delivery files into the workspace
func (e *Engine) materialize(recipe toolchain.Recipe, req models.ExecutionRequest, ws *workspace.Workspace) (toolchain.ShimFiles, error) {
	files, err := recipe.PrepareInputs(req.SourceCode, req.StdinLines())
	if err != nil {
		return files, err
	}

	err = ws.WriteFile(recipe.SourceFileName(req.ID), []byte(files.Source), 0o644)
	if err != nil {
		return files, xerrors.Errorf("failed to write source: %w", err)
	}

	if files.Prelude != nil {
		err = ws.WriteFile(toolchain.ShimPreludeFile, files.Prelude, 0o644)
		if err != nil {
			return files, xerrors.Errorf("failed to write shim prelude: %w", err)
		}
	}

	if files.Inputs != nil {
		err = ws.WriteFile(toolchain.ShimInputsFile, files.Inputs, 0o644)
		if err != nil {
			return files, xerrors.Errorf("failed to write shim inputs: %w", err)
		}
	}

	if files.Stdin != nil {
		err = ws.WriteFile(stdinFile, files.Stdin, 0o644)
		if err != nil {
			return files, xerrors.Errorf("failed to write stdin: %w", err)
		}
	}

	return files, nil
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(strings.TrimSpace(p)) > 0 {
			out = append(out, strings.TrimRight(p, "\n"))
		}
	}
	return strings.Join(out, "\n")
}

var _ Executor = (*Engine)(nil)
