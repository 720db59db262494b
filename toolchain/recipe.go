package toolchain

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"codesync/models"
)

// placeholders expanded inside recipe commands
const (
	PlaceholderSource  = "{source}"
	PlaceholderBinary  = "{binary}"
	PlaceholderWorkdir = "{workdir}"
	PlaceholderID      = "{id}"
)

// ShimKind
//
//	How program inputs reach a language that cannot read them from stdin.
type ShimKind int

const (
	// ShimNone feeds inputs through a native stdin redirect
	ShimNone ShimKind = iota
	// ShimJavaScript loads a prelude that replays inputs through prompt()
	ShimJavaScript
)

func (s ShimKind) String() string {
	switch s {
	case ShimNone:
		return "None"
	case ShimJavaScript:
		return "JavaScript"
	default:
		return "Unknown"
	}
}

// Recipe
//
//	Static description of how to build and run one language. A recipe is
//	a plain value; only Environment consults the service environment, for
//	the variables listed in PassEnv.
type Recipe struct {
	// Language is the canonical language id the recipe serves
	Language models.ProgrammingLanguage

	// Name is the display name of the toolchain
	Name string

	// SourceFile is the file name the source is written to. It may
	// contain {id} which expands to the request id.
	SourceFile string

	// Build is the optional compile command. Interpreted languages leave it empty.
	Build []string

	// Run is the command that executes the program
	Run []string

	// Env holds extra KEY=VALUE pairs for both phases. Values may use {workdir}.
	Env []string

	// PassEnv names service environment variables forwarded to the program.
	// An entry NAME=~/dir falls back to that directory under the service
	// user's home when NAME is unset and the directory exists.
	PassEnv []string

	// SupportsStdin reports whether the run phase reads inputs from stdin
	SupportsStdin bool

	// Shim replays inputs in-process when SupportsStdin is false
	Shim ShimKind

	// Image is the container image used by the docker sandbox
	Image string

	// VersionCommand prints the toolchain version when probed
	VersionCommand []string

	// MinVersion is the oldest toolchain version the recipe is known to work with
	MinVersion string

	// UnboundedAddressSpace disables the virtual memory rlimit for runtimes
	// that reserve large address ranges up front (JIT and GC heaps)
	UnboundedAddressSpace bool
}

// SourceFileName returns the workspace file name for the request's source
func (r Recipe) SourceFileName(requestID string) string {
	return strings.ReplaceAll(r.SourceFile, PlaceholderID, requestID)
}

// HasBuild reports whether the recipe has a compile phase
func (r Recipe) HasBuild() bool {
	return len(r.Build) > 0
}

// BuildCommand
//
//	Expands the build argument vector for a workspace mounted at workdir.
//	Returns nil when the recipe has no build phase.
func (r Recipe) BuildCommand(workdir, requestID string) []string {
	if !r.HasBuild() {
		return nil
	}
	return r.expand(r.Build, workdir, requestID)
}

// RunCommand expands the run argument vector for a workspace mounted at workdir
func (r Recipe) RunCommand(workdir, requestID string) []string {
	return r.expand(r.Run, workdir, requestID)
}

// Environment expands the recipe's extra environment for a workspace mounted at workdir
func (r Recipe) Environment(workdir string) []string {
	return r.environment(workdir, os.LookupEnv, os.UserHomeDir)
}

func (r Recipe) environment(workdir string, lookup func(string) (string, bool), home func() (string, error)) []string {
	env := make([]string, 0, len(r.Env)+len(r.PassEnv))
	for _, e := range r.Env {
		env = append(env, strings.ReplaceAll(e, PlaceholderWorkdir, workdir))
	}

	for _, p := range r.PassEnv {
		name, fallback, _ := strings.Cut(p, "=")
		if v, ok := lookup(name); ok {
			env = append(env, name+"="+v)
			continue
		}

		rel, ok := strings.CutPrefix(fallback, "~/")
		if !ok {
			continue
		}
		dir, err := home()
		if err != nil || len(dir) == 0 {
			continue
		}
		dir = filepath.Join(dir, rel)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			env = append(env, name+"="+dir)
		}
	}
	return env
}

func (r Recipe) expand(argv []string, workdir, requestID string) []string {
	// container paths are always slash separated so path is used over filepath
	replacer := strings.NewReplacer(
		PlaceholderSource, path.Join(workdir, r.SourceFileName(requestID)),
		PlaceholderBinary, path.Join(workdir, "main.out"),
		PlaceholderWorkdir, workdir,
		PlaceholderID, requestID,
	)

	out := make([]string, len(argv))
	for i, a := range argv {
		// every argument is expanded independently so user controlled values
		// can never introduce additional arguments
		out[i] = replacer.Replace(a)
	}
	return out
}
