package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"cdr.dev/slog"
	"github.com/bwmarrin/snowflake"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const dirPrefix = "ws-"

// Workspace
//
//	An exclusively owned directory bound to one execution request.
type Workspace struct {
	// ID is the unique token the directory name is derived from
	ID string
	// Path is the absolute path of the directory
	Path string

	fs       afero.Fs
	released atomic.Bool
}

// File returns the path of a file inside the workspace
func (w *Workspace) File(name string) string {
	return filepath.Join(w.Path, name)
}

// WriteFile
//
//	Writes a file inside the workspace. The name must not escape the
//	workspace directory.
func (w *Workspace) WriteFile(name string, data []byte, perm os.FileMode) error {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return xerrors.Errorf("file name %q escapes the workspace", name)
	}

	err := afero.WriteFile(w.fs, w.File(clean), data, perm)
	if err != nil {
		return resourceErr("write", err)
	}
	return nil
}

// Open opens a file inside the workspace for reading
func (w *Workspace) Open(name string) (afero.File, error) {
	f, err := w.fs.Open(w.File(filepath.Clean(name)))
	if err != nil {
		return nil, resourceErr("open", err)
	}
	return f, nil
}

type ManagerParams struct {
	// Fs is the filesystem workspaces are created on
	Fs afero.Fs
	// Root is the directory all workspaces are created under
	Root string
	// Snowflake provides the unique token for every workspace name
	Snowflake *snowflake.Node
	Logger    slog.Logger
}

// Manager
//
//	Allocates and reclaims per-request workspaces under a single root.
type Manager struct {
	fs        afero.Fs
	root      string
	snowflake *snowflake.Node
	logger    slog.Logger
}

// NewManager
//
//	Creates a new workspace manager. The root directory is created lazily
//	on the first acquisition.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.Fs == nil {
		params.Fs = afero.NewOsFs()
	}

	if len(params.Root) == 0 {
		return nil, xerrors.New("workspace root must be set")
	}

	root, err := filepath.Abs(params.Root)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve workspace root: %w", err)
	}

	if params.Snowflake == nil {
		params.Snowflake, err = snowflake.NewNode(0)
		if err != nil {
			return nil, xerrors.Errorf("failed to create snowflake node: %w", err)
		}
	}

	return &Manager{
		fs:        params.Fs,
		root:      root,
		snowflake: params.Snowflake,
		logger:    params.Logger.Named("workspace"),
	}, nil
}

// Root returns the absolute root directory of the manager
func (m *Manager) Root() string {
	return m.root
}

// Acquire
//
//	Creates a fresh, empty and uniquely named workspace for the request.
//	The directory is created with Mkdir rather than MkdirAll so that a
//	name collision fails instead of silently sharing a directory.
func (m *Manager) Acquire(requestID string) (*Workspace, error) {
	// ensure the root exists before creating the workspace
	err := m.fs.MkdirAll(m.root, 0o755)
	if err != nil {
		return nil, resourceErr("acquire", err)
	}

	id := fmt.Sprintf("%s%s-%s", dirPrefix, sanitize(requestID), m.snowflake.Generate().Base36())
	path := filepath.Join(m.root, id)

	// the sandbox hands the directory to the program's uid, nobody else gets in
	err = m.fs.Mkdir(path, 0o700)
	if err != nil {
		return nil, resourceErr("acquire", err)
	}

	return &Workspace{ID: id, Path: path, fs: m.fs}, nil
}

// Release
//
//	Recursively deletes the workspace. Releasing a workspace that is
//	already gone, or releasing it twice, is a success.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return nil
	}

	err := m.remove(ws.Path)
	if err != nil {
		// allow a later retry since the directory is still there
		ws.released.Store(false)
		return resourceErr("release", err)
	}

	return nil
}

// remove
//
//	Deletes a workspace tree. Programs may leave directories they stripped
//	of permissions, so on failure owner access is restored on every
//	directory and the removal is retried.
func (m *Manager) remove(path string) error {
	err := m.fs.RemoveAll(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}

	restoreErr := m.restorePermissions(path)
	if restoreErr != nil {
		return xerrors.Errorf("%v: restore permissions: %w", err, restoreErr)
	}

	err = m.fs.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// restorePermissions gives the owner full access to every directory under path without following symlinks
func (m *Manager) restorePermissions(path string) error {
	fi, err := lstat(m.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !fi.IsDir() {
		return nil
	}

	// search and read access come first so the entries can be listed
	err = m.fs.Chmod(path, fi.Mode().Perm()|0o700)
	if err != nil {
		return err
	}

	entries, err := afero.ReadDir(m.fs, path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		err = m.restorePermissions(filepath.Join(path, e.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}

func lstat(fs afero.Fs, path string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return fs.Stat(path)
}

// With
//
//	Runs fn with a freshly acquired workspace and releases it on every
//	exit path, including a panic inside fn. A release failure is returned
//	only when fn itself succeeded.
func (m *Manager) With(ctx context.Context, requestID string, fn func(ws *Workspace) error) (err error) {
	ws, err := m.Acquire(requestID)
	if err != nil {
		return err
	}

	defer func() {
		relErr := m.Release(ws)
		if relErr != nil {
			m.logger.Error(ctx, "failed to release workspace",
				slog.F("workspace", ws.ID),
				slog.Error(xerrors.Unwrap(relErr)),
			)
			if err == nil {
				err = relErr
			}
		}
	}()

	return fn(ws)
}

// Sweep
//
//	Removes workspaces left behind by a previous process that died before
//	it could clean up. It must only be called before the first Acquire.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, resourceErr("sweep", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		err = m.remove(filepath.Join(m.root, e.Name()))
		if err != nil {
			m.logger.Warn(ctx, "failed to remove stale workspace", slog.F("workspace", e.Name()), slog.Error(err))
			continue
		}
		removed++
	}

	return removed, nil
}

// Count returns the number of workspaces currently present under the root
func (m *Manager) Count() int {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		return 0
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), dirPrefix) {
			n++
		}
	}
	return n
}

// sanitize keeps request ids safe for use inside a directory name
func sanitize(id string) string {
	if len(id) == 0 {
		return "anon"
	}
	if len(id) > 32 {
		id = id[:32]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
