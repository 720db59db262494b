package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// handOver
//
//	Gives uid and gid ownership of the workspace tree and closes the
//	workspace to everyone else. Symlinks are re-owned, never followed.
func handOver(dir string, uid, gid int) error {
	err := filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
	if err != nil {
		return xerrors.Errorf("chown workspace: %w", err)
	}

	err = os.Chmod(dir, 0o700)
	if err != nil {
		return xerrors.Errorf("chmod workspace: %w", err)
	}
	return nil
}

// parseUser reads a numeric uid:gid pair, a missing gid equals the uid
func parseUser(user string) (uid, gid int, ok bool) {
	rawUID, rawGID, found := strings.Cut(user, ":")
	uid, err := strconv.Atoi(rawUID)
	if err != nil || uid < 0 {
		return 0, 0, false
	}
	if !found {
		return uid, uid, true
	}
	gid, err = strconv.Atoi(rawGID)
	if err != nil || gid < 0 {
		return 0, 0, false
	}
	return uid, gid, true
}
