package sandbox

import (
	"os"
	"strings"
)

// Limits
//
//	Resource ceilings applied to every launched program. Zero disables a limit.
type Limits struct {
	MemoryBytes   uint64
	CPUSeconds    uint64
	FileSizeBytes uint64
	Processes     uint64
}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// minimalEnv
//
//	Builds the environment of a launched program. Nothing is inherited from
//	the service except PATH so secrets in the service environment never reach
//	submitted code.
func minimalEnv(workdir string, extra []string) []string {
	path := os.Getenv("PATH")
	if len(path) == 0 {
		path = defaultPath
	}

	env := []string{
		"PATH=" + path,
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}

	for _, e := range extra {
		if strings.Contains(e, "=") {
			env = append(env, e)
		}
	}
	return env
}
