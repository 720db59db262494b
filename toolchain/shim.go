package toolchain

import (
	_ "embed"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"
)

const (
	// ShimInputsFile is the workspace file the input shims read their values from
	ShimInputsFile = ".inputs.json"
	// ShimPreludeFile is the workspace file holding the shim loaded before the program
	ShimPreludeFile = ".prelude.js"
)

//go:embed shims/prelude.js
var jsPrelude string

// ShimFiles
//
//	Describes the files that deliver inputs to a program.
type ShimFiles struct {
	// Source is the program source to write, always byte for byte what was submitted
	Source string
	// Prelude is the content of ShimPreludeFile, nil when not needed
	Prelude []byte
	// Inputs is the content of ShimInputsFile, empty when not needed
	Inputs []byte
	// Stdin is the content of the companion stdin file, nil when unused
	Stdin []byte
}

// PrepareInputs
//
//	Decides how the ordered input values reach the program. Languages with
//	native stdin get a newline-joined companion file; shimmed languages get
//	a prelude, loaded by the runtime ahead of the program, that replays the
//	values in order and yields an empty string once they run out.
func (r Recipe) PrepareInputs(source string, values []string) (ShimFiles, error) {
	if r.SupportsStdin {
		files := ShimFiles{Source: source}
		if len(values) > 0 {
			files.Stdin = []byte(strings.Join(values, "\n") + "\n")
		}
		return files, nil
	}

	switch r.Shim {
	case ShimJavaScript:
		if values == nil {
			values = []string{}
		}
		buf, err := json.Marshal(values)
		if err != nil {
			return ShimFiles{}, xerrors.Errorf("failed to encode shim inputs: %w", err)
		}
		return ShimFiles{
			Source:  source,
			Prelude: []byte(jsPrelude),
			Inputs:  buf,
		}, nil
	default:
		return ShimFiles{}, xerrors.Errorf("recipe for %s has no way to deliver inputs", r.Language)
	}
}
