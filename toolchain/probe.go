package toolchain

import (
	"context"
	"regexp"
	"time"

	"codesync/utils"

	"github.com/hashicorp/go-version"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/xerrors"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// ProbeResult
//
//	Availability of one recipe's toolchain on the host.
type ProbeResult struct {
	Language  string `json:"language"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Satisfied bool   `json:"satisfied"`
	Error     string `json:"error,omitempty"`
}

// Probe
//
//	Runs the recipe's version command and checks the reported version
//	against the recipe's minimum.
func Probe(ctx context.Context, recipe Recipe) ProbeResult {
	res := ProbeResult{
		Language: recipe.Language.String(),
		Name:     recipe.Name,
	}

	if len(recipe.VersionCommand) == 0 {
		res.Error = "recipe has no version command"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := utils.ExecuteCommand(ctx, nil, "", recipe.VersionCommand[0], recipe.VersionCommand[1:]...)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if out.ExitCode != 0 {
		res.Error = xerrors.Errorf("%s exited with %d", out.Command, out.ExitCode).Error()
		return res
	}
	res.Available = true

	v, err := ParseVersion(out.Output())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Version = v.String()

	satisfied, err := satisfies(v, recipe.MinVersion)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Satisfied = satisfied

	return res
}

// ProbeAll probes every recipe concurrently and returns results in recipe order
func ProbeAll(ctx context.Context, recipes []Recipe) []ProbeResult {
	results := make([]ProbeResult, len(recipes))

	p := pool.New().WithMaxGoroutines(4)
	for i := range recipes {
		i := i
		p.Go(func() {
			results[i] = Probe(ctx, recipes[i])
		})
	}
	p.Wait()

	return results
}

// ParseVersion extracts the first dotted version number from toolchain output
func ParseVersion(output string) (*version.Version, error) {
	raw := versionPattern.FindString(output)
	if len(raw) == 0 {
		return nil, xerrors.Errorf("no version found in %q", output)
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse version %q: %w", raw, err)
	}
	return v, nil
}

func satisfies(v *version.Version, minimum string) (bool, error) {
	if len(minimum) == 0 {
		return true, nil
	}
	constraint, err := version.NewConstraint(">= " + minimum)
	if err != nil {
		return false, xerrors.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	return constraint.Check(v), nil
}
