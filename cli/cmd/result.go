package cmd

import (
	"fmt"
	"strings"

	"codesync/models"

	"github.com/pterm/pterm"
)

// printResult renders an execution result the way an editor output pane would
func printResult(res models.ExecutionResult) {
	header := fmt.Sprintf("%s in %dms", res.Status, res.ExecutionTimeMs)
	switch res.Status {
	case models.StatusSuccess:
		pterm.Success.Println(header)
	case models.StatusTimeout:
		pterm.Warning.Println(header)
	default:
		if res.Status == models.StatusRuntimeError {
			header += fmt.Sprintf(" (exit code %d)", res.ExitCode)
		}
		pterm.Error.Println(header)
	}

	if len(res.Stdout) > 0 {
		pterm.DefaultSection.Println("stdout")
		fmt.Print(withNewline(res.Stdout))
	}

	if len(res.Stderr) > 0 {
		pterm.DefaultSection.Println("stderr")
		fmt.Print(withNewline(res.Stderr))
	}

	if len(res.Message) > 0 {
		pterm.Info.Println(res.Message)
	}

	if res.Truncated {
		pterm.Warning.Println("output was truncated")
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
