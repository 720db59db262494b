package models

import "fmt"

// ExecutionStatus
//
//	Tag of the ExecutionResult variant.
type ExecutionStatus string

const (
	StatusSuccess             ExecutionStatus = "success"
	StatusCompileError        ExecutionStatus = "compile_error"
	StatusRuntimeError        ExecutionStatus = "runtime_error"
	StatusTimeout             ExecutionStatus = "timeout"
	StatusUnsupportedLanguage ExecutionStatus = "unsupported_language"
)

// InternalFaultMessage is the only detail a client ever sees for an infrastructure fault
const InternalFaultMessage = "internal error: the code could not be executed, please try again"

// ExecutionResult
//
//	Terminal outcome of one execution request. Exactly one result is
//	produced per request and it is never mutated after construction.
//	The Status field always carries the variant tag on the wire.
type ExecutionResult struct {
	// Status
	//
	//  The variant tag.
	Status ExecutionStatus `json:"status"`

	// Stdout
	//
	//  Captured standard output of the run phase.
	Stdout string `json:"stdout,omitempty"`

	// Stderr
	//
	//  Captured standard error of the failing phase.
	Stderr string `json:"stderr,omitempty"`

	// ExitCode
	//
	//  Exit code of the run phase. Only meaningful for runtime errors.
	ExitCode int `json:"exit_code"`

	// ExecutionTimeMs
	//
	//  Wall clock duration of the run phase in milliseconds.
	ExecutionTimeMs int64 `json:"execution_time_ms"`

	// Truncated
	//
	//  Set when a captured stream exceeded the output ceiling.
	Truncated bool `json:"truncated,omitempty"`

	// Internal
	//
	//  Set when the failure was caused by the service rather than the program.
	Internal bool `json:"internal,omitempty"`

	// Message
	//
	//  Human readable summary for statuses without program output.
	Message string `json:"message,omitempty"`
}

func Success(stdout, stderr string, elapsedMs int64, truncated bool) ExecutionResult {
	return ExecutionResult{
		Status:          StatusSuccess,
		Stdout:          stdout,
		Stderr:          stderr,
		ExecutionTimeMs: elapsedMs,
		Truncated:       truncated,
	}
}

func CompileError(stderr string, truncated bool) ExecutionResult {
	return ExecutionResult{
		Status:    StatusCompileError,
		Stderr:    stderr,
		Truncated: truncated,
	}
}

func RuntimeError(stdout, stderr string, exitCode int, elapsedMs int64, truncated bool) ExecutionResult {
	return ExecutionResult{
		Status:          StatusRuntimeError,
		Stdout:          stdout,
		Stderr:          stderr,
		ExitCode:        exitCode,
		ExecutionTimeMs: elapsedMs,
		Truncated:       truncated,
	}
}

func Timeout(stdout, stderr string, elapsedMs int64, truncated bool) ExecutionResult {
	return ExecutionResult{
		Status:          StatusTimeout,
		Stdout:          stdout,
		Stderr:          stderr,
		ExecutionTimeMs: elapsedMs,
		Truncated:       truncated,
		Message:         fmt.Sprintf("execution timed out after %dms", elapsedMs),
	}
}

func UnsupportedLanguage(lang string) ExecutionResult {
	return ExecutionResult{
		Status:  StatusUnsupportedLanguage,
		Message: fmt.Sprintf("language %q is not supported", lang),
	}
}

// InternalFault
//
//	Result reported when the service itself failed to run the program.
//	It deliberately carries no host details.
func InternalFault() ExecutionResult {
	return ExecutionResult{
		Status:   StatusRuntimeError,
		ExitCode: -1,
		Internal: true,
		Stderr:   InternalFaultMessage,
		Message:  InternalFaultMessage,
	}
}
