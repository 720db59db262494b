package workspace

import (
	"golang.org/x/xerrors"
)

// ErrResource marks infrastructure faults such as an unwritable workspace root
var ErrResource = xerrors.New("workspace resource error")

// ResourceError
//
//	Infrastructure fault raised while creating or cleaning a workspace.
//	Error() only names the operation so the message can be logged or
//	matched without exposing host paths to clients; the underlying cause
//	is available through Unwrap for server-side logging.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return "workspace " + e.Op + " failed"
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

func (e *ResourceError) Is(target error) bool {
	return target == ErrResource
}

func resourceErr(op string, err error) error {
	return &ResourceError{Op: op, Err: err}
}
