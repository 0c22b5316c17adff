package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the command surface. Handlers map these to HTTP
// status codes; everything else is treated as an internal process error.
var (
	ErrNotFound         = errors.New("session not found")
	ErrOffline          = errors.New("session is offline")
	ErrNotOffline       = errors.New("session is not offline")
	ErrAlreadyExists    = errors.New("session already exists")
	ErrNameInvalid      = errors.New("invalid session name")
	ErrDirectoryInvalid = errors.New("invalid working directory")
	ErrTimeout          = errors.New("operation timed out")
)

// ProcessError wraps a failed external process invocation. Validation and
// not-found errors are detected before any process interaction; a
// ProcessError means tmux itself was reached and failed.
type ProcessError struct {
	Op     string
	Target string
	Output string
	Err    error
}

func (e *ProcessError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("tmux %s %s: %v: %s", e.Op, e.Target, e.Err, e.Output)
	}
	return fmt.Sprintf("tmux %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
