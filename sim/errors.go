package sim

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted = errors.New("simulator not started")
	ErrStopped    = errors.New("simulator stopped before it was started")
)

// StartupError means the subprocess's output ended before it printed READY.
type StartupError struct {
	// Output holds the lines the subprocess printed before it went away.
	Output []string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("simulator exited before READY (%d lines of output): %s", len(e.Output), e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
