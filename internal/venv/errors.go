package venv

import (
	"fmt"
	"strings"
)

// EnvironmentNotFoundError reports a configured environment whose directory
// or activation artifact is missing.
type EnvironmentNotFoundError struct {
	Name string
	Path string
	Err  error
}

func (e *EnvironmentNotFoundError) Error() string {
	return fmt.Sprintf("environment %q not found at %s: %v", e.Name, e.Path, e.Err)
}

func (e *EnvironmentNotFoundError) Unwrap() error {
	return e.Err
}

// SubprocessError reports a listing command that could not be started,
// exited non-zero, or ran past its deadline.
type SubprocessError struct {
	Environment string
	Command     []string
	ExitCode    int
	Stderr      string
	Err         error
}

func (e *SubprocessError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.ExitCode > 0 {
		return fmt.Sprintf("environment %q: %s exited with code %d", e.Environment, cmd, e.ExitCode)
	}
	return fmt.Sprintf("environment %q: %s: %v", e.Environment, cmd, e.Err)
}

func (e *SubprocessError) Unwrap() error {
	return e.Err
}
