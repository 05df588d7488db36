package venv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCommand lists installed packages in requirements format.
var DefaultCommand = []string{"pip", "freeze"}

// Lister returns the package listing for a named environment.
type Lister interface {
	List(ctx context.Context, name string) (string, error)
}

// PipLister runs a package-listing command inside environments found under
// Root.
type PipLister struct {
	Root    string
	Command []string
	Timeout time.Duration
}

// NewPipLister returns a PipLister, falling back to DefaultCommand when
// command is empty.
func NewPipLister(root string, command []string, timeout time.Duration) *PipLister {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &PipLister{
		Root:    root,
		Command: append([]string{}, command...),
		Timeout: timeout,
	}
}

// List runs the command with the environment's bin directory first on PATH
// and returns its standard output verbatim.
func (l *PipLister) List(ctx context.Context, name string) (string, error) {
	env, err := Resolve(l.Root, name)
	if err != nil {
		return "", err
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	environ := env.Environ(os.Environ())
	exe, err := findExecutable(l.Command[0], env.BinDir, environ)
	if err != nil {
		return "", &SubprocessError{Environment: name, Command: l.Command, ExitCode: -1, Err: err}
	}

	cmd := exec.CommandContext(ctx, exe, l.Command[1:]...)
	cmd.Env = environ
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		subErr := &SubprocessError{
			Environment: name,
			Command:     l.Command,
			ExitCode:    -1,
			Stderr:      strings.TrimSpace(stderr.String()),
			Err:         err,
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			subErr.Err = fmt.Errorf("%w: %v", ctxErr, err)
			return "", subErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			subErr.ExitCode = exitErr.ExitCode()
		}
		return "", subErr
	}
	return stdout.String(), nil
}

// findExecutable prefers the copy inside binDir and otherwise searches the
// PATH entry of environ.
func findExecutable(name, binDir string, environ []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	if candidate := filepath.Join(binDir, name); isExecutable(candidate) {
		return candidate, nil
	}
	for _, kv := range environ {
		value, ok := strings.CutPrefix(kv, "PATH=")
		if !ok {
			continue
		}
		for _, dir := range filepath.SplitList(value) {
			if dir == "" {
				continue
			}
			if candidate := filepath.Join(dir, name); isExecutable(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
