// Package venv resolves Python virtual environments and lists their
// installed packages.
package venv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ActivationArtifact is the file whose presence marks a directory as a
// usable virtual environment.
const ActivationArtifact = "bin/activate"

// Environment is a resolved virtual environment on disk.
type Environment struct {
	Name   string
	Path   string
	BinDir string
}

// Resolve locates the environment called name under root.
func Resolve(root, name string) (Environment, error) {
	expanded, err := ExpandHome(root)
	if err != nil {
		return Environment{}, &EnvironmentNotFoundError{Name: name, Path: root, Err: err}
	}
	path := filepath.Join(expanded, name)
	info, err := os.Stat(path)
	if err != nil {
		return Environment{}, &EnvironmentNotFoundError{Name: name, Path: path, Err: err}
	}
	if !info.IsDir() {
		return Environment{}, &EnvironmentNotFoundError{Name: name, Path: path, Err: fmt.Errorf("not a directory")}
	}
	artifact := filepath.Join(path, filepath.FromSlash(ActivationArtifact))
	if _, err := os.Stat(artifact); err != nil {
		return Environment{}, &EnvironmentNotFoundError{Name: name, Path: artifact, Err: err}
	}
	return Environment{
		Name:   name,
		Path:   path,
		BinDir: filepath.Join(path, "bin"),
	}, nil
}

// Environ returns base with PATH and VIRTUAL_ENV pointing at the
// environment. PYTHONHOME is dropped so the environment's interpreter
// resolves its own prefix.
func (e Environment) Environ(base []string) []string {
	out := make([]string, 0, len(base)+3)
	oldPath := ""
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "PATH":
			oldPath = value
			continue
		case "VIRTUAL_ENV", "PYTHONHOME":
			continue
		}
		out = append(out, kv)
	}
	path := e.BinDir
	if oldPath != "" {
		path += string(os.PathListSeparator) + oldPath
	}
	out = append(out,
		"PATH="+path,
		"VIRTUAL_ENV="+e.Path,
		"PIP_DISABLE_PIP_VERSION_CHECK=1",
	)
	return out
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
