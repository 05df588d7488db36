// Package errlog appends failure records to the local error log file.
package errlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultPath is relative to the working directory of the agent.
const DefaultPath = "error.log"

// File is an append-only text log. Each write opens the file, appends a
// single "<timestamp> <message>" record and closes it again.
type File struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New returns a File writing to path, or DefaultPath when path is empty.
func New(path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{path: path, now: time.Now}
}

// Write appends msg with the current local timestamp.
func (f *File) Write(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path comes from agent config
	if err != nil {
		return fmt.Errorf("open error log: %w", err)
	}
	line := f.now().Format(time.RFC3339Nano) + " " + msg + "\n"
	if _, err := file.WriteString(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("write error log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close error log: %w", err)
	}
	return nil
}
