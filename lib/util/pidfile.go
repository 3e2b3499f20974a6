package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PidFile records the pid of the running proxy so init scripts can signal it.
type PidFile struct {
	path string
}

// NewPidFile creates a handle for the pid file at path (nothing is written yet)
func NewPidFile(path string) *PidFile {
	return &PidFile{path: path}
}

// Write stores the current pid, creating parent directories as needed
func (p *PidFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read returns the pid stored in the file
func (p *PidFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in pidfile: %w", err)
	}
	return pid, nil
}

// Remove deletes the file, a missing file is not an error
func (p *PidFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the file location
func (p *PidFile) Path() string {
	return p.path
}
