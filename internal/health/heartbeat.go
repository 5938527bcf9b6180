// Package health implements the liveness heartbeat file the companion
// health-check entry point inspects.
package health

import (
	"fmt"
	"os"
	"time"
)

// Heartbeat touches a file so an external probe can tell the worker loops
// are still making progress.
type Heartbeat struct {
	path string
}

func New(path string) *Heartbeat {
	return &Heartbeat{path: path}
}

// Touch updates the heartbeat file's modification time, creating it first
// if needed.
func (h *Heartbeat) Touch() error {
	if h == nil || h.path == "" {
		return nil
	}
	now := time.Now()
	if err := os.Chtimes(h.path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create heartbeat file: %w", err)
	}
	return f.Close()
}

// Check returns an error when the heartbeat file is missing or older than
// maxAge.
func (h *Heartbeat) Check(maxAge time.Duration) error {
	info, err := os.Stat(h.path)
	if err != nil {
		return fmt.Errorf("stat heartbeat file: %w", err)
	}
	if age := time.Since(info.ModTime()); age > maxAge {
		return fmt.Errorf("heartbeat is %s old, threshold %s", age.Round(time.Second), maxAge)
	}
	return nil
}
