// Package workdir hands out working directories for checkout-style module
// operations.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manager creates one isolated directory per job under a configured root, so
// jobs never serialize on a shared filesystem path. SharedLock remains for
// the rare operation that must run against a single well-known path.
type Manager struct {
	root string

	// SharedLock is a process-wide exclusive resource: at most one job may
	// work in the shared path at a time.
	SharedLock sync.Mutex
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Acquire creates an isolated directory for the job. The returned cleanup
// removes it; safe to call on every exit path.
func (m *Manager) Acquire(jobID int64) (string, func(), error) {
	dir, err := os.MkdirTemp(m.root, fmt.Sprintf("job-%d-", jobID))
	if err != nil {
		return "", nil, fmt.Errorf("create working directory: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// SharedPath is the single legacy working directory guarded by SharedLock.
func (m *Manager) SharedPath() string {
	return filepath.Join(m.root, "shared")
}
