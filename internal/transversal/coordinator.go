// Package transversal serializes read-modify-write access to each module's
// shared aggregated status.
package transversal

import (
	"context"
	"encoding/json"
	"sync"

	"modqueue/internal/store"
)

// Coordinator guards every module's transversal status blob with two locks:
// a process-local mutex keyed by module name, and the store's row-level lock
// on the module_status row. The in-process mutex is needed because several
// lanes of the same process can run jobs for one module concurrently; the
// row lock is needed because other processes can too.
type Coordinator struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(st store.Store) *Coordinator {
	return &Coordinator{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

// WithModuleLock runs fn with the module's current status blob under both
// locks. A non-nil return value is written back before the locks release;
// nil leaves the stored blob untouched.
func (c *Coordinator) WithModuleLock(ctx context.Context, module string, fn func(old json.RawMessage) (json.RawMessage, error)) error {
	lock := c.moduleLock(module)
	lock.Lock()
	defer lock.Unlock()

	return c.store.UpdateModuleStatus(ctx, module, fn)
}

func (c *Coordinator) moduleLock(module string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[module]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[module] = lock
	}
	return lock
}
