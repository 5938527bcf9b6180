package module

import "sort"

// Registry is the immutable name -> module table. It is built once at
// startup and passed by reference into the dispatcher and the execution
// engine; there is no ambient global lookup.
type Registry struct {
	modules map[string]Module
}

// NewRegistry builds a registry from the given modules. Later entries with
// the same name win, which tests use to substitute fakes.
func NewRegistry(mods ...Module) *Registry {
	m := make(map[string]Module, len(mods))
	for _, mod := range mods {
		m[mod.Name()] = mod
	}
	return &Registry{modules: m}
}

// Get returns the module registered under name, or false.
func (r *Registry) Get(name string) (Module, bool) {
	mod, ok := r.modules[name]
	return mod, ok
}

// Names returns the registered module names, sorted for deterministic
// fan-out order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
