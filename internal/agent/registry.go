package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps agent names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	def       string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{executors: map[string]Executor{}, def: normalizeName(defaultName)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, exec Executor) error {
	n := normalizeName(name)
	if n == "" {
		return fmt.Errorf("agent name is required")
	}
	if exec == nil {
		return fmt.Errorf("agent %s: executor is nil", n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[n]; ok {
		return fmt.Errorf("agent %s already registered", n)
	}
	r.executors[n] = exec
	return nil
}

// Resolve returns the canonical agent name and its executor. An empty name resolves to the
// default agent.
func (r *Registry) Resolve(name string) (string, Executor, bool) {
	n := normalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n == "" {
		n = r.def
	}
	exec, ok := r.executors[n]
	return n, exec, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}
