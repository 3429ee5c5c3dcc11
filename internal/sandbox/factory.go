// Package sandbox implements SandboxFactory: construct and dispose
// agentiface.Sandbox instances keyed by a kind string. Grounded on the
// teacher's runner.providerMap pattern (internal/agent/runner/runner.go) —
// a string-keyed registry of pluggable backends set up once at wiring time
// and looked up by id thereafter, generalized from "LLM provider" to
// "sandbox kind".
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxworks/taskrunner/internal/agentiface"
)

// Builder constructs a new sandbox for the given task id.
type Builder func(taskID string) (agentiface.Sandbox, error)

// Factory is a kind-keyed sandbox registry.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// New returns an empty Factory.
func New() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// Register installs a Builder under kind, replacing any existing one.
func (f *Factory) Register(kind string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
}

// Create builds a sandbox of the given kind. Returns an error if kind was
// never registered.
func (f *Factory) Create(ctx context.Context, kind, taskID string) (agentiface.Sandbox, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown kind %q", kind)
	}
	return b(taskID)
}

// Kinds returns the registered kind names, for diagnostics.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.builders))
	for k := range f.builders {
		out = append(out, k)
	}
	return out
}
