// Package task holds the explicit task registry. Registration happens
// once during process bootstrap; there is no process-wide singleton.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relayq/internal/domain"
	"relayq/internal/retry"
)

var ErrNotFound = errors.New("task not registered")

// Invocation is what a handler receives: the deserialized arguments plus
// enough envelope context to act on.
type Invocation struct {
	TaskID     string
	Args       []any
	Kwargs     map[string]any
	Headers    map[string]string
	RetryCount int
}

// Handler executes one task. The context carries the soft time limit as
// a deadline; honoring it is cooperative. Returned values must be
// JSON-serializable.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Defaults apply to every invocation of a task unless overridden by
// call options.
type Defaults struct {
	Queue     string
	Policy    retry.Policy
	SoftLimit time.Duration
	HardLimit time.Duration
}

// Definition is an immutable registered task. Identity is the name.
type Definition struct {
	Name     string
	Handler  Handler
	Defaults Defaults
}

// Sig builds a signature bound to this task.
func (d *Definition) Sig(args ...any) domain.Signature {
	sig := domain.NewSignature(d.Name, args...)
	sig.Options.Queue = d.Defaults.Queue
	return sig
}

type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func (r *Registry) Register(name string, h Handler, d Defaults) (*Definition, error) {
	if name == "" {
		return nil, errors.New("task name must not be empty")
	}
	if h == nil {
		return nil, fmt.Errorf("task %q: nil handler", name)
	}
	if d.Policy.BaseDelay == 0 && d.Policy.MaxRetries == 0 {
		d.Policy = retry.DefaultPolicy()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return nil, fmt.Errorf("task %q already registered", name)
	}
	def := &Definition{Name: name, Handler: h, Defaults: d}
	r.defs[name] = def
	return def, nil
}

// MustRegister is the bootstrap form; registration failures are
// programming errors.
func (r *Registry) MustRegister(name string, h Handler, d Defaults) *Definition {
	def, err := r.Register(name, h, d)
	if err != nil {
		panic(err)
	}
	return def
}

func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// HasHardLimits reports whether any registered task configures a hard
// time limit. The pool uses it to force prefetch down to 1.
func (r *Registry) HasHardLimits() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs {
		if def.Defaults.HardLimit > 0 {
			return true
		}
	}
	return false
}
