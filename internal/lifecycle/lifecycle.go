// Package lifecycle starts and stops long-running components in a fixed
// order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Component is a long-running part of the server: the HTTP listener, a
// notifier bridge, and so on.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Registry starts components in registration order and stops them in
// reverse.
type Registry struct {
	mu         sync.Mutex
	components []Component
	names      map[string]struct{}
	started    int
	logger     *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		names:  make(map[string]struct{}),
		logger: logger,
	}
}

// Register appends c. Names must be unique.
func (r *Registry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("component %q already registered", name)
	}
	r.names[name] = struct{}{}
	r.components = append(r.components, c)
	r.logger.Debug("component registered", zap.String("name", name))
	return nil
}

// StartAll starts every component. If one fails, the ones already started
// are stopped again and the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.components[r.started:] {
		r.logger.Info("starting component", zap.String("name", c.Name()))
		if err := c.Start(ctx); err != nil {
			r.started += i
			stopErr := r.stopLocked(ctx)
			return errors.Join(fmt.Errorf("failed to start component %q: %w", c.Name(), err), stopErr)
		}
	}
	r.started = len(r.components)
	return nil
}

// StopAll stops started components in reverse order. Every component is
// asked to stop even if an earlier one fails; the errors are joined.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *Registry) stopLocked(ctx context.Context) error {
	var errs []error
	for i := r.started - 1; i >= 0; i-- {
		c := r.components[i]
		r.logger.Info("stopping component", zap.String("name", c.Name()))
		if err := c.Stop(ctx); err != nil {
			r.logger.Error("failed to stop component", zap.String("name", c.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("stop %q: %w", c.Name(), err))
		}
	}
	r.started = 0
	return errors.Join(errs...)
}

// Names returns component names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.components))
	for i, c := range r.components {
		out[i] = c.Name()
	}
	return out
}
