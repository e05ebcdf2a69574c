package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrHandlerNotFound = errors.New("no handler registered for job type")
	ErrHandlerExists   = errors.New("handler already registered for job type")
)

type Handler interface {
	Handle(ctx context.Context, payload Payload) error
}

type HandlerFunc func(context.Context, Payload) error

func (f HandlerFunc) Handle(ctx context.Context, p Payload) error {
	return f(ctx, p)
}

// HandlerFactory builds a handler for a single job execution. A handler that
// also implements io.Closer is closed once that execution is finished.
type HandlerFactory func() Handler

type Registry struct {
	mu        sync.RWMutex
	factories map[JobType]HandlerFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[JobType]HandlerFactory),
	}
}

// RegisterFactory binds a job type to a factory that is invoked once per job.
func (r *Registry) RegisterFactory(jobType JobType, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("nil handler factory for %s", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
	}

	r.factories[jobType] = factory
	return nil
}

// Register binds a job type to a handler shared by every execution.
func (r *Registry) Register(jobType JobType, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s", jobType)
	}
	return r.RegisterFactory(jobType, func() Handler { return handler })
}

func (r *Registry) RegisterFunc(jobType JobType, fn func(context.Context, Payload) error) error {
	return r.Register(jobType, HandlerFunc(fn))
}

func (r *Registry) MustRegister(jobType JobType, handler Handler) {
	if err := r.Register(jobType, handler); err != nil {
		panic(err)
	}
}

// Has reports whether a handler is registered for jobType.
func (r *Registry) Has(jobType JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[jobType]
	return exists
}

// Resolve returns a handler for jobType, built fresh from its factory.
func (r *Registry) Resolve(jobType JobType) (Handler, error) {
	r.mu.RLock()
	factory, exists := r.factories[jobType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, jobType)
	}

	handler := factory()
	if handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, jobType)
	}
	return handler, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
