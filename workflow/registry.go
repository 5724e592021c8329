package workflow

import (
	"context"
	"strings"
	"sync"

	"github.com/BaSui01/dagflow/types"
)

// Job is the business logic executed for a node once it is dispatched.
type Job interface {
	Perform(ctx context.Context, node *Node) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, node *Node) error

// Perform calls f(ctx, node).
func (f JobFunc) Perform(ctx context.Context, node *Node) error {
	return f(ctx, node)
}

// Configurator is the configuration step of a workflow variant. It issues
// Run calls against w; args are the workflow's construction arguments.
type Configurator func(ctx context.Context, w *Workflow, args ...any) error

// WorkflowOption customizes a registered workflow variant.
type WorkflowOption func(*workflowVariant)

// WithCallbackMode selects how the variant continues finished nodes.
func WithCallbackMode(mode CallbackMode) WorkflowOption {
	return func(s *workflowVariant) {
		s.mode = mode
	}
}

type workflowVariant struct {
	configure Configurator
	mode      CallbackMode
}

// Registry maps class identities to job factories and workflow configurators.
// It is populated at process start and consulted whenever an entity is
// reconstructed from the store.
type Registry struct {
	mu           sync.RWMutex
	jobs         map[string]func() Job
	workflows    map[string]workflowVariant
	allowUnknown bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:      make(map[string]func() Job),
		workflows: make(map[string]workflowVariant),
	}
}

// AllowUnknown makes reconstruction accept unregistered workflow classes.
// Inspection tools use it to load records written by other processes.
func (r *Registry) AllowUnknown() *Registry {
	r.mu.Lock()
	r.allowUnknown = true
	r.mu.Unlock()
	return r
}

// RegisterJob binds a class identity to a job factory.
func (r *Registry) RegisterJob(class string, factory func() Job) error {
	if !validClass(class) {
		return types.Errorf(types.ErrInvalidClass, "invalid class identity %q", class)
	}
	if factory == nil {
		return types.Errorf(types.ErrInvalidClass, "nil job factory for %q", class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[class]; ok {
		return types.Errorf(types.ErrInvalidClass, "%q is already registered as a workflow", class)
	}
	r.jobs[class] = factory
	return nil
}

// RegisterJobFunc binds a class identity to a stateless job function.
func (r *Registry) RegisterJobFunc(class string, fn JobFunc) error {
	if fn == nil {
		return types.Errorf(types.ErrInvalidClass, "nil job function for %q", class)
	}
	return r.RegisterJob(class, func() Job { return fn })
}

// RegisterWorkflow binds a class identity to a workflow configurator.
func (r *Registry) RegisterWorkflow(class string, configure Configurator, opts ...WorkflowOption) error {
	if !validClass(class) {
		return types.Errorf(types.ErrInvalidClass, "invalid class identity %q", class)
	}

	variant := workflowVariant{configure: configure, mode: CallbackBatched}
	for _, opt := range opts {
		opt(&variant)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[class]; ok {
		return types.Errorf(types.ErrInvalidClass, "%q is already registered as a job", class)
	}
	r.workflows[class] = variant
	return nil
}

// NewJob instantiates the job registered for class.
func (r *Registry) NewJob(class string) (Job, error) {
	r.mu.RLock()
	factory, ok := r.jobs[class]
	r.mu.RUnlock()

	if !ok {
		return nil, types.Errorf(types.ErrUnknownClass, "no job registered for class %q", class)
	}
	return factory(), nil
}

// IsJob reports whether class is registered as a job.
func (r *Registry) IsJob(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[class]
	return ok
}

// IsWorkflow reports whether class is registered as a workflow variant.
func (r *Registry) IsWorkflow(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[class]
	return ok
}

// IsWorkflowReference reports whether ref addresses a workflow rather than
// a node. Unregistered classes fall back to the naming convention: a class
// containing "workflow" (case-insensitive) is a workflow reference.
func (r *Registry) IsWorkflowReference(ref string) bool {
	class, _ := ParseName(ref)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.workflows[class]; ok {
		return true
	}
	if _, ok := r.jobs[class]; ok {
		return false
	}
	return strings.Contains(strings.ToLower(class), "workflow")
}

func (r *Registry) workflowVariant(class string) (workflowVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if variant, ok := r.workflows[class]; ok {
		return variant, nil
	}
	if r.allowUnknown {
		return workflowVariant{mode: CallbackBatched}, nil
	}
	return workflowVariant{}, types.Errorf(types.ErrUnknownClass, "no workflow registered for class %q", class)
}

func (r *Registry) checkJob(class string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.jobs[class]; ok || r.allowUnknown {
		return nil
	}
	return types.Errorf(types.ErrUnknownClass, "no job registered for class %q", class)
}
