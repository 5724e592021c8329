package workflow

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
)

// Status is derived from a workflow's entries; it is never stored as truth.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Edge is a dependency declared during configuration.
type Edge struct {
	From string
	To   string
}

// Workflow is a DAG of nodes and nested workflows. Inside a parent graph a
// nested workflow behaves as a node: Incoming and Outgoing hold its edges
// there and are empty for a top-level workflow.
type Workflow struct {
	ID           string
	Class        string
	Arguments    []any
	ParentID     string
	CallbackMode CallbackMode
	Nodes        []Vertex
	Incoming     []string
	Outgoing     []string

	// Stopped is advisory. No transition consults it.
	Stopped    bool
	Persisted  bool
	StartedAt  int64
	FinishedAt int64

	engine       *Engine
	dependencies []Edge
	configured   bool

	// inherited holds the enclosing sub-workflow's payloads when this
	// workflow is one of its roots.
	inherited []Payload
}

var _ Vertex = (*Workflow)(nil)

// =============================================================================
// Configuration
// =============================================================================

// RunOption configures an entry added by Run.
type RunOption func(*runOptions)

type runOptions struct {
	after  []string
	before []string
	params map[string]any
	queue  string
	args   []any
}

// After declares that the new entry depends on refs.
func After(refs ...string) RunOption {
	return func(o *runOptions) { o.after = append(o.after, refs...) }
}

// Before declares that refs depend on the new entry.
func Before(refs ...string) RunOption {
	return func(o *runOptions) { o.before = append(o.before, refs...) }
}

// WithParams sets the node's opaque parameters.
func WithParams(params map[string]any) RunOption {
	return func(o *runOptions) { o.params = params }
}

// OnQueue routes the node to a named queue instead of the namespace queue.
func OnQueue(queue string) RunOption {
	return func(o *runOptions) { o.queue = queue }
}

// WithArguments passes construction arguments to a nested workflow.
func WithArguments(args ...any) RunOption {
	return func(o *runOptions) { o.args = args }
}

// Run adds a node, or a nested workflow when class is a registered workflow
// variant, and records its dependency declarations. It returns the entry's
// name so later Run calls can reference it.
func (w *Workflow) Run(ctx context.Context, class string, opts ...RunOption) (string, error) {
	if err := w.bound(); err != nil {
		return "", err
	}

	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var entry Vertex
	if w.engine.registry.IsWorkflow(class) {
		child, err := w.engine.newWorkflow(ctx, class, w.ID, w.CallbackMode, o.args)
		if err != nil {
			return "", err
		}
		if err := child.Persist(ctx); err != nil {
			return "", err
		}
		entry = child
	} else {
		if err := w.engine.registry.checkJob(class); err != nil {
			return "", err
		}
		id, err := w.engine.store.BuildNodeID(ctx, w.ID, class)
		if err != nil {
			return "", err
		}
		params := o.params
		if params == nil {
			params = map[string]any{}
		}
		entry = &Node{
			WorkflowID:   w.ID,
			ID:           id,
			Class:        class,
			Queue:        o.queue,
			Params:       params,
			Incoming:     []string{},
			Outgoing:     []string{},
			CallbackMode: w.CallbackMode,
			engine:       w.engine,
		}
	}

	w.Nodes = append(w.Nodes, entry)

	name := entry.Name()
	for _, dep := range o.after {
		w.dependencies = append(w.dependencies, Edge{From: dep, To: name})
	}
	for _, dep := range o.before {
		w.dependencies = append(w.dependencies, Edge{From: name, To: dep})
	}
	return name, nil
}

// Setup runs the variant's configuration step once and resolves the
// recorded dependencies into incoming/outgoing edges.
func (w *Workflow) Setup(ctx context.Context) error {
	if err := w.bound(); err != nil {
		return err
	}
	if w.configured {
		return types.Errorf(types.ErrAlreadySetup, "workflow %s is already set up", w.Name())
	}
	w.configured = true

	variant, err := w.engine.registry.workflowVariant(w.Class)
	if err != nil {
		return err
	}
	if variant.configure != nil {
		if err := variant.configure(ctx, w, w.Arguments...); err != nil {
			return err
		}
	}
	return w.resolveDependencies()
}

func (w *Workflow) resolveDependencies() error {
	for _, dep := range w.dependencies {
		from := w.FindNode(dep.From)
		if from == nil {
			return types.Errorf(types.ErrInvalidDependency, "unknown dependency %q of %q", dep.From, dep.To).
				WithOp("Setup")
		}
		to := w.FindNode(dep.To)
		if to == nil {
			return types.Errorf(types.ErrInvalidDependency, "unknown dependent %q of %q", dep.To, dep.From).
				WithOp("Setup")
		}
		to.addIncoming(from.Name())
		from.addOutgoing(to.Name())
	}
	w.dependencies = nil
	return nil
}

// Dependencies returns the declarations not yet resolved by Setup.
func (w *Workflow) Dependencies() []Edge {
	return w.dependencies
}

// FindNode looks up an owned entry by exact name or by bare class.
func (w *Workflow) FindNode(ref string) Vertex {
	for _, entry := range w.Nodes {
		if matchesRef(entry, ref) {
			return entry
		}
	}
	return nil
}

// =============================================================================
// Persistence and start
// =============================================================================

// Persist writes the workflow record, then every owned entry.
func (w *Workflow) Persist(ctx context.Context) error {
	if err := w.bound(); err != nil {
		return err
	}
	if w.FinishedAt == 0 && w.Started() && len(w.Nodes) > 0 && w.Finished() {
		w.FinishedAt = nowUnix()
	}
	if err := w.engine.store.PersistWorkflow(ctx, w); err != nil {
		return err
	}
	for _, entry := range w.Nodes {
		if err := entry.Persist(ctx); err != nil {
			return err
		}
	}
	w.Persisted = true
	return nil
}

// Start clears the stopped flag, persists, and dispatches every root entry.
// Roots of a sub-workflow first receive the sub-workflow's payloads; a root
// that is itself a workflow hands them on to its own roots.
func (w *Workflow) Start(ctx context.Context) error {
	if err := w.bound(); err != nil {
		return err
	}

	w.Stopped = false
	if w.StartedAt == 0 {
		w.StartedAt = nowUnix()
	}
	if err := w.Persist(ctx); err != nil {
		return err
	}

	payloads := w.inherited
	if payloads == nil && w.ParentID != "" {
		var err error
		if payloads, err = w.Payloads(ctx); err != nil {
			return err
		}
	}

	w.engine.metrics.RecordWorkflowStart(w.Class, w.ParentID != "")
	w.engine.logger.Info("workflow started",
		zap.String("workflow_id", w.ID),
		zap.String("class", w.Class),
		zap.String("parent_id", w.ParentID),
	)

	for _, entry := range w.Nodes {
		if !entry.NoDependencies() {
			continue
		}
		switch root := entry.(type) {
		case *Node:
			if payloads != nil {
				root.SetPayloads(payloads)
			}
			if err := root.StartInitial(ctx); err != nil {
				return err
			}
		case *Workflow:
			if payloads != nil {
				root.inherited = payloads
			}
			if err := root.Start(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop sets the advisory stopped flag and persists the workflow record.
func (w *Workflow) Stop(ctx context.Context) error {
	if err := w.bound(); err != nil {
		return err
	}
	w.Stopped = true
	return w.engine.store.PersistWorkflow(ctx, w)
}

// Reload refreshes entries and the stopped flag from the store.
func (w *Workflow) Reload(ctx context.Context) error {
	if err := w.bound(); err != nil {
		return err
	}
	fresh, err := w.engine.store.FindWorkflow(ctx, w.ID)
	if err != nil {
		return err
	}
	w.Stopped = fresh.Stopped
	w.StartedAt = fresh.StartedAt
	w.FinishedAt = fresh.FinishedAt
	w.Nodes = fresh.Nodes
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Name returns "Class|id".
func (w *Workflow) Name() string { return FormatName(w.Class, w.ID) }

// ClassName returns the workflow's class identity.
func (w *Workflow) ClassName() string { return w.Class }

// Predecessors returns the incoming names in the parent graph.
func (w *Workflow) Predecessors() []string { return w.Incoming }

// Successors returns the outgoing names in the parent graph.
func (w *Workflow) Successors() []string { return w.Outgoing }

func (w *Workflow) addIncoming(name string) { w.Incoming = appendUnique(w.Incoming, name) }
func (w *Workflow) addOutgoing(name string) { w.Outgoing = appendUnique(w.Outgoing, name) }

func (w *Workflow) Started() bool { return w.StartedAt != 0 }
func (w *Workflow) Running() bool { return w.Started() && !w.Finished() }
func (w *Workflow) Succeeded() bool { return w.Finished() && !w.Failed() }
func (w *Workflow) NoDependencies() bool { return len(w.Incoming) == 0 }

// Finished reports whether every entry finished.
func (w *Workflow) Finished() bool {
	for _, entry := range w.Nodes {
		if !entry.Finished() {
			return false
		}
	}
	return true
}

// Failed reports whether any entry failed.
func (w *Workflow) Failed() bool {
	for _, entry := range w.Nodes {
		if entry.Failed() {
			return true
		}
	}
	return false
}

// Status derives the workflow status from its entries.
func (w *Workflow) Status() Status {
	switch {
	case w.Failed():
		return StatusFailed
	case w.Running():
		return StatusRunning
	case w.Finished():
		return StatusFinished
	case w.Stopped:
		return StatusStopped
	default:
		return StatusRunning
	}
}

// ReadyToStart reports whether a nested workflow may be started: it has not
// been started and every predecessor in the parent graph succeeded.
func (w *Workflow) ReadyToStart(ctx context.Context) (bool, error) {
	if w.Started() {
		return false, nil
	}
	if err := w.bound(); err != nil {
		return false, err
	}
	return w.engine.parentsSucceeded(ctx, w.Incoming, w.ParentID)
}

// =============================================================================
// Outputs
// =============================================================================

// LeafNodes returns the entries without outgoing edges.
func (w *Workflow) LeafNodes() []Vertex {
	var leaves []Vertex
	for _, entry := range w.Nodes {
		if len(entry.Successors()) == 0 {
			leaves = append(leaves, entry)
		}
	}
	return leaves
}

// OutputPayload returns the non-empty outputs of the leaf entries in leaf
// order. This is the workflow's result as seen by a parent graph.
func (w *Workflow) OutputPayload() []json.RawMessage {
	var outputs []json.RawMessage
	for _, leaf := range w.LeafNodes() {
		if out := leaf.ResultPayload(); len(out) > 0 {
			outputs = append(outputs, out)
		}
	}
	return outputs
}

// ResultPayload encodes OutputPayload as a JSON array, or nil when empty.
func (w *Workflow) ResultPayload() json.RawMessage {
	outputs := w.OutputPayload()
	if len(outputs) == 0 {
		return nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return data
}

// Payloads collects the outputs of the sub-workflow's predecessors in the
// parent graph. It returns nil for a top-level workflow or when no
// predecessor produced output.
func (w *Workflow) Payloads(ctx context.Context) ([]Payload, error) {
	if w.ParentID == "" || len(w.Incoming) == 0 {
		return nil, nil
	}
	if err := w.bound(); err != nil {
		return nil, err
	}
	return w.engine.collectPayloads(ctx, w.Incoming, w.ParentID)
}

func (w *Workflow) bound() error {
	if w.engine == nil {
		return types.Errorf(types.ErrStore, "workflow %s is not bound to an engine", w.Name())
	}
	return nil
}
