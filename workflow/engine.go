package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/telemetry"
	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every key when no namespace is configured.
const DefaultNamespace = "dwf"

// NodeState names a recorded lifecycle transition.
type NodeState string

const (
	StateEnqueued NodeState = "enqueued"
	StateStarted  NodeState = "started"
	StateFinished NodeState = "finished"
	StateFailed   NodeState = "failed"
)

// Transition is one node lifecycle change, reported to a TransitionRecorder.
type Transition struct {
	WorkflowID string
	NodeName   string
	Class      string
	Queue      string
	State      NodeState
	Error      string
	At         time.Time
}

// TransitionRecorder receives node transitions for auditing. Recording
// errors are logged and never fail the transition.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}

// Engine wires the store, join engine, registry and dispatcher together.
// Every node and workflow it creates or loads is bound to it.
type Engine struct {
	namespace  string
	store      *Store
	join       *JoinEngine
	registry   *Registry
	dispatcher Dispatcher
	recorder   TransitionRecorder
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	namespace  string
	dispatcher Dispatcher
	recorder   TransitionRecorder
	metrics    *metrics.Collector
	logger     *zap.Logger
	lock       LockOptions
}

// WithNamespace sets the key prefix.
func WithNamespace(namespace string) Option {
	return func(o *engineOptions) { o.namespace = namespace }
}

// WithDispatcher replaces the default RedisDispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(o *engineOptions) { o.dispatcher = d }
}

// WithRecorder attaches a transition recorder.
func WithRecorder(r TransitionRecorder) Option {
	return func(o *engineOptions) { o.recorder = r }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithLockOptions sets successor lock lease and backoff.
func WithLockOptions(lock LockOptions) Option {
	return func(o *engineOptions) { o.lock = lock }
}

// NewEngine creates an engine over kv using registry for class lookups.
func NewEngine(kv *kvstore.Client, registry *Registry, opts ...Option) *Engine {
	o := engineOptions{
		namespace: DefaultNamespace,
		lock:      DefaultLockOptions(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.dispatcher == nil {
		o.dispatcher = NewRedisDispatcher(kv, o.namespace, o.metrics, o.logger)
	}

	e := &Engine{
		namespace:  o.namespace,
		registry:   registry,
		dispatcher: o.dispatcher,
		recorder:   o.recorder,
		metrics:    o.metrics,
		logger:     o.logger.With(zap.String("component", "engine")),
	}
	e.store = newStore(kv, o.namespace, registry, o.lock, o.metrics, o.logger)
	e.store.engine = e
	e.join = newJoinEngine(e, NewBatchStore(kv, o.namespace), o.logger)
	return e
}

// Namespace returns the key prefix.
func (e *Engine) Namespace() string { return e.namespace }

// Store returns the store facade.
func (e *Engine) Store() *Store { return e.store }

// Join returns the join engine.
func (e *Engine) Join() *JoinEngine { return e.join }

// Registry returns the class registry.
func (e *Engine) Registry() *Registry { return e.registry }

// =============================================================================
// Workflows
// =============================================================================

// NewWorkflow constructs a top-level workflow of class and runs its Setup.
// The workflow is not persisted.
func (e *Engine) NewWorkflow(ctx context.Context, class string, args ...any) (*Workflow, error) {
	variant, err := e.registry.workflowVariant(class)
	if err != nil {
		return nil, err
	}
	return e.newWorkflow(ctx, class, "", variant.mode, args)
}

// CreateWorkflow constructs and persists a workflow.
func (e *Engine) CreateWorkflow(ctx context.Context, class string, args ...any) (*Workflow, error) {
	w, err := e.NewWorkflow(ctx, class, args...)
	if err != nil {
		return nil, err
	}
	if err := w.Persist(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// FindWorkflow loads a workflow by id.
func (e *Engine) FindWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.store.FindWorkflow(ctx, id)
}

// newWorkflow builds a workflow shell and runs Setup. Nested workflows use
// the parent's callback mode so one protocol drives the whole tree.
func (e *Engine) newWorkflow(ctx context.Context, class, parentID string, mode CallbackMode, args []any) (*Workflow, error) {
	if !e.registry.IsWorkflow(class) {
		return nil, types.Errorf(types.ErrUnknownClass, "no workflow registered for class %q", class)
	}
	id, err := e.store.BuildWorkflowID(ctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}

	w := &Workflow{
		ID:           id,
		Class:        class,
		Arguments:    args,
		ParentID:     parentID,
		CallbackMode: mode,
		Incoming:     []string{},
		Outgoing:     []string{},
		engine:       e,
	}
	if err := w.Setup(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// =============================================================================
// Execution
// =============================================================================

// Perform executes one dispatched node and continues the graph. A node that
// already succeeded only runs the continuation. On business failure the
// node is recorded as failed and no continuation runs.
func (e *Engine) Perform(ctx context.Context, req Request) (err error) {
	ctx = telemetry.ExtractCarrier(ctx, req.Trace)
	ctx, span := telemetry.StartSpan(ctx, "node.perform",
		telemetry.AttrWorkflowID.String(req.WorkflowID),
		telemetry.AttrNodeName.String(req.NodeName),
		telemetry.AttrQueue.String(req.Queue),
		telemetry.AttrBatchID.String(req.BatchID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	v, err := e.store.FindNode(ctx, req.NodeName, req.WorkflowID)
	if err != nil {
		return err
	}
	node, ok := v.(*Node)
	if !ok {
		return types.Errorf(types.ErrNodeNotFound, "%s is not a node", req.NodeName)
	}

	if !node.Succeeded() {
		if err := e.execute(ctx, node); err != nil {
			return err
		}
	}

	if node.CallbackMode == CallbackImmediate {
		return node.EnqueueOutgoingJobs(ctx)
	}
	if req.BatchID != "" {
		return e.join.Complete(ctx, req.BatchID, node.Name())
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, node *Node) error {
	logger := e.logger.With(
		zap.String("workflow_id", node.WorkflowID),
		zap.String("node", node.Name()),
	)

	job, err := e.registry.NewJob(node.Class)
	if err != nil {
		if markErr := node.MarkFailed(ctx, err); markErr != nil {
			return markErr
		}
		return err
	}

	if err := node.MarkStarted(ctx); err != nil {
		return err
	}

	started := time.Now()
	runErr := runJob(ctx, job, node)
	elapsed := time.Since(started)

	if runErr != nil {
		e.metrics.RecordNodeDuration(node.Class, string(StateFailed), elapsed)
		logger.Warn("node failed", zap.Duration("duration", elapsed), zap.Error(runErr))
		if err := node.MarkFailed(ctx, runErr); err != nil {
			return err
		}
		return types.Errorf(types.ErrJobFailed, "node %s failed", node.Name()).WithCause(runErr)
	}

	if err := node.MarkFinished(ctx); err != nil {
		return err
	}
	e.metrics.RecordNodeDuration(node.Class, string(StateFinished), elapsed)
	logger.Debug("node finished", zap.Duration("duration", elapsed))
	return nil
}

func runJob(ctx context.Context, job Job, node *Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Perform(ctx, node)
}

// =============================================================================
// Graph helpers shared by nodes, workflows and the join engine
// =============================================================================

func (e *Engine) dispatch(ctx context.Context, n *Node, batchID string) error {
	req := Request{
		Queue:      n.Queue,
		WorkflowID: n.WorkflowID,
		NodeName:   n.Name(),
		BatchID:    batchID,
		Trace:      telemetry.InjectCarrier(ctx),
	}
	if req.Queue == "" {
		req.Queue = e.namespace
	}
	if err := e.dispatcher.Dispatch(ctx, req); err != nil {
		return err
	}
	e.recordTransition(ctx, n, StateEnqueued)
	return nil
}

// advance checks one successor under its (scopeID, name) lock and
// dispatches it when ready.
func (e *Engine) advance(ctx context.Context, scopeID, name string) error {
	return e.store.WithLock(ctx, scopeID, name, func(ctx context.Context) error {
		v, err := e.store.FindNode(ctx, name, scopeID)
		if err != nil {
			return err
		}
		ready, err := v.ReadyToStart(ctx)
		if err != nil || !ready {
			return err
		}
		return e.dispatchVertex(ctx, v)
	})
}

func (e *Engine) dispatchVertex(ctx context.Context, v Vertex) error {
	switch t := v.(type) {
	case *Node:
		if t.CallbackMode == CallbackBatched {
			return e.join.StartSingle(ctx, t)
		}
		return t.persistAndDispatch(ctx, "")
	case *Workflow:
		return t.Start(ctx)
	default:
		return fmt.Errorf("unsupported vertex %T", v)
	}
}

func (e *Engine) parentsSucceeded(ctx context.Context, names []string, scopeID string) (bool, error) {
	for _, name := range names {
		parent, err := e.store.FindNode(ctx, name, scopeID)
		if err != nil {
			return false, err
		}
		if !parent.Succeeded() {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) collectPayloads(ctx context.Context, names []string, scopeID string) ([]Payload, error) {
	var payloads []Payload
	for _, name := range names {
		v, err := e.store.FindNode(ctx, name, scopeID)
		if err != nil {
			return nil, err
		}
		out := v.ResultPayload()
		if len(out) == 0 {
			continue
		}
		payloads = append(payloads, Payload{Name: v.Name(), Class: v.ClassName(), Output: out})
	}
	return payloads, nil
}

// refreshTotals updates the stored totals of n's workflow after n finished.
func (e *Engine) refreshTotals(ctx context.Context, n *Node) {
	if err := e.store.RefreshTotals(ctx, n.WorkflowID); err != nil {
		e.logger.Warn("refresh workflow totals failed",
			zap.String("workflow_id", n.WorkflowID),
			zap.String("node", n.Name()),
			zap.Error(err),
		)
	}
}

func (e *Engine) recordTransition(ctx context.Context, n *Node, state NodeState) {
	e.metrics.RecordTransition(n.Class, string(state))
	if e.recorder == nil {
		return
	}
	t := Transition{
		WorkflowID: n.WorkflowID,
		NodeName:   n.Name(),
		Class:      n.Class,
		Queue:      n.Queue,
		State:      state,
		Error:      n.Error,
		At:         time.Now(),
	}
	if err := e.recorder.RecordTransition(ctx, t); err != nil {
		e.logger.Warn("record transition failed",
			zap.String("node", t.NodeName),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
