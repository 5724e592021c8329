package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/dagflow/types"
)

// CallbackMode selects how a finished node continues the graph.
type CallbackMode string

const (
	// CallbackImmediate continues each node's own successors directly.
	CallbackImmediate CallbackMode = "build-in"
	// CallbackBatched mediates continuation through the join engine.
	CallbackBatched CallbackMode = "sk-batch"
)

// Payload is a predecessor's output as seen by its successor.
type Payload struct {
	Name   string          `json:"name"`
	Class  string          `json:"klass"`
	Output json.RawMessage `json:"output"`
}

// Vertex is an entry of a workflow graph: a plain node or a nested workflow.
type Vertex interface {
	Name() string
	ClassName() string
	Predecessors() []string
	Successors() []string
	Started() bool
	Finished() bool
	Failed() bool
	Succeeded() bool
	NoDependencies() bool
	ReadyToStart(ctx context.Context) (bool, error)
	// ResultPayload is what successors receive as this entry's output.
	ResultPayload() json.RawMessage
	Persist(ctx context.Context) error

	addIncoming(name string)
	addOutgoing(name string)
}

var nowUnix = func() int64 { return time.Now().Unix() }

// Node is a unit of work inside exactly one workflow.
//
// Timestamps are unix seconds; zero means unset. Once set they are only
// cleared by Enqueue.
type Node struct {
	WorkflowID   string
	ID           string
	Class        string
	Queue        string
	Params       map[string]any
	Incoming     []string
	Outgoing     []string
	EnqueuedAt   int64
	StartedAt    int64
	FinishedAt   int64
	FailedAt     int64
	CallbackMode CallbackMode
	Output       json.RawMessage
	Error        string

	payloads       []Payload
	payloadsLoaded bool
	engine         *Engine
}

var _ Vertex = (*Node)(nil)

// Name returns "Class|id".
func (n *Node) Name() string { return FormatName(n.Class, n.ID) }

// ClassName returns the node's class identity.
func (n *Node) ClassName() string { return n.Class }

// Predecessors returns the incoming names.
func (n *Node) Predecessors() []string { return n.Incoming }

// Successors returns the outgoing names.
func (n *Node) Successors() []string { return n.Outgoing }

func (n *Node) addIncoming(name string) { n.Incoming = appendUnique(n.Incoming, name) }
func (n *Node) addOutgoing(name string) { n.Outgoing = appendUnique(n.Outgoing, name) }

// =============================================================================
// State transitions
// =============================================================================

// Enqueue resets the run state and stamps the enqueue time. Used for the
// first dispatch and for any later re-dispatch.
func (n *Node) Enqueue() {
	n.EnqueuedAt = nowUnix()
	n.StartedAt = 0
	n.FinishedAt = 0
	n.FailedAt = 0
	n.Error = ""
}

// Start stamps the start time and clears a previous failure.
func (n *Node) Start() {
	n.StartedAt = nowUnix()
	n.FailedAt = 0
	n.Error = ""
}

// Finish stamps the finish time.
func (n *Node) Finish() {
	n.FinishedAt = nowUnix()
}

// Fail marks the node finished and failed at the same instant.
func (n *Node) Fail(err error) {
	ts := nowUnix()
	n.FinishedAt = ts
	n.FailedAt = ts
	if err != nil {
		n.Error = err.Error()
	}
}

// Enqueued reports whether the node was handed to a queue.
func (n *Node) Enqueued() bool { return n.EnqueuedAt != 0 }

// Started reports whether a worker picked the node up.
func (n *Node) Started() bool { return n.StartedAt != 0 }

// Finished reports whether the node ended, successfully or not.
func (n *Node) Finished() bool { return n.FinishedAt != 0 }

// Failed reports whether the node's job returned an error.
func (n *Node) Failed() bool { return n.FailedAt != 0 }

// Succeeded reports whether the node finished without failing.
func (n *Node) Succeeded() bool { return n.Finished() && !n.Failed() }

// Running reports whether the node started and has not finished yet.
func (n *Node) Running() bool { return n.Started() && !n.Finished() }

// Leaf reports whether no node depends on this one.
func (n *Node) Leaf() bool { return len(n.Outgoing) == 0 }

// NoDependencies reports whether the node is a root of its workflow.
func (n *Node) NoDependencies() bool { return len(n.Incoming) == 0 }

// ReadyToStart reports whether the node may be dispatched: it is not in
// flight or terminal, and every predecessor succeeded.
func (n *Node) ReadyToStart(ctx context.Context) (bool, error) {
	if n.Running() || n.Enqueued() || n.Finished() || n.Failed() {
		return false, nil
	}
	return n.ParentsSucceeded(ctx)
}

// ParentsSucceeded resolves every incoming name in the node's scope and
// requires each to have succeeded.
func (n *Node) ParentsSucceeded(ctx context.Context) (bool, error) {
	if err := n.bound(); err != nil {
		return false, err
	}
	return n.engine.parentsSucceeded(ctx, n.Incoming, n.WorkflowID)
}

// =============================================================================
// Persistence and dispatch
// =============================================================================

// Persist writes the node record.
func (n *Node) Persist(ctx context.Context) error {
	if err := n.bound(); err != nil {
		return err
	}
	return n.engine.store.PersistNode(ctx, n)
}

// PersistAndDispatch enqueues, persists and requests asynchronous execution.
func (n *Node) PersistAndDispatch(ctx context.Context) error {
	return n.persistAndDispatch(ctx, "")
}

func (n *Node) persistAndDispatch(ctx context.Context, batchID string) error {
	if err := n.bound(); err != nil {
		return err
	}
	n.Enqueue()
	if err := n.Persist(ctx); err != nil {
		return err
	}
	return n.engine.dispatch(ctx, n, batchID)
}

// StartInitial dispatches a root node according to its callback mode.
func (n *Node) StartInitial(ctx context.Context) error {
	if err := n.bound(); err != nil {
		return err
	}
	if n.CallbackMode == CallbackImmediate {
		return n.PersistAndDispatch(ctx)
	}
	return n.engine.join.StartSingle(ctx, n)
}

// MarkStarted applies Start and persists.
func (n *Node) MarkStarted(ctx context.Context) error {
	n.Start()
	if err := n.Persist(ctx); err != nil {
		return err
	}
	n.engine.recordTransition(ctx, n, StateStarted)
	return nil
}

// MarkFinished applies Finish and persists.
func (n *Node) MarkFinished(ctx context.Context) error {
	n.Finish()
	if err := n.Persist(ctx); err != nil {
		return err
	}
	n.engine.recordTransition(ctx, n, StateFinished)
	n.engine.refreshTotals(ctx, n)
	return nil
}

// MarkFailed applies Fail and persists. A failed node is terminal: its
// successors never become ready until it is enqueued again.
func (n *Node) MarkFailed(ctx context.Context, cause error) error {
	n.Fail(cause)
	if err := n.Persist(ctx); err != nil {
		return err
	}
	n.engine.recordTransition(ctx, n, StateFailed)
	n.engine.refreshTotals(ctx, n)
	return nil
}

// =============================================================================
// Payloads
// =============================================================================

// SetOutput records the node's result. Raw JSON is stored as is; any other
// value is JSON encoded.
func (n *Node) SetOutput(v any) error {
	switch out := v.(type) {
	case nil:
		n.Output = nil
	case json.RawMessage:
		n.Output = append(json.RawMessage(nil), out...)
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode output of %s: %w", n.Name(), err)
		}
		n.Output = data
	}
	return nil
}

// ResultPayload returns the node's output.
func (n *Node) ResultPayload() json.RawMessage { return n.Output }

// SetPayloads overrides the cached predecessor payloads.
func (n *Node) SetPayloads(payloads []Payload) {
	n.payloads = payloads
	n.payloadsLoaded = true
}

// Payloads returns the outputs of the node's predecessors, skipping those
// without output. The result is computed once and cached.
func (n *Node) Payloads(ctx context.Context) ([]Payload, error) {
	if n.payloadsLoaded {
		return n.payloads, nil
	}
	if err := n.bound(); err != nil {
		return nil, err
	}

	payloads, err := n.engine.collectPayloads(ctx, n.Incoming, n.WorkflowID)
	if err != nil {
		return nil, err
	}
	n.SetPayloads(payloads)
	return payloads, nil
}

// =============================================================================
// Continuation
// =============================================================================

// EnqueueOutgoingJobs evaluates the node's successors after it finished and
// dispatches the ready ones. Each successor is checked under its own
// (scope, name) lock. A leaf of a sub-workflow continues through the
// sub-workflow's outgoing edges in the parent scope instead.
func (n *Node) EnqueueOutgoingJobs(ctx context.Context) error {
	if err := n.bound(); err != nil {
		return err
	}

	if n.Leaf() {
		owner, err := n.engine.store.loadWorkflowRecord(ctx, n.WorkflowID)
		if err != nil {
			return err
		}
		if owner.ParentID == "" {
			return nil
		}
		for _, name := range owner.Outgoing {
			if err := n.engine.advance(ctx, owner.ParentID, name); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range n.Outgoing {
		if err := n.engine.advance(ctx, n.WorkflowID, name); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) bound() error {
	if n.engine == nil {
		return types.Errorf(types.ErrStore, "node %s is not bound to an engine", n.Name())
	}
	return nil
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}
