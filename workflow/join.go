package workflow

import (
	"context"
	"sort"
	"strings"

	"github.com/BaSui01/dagflow/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultJoinKey groups candidates that have no outgoing edges.
const DefaultJoinKey = "default_key"

// JoinEngine implements the batched-completion protocol. Candidates that
// share a downstream join are dispatched in one batch so that the join is
// evaluated once, after the whole group finished.
type JoinEngine struct {
	engine  *Engine
	batches *BatchStore
	logger  *zap.Logger
}

func newJoinEngine(engine *Engine, batches *BatchStore, logger *zap.Logger) *JoinEngine {
	return &JoinEngine{
		engine:  engine,
		batches: batches,
		logger:  logger.With(zap.String("component", "join")),
	}
}

// JoinKey is the order-preserving concatenation of v's outgoing names, or
// DefaultJoinKey when v has none.
func JoinKey(v Vertex) string {
	out := v.Successors()
	if len(out) == 0 {
		return DefaultJoinKey
	}
	return strings.Join(out, "")
}

// Classify groups vertices by JoinKey, preserving input order per group.
func Classify(vertices []Vertex) map[string][]Vertex {
	groups := make(map[string][]Vertex)
	for _, v := range vertices {
		key := JoinKey(v)
		groups[key] = append(groups[key], v)
	}
	return groups
}

// ProcessNextStep evaluates the wave after names finished in workflowID:
// the deduplicated union of their outgoing names is grouped and each group
// is started under its lock. A finished leaf of a sub-workflow continues
// through the sub-workflow's outgoing edges in the parent scope.
func (j *JoinEngine) ProcessNextStep(ctx context.Context, names []string, workflowID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "join.process_next_step",
		telemetry.AttrWorkflowID.String(workflowID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	var (
		candidates []string
		seen       = make(map[string]struct{})
		leafDone   bool
	)
	for _, name := range names {
		v, err := j.engine.store.FindNode(ctx, name, workflowID)
		if isNotFound(err) {
			j.logger.Warn("finished entry vanished", zap.String("name", name), zap.String("workflow_id", workflowID))
			continue
		}
		if err != nil {
			return err
		}
		if n, ok := v.(*Node); ok && n.Leaf() {
			leafDone = true
		}
		for _, out := range v.Successors() {
			if _, dup := seen[out]; dup {
				continue
			}
			seen[out] = struct{}{}
			candidates = append(candidates, out)
		}
	}

	if leafDone {
		owner, err := j.engine.store.loadWorkflowRecord(ctx, workflowID)
		if err != nil {
			return err
		}
		if owner.ParentID != "" && len(owner.Outgoing) > 0 {
			if err := j.startCandidates(ctx, owner.Outgoing, owner.ParentID); err != nil {
				return err
			}
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	return j.startCandidates(ctx, candidates, workflowID)
}

func (j *JoinEngine) startCandidates(ctx context.Context, names []string, scopeID string) error {
	vertices := make([]Vertex, 0, len(names))
	for _, name := range names {
		v, err := j.engine.store.FindNode(ctx, name, scopeID)
		if isNotFound(err) {
			j.logger.Warn("candidate not found", zap.String("name", name), zap.String("scope_id", scopeID))
			continue
		}
		if err != nil {
			return err
		}
		vertices = append(vertices, v)
	}

	groups := Classify(vertices)
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		key := key
		members := groups[key]
		err := j.engine.store.WithLock(ctx, scopeID, key, func(ctx context.Context) error {
			return j.startGroup(ctx, scopeID, key, members)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// startGroup runs under the group lock. Members are reloaded so the
// readiness check sees the state written by concurrent workers.
func (j *JoinEngine) startGroup(ctx context.Context, scopeID, key string, members []Vertex) error {
	names := make([]string, 0, len(members))
	var (
		ready []*Node
		flows []*Workflow
	)
	for _, member := range members {
		names = append(names, member.Name())

		fresh, err := j.engine.store.FindNode(ctx, member.Name(), scopeID)
		if err != nil {
			return err
		}
		ok, err := fresh.ReadyToStart(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch v := fresh.(type) {
		case *Node:
			ready = append(ready, v)
		case *Workflow:
			flows = append(flows, v)
		}
	}

	if len(ready) > 0 {
		batch, err := j.batches.Create(ctx, scopeID, names, len(ready))
		if err != nil {
			return err
		}
		j.engine.metrics.RecordBatchCreated(batchKind(names))
		j.logger.Debug("join batch created",
			zap.String("batch_id", batch.ID),
			zap.String("join_key", key),
			zap.String("members", nameList(names)),
			zap.Int("dispatched", len(ready)),
		)
		for _, n := range ready {
			if err := n.persistAndDispatch(ctx, batch.ID); err != nil {
				return err
			}
		}
	}

	for _, flow := range flows {
		if err := flow.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StartSingle dispatches a root node as a one-member batch. Leaves of a
// top-level workflow are dispatched without a batch since nothing follows
// them.
func (j *JoinEngine) StartSingle(ctx context.Context, n *Node) error {
	if n.Leaf() {
		owner, err := j.engine.store.loadWorkflowRecord(ctx, n.WorkflowID)
		if err != nil {
			return err
		}
		if owner.ParentID == "" {
			return n.persistAndDispatch(ctx, "")
		}
	}

	names := []string{n.Name()}
	batch, err := j.batches.Create(ctx, n.WorkflowID, names, 1)
	if err != nil {
		return err
	}
	j.engine.metrics.RecordBatchCreated(batchKind(names))
	return n.persistAndDispatch(ctx, batch.ID)
}

// Complete records that member of batchID succeeded. The caller that
// completes the last pending member fires the batch callback, which
// re-enters ProcessNextStep with the batch's names.
func (j *JoinEngine) Complete(ctx context.Context, batchID, member string) error {
	fire, err := j.batches.Done(ctx, batchID, member)
	if err != nil || !fire {
		return err
	}

	batch, err := j.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	j.engine.metrics.RecordBatchFired(batchKind(batch.Names))
	j.logger.Debug("join batch fired",
		zap.String("batch_id", batchID),
		zap.String("workflow_id", batch.WorkflowID),
	)

	ctx, span := telemetry.StartSpan(ctx, "join.complete",
		telemetry.AttrBatchID.String(batchID),
		telemetry.AttrWorkflowID.String(batch.WorkflowID),
	)
	err = j.ProcessNextStep(ctx, batch.Names, batch.WorkflowID)
	telemetry.EndSpan(span, err)
	return err
}

func batchKind(names []string) string {
	if len(names) == 1 {
		return "single"
	}
	return "group"
}
