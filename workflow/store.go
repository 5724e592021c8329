package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/retry"
	"github.com/BaSui01/dagflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxIDAttempts = 16

var errLockBusy = errors.New("lock busy")

// LockOptions controls successor lock leases and contention backoff.
type LockOptions struct {
	Lease        time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultLockOptions returns a 30s lease and 20 attempts backing off
// from 50ms to 2s.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Lease:        30 * time.Second,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  20,
	}
}

// Lock is a held successor lock. Owner is the token that must match on
// release; the lease bounds how long a crashed holder blocks others.
type Lock struct {
	ScopeID string
	Name    string
	Key     string
	Owner   string
}

// Store is the typed facade over the key-value store.
type Store struct {
	kv        *kvstore.Client
	namespace string
	registry  *Registry
	engine    *Engine
	lease     time.Duration
	locker    *retry.Backoff
	metrics   *metrics.Collector
	logger    *zap.Logger
}

func newStore(kv *kvstore.Client, namespace string, registry *Registry, lock LockOptions, m *metrics.Collector, logger *zap.Logger) *Store {
	logger = logger.With(zap.String("component", "store"))
	policy := retry.Policy{
		MaxAttempts:  lock.MaxAttempts,
		InitialDelay: lock.InitialDelay,
		MaxDelay:     lock.MaxDelay,
		Multiplier:   lock.Multiplier,
		Jitter:       true,
	}
	return &Store{
		kv:        kv,
		namespace: namespace,
		registry:  registry,
		lease:     lock.Lease,
		locker:    retry.NewBackoff(policy, logger),
		metrics:   m,
		logger:    logger,
	}
}

// =============================================================================
// Keys
// =============================================================================

func (s *Store) nodeKey(workflowID, class string) string {
	return fmt.Sprintf("%s.jobs.%s.%s", s.namespace, workflowID, class)
}

func (s *Store) workflowKey(w *Workflow) string {
	key := fmt.Sprintf("%s.workflows.%s.%s", s.namespace, w.ID, w.Class)
	if w.ParentID != "" {
		key += "." + w.ParentID
	}
	return key
}

func (s *Store) lockKey(scopeID, name string) string {
	return fmt.Sprintf("%s.lock.%s-%s", s.namespace, scopeID, name)
}

// =============================================================================
// Records
// =============================================================================

// PersistNode writes the node record, overwriting any previous version.
func (s *Store) PersistNode(ctx context.Context, n *Node) error {
	data, err := encodeNode(n)
	if err != nil {
		return types.NewError(types.ErrCorruptRecord, "encode node record").WithCause(err)
	}
	if err := s.kv.HSet(ctx, s.nodeKey(n.WorkflowID, n.Class), n.ID, string(data)); err != nil {
		return storeError("PersistNode", err)
	}
	return nil
}

// PersistWorkflow writes the workflow record, overwriting any previous version.
func (s *Store) PersistWorkflow(ctx context.Context, w *Workflow) error {
	data, err := encodeWorkflow(w)
	if err != nil {
		return types.NewError(types.ErrCorruptRecord, "encode workflow record").WithCause(err)
	}
	if err := s.kv.Set(ctx, s.workflowKey(w), string(data)); err != nil {
		return storeError("PersistWorkflow", err)
	}
	return nil
}

// RefreshTotals recomputes the stored totals and status of workflow id from
// its current entries. When that completes the workflow, its parent is
// refreshed too. Only workflow records are written; node records are left
// to their owners.
func (s *Store) RefreshTotals(ctx context.Context, id string) error {
	for id != "" {
		var parent string
		err := s.WithLock(ctx, id, "totals", func(ctx context.Context) error {
			w, err := s.FindWorkflow(ctx, id)
			if err != nil {
				return err
			}
			if w.FinishedAt == 0 && w.Started() && len(w.Nodes) > 0 && w.Finished() {
				w.FinishedAt = nowUnix()
			}
			if err := s.PersistWorkflow(ctx, w); err != nil {
				return err
			}
			if w.Finished() {
				parent = w.ParentID
			}
			return nil
		})
		if err != nil {
			return err
		}
		id = parent
	}
	return nil
}

// FindNode resolves a name in scopeID. Workflow references resolve to a
// hydrated *Workflow, addressed either by explicit id or by class within
// the scope; node references resolve by class and id, or by class alone.
func (s *Store) FindNode(ctx context.Context, name, scopeID string) (Vertex, error) {
	if s.registry.IsWorkflowReference(name) {
		return s.findWorkflowRef(ctx, name, scopeID)
	}

	class, id := ParseName(name)
	key := s.nodeKey(scopeID, class)

	var (
		data string
		err  error
	)
	if id != "" {
		data, err = s.kv.HGet(ctx, key, id)
	} else {
		data, err = s.kv.HFirst(ctx, key)
	}
	if kvstore.IsNotFound(err) {
		return nil, types.Errorf(types.ErrNodeNotFound, "node %s not found in %s", name, scopeID)
	}
	if err != nil {
		return nil, storeError("FindNode", err)
	}
	n, err := s.bindNode([]byte(data))
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) findWorkflowRef(ctx context.Context, name, scopeID string) (Vertex, error) {
	class, id := ParseName(name)
	if id != "" {
		w, err := s.FindWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	if hasMatchChars(class) || hasMatchChars(scopeID) {
		return nil, types.Errorf(types.ErrWorkflowNotFound, "workflow %s not found in %s", name, scopeID)
	}
	keys, err := s.kv.Keys(ctx, fmt.Sprintf("%s.workflows.*.%s.%s", s.namespace, class, scopeID))
	if err != nil {
		return nil, storeError("FindNode", err)
	}
	if len(keys) == 0 {
		return nil, types.Errorf(types.ErrWorkflowNotFound, "workflow %s not found in %s", name, scopeID)
	}
	sort.Strings(keys)
	w, err := s.loadWorkflowKey(ctx, keys[0], true)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// FindWorkflow loads a workflow with its nodes and nested sub-workflows.
func (s *Store) FindWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.loadWorkflowByID(ctx, id, true)
}

// loadWorkflowRecord loads only the workflow record, without its entries.
func (s *Store) loadWorkflowRecord(ctx context.Context, id string) (*Workflow, error) {
	return s.loadWorkflowByID(ctx, id, false)
}

func (s *Store) loadWorkflowByID(ctx context.Context, id string, hydrate bool) (*Workflow, error) {
	key, err := s.workflowKeyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := s.loadWorkflowKey(ctx, key, hydrate)
	if err != nil {
		return nil, err
	}
	if w.ID != id {
		return nil, types.Errorf(types.ErrCorruptRecord, "record %s holds workflow %s, want %s", key, w.ID, id)
	}
	return w, nil
}

// workflowKeyByID finds the record key of id. Ids are matched literally:
// an id carrying match metacharacters or the key separator never resolves.
func (s *Store) workflowKeyByID(ctx context.Context, id string) (string, error) {
	notFound := types.Errorf(types.ErrWorkflowNotFound, "workflow %s doesn't exist", id).WithOp("FindWorkflow")
	if id == "" || hasMatchChars(id) || strings.Contains(id, ".") {
		return "", notFound
	}

	prefix := fmt.Sprintf("%s.workflows.%s.", s.namespace, id)
	keys, err := s.kv.Keys(ctx, prefix+"*")
	if err != nil {
		return "", storeError("FindWorkflow", err)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			return key, nil
		}
	}
	return "", notFound
}

func (s *Store) loadWorkflowKey(ctx context.Context, key string, hydrate bool) (*Workflow, error) {
	data, err := s.kv.Get(ctx, key)
	if kvstore.IsNotFound(err) {
		return nil, types.Errorf(types.ErrWorkflowNotFound, "workflow record %s vanished", key)
	}
	if err != nil {
		return nil, storeError("FindWorkflow", err)
	}

	w, order, err := decodeWorkflow([]byte(data))
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.workflowVariant(w.Class); err != nil {
		return nil, err
	}
	w.engine = s.engine

	if hydrate {
		if err := s.hydrate(ctx, w, order); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// hydrate loads the workflow's nodes and nested workflows, keeping the
// declaration order when the record carries it.
func (s *Store) hydrate(ctx context.Context, w *Workflow, order []string) error {
	entries := make(map[string]Vertex)

	keys, err := s.kv.Keys(ctx, fmt.Sprintf("%s.jobs.%s.*", s.namespace, w.ID))
	if err != nil {
		return storeError("FindWorkflow", err)
	}
	for _, key := range keys {
		values, err := s.kv.HVals(ctx, key)
		if err != nil {
			return storeError("FindWorkflow", err)
		}
		for _, value := range values {
			n, err := s.bindNode([]byte(value))
			if err != nil {
				return err
			}
			entries[n.Name()] = n
		}
	}

	children, err := s.SubWorkflows(ctx, w.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		entries[child.Name()] = child
	}

	w.Nodes = make([]Vertex, 0, len(entries))
	for _, name := range order {
		if entry, ok := entries[name]; ok {
			w.Nodes = append(w.Nodes, entry)
			delete(entries, name)
		}
	}
	rest := make([]string, 0, len(entries))
	for name := range entries {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		w.Nodes = append(w.Nodes, entries[name])
	}
	return nil
}

// SubWorkflows loads every workflow whose parent is parentID.
func (s *Store) SubWorkflows(ctx context.Context, parentID string) ([]*Workflow, error) {
	keys, err := s.kv.Keys(ctx, fmt.Sprintf("%s.workflows.*.*.%s", s.namespace, parentID))
	if err != nil {
		return nil, storeError("SubWorkflows", err)
	}
	sort.Strings(keys)

	children := make([]*Workflow, 0, len(keys))
	for _, key := range keys {
		child, err := s.loadWorkflowKey(ctx, key, true)
		if err != nil {
			return nil, err
		}
		if child.ParentID != parentID {
			continue
		}
		children = append(children, child)
	}
	return children, nil
}

func (s *Store) bindNode(data []byte) (*Node, error) {
	n, err := decodeNode(data)
	if err != nil {
		return nil, err
	}
	if err := s.registry.checkJob(n.Class); err != nil {
		return nil, err
	}
	n.engine = s.engine
	return n, nil
}

// =============================================================================
// Identifiers
// =============================================================================

// BuildNodeID allocates an id unused within (workflowID, class).
func (s *Store) BuildNodeID(ctx context.Context, workflowID, class string) (string, error) {
	key := s.nodeKey(workflowID, class)
	for i := 0; i < maxIDAttempts; i++ {
		id := uuid.NewString()
		taken, err := s.kv.HExists(ctx, key, id)
		if err != nil {
			return "", storeError("BuildNodeID", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", types.Errorf(types.ErrStore, "no free node id after %d attempts", maxIDAttempts)
}

// BuildWorkflowID allocates an id not used by any workflow record.
func (s *Store) BuildWorkflowID(ctx context.Context) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := uuid.NewString()
		keys, err := s.kv.Keys(ctx, fmt.Sprintf("%s.workflows.%s.*", s.namespace, id))
		if err != nil {
			return "", storeError("BuildWorkflowID", err)
		}
		if len(keys) == 0 {
			return id, nil
		}
	}
	return "", types.Errorf(types.ErrStore, "no free workflow id after %d attempts", maxIDAttempts)
}

// =============================================================================
// Locks
// =============================================================================

// CheckOrLock acquires the (scopeID, name) lock, backing off while another
// owner holds it. Exhausting the attempts yields a retryable LOCK_TIMEOUT.
func (s *Store) CheckOrLock(ctx context.Context, scopeID, name string) (*Lock, error) {
	lock := &Lock{
		ScopeID: scopeID,
		Name:    name,
		Key:     s.lockKey(scopeID, name),
		Owner:   uuid.NewString(),
	}

	started := time.Now()
	err := s.locker.Do(ctx, func(int) error {
		ok, err := s.kv.SetNX(ctx, lock.Key, lock.Owner, s.lease)
		if err != nil {
			return err
		}
		if !ok {
			return retry.Retryable(errLockBusy)
		}
		return nil
	})
	s.metrics.RecordLockWait(err == nil, time.Since(started))

	switch {
	case err == nil:
		return lock, nil
	case errors.Is(err, retry.ErrExhausted):
		return nil, types.Errorf(types.ErrLockTimeout, "lock %s busy", lock.Key).
			WithOp("CheckOrLock").
			WithRetryable(true).
			WithCause(err)
	case ctx.Err() != nil:
		return nil, err
	default:
		return nil, storeError("CheckOrLock", err)
	}
}

// ReleaseLock deletes the lock if it is still owned by lock.Owner.
func (s *Store) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	released, err := s.kv.CompareAndDelete(ctx, lock.Key, lock.Owner)
	if err != nil {
		return storeError("ReleaseLock", err)
	}
	if !released {
		s.logger.Warn("lock lease expired before release",
			zap.String("key", lock.Key),
			zap.String("owner", lock.Owner),
		)
	}
	return nil
}

// WithLock runs fn while holding the (scopeID, name) lock.
func (s *Store) WithLock(ctx context.Context, scopeID, name string, fn func(ctx context.Context) error) (err error) {
	lock, err := s.CheckOrLock(ctx, scopeID, name)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := s.ReleaseLock(context.WithoutCancel(ctx), lock); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx)
}

// hasMatchChars reports whether s would act as a pattern inside a key scan.
func hasMatchChars(s string) bool {
	return strings.ContainsAny(s, "*?[]\\")
}

func storeError(op string, err error) error {
	return types.NewError(types.ErrStore, "store operation failed").WithOp(op).WithCause(err)
}

// IsWorkflowNotFound reports whether err means a workflow id is absent.
func IsWorkflowNotFound(err error) bool {
	return types.IsErrorCode(err, types.ErrWorkflowNotFound)
}

// IsNodeNotFound reports whether err means a node name did not resolve.
func IsNodeNotFound(err error) bool {
	return types.IsErrorCode(err, types.ErrNodeNotFound)
}

func isNotFound(err error) bool {
	return IsNodeNotFound(err) || IsWorkflowNotFound(err)
}

// nameList renders names for log fields.
func nameList(names []string) string {
	return strings.Join(names, ",")
}
