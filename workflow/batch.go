package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// completeMember marks ARGV[1] done in batch KEYS[1] and decrements pending
// once per member. It returns 1 only to the caller that fires the batch,
// 0 otherwise, and -1 when the batch does not exist.
var completeMember = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HSETNX", KEYS[1], "done." .. ARGV[1], "1") == 0 then
	return 0
end
local pending = redis.call("HINCRBY", KEYS[1], "pending", -1)
if pending > 0 then
	return 0
end
return redis.call("HSETNX", KEYS[1], "fired", "1")
`)

// Batch groups the dispatched members of one join group. Its completion
// callback fires once, after every dispatched member succeeded.
type Batch struct {
	ID         string
	WorkflowID string
	Names      []string
	Pending    int64
	Total      int64
	Fired      bool
}

// BatchStore persists batches as Redis hashes.
type BatchStore struct {
	kv        *kvstore.Client
	namespace string
}

// NewBatchStore creates a batch store in namespace.
func NewBatchStore(kv *kvstore.Client, namespace string) *BatchStore {
	return &BatchStore{kv: kv, namespace: namespace}
}

func (b *BatchStore) key(id string) string {
	return fmt.Sprintf("%s.batches.%s", b.namespace, id)
}

// Create stores a batch whose callback evaluates names once pending
// members have completed. pending must be set before any member is
// dispatched.
func (b *BatchStore) Create(ctx context.Context, workflowID string, names []string, pending int) (*Batch, error) {
	encoded, err := json.Marshal(names)
	if err != nil {
		return nil, types.NewError(types.ErrCorruptRecord, "encode batch names").WithCause(err)
	}

	batch := &Batch{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Names:      names,
		Pending:    int64(pending),
		Total:      int64(pending),
	}
	err = b.kv.HSet(ctx, b.key(batch.ID),
		"workflow_id", workflowID,
		"names", string(encoded),
		"pending", pending,
		"total", pending,
	)
	if err != nil {
		return nil, storeError("CreateBatch", err)
	}
	return batch, nil
}

// Get loads a batch.
func (b *BatchStore) Get(ctx context.Context, id string) (*Batch, error) {
	fields, err := b.kv.HGetAll(ctx, b.key(id))
	if kvstore.IsNotFound(err) {
		return nil, types.Errorf(types.ErrBatchNotFound, "batch %s not found", id)
	}
	if err != nil {
		return nil, storeError("GetBatch", err)
	}

	batch := &Batch{
		ID:         id,
		WorkflowID: fields["workflow_id"],
		Fired:      fields["fired"] == "1",
	}
	if err := json.Unmarshal([]byte(fields["names"]), &batch.Names); err != nil {
		return nil, types.NewError(types.ErrCorruptRecord, "decode batch names").WithCause(err)
	}
	batch.Pending, _ = strconv.ParseInt(fields["pending"], 10, 64)
	batch.Total, _ = strconv.ParseInt(fields["total"], 10, 64)
	return batch, nil
}

// Done records that member completed and reports whether the caller won the
// right to fire the batch callback. Repeated calls for the same member are
// no-ops.
func (b *BatchStore) Done(ctx context.Context, id, member string) (bool, error) {
	res, err := b.kv.RunScript(ctx, completeMember, []string{b.key(id)}, member)
	if err != nil {
		return false, storeError("CompleteBatch", err)
	}
	if res < 0 {
		return false, types.Errorf(types.ErrBatchNotFound, "batch %s not found", id)
	}
	return res == 1, nil
}
