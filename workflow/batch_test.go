package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/dagflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchStore_CreateAndGet(t *testing.T) {
	h := newHarness(t)
	batches := NewBatchStore(h.kv, "dwf")
	ctx := context.Background()

	names := []string{"B|1", "C|2", "Z|3"}
	created, err := batches.Create(ctx, "w1", names, 2)
	require.NoError(t, err)
	assert.True(t, h.mr.Exists("dwf.batches."+created.ID))

	got, err := batches.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.WorkflowID)
	assert.Equal(t, names, got.Names)
	assert.EqualValues(t, 2, got.Pending)
	assert.EqualValues(t, 2, got.Total)
	assert.False(t, got.Fired)

	_, err = batches.Get(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrBatchNotFound))
}

func TestBatchStore_DoneFiresOnceAfterEveryMember(t *testing.T) {
	h := newHarness(t)
	batches := NewBatchStore(h.kv, "dwf")
	ctx := context.Background()

	b, err := batches.Create(ctx, "w1", []string{"B|1", "C|2"}, 2)
	require.NoError(t, err)

	fire, err := batches.Done(ctx, b.ID, "B|1")
	require.NoError(t, err)
	assert.False(t, fire)

	// Redelivered completion of the same member must not count twice.
	fire, err = batches.Done(ctx, b.ID, "B|1")
	require.NoError(t, err)
	assert.False(t, fire)

	fire, err = batches.Done(ctx, b.ID, "C|2")
	require.NoError(t, err)
	assert.True(t, fire)

	fire, err = batches.Done(ctx, b.ID, "C|2")
	require.NoError(t, err)
	assert.False(t, fire)

	got, err := batches.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Pending)
	assert.True(t, got.Fired)
}

func TestBatchStore_DoneMissingBatch(t *testing.T) {
	h := newHarness(t)
	batches := NewBatchStore(h.kv, "dwf")

	_, err := batches.Done(context.Background(), "missing", "B|1")
	assert.True(t, types.IsErrorCode(err, types.ErrBatchNotFound))
}

func TestBatchStore_ConcurrentDoneFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	batches := NewBatchStore(h.kv, "dwf")
	ctx := context.Background()

	const members = 20
	names := make([]string, members)
	for i := range names {
		names[i] = fmt.Sprintf("N|%d", i)
	}
	b, err := batches.Create(ctx, "w1", names, members)
	require.NoError(t, err)

	var (
		fired atomic.Int32
		wg    sync.WaitGroup
	)
	for _, name := range names {
		name := name
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := batches.Done(ctx, b.ID, name)
				assert.NoError(t, err)
				if ok {
					fired.Add(1)
				}
			}()
		}
	}
	wg.Wait()

	assert.EqualValues(t, 1, fired.Load())
}
