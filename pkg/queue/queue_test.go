package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/queue"
)

type recordingPersistence struct {
	mu    sync.Mutex
	calls [][]*models.Operation
	err   error
}

func (p *recordingPersistence) PersistToDisk(_ context.Context, ops []*models.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ops)
	return p.err
}

func (p *recordingPersistence) LoadFromDisk(context.Context) ([]*models.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil, nil
	}
	return p.calls[len(p.calls)-1], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func op(typ models.OperationType, coll string, data models.Document) *models.Operation {
	return models.NewOperation(typ, coll, nil, data, "instance-a")
}

func TestInsertThenUpdateMerges(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})

	_, err := q.Enqueue(ctx, op(models.OperationInsert, "bills", models.Document{"_id": 1, "total": 10}))
	require.NoError(t, err)
	outcome, err := q.Enqueue(ctx, op(models.OperationUpdate, "bills", models.Document{"_id": 1, "paid": 5}))
	require.NoError(t, err)
	assert.Equal(t, queue.Merged, outcome)

	require.Equal(t, 1, q.Len())
	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, models.OperationInsert, got.Type)
	assert.Equal(t, models.Document{"_id": 1, "total": 10, "paid": 5}, got.Data)
	assert.Nil(t, q.Dequeue())
}

func TestMergeTable(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		existing  *models.Operation
		incoming  *models.Operation
		wantType  models.OperationType
		wantData  models.Document
		wantOutcm queue.Outcome
	}{
		{
			name:      "delete wins over insert",
			existing:  models.NewOperation(models.OperationDelete, "c", models.Document{"_id": 1}, nil, "i"),
			incoming:  op(models.OperationInsert, "c", models.Document{"_id": 1, "a": 1}),
			wantType:  models.OperationDelete,
			wantOutcm: queue.Superseded,
		},
		{
			name:      "insert then insert takes incoming data",
			existing:  op(models.OperationInsert, "c", models.Document{"_id": 1, "a": 1, "b": 1}),
			incoming:  op(models.OperationInsert, "c", models.Document{"_id": 1, "a": 2}),
			wantType:  models.OperationInsert,
			wantData:  models.Document{"_id": 1, "a": 2},
			wantOutcm: queue.Merged,
		},
		{
			name:      "update then insert becomes insert",
			existing:  op(models.OperationUpdate, "c", models.Document{"_id": 1, "a": 1}),
			incoming:  op(models.OperationInsert, "c", models.Document{"_id": 1, "b": 2}),
			wantType:  models.OperationInsert,
			wantData:  models.Document{"_id": 1, "b": 2},
			wantOutcm: queue.Merged,
		},
		{
			name:      "update then update merges",
			existing:  op(models.OperationUpdate, "c", models.Document{"_id": 1, "a": 1, "b": 1}),
			incoming:  op(models.OperationUpdate, "c", models.Document{"_id": 1, "b": 2}),
			wantType:  models.OperationUpdate,
			wantData:  models.Document{"_id": 1, "a": 1, "b": 2},
			wantOutcm: queue.Merged,
		},
		{
			name:      "update then delete becomes delete",
			existing:  op(models.OperationUpdate, "c", models.Document{"_id": 1, "a": 1}),
			incoming:  models.NewOperation(models.OperationDelete, "c", models.Document{"_id": 1}, nil, "i"),
			wantType:  models.OperationDelete,
			wantOutcm: queue.Merged,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := queue.New(queue.Options{})
			first := tc.existing.Timestamp

			_, err := q.Enqueue(ctx, tc.existing)
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 2}))
			require.NoError(t, err)

			outcome, err := q.Enqueue(ctx, tc.incoming)
			require.NoError(t, err)
			assert.Equal(t, tc.wantOutcm, outcome)
			require.Equal(t, 2, q.Len())

			got := q.Dequeue()
			assert.Equal(t, tc.existing.ID, got.ID, "merged operation keeps its position")
			assert.Equal(t, first, got.Timestamp)
			assert.Equal(t, tc.wantType, got.Type)
			if tc.wantData != nil {
				assert.Equal(t, tc.wantData, got.Data)
			}
			if tc.wantType == models.OperationDelete {
				assert.Equal(t, 1, got.DocumentID())
			}
		})
	}
}

func TestDifferentCollectionsDoNotMerge(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})

	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "bills", models.Document{"_id": 1}))
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "devices", models.Document{"_id": 1}))
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "bills", models.Document{"total": 3}))
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "bills", models.Document{"total": 4}))

	assert.Equal(t, 4, q.Len())
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})

	_, err := q.Enqueue(ctx, nil)
	require.ErrorIs(t, err, queue.ErrNilOperation)

	_, err = q.Enqueue(ctx, op("upsert", "c", models.Document{"_id": 1}))
	require.ErrorIs(t, err, queue.ErrInvalidOperation)

	_, err = q.Enqueue(ctx, op(models.OperationInsert, "", models.Document{"_id": 1}))
	require.ErrorIs(t, err, queue.ErrInvalidOperation)
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueCopiesOperation(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})

	in := op(models.OperationInsert, "c", models.Document{"_id": 1, "a": 1})
	_, _ = q.Enqueue(ctx, in)
	in.Data["a"] = 99

	assert.Equal(t, 1, q.Peek().Data["a"])
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersistence{}
	var dropped []*models.Operation
	q := queue.New(queue.Options{
		MaxSize:     3,
		Persistence: p,
		OnDrop:      func(op *models.Operation) { dropped = append(dropped, op) },
	})

	var ids []string
	for i := 0; i < 5; i++ {
		o := op(models.OperationInsert, "c", models.Document{"_id": i})
		ids = append(ids, o.ID)
		_, err := q.Enqueue(ctx, o)
		require.NoError(t, err)
		assert.LessOrEqual(t, q.Len(), 3)
	}

	assert.Equal(t, 3, q.Len())
	require.Len(t, dropped, 2)
	assert.Equal(t, ids[0], dropped[0].ID)
	assert.Equal(t, ids[1], dropped[1].ID)

	require.Len(t, p.calls, 2)
	assert.Len(t, p.calls[0], 3)
	assert.Equal(t, ids[0], p.calls[0][0].ID, "persisted snapshot still holds the dropped operation")

	stats := q.Stats()
	assert.EqualValues(t, 2, stats.Dropped)
	assert.EqualValues(t, 2, stats.Persisted)

	// Merging into a queued document never triggers overflow.
	_, err := q.Enqueue(ctx, op(models.OperationUpdate, "c", models.Document{"_id": 4, "x": 1}))
	require.NoError(t, err)
	assert.Len(t, dropped, 2)
}

func TestOverflowPersistFailureStillBounded(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersistence{err: errors.New("disk full")}
	q := queue.New(queue.Options{MaxSize: 1, Persistence: p})

	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 1}))
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 2}))

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.Peek().DocumentID())
	assert.EqualValues(t, 1, q.Stats().PersistErrors)
}

func TestRequeueBackoffAndLimit(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1700000000, 0)}
	q := queue.New(queue.Options{Now: c.Now})

	o := op(models.OperationInsert, "c", models.Document{"_id": 1})
	o.MaxRetries = 2
	_, _ = q.Enqueue(ctx, o)

	got := q.Dequeue()
	require.True(t, q.Requeue(ctx, got, time.Second))
	assert.Equal(t, 1, q.Len())
	assert.Nil(t, q.Dequeue(), "not due before the delay")

	c.Advance(time.Second)
	got = q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, 1, got.RetryCount)

	require.True(t, q.Requeue(ctx, got, 0))
	got = q.Dequeue()
	assert.Equal(t, 2, got.RetryCount)

	assert.False(t, q.Requeue(ctx, got, 0))
	assert.Equal(t, 0, q.Len())
	assert.EqualValues(t, 1, q.Stats().RetryExceeded)
}

func TestRequeueSkipsToDueOperations(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1700000000, 0)}
	q := queue.New(queue.Options{Now: c.Now})

	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 1}))
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 2}))

	first := q.Dequeue()
	require.True(t, q.Requeue(ctx, first, time.Minute))

	next := q.Dequeue()
	require.NotNil(t, next)
	assert.Equal(t, 2, next.DocumentID())
	assert.Nil(t, q.Peek())
}

func TestRequeueMergesWithNewerWrite(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})

	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 1, "a": 1}))
	inflight := q.Dequeue()

	_, _ = q.Enqueue(ctx, op(models.OperationUpdate, "c", models.Document{"_id": 1, "b": 2}))
	require.True(t, q.Requeue(ctx, inflight, 0))

	require.Equal(t, 1, q.Len())
	got := q.Dequeue()
	assert.Equal(t, models.OperationInsert, got.Type)
	assert.Equal(t, models.Document{"_id": 1, "a": 1, "b": 2}, got.Data)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRequeueDeleteKeepsNewerInsert(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})

	_, _ = q.Enqueue(ctx, models.NewOperation(models.OperationDelete, "c", models.Document{"_id": 1}, nil, "i"))
	inflight := q.Dequeue()

	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 1, "a": 1}))
	require.True(t, q.Requeue(ctx, inflight, 0))

	got := q.Dequeue()
	assert.Equal(t, models.OperationInsert, got.Type)
}

func TestSyncLag(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1700000000, 0)}
	q := queue.New(queue.Options{Now: c.Now})

	assert.Equal(t, time.Duration(0), q.SyncLag())

	o := op(models.OperationInsert, "c", models.Document{"_id": 1})
	o.Timestamp = c.Now()
	_, _ = q.Enqueue(ctx, o)

	c.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, q.SyncLag())
	assert.EqualValues(t, 3000, q.Stats().SyncLagMillis)
}

func TestSnapshotRestoreClear(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{})
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 1}))
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 2}))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())

	assert.Equal(t, 2, q.Restore(ctx, append(snap, nil)))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Dequeue().DocumentID())
}

func TestPersistNow(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersistence{}
	q := queue.New(queue.Options{Persistence: p})
	_, _ = q.Enqueue(ctx, op(models.OperationInsert, "c", models.Document{"_id": 1}))

	require.NoError(t, q.PersistNow(ctx))
	loaded, err := p.LoadFromDisk(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	require.NoError(t, queue.New(queue.Options{}).PersistNow(ctx))
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Options{MaxSize: 50})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = q.Enqueue(ctx, op(models.OperationUpdate, "c", models.Document{"_id": i % 80, "w": w}))
				if i%3 == 0 {
					q.Dequeue()
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, q.Len(), 50)
}
