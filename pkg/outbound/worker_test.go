package outbound_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/surrealsync/internal/testenv"
	"github.com/surrealdb/surrealsync/pkg/dbmanager"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/outbound"
	"github.com/surrealdb/surrealsync/pkg/queue"
	"github.com/surrealdb/surrealsync/pkg/store/memory"
)

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

type rejectingStore struct {
	*memory.Store
}

func (rejectingStore) Replace(context.Context, string, models.Document) (models.ApplyResult, error) {
	return models.ResultRejected("schema mismatch"), nil
}

type fixture struct {
	clock   *clock
	remote  *memory.Store
	manager *dbmanager.Manager
	queue   *queue.Queue
	worker  *outbound.Worker
	logs    *testenv.LogHandler
}

func newFixture(t *testing.T, opts outbound.Options) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		remote: memory.New(memory.Options{DB: "remote"}),
	}
	log, logs := testenv.NewLogger()
	f.logs = logs
	f.manager = dbmanager.New(dbmanager.Options{
		Local:         memory.New(memory.Options{DB: "local"}),
		Remote:        f.remote,
		CheckInterval: time.Hour,
		Logger:        log,
	})
	require.True(t, f.manager.Check(context.Background()))

	opts.Manager = f.manager

	f.queue = queue.New(queue.Options{Now: f.clock.Now})
	opts.Queue = f.queue
	opts.Logger = log
	opts.Now = f.clock.Now
	f.worker = outbound.New(opts)
	return f
}

func (f *fixture) enqueue(t *testing.T, op *models.Operation) {
	t.Helper()
	_, err := f.queue.Enqueue(context.Background(), op)
	require.NoError(t, err)
}

func TestAppliesEachOperationType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbound.Options{})
	_, err := f.remote.Insert(ctx, "bills", models.Document{"_id": "old", "total": 1})
	require.NoError(t, err)

	f.enqueue(t, models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": "b1", "total": 10}, "a"))
	f.enqueue(t, models.NewOperation(models.OperationUpdate, "bills", models.Document{"_id": "b2"}, models.Document{"_id": "b2", "paid": true}, "a"))
	f.enqueue(t, models.NewOperation(models.OperationDelete, "bills", models.Document{"_id": "old"}, nil, "a"))
	f.enqueue(t, models.NewOperation(models.OperationDelete, "bills", models.Document{"_id": "never"}, nil, "a"))

	assert.Equal(t, 4, f.worker.Drain(ctx))
	assert.False(t, f.worker.ProcessNext(ctx))

	doc, err := f.remote.FindByID(ctx, "bills", "b1")
	require.NoError(t, err)
	assert.Equal(t, models.Document{"_id": "b1", "total": 10}, doc)

	doc, err = f.remote.FindByID(ctx, "bills", "b2")
	require.NoError(t, err)
	assert.Equal(t, models.Document{"_id": "b2", "paid": true}, doc, "update upserts a missing document")

	assert.Equal(t, 2, f.remote.Count("bills"))

	st := f.worker.Stats()
	assert.Equal(t, uint64(4), st.Processed)
	assert.Equal(t, uint64(4), st.Succeeded)
	assert.Zero(t, st.Failed)
}

func TestRetryLadderThenPermanentFailure(t *testing.T) {
	ctx := context.Background()
	var failures []outbound.PermanentFailure
	f := newFixture(t, outbound.Options{
		RetryDelays: []time.Duration{10 * time.Second, 20 * time.Second},
		OnPermanentFailure: func(pf outbound.PermanentFailure) {
			failures = append(failures, pf)
		},
	})

	op := models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": "b1"}, "a")
	op.MaxRetries = 2
	f.enqueue(t, op)
	f.remote.SetOffline(true)

	require.True(t, f.worker.ProcessNext(ctx))
	assert.Equal(t, 1, f.queue.Len(), "failed operation is requeued")
	assert.False(t, f.worker.ProcessNext(ctx), "not due before the first delay")

	f.clock.Advance(10 * time.Second)
	require.True(t, f.worker.ProcessNext(ctx))
	assert.Equal(t, 1, f.queue.Len())

	f.clock.Advance(10 * time.Second)
	assert.False(t, f.worker.ProcessNext(ctx), "second delay is longer")
	f.clock.Advance(10 * time.Second)
	require.True(t, f.worker.ProcessNext(ctx))
	assert.Zero(t, f.queue.Len(), "exhausted operation is discarded")

	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].Error, "unavailable")

	st := f.worker.Stats()
	assert.Equal(t, uint64(3), st.Failed)
	assert.Equal(t, uint64(2), st.Retried)
	assert.Equal(t, uint64(1), st.PermanentFailures)
	assert.NotEmpty(t, st.LastError)
	assert.Len(t, f.worker.Failures(0), 1)
	assert.True(t, f.logs.Contains("outbound.Worker gave up on operation"))
}

func TestRejectedIsPermanentImmediately(t *testing.T) {
	ctx := context.Background()
	remote := memory.New(memory.Options{DB: "remote"})
	m := dbmanager.New(dbmanager.Options{
		Local:  memory.New(memory.Options{DB: "local"}),
		Remote: rejectingStore{remote},
	})
	require.True(t, m.Check(ctx))

	q := queue.New(queue.Options{})
	w := outbound.New(outbound.Options{Queue: q, Manager: m})
	_, err := q.Enqueue(ctx, models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": 1}, "a"))
	require.NoError(t, err)

	require.True(t, w.ProcessNext(ctx))
	assert.Zero(t, q.Len())
	failures := w.Failures(10)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "schema mismatch")
	assert.Equal(t, uint64(0), w.Stats().Retried)
}

func TestMissingDocumentIDIsPermanent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbound.Options{})
	f.enqueue(t, models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"total": 1}, "a"))

	require.True(t, f.worker.ProcessNext(ctx))
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, uint64(1), f.worker.Stats().PermanentFailures)
}

func TestFailureRingIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbound.Options{})
	f.remote.SetOffline(true)

	for i := 0; i < outbound.FailureLogSize+5; i++ {
		op := models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": i}, "a")
		op.MaxRetries = 0
		f.enqueue(t, op)
	}
	for f.worker.ProcessNext(ctx) {
	}

	all := f.worker.Failures(0)
	require.Len(t, all, outbound.FailureLogSize)
	assert.Equal(t, outbound.FailureLogSize+4, all[0].Operation.Data["_id"], "newest first")
	assert.Equal(t, 5, all[len(all)-1].Operation.Data["_id"])
	assert.Len(t, f.worker.Failures(3), 3)
}

func TestPauseHoldsTheQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbound.Options{})
	f.enqueue(t, models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": 1}, "a"))

	f.worker.Pause()
	assert.True(t, f.worker.Paused())
	assert.Zero(t, f.worker.Drain(ctx))
	assert.Equal(t, 1, f.queue.Len())

	f.worker.Resume()
	assert.Equal(t, 1, f.worker.Drain(ctx))
}

func TestReconnectDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbound.Options{Interval: time.Hour})

	f.remote.SetOffline(true)
	require.False(t, f.manager.Check(ctx))

	require.NoError(t, f.worker.Start(ctx))
	require.ErrorIs(t, f.worker.Start(ctx), outbound.ErrRunning)
	for i := 0; i < 3; i++ {
		f.enqueue(t, models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": fmt.Sprint(i)}, "a"))
	}

	f.remote.SetOffline(false)
	require.True(t, f.manager.Check(ctx))

	testenv.WaitFor(t, 2*time.Second, func() bool { return f.remote.Count("bills") == 3 })
	require.NoError(t, f.worker.Stop(ctx))
	assert.False(t, f.worker.Running())
	require.NoError(t, f.worker.Stop(ctx))
}

func TestTickLoopProcesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbound.Options{Interval: 5 * time.Millisecond})
	require.NoError(t, f.worker.Start(ctx))
	defer func() { _ = f.worker.Stop(ctx) }()

	f.enqueue(t, models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": "t"}, "a"))
	testenv.WaitFor(t, 2*time.Second, func() bool { return f.remote.Count("bills") == 1 })
}
