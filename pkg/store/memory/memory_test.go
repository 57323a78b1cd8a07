package memory_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"
	"github.com/surrealdb/surrealsync/pkg/store/memory"
)

func next(t *testing.T, st store.ChangeStream) *models.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := st.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestDocumentOperations(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{})

	res, err := s.Insert(ctx, "bills", models.Document{"_id": 1, "total": 10})
	require.NoError(t, err)
	assert.Equal(t, models.Applied, res.Status)

	res, err = s.Insert(ctx, "bills", models.Document{"_id": 1, "total": 11})
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyExists, res.Status)

	res, err = s.Replace(ctx, "bills", models.Document{"_id": 1, "total": 10})
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyExists, res.Status, "identical replace is a no-op")

	res, err = s.Update(ctx, "bills", 1, models.Document{"paid": 5}, []string{"total"}, false)
	require.NoError(t, err)
	assert.Equal(t, models.Applied, res.Status)

	doc, err := s.FindByID(ctx, "bills", float64(1))
	require.NoError(t, err)
	assert.Equal(t, models.Document{"_id": 1, "paid": 5}, doc)

	res, err = s.Update(ctx, "bills", 2, models.Document{"paid": 1}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, models.NotFound, res.Status)

	res, err = s.Update(ctx, "bills", 2, models.Document{"paid": 1}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.Applied, res.Status)
	assert.Equal(t, 2, s.Count("bills"))

	res, err = s.Delete(ctx, "bills", 1)
	require.NoError(t, err)
	assert.Equal(t, models.Applied, res.Status)

	res, err = s.Delete(ctx, "bills", 1)
	require.NoError(t, err)
	assert.Equal(t, models.NotFound, res.Status)

	_, err = s.FindByID(ctx, "bills", 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Insert(ctx, "bills", models.Document{"total": 1})
	require.ErrorIs(t, err, store.ErrMissingID)
}

func TestFindReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{})
	_, _ = s.Insert(ctx, "c", models.Document{"_id": "a", "nested": map[string]any{"x": 1}})

	doc, err := s.FindByID(ctx, "c", "a")
	require.NoError(t, err)
	doc["nested"].(map[string]any)["x"] = 2

	again, _ := s.FindByID(ctx, "c", "a")
	assert.Equal(t, 1, again["nested"].(map[string]any)["x"])
}

func TestChangeStream(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{DB: "app"})

	st, err := s.Watch(ctx, store.WatchOptions{ExcludeCollections: []string{"audit"}})
	require.NoError(t, err)
	defer st.Close()

	_, _ = s.Insert(ctx, "bills", models.Document{"_id": 1, "total": 10})
	_, _ = s.Insert(ctx, "audit", models.Document{"_id": 1})
	_, _ = s.Update(ctx, "bills", 1, models.Document{"paid": 5}, nil, false)
	_, _ = s.Replace(ctx, "bills", models.Document{"_id": 1, "total": 12})
	_, _ = s.Delete(ctx, "bills", 1)

	ev := next(t, st)
	assert.Equal(t, models.ChangeInsert, ev.OperationType)
	assert.Equal(t, models.Namespace{DB: "app", Collection: "bills"}, ev.Namespace)
	assert.Equal(t, 1, ev.DocumentID())
	assert.NotEmpty(t, ev.ResumeToken)
	assert.False(t, ev.CommitTime.IsZero())

	ev = next(t, st)
	assert.Equal(t, models.ChangeUpdate, ev.OperationType)
	assert.Equal(t, models.Document{"paid": 5}, ev.UpdatedFields())
	assert.Equal(t, models.Document{"_id": 1, "total": 10, "paid": 5}, ev.FullDocument)

	ev = next(t, st)
	assert.Equal(t, models.ChangeReplace, ev.OperationType)

	ev = next(t, st)
	assert.Equal(t, models.ChangeDelete, ev.OperationType)
	assert.Nil(t, ev.FullDocument)
}

func TestResumeAfterToken(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{})

	_, _ = s.Insert(ctx, "c", models.Document{"_id": 1})
	tok := s.Token()
	_, _ = s.Insert(ctx, "c", models.Document{"_id": 2})

	st, err := s.Watch(ctx, store.WatchOptions{ResumeAfter: tok})
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, 2, next(t, st).DocumentID())
}

func TestInvalidTokens(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{Retention: 2})

	_, err := s.Watch(ctx, store.WatchOptions{ResumeAfter: "garbage"})
	require.ErrorIs(t, err, store.ErrResumeTokenInvalid)

	_, err = s.Watch(ctx, store.WatchOptions{ResumeAfter: "mem:99"})
	require.ErrorIs(t, err, store.ErrResumeTokenInvalid)

	_, _ = s.Insert(ctx, "c", models.Document{"_id": 1})
	old := s.Token()
	for i := 2; i < 6; i++ {
		_, _ = s.Insert(ctx, "c", models.Document{"_id": i})
	}
	_, err = s.Watch(ctx, store.WatchOptions{ResumeAfter: old})
	require.ErrorIs(t, err, store.ErrResumeTokenInvalid)
}

func TestInterruptAndOffline(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{})

	st, err := s.Watch(ctx, store.WatchOptions{})
	require.NoError(t, err)

	boom := errors.New("connection reset")
	go s.InterruptStreams(boom)
	_, err = st.Next(ctx)
	require.ErrorIs(t, err, boom)
	require.NoError(t, st.Close())

	s.SetOffline(true)
	require.ErrorIs(t, s.Ping(ctx), store.ErrUnavailable)
	_, err = s.Watch(ctx, store.WatchOptions{})
	require.ErrorIs(t, err, store.ErrUnavailable)
	_, err = s.Insert(ctx, "c", models.Document{"_id": 1})
	require.ErrorIs(t, err, store.ErrUnavailable)

	s.SetOffline(false)
	require.NoError(t, s.Ping(ctx))
}

func TestCloseEndsStreams(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{})
	st, err := s.Watch(ctx, store.WatchOptions{})
	require.NoError(t, err)

	go func() { _ = s.Close(ctx) }()
	_, err = st.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestNextHonoursContext(t *testing.T) {
	s := memory.New(memory.Options{})
	st, err := s.Watch(context.Background(), store.WatchOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = st.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
