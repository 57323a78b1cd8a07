package surrealdb

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"
)

type fakeFeed struct {
	sets  map[string][]ChangeSet
	calls []string
	err   error
}

func (f *fakeFeed) fetch(_ context.Context, table, since string, limit int) ([]ChangeSet, error) {
	f.calls = append(f.calls, table+"@"+since)
	if f.err != nil {
		return nil, f.err
	}
	var out []ChangeSet
	for _, cs := range f.sets[table] {
		if len(out) == limit {
			break
		}
		out = append(out, cs)
	}
	return out, nil
}

func update(vs uint64, table string, id any, fields map[string]any) ChangeSet {
	rec := map[string]any{"id": surrealmodels.NewRecordID(table, id)}
	for k, v := range fields {
		rec[k] = v
	}
	return ChangeSet{Versionstamp: vs, Changes: []Change{{Update: rec}}}
}

func TestSinceVersionstamp(t *testing.T) {
	assert.Equal(t, "0", SinceVersionstamp(0))
	assert.Equal(t, "1", SinceVersionstamp(1<<16))
	assert.Equal(t, "3", SinceVersionstamp(3<<16|42))
	assert.Equal(t, "SHOW CHANGES FOR TABLE bills SINCE 3 LIMIT 10", ShowChangesQuery("bills", "3", 10))
	assert.Equal(t, "SHOW CHANGES FOR TABLE bills SINCE 0", ShowChangesQuery("bills", "0", 0))
	assert.Equal(t, `d"2024-01-02T03:04:05Z"`, SinceTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestParseToken(t *testing.T) {
	vs, err := ParseToken(FormatToken(65536))
	require.NoError(t, err)
	assert.Equal(t, uint64(65536), vs)

	_, err = ParseToken("mem:3")
	require.ErrorIs(t, err, store.ErrResumeTokenInvalid)
}

func TestChangeSetEvents(t *testing.T) {
	cs := ChangeSet{Versionstamp: 7 << 16, Changes: []Change{
		{DefineTable: &ChangeDefineTable{Name: "bills"}},
		{Update: map[string]any{"id": surrealmodels.NewRecordID("bills", "b1"), "total": 3}},
		{Delete: map[string]any{"id": "bills:b2"}},
	}}
	evs := ChangeSetEvents("app", "bills", cs)
	require.Len(t, evs, 2)

	assert.Equal(t, models.ChangeReplace, evs[0].OperationType)
	assert.Equal(t, "b1", evs[0].DocumentID())
	assert.Equal(t, models.Document{"_id": "b1", "total": 3}, evs[0].FullDocument)
	assert.Equal(t, models.Namespace{DB: "app", Collection: "bills"}, evs[0].Namespace)
	assert.Equal(t, FormatToken(7<<16), evs[0].ResumeToken)

	assert.Equal(t, models.ChangeDelete, evs[1].OperationType)
	assert.Equal(t, "b2", evs[1].DocumentID())
	assert.Nil(t, evs[1].FullDocument)
}

func TestRecordMapping(t *testing.T) {
	assert.Equal(t, int64(1), recordKey(float64(1)))
	assert.Equal(t, 1.5, recordKey(1.5))
	assert.Equal(t, "x", recordKey("x"))

	assert.Equal(t, map[string]any{"a": 1}, ToContent(models.Document{"_id": 1, "a": 1}))

	_, err := recordID("bad-table;", 1)
	require.Error(t, err)
	_, err = recordID("bills", nil)
	require.ErrorIs(t, err, store.ErrMissingID)
}

func TestDocumentIDFieldRoundTrips(t *testing.T) {
	doc := models.Document{"_id": "b1", "id": "INV-7", "total": 10}

	content := ToContent(doc)
	assert.Equal(t, map[string]any{EscapedIDField: "INV-7", "total": 10}, content)

	rec := map[string]any{"id": surrealmodels.NewRecordID("bills", "b1")}
	for k, v := range content {
		rec[k] = v
	}
	assert.Equal(t, doc, FromRecord(rec))
}

func TestMergeWrites(t *testing.T) {
	assert.Equal(t, "UPSERT $rid MERGE $data RETURN DIFF", MergeQuery(true))
	assert.Equal(t, "UPDATE $rid MERGE $data RETURN DIFF", MergeQuery(false))

	content := MergeContent(models.Document{"_id": "b1", "total": 99}, []string{"note", "id", "_id"})
	require.Len(t, content, 3)
	assert.Equal(t, 99, content["total"])
	assert.IsType(t, &surrealmodels.CustomNil{}, content["note"])
	assert.IsType(t, &surrealmodels.CustomNil{}, content[EscapedIDField])
}

func TestDiffResult(t *testing.T) {
	assert.Equal(t, models.NotFound, diffResult(nil).Status)
	assert.Equal(t, models.AlreadyExists, diffResult([]any{[]any{}}).Status)
	assert.Equal(t, models.Applied, diffResult([]any{[]any{
		map[string]any{"op": "replace", "path": "/total", "value": 99},
	}}).Status)
}

func TestStreamOrdersAcrossTables(t *testing.T) {
	feed := &fakeFeed{sets: map[string][]ChangeSet{
		"bills":  {update(1<<16, "bills", 1, nil), update(4<<16, "bills", 2, nil)},
		"orders": {update(2<<16, "orders", 1, nil)},
	}}
	st, err := newStream(context.Background(), streamConfig{
		fetch:        feed.fetch,
		database:     "app",
		tables:       []string{"bills", "orders"},
		resumeAfter:  FormatToken(0),
		pollInterval: time.Millisecond,
		batch:        10,
	})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		ev, err := st.Next(ctx)
		require.NoError(t, err)
		got = append(got, ev.Namespace.Collection+"/"+models.IDKey(ev.DocumentID()))
	}
	assert.Equal(t, []string{"bills/1", "orders/1", "bills/2"}, got)
}

func TestStreamBatchCutoff(t *testing.T) {
	feed := &fakeFeed{sets: map[string][]ChangeSet{
		"bills":  {update(1<<16, "bills", 1, nil), update(3<<16, "bills", 2, nil), update(5<<16, "bills", 3, nil)},
		"orders": {update(4<<16, "orders", 1, nil)},
	}}
	st, err := newStream(context.Background(), streamConfig{
		fetch:       feed.fetch,
		tables:      []string{"bills", "orders"},
		resumeAfter: FormatToken(0),
		batch:       2,
	})
	require.NoError(t, err)

	require.NoError(t, st.poll(context.Background()))
	require.Len(t, st.pending, 2, "orders@4 waits until bills is read past 3")
	assert.Equal(t, uint64(3<<16), st.cursor)
}

func TestStreamStartsAtNowWithoutToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{}
	st, err := newStream(context.Background(), streamConfig{
		fetch:  feed.fetch,
		tables: []string{"bills"},
		now:    func() time.Time { return now },
	})
	require.NoError(t, err)
	require.NoError(t, st.poll(context.Background()))
	assert.Equal(t, []string{`bills@d"2024-05-01T00:00:00Z"`}, feed.calls)
}

func TestStreamErrorsAndClose(t *testing.T) {
	_, err := newStream(context.Background(), streamConfig{resumeAfter: "nope"})
	require.ErrorIs(t, err, store.ErrResumeTokenInvalid)

	feed := &fakeFeed{err: errors.New("boom")}
	st, err := newStream(context.Background(), streamConfig{fetch: feed.fetch, tables: []string{"bills"}})
	require.NoError(t, err)
	_, err = st.Next(context.Background())
	require.Error(t, err)

	feed.err = nil
	require.NoError(t, st.Close())
	_, err = st.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
