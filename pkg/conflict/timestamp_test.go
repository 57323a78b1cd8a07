package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/conflict"
	"github.com/surrealdb/surrealsync/pkg/models"
)

func TestLookupTimestampOrder(t *testing.T) {
	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	commit := updated.Add(time.Hour)
	synced := updated.Add(2 * time.Hour)
	nested := updated.Add(3 * time.Hour)

	cases := []struct {
		name string
		doc  models.Document
		want time.Time
	}{
		{"updatedAt first", models.Document{"updatedAt": updated, "commitTime": commit}, updated},
		{"commit time next", models.Document{"commitTime": commit, "_sync": map[string]any{"lastModified": synced}}, commit},
		{"sync metadata", models.Document{"_sync": map[string]any{"lastModified": synced}}, synced},
		{"nested fullDocument", models.Document{"fullDocument": map[string]any{"updatedAt": nested}}, nested},
		{"syncMetadata alias", models.Document{"syncMetadata": models.Document{"lastModified": synced.UnixMilli()}}, synced},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := conflict.LookupTimestamp(tc.doc)
			require.True(t, ok)
			assert.True(t, tc.want.Equal(got), "want %v got %v", tc.want, got)
		})
	}
}

func TestExtractTimestampFallsBackToNow(t *testing.T) {
	before := time.Now()
	got := conflict.ExtractTimestamp(models.Document{"updatedAt": []int{1}})
	assert.False(t, got.Before(before))

	assert.NotPanics(t, func() { conflict.ExtractTimestamp(nil) })
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	for _, v := range []any{
		want,
		&want,
		want.Format(time.RFC3339),
		want.UnixMilli(),
		float64(want.UnixMilli()),
		map[string]any{"$date": want.Format(time.RFC3339Nano)},
		"2024-02-03 04:05:06",
	} {
		got, ok := conflict.ParseTime(v)
		require.True(t, ok, "%T", v)
		assert.True(t, want.Equal(got), "%T: %v", v, got)
	}

	for _, v := range []any{nil, "", "yesterday", -5, time.Time{}, true} {
		_, ok := conflict.ParseTime(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestCompare(t *testing.T) {
	a := time.UnixMilli(2000)
	b := time.UnixMilli(500)

	d, err := conflict.Compare(a, b)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, d)

	d, err = conflict.Compare(b, a)
	require.NoError(t, err)
	assert.EqualValues(t, -1500, d)

	_, err = conflict.Compare(time.Time{}, a)
	require.ErrorIs(t, err, conflict.ErrInvalidTimestamp)
}

func TestEventDocumentOverlaysUpdatedFields(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	ev := &models.ChangeEvent{
		OperationType:     models.ChangeUpdate,
		FullDocument:      models.Document{"_id": 1, "updatedAt": time.UnixMilli(1)},
		UpdateDescription: &models.UpdateDescription{UpdatedFields: models.Document{"updatedAt": ts}},
	}

	got, ok := conflict.LookupTimestamp(conflict.EventDocument(ev))
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
}
