package resume_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/resume"
)

func exercise(t *testing.T, s resume.Store) {
	ctx := context.Background()

	tok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, s.Save(ctx, "mem:1", "inst"))
	require.NoError(t, s.Save(ctx, "mem:2", "inst"))

	tok, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.EqualValues(t, "mem:2", tok.Value)
	assert.Equal(t, "inst", tok.OwnerID)
	assert.False(t, tok.SavedAt.IsZero())

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))
	tok, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, resume.NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	exercise(t, resume.NewFileStore(filepath.Join(t.TempDir(), "state", "resume.json")))
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := resume.NewFileStore(path).Load(context.Background())
	require.Error(t, err)
}
