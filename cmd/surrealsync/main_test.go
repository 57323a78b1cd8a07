package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/persist"
	"github.com/surrealdb/surrealsync/pkg/resume"
)

type paths struct {
	config   string
	snapshot string
	token    string
}

func writeConfig(t *testing.T) paths {
	t.Helper()
	dir := t.TempDir()
	p := paths{
		config:   filepath.Join(dir, "surrealsync.yaml"),
		snapshot: filepath.Join(dir, "queue.cbor"),
		token:    filepath.Join(dir, "token.json"),
	}
	content := fmt.Sprintf(`
persistence:
  kind: file
  path: %s
  format: cbor
  compress: true
resumeToken:
  kind: file
  path: %s
`, p.snapshot, p.token)
	require.NoError(t, os.WriteFile(p.config, []byte(content), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueueInspect(t *testing.T) {
	p := writeConfig(t)

	out, err := execute(t, "queue", "inspect", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "no persisted queue")

	fp := persist.NewFilePersistence(p.snapshot, persist.Codec{Format: persist.FormatCBOR, Compress: true})
	op := models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": "b1", "amount": 10}, "instance-a")
	require.NoError(t, fp.PersistToDisk(context.Background(), []*models.Operation{op}))

	out, err = execute(t, "queue", "inspect", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "1 operations")
	assert.Contains(t, out, "bills")
	assert.Contains(t, out, op.ID)

	out, err = execute(t, "queue", "inspect", "--json", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, `"queueSize": 1`)
}

func TestQueueInspectWithoutPersistence(t *testing.T) {
	_, err := execute(t, "queue", "inspect")
	assert.ErrorContains(t, err, "no queue persistence configured")
}

func TestTokenShowAndClear(t *testing.T) {
	p := writeConfig(t)
	require.NoError(t, resume.NewFileStore(p.token).Save(context.Background(), "mem:42", "instance-a"))

	out, err := execute(t, "token", "show", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "mem:42")
	assert.Contains(t, out, "instance-a")

	out, err = execute(t, "token", "clear", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	out, err = execute(t, "token", "show", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "no saved token")
}

func TestInvalidConfigIsReported(t *testing.T) {
	t.Setenv("SURREALSYNC_LOCAL_DRIVER", "mysql")
	_, err := execute(t, "token", "show")
	assert.ErrorContains(t, err, "local.driver")
}
