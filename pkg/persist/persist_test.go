package persist_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/persist"
)

func sampleOps() []*models.Operation {
	ins := models.NewOperation(models.OperationInsert, "bills", nil, models.Document{"_id": 1, "total": 10, "lines": map[string]any{"a": 1}}, "inst")
	del := models.NewOperation(models.OperationDelete, "bills", models.Document{"_id": "x"}, nil, "inst")
	del.RetryCount = 2
	del.NextAttemptAt = time.Now().Add(time.Minute).UTC()
	return []*models.Operation{ins, del}
}

func TestFilePersistenceFormats(t *testing.T) {
	codecs := map[string]persist.Codec{
		"json":        {Format: persist.FormatJSON},
		"json+snappy": {Format: persist.FormatJSON, Compress: true},
		"cbor":        {Format: persist.FormatCBOR},
		"cbor+snappy": {Format: persist.FormatCBOR, Compress: true},
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := persist.NewFilePersistence(filepath.Join(t.TempDir(), "nested", "queue.snap"), codec)
			want := sampleOps()

			require.NoError(t, p.PersistToDisk(ctx, want))

			snap, err := p.LoadSnapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, persist.SnapshotVersion, snap.Version)
			assert.Equal(t, 2, snap.QueueSize)

			got, err := p.LoadFromDisk(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)

			assert.Equal(t, want[0].ID, got[0].ID)
			assert.Equal(t, models.OperationInsert, got[0].Type)
			assert.Equal(t, "1", models.IDKey(got[0].DocumentID()))
			assert.Equal(t, "10", models.IDKey(got[0].Data["total"]))
			assert.IsType(t, map[string]any{}, got[0].Data["lines"])
			assert.True(t, want[0].Timestamp.Equal(got[0].Timestamp))

			assert.Equal(t, models.OperationDelete, got[1].Type)
			assert.Equal(t, "x", got[1].DocumentID())
			assert.Equal(t, 2, got[1].RetryCount)
			assert.True(t, want[1].NextAttemptAt.Equal(got[1].NextAttemptAt))
		})
	}
}

func TestFilePersistenceMissingAndClear(t *testing.T) {
	ctx := context.Background()
	p := persist.NewFilePersistence(filepath.Join(t.TempDir(), "queue.json"), persist.Codec{})

	ops, err := p.LoadFromDisk(ctx)
	require.NoError(t, err)
	assert.Nil(t, ops)

	_, err = p.LoadSnapshot(ctx)
	require.ErrorIs(t, err, persist.ErrNoSnapshot)

	require.NoError(t, p.PersistToDisk(ctx, sampleOps()))
	require.NoError(t, p.Clear(ctx))
	require.NoError(t, p.Clear(ctx))

	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestPersistEmptyQueueWritesEmptyList(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")
	p := persist.NewFilePersistence(path, persist.Codec{})

	require.NoError(t, p.PersistToDisk(ctx, nil))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"operations":[]`)
	assert.Contains(t, string(raw), `"queueSize":0`)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	codec := persist.Codec{}
	_, err := codec.Decode([]byte(`{"version":9,"operations":[]}`))
	require.ErrorIs(t, err, persist.ErrUnsupportedVersion)

	_, err = codec.Decode([]byte(`{"operations":[]}`))
	require.Error(t, err)

	_, err = persist.Codec{Compress: true}.Decode([]byte("not snappy"))
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := persist.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, persist.FormatJSON, f)

	f, err = persist.ParseFormat("cbor")
	require.NoError(t, err)
	assert.Equal(t, persist.FormatCBOR, f)

	_, err = persist.ParseFormat("xml")
	require.ErrorIs(t, err, persist.ErrUnknownFormat)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Persistence(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string][]byte{}}
	p := persist.NewS3Persistence(client, "bucket", "", persist.Codec{Format: persist.FormatCBOR, Compress: true})

	ops, err := p.LoadFromDisk(ctx)
	require.NoError(t, err)
	assert.Nil(t, ops)

	require.NoError(t, p.PersistToDisk(ctx, sampleOps()))
	assert.Contains(t, client.objects, "bucket/surrealsync/outbound-queue.snapshot")

	ops, err = p.LoadFromDisk(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	require.NoError(t, p.Clear(ctx))
	_, err = p.LoadSnapshot(ctx)
	require.ErrorIs(t, err, persist.ErrNoSnapshot)
}
