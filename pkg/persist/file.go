package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// FilePersistence keeps the snapshot in a single file, replaced atomically
// on every write.
type FilePersistence struct {
	path  string
	codec Codec
	mu    sync.Mutex
}

var (
	_ QueuePersistence = (*FilePersistence)(nil)
	_ Clearer          = (*FilePersistence)(nil)
)

func NewFilePersistence(path string, codec Codec) *FilePersistence {
	return &FilePersistence{path: path, codec: codec}
}

func (p *FilePersistence) Path() string {
	return p.path
}

func (p *FilePersistence) PersistToDisk(ctx context.Context, ops []*models.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := p.codec.Encode(NewSnapshot(ops))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("persist: replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the whole snapshot. It returns ErrNoSnapshot when the
// file does not exist.
func (p *FilePersistence) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	data, err := os.ReadFile(p.path)
	p.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read %s: %w", p.path, err)
	}
	return p.codec.Decode(data)
}

// LoadFromDisk returns the persisted operations, or none when nothing was
// persisted yet.
func (p *FilePersistence) LoadFromDisk(ctx context.Context) ([]*models.Operation, error) {
	s, err := p.LoadSnapshot(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Operations, nil
}

func (p *FilePersistence) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("persist: remove %s: %w", p.path, err)
	}
	return nil
}
