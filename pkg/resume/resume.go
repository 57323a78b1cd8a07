// Package resume persists the inbound change stream position so the listener
// can continue where it left off after a restart.
package resume

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// Token is a saved stream position.
type Token struct {
	Value   models.ResumeToken `json:"token"`
	OwnerID string             `json:"ownerId"`
	SavedAt time.Time          `json:"savedAt"`
}

// Store saves, loads and clears the resume position. Load returns nil and no
// error when nothing is saved.
type Store interface {
	Save(ctx context.Context, token models.ResumeToken, ownerID string) error
	Load(ctx context.Context) (*Token, error)
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu    sync.Mutex
	token *Token
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, token models.ResumeToken, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = &Token{Value: token, OwnerID: ownerID, SavedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Load(context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil, nil
	}
	cp := *s.token
	return &cp, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}

// FileStore keeps the token as a small JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(_ context.Context, token models.ResumeToken, ownerID string) error {
	data, err := json.Marshal(Token{Value: token, OwnerID: ownerID, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("resume: encode token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("resume: create directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("resume: write token: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("resume: replace token: %w", err)
	}
	return nil
}

func (s *FileStore) Load(context.Context) (*Token, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume: read token: %w", err)
	}

	tok := new(Token)
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("resume: decode token: %w", err)
	}
	if tok.Value == "" {
		return nil, nil
	}
	return tok, nil
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("resume: remove token: %w", err)
	}
	return nil
}
