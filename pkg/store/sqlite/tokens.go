package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/resume"
)

// TokenStore keeps a named resume token in the resume_tokens table.
type TokenStore struct {
	db   *sql.DB
	name string
}

var _ resume.Store = (*TokenStore)(nil)

func NewTokenStore(s *Store, name string) *TokenStore {
	if name == "" {
		name = "inbound"
	}
	return &TokenStore{db: s.db, name: name}
}

func (t *TokenStore) Save(ctx context.Context, token models.ResumeToken, ownerID string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO resume_tokens (name, token, owner_id, saved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET token = excluded.token, owner_id = excluded.owner_id, saved_at = excluded.saved_at`,
		t.name, string(token), ownerID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: save resume token: %w", err)
	}
	return nil
}

func (t *TokenStore) Load(ctx context.Context) (*resume.Token, error) {
	var (
		token, owner string
		savedAt      int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT token, owner_id, saved_at FROM resume_tokens WHERE name = ?`, t.name).Scan(&token, &owner, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load resume token: %w", err)
	}
	return &resume.Token{
		Value:   models.ResumeToken(token),
		OwnerID: owner,
		SavedAt: time.UnixMilli(savedAt),
	}, nil
}

func (t *TokenStore) Clear(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM resume_tokens WHERE name = ?`, t.name); err != nil {
		return fmt.Errorf("sqlite: clear resume token: %w", err)
	}
	return nil
}
