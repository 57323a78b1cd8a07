// Package sqlite stores replicated documents as JSON rows in SQLite, using
// the pure Go modernc.org/sqlite driver. It also provides a resume token
// table so a single file holds all local replication state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS resume_tokens (
	name     TEXT PRIMARY KEY,
	token    TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);`

type Config struct {
	// Path to the SQLite database file
	Path string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int
}

type Store struct {
	db *sql.DB

	// writes run in read-modify-write transactions; SQLite allows one writer.
	writeMu sync.Mutex
}

var _ store.DocumentStore = (*Store)(nil)

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "surrealsync.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func encode(doc models.Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode document: %w", err)
	}
	return string(b), nil
}

func decode(body string) (models.Document, error) {
	doc := models.Document{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("sqlite: decode document: %w", err)
	}
	return doc, nil
}

func idOf(doc models.Document) (string, error) {
	key := models.IDKey(doc.ID())
	if key == "" {
		return "", store.ErrMissingID
	}
	return key, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func find(ctx context.Context, q querier, collection, key string) (models.Document, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find %s/%s: %w", collection, key, err)
	}
	return decode(body)
}

func (s *Store) FindByID(ctx context.Context, collection string, id any) (models.Document, error) {
	return find(ctx, s.db, collection, models.IDKey(id))
}

func (s *Store) Insert(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	key, err := idOf(doc)
	if err != nil {
		return models.ApplyResult{}, err
	}
	body, err := encode(doc)
	if err != nil {
		return models.ApplyResult{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (collection, id) DO NOTHING`,
		collection, key, body, time.Now().UnixMilli())
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("sqlite: insert %s/%s: %w", collection, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ResultAlreadyExists(), nil
	}
	return models.ResultApplied(), nil
}

func (s *Store) Replace(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	key, err := idOf(doc)
	if err != nil {
		return models.ApplyResult{}, err
	}
	body, err := encode(doc)
	if err != nil {
		return models.ApplyResult{}, err
	}

	var result models.ApplyResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, key).Scan(&current)
		if err == nil && current == body {
			result = models.ResultAlreadyExists()
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		result = models.ResultApplied()
		return upsert(ctx, tx, collection, key, body)
	})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("sqlite: replace %s/%s: %w", collection, key, err)
	}
	return result, nil
}

func (s *Store) Update(ctx context.Context, collection string, id any, set models.Document, unset []string, upsertMissing bool) (models.ApplyResult, error) {
	key := models.IDKey(id)
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}

	var result models.ApplyResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := find(ctx, tx, collection, key)
		if errors.Is(err, store.ErrNotFound) {
			if !upsertMissing {
				result = models.ResultNotFound()
				return nil
			}
			current = models.Document{models.IDField: id}
		} else if err != nil {
			return err
		}

		updated := current.Merge(set).Without(unset...)
		updated[models.IDField] = current[models.IDField]
		if err == nil && reflect.DeepEqual(normalize(updated), current) {
			result = models.ResultAlreadyExists()
			return nil
		}

		body, err := encode(updated)
		if err != nil {
			return err
		}
		result = models.ResultApplied()
		return upsert(ctx, tx, collection, key, body)
	})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("sqlite: update %s/%s: %w", collection, key, err)
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, collection string, id any) (models.ApplyResult, error) {
	key := models.IDKey(id)
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, key)
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("sqlite: delete %s/%s: %w", collection, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ResultNotFound(), nil
	}
	return models.ResultApplied(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsert(ctx context.Context, tx *sql.Tx, collection, key, body string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, key, body, time.Now().UnixMilli())
	return err
}

// normalize round-trips doc through JSON so it compares equal to a stored row.
func normalize(doc models.Document) models.Document {
	body, err := encode(doc)
	if err != nil {
		return doc
	}
	out, err := decode(body)
	if err != nil {
		return doc
	}
	return out
}
