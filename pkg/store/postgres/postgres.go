// Package postgres keeps replicated documents in a single PostgreSQL table
// with a JSONB body, using GORM.
//
// Every collection shares the documents table; rows are keyed by
// (collection, doc_id) where doc_id is the rendered document identity.
// Writes that read before they write run in a transaction so concurrent
// writers cannot interleave between the comparison and the upsert.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"
)

// JSONMap is a document body stored as JSONB.
type JSONMap map[string]any

// Value implements the driver.Valuer interface for database storage
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database retrieval
func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = make(JSONMap)
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("postgres: cannot scan %T into JSONMap", value)
	}
	return json.Unmarshal(b, j)
}

// Record is one stored document.
type Record struct {
	Collection string    `gorm:"primaryKey;size:255"`
	DocID      string    `gorm:"primaryKey;size:512;column:doc_id"`
	Body       JSONMap   `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time `gorm:"index"`
}

func (Record) TableName() string {
	return "surrealsync_documents"
}

type Store struct {
	db *gorm.DB
}

var _ store.DocumentStore = (*Store)(nil)

// Open connects to dsn and migrates the documents table.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing GORM handle.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func findRecord(tx *gorm.DB, collection, key string) (*Record, error) {
	var rec Record
	err := tx.Where("collection = ? AND doc_id = ?", collection, key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) FindByID(ctx context.Context, collection string, id any) (models.Document, error) {
	rec, err := findRecord(s.db.WithContext(ctx), collection, models.IDKey(id))
	if err != nil {
		return nil, err
	}
	return models.Document(rec.Body), nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	key := models.IDKey(doc.ID())
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}
	rec := &Record{Collection: collection, DocID: key, Body: JSONMap(doc), UpdatedAt: time.Now()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return models.ApplyResult{}, fmt.Errorf("postgres: insert %s/%s: %w", collection, key, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ResultAlreadyExists(), nil
	}
	return models.ResultApplied(), nil
}

func (s *Store) Replace(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	key := models.IDKey(doc.ID())
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}

	result := models.ResultApplied()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findRecord(tx.Clauses(clause.Locking{Strength: "UPDATE"}), collection, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if current != nil && sameBody(current.Body, doc) {
			result = models.ResultAlreadyExists()
			return nil
		}
		return save(tx, collection, key, doc)
	})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("postgres: replace %s/%s: %w", collection, key, err)
	}
	return result, nil
}

func (s *Store) Update(ctx context.Context, collection string, id any, set models.Document, unset []string, upsert bool) (models.ApplyResult, error) {
	key := models.IDKey(id)
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}

	result := models.ResultApplied()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findRecord(tx.Clauses(clause.Locking{Strength: "UPDATE"}), collection, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		base := models.Document{models.IDField: id}
		if current != nil {
			base = models.Document(current.Body)
		} else if !upsert {
			result = models.ResultNotFound()
			return nil
		}

		updated := base.Merge(set).Without(unset...)
		updated[models.IDField] = base[models.IDField]
		if current != nil && sameBody(current.Body, updated) {
			result = models.ResultAlreadyExists()
			return nil
		}
		return save(tx, collection, key, updated)
	})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("postgres: update %s/%s: %w", collection, key, err)
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, collection string, id any) (models.ApplyResult, error) {
	key := models.IDKey(id)
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}
	res := s.db.WithContext(ctx).Where("collection = ? AND doc_id = ?", collection, key).Delete(&Record{})
	if res.Error != nil {
		return models.ApplyResult{}, fmt.Errorf("postgres: delete %s/%s: %w", collection, key, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ResultNotFound(), nil
	}
	return models.ResultApplied(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func save(tx *gorm.DB, collection, key string, doc models.Document) error {
	rec := &Record{Collection: collection, DocID: key, Body: JSONMap(doc), UpdatedAt: time.Now()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(rec).Error
}

// sameBody compares a stored body with doc after both pass through JSON,
// so numeric types decoded from JSONB compare equal to Go ints.
func sameBody(stored JSONMap, doc models.Document) bool {
	a, err := json.Marshal(stored)
	if err != nil {
		return false
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	var left, right map[string]any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}
