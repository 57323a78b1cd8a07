// Package surrealdb is the remote side of the replication: a document store
// over a SurrealDB database and a change stream built on table changefeeds.
//
// Documents map onto records by identity. The replicated _id becomes the id
// part of the record id table:id. SurrealDB reserves the id field for that
// record id, so a document field named id is stored as __id.
package surrealdb

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultChangeBatch  = 1000
)

// EscapedIDField holds a document's own id field inside a record.
const EscapedIDField = "__id"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Endpoint  string
	Namespace string
	Database  string
	Username  string
	Password  string

	// Tables are the changefeed-enabled tables the change stream follows.
	Tables []string

	PollInterval time.Duration
	ChangeBatch  int

	// DefineChangefeed, when set, defines missing tables with a changefeed
	// of this retention, e.g. "24h".
	DefineChangefeed string
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ChangeBatch <= 0 {
		c.ChangeBatch = DefaultChangeBatch
	}
}

// ValidateTable rejects names that cannot be interpolated into SurrealQL.
func ValidateTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("surrealdb: invalid table name %q", name)
	}
	return nil
}

type Store struct {
	db  *surrealdb.DB
	cfg Config
}

var (
	_ store.DocumentStore = (*Store)(nil)
	_ store.ChangeSource  = (*Store)(nil)
)

// Open connects, signs in when credentials are given and selects the
// namespace and database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.withDefaults()
	for _, t := range cfg.Tables {
		if err := ValidateTable(t); err != nil {
			return nil, err
		}
	}

	db, err := surrealdb.FromEndpointURLString(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if cfg.DefineChangefeed != "" {
		if err := s.defineChangefeeds(ctx); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) defineChangefeeds(ctx context.Context) error {
	for _, t := range s.cfg.Tables {
		q := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s CHANGEFEED %s", t, s.cfg.DefineChangefeed)
		if _, err := query[any](ctx, s.db, q, nil); err != nil {
			return fmt.Errorf("surrealdb: define changefeed on %s: %w", t, err)
		}
	}
	return nil
}

// query runs q and returns the result of its first statement.
func query[T any](ctx context.Context, db *surrealdb.DB, q string, vars map[string]any) (T, error) {
	var zero T
	res, err := surrealdb.Query[T](ctx, db, q, vars)
	if err != nil {
		return zero, err
	}
	if res == nil || len(*res) == 0 {
		return zero, fmt.Errorf("surrealdb: empty response to %q", q)
	}
	if qe := (*res)[0].Error; qe != nil {
		return zero, qe
	}
	return (*res)[0].Result, nil
}

func (s *Store) FindByID(ctx context.Context, collection string, id any) (models.Document, error) {
	rid, err := recordID(collection, id)
	if err != nil {
		return nil, err
	}
	rows, err := query[[]map[string]any](ctx, s.db, "SELECT * FROM $rid", map[string]any{"rid": &rid})
	if err != nil {
		return nil, fmt.Errorf("surrealdb: find %s: %w", rid.String(), err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return FromRecord(rows[0]), nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	rid, err := recordID(collection, doc.ID())
	if err != nil {
		return models.ApplyResult{}, err
	}
	_, err = query[[]map[string]any](ctx, s.db, "CREATE $rid CONTENT $data", map[string]any{
		"rid":  &rid,
		"data": ToContent(doc),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return models.ResultAlreadyExists(), nil
		}
		return models.ApplyResult{}, fmt.Errorf("surrealdb: create %s: %w", rid.String(), err)
	}
	return models.ResultApplied(), nil
}

func (s *Store) Replace(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	rid, err := recordID(collection, doc.ID())
	if err != nil {
		return models.ApplyResult{}, err
	}
	diffs, err := query[[]any](ctx, s.db, "UPSERT $rid CONTENT $data RETURN DIFF", map[string]any{
		"rid":  &rid,
		"data": ToContent(doc),
	})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("surrealdb: upsert %s: %w", rid.String(), err)
	}
	return diffResult(diffs), nil
}

// Update merges set into the record and removes unset in one statement, so
// concurrent writes to other fields are kept.
func (s *Store) Update(ctx context.Context, collection string, id any, set models.Document, unset []string, upsert bool) (models.ApplyResult, error) {
	rid, err := recordID(collection, id)
	if err != nil {
		return models.ApplyResult{}, err
	}
	diffs, err := query[[]any](ctx, s.db, MergeQuery(upsert), map[string]any{
		"rid":  &rid,
		"data": MergeContent(set, unset),
	})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("surrealdb: merge %s: %w", rid.String(), err)
	}
	return diffResult(diffs), nil
}

// MergeQuery is the statement Update runs. UPDATE leaves missing records
// alone; UPSERT creates them.
func MergeQuery(upsert bool) string {
	if upsert {
		return "UPSERT $rid MERGE $data RETURN DIFF"
	}
	return "UPDATE $rid MERGE $data RETURN DIFF"
}

// MergeContent builds the MERGE object: set fields as given and unset fields
// as NONE, which removes them.
func MergeContent(set models.Document, unset []string) map[string]any {
	out := ToContent(set)
	for _, f := range unset {
		if f == models.IDField {
			continue
		}
		if f == "id" {
			f = EscapedIDField
		}
		out[f] = &surrealmodels.CustomNil{}
	}
	return out
}

// diffResult maps the RETURN DIFF output of a single-record write: no row
// means the record did not exist, an empty patch means nothing changed.
func diffResult(diffs []any) models.ApplyResult {
	if len(diffs) == 0 {
		return models.ResultNotFound()
	}
	if patch, ok := diffs[0].([]any); ok && len(patch) == 0 {
		return models.ResultAlreadyExists()
	}
	return models.ResultApplied()
}

func (s *Store) Delete(ctx context.Context, collection string, id any) (models.ApplyResult, error) {
	rid, err := recordID(collection, id)
	if err != nil {
		return models.ApplyResult{}, err
	}
	before, err := query[[]map[string]any](ctx, s.db, "DELETE $rid RETURN BEFORE", map[string]any{"rid": &rid})
	if err != nil {
		return models.ApplyResult{}, fmt.Errorf("surrealdb: delete %s: %w", rid.String(), err)
	}
	if len(before) == 0 {
		return models.ResultNotFound(), nil
	}
	return models.ResultApplied(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if _, err := query[any](ctx, s.db, "RETURN true", nil); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

func recordID(table string, id any) (surrealmodels.RecordID, error) {
	if err := ValidateTable(table); err != nil {
		return surrealmodels.RecordID{}, err
	}
	if models.IDKey(id) == "" {
		return surrealmodels.RecordID{}, store.ErrMissingID
	}
	return surrealmodels.NewRecordID(table, recordKey(id)), nil
}

// recordKey turns integral floats, as decoded from JSON, into integers so
// that 1 and 1.0 address the same record.
func recordKey(id any) any {
	switch v := id.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
	case float32:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	}
	return id
}

// ToContent strips the document identity, which lives in the record id, and
// escapes a document field named id.
func ToContent(doc models.Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case models.IDField:
		case "id":
			out[EscapedIDField] = v
		default:
			out[k] = v
		}
	}
	return out
}

// FromRecord converts a SurrealDB record into a document, moving the id
// part of the record id into _id.
func FromRecord(rec map[string]any) models.Document {
	doc := make(models.Document, len(rec))
	for k, v := range rec {
		switch k {
		case "id":
		case EscapedIDField:
			doc["id"] = v
		default:
			doc[k] = v
		}
	}
	if id, ok := rec["id"]; ok {
		doc[models.IDField] = RecordKeyOf(id)
	}
	return doc
}

// RecordKeyOf extracts the id part from a record id in any of the forms the
// driver may hand back.
func RecordKeyOf(v any) any {
	switch id := v.(type) {
	case surrealmodels.RecordID:
		return id.ID
	case *surrealmodels.RecordID:
		if id == nil {
			return nil
		}
		return id.ID
	case string:
		if _, key, ok := strings.Cut(id, ":"); ok {
			return strings.Trim(key, "⟨⟩`")
		}
		return id
	case map[string]any:
		if inner, ok := id["id"]; ok {
			return inner
		}
	}
	return v
}
