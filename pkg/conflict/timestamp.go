package conflict

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// ErrInvalidTimestamp is returned by Compare for a zero time.
var ErrInvalidTimestamp = errors.New("conflict: invalid timestamp")

var (
	updatedAtFields  = []string{"updatedAt", "updated_at"}
	commitTimeFields = []string{"commitTime", "clusterTime"}
	syncMetaFields   = []string{"_sync", "syncMetadata"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// ExtractTimestamp returns the modification time of doc, or now when none
// of the known fields parse.
func ExtractTimestamp(doc models.Document) time.Time {
	if ts, ok := LookupTimestamp(doc); ok {
		return ts
	}
	return time.Now()
}

// LookupTimestamp tries updatedAt, the commit time, the sync metadata
// lastModified and then the same fields under fullDocument.
func LookupTimestamp(doc models.Document) (time.Time, bool) {
	if ts, ok := lookupFlat(doc); ok {
		return ts, true
	}
	if nested, ok := asDocument(doc["fullDocument"]); ok {
		return lookupFlat(nested)
	}
	return time.Time{}, false
}

func lookupFlat(doc models.Document) (time.Time, bool) {
	if doc == nil {
		return time.Time{}, false
	}
	for _, f := range updatedAtFields {
		if ts, ok := ParseTime(doc[f]); ok {
			return ts, true
		}
	}
	for _, f := range commitTimeFields {
		if ts, ok := ParseTime(doc[f]); ok {
			return ts, true
		}
	}
	for _, f := range syncMetaFields {
		meta, ok := asDocument(doc[f])
		if !ok {
			continue
		}
		if ts, ok := ParseTime(meta["lastModified"]); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func asDocument(v any) (models.Document, bool) {
	switch m := v.(type) {
	case models.Document:
		return m, m != nil
	case map[string]any:
		return models.Document(m), m != nil
	}
	return nil, false
}

type int64er interface {
	Int64() (int64, error)
}

// ParseTime accepts time.Time, RFC 3339 strings, epoch milliseconds and
// extended JSON {"$date": ...} values.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		return parseTimeString(t)
	case int:
		return fromMillis(int64(t))
	case int32:
		return fromMillis(int64(t))
	case int64:
		return fromMillis(t)
	case uint64:
		if t > math.MaxInt64 {
			return time.Time{}, false
		}
		return fromMillis(int64(t))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, false
		}
		return fromMillis(int64(t))
	case int64er:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return fromMillis(n)
	case map[string]any:
		return ParseTime(t["$date"])
	case models.Document:
		return ParseTime(t["$date"])
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromMillis(n)
	}
	return time.Time{}, false
}

func fromMillis(ms int64) (time.Time, bool) {
	if ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Compare returns t1 - t2 in milliseconds.
func Compare(t1, t2 time.Time) (int64, error) {
	if t1.IsZero() || t2.IsZero() {
		return 0, ErrInvalidTimestamp
	}
	return t1.UnixMilli() - t2.UnixMilli(), nil
}

// EventDocument shapes a change event so that ExtractTimestamp can read it:
// the commit time at the top level and the post-image under fullDocument.
// For update events the updated fields are laid over the full document.
func EventDocument(e *models.ChangeEvent) models.Document {
	doc := models.Document{}
	if e == nil {
		return doc
	}
	if !e.CommitTime.IsZero() {
		doc["commitTime"] = e.CommitTime
	}
	full := e.FullDocument.Clone()
	if upd := e.UpdatedFields(); len(upd) > 0 {
		full = full.Merge(upd)
	}
	if full != nil {
		doc["fullDocument"] = full
	}
	return doc
}
