// Package store defines the document store and change stream handles the
// replication engine works against, plus the local write hook that feeds
// the outbound queue.
package store

import (
	"context"
	"errors"

	"github.com/surrealdb/surrealsync/pkg/models"
)

var (
	ErrNotFound = errors.New("store: document not found")

	// ErrResumeTokenInvalid is returned by Watch or ChangeStream.Next when
	// the resume position is malformed or no longer retained.
	ErrResumeTokenInvalid = errors.New("store: resume token invalid or expired")

	ErrUnavailable = errors.New("store: unavailable")
	ErrClosed      = errors.New("store: closed")
	ErrMissingID   = errors.New("store: document has no _id")
)

// DocumentStore is a handle on one side of the replication.
//
// Replace and Update upsert. The returned ApplyResult distinguishes the
// expected idempotent outcomes, and errors are reserved for faults.
type DocumentStore interface {
	// FindByID returns ErrNotFound when the document does not exist.
	FindByID(ctx context.Context, collection string, id any) (models.Document, error)

	// Insert creates doc, returning AlreadyExists when the id is taken.
	Insert(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error)

	// Replace writes doc in full, creating it when missing.
	Replace(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error)

	// Update sets and unsets fields. With upsert, a missing document is
	// created from set; without it, NotFound is returned.
	Update(ctx context.Context, collection string, id any, set models.Document, unset []string, upsert bool) (models.ApplyResult, error)

	// Delete returns NotFound when there was nothing to delete.
	Delete(ctx context.Context, collection string, id any) (models.ApplyResult, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type WatchOptions struct {
	// ResumeAfter continues after the given position. Empty starts at the
	// current end of the stream.
	ResumeAfter models.ResumeToken

	ExcludeCollections []string
}

// ChangeSource opens change streams.
type ChangeSource interface {
	Watch(ctx context.Context, opts WatchOptions) (ChangeStream, error)
}

// ChangeStream yields change events in commit order.
type ChangeStream interface {
	// Next blocks until an event is available. It returns io.EOF when the
	// stream ended and ErrResumeTokenInvalid when the position was lost.
	Next(ctx context.Context) (*models.ChangeEvent, error)
	Close() error
}

// ExcludeSet is a lookup over collection names.
type ExcludeSet map[string]struct{}

func NewExcludeSet(collections []string) ExcludeSet {
	s := make(ExcludeSet, len(collections))
	for _, c := range collections {
		if c != "" {
			s[c] = struct{}{}
		}
	}
	return s
}

func (s ExcludeSet) Has(collection string) bool {
	_, ok := s[collection]
	return ok
}
