package store

import (
	"context"
	"errors"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// WriteHook receives the outbound operation describing a successful local write.
type WriteHook func(ctx context.Context, op *models.Operation)

// HookedStore wraps the local store and reports every write the application
// makes, unless the write's context carries a suppression token.
type HookedStore struct {
	DocumentStore

	instanceID string
	hook       WriteHook
}

var _ DocumentStore = (*HookedStore)(nil)

func NewHookedStore(inner DocumentStore, instanceID string, hook WriteHook) *HookedStore {
	return &HookedStore{DocumentStore: inner, instanceID: instanceID, hook: hook}
}

// Unwrap returns the wrapped store.
func (s *HookedStore) Unwrap() DocumentStore {
	return s.DocumentStore
}

func (s *HookedStore) Insert(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	res, err := s.DocumentStore.Insert(ctx, collection, doc)
	if err == nil && res.Status == models.Applied {
		s.emit(ctx, models.OperationInsert, collection, nil, doc.Clone())
	}
	return res, err
}

func (s *HookedStore) Replace(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	res, err := s.DocumentStore.Replace(ctx, collection, doc)
	if err == nil && res.Status == models.Applied {
		s.emit(ctx, models.OperationInsert, collection, nil, doc.Clone())
	}
	return res, err
}

func (s *HookedStore) Update(ctx context.Context, collection string, id any, set models.Document, unset []string, upsert bool) (models.ApplyResult, error) {
	res, err := s.DocumentStore.Update(ctx, collection, id, set, unset, upsert)
	if err != nil || res.Status != models.Applied || s.suppressed(ctx) {
		return res, err
	}

	if len(unset) > 0 {
		// Outbound updates only carry $set, so removed fields travel as a
		// full replacement of the document.
		full, findErr := s.DocumentStore.FindByID(ctx, collection, id)
		if findErr == nil {
			s.emit(ctx, models.OperationInsert, collection, nil, full)
			return res, nil
		}
		if !errors.Is(findErr, ErrNotFound) {
			return res, nil
		}
	}

	data := set.Clone()
	if data == nil {
		data = models.Document{}
	}
	data[models.IDField] = id
	s.emit(ctx, models.OperationUpdate, collection, models.Document{models.IDField: id}, data)
	return res, nil
}

func (s *HookedStore) Delete(ctx context.Context, collection string, id any) (models.ApplyResult, error) {
	res, err := s.DocumentStore.Delete(ctx, collection, id)
	if err == nil && res.Status == models.Applied {
		s.emit(ctx, models.OperationDelete, collection, models.Document{models.IDField: id}, nil)
	}
	return res, err
}

func (s *HookedStore) suppressed(ctx context.Context) bool {
	return s.hook == nil || SyncSuppressed(ctx)
}

func (s *HookedStore) emit(ctx context.Context, typ models.OperationType, collection string, filter, data models.Document) {
	if s.suppressed(ctx) {
		return
	}
	s.hook(ctx, models.NewOperation(typ, collection, filter, data, s.instanceID))
}
