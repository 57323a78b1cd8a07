// Package memory is an in-process document store with a resumable change
// stream. It backs tests and the single-binary demo mode, and can stand in
// for either side of the replication.
package memory

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"
)

const (
	DefaultRetention = 10000
	tokenPrefix      = "mem:"
)

type Options struct {
	// DB is reported as the namespace database of change events.
	DB string

	// Retention is how many change events are kept for resuming.
	Retention int

	Now func() time.Time
}

type entry struct {
	seq   uint64
	event *models.ChangeEvent
}

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]models.Document
	log         []entry
	seq         uint64
	notify      chan struct{}
	offline     bool
	closed      bool
	streams     map[*stream]struct{}

	db        string
	retention int
	now       func() time.Time
}

var (
	_ store.DocumentStore = (*Store)(nil)
	_ store.ChangeSource  = (*Store)(nil)
)

func New(opts Options) *Store {
	s := &Store{
		collections: make(map[string]map[string]models.Document),
		notify:      make(chan struct{}),
		streams:     make(map[*stream]struct{}),
		db:          opts.DB,
		retention:   opts.Retention,
		now:         opts.Now,
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) checkLocked() error {
	if s.closed {
		return store.ErrClosed
	}
	if s.offline {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, collection string, id any) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	doc, ok := s.collections[collection][models.IDKey(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDeep(doc), nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	key, err := docKey(ctx, doc)
	if err != nil {
		return models.ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return models.ApplyResult{}, err
	}
	coll := s.collectionLocked(collection)
	if _, exists := coll[key]; exists {
		return models.ResultAlreadyExists(), nil
	}

	stored := cloneDeep(doc)
	coll[key] = stored
	s.appendLocked(models.ChangeInsert, collection, stored.ID(), stored, nil)
	return models.ResultApplied(), nil
}

func (s *Store) Replace(ctx context.Context, collection string, doc models.Document) (models.ApplyResult, error) {
	key, err := docKey(ctx, doc)
	if err != nil {
		return models.ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return models.ApplyResult{}, err
	}
	coll := s.collectionLocked(collection)
	existing, exists := coll[key]
	if exists && reflect.DeepEqual(existing, models.Document(doc)) {
		return models.ResultAlreadyExists(), nil
	}

	stored := cloneDeep(doc)
	coll[key] = stored
	typ := models.ChangeInsert
	if exists {
		typ = models.ChangeReplace
	}
	s.appendLocked(typ, collection, stored.ID(), stored, nil)
	return models.ResultApplied(), nil
}

func (s *Store) Update(ctx context.Context, collection string, id any, set models.Document, unset []string, upsert bool) (models.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ApplyResult{}, err
	}
	key := models.IDKey(id)
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return models.ApplyResult{}, err
	}
	coll := s.collectionLocked(collection)
	existing, exists := coll[key]
	if !exists {
		if !upsert {
			return models.ResultNotFound(), nil
		}
		created := cloneDeep(set)
		if created == nil {
			created = models.Document{}
		}
		created[models.IDField] = id
		coll[key] = created
		s.appendLocked(models.ChangeInsert, collection, id, created, nil)
		return models.ResultApplied(), nil
	}

	updated := existing.Clone()
	desc := &models.UpdateDescription{UpdatedFields: models.Document{}}
	for k, v := range set {
		if k == models.IDField {
			continue
		}
		if cur, ok := updated[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		updated[k] = cloneValue(v)
		desc.UpdatedFields[k] = cloneValue(v)
	}
	for _, k := range unset {
		if _, ok := updated[k]; ok && k != models.IDField {
			delete(updated, k)
			desc.RemovedFields = append(desc.RemovedFields, k)
		}
	}
	if len(desc.UpdatedFields) == 0 && len(desc.RemovedFields) == 0 {
		return models.ResultAlreadyExists(), nil
	}

	coll[key] = updated
	s.appendLocked(models.ChangeUpdate, collection, existing.ID(), updated, desc)
	return models.ResultApplied(), nil
}

func (s *Store) Delete(ctx context.Context, collection string, id any) (models.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ApplyResult{}, err
	}
	key := models.IDKey(id)
	if key == "" {
		return models.ApplyResult{}, store.ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return models.ApplyResult{}, err
	}
	coll := s.collections[collection]
	existing, ok := coll[key]
	if !ok {
		return models.ResultNotFound(), nil
	}
	delete(coll, key)
	s.appendLocked(models.ChangeDelete, collection, existing.ID(), nil, nil)
	return models.ResultApplied(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked()
}

// Close ends every open stream with io.EOF.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.broadcastLocked()
	return nil
}

// SetOffline makes every call fail with store.ErrUnavailable and breaks open
// streams, simulating a lost connection.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
	if offline {
		for st := range s.streams {
			st.fail(store.ErrUnavailable)
		}
	}
	s.broadcastLocked()
}

// InterruptStreams fails every open stream with err.
func (s *Store) InterruptStreams(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		st.fail(err)
	}
	s.broadcastLocked()
}

// Count returns the number of documents in collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// ChangeCount returns the number of change events ever recorded.
func (s *Store) ChangeCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Token returns the resume token of the latest change.
func (s *Store) Token() models.ResumeToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return makeToken(s.seq)
}

func (s *Store) collectionLocked(name string) map[string]models.Document {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]models.Document)
		s.collections[name] = coll
	}
	return coll
}

func (s *Store) appendLocked(typ models.ChangeType, collection string, id any, full models.Document, desc *models.UpdateDescription) {
	s.seq++
	ev := &models.ChangeEvent{
		ResumeToken:       makeToken(s.seq),
		OperationType:     typ,
		Namespace:         models.Namespace{DB: s.db, Collection: collection},
		DocumentKey:       models.DocumentKey{ID: id},
		FullDocument:      cloneDeep(full),
		UpdateDescription: desc,
		CommitTime:        s.now(),
	}
	s.log = append(s.log, entry{seq: s.seq, event: ev})
	if over := len(s.log) - s.retention; over > 0 {
		s.log = append([]entry(nil), s.log[over:]...)
	}
	s.broadcastLocked()
}

func (s *Store) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Store) firstSeqLocked() uint64 {
	if len(s.log) == 0 {
		return s.seq + 1
	}
	return s.log[0].seq
}

func (s *Store) Watch(ctx context.Context, opts store.WatchOptions) (store.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	cursor := s.seq
	if opts.ResumeAfter != "" {
		seq, err := parseToken(opts.ResumeAfter)
		if err != nil {
			return nil, err
		}
		if seq > s.seq || seq+1 < s.firstSeqLocked() {
			return nil, fmt.Errorf("%w: %s is outside the retained change log", store.ErrResumeTokenInvalid, opts.ResumeAfter)
		}
		cursor = seq
	}

	st := &stream{
		store:   s,
		cursor:  cursor,
		exclude: store.NewExcludeSet(opts.ExcludeCollections),
	}
	s.streams[st] = struct{}{}
	return st, nil
}

type stream struct {
	store   *Store
	cursor  uint64
	exclude store.ExcludeSet

	// guarded by store.mu
	err    error
	closed bool
}

func (st *stream) fail(err error) {
	if st.err == nil {
		st.err = err
	}
}

func (st *stream) Next(ctx context.Context) (*models.ChangeEvent, error) {
	s := st.store
	for {
		s.mu.RLock()
		if st.closed || s.closed {
			s.mu.RUnlock()
			return nil, io.EOF
		}
		if st.err != nil {
			err := st.err
			s.mu.RUnlock()
			return nil, err
		}
		if st.cursor+1 < s.firstSeqLocked() {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: change log trimmed past position %d", store.ErrResumeTokenInvalid, st.cursor)
		}

		var found *models.ChangeEvent
		if len(s.log) > 0 {
			start := int(st.cursor + 1 - s.log[0].seq)
			for i := start; i < len(s.log); i++ {
				e := s.log[i]
				st.cursor = e.seq
				if st.exclude.Has(e.event.Namespace.Collection) {
					continue
				}
				found = cloneEvent(e.event)
				break
			}
		}
		wait := s.notify
		s.mu.RUnlock()

		if found != nil {
			return found, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (st *stream) Close() error {
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	st.closed = true
	delete(s.streams, st)
	s.broadcastLocked()
	return nil
}

func makeToken(seq uint64) models.ResumeToken {
	return models.ResumeToken(tokenPrefix + strconv.FormatUint(seq, 10))
}

func parseToken(tok models.ResumeToken) (uint64, error) {
	raw, ok := strings.CutPrefix(string(tok), tokenPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", store.ErrResumeTokenInvalid, tok)
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", store.ErrResumeTokenInvalid, tok)
	}
	return seq, nil
}

func docKey(ctx context.Context, doc models.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := models.IDKey(doc.ID())
	if key == "" {
		return "", store.ErrMissingID
	}
	return key, nil
}

func cloneEvent(e *models.ChangeEvent) *models.ChangeEvent {
	out := *e
	out.FullDocument = cloneDeep(e.FullDocument)
	if e.UpdateDescription != nil {
		out.UpdateDescription = &models.UpdateDescription{
			UpdatedFields: cloneDeep(e.UpdateDescription.UpdatedFields),
			RemovedFields: append([]string(nil), e.UpdateDescription.RemovedFields...),
		}
	}
	return &out
}

func cloneDeep(d models.Document) models.Document {
	if d == nil {
		return nil
	}
	out := make(models.Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case models.Document:
		return cloneDeep(t)
	case map[string]any:
		return map[string]any(cloneDeep(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
