// Package queue holds local mutations waiting to be replicated.
//
// The queue is FIFO and bounded. Operations on the same (collection,
// documentId) pair are merged instead of appended, so a hot document occupies
// one slot no matter how often it is written:
//
//	existing  incoming  result
//	delete    any       delete wins
//	insert    insert    incoming data, original position
//	insert    update    insert with merged data
//	update    insert    incoming insert, original position
//	update    update    merged data, original position
//	insert    delete    delete, original position
//	update    delete    delete, original position
//
// When the queue is full the current contents are handed to the configured
// persistence backend and the oldest operation is dropped.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/persist"
)

const DefaultMaxSize = 10000

var (
	ErrNilOperation     = errors.New("queue: nil operation")
	ErrInvalidOperation = errors.New("queue: invalid operation")
)

// Outcome describes what Enqueue did with an operation.
type Outcome int

const (
	Appended Outcome = iota
	Merged
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

type Options struct {
	MaxSize int

	// Persistence receives the queue contents before an overflow drop.
	Persistence persist.QueuePersistence

	// OnDrop is called with every operation dropped on overflow.
	OnDrop func(op *models.Operation)

	Logger logger.Logger
	Now    func() time.Time
}

type Stats struct {
	Size          int       `json:"size"`
	MaxSize       int       `json:"maxSize"`
	Enqueued      uint64    `json:"enqueued"`
	Merged        uint64    `json:"merged"`
	Dequeued      uint64    `json:"dequeued"`
	Requeued      uint64    `json:"requeued"`
	RetryExceeded uint64    `json:"retryExceeded"`
	Dropped       uint64    `json:"dropped"`
	Persisted     uint64    `json:"persisted"`
	PersistErrors uint64    `json:"persistErrors"`
	Oldest        time.Time `json:"oldest"`
	SyncLagMillis int64     `json:"syncLagMs"`
}

// Queue is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	ops   []*models.Operation
	index map[string]*models.Operation

	maxSize     int
	persistence persist.QueuePersistence
	onDrop      func(*models.Operation)
	log         logger.Logger
	now         func() time.Time

	enqueued      atomic.Uint64
	merged        atomic.Uint64
	dequeued      atomic.Uint64
	requeued      atomic.Uint64
	retryExceeded atomic.Uint64
	dropped       atomic.Uint64
	persisted     atomic.Uint64
	persistErrors atomic.Uint64
}

func New(opts Options) *Queue {
	q := &Queue{
		index:       make(map[string]*models.Operation),
		maxSize:     opts.MaxSize,
		persistence: opts.Persistence,
		onDrop:      opts.OnDrop,
		log:         logger.OrNop(opts.Logger),
		now:         opts.Now,
	}
	if q.maxSize <= 0 {
		q.maxSize = DefaultMaxSize
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

func validate(op *models.Operation) error {
	if op == nil {
		return ErrNilOperation
	}
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrInvalidOperation)
	}
	return nil
}

// Enqueue adds op, merging it into a queued operation on the same document
// when there is one. The queue keeps its own copy of op.
func (q *Queue) Enqueue(ctx context.Context, op *models.Operation) (Outcome, error) {
	if err := validate(op); err != nil {
		return Appended, err
	}
	op = op.Clone()
	if op.Timestamp.IsZero() {
		op.Timestamp = q.now()
	}
	if op.ID == "" {
		op.ID = models.NewOperationID()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.enqueued.Add(1)
	return q.insertLocked(ctx, op), nil
}

func (q *Queue) insertLocked(ctx context.Context, op *models.Operation) Outcome {
	key, hasKey := op.DedupKey()
	if hasKey {
		if existing, ok := q.index[key]; ok {
			q.merged.Add(1)
			return merge(existing, op)
		}
	}

	if len(q.ops) >= q.maxSize {
		q.overflowLocked(ctx)
	}

	q.ops = append(q.ops, op)
	if hasKey {
		q.index[key] = op
	}
	return Appended
}

// merge folds incoming into existing in place. existing keeps its id,
// position and timestamp.
func merge(existing, incoming *models.Operation) Outcome {
	if existing.Type == models.OperationDelete {
		return Superseded
	}

	switch incoming.Type {
	case models.OperationDelete:
		existing.Type = models.OperationDelete
		existing.Data = nil
		existing.Filter = incoming.Filter
		if existing.Filter == nil {
			existing.Filter = models.Document{models.IDField: incoming.DocumentID()}
		}
	case models.OperationInsert:
		// insert+insert and update+insert both take the incoming document.
		existing.Type = models.OperationInsert
		existing.Data = incoming.Data
		if incoming.Filter != nil {
			existing.Filter = incoming.Filter
		}
	case models.OperationUpdate:
		existing.Data = existing.Data.Merge(incoming.Data)
		if existing.Filter == nil {
			existing.Filter = incoming.Filter
		}
	}
	return Merged
}

func (q *Queue) overflowLocked(ctx context.Context) {
	if q.persistence != nil {
		if err := q.persistence.PersistToDisk(ctx, cloneAll(q.ops)); err != nil {
			q.persistErrors.Add(1)
			q.log.Error("queue.Queue failed to persist on overflow", "size", len(q.ops), "error", err)
		} else {
			q.persisted.Add(1)
		}
	}

	if len(q.ops) < q.maxSize {
		return
	}

	oldest := q.removeAtLocked(0)
	q.dropped.Add(1)
	q.log.Warn("queue.Queue is full, dropped oldest operation",
		"max_size", q.maxSize,
		"operation_id", oldest.ID,
		"collection", oldest.Collection,
		"document_id", oldest.DocumentID(),
		"type", oldest.Type)

	if q.onDrop != nil {
		q.onDrop(oldest)
	}
}

func (q *Queue) removeAtLocked(i int) *models.Operation {
	op := q.ops[i]
	copy(q.ops[i:], q.ops[i+1:])
	q.ops[len(q.ops)-1] = nil
	q.ops = q.ops[:len(q.ops)-1]

	if key, ok := op.DedupKey(); ok && q.index[key] == op {
		delete(q.index, key)
	}
	return op
}

func (q *Queue) firstDueLocked() int {
	now := q.now()
	for i, op := range q.ops {
		if op.Due(now) {
			return i
		}
	}
	return -1
}

// Dequeue removes and returns the oldest operation that is due, or nil.
func (q *Queue) Dequeue() *models.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.firstDueLocked()
	if i < 0 {
		return nil
	}
	q.dequeued.Add(1)
	return q.removeAtLocked(i)
}

// Peek returns a copy of the operation Dequeue would return, or nil.
func (q *Queue) Peek() *models.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.firstDueLocked()
	if i < 0 {
		return nil
	}
	return q.ops[i].Clone()
}

// Requeue puts a failed operation back, to become due after delay.
// It returns false, leaving the queue untouched, once the operation has used
// up its retries. If the document was written again while op was in flight,
// the newer operation is merged on top of op.
func (q *Queue) Requeue(ctx context.Context, op *models.Operation, delay time.Duration) bool {
	if validate(op) != nil {
		return false
	}
	if op.RetryCount >= op.MaxRetries {
		q.retryExceeded.Add(1)
		return false
	}

	op = op.Clone()
	op.RetryCount++
	op.NextAttemptAt = q.now().Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.requeued.Add(1)
	if key, ok := op.DedupKey(); ok {
		if newer, exists := q.index[key]; exists {
			// A document deleted and then re-inserted keeps the insert.
			if op.Type != models.OperationDelete || newer.Type != models.OperationInsert {
				merge(op, newer)
				newer.Type = op.Type
				newer.Data = op.Data
				newer.Filter = op.Filter
			}
			newer.RetryCount = op.RetryCount
			newer.MaxRetries = op.MaxRetries
			newer.NextAttemptAt = op.NextAttemptAt
			return true
		}
	}

	q.insertLocked(ctx, op)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) MaxSize() int {
	return q.maxSize
}

func (q *Queue) oldestLocked() time.Time {
	var oldest time.Time
	for _, op := range q.ops {
		if oldest.IsZero() || op.Timestamp.Before(oldest) {
			oldest = op.Timestamp
		}
	}
	return oldest
}

// SyncLag is the age of the oldest queued operation, or 0 when empty.
func (q *Queue) SyncLag() time.Duration {
	q.mu.Lock()
	oldest := q.oldestLocked()
	q.mu.Unlock()

	if oldest.IsZero() {
		return 0
	}
	return q.now().Sub(oldest)
}

// Clear empties the queue and returns how many operations were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ops)
	q.ops = nil
	q.index = make(map[string]*models.Operation)
	return n
}

// Snapshot returns copies of the queued operations in queue order.
func (q *Queue) Snapshot() []*models.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.ops)
}

// Restore enqueues previously persisted operations, merging as usual.
func (q *Queue) Restore(ctx context.Context, ops []*models.Operation) int {
	restored := 0
	for _, op := range ops {
		if _, err := q.Enqueue(ctx, op); err != nil {
			q.log.Warn("queue.Queue skipped invalid persisted operation", "error", err)
			continue
		}
		restored++
	}
	return restored
}

// PersistNow writes the current contents to the persistence backend.
func (q *Queue) PersistNow(ctx context.Context) error {
	if q.persistence == nil {
		return nil
	}
	if err := q.persistence.PersistToDisk(ctx, q.Snapshot()); err != nil {
		q.persistErrors.Add(1)
		return fmt.Errorf("queue: persist: %w", err)
	}
	q.persisted.Add(1)
	return nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	size := len(q.ops)
	oldest := q.oldestLocked()
	q.mu.Unlock()

	var lag int64
	if !oldest.IsZero() {
		lag = q.now().Sub(oldest).Milliseconds()
	}

	return Stats{
		Size:          size,
		MaxSize:       q.maxSize,
		Enqueued:      q.enqueued.Load(),
		Merged:        q.merged.Load(),
		Dequeued:      q.dequeued.Load(),
		Requeued:      q.requeued.Load(),
		RetryExceeded: q.retryExceeded.Load(),
		Dropped:       q.dropped.Load(),
		Persisted:     q.persisted.Load(),
		PersistErrors: q.persistErrors.Load(),
		Oldest:        oldest,
		SyncLagMillis: lag,
	}
}

func cloneAll(ops []*models.Operation) []*models.Operation {
	out := make([]*models.Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}
