// Package outbound drains the outbound queue into the remote store.
//
// The worker applies one operation per tick while the remote is reachable
// and it is not paused. Failed operations go back on the queue with a delay
// taken from the retry ladder; once an operation has used up its retries it
// is recorded as a permanent failure and discarded.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surrealdb/surrealsync/pkg/dbmanager"
	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/retry"
)

const (
	DefaultInterval = 100 * time.Millisecond

	// FailureLogSize bounds the permanent failure ring.
	FailureLogSize = 100
)

var (
	ErrRejected  = errors.New("outbound: rejected by remote")
	ErrMissingID = errors.New("outbound: operation has no document id")
	ErrRunning   = errors.New("outbound: worker already running")
)

// Queue is the part of queue.Queue the worker consumes.
type Queue interface {
	Dequeue() *models.Operation
	Requeue(ctx context.Context, op *models.Operation, delay time.Duration) bool
	Len() int
}

// PermanentFailure records an operation that was given up on.
type PermanentFailure struct {
	Operation *models.Operation `json:"operation"`
	Error     string            `json:"error"`
	Attempts  int               `json:"attempts"`
	FailedAt  time.Time         `json:"failedAt"`
}

type Options struct {
	Queue   Queue
	Manager dbmanager.DatabaseManager

	Interval    time.Duration
	RetryDelays []time.Duration

	// OnPermanentFailure is called for every operation given up on.
	OnPermanentFailure func(PermanentFailure)

	Logger logger.Logger
	Now    func() time.Time
}

type Stats struct {
	Running           bool      `json:"running"`
	Paused            bool      `json:"paused"`
	Processed         uint64    `json:"processed"`
	Succeeded         uint64    `json:"succeeded"`
	Failed            uint64    `json:"failed"`
	Retried           uint64    `json:"retried"`
	PermanentFailures uint64    `json:"permanentFailures"`
	LastLatencyMillis float64   `json:"lastLatencyMs"`
	AvgLatencyMillis  float64   `json:"avgLatencyMs"`
	LastError         string    `json:"lastError,omitempty"`
	LastProcessedAt   time.Time `json:"lastProcessedAt,omitempty"`
}

type Worker struct {
	queue       Queue
	manager     dbmanager.DatabaseManager
	interval    time.Duration
	retryDelays []time.Duration
	onPermanent func(PermanentFailure)
	logger      logger.Logger
	now         func() time.Time

	paused atomic.Bool

	// runMu guards the lifecycle fields below.
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	kickCh  chan struct{}
	unsub   []func()

	// applyMu serialises ProcessNext between the loop and manual drains so
	// per-document order holds.
	applyMu sync.Mutex

	processed   atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	retried     atomic.Uint64
	permanent   atomic.Uint64
	latencySum  atomic.Int64
	lastLatency atomic.Int64

	mu              sync.Mutex
	failures        []PermanentFailure
	failureNext     int
	lastError       string
	lastProcessedAt time.Time
}

func New(opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = retry.DefaultLadder
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		queue:       opts.Queue,
		manager:     opts.Manager,
		interval:    opts.Interval,
		retryDelays: opts.RetryDelays,
		onPermanent: opts.OnPermanentFailure,
		logger:      logger.OrNop(opts.Logger),
		now:         opts.Now,
		kickCh:      make(chan struct{}, 1),
	}
}

// Start launches the tick loop. It subscribes to remote reachability so a
// reconnect drains the backlog without waiting for ticks.
func (w *Worker) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.running {
		return ErrRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.unsub = []func(){
		w.manager.OnRemoteReconnected(w.kick),
		w.manager.OnRemoteDisconnected(func() {
			w.logger.Info("outbound.Worker remote lost, holding the queue", "queued", w.queue.Len())
		}),
	}

	w.logger.Info("outbound.Worker started", "interval", w.interval)
	go w.loop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop ends the loop and waits for the operation in flight.
func (w *Worker) Stop(ctx context.Context) error {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	for _, u := range w.unsub {
		u()
	}
	w.unsub = nil
	w.runMu.Unlock()

	select {
	case <-done:
		w.logger.Info("outbound.Worker stopped", "queued", w.queue.Len())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Running() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.running
}

func (w *Worker) Pause() {
	if !w.paused.Swap(true) {
		w.logger.Info("outbound.Worker paused")
	}
}

func (w *Worker) Resume() {
	if w.paused.Swap(false) {
		w.logger.Info("outbound.Worker resumed")
		w.kick()
	}
}

func (w *Worker) Paused() bool {
	return w.paused.Load()
}

func (w *Worker) kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Operations in flight finish even after Stop.
	ctx = context.WithoutCancel(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if w.canProcess() {
				w.ProcessNext(ctx)
			}
		case <-w.kickCh:
			if w.canProcess() {
				n := w.drain(ctx, stopCh)
				if n > 0 {
					w.logger.Info("outbound.Worker drained backlog", "processed", n)
				}
			}
		}
	}
}

func (w *Worker) canProcess() bool {
	return !w.paused.Load() && w.manager.IsRemoteAvailable()
}

// Drain processes due operations until the queue has none left, the
// remote becomes unreachable, or the worker is paused.
func (w *Worker) Drain(ctx context.Context) int {
	return w.drain(ctx, nil)
}

func (w *Worker) drain(ctx context.Context, stopCh chan struct{}) int {
	n := 0
	for w.canProcess() && ctx.Err() == nil {
		if stopCh != nil {
			select {
			case <-stopCh:
				return n
			default:
			}
		}
		if !w.ProcessNext(ctx) {
			break
		}
		n++
	}
	return n
}

// ProcessNext applies the next due operation. It reports whether there
// was one.
func (w *Worker) ProcessNext(ctx context.Context) bool {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	op := w.queue.Dequeue()
	if op == nil {
		return false
	}

	start := w.now()
	res, err := w.apply(ctx, op)
	latency := w.now().Sub(start)

	w.processed.Add(1)
	w.lastLatency.Store(int64(latency))
	w.latencySum.Add(int64(latency))
	w.mu.Lock()
	w.lastProcessedAt = w.now()
	w.mu.Unlock()

	if err == nil && res.Converged() {
		w.succeeded.Add(1)
		w.logger.Debug("outbound.Worker applied operation",
			"op", op.ID, "type", op.Type, "collection", op.Collection, "result", res.Status)
		return true
	}

	w.failed.Add(1)
	if err == nil {
		err = fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}
	w.setLastError(err)

	if errors.Is(err, ErrRejected) || errors.Is(err, ErrMissingID) || retry.IsPermanent(err) {
		w.recordPermanent(op, err)
		return true
	}

	delay := retry.LadderDelay(w.retryDelays, op.RetryCount)
	if !w.queue.Requeue(ctx, op, delay) {
		w.recordPermanent(op, err)
		return true
	}
	w.retried.Add(1)
	w.logger.Warn("outbound.Worker operation failed, retrying",
		"op", op.ID, "collection", op.Collection, "attempt", op.RetryCount+1, "delay", delay, "error", err)
	return true
}

func (w *Worker) apply(ctx context.Context, op *models.Operation) (models.ApplyResult, error) {
	remote := w.manager.Remote()
	id := op.DocumentID()
	if models.IDKey(id) == "" {
		return models.ApplyResult{}, ErrMissingID
	}

	switch op.Type {
	case models.OperationInsert:
		doc := op.Data.Clone()
		doc[models.IDField] = id
		return remote.Replace(ctx, op.Collection, doc)
	case models.OperationUpdate:
		return remote.Update(ctx, op.Collection, id, op.Data.Without(models.IDField), nil, true)
	case models.OperationDelete:
		return remote.Delete(ctx, op.Collection, id)
	default:
		return models.ApplyResult{}, retry.Permanent(fmt.Errorf("outbound: unknown operation type %q", op.Type))
	}
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()
}

func (w *Worker) recordPermanent(op *models.Operation, err error) {
	pf := PermanentFailure{
		Operation: op,
		Error:     err.Error(),
		Attempts:  op.RetryCount + 1,
		FailedAt:  w.now(),
	}
	w.permanent.Add(1)

	w.mu.Lock()
	if len(w.failures) < FailureLogSize {
		w.failures = append(w.failures, pf)
	} else {
		w.failures[w.failureNext] = pf
	}
	w.failureNext = (w.failureNext + 1) % FailureLogSize
	w.mu.Unlock()

	w.logger.Error("outbound.Worker gave up on operation",
		"op", op.ID, "type", op.Type, "collection", op.Collection, "attempts", pf.Attempts, "error", err)

	if w.onPermanent != nil {
		w.onPermanent(pf)
	}
}

// Failures returns up to limit permanent failures, newest first. A limit
// of zero or less returns all of them.
func (w *Worker) Failures(limit int) []PermanentFailure {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.failures)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]PermanentFailure, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (w.failureNext - 1 - i + FailureLogSize) % FailureLogSize
		out = append(out, w.failures[idx])
	}
	return out
}

func (w *Worker) Stats() Stats {
	processed := w.processed.Load()
	s := Stats{
		Running:           w.Running(),
		Paused:            w.paused.Load(),
		Processed:         processed,
		Succeeded:         w.succeeded.Load(),
		Failed:            w.failed.Load(),
		Retried:           w.retried.Load(),
		PermanentFailures: w.permanent.Load(),
		LastLatencyMillis: float64(w.lastLatency.Load()) / float64(time.Millisecond),
	}
	if processed > 0 {
		s.AvgLatencyMillis = float64(w.latencySum.Load()) / float64(processed) / float64(time.Millisecond)
	}
	w.mu.Lock()
	s.LastError = w.lastError
	s.LastProcessedAt = w.lastProcessedAt
	w.mu.Unlock()
	return s
}
