// Package inbound consumes the remote change stream and feeds it, in micro
// batches, to the change processor.
//
// The listener persists the stream position after every event, skips
// changes this instance wrote itself, and survives stream failures by
// resubscribing with exponential back-off.
package inbound

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
	"github.com/surrealdb/surrealsync/pkg/processor"
	"github.com/surrealdb/surrealsync/pkg/resume"
	"github.com/surrealdb/surrealsync/pkg/retry"
	"github.com/surrealdb/surrealsync/pkg/store"
)

const (
	DefaultBatchSize            = 100
	DefaultBatchTimeout         = time.Second
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectAttempts = 10
)

var (
	ErrRemoteUnavailable = errors.New("inbound: remote is not available")
	ErrNotStopped        = errors.New("inbound: listener is not stopped")
)

// Processor applies one change event.
type Processor interface {
	ProcessChange(ctx context.Context, ev *models.ChangeEvent) (processor.ProcessResult, error)
}

// OriginTracker is the part of origin.Tracker the listener uses.
type OriginTracker interface {
	ShouldSkipSync(id any, attempted models.Origin) bool
}

type Options struct {
	Manager   dbmanager.DatabaseManager
	Source    store.ChangeSource
	Tokens    resume.Store
	Tracker   OriginTracker
	Processor Processor

	InstanceID string

	BatchSize            int
	BatchTimeout         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// RetryDelays and MaxRetries pace the per-event apply retries.
	RetryDelays []time.Duration
	MaxRetries  int

	ExcludedCollections []string

	Logger logger.Logger
}

type Stats struct {
	State               State              `json:"state"`
	Healthy             bool               `json:"healthy"`
	GaveUp              bool               `json:"gaveUp"`
	Received            uint64             `json:"received"`
	SkippedChanges      uint64             `json:"skippedChanges"`
	Processed           uint64             `json:"processed"`
	Failed              uint64             `json:"failed"`
	Batches             uint64             `json:"batches"`
	PendingBatch        int                `json:"pendingBatch"`
	InFlightBatches     int64              `json:"inFlightBatches"`
	Reconnects          uint64             `json:"reconnects"`
	TokenResets         uint64             `json:"tokenResets"`
	TokenSaveErrors     uint64             `json:"tokenSaveErrors"`
	LastToken           models.ResumeToken `json:"lastToken,omitempty"`
	LastEventAt         time.Time          `json:"lastEventAt,omitempty"`
	ExcludedCollections []string           `json:"excludedCollections"`
}

type Listener struct {
	manager   dbmanager.DatabaseManager
	source    store.ChangeSource
	tokens    resume.Store
	tracker   OriginTracker
	processor Processor
	logger    logger.Logger

	instanceID           string
	batchSize            int
	batchTimeout         time.Duration
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	retryDelays          []time.Duration
	maxRetries           int

	// lifeMu serialises Start, Stop and Restart.
	lifeMu sync.Mutex

	stateMu   sync.Mutex
	state     State
	gaveUp    bool
	lastToken models.ResumeToken
	lastEvent time.Time
	excluded  []string

	runCancel  context.CancelFunc
	runDone    chan struct{}
	procCtx    context.Context
	procCancel context.CancelFunc
	wakeCh     chan struct{}
	unsub      func()

	batchMu   sync.Mutex
	batch     []*models.ChangeEvent
	timer     *time.Timer
	accepting bool
	// tail closes when the most recently dispatched batch is applied.
	tail     chan struct{}
	inflight sync.WaitGroup

	received        atomic.Uint64
	skipped         atomic.Uint64
	processed       atomic.Uint64
	failed          atomic.Uint64
	batches         atomic.Uint64
	inflightBatches atomic.Int64
	reconnects      atomic.Uint64
	tokenResets     atomic.Uint64
	tokenSaveErrors atomic.Uint64
}

func New(opts Options) *Listener {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = retry.DefaultLadder
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.Tokens == nil {
		opts.Tokens = resume.NewMemoryStore()
	}
	return &Listener{
		manager:              opts.Manager,
		source:               opts.Source,
		tokens:               opts.Tokens,
		tracker:              opts.Tracker,
		processor:            opts.Processor,
		logger:               logger.OrNop(opts.Logger),
		instanceID:           opts.InstanceID,
		batchSize:            opts.BatchSize,
		batchTimeout:         opts.BatchTimeout,
		reconnectInterval:    opts.ReconnectInterval,
		maxReconnectAttempts: opts.MaxReconnectAttempts,
		retryDelays:          opts.RetryDelays,
		maxRetries:           opts.MaxRetries,
		excluded:             append([]string(nil), opts.ExcludedCollections...),
		wakeCh:               make(chan struct{}, 1),
	}
}

func (l *Listener) transitionTo(newState State) error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	if err := l.state.validateTransitionTo(newState); err != nil {
		return err
	}

	l.state = newState
	l.logger.Debug("inbound.Listener state transitioned", "new_state", newState)
	return nil
}

func (l *Listener) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

// Healthy reports whether the listener is consuming the stream.
func (l *Listener) Healthy() bool {
	return l.State() == StateRunning
}

func (l *Listener) ExcludedCollections() []string {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return append([]string(nil), l.excluded...)
}

// Start opens the change stream and begins consuming it. It fails fast when
// the remote is unreachable.
func (l *Listener) Start(ctx context.Context) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	return l.start(ctx)
}

func (l *Listener) start(ctx context.Context) error {
	if err := l.transitionTo(StateStarting); err != nil {
		return fmt.Errorf("%w: %v", ErrNotStopped, err)
	}

	if !l.manager.IsRemoteAvailable() {
		l.mustTransition(StateStopped)
		return ErrRemoteUnavailable
	}

	var resumeAfter models.ResumeToken
	tok, err := l.tokens.Load(ctx)
	switch {
	case err != nil:
		l.logger.Warn("inbound.Listener failed to load resume token, starting fresh", "error", err)
	case tok != nil:
		resumeAfter = tok.Value
		l.logger.Info("inbound.Listener resuming", "token", tok.Value, "saved_by", tok.OwnerID)
	}

	stream, err := l.open(ctx, resumeAfter)
	if err != nil {
		l.mustTransition(StateStopped)
		return fmt.Errorf("inbound: open change stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.procCtx, l.procCancel = context.WithCancel(context.WithoutCancel(ctx))
	l.runCancel = cancel
	l.runDone = make(chan struct{})

	l.batchMu.Lock()
	l.accepting = true
	l.tail = nil
	l.batchMu.Unlock()

	l.stateMu.Lock()
	l.gaveUp = false
	l.stateMu.Unlock()

	unsub := l.manager.OnRemoteReconnected(l.wake)
	l.stateMu.Lock()
	l.unsub = unsub
	l.stateMu.Unlock()
	l.mustTransition(StateRunning)
	l.logger.Info("inbound.Listener started", "excluded", l.ExcludedCollections())

	go l.run(runCtx, stream, l.runDone)
	return nil
}

func (l *Listener) mustTransition(newState State) {
	if err := l.transitionTo(newState); err != nil {
		l.logger.Error("BUG: inbound.Listener failed to transition", "error", err)
	}
}

// open watches the source, resetting the saved position when the source
// no longer accepts it.
func (l *Listener) open(ctx context.Context, resumeAfter models.ResumeToken) (store.ChangeStream, error) {
	opts := store.WatchOptions{ResumeAfter: resumeAfter, ExcludeCollections: l.ExcludedCollections()}
	stream, err := l.source.Watch(ctx, opts)
	if errors.Is(err, store.ErrResumeTokenInvalid) {
		l.resetToken(ctx, resumeAfter)
		opts.ResumeAfter = ""
		stream, err = l.source.Watch(ctx, opts)
	}
	return stream, err
}

func (l *Listener) resetToken(ctx context.Context, stale models.ResumeToken) {
	l.tokenResets.Add(1)
	l.logger.Warn("inbound.Listener resume token rejected, resubscribing from now", "token", stale)
	if err := l.tokens.Clear(ctx); err != nil {
		l.logger.Warn("inbound.Listener failed to clear resume token", "error", err)
	}
	l.stateMu.Lock()
	l.lastToken = ""
	l.stateMu.Unlock()
}

// unsubscribe drops the reconnect subscription, once.
func (l *Listener) unsubscribe() {
	l.stateMu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.stateMu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (l *Listener) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Listener) run(ctx context.Context, stream store.ChangeStream, done chan struct{}) {
	defer close(done)

	for {
		ev, err := stream.Next(ctx)
		if err == nil {
			l.handle(ctx, ev)
			continue
		}

		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, store.ErrResumeTokenInvalid) {
			l.resetToken(ctx, l.currentToken())
			if stream, err = l.source.Watch(ctx, store.WatchOptions{ExcludeCollections: l.ExcludedCollections()}); err == nil {
				continue
			}
		}

		l.logger.Warn("inbound.Listener change stream failed", "error", err)
		stream = l.reconnect(ctx)
		if stream == nil {
			return
		}
	}
}

// reconnect resubscribes with exponential back-off. It returns nil when the
// listener is stopping or has given up.
func (l *Listener) reconnect(ctx context.Context) store.ChangeStream {
	l.mustTransition(StateReconnecting)

	backoff := retry.NewDoublingRetryer(l.reconnectInterval, 0, l.maxReconnectAttempts)
	for attempt := 0; ; attempt++ {
		delay, ok := backoff.NextDelay(attempt, nil)
		if !ok {
			break
		}
		l.logger.Info("inbound.Listener reconnecting", "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-l.wakeCh:
			timer.Stop()
		case <-timer.C:
		}

		if !l.manager.IsRemoteAvailable() {
			continue
		}
		stream, err := l.open(ctx, l.currentToken())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("inbound.Listener reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		l.reconnects.Add(1)
		l.mustTransition(StateRunning)
		l.logger.Info("inbound.Listener reconnected", "attempts", attempt+1)
		return stream
	}

	l.logger.Error("inbound.Listener gave up reconnecting", "attempts", l.maxReconnectAttempts)
	l.unsubscribe()
	if err := l.finish(context.Background()); err != nil {
		l.logger.Warn("inbound.Listener failed to drain after giving up", "error", err)
	}
	l.giveUp()
	return nil
}

// giveUp moves to Stopped and records why in one step, so a caller seeing
// GaveUp also sees the stopped state.
func (l *Listener) giveUp() {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	if err := l.state.validateTransitionTo(StateStopped); err != nil {
		l.logger.Error("BUG: inbound.Listener failed to transition", "error", err)
		return
	}
	l.state = StateStopped
	l.gaveUp = true
	l.logger.Debug("inbound.Listener state transitioned", "new_state", StateStopped)
}

func (l *Listener) currentToken() models.ResumeToken {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.lastToken
}

func (l *Listener) handle(ctx context.Context, ev *models.ChangeEvent) {
	l.received.Add(1)

	if ev.ResumeToken != "" {
		l.stateMu.Lock()
		l.lastToken = ev.ResumeToken
		l.lastEvent = time.Now()
		l.stateMu.Unlock()

		// A failed save is superseded by the save of the next event.
		if err := l.tokens.Save(ctx, ev.ResumeToken, l.instanceID); err != nil {
			l.tokenSaveErrors.Add(1)
			l.logger.Warn("inbound.Listener failed to save resume token", "error", err)
		}
	}

	if l.tracker != nil && l.tracker.ShouldSkipSync(ev.DocumentID(), models.OriginLocal) {
		l.skipped.Add(1)
		l.logger.Debug("inbound.Listener skipped own change",
			"collection", ev.Namespace.Collection, "id", ev.DocumentID())
		return
	}

	l.batchMu.Lock()
	if !l.accepting {
		l.batchMu.Unlock()
		return
	}
	l.batch = append(l.batch, ev)
	full := len(l.batch) >= l.batchSize
	if !full {
		if l.timer == nil {
			l.timer = time.AfterFunc(l.batchTimeout, l.flush)
		} else {
			l.timer.Reset(l.batchTimeout)
		}
	}
	l.batchMu.Unlock()

	if full {
		l.flush()
	}
}

// flush hands the pending batch to the applier, so accumulation continues
// while it is applied.
func (l *Listener) flush() {
	l.batchMu.Lock()
	defer l.batchMu.Unlock()

	if !l.accepting {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.dispatchLocked()
}

// dispatchLocked starts applying the pending batch once every earlier batch
// is applied, so changes reach the local store in stream order. batchMu must
// be held.
func (l *Listener) dispatchLocked() {
	batch := l.batch
	l.batch = nil
	if len(batch) == 0 {
		return
	}

	prev := l.tail
	done := make(chan struct{})
	l.tail = done
	l.inflight.Add(1)
	l.inflightBatches.Add(1)
	go func() {
		defer l.inflight.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		l.processBatch(batch)
	}()
}

// groupByDocument splits a batch into per-document runs that keep the
// stream order. Events without an id each get their own run.
func groupByDocument(batch []*models.ChangeEvent) [][]*models.ChangeEvent {
	index := make(map[string]int, len(batch))
	var runs [][]*models.ChangeEvent
	for _, ev := range batch {
		id := models.IDKey(ev.DocumentID())
		if id == "" {
			runs = append(runs, []*models.ChangeEvent{ev})
			continue
		}
		key := ev.Namespace.Collection + "\x00" + id
		if i, ok := index[key]; ok {
			runs[i] = append(runs[i], ev)
			continue
		}
		index[key] = len(runs)
		runs = append(runs, []*models.ChangeEvent{ev})
	}
	return runs
}

// processBatch applies the changes of each document in order, different
// documents concurrently, and waits for all of them.
func (l *Listener) processBatch(batch []*models.ChangeEvent) {
	defer l.inflightBatches.Add(-1)
	l.batches.Add(1)

	ctx := l.procCtx
	var wg sync.WaitGroup
	for _, run := range groupByDocument(batch) {
		wg.Add(1)
		go func(run []*models.ChangeEvent) {
			defer wg.Done()
			for _, ev := range run {
				l.apply(ctx, ev)
			}
		}(run)
	}
	wg.Wait()
	l.logger.Debug("inbound.Listener applied batch", "size", len(batch))
}

// apply processes one change with its own retries.
func (l *Listener) apply(ctx context.Context, ev *models.ChangeEvent) {
	retryer := retry.NewLadderRetryer(l.retryDelays, l.maxRetries)
	err := retry.Do(ctx, retryer, func(ctx context.Context) error {
		_, err := l.processor.ProcessChange(ctx, ev)
		return err
	})
	if err != nil {
		l.failed.Add(1)
		l.logger.Error("inbound.Listener failed to apply change",
			"type", ev.OperationType, "collection", ev.Namespace.Collection,
			"id", ev.DocumentID(), "permanent", retry.IsPermanent(err), "error", err)
		return
	}
	l.processed.Add(1)
}

// finish stops batching, applies what is pending and waits for in-flight
// batches. Applies still running when ctx ends are cancelled.
func (l *Listener) finish(ctx context.Context) error {
	l.batchMu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.dispatchLocked()
	l.accepting = false
	l.batchMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		l.procCancel()
		<-done
	}
	l.procCancel()
	return err
}

// Stop ends consumption, applies the pending batch and waits for in-flight
// batches before returning.
func (l *Listener) Stop(ctx context.Context) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	return l.stop(ctx)
}

func (l *Listener) stop(ctx context.Context) error {
	if l.runCancel == nil {
		return nil
	}

	l.runCancel()
	<-l.runDone
	l.runCancel = nil
	l.unsubscribe()

	if l.State() == StateStopped {
		// The run loop gave up and already drained.
		return nil
	}

	err := l.finish(ctx)
	l.mustTransition(StateStopped)
	l.logger.Info("inbound.Listener stopped", "token", l.currentToken())
	return err
}

// Restart applies a new set of excluded collections by resubscribing.
func (l *Listener) Restart(ctx context.Context, excluded []string) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if err := l.stop(ctx); err != nil {
		return err
	}
	l.stateMu.Lock()
	l.excluded = append([]string(nil), excluded...)
	l.stateMu.Unlock()
	return l.start(ctx)
}

// SetExcludedCollections changes the exclusions used at the next start.
func (l *Listener) SetExcludedCollections(excluded []string) {
	l.stateMu.Lock()
	l.excluded = append([]string(nil), excluded...)
	l.stateMu.Unlock()
}

func (l *Listener) Stats() Stats {
	l.batchMu.Lock()
	pending := len(l.batch)
	l.batchMu.Unlock()

	l.stateMu.Lock()
	s := Stats{
		State:               l.state,
		Healthy:             l.state == StateRunning,
		GaveUp:              l.gaveUp,
		LastToken:           l.lastToken,
		LastEventAt:         l.lastEvent,
		ExcludedCollections: append([]string(nil), l.excluded...),
	}
	l.stateMu.Unlock()

	s.Received = l.received.Load()
	s.SkippedChanges = l.skipped.Load()
	s.Processed = l.processed.Load()
	s.Failed = l.failed.Load()
	s.Batches = l.batches.Load()
	s.PendingBatch = pending
	s.InFlightBatches = l.inflightBatches.Load()
	s.Reconnects = l.reconnects.Load()
	s.TokenResets = l.tokenResets.Load()
	s.TokenSaveErrors = l.tokenSaveErrors.Load()
	return s
}
