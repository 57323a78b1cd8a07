// Package replicator wires the replication components into a running
// engine: the local write hook feeds the outbound queue and worker, and the
// inbound listener feeds remote changes through the change processor.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/surrealdb/surrealsync/pkg/admin"
	"github.com/surrealdb/surrealsync/pkg/config"
	"github.com/surrealdb/surrealsync/pkg/conflict"
	"github.com/surrealdb/surrealsync/pkg/dbmanager"
	"github.com/surrealdb/surrealsync/pkg/inbound"
	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/monitor"
	"github.com/surrealdb/surrealsync/pkg/origin"
	"github.com/surrealdb/surrealsync/pkg/outbound"
	"github.com/surrealdb/surrealsync/pkg/persist"
	"github.com/surrealdb/surrealsync/pkg/processor"
	"github.com/surrealdb/surrealsync/pkg/queue"
	"github.com/surrealdb/surrealsync/pkg/resume"
	"github.com/surrealdb/surrealsync/pkg/store"
	"github.com/surrealdb/surrealsync/pkg/validate"
)

var ErrNoChangeSource = errors.New("replicator: remote store has no change stream")

var _ admin.Engine = (*Engine)(nil)

type Options struct {
	Config *config.Config

	// Local is the application's primary store. Applications write
	// through Engine.Local so their writes replicate.
	Local  store.DocumentStore
	Remote store.DocumentStore

	// Source defaults to Remote when it implements store.ChangeSource.
	Source store.ChangeSource

	Tokens      resume.Store
	Persistence persist.QueuePersistence
	Validator   validate.Validator

	Logger logger.Logger
}

type Engine struct {
	cfg        *config.Config
	instanceID string
	log        logger.Logger

	local       *store.HookedStore
	manager     *dbmanager.Manager
	tracker     *origin.Tracker
	resolver    *conflict.Resolver
	queue       *queue.Queue
	worker      *outbound.Worker
	processor   *processor.Processor
	listener    *inbound.Listener
	aggregator  *monitor.Aggregator
	persistence persist.QueuePersistence

	mu               sync.RWMutex
	outboundEnabled  bool
	inboundEnabled   bool
	bidirectional    bool
	excludedOutbound store.ExcludeSet
	outboundList     []string
	running          bool
	runCtx           context.Context
	unsub            func()

	// closeExtra releases resources opened alongside the stores.
	closeExtra func() error
}

// New builds every component from opts. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if opts.Local == nil || opts.Remote == nil {
		return nil, errors.New("replicator: local and remote stores are required")
	}
	source := opts.Source
	if source == nil {
		cs, ok := opts.Remote.(store.ChangeSource)
		if !ok && cfg.Inbound.Enabled {
			return nil, ErrNoChangeSource
		}
		source = cs
	}

	log := logger.OrNop(opts.Logger)
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = models.NewInstanceID()
	}

	e := &Engine{
		cfg:              cfg,
		instanceID:       instanceID,
		log:              log,
		persistence:      opts.Persistence,
		outboundEnabled:  cfg.Outbound.Enabled,
		inboundEnabled:   cfg.Inbound.Enabled,
		bidirectional:    cfg.Outbound.Enabled && cfg.Inbound.Enabled,
		excludedOutbound: store.NewExcludeSet(cfg.Outbound.ExcludedCollections),
		outboundList:     append([]string(nil), cfg.Outbound.ExcludedCollections...),
	}

	e.local = store.NewHookedStore(opts.Local, instanceID, e.onLocalWrite)
	e.manager = dbmanager.New(dbmanager.Options{
		Local:         opts.Local,
		Remote:        opts.Remote,
		CheckInterval: cfg.Remote.HealthInterval,
		Logger:        log,
	})
	e.tracker = origin.New(origin.Options{
		TTL:             cfg.Origin.TTL,
		CleanupInterval: cfg.Origin.CleanupInterval,
		Logger:          log,
	})
	e.resolver = conflict.New(conflict.Options{
		TiePreference: cfg.Conflict.TiePreference,
		LogSize:       cfg.Conflict.LogSize,
		Logger:        log,
	})
	e.queue = queue.New(queue.Options{
		MaxSize:     cfg.Outbound.MaxQueueSize,
		Persistence: opts.Persistence,
		OnDrop: func(op *models.Operation) {
			log.Warn("replicator.Engine dropped outbound operation",
				"type", op.Type, "collection", op.Collection, "id", op.DocumentID())
		},
		Logger: log,
	})
	e.worker = outbound.New(outbound.Options{
		Queue:       e.queue,
		Manager:     e.manager,
		Interval:    cfg.Outbound.WorkerInterval,
		RetryDelays: cfg.Outbound.RetryDelays,
		Logger:      log,
	})
	e.processor = processor.New(processor.Options{
		Local:               e.local,
		Tracker:             e.tracker,
		Resolver:            e.resolver,
		Validator:           opts.Validator,
		ExcludedCollections: cfg.Inbound.ExcludedCollections,
		Logger:              log,
	})
	e.listener = inbound.New(inbound.Options{
		Manager:              e.manager,
		Source:               source,
		Tokens:               opts.Tokens,
		Tracker:              e.tracker,
		Processor:            e.processor,
		InstanceID:           instanceID,
		BatchSize:            cfg.Inbound.BatchSize,
		BatchTimeout:         cfg.Inbound.BatchTimeout,
		ReconnectInterval:    cfg.Inbound.ReconnectInterval,
		MaxReconnectAttempts: cfg.Inbound.MaxReconnectAttempts,
		RetryDelays:          cfg.Inbound.RetryDelays,
		MaxRetries:           cfg.Inbound.MaxRetries,
		ExcludedCollections:  cfg.Inbound.ExcludedCollections,
		Logger:               log,
	})
	e.aggregator = monitor.New(monitor.Options{
		Queue:           e.queue,
		Worker:          e.worker,
		Listener:        e.listener,
		Processor:       e.processor,
		Resolver:        e.resolver,
		Tracker:         e.tracker,
		OutboundEnabled: e.outboundEnabled,
		InboundEnabled:  e.inboundEnabled,
		SampleInterval:  cfg.Admin.StreamInterval,
		Logger:          log,
	})
	return e, nil
}

func (e *Engine) InstanceID() string { return e.instanceID }

// Local is the store applications write through.
func (e *Engine) Local() store.DocumentStore { return e.local }

func (e *Engine) Queue() *queue.Queue             { return e.queue }
func (e *Engine) Worker() *outbound.Worker        { return e.worker }
func (e *Engine) Listener() *inbound.Listener     { return e.listener }
func (e *Engine) Tracker() *origin.Tracker        { return e.tracker }
func (e *Engine) Resolver() *conflict.Resolver    { return e.resolver }
func (e *Engine) Processor() *processor.Processor { return e.processor }
func (e *Engine) Manager() *dbmanager.Manager     { return e.manager }

// onLocalWrite is the write hook of the local store. Writes made by the
// change processor never reach it.
func (e *Engine) onLocalWrite(ctx context.Context, op *models.Operation) {
	e.mu.RLock()
	enabled := e.outboundEnabled
	excluded := e.excludedOutbound.Has(op.Collection)
	e.mu.RUnlock()
	if !enabled || excluded {
		return
	}

	if id := op.DocumentID(); id != nil {
		e.tracker.MarkLocal(id)
	}
	if e.cfg.Outbound.MaxRetries > 0 {
		op.MaxRetries = e.cfg.Outbound.MaxRetries
	}
	outcome, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		e.log.Error("replicator.Engine failed to enqueue local write",
			"type", op.Type, "collection", op.Collection, "error", err)
		return
	}
	e.log.Debug("replicator.Engine queued local write",
		"type", op.Type, "collection", op.Collection, "id", op.DocumentID(), "outcome", outcome)
}

// Start restores the persisted queue and starts every enabled component.
// An unreachable remote is not an error: the worker holds the queue and the
// listener starts once the remote comes back.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("replicator: engine already running")
	}
	e.running = true
	e.runCtx = context.WithoutCancel(ctx)
	outboundEnabled, inboundEnabled := e.outboundEnabled, e.inboundEnabled
	e.mu.Unlock()

	if err := e.manager.Start(ctx); err != nil {
		e.setStopped()
		return err
	}
	e.tracker.Start()
	e.aggregator.Start()
	e.restoreQueue(ctx)

	if outboundEnabled {
		if err := e.worker.Start(ctx); err != nil {
			e.setStopped()
			return fmt.Errorf("replicator: start worker: %w", err)
		}
	}

	e.unsub = e.manager.OnRemoteReconnected(e.onRemoteReconnected)
	if inboundEnabled {
		if err := e.listener.Start(ctx); err != nil {
			if !errors.Is(err, inbound.ErrRemoteUnavailable) {
				e.setStopped()
				return fmt.Errorf("replicator: start listener: %w", err)
			}
			e.log.Warn("replicator.Engine remote unavailable, inbound sync waits for it")
		}
	}

	e.log.Info("replicator.Engine started",
		"instance", e.instanceID, "outbound", outboundEnabled, "inbound", inboundEnabled,
		"queued", e.queue.Len())
	return nil
}

func (e *Engine) setStopped() {
	e.tracker.Stop()
	e.aggregator.Stop()
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// onRemoteReconnected brings the listener back when it is down, including
// after it gave up reconnecting on its own.
func (e *Engine) onRemoteReconnected() {
	e.mu.RLock()
	ctx, want := e.runCtx, e.running && e.inboundEnabled
	e.mu.RUnlock()
	if !want || e.listener.State() != inbound.StateStopped {
		return
	}
	go func() {
		if err := e.listener.Start(ctx); err != nil && !errors.Is(err, inbound.ErrNotStopped) {
			e.log.Warn("replicator.Engine failed to restart listener", "error", err)
		}
	}()
}

func (e *Engine) restoreQueue(ctx context.Context) {
	if e.persistence == nil {
		return
	}
	ops, err := e.persistence.LoadFromDisk(ctx)
	if err != nil {
		e.log.Warn("replicator.Engine failed to load persisted queue", "error", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	for _, op := range ops {
		if id := op.DocumentID(); id != nil {
			e.tracker.MarkLocal(id)
		}
	}
	n := e.queue.Restore(ctx, ops)
	e.log.Info("replicator.Engine restored persisted queue", "operations", n)
	if c, ok := e.persistence.(persist.Clearer); ok {
		if err := c.Clear(ctx); err != nil {
			e.log.Warn("replicator.Engine failed to clear persisted queue", "error", err)
		}
	}
}

// Stop stops the listener and the worker, then persists what is still
// queued, or clears the snapshot when nothing is. Stores stay open.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	var errs []error
	if err := e.listener.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop listener: %w", err))
	}
	if err := e.worker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	if err := e.saveQueue(ctx); err != nil {
		errs = append(errs, err)
	}
	e.tracker.Stop()
	e.aggregator.Stop()

	e.log.Info("replicator.Engine stopped", "queued", e.queue.Len())
	return errors.Join(errs...)
}

// saveQueue leaves the persisted snapshot matching the queue. An empty queue
// clears any snapshot written on overflow, so it is never replayed later.
func (e *Engine) saveQueue(ctx context.Context) error {
	if e.persistence == nil {
		return nil
	}
	if e.queue.Len() == 0 {
		if c, ok := e.persistence.(persist.Clearer); ok {
			if err := c.Clear(ctx); err != nil {
				return fmt.Errorf("replicator: clear persisted queue: %w", err)
			}
			return nil
		}
	}
	return e.queue.PersistNow(ctx)
}

// Close stops the engine and closes both stores.
func (e *Engine) Close(ctx context.Context) error {
	errs := []error{e.Stop(ctx), e.manager.Close(ctx)}
	if e.closeExtra != nil {
		errs = append(errs, e.closeExtra())
	}
	return errors.Join(errs...)
}

func (e *Engine) Report() monitor.Report {
	return e.aggregator.Report()
}

func (e *Engine) Conflicts(limit int) []models.ConflictLogEntry {
	return e.resolver.Recent(limit)
}

func (e *Engine) Failures(limit int) []outbound.PermanentFailure {
	return e.worker.Failures(limit)
}

func (e *Engine) StartWorker(ctx context.Context) error {
	return e.worker.Start(e.workerContext(ctx))
}

func (e *Engine) workerContext(ctx context.Context) context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.WithoutCancel(ctx)
}

func (e *Engine) StopWorker(ctx context.Context) error { return e.worker.Stop(ctx) }
func (e *Engine) PauseWorker()                         { e.worker.Pause() }
func (e *Engine) ResumeWorker()                        { e.worker.Resume() }

// ClearQueue drops every queued operation, including a persisted snapshot.
func (e *Engine) ClearQueue(ctx context.Context) int {
	n := e.queue.Clear()
	if c, ok := e.persistence.(persist.Clearer); ok {
		if err := c.Clear(ctx); err != nil {
			e.log.Warn("replicator.Engine failed to clear persisted queue", "error", err)
		}
	}
	return n
}

// SetBidirectional records whether both directions should run. The change
// takes effect at the next start.
func (e *Engine) SetBidirectional(enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bidirectional = enabled
	e.cfg.Inbound.Enabled = enabled
	restart := enabled != e.inboundEnabled
	if restart {
		e.log.Info("replicator.Engine bidirectional sync changed, restart required", "enabled", enabled)
	}
	return restart
}

func (e *Engine) Bidirectional() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bidirectional
}

func (e *Engine) ExcludedInbound() []string {
	return e.listener.ExcludedCollections()
}

// SetExcludedInbound applies new inbound exclusions, restarting the
// listener when it is consuming.
func (e *Engine) SetExcludedInbound(ctx context.Context, collections []string) error {
	e.processor.SetExcludedCollections(collections)
	if e.listener.State() == inbound.StateStopped {
		e.listener.SetExcludedCollections(collections)
		return nil
	}
	if err := e.listener.Restart(ctx, collections); err != nil {
		return fmt.Errorf("replicator: restart listener: %w", err)
	}
	return nil
}

func (e *Engine) ExcludedOutbound() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.outboundList...)
}

func (e *Engine) SetExcludedOutbound(collections []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outboundList = append([]string(nil), collections...)
	e.excludedOutbound = store.NewExcludeSet(collections)
}
