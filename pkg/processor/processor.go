// Package processor applies inbound change events to the local store.
//
// Every apply runs under store.SuppressSync so the write hook does not send
// the change straight back to the remote, and every processed document is
// marked as remote-origin in the origin tracker first.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/retry"
	"github.com/surrealdb/surrealsync/pkg/store"
	"github.com/surrealdb/surrealsync/pkg/validate"
)

var (
	ErrValidation     = errors.New("processor: validation failed")
	ErrMalformedEvent = errors.New("processor: malformed change event")
)

// OriginTracker is the part of origin.Tracker the processor uses.
type OriginTracker interface {
	MarkRemote(id any)
	ShouldSkipSync(id any, attempted models.Origin) bool
}

// ConflictResolver decides whether a remote change beats the local copy.
type ConflictResolver interface {
	ResolveConflict(local models.Document, remote *models.ChangeEvent) models.ConflictResolution
}

type Options struct {
	Local     store.DocumentStore
	Tracker   OriginTracker
	Resolver  ConflictResolver
	Validator validate.Validator

	ExcludedCollections []string

	Logger logger.Logger
}

// ProcessResult describes what ProcessChange did with an event.
type ProcessResult struct {
	// Status is the outcome of the local write, when one was attempted.
	Status  models.ApplyStatus
	Written bool

	// Skipped is set when the event was filtered out before any write.
	Skipped bool

	// Conflict is set when the local copy won and the event was dropped.
	Conflict   bool
	Resolution *models.ConflictResolution
}

type Stats struct {
	TotalProcessed uint64 `json:"totalProcessed"`
	Successful     uint64 `json:"successful"`
	Failed         uint64 `json:"failed"`
	Skipped        uint64 `json:"skipped"`
	Conflicts      uint64 `json:"conflicts"`
}

type Processor struct {
	local     store.DocumentStore
	tracker   OriginTracker
	resolver  ConflictResolver
	validator validate.Validator
	logger    logger.Logger

	excludedMu sync.RWMutex
	excluded   store.ExcludeSet

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
	conflicts  atomic.Uint64
}

func New(opts Options) *Processor {
	if opts.Validator == nil {
		opts.Validator = validate.AllowAll{}
	}
	return &Processor{
		local:     opts.Local,
		tracker:   opts.Tracker,
		resolver:  opts.Resolver,
		validator: opts.Validator,
		logger:    logger.OrNop(opts.Logger),
		excluded:  store.NewExcludeSet(opts.ExcludedCollections),
	}
}

func (p *Processor) SetExcludedCollections(collections []string) {
	p.excludedMu.Lock()
	p.excluded = store.NewExcludeSet(collections)
	p.excludedMu.Unlock()
}

func (p *Processor) isExcluded(collection string) bool {
	p.excludedMu.RLock()
	defer p.excludedMu.RUnlock()
	return p.excluded.Has(collection)
}

// ValidateEvent checks the shape an event needs for its operation type.
func ValidateEvent(ev *models.ChangeEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if ev.Namespace.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrMalformedEvent)
	}
	if models.IDKey(ev.DocumentID()) == "" {
		return fmt.Errorf("%w: missing document id", ErrMalformedEvent)
	}
	switch ev.OperationType {
	case models.ChangeInsert, models.ChangeReplace:
		if ev.FullDocument == nil {
			return fmt.Errorf("%w: %s without fullDocument", ErrMalformedEvent, ev.OperationType)
		}
	case models.ChangeUpdate:
		if ev.UpdateDescription == nil && ev.FullDocument == nil {
			return fmt.Errorf("%w: update without updateDescription", ErrMalformedEvent)
		}
	case models.ChangeDelete:
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrMalformedEvent, ev.OperationType)
	}
	return nil
}

// ShouldApplyChange filters excluded collections and documents whose most
// recent write was made locally by this instance.
func (p *Processor) ShouldApplyChange(ev *models.ChangeEvent) bool {
	if p.isExcluded(ev.Namespace.Collection) {
		return false
	}
	if p.tracker != nil && p.tracker.ShouldSkipSync(ev.DocumentID(), models.OriginLocal) {
		return false
	}
	return true
}

// ProcessChange validates ev and applies it to the local store. Validation
// failures are returned as permanent errors wrapping ErrValidation or
// ErrMalformedEvent.
func (p *Processor) ProcessChange(ctx context.Context, ev *models.ChangeEvent) (ProcessResult, error) {
	p.total.Add(1)

	res, err := p.process(ctx, ev)
	switch {
	case err != nil:
		p.failed.Add(1)
	case res.Skipped:
		p.skipped.Add(1)
	default:
		p.successful.Add(1)
		if res.Conflict {
			p.conflicts.Add(1)
		}
	}
	return res, err
}

func (p *Processor) process(ctx context.Context, ev *models.ChangeEvent) (ProcessResult, error) {
	if err := ValidateEvent(ev); err != nil {
		p.logger.Warn("processor.Processor rejected malformed event", "error", err)
		return ProcessResult{}, retry.Permanent(err)
	}

	if !p.ShouldApplyChange(ev) {
		p.logger.Debug("processor.Processor skipped change",
			"collection", ev.Namespace.Collection, "id", ev.DocumentID())
		return ProcessResult{Skipped: true}, nil
	}

	p.markRemote(ev.DocumentID())

	ctx = store.SuppressSync(ctx)
	switch ev.OperationType {
	case models.ChangeInsert:
		if err := p.validateDoc(ev, ev.FullDocument, ev.OperationType); err != nil {
			return ProcessResult{}, err
		}
		// Upsert by _id: a remote insert over an existing local copy replaces it.
		return p.write(ev, func() (models.ApplyResult, error) {
			return p.local.Replace(ctx, ev.Namespace.Collection, p.fullDocument(ev))
		})
	case models.ChangeReplace:
		if err := p.validateDoc(ev, ev.FullDocument, ev.OperationType); err != nil {
			return ProcessResult{}, err
		}
		return p.resolveThen(ctx, ev, func() (models.ApplyResult, error) {
			return p.local.Replace(ctx, ev.Namespace.Collection, p.fullDocument(ev))
		})
	case models.ChangeUpdate:
		return p.processUpdate(ctx, ev)
	default:
		return p.write(ev, func() (models.ApplyResult, error) {
			return p.local.Delete(ctx, ev.Namespace.Collection, ev.DocumentID())
		})
	}
}

func (p *Processor) processUpdate(ctx context.Context, ev *models.ChangeEvent) (ProcessResult, error) {
	set := ev.UpdatedFields()
	if ev.UpdateDescription == nil {
		// Some sources only carry the post-image.
		if err := p.validateDoc(ev, ev.FullDocument, models.ChangeReplace); err != nil {
			return ProcessResult{}, err
		}
		return p.resolveThen(ctx, ev, func() (models.ApplyResult, error) {
			return p.local.Replace(ctx, ev.Namespace.Collection, p.fullDocument(ev))
		})
	}

	if err := p.validateDoc(ev, set, models.ChangeUpdate); err != nil {
		return ProcessResult{}, err
	}
	return p.resolveThen(ctx, ev, func() (models.ApplyResult, error) {
		return p.local.Update(ctx, ev.Namespace.Collection, ev.DocumentID(), set, ev.RemovedFields(), true)
	})
}

// resolveThen runs the conflict check against the local copy and calls
// apply only when the remote change wins.
func (p *Processor) resolveThen(ctx context.Context, ev *models.ChangeEvent, apply func() (models.ApplyResult, error)) (ProcessResult, error) {
	local, err := p.local.FindByID(ctx, ev.Namespace.Collection, ev.DocumentID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		local = nil
	case err != nil:
		return ProcessResult{}, fmt.Errorf("processor: load local copy: %w", err)
	}

	if local != nil && p.resolver != nil {
		resolution := p.resolver.ResolveConflict(local, ev)
		if !resolution.ShouldApply {
			p.logger.Info("processor.Processor kept local copy",
				"collection", ev.Namespace.Collection, "id", ev.DocumentID(), "reason", resolution.Reason)
			return ProcessResult{Conflict: true, Resolution: &resolution}, nil
		}
		res, err := p.write(ev, apply)
		res.Resolution = &resolution
		return res, err
	}
	return p.write(ev, apply)
}

func (p *Processor) write(ev *models.ChangeEvent, apply func() (models.ApplyResult, error)) (ProcessResult, error) {
	res, err := apply()
	if err != nil {
		return ProcessResult{}, fmt.Errorf("processor: apply %s to %s: %w", ev.OperationType, ev.Namespace.Collection, err)
	}
	if res.Status == models.Rejected {
		return ProcessResult{}, retry.Permanent(fmt.Errorf("%w: %s", ErrValidation, res.Reason))
	}
	p.logger.Debug("processor.Processor applied change",
		"type", ev.OperationType, "collection", ev.Namespace.Collection, "id", ev.DocumentID(), "result", res.Status)
	return ProcessResult{Status: res.Status, Written: res.Status == models.Applied}, nil
}

func (p *Processor) validateDoc(ev *models.ChangeEvent, doc models.Document, op models.ChangeType) error {
	ok, errs := p.validator.Validate(doc, ev.Namespace.Collection, op)
	if ok {
		return nil
	}
	err := fmt.Errorf("%w: %s: %s", ErrValidation, ev.Namespace.Collection, strings.Join(errs, "; "))
	p.logger.Warn("processor.Processor rejected document", "id", ev.DocumentID(), "error", err)
	return retry.Permanent(err)
}

// fullDocument returns the event document with _id set from the key.
func (p *Processor) fullDocument(ev *models.ChangeEvent) models.Document {
	doc := ev.FullDocument.Clone()
	if doc.ID() == nil {
		doc[models.IDField] = ev.DocumentID()
	}
	return doc
}

func (p *Processor) markRemote(id any) {
	if p.tracker == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("processor.Processor failed to track origin", "panic", r)
		}
	}()
	p.tracker.MarkRemote(id)
}

func (p *Processor) Stats() Stats {
	return Stats{
		TotalProcessed: p.total.Load(),
		Successful:     p.successful.Load(),
		Failed:         p.failed.Load(),
		Skipped:        p.skipped.Load(),
		Conflicts:      p.conflicts.Load(),
	}
}
