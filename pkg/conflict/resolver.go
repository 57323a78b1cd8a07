// Package conflict decides whether an incoming remote change or the local
// copy of a document wins, using last-write-wins on document timestamps.
package conflict

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
)

const (
	StrategyLastWriteWins = "last-write-wins"
	DefaultLogSize        = 1000
)

// ErrUnknownStrategy is returned by ValidateStrategy.
var ErrUnknownStrategy = errors.New("conflict: unknown strategy")

func ValidateStrategy(strategy string) error {
	if strategy == StrategyLastWriteWins {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

const (
	ReasonNoLocal          = "no local document"
	ReasonNoRemote         = "no remote change"
	ReasonRemoteNewer      = "remote newer"
	ReasonLocalNewer       = "local newer"
	ReasonEqual            = "equal timestamps"
	ReasonMissingTimestamp = "missing timestamp"
)

type Options struct {
	// TiePreference wins equal and missing timestamps. Defaults to remote.
	TiePreference models.Origin

	// LogSize caps the conflict log. Defaults to DefaultLogSize.
	LogSize int

	Logger logger.Logger
	Now    func() time.Time
}

type Stats struct {
	ResolvedByLocal  uint64 `json:"resolvedByLocal"`
	ResolvedByRemote uint64 `json:"resolvedByRemote"`
	Logged           int    `json:"logged"`
}

type Resolver struct {
	tie models.Origin
	log logger.Logger
	now func() time.Time

	byLocal  atomic.Uint64
	byRemote atomic.Uint64

	mu      sync.Mutex
	entries []models.ConflictLogEntry
	start   int
	limit   int
}

func New(opts Options) *Resolver {
	r := &Resolver{
		tie:   opts.TiePreference,
		log:   logger.OrNop(opts.Logger),
		now:   opts.Now,
		limit: opts.LogSize,
	}
	if r.tie != models.OriginLocal {
		r.tie = models.OriginRemote
	}
	if r.limit <= 0 {
		r.limit = DefaultLogSize
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Resolver) Strategy() string {
	return StrategyLastWriteWins
}

// ResolveConflict compares the local copy of a document with a remote change.
// It is a pure function of the two extracted timestamps and the tie preference.
func (r *Resolver) ResolveConflict(local models.Document, remote *models.ChangeEvent) models.ConflictResolution {
	var res models.ConflictResolution

	switch {
	case local == nil:
		res = models.ConflictResolution{ShouldApply: true, Winner: models.OriginRemote, Reason: ReasonNoLocal}
	case remote == nil:
		res = models.ConflictResolution{ShouldApply: false, Winner: models.OriginLocal, Reason: ReasonNoRemote}
	default:
		res = r.compare(local, remote)
	}

	r.record(local, remote, res)
	return res
}

func (r *Resolver) compare(local models.Document, remote *models.ChangeEvent) models.ConflictResolution {
	localTS, _ := LookupTimestamp(local)
	remoteTS, _ := LookupTimestamp(EventDocument(remote))

	res := models.ConflictResolution{LocalTimestamp: localTS, RemoteTimestamp: remoteTS}

	diff, err := Compare(remoteTS, localTS)
	switch {
	case err != nil:
		res.Winner = r.tie
		res.Reason = ReasonMissingTimestamp
	case diff > 0:
		res.Winner = models.OriginRemote
		res.Reason = ReasonRemoteNewer
	case diff < 0:
		res.Winner = models.OriginLocal
		res.Reason = ReasonLocalNewer
	default:
		res.Winner = r.tie
		res.Reason = ReasonEqual
	}
	res.ShouldApply = res.Winner == models.OriginRemote
	return res
}

func (r *Resolver) record(local models.Document, remote *models.ChangeEvent, res models.ConflictResolution) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("conflict.Resolver failed to record resolution", "panic", p)
		}
	}()

	if res.Winner == models.OriginLocal {
		r.byLocal.Add(1)
	} else {
		r.byRemote.Add(1)
	}

	entry := models.ConflictLogEntry{Resolution: res, ResolvedAt: r.now()}
	if remote != nil {
		entry.Collection = remote.Namespace.Collection
		entry.DocumentID = remote.DocumentID()
	}
	if entry.DocumentID == nil {
		entry.DocumentID = local.ID()
	}

	r.mu.Lock()
	if len(r.entries) < r.limit {
		r.entries = append(r.entries, entry)
	} else {
		r.entries[r.start] = entry
		r.start = (r.start + 1) % r.limit
	}
	r.mu.Unlock()

	r.log.Debug("conflict.Resolver resolved conflict",
		"collection", entry.Collection,
		"document_id", entry.DocumentID,
		"winner", res.Winner,
		"reason", res.Reason)
}

// Recent returns up to limit log entries, newest first. limit <= 0 returns all.
func (r *Resolver) Recent(limit int) []models.ConflictLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.ConflictLogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.start + n - 1 - i) % n
		out = append(out, r.entries[idx])
	}
	return out
}

func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	logged := len(r.entries)
	r.mu.Unlock()

	return Stats{
		ResolvedByLocal:  r.byLocal.Load(),
		ResolvedByRemote: r.byRemote.Load(),
		Logged:           logged,
	}
}
