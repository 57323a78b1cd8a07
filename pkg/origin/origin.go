// Package origin remembers which side most recently wrote each document so
// that a replicated change is never sent back toward the side it came from.
package origin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/models"
)

const (
	DefaultTTL             = 60 * time.Second
	DefaultCleanupInterval = 60 * time.Second
)

type Options struct {
	// TTL is how long a record suppresses re-propagation.
	TTL time.Duration

	// CleanupInterval is the period of the background sweep.
	CleanupInterval time.Duration

	// OnEvict is called for every record removed by a sweep.
	// A panicking callback is logged and the sweep continues.
	OnEvict func(id string, rec models.OriginRecord)

	Logger logger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Stats struct {
	Tracked      int    `json:"tracked"`
	MarkedLocal  uint64 `json:"markedLocal"`
	MarkedRemote uint64 `json:"markedRemote"`
	Evicted      uint64 `json:"evicted"`
	Sweeps       uint64 `json:"sweeps"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]models.OriginRecord

	ttl      time.Duration
	interval time.Duration
	onEvict  func(string, models.OriginRecord)
	log      logger.Logger
	now      func() time.Time

	markedLocal  atomic.Uint64
	markedRemote atomic.Uint64
	evicted      atomic.Uint64
	sweeps       atomic.Uint64

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func New(opts Options) *Tracker {
	t := &Tracker{
		records:  make(map[string]models.OriginRecord),
		ttl:      opts.TTL,
		interval: opts.CleanupInterval,
		onEvict:  opts.OnEvict,
		log:      logger.OrNop(opts.Logger),
		now:      opts.Now,
	}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	if t.interval <= 0 {
		t.interval = DefaultCleanupInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) MarkLocal(id any) {
	if t.mark(id, models.OriginLocal) {
		t.markedLocal.Add(1)
	}
}

func (t *Tracker) MarkRemote(id any) {
	if t.mark(id, models.OriginRemote) {
		t.markedRemote.Add(1)
	}
}

func (t *Tracker) mark(id any, origin models.Origin) bool {
	key := models.IDKey(id)
	if key == "" {
		t.log.Debug("origin.Tracker ignored mark for empty document id", "origin", origin)
		return false
	}

	t.mu.Lock()
	t.records[key] = models.OriginRecord{Origin: origin, Timestamp: t.now()}
	t.mu.Unlock()
	return true
}

// Get returns the live record for id. Records older than the TTL are
// reported as absent even before the sweep removes them.
func (t *Tracker) Get(id any) (models.OriginRecord, bool) {
	key := models.IDKey(id)
	if key == "" {
		return models.OriginRecord{}, false
	}

	t.mu.RLock()
	rec, ok := t.records[key]
	t.mu.RUnlock()

	if !ok || t.expired(rec, t.now()) {
		return models.OriginRecord{}, false
	}
	return rec, true
}

// ShouldSkipSync reports whether the latest write to id came from attempted.
// Unknown or malformed ids never skip.
func (t *Tracker) ShouldSkipSync(id any, attempted models.Origin) bool {
	rec, ok := t.Get(id)
	return ok && rec.Origin == attempted
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Tracked:      t.Len(),
		MarkedLocal:  t.markedLocal.Load(),
		MarkedRemote: t.markedRemote.Load(),
		Evicted:      t.evicted.Load(),
		Sweeps:       t.sweeps.Load(),
	}
}

func (t *Tracker) expired(rec models.OriginRecord, now time.Time) bool {
	return now.Sub(rec.Timestamp) > t.ttl
}

// Sweep evicts every record older than the TTL and returns how many it removed.
func (t *Tracker) Sweep() int {
	now := t.now()
	evicted := make(map[string]models.OriginRecord)

	t.mu.Lock()
	for key, rec := range t.records {
		if t.expired(rec, now) {
			delete(t.records, key)
			evicted[key] = rec
		}
	}
	t.mu.Unlock()

	for key, rec := range evicted {
		t.notifyEvict(key, rec)
	}

	t.sweeps.Add(1)
	t.evicted.Add(uint64(len(evicted)))
	if len(evicted) > 0 {
		t.log.Debug("origin.Tracker swept expired records", "evicted", len(evicted))
	}
	return len(evicted)
}

func (t *Tracker) notifyEvict(key string, rec models.OriginRecord) {
	if t.onEvict == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("origin.Tracker eviction callback failed", "document_id", key, "panic", r)
		}
	}()
	t.onEvict(key, rec)
}

// Start launches the background sweep. Calling Start twice is a no-op.
func (t *Tracker) Start() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.stopCh != nil {
		return
	}

	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.sweepLoop(t.stopCh)
}

// Stop ends the background sweep and waits for it to return.
func (t *Tracker) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.stopCh == nil {
		return
	}

	close(t.stopCh)
	t.wg.Wait()
	t.stopCh = nil
}

func (t *Tracker) sweepLoop(stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
