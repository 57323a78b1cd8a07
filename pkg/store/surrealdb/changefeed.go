package surrealdb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/models"
	"github.com/surrealdb/surrealsync/pkg/store"
)

// ChangeSet is one row of SHOW CHANGES.
type ChangeSet struct {
	Versionstamp uint64   `json:"versionstamp" cbor:"versionstamp"`
	Changes      []Change `json:"changes" cbor:"changes"`
}

// Change is a single table change within a ChangeSet. Update carries the
// full record after the write, which also covers creation.
type Change struct {
	DefineTable *ChangeDefineTable `json:"define_table,omitempty" cbor:"define_table,omitempty"`
	Update      map[string]any     `json:"update,omitempty" cbor:"update,omitempty"`
	Delete      map[string]any     `json:"delete,omitempty" cbor:"delete,omitempty"`
}

type ChangeDefineTable struct {
	Name string `json:"name" cbor:"name"`
}

// fetchFunc returns up to limit change sets of table, starting from since,
// which is a SurrealQL SINCE operand.
type fetchFunc func(ctx context.Context, table, since string, limit int) ([]ChangeSet, error)

// SinceVersionstamp renders the SINCE operand for vs. Versionstamps carry
// 16 extra low bits that SINCE does not accept.
func SinceVersionstamp(vs uint64) string {
	return strconv.FormatUint(vs>>16, 10)
}

// SinceTime renders a datetime SINCE operand.
func SinceTime(t time.Time) string {
	return fmt.Sprintf("d%q", t.UTC().Format(time.RFC3339Nano))
}

func ShowChangesQuery(table, since string, limit int) string {
	q := fmt.Sprintf("SHOW CHANGES FOR TABLE %s SINCE %s", table, since)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return q
}

// ParseToken decodes a resume token into a versionstamp.
func ParseToken(token models.ResumeToken) (uint64, error) {
	vs, err := strconv.ParseUint(string(token), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", store.ErrResumeTokenInvalid, token)
	}
	return vs, nil
}

func FormatToken(vs uint64) models.ResumeToken {
	return models.ResumeToken(strconv.FormatUint(vs, 10))
}

func (s *Store) fetch(ctx context.Context, table, since string, limit int) ([]ChangeSet, error) {
	sets, err := query[[]ChangeSet](ctx, s.db, ShowChangesQuery(table, since, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: show changes for %s: %v", store.ErrUnavailable, table, err)
	}
	return sets, nil
}

// Watch follows the changefeeds of the configured tables, minus the
// excluded ones.
func (s *Store) Watch(ctx context.Context, opts store.WatchOptions) (store.ChangeStream, error) {
	excluded := store.NewExcludeSet(opts.ExcludeCollections)
	var tables []string
	for _, t := range s.cfg.Tables {
		if !excluded.Has(t) {
			tables = append(tables, t)
		}
	}
	return newStream(ctx, streamConfig{
		fetch:        s.fetch,
		database:     s.cfg.Database,
		tables:       tables,
		resumeAfter:  opts.ResumeAfter,
		pollInterval: s.cfg.PollInterval,
		batch:        s.cfg.ChangeBatch,
		now:          time.Now,
	})
}

type streamConfig struct {
	fetch        fetchFunc
	database     string
	tables       []string
	resumeAfter  models.ResumeToken
	pollInterval time.Duration
	batch        int
	now          func() time.Time
}

type stream struct {
	cfg streamConfig

	// cursor is the last versionstamp handed out; zero with startAt set
	// means no change has been seen yet.
	cursor  uint64
	startAt time.Time

	pending []*models.ChangeEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(ctx context.Context, cfg streamConfig) (*stream, error) {
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}
	if cfg.batch <= 0 {
		cfg.batch = DefaultChangeBatch
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	st := &stream{cfg: cfg, closed: make(chan struct{})}
	if cfg.resumeAfter == "" {
		st.startAt = cfg.now()
		return st, nil
	}
	vs, err := ParseToken(cfg.resumeAfter)
	if err != nil {
		return nil, err
	}
	st.cursor = vs
	return st, nil
}

type tableSet struct {
	table string
	set   ChangeSet
}

func (st *stream) since() string {
	if st.cursor == 0 && !st.startAt.IsZero() {
		return SinceTime(st.startAt)
	}
	return SinceVersionstamp(st.cursor)
}

// poll reads one round of every table and queues the events that are safe
// to emit. When a table filled its batch, nothing after its last
// versionstamp is emitted this round, since that table may have more
// changes before it.
func (st *stream) poll(ctx context.Context) error {
	since := st.since()
	var (
		all    []tableSet
		cutoff uint64 = ^uint64(0)
	)
	for _, t := range st.cfg.tables {
		sets, err := st.cfg.fetch(ctx, t, since, st.cfg.batch)
		if err != nil {
			return err
		}
		var last uint64
		for _, cs := range sets {
			if cs.Versionstamp <= st.cursor {
				continue
			}
			all = append(all, tableSet{table: t, set: cs})
			if cs.Versionstamp > last {
				last = cs.Versionstamp
			}
		}
		if len(sets) >= st.cfg.batch && last > 0 && last < cutoff {
			cutoff = last
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].set.Versionstamp < all[j].set.Versionstamp
	})
	for _, ts := range all {
		if ts.set.Versionstamp > cutoff {
			break
		}
		st.pending = append(st.pending, ChangeSetEvents(st.cfg.database, ts.table, ts.set)...)
		st.cursor = ts.set.Versionstamp
		st.startAt = time.Time{}
	}
	return nil
}

func (st *stream) Next(ctx context.Context) (*models.ChangeEvent, error) {
	for {
		if len(st.pending) > 0 {
			ev := st.pending[0]
			st.pending = st.pending[1:]
			return ev, nil
		}

		select {
		case <-st.closed:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := st.poll(ctx); err != nil {
			return nil, err
		}
		if len(st.pending) > 0 {
			continue
		}

		timer := time.NewTimer(st.cfg.pollInterval)
		select {
		case <-st.closed:
			timer.Stop()
			return nil, io.EOF
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}

// ChangeSetEvents converts one change set of table into change events.
// Updates become replace events carrying the full record.
func ChangeSetEvents(database, table string, cs ChangeSet) []*models.ChangeEvent {
	token := FormatToken(cs.Versionstamp)
	ns := models.Namespace{DB: database, Collection: table}

	var out []*models.ChangeEvent
	for _, c := range cs.Changes {
		switch {
		case c.Update != nil:
			doc := FromRecord(c.Update)
			out = append(out, &models.ChangeEvent{
				ResumeToken:   token,
				OperationType: models.ChangeReplace,
				Namespace:     ns,
				DocumentKey:   models.DocumentKey{ID: doc.ID()},
				FullDocument:  doc,
			})
		case c.Delete != nil:
			out = append(out, &models.ChangeEvent{
				ResumeToken:   token,
				OperationType: models.ChangeDelete,
				Namespace:     ns,
				DocumentKey:   models.DocumentKey{ID: RecordKeyOf(c.Delete["id"])},
			})
		}
	}
	return out
}
