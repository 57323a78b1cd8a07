// Package monitor aggregates component statistics into a single report and
// evaluates replication health.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/conflict"
	"github.com/surrealdb/surrealsync/pkg/inbound"
	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/origin"
	"github.com/surrealdb/surrealsync/pkg/outbound"
	"github.com/surrealdb/surrealsync/pkg/processor"
	"github.com/surrealdb/surrealsync/pkg/queue"
)

const (
	DefaultQueueWarnRatio = 0.9
	DefaultMaxSyncLag     = 5 * time.Minute
	DefaultSampleInterval = 10 * time.Second
)

type (
	QueueSource     interface{ Stats() queue.Stats }
	WorkerSource    interface{ Stats() outbound.Stats }
	ListenerSource  interface{ Stats() inbound.Stats }
	ProcessorSource interface{ Stats() processor.Stats }
	ResolverSource  interface{ Stats() conflict.Stats }
	TrackerSource   interface{ Stats() origin.Stats }
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Issue struct {
	Component string   `json:"component"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
}

type OutboundReport struct {
	Enabled     bool           `json:"enabled"`
	Queue       queue.Stats    `json:"queue"`
	Worker      outbound.Stats `json:"worker"`
	Utilization float64        `json:"utilization"`
	// Throughput is operations processed per second over the last sample
	// window.
	Throughput float64 `json:"throughput"`
}

type InboundReport struct {
	Enabled    bool            `json:"enabled"`
	Listener   inbound.Stats   `json:"listener"`
	Processor  processor.Stats `json:"processor"`
	Throughput float64         `json:"throughput"`
}

type Report struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Outbound    OutboundReport `json:"outbound"`
	Inbound     InboundReport  `json:"inbound"`
	Conflicts   conflict.Stats `json:"conflicts"`
	Origin      origin.Stats   `json:"origin"`
	Healthy     bool           `json:"healthy"`
	Issues      []Issue        `json:"issues"`
}

type Options struct {
	Queue     QueueSource
	Worker    WorkerSource
	Listener  ListenerSource
	Processor ProcessorSource
	Resolver  ResolverSource
	Tracker   TrackerSource

	OutboundEnabled bool
	InboundEnabled  bool

	// QueueWarnRatio is the queue utilization at which the report turns
	// unhealthy.
	QueueWarnRatio float64
	MaxSyncLag     time.Duration
	// SampleInterval is the throughput window used by Start.
	SampleInterval time.Duration

	Logger logger.Logger
	Now    func() time.Time
}

type sample struct {
	at       time.Time
	outbound uint64
	inbound  uint64
}

type Aggregator struct {
	opts Options
	log  logger.Logger

	mu          sync.Mutex
	last        *sample
	outboundTPS float64
	inboundTPS  float64

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func New(opts Options) *Aggregator {
	if opts.QueueWarnRatio <= 0 {
		opts.QueueWarnRatio = DefaultQueueWarnRatio
	}
	if opts.MaxSyncLag <= 0 {
		opts.MaxSyncLag = DefaultMaxSyncLag
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{opts: opts, log: logger.OrNop(opts.Logger)}
}

// SetEnabled records which directions are expected to be running.
func (a *Aggregator) SetEnabled(outboundEnabled, inboundEnabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.OutboundEnabled = outboundEnabled
	a.opts.InboundEnabled = inboundEnabled
}

// Start takes a first sample and then samples throughput every
// SampleInterval until Stop. Calling Start twice is a no-op.
func (a *Aggregator) Start() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.stopCh != nil {
		return
	}

	a.Sample()
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.sampleLoop(a.stopCh)
}

// Stop ends sampling and waits for the loop to return.
func (a *Aggregator) Stop() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.stopCh == nil {
		return
	}

	close(a.stopCh)
	a.wg.Wait()
	a.stopCh = nil
}

func (a *Aggregator) sampleLoop(stopCh chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.Sample()
		}
	}
}

// Sample reads the processed counters and updates throughput against the
// previous sample.
func (a *Aggregator) Sample() {
	cur := &sample{at: a.opts.Now()}
	if a.opts.Worker != nil {
		cur.outbound = a.opts.Worker.Stats().Processed
	}
	if a.opts.Listener != nil {
		cur.inbound = a.opts.Listener.Stats().Processed
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil {
		if elapsed := cur.at.Sub(a.last.at).Seconds(); elapsed > 0 {
			a.outboundTPS = rate(a.last.outbound, cur.outbound, elapsed)
			a.inboundTPS = rate(a.last.inbound, cur.inbound, elapsed)
		}
	}
	a.last = cur
}

// Report snapshots every source. Throughput comes from the most recent
// sample window and is not affected by how often Report is called.
func (a *Aggregator) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Report{
		GeneratedAt: a.opts.Now(),
		Outbound:    OutboundReport{Enabled: a.opts.OutboundEnabled},
		Inbound:     InboundReport{Enabled: a.opts.InboundEnabled},
		Issues:      []Issue{},
	}
	if a.opts.Queue != nil {
		r.Outbound.Queue = a.opts.Queue.Stats()
		if r.Outbound.Queue.MaxSize > 0 {
			r.Outbound.Utilization = float64(r.Outbound.Queue.Size) / float64(r.Outbound.Queue.MaxSize)
		}
	}
	if a.opts.Worker != nil {
		r.Outbound.Worker = a.opts.Worker.Stats()
	}
	if a.opts.Listener != nil {
		r.Inbound.Listener = a.opts.Listener.Stats()
	}
	if a.opts.Processor != nil {
		r.Inbound.Processor = a.opts.Processor.Stats()
	}
	if a.opts.Resolver != nil {
		r.Conflicts = a.opts.Resolver.Stats()
	}
	if a.opts.Tracker != nil {
		r.Origin = a.opts.Tracker.Stats()
	}

	r.Outbound.Throughput = a.outboundTPS
	r.Inbound.Throughput = a.inboundTPS

	r.Issues = a.evaluate(r)
	r.Healthy = true
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			r.Healthy = false
			break
		}
	}
	return r
}

func rate(prev, cur uint64, elapsed float64) float64 {
	if cur < prev {
		// Counters were reset by a restart.
		return 0
	}
	return float64(cur-prev) / elapsed
}

func (a *Aggregator) evaluate(r Report) []Issue {
	issues := []Issue{}

	if a.opts.InboundEnabled && a.opts.Listener != nil && r.Inbound.Listener.State != inbound.StateRunning {
		msg := fmt.Sprintf("inbound listener is %s", r.Inbound.Listener.State)
		if r.Inbound.Listener.GaveUp {
			msg += " after exhausting reconnect attempts"
		}
		issues = append(issues, Issue{Component: "inbound", Severity: SeverityCritical, Message: msg})
	}

	if a.opts.Queue != nil && r.Outbound.Utilization >= a.opts.QueueWarnRatio {
		issues = append(issues, Issue{
			Component: "queue",
			Severity:  SeverityCritical,
			Message: fmt.Sprintf("queue is %.0f%% full (%d/%d)",
				r.Outbound.Utilization*100, r.Outbound.Queue.Size, r.Outbound.Queue.MaxSize),
		})
	}

	if lag := time.Duration(r.Outbound.Queue.SyncLagMillis) * time.Millisecond; lag > a.opts.MaxSyncLag {
		issues = append(issues, Issue{
			Component: "queue",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("sync lag %s exceeds %s", lag.Round(time.Second), a.opts.MaxSyncLag),
		})
	}

	if n := r.Outbound.Worker.PermanentFailures; n > 0 {
		issues = append(issues, Issue{
			Component: "outbound",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("%d operations failed permanently", n),
		})
	}

	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			a.log.Warn("monitor.Aggregator health issue", "component", issue.Component, "message", issue.Message)
		}
	}
	return issues
}
