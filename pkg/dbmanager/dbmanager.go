// Package dbmanager owns the local and remote store handles and tracks the
// reachability of the remote, notifying subscribers when it is lost and
// regained.
package dbmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/surrealdb/surrealsync/pkg/logger"
	"github.com/surrealdb/surrealsync/pkg/retry"
	"github.com/surrealdb/surrealsync/pkg/store"
)

const DefaultCheckInterval = 5 * time.Second

// DatabaseManager is what the replication components need from the
// connection layer.
type DatabaseManager interface {
	IsRemoteAvailable() bool
	Local() store.DocumentStore
	Remote() store.DocumentStore

	// OnRemoteReconnected registers fn and returns a function removing it.
	OnRemoteReconnected(fn func()) (unsubscribe func())
	OnRemoteDisconnected(fn func()) (unsubscribe func())
}

type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnected
	StateClosing
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateUnknown:
		return "Unknown"
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateUnknown:
		switch newState {
		case StateConnected, StateDisconnected, StateClosing:
			return nil
		}
	case StateDisconnected:
		switch newState {
		case StateConnected, StateDisconnected, StateClosing:
			return nil
		}
	case StateConnected:
		switch newState {
		case StateDisconnected, StateClosing:
			return nil
		}
	case StateClosing:
		if newState == StateClosed {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

type Options struct {
	Local  store.DocumentStore
	Remote store.DocumentStore

	// CheckInterval is how often a connected remote is pinged.
	CheckInterval time.Duration

	// Retryer paces probes while the remote is unreachable.
	// Defaults to the retry ladder without a retry limit.
	Retryer retry.Retryer

	// PingTimeout bounds a single probe. Defaults to CheckInterval.
	PingTimeout time.Duration

	Logger logger.Logger
}

type Manager struct {
	local  store.DocumentStore
	remote store.DocumentStore

	checkInterval time.Duration
	pingTimeout   time.Duration
	retryer       retry.Retryer
	logger        logger.Logger

	state   State
	stateMu sync.Mutex

	subMu          sync.Mutex
	nextSub        int
	onReconnected  map[int]func()
	onDisconnected map[int]func()

	// probeMu serialises probes from the loop and from Check.
	probeMu  sync.Mutex
	attempts int

	once       sync.Once
	closeCh    chan struct{}
	loopDoneCh chan struct{}
}

var _ DatabaseManager = (*Manager)(nil)

func New(opts Options) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = opts.CheckInterval
	}
	if opts.Retryer == nil {
		opts.Retryer = retry.NewLadderRetryer(retry.DefaultLadder, 0)
	}
	return &Manager{
		local:          opts.Local,
		remote:         opts.Remote,
		checkInterval:  opts.CheckInterval,
		pingTimeout:    opts.PingTimeout,
		retryer:        opts.Retryer,
		logger:         logger.OrNop(opts.Logger),
		onReconnected:  make(map[int]func()),
		onDisconnected: make(map[int]func()),
		closeCh:        make(chan struct{}),
		loopDoneCh:     make(chan struct{}),
	}
}

func (m *Manager) Local() store.DocumentStore  { return m.local }
func (m *Manager) Remote() store.DocumentStore { return m.remote }

func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) IsRemoteAvailable() bool {
	return m.State() == StateConnected
}

func (m *Manager) transitionTo(newState State) (State, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if err := m.state.validateTransitionTo(newState); err != nil {
		return m.state, err
	}

	prev := m.state
	m.state = newState
	if prev != newState {
		m.logger.Debug("dbmanager.Manager state transitioned", "old_state", prev, "new_state", newState)
	}
	return prev, nil
}

// Start probes the remote once and starts the health loop. An unreachable
// remote is not an error; the loop keeps probing.
func (m *Manager) Start(ctx context.Context) error {
	if m.local == nil || m.remote == nil {
		return errors.New("dbmanager: local and remote stores are required")
	}
	if err := m.local.Ping(ctx); err != nil {
		return fmt.Errorf("dbmanager: local store unreachable: %w", err)
	}

	m.Check(ctx)

	m.once.Do(func() {
		m.logger.Debug("dbmanager.Manager is starting health loop", "interval", m.checkInterval)
		go m.healthLoop()
	})
	return nil
}

// Check probes the remote now and fires subscribers on a change of
// reachability. It returns the resulting availability.
func (m *Manager) Check(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	err := m.remote.Ping(pingCtx)
	cancel()

	if err != nil {
		m.attempts++
		prev, stateErr := m.transitionTo(StateDisconnected)
		if stateErr != nil {
			return false
		}
		if prev == StateConnected {
			m.logger.Warn("dbmanager.Manager lost the remote", "error", err)
			m.notify(m.onDisconnected)
		} else {
			m.logger.Debug("dbmanager.Manager remote still unreachable", "error", err, "attempt", m.attempts)
		}
		return false
	}

	prev, stateErr := m.transitionTo(StateConnected)
	if stateErr != nil {
		return false
	}
	m.attempts = 0
	m.retryer.Reset()
	if prev != StateConnected {
		m.logger.Info("dbmanager.Manager remote is reachable")
		if prev == StateDisconnected {
			m.notify(m.onReconnected)
		}
	}
	return true
}

func (m *Manager) nextDelay() time.Duration {
	m.probeMu.Lock()
	attempts := m.attempts
	m.probeMu.Unlock()

	if m.IsRemoteAvailable() || attempts == 0 {
		return m.checkInterval
	}
	delay, ok := m.retryer.NextDelay(attempts-1, nil)
	if !ok || delay <= 0 {
		return m.checkInterval
	}
	return delay
}

func (m *Manager) healthLoop() {
	defer close(m.loopDoneCh)

	for {
		delay := m.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-m.closeCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		m.Check(context.Background())
	}
}

func (m *Manager) subscribe(subs map[int]func(), fn func()) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) OnRemoteReconnected(fn func()) func() {
	return m.subscribe(m.onReconnected, fn)
}

func (m *Manager) OnRemoteDisconnected(fn func()) func() {
	return m.subscribe(m.onDisconnected, fn)
}

// notify runs subscribers in registration order, outside the lock.
func (m *Manager) notify(subs map[int]func()) {
	m.subMu.Lock()
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		m.safeCall(fn)
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dbmanager.Manager subscriber panicked", "panic", r)
		}
	}()
	fn()
}

// Close stops the health loop and closes both stores.
func (m *Manager) Close(ctx context.Context) error {
	if _, err := m.transitionTo(StateClosing); err != nil {
		return fmt.Errorf("dbmanager.Manager is already closing or closed: %w", err)
	}

	defer func() {
		if _, err := m.transitionTo(StateClosed); err != nil {
			m.logger.Error("BUG: dbmanager.Manager failed to transition to closed state", "error", err)
		}
	}()

	close(m.closeCh)
	// A manager that was never started has no loop to wait for.
	m.once.Do(func() { close(m.loopDoneCh) })
	select {
	case <-m.loopDoneCh:
	case <-ctx.Done():
	}

	var errs []error
	for _, s := range []store.DocumentStore{m.remote, m.local} {
		if s != nil {
			errs = append(errs, s.Close(ctx))
		}
	}
	return errors.Join(errs...)
}
