// Package wallet tracks the lifecycle of an external wallet connection: connect,
// verify ownership, disconnect and resync with the provider.
//
// Every mutation, user initiated or provider originated, runs behind a single
// operation gate. Provider callbacks only enqueue events, a single goroutine
// applies them in arrival order once no other mutation is in flight.
// Subscribers are called synchronously on the mutating goroutine while the gate
// is held. Connect, Verify, Disconnect, RestoreState and Settle called from
// within a callback fail with ErrReentrantCall.
package wallet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"edgevideo.ai/edge-wallet/pkg/concurrent"
	"edgevideo.ai/edge-wallet/pkg/log"
)

const (
	connectionKey   = "connection"
	verificationKey = "verification"
)

type Manager struct {
	provider Provider
	verifier Verifier
	identity Identity
	store    Store
	opts     options

	// gate serializes mutations including their waits on the provider and backend.
	gate   concurrent.Limiter
	flight singleflight.Group
	// generation is bumped whenever an outstanding connect request stops mattering.
	generation *atomic.Uint64

	lk    sync.RWMutex
	state State
	// connectedAt is the unix millis of the current session, guarded by gate.
	connectedAt int64

	subs *subscribers
	// notifier is the id of the goroutine running subscribers, 0 when none.
	notifier *atomic.Uint64
	events   *concurrent.Queue

	ctx         context.Context
	cancel      context.CancelFunc
	initialized *atomic.Bool
	loopDone    chan struct{}
	closeOnce   sync.Once
}

func NewManager(provider Provider, verifier Verifier, identity Identity, store Store, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:    provider,
		verifier:    verifier,
		identity:    identity,
		store:       store,
		opts:        o,
		gate:        concurrent.NewLimiter(1),
		generation:  atomic.NewUint64(0),
		subs:        newSubscribers(),
		notifier:    atomic.NewUint64(0),
		events:      concurrent.NewQueue(),
		ctx:         ctx,
		cancel:      cancel,
		initialized: atomic.NewBool(false),
		loopDone:    make(chan struct{}),
	}
}

// Initialize registers the provider listeners and starts the event loop.
// Later calls are no-ops.
func (m *Manager) Initialize(ctx context.Context) {
	if !m.initialized.CAS(false, true) {
		return
	}
	m.provider.OnAccountsChanged(func(accounts []string) {
		m.events.Push(accountsChanged{accounts: append([]string(nil), accounts...)})
	})
	m.provider.OnChainChanged(func(chainID uint64) {
		m.events.Push(chainChanged{chainID: chainID})
	})
	m.provider.OnDisconnect(func(err error) {
		m.events.Push(providerDisconnected{err: err})
	})
	go m.loop()
	log.Debug("wallet manager initialized")
}

// Close stops the event loop and aborts in-flight operations. Events still
// queued are dropped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.events.Close()
		if m.initialized.Load() {
			<-m.loopDone
		}
	})
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return m.state
}

// Subscribe registers fn for every committed mutation. The returned function
// removes it and is safe to call more than once, including from within fn.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.subs.add(fn)
}

// commit replaces the state and notifies subscribers, the caller holds the gate.
func (m *Manager) commit(st State) {
	m.lk.Lock()
	m.state = st
	m.lk.Unlock()
	m.notifier.Store(goid())
	defer m.notifier.Store(0)
	m.subs.notify(st)
}

// reentrant reports whether the caller is a subscriber callback of this manager.
func (m *Manager) reentrant() bool {
	id := m.notifier.Load()
	return id != 0 && id == goid()
}

func (m *Manager) key(name string) string {
	return m.opts.keyPrefix + name
}

func (m *Manager) observe(op string, start time.Time, err error) {
	if m.opts.observer != nil {
		m.opts.observer(op, m.opts.now().Sub(start), err)
	}
}

// acquire takes the gate, giving up when either the caller or the manager is done.
func (m *Manager) acquire(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return m.gate.Acquire(ctx)
}
