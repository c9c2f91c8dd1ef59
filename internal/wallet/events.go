package wallet

import (
	"context"

	"edgevideo.ai/edge-wallet/pkg/concurrent"
	"edgevideo.ai/edge-wallet/pkg/log"
)

type accountsChanged struct{ accounts []string }

type chainChanged struct{ chainID uint64 }

type providerDisconnected struct{ err error }

// barrier is closed by the loop once every event queued before it was applied.
type barrier chan struct{}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		// the event stays queued while waiting for the gate so in-flight
		// operations can see it
		ev, err := m.events.Peek(m.ctx)
		if err != nil {
			return
		}
		if b, ok := ev.(barrier); ok {
			_, _ = m.events.Pop(m.ctx)
			close(b)
			continue
		}
		if err := m.gate.Acquire(m.ctx); err != nil {
			return
		}
		_, _ = m.events.Pop(m.ctx)
		m.handle(ev)
		m.gate.Done()
	}
}

func (m *Manager) handle(ev interface{}) {
	switch e := ev.(type) {
	case accountsChanged:
		m.onAccountsChanged(e.accounts)
	case chainChanged:
		m.onChainChanged(e.chainID)
	case providerDisconnected:
		m.onProviderDisconnected(e.err)
	default:
		log.Warnf("unknown wallet event %T", ev)
	}
}

// Settle waits until every provider event received before the call has been applied.
func (m *Manager) Settle(ctx context.Context) error {
	if !m.initialized.Load() {
		return nil
	}
	if m.reentrant() {
		return ErrReentrantCall
	}
	b := make(barrier)
	if !m.events.Push(b) {
		return concurrent.ErrQueueClosed
	}
	select {
	case <-b:
		return nil
	case <-m.loopDone:
		return concurrent.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) onAccountsChanged(accounts []string) {
	st := m.State()
	if len(accounts) == 0 {
		if st.IsConnected {
			log.Infof("provider reports no accounts, clearing wallet %s", st.Account)
			m.clear()
		}
		return
	}
	account, ok := normalizeAddress(accounts[0])
	if !ok {
		log.Warnf("ignoring invalid account %q from provider", accounts[0])
		return
	}
	if !st.IsConnected {
		log.Debugf("ignoring account change to %s while disconnected", account)
		return
	}
	if account == st.Account {
		return
	}
	m.switchAccount(st, account)
}

func (m *Manager) onChainChanged(chainID uint64) {
	st := m.State()
	if !st.IsConnected || st.ChainID == chainID {
		return
	}
	log.Infof("wallet %s switched chain %d -> %d", st.Account, st.ChainID, chainID)
	st.ChainID = chainID
	m.saveConnection(st)
	m.commit(st)
}

// onProviderDisconnected checks the signal against the live accounts, some
// providers fire it while still connected.
func (m *Manager) onProviderDisconnected(cause error) {
	live, err := m.provider.CurrentAccounts(m.ctx)
	if err != nil {
		// an unanswered query says nothing about the session, keep it
		log.Warnf("query accounts after disconnect signal (%v): %v", cause, err)
		return
	}
	st := m.State()
	if len(live) == 0 {
		if st.IsConnected {
			log.Infof("provider disconnected (%v), clearing wallet %s", cause, st.Account)
			m.clear()
		}
		return
	}

	if st.IsConnected {
		if !containsAddress(live, st.Account) {
			if next, ok := normalizeAddress(live[0]); ok {
				m.switchAccount(st, next)
			}
			return
		}
		log.Infof("ignoring disconnect signal, %s is still live", st.Account)
		if !st.IsVerified {
			m.restoreVerification(st)
		}
		return
	}

	conn, found, err := m.loadConnection()
	if err != nil || !found {
		return
	}
	if containsAddress(live, conn.Account) {
		m.restoreFrom(m.ctx, conn)
	}
}

// restoreVerification applies a persisted verification record for the live account.
func (m *Manager) restoreVerification(st State) {
	ver, found, err := m.loadVerification()
	if err != nil || !found || ver.Account != st.Account {
		return
	}
	st.IsVerified, st.VerificationToken = true, ver.VerificationToken
	m.commit(st)
}
