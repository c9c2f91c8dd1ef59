package wallet

import (
	"context"
	"time"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

type connectAnswer struct {
	account string
	chainID uint64
	err     error
}

// Connect asks the provider for account access. Concurrent callers share one
// provider request. A caller whose ctx ends stops waiting, the request itself
// keeps running until the connect timeout.
func (m *Manager) Connect(ctx context.Context) (st State, err error) {
	start := m.opts.now()
	defer func() { m.observe("connect", start, err) }()

	if m.reentrant() {
		return m.State(), ErrReentrantCall
	}
	if _, ok := m.identity.BearerToken(); !ok {
		return m.State(), ErrNotAuthenticated
	}
	ch := m.flight.DoChan("connect", func() (interface{}, error) {
		return m.connect()
	})
	select {
	case res := <-ch:
		return res.Val.(State), res.Err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

func (m *Manager) connect() (State, error) {
	if err := m.gate.Acquire(m.ctx); err != nil {
		return m.State(), err
	}
	defer m.gate.Done()

	if _, ok := m.identity.BearerToken(); !ok {
		return m.State(), ErrNotAuthenticated
	}

	gen := m.generation.Inc()
	answer := make(chan connectAnswer, 1)
	go m.requestAccounts(gen, answer)

	timer := time.NewTimer(m.opts.connectTimeout)
	defer timer.Stop()
	select {
	case a := <-answer:
		if a.err != nil {
			return m.State(), a.err
		}
		st := connectedTo(a.account, a.chainID)
		m.connectedAt = millis(m.opts.now())
		m.saveConnection(st)
		m.drop(verificationKey)
		m.commit(st)
		log.Infof("wallet %s connected on chain %d", st.Account, st.ChainID)
		return st, nil
	case <-timer.C:
		m.generation.Inc()
		return m.State(), errors.Wrapf(ErrConnectionTimeout, "no answer within %v", m.opts.connectTimeout)
	case <-m.ctx.Done():
		m.generation.Inc()
		return m.State(), m.ctx.Err()
	}
}

// requestAccounts runs the provider request. Answers of a stale generation are dropped.
func (m *Manager) requestAccounts(gen uint64, answer chan<- connectAnswer) {
	var a connectAnswer
	accounts, err := m.provider.RequestAccounts(m.ctx)
	switch {
	case errors.Is(err, ErrUserRejected):
		a.err = errors.Mark(err, ErrConnectionCancelled)
	case err != nil:
		a.err = errors.Wrap(err, "request accounts")
	case len(accounts) == 0:
		a.err = errors.Wrap(ErrConnectionCancelled, "no account granted")
	default:
		account, ok := normalizeAddress(accounts[0])
		if !ok {
			a.err = errors.Errorf("provider returned invalid address %q", accounts[0])
			break
		}
		a.account = account
		if a.chainID, err = m.provider.ChainID(m.ctx); err != nil {
			log.Warnf("read chain id of %s: %v", account, err)
		}
	}

	if cur := m.generation.Load(); cur != gen {
		log.Warnf("discarding late connect answer of generation %d, current is %d", gen, cur)
		return
	}
	answer <- a
}

// Disconnect releases the provider session and resets the state. Provider
// failures are logged, the reset always happens.
func (m *Manager) Disconnect(ctx context.Context) (err error) {
	start := m.opts.now()
	defer func() { m.observe("disconnect", start, err) }()

	if m.reentrant() {
		return ErrReentrantCall
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.gate.Done()

	if m.State().IsConnected {
		if err := m.provider.Disconnect(ctx); err != nil {
			log.Warnf("release provider session: %v", err)
		}
	}
	m.clear()
	log.Info("wallet disconnected")
	return nil
}
