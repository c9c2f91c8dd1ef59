package wallet

import (
	"context"

	"edgevideo.ai/edge-wallet/internal/signmsg"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// Verify proves ownership of the connected account: fetch a nonce, have the
// wallet sign a message embedding it, and exchange the signature for a
// verification token. Every call uses a fresh nonce, concurrent calls share one run.
func (m *Manager) Verify(ctx context.Context) (st State, err error) {
	start := m.opts.now()
	defer func() { m.observe("verify", start, err) }()

	if m.reentrant() {
		return m.State(), ErrReentrantCall
	}
	if !m.State().IsConnected {
		return m.State(), ErrWalletNotConnected
	}
	if _, ok := m.identity.BearerToken(); !ok {
		return m.State(), ErrNotAuthenticated
	}
	ch := m.flight.DoChan("verify", func() (interface{}, error) {
		return m.verify()
	})
	select {
	case res := <-ch:
		return res.Val.(State), res.Err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

func (m *Manager) verify() (State, error) {
	if err := m.gate.Acquire(m.ctx); err != nil {
		return m.State(), err
	}
	defer m.gate.Done()

	st := m.State()
	if !st.IsConnected {
		return st, ErrWalletNotConnected
	}
	bearer, ok := m.identity.BearerToken()
	if !ok {
		return st, ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.verifyTimeout)
	defer cancel()

	nonce, err := m.verifier.Nonce(ctx, bearer)
	if err != nil {
		return st, classify(err, ErrNonceFetchFailed)
	}
	if nonce == "" {
		return st, errors.Wrap(ErrNonceFetchFailed, "empty nonce")
	}

	msg := signmsg.Build(signmsg.Params{
		Domain:    m.opts.domain,
		Address:   st.Account,
		Statement: m.opts.statement,
		URI:       m.opts.uri,
		ChainID:   st.ChainID,
		Nonce:     nonce,
		IssuedAt:  m.opts.now(),
	})
	signature, err := m.provider.SignMessage(ctx, st.Account, msg)
	if errors.Is(err, ErrUserRejected) {
		return st, errors.Mark(err, ErrSignatureRejected)
	}
	if err != nil {
		return st, errors.Wrap(err, "sign message")
	}
	if m.accountSwitchPending(st.Account) {
		return st, ErrAccountChanged
	}

	token, err := m.verifier.Verify(ctx, bearer, VerifyRequest{
		Address:   st.Account,
		Signature: signature,
		Message:   msg,
		Nonce:     nonce,
	})
	if err != nil {
		return st, classify(err, ErrVerificationRejected)
	}
	if token == "" {
		return st, errors.Wrap(ErrVerificationRejected, "empty token")
	}
	if m.accountSwitchPending(st.Account) {
		return st, ErrAccountChanged
	}

	st.IsVerified = true
	st.VerificationToken = token
	m.save(verificationKey, verificationRecord{
		Account:           st.Account,
		IsVerified:        true,
		VerificationToken: token,
		VerifiedAt:        millis(m.opts.now()),
	})
	m.commit(st)
	log.Infof("wallet %s verified", st.Account)
	return st, nil
}

// classify keeps the kinds a backend client already assigned, timeouts are
// network failures and anything else becomes fallback.
func classify(err error, fallback error) error {
	switch {
	case errors.Is(err, ErrNetworkFailure), errors.Is(err, ErrNonceFetchFailed),
		errors.Is(err, ErrVerificationRejected):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Mark(err, ErrNetworkFailure)
	default:
		return errors.Mark(err, fallback)
	}
}

// accountSwitchPending reports whether a queued provider event moves away from account.
func (m *Manager) accountSwitchPending(account string) bool {
	for _, ev := range m.events.Values() {
		e, ok := ev.(accountsChanged)
		if !ok {
			continue
		}
		if len(e.accounts) == 0 {
			return true
		}
		if next, ok := normalizeAddress(e.accounts[0]); ok && next != account {
			return true
		}
	}
	return false
}
