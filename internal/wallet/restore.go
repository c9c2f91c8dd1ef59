package wallet

import (
	"context"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// RestoreState rebuilds the state from the persisted records, trusting them only
// as far as the provider confirms. A record for an account the provider no
// longer reports is removed. Corrupt records are removed and read as absent.
func (m *Manager) RestoreState(ctx context.Context) (st State, err error) {
	start := m.opts.now()
	defer func() { m.observe("restore", start, err) }()

	if m.reentrant() {
		return m.State(), ErrReentrantCall
	}
	if err := m.acquire(ctx); err != nil {
		return m.State(), err
	}
	defer m.gate.Done()

	conn, found, err := m.loadConnection()
	if err != nil {
		return m.State(), err
	}
	if !found {
		m.drop(verificationKey)
		return m.State(), nil
	}

	live, err := m.provider.CurrentAccounts(ctx)
	if err != nil {
		return m.State(), errors.Mark(err, ErrProviderUnavailable)
	}
	active := ""
	if len(live) > 0 {
		active, _ = normalizeAddress(live[0])
	}
	if active != conn.Account {
		log.Infof("persisted wallet %s is no longer active, clearing it", conn.Account)
		if m.State().IsConnected {
			m.clear()
		} else {
			m.drop(connectionKey)
			m.drop(verificationKey)
		}
		return m.State(), nil
	}
	return m.restoreFrom(ctx, conn), nil
}

// restoreFrom commits conn as the live session. Verification is taken from the
// record only when it was issued for the same account.
func (m *Manager) restoreFrom(ctx context.Context, conn connectionRecord) State {
	chainID := conn.ChainID
	if id, err := m.provider.ChainID(ctx); err != nil {
		log.Warnf("read chain id while restoring %s: %v", conn.Account, err)
	} else if id != 0 {
		chainID = id
	}

	st := connectedTo(conn.Account, chainID)
	prev := m.State()
	if prev.Account == conn.Account && prev.IsVerified {
		st.IsVerified, st.VerificationToken = true, prev.VerificationToken
	} else if ver, found, err := m.loadVerification(); err != nil {
		log.Warnf("read verification of %s: %v", conn.Account, err)
	} else if found && ver.Account == conn.Account {
		st.IsVerified, st.VerificationToken = true, ver.VerificationToken
	} else if found {
		log.Infof("discarding verification record issued for %s", ver.Account)
		m.drop(verificationKey)
	}

	m.connectedAt = conn.ConnectedAt
	if chainID != conn.ChainID {
		m.saveConnection(st)
	}
	m.commit(st)
	log.Infof("wallet %s restored on chain %d, verified %v", st.Account, st.ChainID, st.IsVerified)
	return st
}
