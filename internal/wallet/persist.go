package wallet

import (
	"edgevideo.ai/edge-wallet/internal/store"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// Writes happen with the mutation that causes them and are retried once.
// A write that still fails is reported, the in-memory state stays authoritative.

func (m *Manager) save(name string, v interface{}) {
	key, value := m.key(name), encode(v)
	err := m.store.Set(m.ctx, key, value)
	if err != nil {
		log.Warnf("persist %s failed, retrying: %v", key, err)
		err = m.store.Set(m.ctx, key, value)
	}
	if err != nil {
		log.Error(errors.WrapAndReport(err, "persist "+key))
	}
}

func (m *Manager) drop(name string) {
	key := m.key(name)
	err := m.store.Remove(m.ctx, key)
	if err != nil {
		log.Warnf("remove %s failed, retrying: %v", key, err)
		err = m.store.Remove(m.ctx, key)
	}
	if err != nil {
		log.Error(errors.WrapAndReport(err, "remove "+key))
	}
}

func (m *Manager) saveConnection(st State) {
	m.save(connectionKey, connectionRecord{
		Account:     st.Account,
		ChainID:     st.ChainID,
		ConnectedAt: m.connectedAt,
	})
}

// read returns the raw record, found is false when the key is absent.
func (m *Manager) read(name string) (raw string, found bool, err error) {
	raw, err = m.store.Get(m.ctx, m.key(name))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read %s", m.key(name))
	}
	return raw, true, nil
}

// loadConnection discards a corrupt record and reports it as absent.
func (m *Manager) loadConnection() (connectionRecord, bool, error) {
	var rec connectionRecord
	raw, found, err := m.read(connectionKey)
	if !found || err != nil {
		return rec, false, err
	}
	if err := rec.decode(raw); err != nil {
		log.Warnf("discarding %s: %v", m.key(connectionKey), err)
		m.drop(connectionKey)
		return rec, false, nil
	}
	return rec, true, nil
}

func (m *Manager) loadVerification() (verificationRecord, bool, error) {
	var rec verificationRecord
	raw, found, err := m.read(verificationKey)
	if !found || err != nil {
		return rec, false, err
	}
	if err := rec.decode(raw); err != nil {
		log.Warnf("discarding %s: %v", m.key(verificationKey), err)
		m.drop(verificationKey)
		return rec, false, nil
	}
	return rec, true, nil
}

// clear empties the state and both records, the provider is not asked to release anything.
func (m *Manager) clear() {
	m.generation.Inc()
	m.connectedAt = 0
	m.drop(connectionKey)
	m.drop(verificationKey)
	m.commit(State{})
}

// switchAccount makes account active and drops verification that belonged to the previous one.
func (m *Manager) switchAccount(prev State, account string) {
	log.Infof("wallet account switched from %s to %s", prev.Account, account)
	st := connectedTo(account, prev.ChainID)
	m.connectedAt = millis(m.opts.now())
	m.saveConnection(st)
	m.drop(verificationKey)
	m.commit(st)
}
