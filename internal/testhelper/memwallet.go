// Package testhelper holds in-memory collaborators for wallet tests.
package testhelper

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/atomic"

	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
)

var _ wallet.Provider = (*MemWallet)(nil)

// MemWallet is a provider backed by in-memory secp256k1 keys. It signs like
// personal_sign and lets tests fire provider events and hold account requests.
type MemWallet struct {
	lk      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	order   []string
	live    []string
	chainID uint64

	rejectRequest bool
	rejectSign    bool
	currentErr    error
	disconnectErr error
	requestGate   chan struct{}

	onAccounts   []func([]string)
	onChain      []func(uint64)
	onDisconnect []func(error)

	RequestCalls    *atomic.Int32
	CurrentCalls    *atomic.Int32
	SignCalls       *atomic.Int32
	DisconnectCalls *atomic.Int32
}

func NewMemWallet(chainID uint64) *MemWallet {
	return &MemWallet{
		keys:            make(map[string]*ecdsa.PrivateKey),
		chainID:         chainID,
		RequestCalls:    atomic.NewInt32(0),
		CurrentCalls:    atomic.NewInt32(0),
		SignCalls:       atomic.NewInt32(0),
		DisconnectCalls: atomic.NewInt32(0),
	}
}

// AddKey creates a key and returns its lowercase address.
func (m *MemWallet) AddKey() (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	m.lk.Lock()
	m.keys[addr] = key
	m.order = append(m.order, addr)
	m.lk.Unlock()
	return addr, nil
}

// MustAddKey is AddKey for tests that cannot fail key generation.
func (m *MemWallet) MustAddKey() string {
	addr, err := m.AddKey()
	if err != nil {
		panic(err)
	}
	return addr
}

func (m *MemWallet) SetRejectRequest(reject bool) {
	m.lk.Lock()
	m.rejectRequest = reject
	m.lk.Unlock()
}

func (m *MemWallet) SetRejectSign(reject bool) {
	m.lk.Lock()
	m.rejectSign = reject
	m.lk.Unlock()
}

// SetCurrentErr makes CurrentAccounts fail with err, nil restores it.
func (m *MemWallet) SetCurrentErr(err error) {
	m.lk.Lock()
	m.currentErr = err
	m.lk.Unlock()
}

func (m *MemWallet) SetDisconnectErr(err error) {
	m.lk.Lock()
	m.disconnectErr = err
	m.lk.Unlock()
}

// HoldRequests makes RequestAccounts wait, ignoring its context, until the
// returned release function is called. It models a user who answers late.
func (m *MemWallet) HoldRequests() (release func()) {
	gate := make(chan struct{})
	m.lk.Lock()
	m.requestGate = gate
	m.lk.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.lk.Lock()
			m.requestGate = nil
			m.lk.Unlock()
			close(gate)
		})
	}
}

// SetLive replaces the live accounts without firing an event.
func (m *MemWallet) SetLive(accounts ...string) {
	m.lk.Lock()
	m.live = append([]string(nil), accounts...)
	m.lk.Unlock()
}

// SetChainID replaces the chain without firing an event.
func (m *MemWallet) SetChainID(id uint64) {
	m.lk.Lock()
	m.chainID = id
	m.lk.Unlock()
}

// EmitAccountsChanged sets the live accounts and fires the accounts listeners.
func (m *MemWallet) EmitAccountsChanged(accounts ...string) {
	m.lk.Lock()
	m.live = append([]string(nil), accounts...)
	listeners := append([]func([]string){}, m.onAccounts...)
	m.lk.Unlock()
	for _, fn := range listeners {
		fn(accounts)
	}
}

func (m *MemWallet) EmitChainChanged(id uint64) {
	m.lk.Lock()
	m.chainID = id
	listeners := append([]func(uint64){}, m.onChain...)
	m.lk.Unlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// EmitDisconnect fires the disconnect listeners, the live accounts are left alone.
func (m *MemWallet) EmitDisconnect(err error) {
	m.lk.Lock()
	listeners := append([]func(error){}, m.onDisconnect...)
	m.lk.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// Listeners returns how many accounts, chain and disconnect listeners are registered.
func (m *MemWallet) Listeners() (int, int, int) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return len(m.onAccounts), len(m.onChain), len(m.onDisconnect)
}

func (m *MemWallet) RequestAccounts(ctx context.Context) ([]string, error) {
	m.RequestCalls.Inc()
	m.lk.Lock()
	gate, reject := m.requestGate, m.rejectRequest
	if !reject && len(m.live) == 0 {
		m.live = append([]string(nil), m.order...)
	}
	granted := append([]string(nil), m.live...)
	m.lk.Unlock()

	// the user picked at prompt time, the answer arrives when the gate opens
	if gate != nil {
		<-gate
	}
	if reject {
		return nil, errors.Wrap(wallet.ErrUserRejected, "user closed the account picker")
	}
	return granted, nil
}

func (m *MemWallet) ChainID(ctx context.Context) (uint64, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.chainID, nil
}

// SignMessage signs like personal_sign: keccak256 of the EIP-191 prefixed text, V in {27, 28}.
func (m *MemWallet) SignMessage(ctx context.Context, address, message string) (string, error) {
	m.SignCalls.Inc()
	m.lk.Lock()
	reject := m.rejectSign
	key, ok := m.keys[strings.ToLower(address)]
	m.lk.Unlock()
	if reject {
		return "", errors.Wrap(wallet.ErrUserRejected, "user declined to sign")
	}
	if !ok {
		return "", errors.Errorf("unknown account %s", address)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func (m *MemWallet) CurrentAccounts(ctx context.Context) ([]string, error) {
	m.CurrentCalls.Inc()
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.currentErr != nil {
		return nil, m.currentErr
	}
	return append([]string(nil), m.live...), nil
}

func (m *MemWallet) Disconnect(ctx context.Context) error {
	m.DisconnectCalls.Inc()
	m.lk.Lock()
	defer m.lk.Unlock()
	m.live = nil
	return m.disconnectErr
}

func (m *MemWallet) OnAccountsChanged(fn func([]string)) {
	m.lk.Lock()
	m.onAccounts = append(m.onAccounts, fn)
	m.lk.Unlock()
}

func (m *MemWallet) OnChainChanged(fn func(uint64)) {
	m.lk.Lock()
	m.onChain = append(m.onChain, fn)
	m.lk.Unlock()
}

func (m *MemWallet) OnDisconnect(fn func(error)) {
	m.lk.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.lk.Unlock()
}
