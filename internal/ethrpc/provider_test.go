package ethrpc

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/internal/signmsg"
	"edgevideo.ai/edge-wallet/internal/store"
	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
)

type userRejected struct{}

func (userRejected) Error() string  { return "User rejected the request." }
func (userRejected) ErrorCode() int { return 4001 }

// node is an in-process signer answering the EIP-1193 methods.
type node struct {
	mu            sync.Mutex
	key           *ecdsa.PrivateKey
	accounts      []string
	granted       bool
	chainID       uint64
	rejectRequest bool
	rejectSign    bool
	down          bool
	revoked       int
}

type ethService struct{ n *node }

func (s *ethService) RequestAccounts() ([]string, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.n.rejectRequest {
		return nil, userRejected{}
	}
	s.n.granted = true
	return s.n.accounts, nil
}

func (s *ethService) Accounts() ([]string, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.n.down {
		return nil, errors.New("signer unreachable")
	}
	if !s.n.granted {
		return []string{}, nil
	}
	return s.n.accounts, nil
}

func (s *ethService) ChainId() (hexutil.Uint64, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return hexutil.Uint64(s.n.chainID), nil
}

type personalService struct{ n *node }

func (s *personalService) Sign(data hexutil.Bytes, addr common.Address) (hexutil.Bytes, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if s.n.rejectSign {
		return nil, userRejected{}
	}
	sig, err := crypto.Sign(accounts.TextHash(data), s.n.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

type walletService struct{ n *node }

func (s *walletService) RevokePermissions(map[string]interface{}) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.granted = false
	s.n.revoked++
	return nil
}

func (n *node) set(fn func(n *node)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

func newNode(t *testing.T, withWallet bool) (*node, *rpc.Client) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	n := &node{
		key:      key,
		accounts: []string{strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())},
		chainID:  1,
	}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &ethService{n}))
	require.NoError(t, server.RegisterName("personal", &personalService{n}))
	if withWallet {
		require.NoError(t, server.RegisterName("wallet", &walletService{n}))
	}
	t.Cleanup(server.Stop)
	return n, rpc.DialInProc(server)
}

func newTestProvider(t *testing.T, withWallet bool) (*node, *Provider) {
	n, client := newNode(t, withWallet)
	p := New(client, config.EthRPC{PollInterval: 20 * time.Millisecond, FailureThreshold: 2})
	t.Cleanup(p.Close)
	return n, p
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRequestAndSign(t *testing.T) {
	n, p := newTestProvider(t, true)
	ctx := ctxT(t)

	current, err := p.CurrentAccounts(ctx)
	require.NoError(t, err)
	require.Empty(t, current)

	accs, err := p.RequestAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, n.accounts, accs)

	chainID, err := p.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), chainID)

	sig, err := p.SignMessage(ctx, accs[0], "sign in to edge")
	require.NoError(t, err)
	require.True(t, signmsg.SignedBy(accs[0], "sign in to edge", sig))
}

func TestUserRejection(t *testing.T) {
	n, p := newTestProvider(t, true)
	n.set(func(n *node) { n.rejectRequest = true })
	_, err := p.RequestAccounts(ctxT(t))
	require.ErrorIs(t, err, wallet.ErrUserRejected)

	n.set(func(n *node) { n.rejectRequest, n.rejectSign = false, true })
	accs, err := p.RequestAccounts(ctxT(t))
	require.NoError(t, err)
	_, err = p.SignMessage(ctxT(t), accs[0], "hello")
	require.ErrorIs(t, err, wallet.ErrUserRejected)
}

func TestDisconnectRevokes(t *testing.T) {
	n, p := newTestProvider(t, true)
	_, err := p.RequestAccounts(ctxT(t))
	require.NoError(t, err)
	require.NoError(t, p.Disconnect(ctxT(t)))
	require.Equal(t, 1, n.revoked)

	current, err := p.CurrentAccounts(ctxT(t))
	require.NoError(t, err)
	require.Empty(t, current)
}

func TestDisconnectWithoutRevokeSupport(t *testing.T) {
	_, p := newTestProvider(t, false)
	_, err := p.RequestAccounts(ctxT(t))
	require.NoError(t, err)
	require.NoError(t, p.Disconnect(ctxT(t)))
}

func TestPollEmitsChanges(t *testing.T) {
	n, p := newTestProvider(t, true)
	accountsCh := make(chan []string, 4)
	chainCh := make(chan uint64, 4)
	p.OnAccountsChanged(func(a []string) { accountsCh <- a })
	p.OnChainChanged(func(id uint64) { chainCh <- id })

	_, err := p.RequestAccounts(ctxT(t))
	require.NoError(t, err)

	other := "0x00000000000000000000000000000000000000bb"
	n.set(func(n *node) {
		n.accounts = []string{other}
		n.chainID = 137
	})
	select {
	case accs := <-accountsCh:
		require.Equal(t, []string{other}, accs)
	case <-time.After(2 * time.Second):
		t.Fatal("no accounts change")
	}
	select {
	case id := <-chainCh:
		require.Equal(t, uint64(137), id)
	case <-time.After(2 * time.Second):
		t.Fatal("no chain change")
	}
}

func TestRepeatedPollFailuresSignalDisconnectOnce(t *testing.T) {
	n, p := newTestProvider(t, true)
	disconnects := make(chan error, 4)
	p.OnDisconnect(func(err error) { disconnects <- err })

	_, err := p.RequestAccounts(ctxT(t))
	require.NoError(t, err)
	n.set(func(n *node) { n.down = true })

	select {
	case err := <-disconnects:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect signal")
	}
	time.Sleep(150 * time.Millisecond)
	require.Len(t, disconnects, 0)
}

func TestRecoveryReportsChangesMadeDuringOutage(t *testing.T) {
	n, p := newTestProvider(t, true)
	disconnects := make(chan error, 4)
	accountsCh := make(chan []string, 4)
	p.OnDisconnect(func(err error) { disconnects <- err })
	p.OnAccountsChanged(func(a []string) { accountsCh <- a })

	_, err := p.RequestAccounts(ctxT(t))
	require.NoError(t, err)
	n.set(func(n *node) { n.down = true })
	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect signal")
	}
	// drop what the polls before the outage reported
	for len(accountsCh) > 0 {
		<-accountsCh
	}

	other := "0x00000000000000000000000000000000000000cc"
	n.set(func(n *node) {
		n.accounts = []string{other}
		n.down = false
	})
	select {
	case accs := <-accountsCh:
		require.Equal(t, []string{other}, accs)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not report the account change")
	}
}

func TestManagerSurvivesSignerOutage(t *testing.T) {
	n, p := newTestProvider(t, true)
	kv := store.NewMemory()
	m := wallet.NewManager(p, &recordingVerifier{}, bearer{}, kv)
	m.Initialize(context.Background())
	defer m.Close()
	// registered after the manager so its event is queued first
	disconnects := make(chan error, 4)
	p.OnDisconnect(func(err error) { disconnects <- err })

	_, err := m.Connect(ctxT(t))
	require.NoError(t, err)
	verified, err := m.Verify(ctxT(t))
	require.NoError(t, err)
	require.True(t, verified.IsVerified)

	n.set(func(n *node) { n.down = true })
	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect signal")
	}
	require.NoError(t, m.Settle(ctxT(t)))
	require.Equal(t, verified, m.State())

	n.set(func(n *node) { n.down = false })
	live, err := p.CurrentAccounts(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, []string{verified.Account}, live)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Settle(ctxT(t)))
	require.Equal(t, verified, m.State())
	_, err = kv.Get(ctxT(t), "edge-wallet:verification")
	require.NoError(t, err)
}

func TestManagerOverRPC(t *testing.T) {
	n, p := newTestProvider(t, true)
	verifier := &recordingVerifier{}
	m := wallet.NewManager(p, verifier, bearer{}, store.NewMemory())
	m.Initialize(context.Background())
	defer m.Close()

	st, err := m.Connect(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, n.accounts[0], st.Account)
	require.Equal(t, uint64(1), st.ChainID)

	st, err = m.Verify(ctxT(t))
	require.NoError(t, err)
	require.True(t, st.IsVerified)
	require.True(t, signmsg.SignedBy(st.Account, verifier.req.Message, verifier.req.Signature))

	n.set(func(n *node) { n.chainID = 5 })
	require.Eventually(t, func() bool { return m.State().ChainID == 5 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, m.State().IsVerified)
}

type bearer struct{}

func (bearer) BearerToken() (string, bool) { return "bearer", true }

type recordingVerifier struct {
	req wallet.VerifyRequest
}

func (v *recordingVerifier) Nonce(context.Context, string) (string, error) { return "n-1", nil }

func (v *recordingVerifier) Verify(_ context.Context, _ string, req wallet.VerifyRequest) (string, error) {
	v.req = req
	return "token", nil
}
