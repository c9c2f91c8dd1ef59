package wallet_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"edgevideo.ai/edge-wallet/internal/store"
	"edgevideo.ai/edge-wallet/internal/testhelper"
	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
)

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.m.Initialize(context.Background())
	a, c, d := f.wallet.Listeners()
	require.Equal(t, 1, a)
	require.Equal(t, 1, c)
	require.Equal(t, 1, d)
	require.Equal(t, wallet.State{}, f.m.State())
}

func TestConnectRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	f.wallet.MustAddKey()
	f.identity.Clear()

	_, err := f.m.Connect(context.Background())
	require.ErrorIs(t, err, wallet.ErrNotAuthenticated)
	require.Equal(t, int32(0), f.wallet.RequestCalls.Load())
	require.Equal(t, wallet.State{}, f.m.State())
}

func TestConnectPersistsConnection(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetChainID(137)
	addr := f.wallet.MustAddKey()
	require.NoError(t, f.store.Set(context.Background(), verificationKey, `{"account":"`+addr+`"}`))

	st, err := f.m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, wallet.State{Account: addr, ChainID: 137, IsConnected: true}, st)
	require.Equal(t, st, f.m.State())

	raw, ok := f.record(t, connectionKey)
	require.True(t, ok)
	require.Equal(t, addr, gjson.Get(raw, "account").String())
	require.Equal(t, int64(137), gjson.Get(raw, "chainId").Int())
	require.NotZero(t, gjson.Get(raw, "connectedAt").Int())
	_, ok = f.record(t, verificationKey)
	require.False(t, ok)
}

func TestConnectLowercasesAccount(t *testing.T) {
	f := newFixture(t)
	addr := f.wallet.MustAddKey()
	f.wallet.SetLive("0x" + strings.ToUpper(addr[2:]))

	st, err := f.m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, addr, st.Account)
}

func TestConnectCancelledLeavesStateUnchanged(t *testing.T) {
	f, addr := verified(t)
	before := f.m.State()
	f.wallet.SetRejectRequest(true)

	st, err := f.m.Connect(context.Background())
	require.ErrorIs(t, err, wallet.ErrConnectionCancelled)
	require.ErrorIs(t, err, wallet.ErrUserRejected)
	require.Equal(t, before, st)
	require.Equal(t, addr, f.recordAccount(t, verificationKey))
}

func TestConcurrentConnectMakesOneProviderRequest(t *testing.T) {
	f := newFixture(t)
	addr := f.wallet.MustAddKey()
	release := f.wallet.HoldRequests()
	t.Cleanup(release)

	var wg sync.WaitGroup
	results := make([]wallet.State, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.m.Connect(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return f.wallet.RequestCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.Equal(t, int32(1), f.wallet.RequestCalls.Load())
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, addr, results[i].Account)
	}
}

func TestConnectTimeoutDiscardsLateAnswer(t *testing.T) {
	f := newFixture(t, wallet.WithConnectTimeout(50*time.Millisecond))
	addr := f.wallet.MustAddKey()
	release := f.wallet.HoldRequests()
	t.Cleanup(release)

	var notified atomic.Int32
	f.m.Subscribe(func(wallet.State) { notified.Inc() })

	_, err := f.m.Connect(context.Background())
	require.ErrorIs(t, err, wallet.ErrConnectionTimeout)

	release()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, wallet.State{}, f.m.State())
	require.Equal(t, int32(0), notified.Load())
	_, ok := f.record(t, connectionKey)
	require.False(t, ok)

	st, err := f.m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, addr, st.Account)
}

func TestConnectCallerContextOnlyStopsWaiting(t *testing.T) {
	f := newFixture(t)
	addr := f.wallet.MustAddKey()
	release := f.wallet.HoldRequests()
	t.Cleanup(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.m.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	require.Eventually(t, func() bool { return f.m.State().Account == addr }, time.Second, 5*time.Millisecond)
}

func TestConnectThenVerify(t *testing.T) {
	f, addr := connected(t)

	st, err := f.m.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, wallet.State{
		Account:           addr,
		ChainID:           1,
		IsConnected:       true,
		IsVerified:        true,
		VerificationToken: "tok1",
	}, st)

	nonces, reqs := f.verifier.Snapshot()
	require.Equal(t, []string{"n1"}, nonces)
	require.Len(t, reqs, 1)
	require.Equal(t, addr, reqs[0].Address)
	require.Equal(t, "n1", reqs[0].Nonce)
	require.Contains(t, reqs[0].Message, "Nonce: n1")
	require.Contains(t, reqs[0].Message, addr)
	require.Contains(t, reqs[0].Message, "edgevideo.ai wants you to sign in")
	require.Equal(t, []string{"bearer-1"}, f.verifier.Bearers)

	sig, err := hexutil.Decode(reqs[0].Signature)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(reqs[0].Message)), sig)
	require.NoError(t, err)
	require.Equal(t, addr, strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()))

	raw, ok := f.record(t, verificationKey)
	require.True(t, ok)
	require.Equal(t, addr, gjson.Get(raw, "account").String())
	require.Equal(t, "tok1", gjson.Get(raw, "verificationToken").String())
	require.True(t, gjson.Get(raw, "isVerified").Bool())
}

func TestVerifyPreconditions(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrWalletNotConnected)

	f, _ = connected(t)
	f.identity.Clear()
	_, err = f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrNotAuthenticated)
	nonces, _ := f.verifier.Snapshot()
	require.Empty(t, nonces)
}

func TestVerifyRejectedByBackendUsesFreshNonceNextTime(t *testing.T) {
	f, _ := connected(t)
	f.verifier.SetVerifyErr(errors.Wrap(wallet.ErrVerificationRejected, "signature does not match"))

	st, err := f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrVerificationRejected)
	require.False(t, st.IsVerified)
	require.False(t, f.m.State().IsVerified)
	require.Empty(t, f.m.State().VerificationToken)
	_, ok := f.record(t, verificationKey)
	require.False(t, ok)

	f.verifier.SetVerifyErr(nil)
	st, err = f.m.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsVerified)

	nonces, reqs := f.verifier.Snapshot()
	require.Equal(t, []string{"n1", "n2"}, nonces)
	require.Equal(t, "n2", reqs[1].Nonce)
	require.Contains(t, reqs[1].Message, "Nonce: n2")
}

func TestVerifyErrorKinds(t *testing.T) {
	f, _ := connected(t)

	f.verifier.SetNonceErr(errors.New("502 from upstream"))
	_, err := f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrNonceFetchFailed)

	f.verifier.SetNonceErr(errors.Wrap(wallet.ErrNetworkFailure, "dial tcp"))
	_, err = f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrNetworkFailure)
	f.verifier.SetNonceErr(nil)

	f.wallet.SetRejectSign(true)
	_, err = f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrSignatureRejected)
	f.wallet.SetRejectSign(false)

	f.verifier.SetVerifyErr(errors.Wrap(wallet.ErrNetworkFailure, "connection reset"))
	_, err = f.m.Verify(context.Background())
	require.ErrorIs(t, err, wallet.ErrNetworkFailure)
	require.False(t, f.m.State().IsVerified)
}

func TestConcurrentVerifyFetchesOneNonce(t *testing.T) {
	f, _ := connected(t)
	block := make(chan struct{})
	f.verifier.Block = block

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.m.Verify(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok1", st.VerificationToken)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	nonces, _ := f.verifier.Snapshot()
	require.Equal(t, []string{"n1"}, nonces)
}

func TestVerifyDiscardsTokenWhenAccountSwitchIsPending(t *testing.T) {
	f, _ := connected(t)
	other := f.wallet.MustAddKey()
	block := make(chan struct{})
	f.verifier.Block = block

	done := make(chan error, 1)
	go func() {
		_, err := f.m.Verify(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	f.wallet.EmitAccountsChanged(other)
	close(block)

	require.ErrorIs(t, <-done, wallet.ErrAccountChanged)
	f.settle(t)
	st := f.m.State()
	require.Equal(t, other, st.Account)
	require.False(t, st.IsVerified)
	_, reqs := f.verifier.Snapshot()
	require.Empty(t, reqs)
}

func TestAccountChangeResetsVerification(t *testing.T) {
	f, _ := verified(t)
	other := f.wallet.MustAddKey()

	f.wallet.EmitAccountsChanged(other)
	f.settle(t)

	st := f.m.State()
	require.Equal(t, other, st.Account)
	require.True(t, st.IsConnected)
	require.False(t, st.IsVerified)
	require.Empty(t, st.VerificationToken)
	require.Equal(t, other, f.recordAccount(t, connectionKey))
	_, ok := f.record(t, verificationKey)
	require.False(t, ok)
}

func TestSameAccountEventIsNoop(t *testing.T) {
	f, addr := verified(t)
	var notified atomic.Int32
	f.m.Subscribe(func(wallet.State) { notified.Inc() })

	f.wallet.EmitAccountsChanged(addr)
	f.settle(t)
	require.True(t, f.m.State().IsVerified)
	require.Equal(t, int32(0), notified.Load())
}

func TestAccountEventWhileDisconnectedIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.wallet.EmitAccountsChanged(f.wallet.MustAddKey())
	f.settle(t)
	require.Equal(t, wallet.State{}, f.m.State())
}

func TestEmptyAccountsEventClearsWithoutRelease(t *testing.T) {
	f, _ := verified(t)

	f.wallet.EmitAccountsChanged()
	f.settle(t)

	require.Equal(t, wallet.State{}, f.m.State())
	require.Empty(t, f.store.Keys())
	require.Equal(t, int32(0), f.wallet.DisconnectCalls.Load())
}

func TestChainChangeKeepsVerification(t *testing.T) {
	f, addr := verified(t)

	f.wallet.EmitChainChanged(10)
	f.settle(t)

	st := f.m.State()
	require.Equal(t, uint64(10), st.ChainID)
	require.Equal(t, addr, st.Account)
	require.True(t, st.IsVerified)
	raw, _ := f.record(t, connectionKey)
	require.Equal(t, int64(10), gjson.Get(raw, "chainId").Int())
}

func TestSpuriousDisconnectKeepsState(t *testing.T) {
	f, _ := verified(t)
	before := f.m.State()

	f.wallet.EmitDisconnect(errors.New("transport hiccup"))
	f.settle(t)

	require.Equal(t, before, f.m.State())
	require.True(t, f.m.State().IsConnected)
	require.True(t, f.m.State().IsVerified)
	require.Equal(t, int32(0), f.wallet.DisconnectCalls.Load())
}

func TestDisconnectSignalWithoutAccountsClears(t *testing.T) {
	f, _ := verified(t)
	f.wallet.SetLive()

	f.wallet.EmitDisconnect(nil)
	f.settle(t)

	require.Equal(t, wallet.State{}, f.m.State())
	require.Empty(t, f.store.Keys())
}

func TestDisconnectSignalWithFailingQueryKeepsState(t *testing.T) {
	f, addr := verified(t)
	before := f.m.State()

	f.wallet.SetCurrentErr(errors.New("transient"))
	f.wallet.EmitDisconnect(errors.New("socket closed"))
	f.settle(t)
	f.wallet.SetCurrentErr(nil)

	require.Equal(t, before, f.m.State())
	require.Equal(t, addr, f.recordAccount(t, connectionKey))
	require.Equal(t, addr, f.recordAccount(t, verificationKey))
	require.Equal(t, int32(0), f.wallet.DisconnectCalls.Load())
}

func TestDisconnectSignalRestoresPersistedLiveAccount(t *testing.T) {
	f := newFixture(t)
	addr := f.wallet.MustAddKey()
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, connectionKey, `{"account":"`+addr+`","chainId":1,"connectedAt":1}`))
	require.NoError(t, f.store.Set(ctx, verificationKey,
		`{"account":"`+addr+`","isVerified":true,"verificationToken":"tok9","verifiedAt":2}`))
	f.wallet.SetLive(addr)

	f.wallet.EmitDisconnect(nil)
	f.settle(t)

	st := f.m.State()
	require.True(t, st.IsConnected)
	require.Equal(t, addr, st.Account)
	require.Equal(t, "tok9", st.VerificationToken)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f, _ := verified(t)
	f.wallet.SetDisconnectErr(errors.New("bridge gone"))

	require.NoError(t, f.m.Disconnect(context.Background()))
	require.Equal(t, wallet.State{}, f.m.State())
	require.Empty(t, f.store.Keys())

	require.NoError(t, f.m.Disconnect(context.Background()))
	require.Equal(t, wallet.State{}, f.m.State())
	require.Empty(t, f.store.Keys())
	require.Equal(t, int32(1), f.wallet.DisconnectCalls.Load())
}

func TestEventQueuedBehindConnectAppliesAfter(t *testing.T) {
	f := newFixture(t)
	first := f.wallet.MustAddKey()
	second := f.wallet.MustAddKey()
	f.wallet.SetLive(first)
	release := f.wallet.HoldRequests()
	t.Cleanup(release)

	var lk sync.Mutex
	var seen []string
	f.m.Subscribe(func(st wallet.State) {
		lk.Lock()
		seen = append(seen, st.Account)
		lk.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.m.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.wallet.RequestCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.wallet.EmitAccountsChanged(second)
	release()
	require.NoError(t, <-done)
	f.settle(t)

	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, []string{first, second}, seen)
	require.Equal(t, second, f.m.State().Account)
}

func TestSubscriberPanicDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.wallet.MustAddKey()
	var calls atomic.Int32
	f.m.Subscribe(func(wallet.State) { panic("boom") })
	f.m.Subscribe(func(wallet.State) { calls.Inc() })

	st, err := f.m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsConnected)
	require.Equal(t, int32(1), calls.Load())
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	f := newFixture(t)
	f.wallet.MustAddKey()

	var first, second atomic.Int32
	var unsubSecond func()
	var unsubFirst func()
	unsubFirst = f.m.Subscribe(func(wallet.State) {
		first.Inc()
		unsubFirst()
		unsubSecond()
	})
	unsubSecond = f.m.Subscribe(func(wallet.State) { second.Inc() })

	_, err := f.m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.m.Disconnect(context.Background()))

	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(0), second.Load())
	unsubFirst()
	unsubSecond()
}

func TestSubscriberCallingBackFails(t *testing.T) {
	f := newFixture(t)
	f.wallet.MustAddKey()
	var errs []error
	unsubscribe := f.m.Subscribe(func(wallet.State) {
		ctx := context.Background()
		_, err := f.m.Connect(ctx)
		errs = append(errs, err)
		_, err = f.m.Verify(ctx)
		errs = append(errs, err)
		_, err = f.m.RestoreState(ctx)
		errs = append(errs, err)
		errs = append(errs, f.m.Disconnect(ctx), f.m.Settle(ctx))
	})

	st, err := f.m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsConnected)
	require.Len(t, errs, 5)
	for _, err := range errs {
		require.ErrorIs(t, err, wallet.ErrReentrantCall)
	}

	errs = nil
	f.wallet.EmitChainChanged(9)
	f.settle(t)
	require.Len(t, errs, 5)
	require.ErrorIs(t, errs[4], wallet.ErrReentrantCall)
	unsubscribe()

	// calls from other goroutines are not affected
	require.NoError(t, f.m.Disconnect(context.Background()))
}

func TestSnapshotsAreCopies(t *testing.T) {
	f, addr := verified(t)
	var got wallet.State
	f.m.Subscribe(func(st wallet.State) {
		got = st
		st.Account = "0xdead"
	})
	f.wallet.EmitChainChanged(5)
	f.settle(t)

	require.Equal(t, addr, got.Account)
	st := f.m.State()
	st.IsVerified = false
	require.True(t, f.m.State().IsVerified)
}

type flakyStore struct {
	*store.Memory
	failures atomic.Int32
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	if s.failures.Load() > 0 {
		s.failures.Dec()
		return errors.New("disk busy")
	}
	return s.Memory.Set(ctx, key, value)
}

func TestPersistRetriesOnce(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory()}
	s.failures.Store(1)
	w := testhelper.NewMemWallet(1)
	addr := w.MustAddKey()
	m := wallet.NewManager(w, testhelper.NewScriptedVerifier(), staticIdentity{}, s)
	m.Initialize(context.Background())
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	raw, err := s.Get(context.Background(), connectionKey)
	require.NoError(t, err)
	require.Equal(t, addr, gjson.Get(raw, "account").String())

	s.failures.Store(2)
	other := w.MustAddKey()
	w.EmitAccountsChanged(other)
	require.NoError(t, m.Settle(context.Background()))
	require.Equal(t, other, m.State().Account)
	raw, _ = s.Get(context.Background(), connectionKey)
	require.Equal(t, addr, gjson.Get(raw, "account").String())
}

type staticIdentity struct{}

func (staticIdentity) BearerToken() (string, bool) { return "bearer", true }

func TestObserverSeesEveryOperation(t *testing.T) {
	var lk sync.Mutex
	ops := map[string]error{}
	f := newFixture(t, wallet.WithObserver(func(op string, _ time.Duration, err error) {
		lk.Lock()
		ops[op] = err
		lk.Unlock()
	}))
	f.wallet.MustAddKey()
	ctx := context.Background()

	_, err := f.m.Verify(ctx)
	require.Error(t, err)
	_, err = f.m.Connect(ctx)
	require.NoError(t, err)
	_, err = f.m.RestoreState(ctx)
	require.NoError(t, err)
	require.NoError(t, f.m.Disconnect(ctx))

	lk.Lock()
	defer lk.Unlock()
	require.ErrorIs(t, ops["verify"], wallet.ErrWalletNotConnected)
	require.Contains(t, ops, "connect")
	require.Contains(t, ops, "restore")
	require.Contains(t, ops, "disconnect")
	require.NoError(t, ops["connect"])
}

func TestKind(t *testing.T) {
	require.Equal(t, wallet.ErrConnectionCancelled,
		wallet.Kind(errors.Mark(wallet.ErrUserRejected, wallet.ErrConnectionCancelled)))
	require.Equal(t, wallet.ErrNetworkFailure, wallet.Kind(errors.Wrap(wallet.ErrNetworkFailure, "x")))
	require.Nil(t, wallet.Kind(errors.New("other")))
}

func TestCode(t *testing.T) {
	require.Equal(t, "ok", wallet.Code(nil))
	require.Equal(t, "connection_timeout", wallet.Code(errors.Wrap(wallet.ErrConnectionTimeout, "x")))
	require.Equal(t, "internal", wallet.Code(errors.New("other")))
	require.Equal(t, "reentrant_call", wallet.Code(wallet.ErrReentrantCall))
}

func TestCloseStopsLoop(t *testing.T) {
	f := newFixture(t)
	f.m.Close()
	f.m.Close()
	require.Error(t, f.m.Settle(context.Background()))
}
