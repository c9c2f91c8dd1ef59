package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"edgevideo.ai/edge-wallet/internal/identity"
	"edgevideo.ai/edge-wallet/internal/metrics"
	"edgevideo.ai/edge-wallet/internal/store"
	"edgevideo.ai/edge-wallet/internal/testhelper"
	"edgevideo.ai/edge-wallet/internal/wallet"
)

type fixture struct {
	url      string
	wallet   *testhelper.MemWallet
	identity *identity.Holder
	manager  *wallet.Manager
	server   *Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		wallet:   testhelper.NewMemWallet(1),
		identity: identity.NewHolder("bearer-1"),
	}
	f.manager = wallet.NewManager(f.wallet, testhelper.NewScriptedVerifier(), f.identity, store.NewMemory())
	f.manager.Initialize(context.Background())
	t.Cleanup(f.manager.Close)

	f.server = NewServer(":0", f.manager, append([]Option{WithIdentity(f.identity)}, opts...)...)
	srv := httptest.NewServer(f.server.Router())
	t.Cleanup(srv.Close)
	f.url = srv.URL
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, gjson.Result) {
	req, err := http.NewRequest(method, f.url+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(raw)
}

func TestConnectVerifyDisconnect(t *testing.T) {
	f := newFixture(t)
	addr := f.wallet.MustAddKey()

	status, body := f.do(t, http.MethodGet, "/wallet/state", "")
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.Get("state.isConnected").Bool())

	status, body = f.do(t, http.MethodPost, "/wallet/connect", "")
	require.Equal(t, http.StatusOK, status, body.Raw)
	require.Equal(t, addr, body.Get("state.account").String())
	require.Equal(t, int64(1), body.Get("state.chainId").Int())
	require.Equal(t, "eth", body.Get("chain").String())

	status, body = f.do(t, http.MethodPost, "/wallet/verify", "")
	require.Equal(t, http.StatusOK, status, body.Raw)
	require.True(t, body.Get("state.isVerified").Bool())
	require.NotEmpty(t, body.Get("state.verificationToken").String())

	status, body = f.do(t, http.MethodPost, "/wallet/disconnect", "")
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.Get("state.isConnected").Bool())
	require.Equal(t, "", body.Get("state.account").String())
}

func TestErrorKindsMapToStatus(t *testing.T) {
	f := newFixture(t)
	f.wallet.MustAddKey()

	status, body := f.do(t, http.MethodPost, "/wallet/verify", "")
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "wallet_not_connected", body.Get("code").String())

	f.wallet.SetRejectRequest(true)
	status, body = f.do(t, http.MethodPost, "/wallet/connect", "")
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "connection_cancelled", body.Get("code").String())

	f.wallet.SetRejectRequest(false)
	status, _ = f.do(t, http.MethodPost, "/wallet/connect", "")
	require.Equal(t, http.StatusOK, status)
	status, body = f.do(t, http.MethodDelete, "/wallet/identity", "")
	require.Equal(t, http.StatusOK, status, body.Raw)
	status, body = f.do(t, http.MethodPost, "/wallet/verify", "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "not_authenticated", body.Get("code").String())
	require.True(t, body.Get("state.isConnected").Bool())
}

func TestIdentityHandover(t *testing.T) {
	f := newFixture(t)
	f.identity.Clear()

	status, _ := f.do(t, http.MethodPut, "/wallet/identity", `{}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPut, "/wallet/identity", `{"token":"bearer-2"}`)
	require.Equal(t, http.StatusOK, status)
	token, ok := f.identity.BearerToken()
	require.True(t, ok)
	require.Equal(t, "bearer-2", token)
}

func TestStateReflectsQueuedEvents(t *testing.T) {
	f := newFixture(t)
	f.wallet.MustAddKey()
	other := f.wallet.MustAddKey()
	status, _ := f.do(t, http.MethodPost, "/wallet/connect", "")
	require.Equal(t, http.StatusOK, status)

	f.wallet.EmitAccountsChanged(other)
	status, body := f.do(t, http.MethodGet, "/wallet/state", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, other, body.Get("state.account").String())
}

type staticPairing struct{}

func (staticPairing) PairingURI() string { return "wc:topic@1?bridge=x&key=y" }

func (staticPairing) QRCode(size int) ([]byte, error) {
	return []byte("\x89PNG" + strings.Repeat("0", size)), nil
}

func TestPairing(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/wallet/pairing", "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", body.Get("code").String())

	f = newFixture(t, WithPairing(staticPairing{}))
	resp, err := http.Get(f.url + "/wallet/pairing?size=128")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	status, body = f.do(t, http.MethodGet, "/wallet/pairing?format=uri", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "wc:topic@1?bridge=x&key=y", body.Get("uri").String())

	status, _ = f.do(t, http.MethodGet, "/wallet/pairing?size=10", "")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	addr := f.wallet.MustAddKey()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.url, "http")+"/wallet/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var st wallet.State
	require.NoError(t, conn.ReadJSON(&st))
	require.False(t, st.IsConnected)

	status, _ := f.do(t, http.MethodPost, "/wallet/connect", "")
	require.Equal(t, http.StatusOK, status)
	for !st.IsConnected {
		require.NoError(t, conn.ReadJSON(&st))
	}
	require.Equal(t, addr, st.Account)
}

func TestStopClosesEventStreams(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.url, "http")+"/wallet/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var st wallet.State
	require.NoError(t, conn.ReadJSON(&st))

	f.server.Stop()
	f.server.Stop()
	err = conn.ReadJSON(&st)
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New()
	provider := testhelper.NewMemWallet(1)
	provider.MustAddKey()
	manager := wallet.NewManager(provider, testhelper.NewScriptedVerifier(), identity.Static("bearer"),
		store.NewMemory(), wallet.WithObserver(m.Observe))
	manager.Initialize(context.Background())
	defer manager.Close()
	srv := httptest.NewServer(NewServer(":0", manager, WithMetrics(m)).Router())
	defer srv.Close()

	_, err := manager.Connect(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `edge_wallet_manager_operations_total{op="connect",result="ok"} 1`)
}
