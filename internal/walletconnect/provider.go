// Package walletconnect connects to mobile wallets through a WalletConnect v1 bridge.
// Interaction flow: https://docs.walletconnect.com/tech-spec#establishing-connection
package walletconnect

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/tidwall/gjson"

	"edgevideo.ai/edge-wallet/internal/chains"
	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/internal/signmsg"
	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
	"edgevideo.ai/edge-wallet/pkg/wcutil"
)

var (
	errSessionClosed  = errors.New("session closed")
	errConnectionLost = errors.New("bridge connection lost")
	errNoSession      = errors.New("no walletconnect session")
)

var _ wallet.Provider = (*Provider)(nil)

const writeTimeout = 10 * time.Second

// Provider is a wallet.Provider over one WalletConnect v1 session. The bridge
// connection is dialed lazily and re-dialed after it drops.
type Provider struct {
	bridgeURL string
	meta      clientMeta
	clientID  string
	dialer    websocket.Dialer

	lk             sync.Mutex
	conn           *websocket.Conn
	handshakeTopic string
	encryptionKey  []byte
	session        *Session
	pending        map[int64]chan jsonRpcResponse
	closed         bool

	onAccounts   []func([]string)
	onChain      []func(uint64)
	onDisconnect []func(error)

	writeLk sync.Mutex
	readers sync.WaitGroup
}

func NewProvider(conf config.WalletConnect) *Provider {
	bridgeURL := conf.BridgeURL
	if bridgeURL == "" {
		bridgeURL = wcutil.RandomBridgeURL()
	}
	p := &Provider{
		bridgeURL: bridgeURL,
		meta: clientMeta{
			Description: conf.Description,
			URL:         conf.URL,
			Icons:       conf.Icons,
			Name:        conf.Name,
		},
		clientID: uuid.NewString(),
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:  make(map[int64]chan jsonRpcResponse),
	}
	p.resetPairing()
	return p
}

// resetPairing starts a fresh handshake topic and key, the caller holds lk or owns p.
func (p *Provider) resetPairing() {
	key, err := wcutil.GenerateRandomBytes(256 / 8)
	if err != nil {
		log.Error(errors.WrapAndReport(err, "generate walletconnect key"))
	}
	p.handshakeTopic = uuid.NewString()
	p.encryptionKey = key
}

// PairingURI is the wc: URI a wallet scans to join the pending handshake.
func (p *Provider) PairingURI() string {
	p.lk.Lock()
	defer p.lk.Unlock()
	return wcutil.PairingURI(p.handshakeTopic, p.bridgeURL, p.encryptionKey)
}

// QRCode renders PairingURI as a PNG.
func (p *Provider) QRCode(size int) ([]byte, error) {
	uri := p.PairingURI()
	log.Debugf("wallet connect - generated uri:%v", uri)
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, errors.WrapAndReport(err, "encode wallet connect qr code")
	}
	return png, nil
}

// Session returns a copy of the live session, nil when none.
func (p *Provider) Session() *Session {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.session == nil {
		return nil
	}
	s := *p.session
	s.Accounts = append([]string(nil), p.session.Accounts...)
	return &s
}

// RequestAccounts sends wc_sessionRequest on the handshake topic and waits for
// the wallet to approve. An existing session answers directly.
func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	if s := p.Session(); s != nil {
		return s.Accounts, nil
	}
	if err := p.ensureConn(ctx); err != nil {
		return nil, err
	}
	p.lk.Lock()
	topic := p.handshakeTopic
	p.lk.Unlock()

	result, err := p.call(ctx, topic, newJSONRpcRequest("wc_sessionRequest", peer{
		PeerID:   p.clientID,
		PeerMeta: p.meta,
	}))
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return nil, errors.Mark(err, wallet.ErrUserRejected)
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("wallet connect - create session response:%s", result)

	var s Session
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, errors.WrapAndReport(err, "unmarshal wallet info")
	}
	if !s.Approved {
		return nil, errors.Wrap(wallet.ErrUserRejected, "session rejected")
	}
	if len(s.Accounts) == 0 {
		return nil, errors.New("no wallet accounts acquired")
	}
	p.lk.Lock()
	p.session = &s
	p.lk.Unlock()
	log.Infof("wallet connect - session approved by %s (%s) on %s", s.Meta.Name, s.PeerID, chains.Name(s.ChainID))
	return append([]string(nil), s.Accounts...), nil
}

func (p *Provider) ChainID(ctx context.Context) (uint64, error) {
	s := p.Session()
	if s == nil {
		return 0, errors.Mark(errNoSession, wallet.ErrProviderUnavailable)
	}
	return s.ChainID, nil
}

// SignMessage sends personal_sign to the wallet and checks the signature recovers to address.
func (p *Provider) SignMessage(ctx context.Context, address, message string) (string, error) {
	s := p.Session()
	if s == nil {
		return "", errors.Mark(errNoSession, wallet.ErrProviderUnavailable)
	}
	if err := p.ensureConn(ctx); err != nil {
		return "", err
	}
	result, err := p.call(ctx, s.PeerID, newJSONRpcRequest("personal_sign",
		hexutil.Encode([]byte(message)), address))
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && rpcErr.rejected() {
		return "", errors.Mark(err, wallet.ErrUserRejected)
	}
	if err != nil {
		return "", err
	}
	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", errors.Wrap(err, "decode signature")
	}
	if !signmsg.SignedBy(address, message, signature) {
		return "", errors.Errorf("wallet returned a signature not made by %s", address)
	}
	return signature, nil
}

// CurrentAccounts reports the session accounts. A session whose bridge
// connection dropped is resumed so wallet updates flow again.
func (p *Provider) CurrentAccounts(ctx context.Context) ([]string, error) {
	s := p.Session()
	if s == nil {
		return nil, nil
	}
	if err := p.ensureConn(ctx); err != nil {
		log.Warnf("wallet connect - resume session %s: %v", s.PeerID, err)
	}
	return s.Accounts, nil
}

// Disconnect tells the wallet the session is over and drops the bridge connection.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.lk.Lock()
	s, conn := p.session, p.conn
	p.session, p.conn = nil, nil
	key := p.encryptionKey
	p.resetPairing()
	p.lk.Unlock()

	var err error
	if s != nil && conn != nil {
		req := newJSONRpcRequest("wc_sessionUpdate", sessionUpdate{Approved: false})
		err = p.publish(conn, key, s.PeerID, req)
	}
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

// Close drops the connection without ending the session on the wallet side.
func (p *Provider) Close() {
	p.lk.Lock()
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.lk.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	p.readers.Wait()
}

func (p *Provider) OnAccountsChanged(fn func([]string)) {
	p.lk.Lock()
	p.onAccounts = append(p.onAccounts, fn)
	p.lk.Unlock()
}

func (p *Provider) OnChainChanged(fn func(uint64)) {
	p.lk.Lock()
	p.onChain = append(p.onChain, fn)
	p.lk.Unlock()
}

func (p *Provider) OnDisconnect(fn func(error)) {
	p.lk.Lock()
	p.onDisconnect = append(p.onDisconnect, fn)
	p.lk.Unlock()
}

func (p *Provider) ensureConn(ctx context.Context) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return errors.Mark(errors.New("provider closed"), wallet.ErrProviderUnavailable)
	}
	if p.conn != nil {
		return nil
	}
	wsURL := wcutil.GetWebSocketURL(p.bridgeURL, "wc", "1")
	conn, _, err := p.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "dial to wallet connect bridge url"), wallet.ErrProviderUnavailable)
	}
	sub := wcMessage{Topic: p.clientID, Type: "sub", Silent: true}
	if err := p.write(conn, sub.Marshal()); err != nil {
		_ = conn.Close()
		return errors.Mark(err, wallet.ErrProviderUnavailable)
	}
	p.conn = conn
	p.readers.Add(1)
	go p.read(conn)
	return nil
}

// call publishes req to topic and waits for the matching response.
func (p *Provider) call(ctx context.Context, topic string, req *jsonRpcRequest) (json.RawMessage, error) {
	ch := make(chan jsonRpcResponse, 1)
	p.lk.Lock()
	conn, key := p.conn, p.encryptionKey
	p.pending[req.Id] = ch
	p.lk.Unlock()
	defer func() {
		p.lk.Lock()
		delete(p.pending, req.Id)
		p.lk.Unlock()
	}()
	if conn == nil {
		return nil, errors.Mark(errConnectionLost, wallet.ErrProviderUnavailable)
	}
	if err := p.publish(conn, key, topic, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) publish(conn *websocket.Conn, key []byte, topic string, req *jsonRpcRequest) error {
	payload, err := wcutil.Seal(req.Marshal(), key)
	if err != nil {
		return errors.WrapAndReport(err, "encrypt wallet connect payload")
	}
	raw, _ := json.Marshal(payload)
	msg := wcMessage{
		Topic:   topic,
		Type:    "pub",
		Payload: string(raw),
		Silent:  req.IsSilentPayload(),
	}
	log.Debugf("wallet connect - publish %s to %s", req.Method, topic)
	return p.write(conn, msg.Marshal())
}

func (p *Provider) write(conn *websocket.Conn, payload []byte) error {
	p.writeLk.Lock()
	defer p.writeLk.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "write wallet connect message to server")
	}
	return nil
}

func (p *Provider) read(conn *websocket.Conn) {
	defer p.readers.Done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			p.connectionLost(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := newWCMessageFromBytes(data)
		if err != nil {
			log.Warnf("wallet connect - %v", err)
			continue
		}
		if msg.Type != "pub" || msg.Payload == "" {
			continue
		}
		ack := wcMessage{Topic: msg.Topic, Type: "ack", Silent: true}
		if err := p.write(conn, ack.Marshal()); err != nil {
			log.Warnf("wallet connect - ack: %v", err)
		}
		payload, err := p.decrypt(msg)
		if err != nil {
			log.Warnf("wallet connect - drop message: %v", err)
			continue
		}
		p.dispatch(payload)
	}
}

func (p *Provider) decrypt(msg *wcMessage) ([]byte, error) {
	mp, err := newWCMessagePayload(msg.Payload)
	if err != nil {
		return nil, err
	}
	p.lk.Lock()
	key := p.encryptionKey
	p.lk.Unlock()
	return wcutil.Open(mp, key)
}

// dispatch routes a decrypted JSON-RPC message to a waiting call or handles a wallet request.
func (p *Provider) dispatch(payload []byte) {
	if method := gjson.GetBytes(payload, "method").String(); method != "" {
		if method == "wc_sessionUpdate" {
			p.checkSessionUpdate(payload)
		} else {
			log.Debugf("wallet connect - ignoring wallet request %s", method)
		}
		return
	}
	var resp jsonRpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		log.Warnf("wallet connect - bad response: %v", err)
		return
	}
	p.lk.Lock()
	ch, ok := p.pending[resp.Id]
	p.lk.Unlock()
	if !ok {
		log.Debugf("wallet connect - no caller waiting for response %d", resp.Id)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// checkSessionUpdate applies a wallet side session update: approved false ends
// the session, otherwise accounts and chain may have changed.
func (p *Provider) checkSessionUpdate(payload []byte) {
	params := gjson.GetBytes(payload, "params").Array()
	if len(params) == 0 {
		return
	}
	var update sessionUpdate
	if err := json.Unmarshal([]byte(params[0].Raw), &update); err != nil {
		log.Warnf("wallet connect - bad session update: %v", err)
		return
	}

	p.lk.Lock()
	s := p.session
	if s == nil {
		p.lk.Unlock()
		return
	}
	if !update.Approved {
		log.Warnf("wallet connect - session closed by wallet %s", s.PeerID)
		p.session = nil
		p.resetPairing()
		listeners := append([]func(error){}, p.onDisconnect...)
		p.lk.Unlock()
		for _, fn := range listeners {
			fn(errSessionClosed)
		}
		return
	}

	accountsChanged := len(update.Accounts) > 0 && !sameAccounts(s.Accounts, update.Accounts)
	chainChanged := update.ChainID != nil && *update.ChainID != s.ChainID
	if accountsChanged {
		s.Accounts = append([]string(nil), update.Accounts...)
	}
	if chainChanged {
		s.ChainID = *update.ChainID
	}
	accountListeners := append([]func([]string){}, p.onAccounts...)
	chainListeners := append([]func(uint64){}, p.onChain...)
	accounts, chainID := append([]string(nil), s.Accounts...), s.ChainID
	p.lk.Unlock()

	if accountsChanged {
		for _, fn := range accountListeners {
			fn(accounts)
		}
	}
	if chainChanged {
		for _, fn := range chainListeners {
			fn(chainID)
		}
	}
}

// connectionLost fails pending calls. A live session gets a disconnect signal,
// the session itself survives and is resumed on the next dial.
func (p *Provider) connectionLost(conn *websocket.Conn, cause error) {
	p.lk.Lock()
	if p.conn != conn {
		p.lk.Unlock()
		return
	}
	p.conn = nil
	for id, ch := range p.pending {
		select {
		case ch <- jsonRpcResponse{Id: id, err: errors.Mark(errors.Wrap(cause, "read bridge"), errConnectionLost)}:
		default:
		}
		delete(p.pending, id)
	}
	hasSession := p.session != nil && !p.closed
	listeners := append([]func(error){}, p.onDisconnect...)
	p.lk.Unlock()

	log.Warnf("wallet connect - connection lost: %v", cause)
	if hasSession {
		for _, fn := range listeners {
			fn(cause)
		}
	}
}

func sameAccounts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
