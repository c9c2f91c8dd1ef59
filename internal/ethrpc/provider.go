// Package ethrpc is a wallet.Provider backed by an EIP-1193 style JSON-RPC
// endpoint, such as a browser extension bridge or a desktop signer.
package ethrpc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/ratelimit"

	"edgevideo.ai/edge-wallet/internal/chains"
	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

const (
	codeUserRejected   = 4001
	codeMethodNotFound = -32601

	callTimeout = 10 * time.Second
)

var _ wallet.Provider = (*Provider)(nil)

// Provider polls the endpoint for account and chain changes since plain
// JSON-RPC has no push channel for them.
type Provider struct {
	client           *rpc.Client
	interval         time.Duration
	failureThreshold int

	lk       sync.Mutex
	known    bool
	accounts []string
	chainID  uint64
	failures int
	lost     bool

	onAccounts   []func([]string)
	onChain      []func(uint64)
	onDisconnect []func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the configured endpoint and starts polling.
func Dial(ctx context.Context, conf config.EthRPC) (*Provider, error) {
	client, err := rpc.DialContext(ctx, conf.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", conf.Endpoint)
	}
	return New(client, conf), nil
}

// New wraps an existing client. Close releases it.
func New(client *rpc.Client, conf config.EthRPC) *Provider {
	if conf.PollInterval <= 0 {
		conf.PollInterval = 2 * time.Second
	}
	if conf.FailureThreshold <= 0 {
		conf.FailureThreshold = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		client:           client,
		interval:         conf.PollInterval,
		failureThreshold: conf.FailureThreshold,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	go p.poll(ctx)
	return p
}

func (p *Provider) Close() {
	p.cancel()
	<-p.done
	p.client.Close()
}

func (p *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, classify(err, "eth_requestAccounts")
	}
	p.lk.Lock()
	p.accounts = append([]string(nil), accounts...)
	p.lk.Unlock()
	return accounts, nil
}

func (p *Provider) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, classify(err, "eth_chainId")
	}
	p.lk.Lock()
	p.chainID = uint64(id)
	p.lk.Unlock()
	return uint64(id), nil
}

// SignMessage asks for an EIP-191 personal_sign signature.
func (p *Provider) SignMessage(ctx context.Context, address, message string) (string, error) {
	var sig hexutil.Bytes
	if err := p.client.CallContext(ctx, &sig, "personal_sign", hexutil.Encode([]byte(message)), address); err != nil {
		return "", classify(err, "personal_sign")
	}
	return sig.String(), nil
}

func (p *Provider) CurrentAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, classify(err, "eth_accounts")
	}
	return accounts, nil
}

// Disconnect revokes the account permission. Endpoints without
// wallet_revokePermissions only forget the accounts locally.
func (p *Provider) Disconnect(ctx context.Context) error {
	err := p.client.CallContext(ctx, nil, "wallet_revokePermissions",
		map[string]interface{}{"eth_accounts": map[string]interface{}{}})
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeMethodNotFound {
		log.Debugf("ethrpc - wallet_revokePermissions unsupported")
		err = nil
	}
	p.lk.Lock()
	p.accounts = nil
	p.lk.Unlock()
	if err != nil {
		return classify(err, "wallet_revokePermissions")
	}
	return nil
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

func (p *Provider) poll(ctx context.Context) {
	defer close(p.done)
	limiter := ratelimit.New(1, ratelimit.Per(p.interval), ratelimit.WithoutSlack)
	for {
		limiter.Take()
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.pollOnce(ctx)
	}
}

func (p *Provider) pollOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	accounts, err := p.CurrentAccounts(ctx)
	var id hexutil.Uint64
	if err == nil {
		err = p.client.CallContext(ctx, &id, "eth_chainId")
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		p.pollFailed(err)
		return
	}

	p.lk.Lock()
	first := !p.known
	p.known, p.failures, p.lost = true, 0, false
	accountsChanged := !first && !sameAccounts(p.accounts, accounts)
	chainChanged := !first && p.chainID != uint64(id)
	p.accounts, p.chainID = append([]string(nil), accounts...), uint64(id)
	accountListeners := append([]func([]string){}, p.onAccounts...)
	chainListeners := append([]func(uint64){}, p.onChain...)
	p.lk.Unlock()

	if accountsChanged {
		log.Infof("ethrpc - accounts changed to %v", accounts)
		for _, fn := range accountListeners {
			fn(append([]string(nil), accounts...))
		}
	}
	if chainChanged {
		log.Infof("ethrpc - chain changed to %s", chains.Name(uint64(id)))
		for _, fn := range chainListeners {
			fn(uint64(id))
		}
	}
}

// pollFailed raises one disconnect signal once failureThreshold polls in a row failed.
func (p *Provider) pollFailed(err error) {
	p.lk.Lock()
	p.failures++
	signal := p.failures >= p.failureThreshold && !p.lost
	if signal {
		// the pre-outage baseline is kept, recovery reports what changed meanwhile
		p.lost = true
	}
	listeners := append([]func(error){}, p.onDisconnect...)
	failures := p.failures
	p.lk.Unlock()

	log.Warnf("ethrpc - poll failed (%d in a row): %v", failures, err)
	if signal {
		for _, fn := range listeners {
			fn(err)
		}
	}
}

func classify(err error, method string) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == codeUserRejected {
			return errors.Mark(errors.Wrap(err, method), wallet.ErrUserRejected)
		}
		return errors.Wrap(err, method)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(err, method)
	}
	return errors.Mark(errors.Wrap(err, method), wallet.ErrProviderUnavailable)
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
