package testhelper

import (
	"context"
	"fmt"
	"sync"

	"edgevideo.ai/edge-wallet/internal/wallet"
)

var _ wallet.Verifier = (*ScriptedVerifier)(nil)

// ScriptedVerifier hands out nonces n1, n2, ... and accepts every proof unless
// told otherwise. It records what it was asked.
type ScriptedVerifier struct {
	lk        sync.Mutex
	issued    int
	Nonces    []string
	Requests  []wallet.VerifyRequest
	Bearers   []string
	NonceErr  error
	VerifyErr error
	// Token returns the token for a request, the default is "tok<n>".
	Token func(req wallet.VerifyRequest) string
	// Block, when set, is waited on by Nonce.
	Block chan struct{}
}

func NewScriptedVerifier() *ScriptedVerifier {
	return &ScriptedVerifier{}
}

func (s *ScriptedVerifier) Nonce(ctx context.Context, bearer string) (string, error) {
	s.lk.Lock()
	block := s.Block
	s.lk.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.Bearers = append(s.Bearers, bearer)
	if s.NonceErr != nil {
		return "", s.NonceErr
	}
	s.issued++
	nonce := fmt.Sprintf("n%d", s.issued)
	s.Nonces = append(s.Nonces, nonce)
	return nonce, nil
}

func (s *ScriptedVerifier) Verify(ctx context.Context, bearer string, req wallet.VerifyRequest) (string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.Requests = append(s.Requests, req)
	if s.VerifyErr != nil {
		return "", s.VerifyErr
	}
	if s.Token != nil {
		return s.Token(req), nil
	}
	return fmt.Sprintf("tok%d", len(s.Requests)), nil
}

// Snapshot returns copies of the issued nonces and submitted requests.
func (s *ScriptedVerifier) Snapshot() ([]string, []wallet.VerifyRequest) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([]string(nil), s.Nonces...), append([]wallet.VerifyRequest(nil), s.Requests...)
}

func (s *ScriptedVerifier) SetVerifyErr(err error) {
	s.lk.Lock()
	s.VerifyErr = err
	s.lk.Unlock()
}

func (s *ScriptedVerifier) SetNonceErr(err error) {
	s.lk.Lock()
	s.NonceErr = err
	s.lk.Unlock()
}
