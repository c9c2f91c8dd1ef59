package wallet

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"edgevideo.ai/edge-wallet/pkg/errors"
)

// State is a snapshot of the connection. Account is "" and ChainID is 0 when unknown.
type State struct {
	Account           string `json:"account"`
	ChainID           uint64 `json:"chainId"`
	IsConnected       bool   `json:"isConnected"`
	IsVerified        bool   `json:"isVerified"`
	VerificationToken string `json:"verificationToken"`
}

// connectedTo is the state right after account becomes active, verification always starts cleared.
func connectedTo(account string, chainID uint64) State {
	return State{Account: account, ChainID: chainID, IsConnected: true}
}

type connectionRecord struct {
	Account     string `json:"account"`
	ChainID     uint64 `json:"chainId"`
	ConnectedAt int64  `json:"connectedAt"`
}

type verificationRecord struct {
	Account           string `json:"account"`
	IsVerified        bool   `json:"isVerified"`
	VerificationToken string `json:"verificationToken"`
	VerifiedAt        int64  `json:"verifiedAt"`
}

func (r *connectionRecord) decode(raw string) error {
	if err := json.Unmarshal([]byte(raw), r); err != nil {
		return errors.Mark(err, ErrInvalidPersistedState)
	}
	account, ok := normalizeAddress(r.Account)
	if !ok {
		return errors.Wrapf(ErrInvalidPersistedState, "connection record account %q", r.Account)
	}
	r.Account = account
	return nil
}

func (r *verificationRecord) decode(raw string) error {
	if err := json.Unmarshal([]byte(raw), r); err != nil {
		return errors.Mark(err, ErrInvalidPersistedState)
	}
	account, ok := normalizeAddress(r.Account)
	if !ok || !r.IsVerified || r.VerificationToken == "" {
		return errors.Wrap(ErrInvalidPersistedState, "incomplete verification record")
	}
	r.Account = account
	return nil
}

func encode(v interface{}) string {
	bts, _ := json.Marshal(v)
	return string(bts)
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// normalizeAddress lowercases a 0x-prefixed 20 byte hex address.
func normalizeAddress(addr string) (string, bool) {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", false
	}
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return "0x" + strings.ToLower(addr[2:]), true
}

func containsAddress(accounts []string, account string) bool {
	for _, a := range accounts {
		if n, ok := normalizeAddress(a); ok && n == account {
			return true
		}
	}
	return false
}
