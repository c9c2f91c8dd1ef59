package wallet

import "context"

// Provider is the capability set of a wallet, browser injected or bridged.
// Rejections by the user wrap ErrUserRejected.
type Provider interface {
	// RequestAccounts asks the user to grant access, it may block on user interaction.
	RequestAccounts(ctx context.Context) ([]string, error)
	ChainID(ctx context.Context) (uint64, error)
	SignMessage(ctx context.Context, address, message string) (string, error)
	// CurrentAccounts reports the live accounts without prompting the user.
	CurrentAccounts(ctx context.Context) ([]string, error)
	// Disconnect releases the provider session.
	Disconnect(ctx context.Context) error

	OnAccountsChanged(func(accounts []string))
	OnChainChanged(func(chainID uint64))
	OnDisconnect(func(err error))
}

// VerifyRequest is the signed proof submitted to the backend.
type VerifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
}

// Verifier is the backend verification API.
type Verifier interface {
	Nonce(ctx context.Context, bearer string) (string, error)
	// Verify returns the verification token for the proven address.
	Verify(ctx context.Context, bearer string, req VerifyRequest) (string, error)
}

// Identity supplies the bearer token gating wallet operations.
type Identity interface {
	BearerToken() (string, bool)
}

// Store is the key-value store records are persisted in. Get of an absent key returns an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
