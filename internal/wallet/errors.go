package wallet

import "edgevideo.ai/edge-wallet/pkg/errors"

var (
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrProviderUnavailable   = errors.New("wallet provider unavailable")
	ErrConnectionCancelled   = errors.New("connection cancelled")
	ErrConnectionTimeout     = errors.New("connection timed out")
	ErrSignatureRejected     = errors.New("signature rejected")
	ErrNonceFetchFailed      = errors.New("nonce fetch failed")
	ErrVerificationRejected  = errors.New("verification rejected")
	ErrNetworkFailure        = errors.New("network failure")
	ErrInvalidPersistedState = errors.New("invalid persisted state")
	ErrWalletNotConnected    = errors.New("wallet not connected")
	// ErrAccountChanged is returned by Verify when an account switch is pending for the signed account.
	ErrAccountChanged = errors.New("account changed during verification")
	// ErrUserRejected is wrapped by providers when the user declines a request.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrReentrantCall is returned to subscriber callbacks calling back into the manager.
	ErrReentrantCall = errors.New("manager called from a subscriber")
)

// Kind returns the sentinel err matches, or nil for untyped failures.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotAuthenticated, ErrWalletNotConnected, ErrProviderUnavailable,
		ErrConnectionCancelled, ErrConnectionTimeout, ErrSignatureRejected,
		ErrNonceFetchFailed, ErrVerificationRejected, ErrNetworkFailure,
		ErrAccountChanged, ErrInvalidPersistedState, ErrUserRejected,
		ErrReentrantCall,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

var codes = map[error]string{
	ErrNotAuthenticated:      "not_authenticated",
	ErrWalletNotConnected:    "wallet_not_connected",
	ErrProviderUnavailable:   "provider_unavailable",
	ErrConnectionCancelled:   "connection_cancelled",
	ErrConnectionTimeout:     "connection_timeout",
	ErrSignatureRejected:     "signature_rejected",
	ErrNonceFetchFailed:      "nonce_fetch_failed",
	ErrVerificationRejected:  "verification_rejected",
	ErrNetworkFailure:        "network_failure",
	ErrAccountChanged:        "account_changed",
	ErrInvalidPersistedState: "invalid_persisted_state",
	ErrUserRejected:          "user_rejected",
	ErrReentrantCall:         "reentrant_call",
}

// Code is the stable snake_case name of err's kind: "ok" for nil, "internal" when untyped.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := codes[Kind(err)]; ok {
		return code
	}
	return "internal"
}
