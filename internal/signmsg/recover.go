package signmsg

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"edgevideo.ai/edge-wallet/pkg/errors"
)

// Recover returns the lowercase address whose key produced a personal_sign
// signature over message.
func Recover(message, signatureHex string) (string, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return "", errors.Wrap(err, "decode signature")
	}
	if len(sig) != crypto.SignatureLength {
		return "", errors.Errorf("signature has %d bytes", len(sig))
	}
	// Transform yellow paper V from 27/28 to 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	recovered, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", errors.Wrap(err, "recover signer")
	}
	return strings.ToLower(crypto.PubkeyToAddress(*recovered).Hex()), nil
}

// SignedBy reports whether signatureHex over message was made by address.
func SignedBy(address, message, signatureHex string) bool {
	signer, err := Recover(message, signatureHex)
	return err == nil && signer == strings.ToLower(address)
}
