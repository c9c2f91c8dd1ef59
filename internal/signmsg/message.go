// Package signmsg builds and parses the sign-in text a wallet signs to prove ownership.
//
// The layout follows EIP-4361:
//
//	edgevideo.ai wants you to sign in with your Ethereum account:
//	0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed
//
//	Sign this message to prove you own this wallet.
//
//	URI: https://edgevideo.ai
//	Version: 1
//	Chain ID: 1
//	Nonce: 32891756
//	Issued At: 2021-09-30T16:25:24Z
package signmsg

import (
	"strconv"
	"strings"
	"time"

	"edgevideo.ai/edge-wallet/pkg/errors"
)

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"
	version      = "1"

	uriTag      = "URI: "
	versionTag  = "Version: "
	chainTag    = "Chain ID: "
	nonceTag    = "Nonce: "
	issuedAtTag = "Issued At: "
)

var ErrMalformed = errors.New("malformed sign-in message")

// Params are every input the message embeds. Build and Parse are inverses over them.
type Params struct {
	Domain    string
	Address   string
	Statement string
	URI       string
	ChainID   uint64
	Nonce     string
	IssuedAt  time.Time
}

// Build renders p. IssuedAt is written in UTC with second precision.
func Build(p Params) string {
	var sb strings.Builder
	sb.WriteString(p.Domain)
	sb.WriteString(headerSuffix)
	sb.WriteString("\n")
	sb.WriteString(p.Address)
	sb.WriteString("\n\n")
	if p.Statement != "" {
		sb.WriteString(p.Statement)
		sb.WriteString("\n\n")
	}
	sb.WriteString(uriTag + p.URI + "\n")
	sb.WriteString(versionTag + version + "\n")
	sb.WriteString(chainTag + strconv.FormatUint(p.ChainID, 10) + "\n")
	sb.WriteString(nonceTag + p.Nonce + "\n")
	sb.WriteString(issuedAtTag + p.IssuedAt.UTC().Format(time.RFC3339))
	return sb.String()
}

// Parse recovers the Params a message was built from.
func Parse(msg string) (Params, error) {
	var p Params
	lines := strings.Split(msg, "\n")
	if len(lines) < 8 {
		return p, errors.Wrapf(ErrMalformed, "%d lines", len(lines))
	}
	if !strings.HasSuffix(lines[0], headerSuffix) {
		return p, errors.Wrap(ErrMalformed, "missing header")
	}
	p.Domain = strings.TrimSuffix(lines[0], headerSuffix)
	p.Address = lines[1]
	if lines[2] != "" {
		return p, errors.Wrap(ErrMalformed, "missing blank line after address")
	}

	fields := lines[3:]
	if !strings.HasPrefix(fields[0], uriTag) {
		if len(fields) < 7 || fields[1] != "" {
			return p, errors.Wrap(ErrMalformed, "bad statement")
		}
		p.Statement = fields[0]
		fields = fields[2:]
	}
	if len(fields) != 5 {
		return p, errors.Wrapf(ErrMalformed, "expected 5 fields, got %d", len(fields))
	}

	var err error
	values := make([]string, 0, 5)
	for i, tag := range []string{uriTag, versionTag, chainTag, nonceTag, issuedAtTag} {
		if !strings.HasPrefix(fields[i], tag) {
			return p, errors.Wrapf(ErrMalformed, "expected %q", strings.TrimSpace(tag))
		}
		values = append(values, strings.TrimPrefix(fields[i], tag))
	}
	p.URI = values[0]
	if values[1] != version {
		return p, errors.Wrapf(ErrMalformed, "unsupported version %s", values[1])
	}
	if p.ChainID, err = strconv.ParseUint(values[2], 10, 64); err != nil {
		return p, errors.Wrap(ErrMalformed, "chain id")
	}
	p.Nonce = values[3]
	if p.Nonce == "" {
		return p, errors.Wrap(ErrMalformed, "empty nonce")
	}
	if p.IssuedAt, err = time.Parse(time.RFC3339, values[4]); err != nil {
		return p, errors.Wrap(ErrMalformed, "issued at")
	}
	return p, nil
}
