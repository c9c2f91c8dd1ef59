package wcutil

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

const (
	alphanumerical  = "abcdefghijklmnopqrstuvwxyz0123456789"
	bridgeURLFormat = "https://%v.bridge.walletconnect.org"
)

// RandomBridgeURL picks one of the public v1 bridge shards.
func RandomBridgeURL() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return fmt.Sprintf(bridgeURLFormat, string(alphanumerical[r.Intn(len(alphanumerical))]))
}

// GetWebSocketURL turns a bridge URL into the websocket endpoint.
func GetWebSocketURL(bridgeURL, protocol, version string) string {
	u := bridgeURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "protocol=" + protocol + "&version=" + version + "&env=go"
}

// PairingURI is the wc: URI a wallet scans to join the handshake topic.
func PairingURI(handshakeTopic, bridgeURL string, key []byte) string {
	return fmt.Sprintf("wc:%s@1?bridge=%s&key=%s",
		handshakeTopic, url.QueryEscape(bridgeURL), hex.EncodeToString(key))
}

// ParsePairingURI is the inverse of PairingURI.
func ParsePairingURI(uri string) (topic, bridgeURL string, key []byte, err error) {
	if !strings.HasPrefix(uri, "wc:") {
		return "", "", nil, fmt.Errorf("not a walletconnect uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, "wc:")
	at := strings.Index(rest, "@")
	q := strings.Index(rest, "?")
	if at < 0 || q < at {
		return "", "", nil, fmt.Errorf("malformed walletconnect uri: %q", uri)
	}
	values, err := url.ParseQuery(rest[q+1:])
	if err != nil {
		return "", "", nil, err
	}
	key, err = hex.DecodeString(values.Get("key"))
	if err != nil {
		return "", "", nil, fmt.Errorf("decode key: %w", err)
	}
	return rest[:at], values.Get("bridge"), key, nil
}
